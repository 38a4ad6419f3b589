// Package convert maps domain values to and from the structpb messages carried
// over gRPC.
//
// Unsigned 64-bit values (ids, logical times) travel as decimal strings so
// they survive the float64 number representation of structpb; readers accept
// both forms.
package convert

import (
	"fmt"
	"math"
	"strconv"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/provenance/internal/errs"
	"github.com/and161185/provenance/internal/model"
)

// U renders v the way readers expect an unsigned field.
func U(v uint64) string { return strconv.FormatUint(v, 10) }

func invalid(key, format string, args ...any) error {
	return fmt.Errorf("field %q: %s: %w", key, fmt.Sprintf(format, args...), errs.ErrInvalidArgument)
}

func field(s *structpb.Struct, key string) (*structpb.Value, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.GetFields()[key]
	if !ok {
		return nil, false
	}
	if _, null := v.GetKind().(*structpb.Value_NullValue); null {
		return nil, false
	}
	return v, true
}

// Uint reads a required unsigned field.
func Uint(s *structpb.Struct, key string) (uint64, error) {
	v, ok := field(s, key)
	if !ok {
		return 0, invalid(key, "required")
	}
	return toUint(key, v)
}

// OptUint reads an optional unsigned field.
func OptUint(s *structpb.Struct, key string) (*uint64, error) {
	v, ok := field(s, key)
	if !ok {
		return nil, nil
	}
	n, err := toUint(key, v)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func toUint(key string, v *structpb.Value) (uint64, error) {
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		n, err := strconv.ParseUint(k.StringValue, 10, 64)
		if err != nil {
			return 0, invalid(key, "not an unsigned integer")
		}
		return n, nil
	case *structpb.Value_NumberValue:
		f := k.NumberValue
		if f < 0 || f != math.Trunc(f) || f > 1<<53 {
			return 0, invalid(key, "not an unsigned integer")
		}
		return uint64(f), nil
	}
	return 0, invalid(key, "not an unsigned integer")
}

// String reads a string field; absent reads as "".
func String(s *structpb.Struct, key string) string {
	v, ok := field(s, key)
	if !ok {
		return ""
	}
	return v.GetStringValue()
}

// OptString reads an optional string field.
func OptString(s *structpb.Struct, key string) *string {
	v, ok := field(s, key)
	if !ok {
		return nil
	}
	str := v.GetStringValue()
	return &str
}

// OptFloat reads an optional number field.
func OptFloat(s *structpb.Struct, key string) (*float64, error) {
	v, ok := field(s, key)
	if !ok {
		return nil, nil
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum {
		return nil, invalid(key, "not a number")
	}
	f := n.NumberValue
	return &f, nil
}

// Digest reads a hex digest; absent reads as the zero digest.
func Digest(s *structpb.Struct, key string) (model.Digest, error) {
	v, ok := field(s, key)
	if !ok {
		return model.Digest{}, nil
	}
	d, err := model.ParseDigest(v.GetStringValue())
	if err != nil {
		return model.Digest{}, invalid(key, "%v", err)
	}
	return d, nil
}

// Identity reads a caller identity field.
func Identity(s *structpb.Struct, key string) model.Identity {
	return model.Identity(String(s, key))
}
