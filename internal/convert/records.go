package convert

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/provenance/internal/events"
	"github.com/and161185/provenance/internal/model"
)

// --- helpers ---

type fields map[string]*structpb.Value

func (f fields) str(k, v string)            { f[k] = structpb.NewStringValue(v) }
func (f fields) uint(k string, v uint64)    { f[k] = structpb.NewStringValue(U(v)) }
func (f fields) boolean(k string, v bool)   { f[k] = structpb.NewBoolValue(v) }
func (f fields) number(k string, v float64) { f[k] = structpb.NewNumberValue(v) }
func (f fields) list(k string, vs []*structpb.Value) {
	f[k] = structpb.NewListValue(&structpb.ListValue{Values: vs})
}

func (f fields) optStr(k string, v *string) {
	if v == nil {
		f[k] = structpb.NewNullValue()
		return
	}
	f.str(k, *v)
}

func (f fields) optUint(k string, v *uint64) {
	if v == nil {
		f[k] = structpb.NewNullValue()
		return
	}
	f.uint(k, *v)
}

func (f fields) optNumber(k string, v *float64) {
	if v == nil {
		f[k] = structpb.NewNullValue()
		return
	}
	f.number(k, *v)
}

func (f fields) msg() *structpb.Struct { return &structpb.Struct{Fields: f} }

// --- records (server -> client) ---

// Product renders a product record.
func Product(p model.Product) *structpb.Struct {
	f := fields{}
	f.uint("product_id", p.ID)
	f.str("name", p.Name)
	f.str("description", p.Description)
	f.str("manufacturer", string(p.Manufacturer))
	f.str("batch_number", p.BatchNumber)
	f.uint("registered_at", p.RegisteredAt)
	f.str("status", p.Status.String())
	f.str("product_type", p.ProductType)
	f.str("origin_location", p.OriginLocation)
	f.str("current_owner", string(p.CurrentOwner))
	f.optStr("delivery_location", p.DeliveryLocation)
	f.optUint("expected_delivery_time", p.ExpectedDeliveryTime)
	f.optStr("product_uri", p.ProductURI)
	f.uint("checkpoint_count", p.NextCheckpointID)
	f.uint("transfer_count", p.NextTransferID)
	return f.msg()
}

func checkpointFields(c model.Checkpoint) fields {
	f := fields{}
	f.uint("product_id", c.ProductID)
	f.uint("checkpoint_id", c.ID)
	f.str("location", c.Location)
	f.uint("timestamp", c.Timestamp)
	f.str("operator", string(c.Operator))
	f.str("verified_by", string(c.VerifiedBy))
	f.str("type", string(c.Type))
	f.optNumber("temperature", c.Temperature)
	f.optNumber("humidity", c.Humidity)
	f.optStr("notes", c.Notes)
	f.str("attestation_hash", c.AttestationHash.String())
	return f
}

// Checkpoint renders one checkpoint.
func Checkpoint(c model.Checkpoint) *structpb.Struct { return checkpointFields(c).msg() }

// Checkpoints renders a history as {"checkpoints": [...]}.
func Checkpoints(cs []model.Checkpoint) *structpb.Struct {
	vs := make([]*structpb.Value, 0, len(cs))
	for _, c := range cs {
		vs = append(vs, structpb.NewStructValue(checkpointFields(c).msg()))
	}
	f := fields{}
	f.list("checkpoints", vs)
	return f.msg()
}

// Authorization renders a verifier entry.
func Authorization(a model.Authorization) *structpb.Struct {
	f := fields{}
	f.str("organization", string(a.Organization))
	f.str("verifier", string(a.Verifier))
	f.str("verifier_name", a.VerifierName)
	f.str("role", a.Role)
	f.uint("authorized_at", a.AuthorizedAt)
	f.str("authorized_by", string(a.AuthorizedBy))
	f.boolean("is_active", a.IsActive)
	return f.msg()
}

// Transfer renders a transfer record.
func Transfer(t model.Transfer) *structpb.Struct {
	f := fields{}
	f.uint("product_id", t.ProductID)
	f.uint("transfer_id", t.ID)
	f.str("transferor", string(t.Transferor))
	f.str("transferee", string(t.Transferee))
	f.uint("initiated_at", t.InitiatedAt)
	f.optUint("completed_at", t.CompletedAt)
	f.str("status", t.Status.String())
	f.optStr("conditions", t.Conditions)
	return f.msg()
}

// Certification renders a certification record.
func Certification(c model.Certification) *structpb.Struct {
	f := fields{}
	f.uint("product_id", c.ProductID)
	f.str("cert_type", c.Type)
	f.str("certifier", string(c.Certifier))
	f.uint("issued_at", c.IssuedAt)
	f.uint("expiration_time", c.ExpirationTime)
	f.str("cert_hash", c.CertHash.String())
	f.optStr("cert_uri", c.CertURI)
	f.str("status", c.Status.String())
	return f.msg()
}

// Authenticity renders a verify-authenticity answer.
func Authenticity(a model.Authenticity) *structpb.Struct {
	f := fields{}
	f.boolean("authentic", a.Authentic)
	f.str("manufacturer", string(a.Manufacturer))
	f.str("batch_number", a.BatchNumber)
	f.str("status", a.Status.String())
	return f.msg()
}

// Token renders an issued access token.
func Token(t model.Token) *structpb.Struct {
	f := fields{}
	f.str("access_token", t.AccessToken)
	f.str("expires_at", t.ExpiresAt.UTC().Format(time.RFC3339))
	return f.msg()
}

// Event renders a ledger event for WatchEvents.
func Event(e events.Event) *structpb.Struct {
	f := fields{}
	f.str("id", e.ID)
	f.str("kind", string(e.Kind))
	f.optUint("product_id", e.ProductID)
	f.optUint("ref", e.Ref)
	f.str("actor", string(e.Actor))
	f.uint("at", e.At)
	attrs := fields{}
	for k, v := range e.Attrs {
		attrs.str(k, v)
	}
	f["attrs"] = structpb.NewStructValue(attrs.msg())
	return f.msg()
}

// ID renders {key: id}.
func ID(key string, id uint64) *structpb.Struct {
	f := fields{}
	f.uint(key, id)
	return f.msg()
}

// Bool renders {key: v}.
func Bool(key string, v bool) *structpb.Struct {
	f := fields{}
	f.boolean(key, v)
	return f.msg()
}

// Empty is the reply of operations that return nothing.
func Empty() *structpb.Struct { return &structpb.Struct{Fields: map[string]*structpb.Value{}} }
