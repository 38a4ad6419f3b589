// Package model defines domain entities used by services and repositories.
package model

import (
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// MaxTime is the largest caller-supplied time every store can hold.
const MaxTime uint64 = math.MaxInt64

// Identity is an opaque caller identity (account, organization or verifier).
type Identity string

// Digest is an opaque fixed-size hash of an off-system document.
type Digest [32]byte

// String renders the digest as 0x-prefixed hex.
func (d Digest) String() string { return "0x" + hex.EncodeToString(d[:]) }

// IsZero reports whether the digest is all zeros.
func (d Digest) IsZero() bool { return d == Digest{} }

// ParseDigest parses a 32-byte hex digest with or without 0x prefix.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if err != nil {
		return d, fmt.Errorf("digest: %w", err)
	}
	if len(raw) != len(d) {
		return d, fmt.Errorf("digest: want %d bytes, got %d", len(d), len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// Product is the canonical record of a registered item.
type Product struct {
	ID                   uint64
	Name                 string
	Description          string
	Manufacturer         Identity // immutable
	BatchNumber          string
	RegisteredAt         uint64 // logical time
	Status               ProductStatus
	ProductType          string
	OriginLocation       string
	CurrentOwner         Identity // mutated only by transfer acceptance
	DeliveryLocation     *string
	ExpectedDeliveryTime *uint64
	ProductURI           *string

	// Per-product sequence counters, advanced in the same unit that writes
	// the record they number.
	NextCheckpointID uint64
	NextTransferID   uint64
}

// Checkpoint is an immutable handling event in a product's journey.
type Checkpoint struct {
	ProductID       uint64
	ID              uint64
	Location        string
	Timestamp       uint64
	Operator        Identity // current owner at append time
	VerifiedBy      Identity // caller
	Type            CheckpointType
	Temperature     *float64
	Humidity        *float64
	Notes           *string
	AttestationHash Digest
}

// Authorization is an organization's allow-list entry for a verifier.
type Authorization struct {
	Organization Identity
	Verifier     Identity
	VerifierName string
	Role         string
	AuthorizedAt uint64
	AuthorizedBy Identity
	IsActive     bool
}

// Transfer is an ownership change request for a product.
type Transfer struct {
	ProductID   uint64
	ID          uint64
	Transferor  Identity
	Transferee  Identity
	InitiatedAt uint64
	CompletedAt *uint64
	Status      TransferStatus
	Conditions  *string // carries the rejection reason after reject
}

// Certification is the live compliance record of a given type for a product.
type Certification struct {
	ProductID      uint64
	Type           string
	Certifier      Identity
	IssuedAt       uint64
	ExpirationTime uint64
	CertHash       Digest
	CertURI        *string
	Status         CertStatus
}

// ValidAt reports whether the certification is unrevoked and unexpired at now.
func (c Certification) ValidAt(now uint64) bool {
	return c.Status == CertValid && c.ExpirationTime > now
}

// Authenticity echoes the registration metadata of an existing product.
// It is not a cryptographic proof.
type Authenticity struct {
	Authentic    bool
	Manufacturer Identity
	BatchNumber  string
	Status       ProductStatus
}

// Account binds a caller identity to login credentials at the transport edge.
type Account struct {
	ID        uuid.UUID // PK
	Identity  Identity  // unique
	PwdHash   string    // encoded argon2id hash
	CreatedAt time.Time
}

// Token is an issued bearer access token.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}
