// Package events publishes committed provenance mutations to interested sinks.
package events

import (
	"context"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/and161185/provenance/internal/model"
)

// Kind names a committed mutation.
type Kind string

const (
	ProductRegistered    Kind = "product.registered"
	CheckpointAppended   Kind = "checkpoint.appended"
	ProductRecalled      Kind = "product.recalled"
	DeliveryUpdated      Kind = "delivery.updated"
	VerifierAuthorized   Kind = "verifier.authorized"
	VerifierRevoked      Kind = "verifier.revoked"
	TransferInitiated    Kind = "transfer.initiated"
	TransferAccepted     Kind = "transfer.accepted"
	TransferRejected     Kind = "transfer.rejected"
	TransferCancelled    Kind = "transfer.cancelled"
	CertificationAdded   Kind = "certification.added"
	CertificationRevoked Kind = "certification.revoked"
)

// Event describes one committed mutation.
type Event struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	ProductID *uint64           `json:"product_id,omitempty"` // nil for authorization events
	Ref       *uint64           `json:"ref,omitempty"`        // checkpoint or transfer id
	Actor     model.Identity    `json:"actor"`
	At        uint64            `json:"at"` // logical time
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// Publisher delivers events after commit. Implementations must not block for long.
type Publisher interface {
	Publish(ctx context.Context, evs ...Event) error
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a lexicographically sortable event identifier.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) error { return nil }

// Multi fans out to several publishers, returning the first error after trying all.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evs ...Event) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, evs...); err != nil && first == nil {
			first = err
		}
	}
	return first
}
