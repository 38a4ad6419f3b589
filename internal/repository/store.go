package repository

import (
	"context"

	"github.com/and161185/provenance/internal/model"
)

// Store runs units of work against the provenance maps.
//
// InTx is the single serialization point for mutations: fn observes a
// consistent state, and its writes become visible all together when fn
// returns nil, or not at all. View runs fn against the latest committed
// state; writes through a view Tx fail.
type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
}

// Tx exposes the provenance maps inside a unit of work. Getters return
// errs.ErrNotFound for absent keys and hand out copies.
type Tx interface {
	// NextProductID reports the id the next registered product will get.
	NextProductID(ctx context.Context) (uint64, error)
	// CreateProduct inserts p (p.ID must equal NextProductID) and advances the counter.
	CreateProduct(ctx context.Context, p *model.Product) error
	// Product loads a product.
	Product(ctx context.Context, id uint64) (*model.Product, error)
	// SaveProduct overwrites mutable product fields and its counters.
	SaveProduct(ctx context.Context, p *model.Product) error

	// InsertCheckpoint writes an immutable checkpoint.
	InsertCheckpoint(ctx context.Context, c *model.Checkpoint) error
	Checkpoint(ctx context.Context, productID, checkpointID uint64) (*model.Checkpoint, error)
	// Checkpoints lists a product's checkpoints in id order.
	Checkpoints(ctx context.Context, productID uint64) ([]model.Checkpoint, error)

	// PutAuthorization inserts or overwrites the (organization, verifier) entry.
	PutAuthorization(ctx context.Context, a *model.Authorization) error
	Authorization(ctx context.Context, org, verifier model.Identity) (*model.Authorization, error)

	// PutTransfer inserts or overwrites a transfer record.
	PutTransfer(ctx context.Context, t *model.Transfer) error
	Transfer(ctx context.Context, productID, transferID uint64) (*model.Transfer, error)

	// PutCertification inserts or overwrites the (product, type) record.
	PutCertification(ctx context.Context, c *model.Certification) error
	Certification(ctx context.Context, productID uint64, certType string) (*model.Certification, error)
}
