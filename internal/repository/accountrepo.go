// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/provenance/internal/model"
)

// AccountRepository provides access to login accounts.
type AccountRepository interface {
	// Create inserts a new account; errs.ErrAlreadyExists if the identity is taken.
	Create(ctx context.Context, a *model.Account) error
	// GetByIdentity loads an account by identity.
	GetByIdentity(ctx context.Context, id model.Identity) (*model.Account, error)
}
