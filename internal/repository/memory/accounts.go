package memory

import (
	"context"
	"sync"

	"github.com/and161185/provenance/internal/errs"
	"github.com/and161185/provenance/internal/model"
	"github.com/and161185/provenance/internal/repository"
)

var _ repository.AccountRepository = (*AccountRepo)(nil)

// AccountRepo keeps login accounts in memory.
type AccountRepo struct {
	mu   sync.RWMutex
	byID map[model.Identity]model.Account
}

// NewAccountRepo constructs an empty account repository.
func NewAccountRepo() *AccountRepo {
	return &AccountRepo{byID: make(map[model.Identity]model.Account)}
}

// Create inserts a new account.
func (r *AccountRepo) Create(_ context.Context, a *model.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[a.Identity]; ok {
		return errs.ErrAlreadyExists
	}
	r.byID[a.Identity] = *a
	return nil
}

// GetByIdentity loads an account by identity.
func (r *AccountRepo) GetByIdentity(_ context.Context, id model.Identity) (*model.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &a, nil
}
