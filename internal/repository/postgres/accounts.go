package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/provenance/internal/errs"
	"github.com/and161185/provenance/internal/model"
)

// AccountRepo implements repository.AccountRepository using PostgreSQL.
type AccountRepo struct{ db *DB }

// NewAccountRepo constructs an account repository.
func NewAccountRepo(db *DB) *AccountRepo { return &AccountRepo{db: db} }

// Create inserts a new account row.
func (r *AccountRepo) Create(ctx context.Context, a *model.Account) error {
	const q = `
INSERT INTO accounts (id, identity, pwd_hash)
VALUES ($1, $2, $3)`
	_, err := r.db.Pool.Exec(ctx, q, a.ID, string(a.Identity), a.PwdHash)
	if isUniqueViolation(err) {
		return fmt.Errorf("account %q: %w", a.Identity, errs.ErrAlreadyExists)
	}
	return err
}

// GetByIdentity selects an account by identity.
func (r *AccountRepo) GetByIdentity(ctx context.Context, id model.Identity) (*model.Account, error) {
	const q = `
SELECT id, identity, pwd_hash, created_at
FROM accounts WHERE identity=$1`
	var a model.Account
	err := r.db.Pool.QueryRow(ctx, q, string(id)).Scan(&a.ID, &a.Identity, &a.PwdHash, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
