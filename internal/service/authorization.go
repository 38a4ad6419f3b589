package service

import (
	"context"
	"fmt"

	"github.com/and161185/provenance/internal/events"
	"github.com/and161185/provenance/internal/model"
	"github.com/and161185/provenance/internal/repository"
)

// Authorize adds or re-activates verifier on the calling organization's allow-list.
func (s *Provenance) Authorize(ctx context.Context, org, verifier model.Identity, name, role string) error {
	return s.mutate(ctx, "authorize_verifier", org, func(u *unit) error {
		a := &model.Authorization{
			Organization: org,
			Verifier:     verifier,
			VerifierName: name,
			Role:         role,
			AuthorizedAt: u.now,
			AuthorizedBy: org,
			IsActive:     true,
		}
		if err := u.tx.PutAuthorization(ctx, a); err != nil {
			return err
		}
		u.emit(events.VerifierAuthorized, nil, nil, map[string]string{"verifier": string(verifier), "role": role})
		return nil
	})
}

// RevokeVerifier deactivates an entry, keeping it for audit.
func (s *Provenance) RevokeVerifier(ctx context.Context, org, verifier model.Identity) error {
	return s.mutate(ctx, "revoke_verifier", org, func(u *unit) error {
		a, err := u.tx.Authorization(ctx, org, verifier)
		if err != nil {
			return fmt.Errorf("authorization %s/%s: %w", org, verifier, err)
		}
		a.IsActive = false
		if err := u.tx.PutAuthorization(ctx, a); err != nil {
			return err
		}
		u.emit(events.VerifierRevoked, nil, nil, map[string]string{"verifier": string(verifier)})
		return nil
	})
}

// IsAuthorized reports whether verifier is active for org. Absent entries are false.
func (s *Provenance) IsAuthorized(ctx context.Context, org, verifier model.Identity) (bool, error) {
	var ok bool
	err := s.view(ctx, func(tx repository.Tx) error {
		var err error
		ok, err = activeVerifier(ctx, tx, org, verifier)
		return err
	})
	return ok, err
}

// Authorization returns the stored entry, active or not.
func (s *Provenance) Authorization(ctx context.Context, org, verifier model.Identity) (model.Authorization, error) {
	var out model.Authorization
	err := s.view(ctx, func(tx repository.Tx) error {
		a, err := tx.Authorization(ctx, org, verifier)
		if err != nil {
			return fmt.Errorf("authorization %s/%s: %w", org, verifier, err)
		}
		out = *a
		return nil
	})
	return out, err
}
