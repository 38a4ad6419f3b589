package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/and161185/provenance/internal/errs"
	"github.com/and161185/provenance/internal/events"
	"github.com/and161185/provenance/internal/model"
	"github.com/and161185/provenance/internal/repository"
)

// CertificationInput describes a compliance record to add.
type CertificationInput struct {
	ProductID      uint64
	Type           string
	ExpirationTime uint64
	CertHash       model.Digest
	CertURI        *string
}

// AddCertification writes (or overwrites) the record for (product, type).
// Caller must act for the manufacturer; compliance authority stays with the
// producer regardless of who currently owns the product.
func (s *Provenance) AddCertification(ctx context.Context, caller model.Identity, in CertificationInput) error {
	if in.Type == "" {
		return fmt.Errorf("add certification: empty type: %w", errs.ErrInvalidArgument)
	}
	return s.mutate(ctx, "add_certification", caller, func(u *unit) error {
		p, err := u.tx.Product(ctx, in.ProductID)
		if err != nil {
			return fmt.Errorf("product %d: %w", in.ProductID, err)
		}
		ok, err := actsFor(ctx, u.tx, p.Manufacturer, caller)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("add certification: %q does not act for manufacturer %q: %w", caller, p.Manufacturer, errs.ErrUnauthorized)
		}
		if in.ExpirationTime <= u.now {
			return fmt.Errorf("add certification: expiration %d not after now %d: %w", in.ExpirationTime, u.now, errs.ErrInvalidArgument)
		}
		if in.ExpirationTime > model.MaxTime {
			return fmt.Errorf("add certification: expiration %d out of range: %w", in.ExpirationTime, errs.ErrInvalidArgument)
		}
		if p.Status == model.StatusRecalled {
			return fmt.Errorf("product %d is recalled: %w", in.ProductID, errs.ErrInvalidState)
		}
		c := &model.Certification{
			ProductID:      in.ProductID,
			Type:           in.Type,
			Certifier:      caller,
			IssuedAt:       u.now,
			ExpirationTime: in.ExpirationTime,
			CertHash:       in.CertHash,
			CertURI:        in.CertURI,
			Status:         model.CertValid,
		}
		if err := u.tx.PutCertification(ctx, c); err != nil {
			return err
		}
		u.emit(events.CertificationAdded, ptr(in.ProductID), nil, map[string]string{
			"type":    in.Type,
			"expires": strconv.FormatUint(in.ExpirationTime, 10),
		})
		return nil
	})
}

// RevokeCertification marks the record revoked. Only its certifier may do so.
func (s *Provenance) RevokeCertification(ctx context.Context, caller model.Identity, productID uint64, certType string) error {
	return s.mutate(ctx, "revoke_certification", caller, func(u *unit) error {
		c, err := u.tx.Certification(ctx, productID, certType)
		if err != nil {
			return fmt.Errorf("certification %d/%s: %w", productID, certType, err)
		}
		if caller != c.Certifier {
			return fmt.Errorf("revoke certification: %q is not the certifier: %w", caller, errs.ErrUnauthorized)
		}
		c.Status = model.CertRevoked
		if err := u.tx.PutCertification(ctx, c); err != nil {
			return err
		}
		u.emit(events.CertificationRevoked, ptr(productID), nil, map[string]string{"type": certType})
		return nil
	})
}

// Certification returns the stored record.
func (s *Provenance) Certification(ctx context.Context, productID uint64, certType string) (model.Certification, error) {
	var out model.Certification
	err := s.view(ctx, func(tx repository.Tx) error {
		c, err := tx.Certification(ctx, productID, certType)
		if err != nil {
			return fmt.Errorf("certification %d/%s: %w", productID, certType, err)
		}
		out = *c
		return nil
	})
	return out, err
}

// IsCertificationValid reports whether the record exists, is not revoked and
// has not expired. Missing records are simply not valid; only storage
// failures produce an error.
func (s *Provenance) IsCertificationValid(ctx context.Context, productID uint64, certType string) (bool, error) {
	now := s.clock.Now()
	c, err := s.Certification(ctx, productID, certType)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.ValidAt(now), nil
}
