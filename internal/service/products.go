package service

import (
	"context"
	"fmt"
	"strconv"

	"github.com/and161185/provenance/internal/crypto"
	"github.com/and161185/provenance/internal/errs"
	"github.com/and161185/provenance/internal/events"
	"github.com/and161185/provenance/internal/model"
	"github.com/and161185/provenance/internal/repository"
)

// RegisterInput describes a new product.
type RegisterInput struct {
	Name           string
	Description    string
	BatchNumber    string
	ProductType    string
	OriginLocation string
	ProductURI     *string
}

// Register creates a product owned and manufactured by caller together with
// its manufacture checkpoint (id 0, attestation = digest of the batch number).
func (s *Provenance) Register(ctx context.Context, caller model.Identity, in RegisterInput) (uint64, error) {
	var id uint64
	err := s.mutate(ctx, "register", caller, func(u *unit) error {
		next, err := u.tx.NextProductID(ctx)
		if err != nil {
			return err
		}
		p := &model.Product{
			ID:             next,
			Name:           in.Name,
			Description:    in.Description,
			Manufacturer:   caller,
			BatchNumber:    in.BatchNumber,
			RegisteredAt:   u.now,
			Status:         model.StatusCreated,
			ProductType:    in.ProductType,
			OriginLocation: in.OriginLocation,
			CurrentOwner:   caller,
			ProductURI:     in.ProductURI,
		}
		if err := u.tx.CreateProduct(ctx, p); err != nil {
			return err
		}
		u.emit(events.ProductRegistered, ptr(p.ID), nil, map[string]string{"batch": in.BatchNumber})
		if _, err := u.appendCheckpoint(p, CheckpointInput{
			Location:        in.OriginLocation,
			Type:            model.CheckpointManufacture,
			AttestationHash: crypto.DigestString(in.BatchNumber),
		}); err != nil {
			return fmt.Errorf("manufacture checkpoint: %w", err)
		}
		id = p.ID
		return nil
	})
	return id, err
}

// Product returns a product record.
func (s *Provenance) Product(ctx context.Context, productID uint64) (model.Product, error) {
	var out model.Product
	err := s.view(ctx, func(tx repository.Tx) error {
		p, err := tx.Product(ctx, productID)
		if err != nil {
			return fmt.Errorf("product %d: %w", productID, err)
		}
		out = *p
		return nil
	})
	return out, err
}

// SetDeliveryInfo updates the delivery location and expected delivery time.
// Caller must act for the current owner; recalled products are frozen.
func (s *Provenance) SetDeliveryInfo(ctx context.Context, caller model.Identity, productID uint64, location string, expected uint64) error {
	return s.mutate(ctx, "set_delivery_info", caller, func(u *unit) error {
		p, err := u.tx.Product(ctx, productID)
		if err != nil {
			return fmt.Errorf("product %d: %w", productID, err)
		}
		ok, err := actsFor(ctx, u.tx, p.CurrentOwner, caller)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("set delivery info: %q does not act for owner %q: %w", caller, p.CurrentOwner, errs.ErrUnauthorized)
		}
		if expected > model.MaxTime {
			return fmt.Errorf("set delivery info: expected time %d out of range: %w", expected, errs.ErrInvalidArgument)
		}
		if p.Status == model.StatusRecalled {
			return fmt.Errorf("product %d is recalled: %w", productID, errs.ErrInvalidState)
		}
		p.DeliveryLocation = ptr(location)
		p.ExpectedDeliveryTime = ptr(expected)
		if err := u.tx.SaveProduct(ctx, p); err != nil {
			return err
		}
		u.emit(events.DeliveryUpdated, ptr(productID), nil, map[string]string{
			"location": location,
			"expected": strconv.FormatUint(expected, 10),
		})
		return nil
	})
}

// Recall marks the product recalled for good by appending a recall checkpoint
// with reason as notes and attestation source. Manufacturer only.
func (s *Provenance) Recall(ctx context.Context, caller model.Identity, productID uint64, reason string) (uint64, error) {
	var id uint64
	err := s.mutate(ctx, "recall", caller, func(u *unit) error {
		p, err := u.tx.Product(ctx, productID)
		if err != nil {
			return fmt.Errorf("product %d: %w", productID, err)
		}
		if caller != p.Manufacturer {
			return fmt.Errorf("recall: %q is not the manufacturer: %w", caller, errs.ErrUnauthorized)
		}
		loc, err := u.lastLocation(p)
		if err != nil {
			return err
		}
		id, err = u.appendCheckpoint(p, CheckpointInput{
			Location:        loc,
			Type:            model.CheckpointRecall,
			Notes:           ptr(reason),
			AttestationHash: crypto.DigestString(reason),
		})
		if err != nil {
			return err
		}
		u.emit(events.ProductRecalled, ptr(productID), ptr(id), map[string]string{"reason": reason})
		return nil
	})
	return id, err
}

// VerifyAuthenticity echoes registration metadata of an existing product.
// It performs no cryptographic verification.
func (s *Provenance) VerifyAuthenticity(ctx context.Context, productID uint64) (model.Authenticity, error) {
	p, err := s.Product(ctx, productID)
	if err != nil {
		return model.Authenticity{}, err
	}
	return model.Authenticity{
		Authentic:    true,
		Manufacturer: p.Manufacturer,
		BatchNumber:  p.BatchNumber,
		Status:       p.Status,
	}, nil
}
