package service

import (
	"context"
	"fmt"

	"github.com/and161185/provenance/internal/errs"
	"github.com/and161185/provenance/internal/events"
	"github.com/and161185/provenance/internal/model"
	"github.com/and161185/provenance/internal/repository"
)

// CheckpointInput describes a handling event to append.
type CheckpointInput struct {
	ProductID       uint64
	Location        string
	Type            model.CheckpointType
	Temperature     *float64
	Humidity        *float64
	Notes           *string
	AttestationHash model.Digest
}

// AppendCheckpoint records a handling event. The caller must be the current
// owner or one of its active verifiers. Reserved types (manufacture, recall)
// are produced only by Register and Recall.
func (s *Provenance) AppendCheckpoint(ctx context.Context, caller model.Identity, in CheckpointInput) (uint64, error) {
	if in.Type == "" {
		return 0, fmt.Errorf("append checkpoint: empty type: %w", errs.ErrInvalidArgument)
	}
	if in.Type.Reserved() {
		return 0, fmt.Errorf("append checkpoint: type %q is reserved: %w", in.Type, errs.ErrInvalidArgument)
	}
	var id uint64
	err := s.mutate(ctx, "append_checkpoint", caller, func(u *unit) error {
		p, err := u.tx.Product(ctx, in.ProductID)
		if err != nil {
			return fmt.Errorf("product %d: %w", in.ProductID, err)
		}
		ok, err := actsFor(ctx, u.tx, p.CurrentOwner, caller)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("append checkpoint: %q does not act for owner %q: %w", caller, p.CurrentOwner, errs.ErrUnauthorized)
		}
		id, err = u.appendCheckpoint(p, in)
		return err
	})
	return id, err
}

// appendCheckpoint is the only path that writes checkpoints and recomputes
// product status. Authorization is the caller's job; the recall gate is not.
// p is saved with its advanced counter and new status.
func (u *unit) appendCheckpoint(p *model.Product, in CheckpointInput) (uint64, error) {
	if p.Status == model.StatusRecalled {
		return 0, fmt.Errorf("product %d is recalled: %w", p.ID, errs.ErrInvalidState)
	}
	id := p.NextCheckpointID
	cp := &model.Checkpoint{
		ProductID:       p.ID,
		ID:              id,
		Location:        in.Location,
		Timestamp:       u.now,
		Operator:        p.CurrentOwner,
		VerifiedBy:      u.caller,
		Type:            in.Type,
		Temperature:     in.Temperature,
		Humidity:        in.Humidity,
		Notes:           in.Notes,
		AttestationHash: in.AttestationHash,
	}
	if err := u.tx.InsertCheckpoint(u.ctx, cp); err != nil {
		return 0, err
	}
	p.Status = DeriveStatus(p.Status, in.Type)
	p.NextCheckpointID = id + 1
	if err := u.tx.SaveProduct(u.ctx, p); err != nil {
		return 0, err
	}
	u.appended = append(u.appended, in.Type)
	u.emit(events.CheckpointAppended, ptr(p.ID), ptr(id), map[string]string{
		"type":   string(in.Type),
		"status": p.Status.String(),
	})
	return id, nil
}

// lastLocation is where the product was last seen, for checkpoints the
// service writes on its own behalf.
func (u *unit) lastLocation(p *model.Product) (string, error) {
	if p.NextCheckpointID == 0 {
		return p.OriginLocation, nil
	}
	cp, err := u.tx.Checkpoint(u.ctx, p.ID, p.NextCheckpointID-1)
	if err != nil {
		return "", err
	}
	return cp.Location, nil
}

// Checkpoint returns a single checkpoint.
func (s *Provenance) Checkpoint(ctx context.Context, productID, checkpointID uint64) (model.Checkpoint, error) {
	var out model.Checkpoint
	err := s.view(ctx, func(tx repository.Tx) error {
		cp, err := tx.Checkpoint(ctx, productID, checkpointID)
		if err != nil {
			return fmt.Errorf("checkpoint %d/%d: %w", productID, checkpointID, err)
		}
		out = *cp
		return nil
	})
	return out, err
}

// Checkpoints returns the full history of a product in id order.
func (s *Provenance) Checkpoints(ctx context.Context, productID uint64) ([]model.Checkpoint, error) {
	var out []model.Checkpoint
	err := s.view(ctx, func(tx repository.Tx) error {
		if _, err := tx.Product(ctx, productID); err != nil {
			return fmt.Errorf("product %d: %w", productID, err)
		}
		var err error
		out, err = tx.Checkpoints(ctx, productID)
		return err
	})
	return out, err
}
