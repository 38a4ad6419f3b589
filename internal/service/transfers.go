package service

import (
	"context"
	"fmt"

	"github.com/and161185/provenance/internal/crypto"
	"github.com/and161185/provenance/internal/errs"
	"github.com/and161185/provenance/internal/events"
	"github.com/and161185/provenance/internal/model"
	"github.com/and161185/provenance/internal/repository"
)

// InitiateTransfer opens a pending ownership transfer to transferee.
func (s *Provenance) InitiateTransfer(ctx context.Context, caller model.Identity, productID uint64, transferee model.Identity, conditions *string) (uint64, error) {
	if transferee == "" {
		return 0, fmt.Errorf("initiate transfer: empty transferee: %w", errs.ErrInvalidArgument)
	}
	var id uint64
	err := s.mutate(ctx, "initiate_transfer", caller, func(u *unit) error {
		p, err := u.tx.Product(ctx, productID)
		if err != nil {
			return fmt.Errorf("product %d: %w", productID, err)
		}
		if caller != p.CurrentOwner {
			return fmt.Errorf("initiate transfer: %q is not the owner: %w", caller, errs.ErrUnauthorized)
		}
		if p.Status == model.StatusRecalled {
			return fmt.Errorf("product %d is recalled: %w", productID, errs.ErrInvalidState)
		}
		id = p.NextTransferID
		tr := &model.Transfer{
			ProductID:   productID,
			ID:          id,
			Transferor:  caller,
			Transferee:  transferee,
			InitiatedAt: u.now,
			Status:      model.TransferPending,
			Conditions:  conditions,
		}
		if err := u.tx.PutTransfer(ctx, tr); err != nil {
			return err
		}
		p.NextTransferID = id + 1
		if err := u.tx.SaveProduct(ctx, p); err != nil {
			return err
		}
		u.emit(events.TransferInitiated, ptr(productID), ptr(id), map[string]string{"transferee": string(transferee)})
		return nil
	})
	return id, err
}

// pendingTransfer loads a transfer and checks the caller plays role and the record is pending.
func (u *unit) pendingTransfer(productID, transferID uint64, role func(*model.Transfer) model.Identity, roleName string) (*model.Transfer, error) {
	tr, err := u.tx.Transfer(u.ctx, productID, transferID)
	if err != nil {
		return nil, fmt.Errorf("transfer %d/%d: %w", productID, transferID, err)
	}
	if u.caller != role(tr) {
		return nil, fmt.Errorf("transfer %d/%d: %q is not the %s: %w", productID, transferID, u.caller, roleName, errs.ErrUnauthorized)
	}
	if tr.Status.Terminal() {
		return nil, fmt.Errorf("transfer %d/%d is %s: %w", productID, transferID, tr.Status, errs.ErrInvalidState)
	}
	return tr, nil
}

func transferee(t *model.Transfer) model.Identity { return t.Transferee }
func transferor(t *model.Transfer) model.Identity { return t.Transferor }

// AcceptTransfer completes a pending transfer: the caller becomes owner and a
// transfer checkpoint documents the handover, or nothing changes.
func (s *Provenance) AcceptTransfer(ctx context.Context, caller model.Identity, productID, transferID uint64) error {
	return s.mutate(ctx, "accept_transfer", caller, func(u *unit) error {
		tr, err := u.pendingTransfer(productID, transferID, transferee, "transferee")
		if err != nil {
			return err
		}
		p, err := u.tx.Product(ctx, productID)
		if err != nil {
			return fmt.Errorf("product %d: %w", productID, err)
		}
		if tr.Transferor != p.CurrentOwner {
			return fmt.Errorf("transfer %d/%d: %q no longer owns product %d: %w",
				productID, transferID, tr.Transferor, productID, errs.ErrInvalidState)
		}
		tr.Status = model.TransferCompleted
		tr.CompletedAt = ptr(u.now)
		if err := u.tx.PutTransfer(ctx, tr); err != nil {
			return err
		}

		loc, err := u.lastLocation(p)
		if err != nil {
			return err
		}
		p.CurrentOwner = caller
		notes := fmt.Sprintf("ownership transferred from %s to %s", tr.Transferor, caller)
		hash := crypto.DigestString(fmt.Sprintf("%s|%s|%d|%d|%d", tr.Transferor, caller, productID, transferID, u.now))
		if _, err := u.appendCheckpoint(p, CheckpointInput{
			Location:        loc,
			Type:            model.CheckpointTransfer,
			Notes:           &notes,
			AttestationHash: hash,
		}); err != nil {
			return fmt.Errorf("transfer checkpoint: %w", err)
		}
		u.emit(events.TransferAccepted, ptr(productID), ptr(transferID), map[string]string{
			"from": string(tr.Transferor),
			"to":   string(caller),
		})
		return nil
	})
}

// RejectTransfer closes a pending transfer as rejected; reason lands in conditions.
func (s *Provenance) RejectTransfer(ctx context.Context, caller model.Identity, productID, transferID uint64, reason string) error {
	return s.mutate(ctx, "reject_transfer", caller, func(u *unit) error {
		tr, err := u.pendingTransfer(productID, transferID, transferee, "transferee")
		if err != nil {
			return err
		}
		tr.Status = model.TransferRejected
		tr.CompletedAt = ptr(u.now)
		tr.Conditions = ptr(reason)
		if err := u.tx.PutTransfer(ctx, tr); err != nil {
			return err
		}
		u.emit(events.TransferRejected, ptr(productID), ptr(transferID), map[string]string{"reason": reason})
		return nil
	})
}

// CancelTransfer withdraws a pending transfer. Transferor only.
func (s *Provenance) CancelTransfer(ctx context.Context, caller model.Identity, productID, transferID uint64) error {
	return s.mutate(ctx, "cancel_transfer", caller, func(u *unit) error {
		tr, err := u.pendingTransfer(productID, transferID, transferor, "transferor")
		if err != nil {
			return err
		}
		tr.Status = model.TransferCancelled
		tr.CompletedAt = ptr(u.now)
		if err := u.tx.PutTransfer(ctx, tr); err != nil {
			return err
		}
		u.emit(events.TransferCancelled, ptr(productID), ptr(transferID), nil)
		return nil
	})
}

// Transfer returns a transfer record.
func (s *Provenance) Transfer(ctx context.Context, productID, transferID uint64) (model.Transfer, error) {
	var out model.Transfer
	err := s.view(ctx, func(tx repository.Tx) error {
		tr, err := tx.Transfer(ctx, productID, transferID)
		if err != nil {
			return fmt.Errorf("transfer %d/%d: %w", productID, transferID, err)
		}
		out = *tr
		return nil
	})
	return out, err
}
