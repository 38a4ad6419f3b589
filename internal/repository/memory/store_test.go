package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/provenance/internal/errs"
	"github.com/and161185/provenance/internal/model"
	"github.com/and161185/provenance/internal/repository"
)

func TestStore_InTx_CommitsAllWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()

	err := s.InTx(ctx, func(tx repository.Tx) error {
		id, err := tx.NextProductID(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(0), id)
		p := &model.Product{ID: id, Name: "widget", NextCheckpointID: 1}
		require.NoError(t, tx.CreateProduct(ctx, p))
		return tx.InsertCheckpoint(ctx, &model.Checkpoint{ProductID: id, ID: 0, Type: model.CheckpointManufacture})
	})
	require.NoError(t, err)

	err = s.View(ctx, func(tx repository.Tx) error {
		next, err := tx.NextProductID(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(1), next)
		p, err := tx.Product(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, "widget", p.Name)
		cps, err := tx.Checkpoints(ctx, 0)
		require.NoError(t, err)
		require.Len(t, cps, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_InTx_RollsBackOnError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx repository.Tx) error {
		require.NoError(t, tx.CreateProduct(ctx, &model.Product{ID: 0}))
		require.NoError(t, tx.PutAuthorization(ctx, &model.Authorization{Organization: "o", Verifier: "v", IsActive: true}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = s.View(ctx, func(tx repository.Tx) error {
		next, _ := tx.NextProductID(ctx)
		require.Equal(t, uint64(0), next, "counter must not advance on rollback")
		_, err := tx.Product(ctx, 0)
		require.ErrorIs(t, err, errs.ErrNotFound)
		_, err = tx.Authorization(ctx, "o", "v")
		require.ErrorIs(t, err, errs.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_ViewIsReadOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()

	err := s.View(ctx, func(tx repository.Tx) error {
		return tx.PutCertification(ctx, &model.Certification{ProductID: 0, Type: "iso"})
	})
	require.Error(t, err)
}

func TestStore_ReturnsCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()
	loc := "dock 4"

	require.NoError(t, s.InTx(ctx, func(tx repository.Tx) error {
		return tx.CreateProduct(ctx, &model.Product{ID: 0, DeliveryLocation: &loc})
	}))
	require.NoError(t, s.View(ctx, func(tx repository.Tx) error {
		p, err := tx.Product(ctx, 0)
		require.NoError(t, err)
		*p.DeliveryLocation = "elsewhere"
		return nil
	}))
	require.NoError(t, s.View(ctx, func(tx repository.Tx) error {
		p, err := tx.Product(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, "dock 4", *p.DeliveryLocation)
		return nil
	}))
}

func TestStore_CreateProductOutOfSequence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()

	err := s.InTx(ctx, func(tx repository.Tx) error {
		return tx.CreateProduct(ctx, &model.Product{ID: 3})
	})
	require.Error(t, err)
}

func TestStore_DuplicateCheckpointRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()

	err := s.InTx(ctx, func(tx repository.Tx) error {
		require.NoError(t, tx.InsertCheckpoint(ctx, &model.Checkpoint{ProductID: 0, ID: 0}))
		return tx.InsertCheckpoint(ctx, &model.Checkpoint{ProductID: 0, ID: 0})
	})
	require.ErrorIs(t, err, errs.ErrAlreadyExists)
}

func TestAccountRepo_CreateAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := NewAccountRepo()

	require.NoError(t, r.Create(ctx, &model.Account{Identity: "acme"}))
	require.ErrorIs(t, r.Create(ctx, &model.Account{Identity: "acme"}), errs.ErrAlreadyExists)

	a, err := r.GetByIdentity(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, model.Identity("acme"), a.Identity)

	_, err = r.GetByIdentity(ctx, "nobody")
	require.ErrorIs(t, err, errs.ErrNotFound)
}
