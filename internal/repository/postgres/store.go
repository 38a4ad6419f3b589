package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/provenance/internal/errs"
	"github.com/and161185/provenance/internal/model"
	"github.com/and161185/provenance/internal/repository"
)

var (
	_ repository.Store             = (*Store)(nil)
	_ repository.Tx                = (*tx)(nil)
	_ repository.AccountRepository = (*AccountRepo)(nil)
)

// Store implements repository.Store on PostgreSQL. Every InTx locks the
// single ledger_counters row first, so mutations run one at a time.
type Store struct{ db *DB }

// NewStore constructs a ledger store.
func NewStore(db *DB) *Store { return &Store{db: db} }

const lockCounters = `SELECT next_product_id FROM ledger_counters WHERE id=1 FOR UPDATE`

// InTx runs fn in a read-write transaction, committing only if fn returns nil.
// A panic in fn rolls back and is re-raised.
func (s *Store) InTx(ctx context.Context, fn func(repository.Tx) error) (err error) {
	pgtx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = pgtx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = pgtx.Rollback(ctx)
			return
		}
		if e := pgtx.Commit(ctx); e != nil {
			err = e
		}
	}()

	var next uint64
	if err = pgtx.QueryRow(ctx, lockCounters).Scan(&next); err != nil {
		return fmt.Errorf("lock ledger: %w", err)
	}
	return fn(&tx{q: pgtx, nextProduct: &next})
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(repository.Tx) error) (err error) {
	pgtx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = pgtx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = pgtx.Rollback(ctx)
			return
		}
		if e := pgtx.Commit(ctx); e != nil {
			err = e
		}
	}()
	return fn(&tx{q: pgtx})
}

type tx struct {
	q querier
	// nextProduct is the locked counter; nil in views.
	nextProduct *uint64
}

type scanner interface{ Scan(dest ...any) error }

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.ErrNotFound
	}
	return err
}

func (t *tx) NextProductID(ctx context.Context) (uint64, error) {
	if t.nextProduct != nil {
		return *t.nextProduct, nil
	}
	var next uint64
	err := t.q.QueryRow(ctx, `SELECT next_product_id FROM ledger_counters WHERE id=1`).Scan(&next)
	return next, err
}

const productCols = `id, name, description, manufacturer, batch_number, registered_at, status,
product_type, origin_location, current_owner, delivery_location, expected_delivery_time,
product_uri, next_checkpoint_id, next_transfer_id`

func (t *tx) CreateProduct(ctx context.Context, p *model.Product) error {
	if t.nextProduct == nil {
		return errors.New("postgres: create product outside InTx")
	}
	if p.ID != *t.nextProduct {
		return fmt.Errorf("create product %d: next id is %d: %w", p.ID, *t.nextProduct, errs.ErrInvalidState)
	}
	const ins = `INSERT INTO products (` + productCols + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	if _, err := t.q.Exec(ctx, ins,
		p.ID, p.Name, p.Description, string(p.Manufacturer), p.BatchNumber, p.RegisteredAt, p.Status.String(),
		p.ProductType, p.OriginLocation, string(p.CurrentOwner), p.DeliveryLocation, p.ExpectedDeliveryTime,
		p.ProductURI, p.NextCheckpointID, p.NextTransferID,
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("product %d: %w", p.ID, errs.ErrAlreadyExists)
		}
		return err
	}
	next := p.ID + 1
	if _, err := t.q.Exec(ctx, `UPDATE ledger_counters SET next_product_id=$1 WHERE id=1`, next); err != nil {
		return err
	}
	*t.nextProduct = next
	return nil
}

func scanProduct(row scanner) (*model.Product, error) {
	var (
		p      model.Product
		status string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Manufacturer, &p.BatchNumber, &p.RegisteredAt, &status,
		&p.ProductType, &p.OriginLocation, &p.CurrentOwner, &p.DeliveryLocation, &p.ExpectedDeliveryTime,
		&p.ProductURI, &p.NextCheckpointID, &p.NextTransferID); err != nil {
		return nil, notFound(err)
	}
	st, err := model.ParseProductStatus(status)
	if err != nil {
		return nil, err
	}
	p.Status = st
	return &p, nil
}

func (t *tx) Product(ctx context.Context, id uint64) (*model.Product, error) {
	return scanProduct(t.q.QueryRow(ctx, `SELECT `+productCols+` FROM products WHERE id=$1`, id))
}

func (t *tx) SaveProduct(ctx context.Context, p *model.Product) error {
	const upd = `
UPDATE products
SET status=$2, current_owner=$3, delivery_location=$4, expected_delivery_time=$5,
    next_checkpoint_id=$6, next_transfer_id=$7
WHERE id=$1`
	tag, err := t.q.Exec(ctx, upd, p.ID, p.Status.String(), string(p.CurrentOwner), p.DeliveryLocation,
		p.ExpectedDeliveryTime, p.NextCheckpointID, p.NextTransferID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

const checkpointCols = `product_id, id, location, ts, operator, verified_by, checkpoint_type,
temperature, humidity, notes, attestation_hash`

func (t *tx) InsertCheckpoint(ctx context.Context, c *model.Checkpoint) error {
	const ins = `INSERT INTO checkpoints (` + checkpointCols + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := t.q.Exec(ctx, ins,
		c.ProductID, c.ID, c.Location, c.Timestamp, string(c.Operator), string(c.VerifiedBy), string(c.Type),
		c.Temperature, c.Humidity, c.Notes, c.AttestationHash[:],
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("checkpoint %d/%d: %w", c.ProductID, c.ID, errs.ErrAlreadyExists)
	}
	return err
}

func scanCheckpoint(row scanner) (*model.Checkpoint, error) {
	var (
		c    model.Checkpoint
		typ  string
		hash []byte
	)
	if err := row.Scan(&c.ProductID, &c.ID, &c.Location, &c.Timestamp, &c.Operator, &c.VerifiedBy, &typ,
		&c.Temperature, &c.Humidity, &c.Notes, &hash); err != nil {
		return nil, notFound(err)
	}
	c.Type = model.CheckpointType(typ)
	copy(c.AttestationHash[:], hash)
	return &c, nil
}

func (t *tx) Checkpoint(ctx context.Context, productID, checkpointID uint64) (*model.Checkpoint, error) {
	const q = `SELECT ` + checkpointCols + ` FROM checkpoints WHERE product_id=$1 AND id=$2`
	return scanCheckpoint(t.q.QueryRow(ctx, q, productID, checkpointID))
}

func (t *tx) Checkpoints(ctx context.Context, productID uint64) ([]model.Checkpoint, error) {
	const q = `SELECT ` + checkpointCols + ` FROM checkpoints WHERE product_id=$1 ORDER BY id ASC`
	rows, err := t.q.Query(ctx, q, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (t *tx) PutAuthorization(ctx context.Context, a *model.Authorization) error {
	const q = `
INSERT INTO authorizations (organization, verifier, verifier_name, role, authorized_at, authorized_by, is_active)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (organization, verifier) DO UPDATE
SET verifier_name=EXCLUDED.verifier_name, role=EXCLUDED.role, authorized_at=EXCLUDED.authorized_at,
    authorized_by=EXCLUDED.authorized_by, is_active=EXCLUDED.is_active`
	_, err := t.q.Exec(ctx, q, string(a.Organization), string(a.Verifier), a.VerifierName, a.Role,
		a.AuthorizedAt, string(a.AuthorizedBy), a.IsActive)
	return err
}

func (t *tx) Authorization(ctx context.Context, org, verifier model.Identity) (*model.Authorization, error) {
	const q = `
SELECT organization, verifier, verifier_name, role, authorized_at, authorized_by, is_active
FROM authorizations WHERE organization=$1 AND verifier=$2`
	var a model.Authorization
	if err := t.q.QueryRow(ctx, q, string(org), string(verifier)).Scan(&a.Organization, &a.Verifier,
		&a.VerifierName, &a.Role, &a.AuthorizedAt, &a.AuthorizedBy, &a.IsActive); err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (t *tx) PutTransfer(ctx context.Context, tr *model.Transfer) error {
	const q = `
INSERT INTO transfers (product_id, id, transferor, transferee, initiated_at, completed_at, status, conditions)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (product_id, id) DO UPDATE
SET completed_at=EXCLUDED.completed_at, status=EXCLUDED.status, conditions=EXCLUDED.conditions`
	_, err := t.q.Exec(ctx, q, tr.ProductID, tr.ID, string(tr.Transferor), string(tr.Transferee),
		tr.InitiatedAt, tr.CompletedAt, tr.Status.String(), tr.Conditions)
	return err
}

func (t *tx) Transfer(ctx context.Context, productID, transferID uint64) (*model.Transfer, error) {
	const q = `
SELECT product_id, id, transferor, transferee, initiated_at, completed_at, status, conditions
FROM transfers WHERE product_id=$1 AND id=$2`
	var (
		tr     model.Transfer
		status string
	)
	if err := t.q.QueryRow(ctx, q, productID, transferID).Scan(&tr.ProductID, &tr.ID, &tr.Transferor,
		&tr.Transferee, &tr.InitiatedAt, &tr.CompletedAt, &status, &tr.Conditions); err != nil {
		return nil, notFound(err)
	}
	st, err := model.ParseTransferStatus(status)
	if err != nil {
		return nil, err
	}
	tr.Status = st
	return &tr, nil
}

func (t *tx) PutCertification(ctx context.Context, c *model.Certification) error {
	const q = `
INSERT INTO certifications (product_id, cert_type, certifier, issued_at, expiration_time, cert_hash, cert_uri, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (product_id, cert_type) DO UPDATE
SET certifier=EXCLUDED.certifier, issued_at=EXCLUDED.issued_at, expiration_time=EXCLUDED.expiration_time,
    cert_hash=EXCLUDED.cert_hash, cert_uri=EXCLUDED.cert_uri, status=EXCLUDED.status`
	_, err := t.q.Exec(ctx, q, c.ProductID, c.Type, string(c.Certifier), c.IssuedAt, c.ExpirationTime,
		c.CertHash[:], c.CertURI, c.Status.String())
	return err
}

func (t *tx) Certification(ctx context.Context, productID uint64, certType string) (*model.Certification, error) {
	const q = `
SELECT product_id, cert_type, certifier, issued_at, expiration_time, cert_hash, cert_uri, status
FROM certifications WHERE product_id=$1 AND cert_type=$2`
	var (
		c      model.Certification
		hash   []byte
		status string
	)
	if err := t.q.QueryRow(ctx, q, productID, certType).Scan(&c.ProductID, &c.Type, &c.Certifier,
		&c.IssuedAt, &c.ExpirationTime, &hash, &c.CertURI, &status); err != nil {
		return nil, notFound(err)
	}
	st, err := model.ParseCertStatus(status)
	if err != nil {
		return nil, err
	}
	copy(c.CertHash[:], hash)
	c.Status = st
	return &c, nil
}
