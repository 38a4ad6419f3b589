// Package memory contains in-process implementations of repository interfaces.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/and161185/provenance/internal/errs"
	"github.com/and161185/provenance/internal/model"
	"github.com/and161185/provenance/internal/repository"
)

var (
	_ repository.Store = (*Store)(nil)
	_ repository.Tx    = (*tx)(nil)
)

var errReadOnly = errors.New("memory: write in read-only view")

type cpKey struct{ product, id uint64 }

type authKey struct{ org, verifier model.Identity }

type certKey struct {
	product uint64
	typ     string
}

type state struct {
	nextProduct uint64
	products    map[uint64]model.Product
	checkpoints map[uint64][]model.Checkpoint
	auths       map[authKey]model.Authorization
	transfers   map[cpKey]model.Transfer
	certs       map[certKey]model.Certification
}

// Store keeps the provenance maps in memory. One writer at a time; readers
// share the committed state.
type Store struct {
	mu sync.RWMutex
	st state
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{st: state{
		products:    make(map[uint64]model.Product),
		checkpoints: make(map[uint64][]model.Checkpoint),
		auths:       make(map[authKey]model.Authorization),
		transfers:   make(map[cpKey]model.Transfer),
		certs:       make(map[certKey]model.Certification),
	}}
}

// InTx stages fn's writes in an overlay and applies them only if fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newTx(&s.st, false)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// View runs fn against committed state.
func (s *Store) View(ctx context.Context, fn func(repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(newTx(&s.st, true))
}

// tx is an overlay over committed state. Reads see pending writes first.
type tx struct {
	base     *state
	readOnly bool

	nextProduct *uint64
	products    map[uint64]model.Product
	checkpoints map[uint64][]model.Checkpoint
	auths       map[authKey]model.Authorization
	transfers   map[cpKey]model.Transfer
	certs       map[certKey]model.Certification
}

func newTx(base *state, readOnly bool) *tx {
	return &tx{
		base:        base,
		readOnly:    readOnly,
		products:    map[uint64]model.Product{},
		checkpoints: map[uint64][]model.Checkpoint{},
		auths:       map[authKey]model.Authorization{},
		transfers:   map[cpKey]model.Transfer{},
		certs:       map[certKey]model.Certification{},
	}
}

func (t *tx) commit() {
	if t.nextProduct != nil {
		t.base.nextProduct = *t.nextProduct
	}
	for k, v := range t.products {
		t.base.products[k] = v
	}
	for k, v := range t.checkpoints {
		t.base.checkpoints[k] = append(t.base.checkpoints[k], v...)
	}
	for k, v := range t.auths {
		t.base.auths[k] = v
	}
	for k, v := range t.transfers {
		t.base.transfers[k] = v
	}
	for k, v := range t.certs {
		t.base.certs[k] = v
	}
}

func (t *tx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

func (t *tx) NextProductID(context.Context) (uint64, error) {
	if t.nextProduct != nil {
		return *t.nextProduct, nil
	}
	return t.base.nextProduct, nil
}

func (t *tx) CreateProduct(ctx context.Context, p *model.Product) error {
	if err := t.writable(); err != nil {
		return err
	}
	next, _ := t.NextProductID(ctx)
	if p.ID != next {
		return fmt.Errorf("memory: product id %d out of sequence (next %d)", p.ID, next)
	}
	t.products[p.ID] = cloneProduct(*p)
	next++
	t.nextProduct = &next
	return nil
}

func (t *tx) Product(_ context.Context, id uint64) (*model.Product, error) {
	p, ok := t.products[id]
	if !ok {
		if p, ok = t.base.products[id]; !ok {
			return nil, errs.ErrNotFound
		}
	}
	out := cloneProduct(p)
	return &out, nil
}

func (t *tx) SaveProduct(ctx context.Context, p *model.Product) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.Product(ctx, p.ID); err != nil {
		return err
	}
	t.products[p.ID] = cloneProduct(*p)
	return nil
}

func (t *tx) InsertCheckpoint(ctx context.Context, c *model.Checkpoint) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.Checkpoint(ctx, c.ProductID, c.ID); err == nil {
		return fmt.Errorf("memory: checkpoint %d/%d: %w", c.ProductID, c.ID, errs.ErrAlreadyExists)
	}
	t.checkpoints[c.ProductID] = append(t.checkpoints[c.ProductID], cloneCheckpoint(*c))
	return nil
}

func (t *tx) Checkpoint(_ context.Context, productID, checkpointID uint64) (*model.Checkpoint, error) {
	for _, list := range [][]model.Checkpoint{t.base.checkpoints[productID], t.checkpoints[productID]} {
		for i := range list {
			if list[i].ID == checkpointID {
				out := cloneCheckpoint(list[i])
				return &out, nil
			}
		}
	}
	return nil, errs.ErrNotFound
}

func (t *tx) Checkpoints(_ context.Context, productID uint64) ([]model.Checkpoint, error) {
	base, pending := t.base.checkpoints[productID], t.checkpoints[productID]
	out := make([]model.Checkpoint, 0, len(base)+len(pending))
	for _, c := range base {
		out = append(out, cloneCheckpoint(c))
	}
	for _, c := range pending {
		out = append(out, cloneCheckpoint(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) PutAuthorization(_ context.Context, a *model.Authorization) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.auths[authKey{a.Organization, a.Verifier}] = *a
	return nil
}

func (t *tx) Authorization(_ context.Context, org, verifier model.Identity) (*model.Authorization, error) {
	k := authKey{org, verifier}
	a, ok := t.auths[k]
	if !ok {
		if a, ok = t.base.auths[k]; !ok {
			return nil, errs.ErrNotFound
		}
	}
	return &a, nil
}

func (t *tx) PutTransfer(_ context.Context, tr *model.Transfer) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.transfers[cpKey{tr.ProductID, tr.ID}] = cloneTransfer(*tr)
	return nil
}

func (t *tx) Transfer(_ context.Context, productID, transferID uint64) (*model.Transfer, error) {
	k := cpKey{productID, transferID}
	tr, ok := t.transfers[k]
	if !ok {
		if tr, ok = t.base.transfers[k]; !ok {
			return nil, errs.ErrNotFound
		}
	}
	out := cloneTransfer(tr)
	return &out, nil
}

func (t *tx) PutCertification(_ context.Context, c *model.Certification) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.certs[certKey{c.ProductID, c.Type}] = cloneCert(*c)
	return nil
}

func (t *tx) Certification(_ context.Context, productID uint64, certType string) (*model.Certification, error) {
	k := certKey{productID, certType}
	c, ok := t.certs[k]
	if !ok {
		if c, ok = t.base.certs[k]; !ok {
			return nil, errs.ErrNotFound
		}
	}
	out := cloneCert(c)
	return &out, nil
}
