package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/provenance/internal/clock"
	"github.com/and161185/provenance/internal/errs"
	"github.com/and161185/provenance/internal/events"
	"github.com/and161185/provenance/internal/metrics"
	"github.com/and161185/provenance/internal/model"
	"github.com/and161185/provenance/internal/repository"
)

// Provenance is the product lifecycle state machine: authorization registry,
// product store, checkpoint ledger, transfer workflow and certification registry
// over one repository.Store. Every mutation is one Store.InTx unit.
type Provenance struct {
	store   repository.Store
	clock   clock.Clock
	log     *zap.Logger
	events  events.Publisher
	metrics *metrics.Metrics
}

// Option customizes Provenance.
type Option func(*Provenance)

// WithLogger sets the logger (default: no-op).
func WithLogger(l *zap.Logger) Option { return func(p *Provenance) { p.log = l } }

// WithPublisher sets the post-commit event sink (default: discard).
func WithPublisher(pub events.Publisher) Option { return func(p *Provenance) { p.events = pub } }

// WithMetrics sets the metrics collectors (default: none).
func WithMetrics(m *metrics.Metrics) Option { return func(p *Provenance) { p.metrics = m } }

// NewProvenance constructs the service over store, reading time from clk.
func NewProvenance(store repository.Store, clk clock.Clock, opts ...Option) *Provenance {
	p := &Provenance{store: store, clock: clk, log: zap.NewNop(), events: events.Nop{}}
	for _, o := range opts {
		o(p)
	}
	return p
}

// unit is the state of one mutation while its transaction is open.
type unit struct {
	ctx      context.Context
	tx       repository.Tx
	now      uint64
	caller   model.Identity
	pending  []events.Event
	appended []model.CheckpointType
}

func (u *unit) emit(kind events.Kind, productID, ref *uint64, attrs map[string]string) {
	u.pending = append(u.pending, events.Event{
		Kind:      kind,
		ProductID: productID,
		Ref:       ref,
		Actor:     u.caller,
		At:        u.now,
		Attrs:     attrs,
	})
}

// mutate runs fn as one atomic unit, then reports metrics and publishes the
// unit's events. Publish failures are logged; the commit stands.
func (s *Provenance) mutate(ctx context.Context, op string, caller model.Identity, fn func(u *unit) error) error {
	if caller == "" {
		s.metrics.Operation(op, resultLabel(errs.ErrUnauthorized))
		return fmt.Errorf("%s: empty caller: %w", op, errs.ErrUnauthorized)
	}
	u := &unit{ctx: ctx, now: s.clock.Now(), caller: caller}
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		u.tx, u.pending, u.appended = tx, u.pending[:0], u.appended[:0]
		return fn(u)
	})
	s.metrics.Operation(op, resultLabel(err))
	if err != nil {
		s.log.Debug("operation rejected",
			zap.String("op", op),
			zap.String("caller", string(caller)),
			zap.Error(err),
		)
		return err
	}
	for _, t := range u.appended {
		s.metrics.CheckpointAppended(string(t))
	}
	for i := range u.pending {
		u.pending[i].ID = events.NewID()
	}
	if perr := s.events.Publish(ctx, u.pending...); perr != nil {
		s.log.Warn("publish events", zap.String("op", op), zap.Error(perr))
	}
	return nil
}

// view runs fn against committed state.
func (s *Provenance) view(ctx context.Context, fn func(tx repository.Tx) error) error {
	return s.store.View(ctx, fn)
}

// actsFor reports whether caller is principal or a verifier principal has
// authorized and not revoked.
func actsFor(ctx context.Context, tx repository.Tx, principal, caller model.Identity) (bool, error) {
	if caller == principal {
		return true, nil
	}
	return activeVerifier(ctx, tx, principal, caller)
}

func activeVerifier(ctx context.Context, tx repository.Tx, org, verifier model.Identity) (bool, error) {
	a, err := tx.Authorization(ctx, org, verifier)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a.IsActive, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errs.ErrNotFound):
		return "not_found"
	case errors.Is(err, errs.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, errs.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, errs.ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "error"
	}
}

func ptr[T any](v T) *T { return &v }
