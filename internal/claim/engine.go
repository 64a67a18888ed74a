// Package claim resolves the race between couriers accepting the same order.
//
// A claim runs in two phases. Acquire takes a time-bounded lease on a
// claimable order through the store's atomic conditional write; Commit then
// re-checks the order under the store's row lock and assigns the courier.
// A claimant that dies between the two phases blocks the order only until
// the lease expires, after which the next Acquire treats the lock as absent.
package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/orderflow-dispatch/internal/domain"
	"github.com/joao-fontenele/orderflow-dispatch/internal/lifecycle"
	"github.com/joao-fontenele/orderflow-dispatch/internal/telemetry"
)

const DefaultLeaseTTL = 30 * time.Second

var tracer = otel.Tracer("dispatch/claim")

// Store is the persistence the engine needs. AcquireLease must be a single
// atomic compare-and-set; Update must serialize mutations per order.
type Store interface {
	AcquireLease(ctx context.Context, lease domain.Lease) error
	Update(ctx context.Context, id string, mutate func(*domain.Order) error) (*domain.Order, error)
}

type Engine struct {
	store    Store
	leaseTTL time.Duration
	now      func() time.Time
	logger   zerolog.Logger
	attempts metric.Int64Counter
}

type Option func(*Engine)

func WithLeaseTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.leaseTTL = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(store Store, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		leaseTTL: DefaultLeaseTTL,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
		attempts: telemetry.Int64Counter("dispatch/claim", "dispatch.claim.attempts", "Claim attempts by outcome"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Claim accepts orderID on behalf of courier. Losing the race returns
// domain.ErrClaimConflict.
func (e *Engine) Claim(ctx context.Context, orderID string, courier domain.Actor) (*domain.Order, error) {
	ctx, span := tracer.Start(ctx, "claim.Claim", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("courier.id", courier.ID),
	))
	defer span.End()

	order, err := e.claim(ctx, orderID, courier)
	e.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
	if err != nil {
		if !errors.Is(err, domain.ErrClaimConflict) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}
	return order, nil
}

func (e *Engine) claim(ctx context.Context, orderID string, courier domain.Actor) (*domain.Order, error) {
	if courier.Role != domain.RoleCourier {
		return nil, fmt.Errorf("%w: only delivery personnel can accept orders", domain.ErrUnauthorized)
	}

	lease, err := e.Acquire(ctx, orderID, courier.ID)
	if err != nil {
		return nil, err
	}
	return e.Commit(ctx, lease)
}

// Acquire takes the lease for holder. It fails fast with
// domain.ErrClaimConflict when the order is locked, accepted or not pending.
func (e *Engine) Acquire(ctx context.Context, orderID, holder string) (domain.Lease, error) {
	now := e.now()
	lease := domain.Lease{
		OrderID:    orderID,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(e.leaseTTL),
	}

	if err := e.store.AcquireLease(ctx, lease); err != nil {
		if errors.Is(err, domain.ErrClaimConflict) {
			e.logger.Debug().Str("order_id", orderID).Str("courier_id", holder).Msg("claim lease refused")
		}
		return domain.Lease{}, err
	}
	return lease, nil
}

// Commit assigns the order to the lease holder. The holder must still own the
// lease; if another courier took over an expired lease in the meantime the
// commit is refused and nothing is written.
func (e *Engine) Commit(ctx context.Context, lease domain.Lease) (*domain.Order, error) {
	order, err := e.store.Update(ctx, lease.OrderID, func(o *domain.Order) error {
		if o.IsAccepted || o.Status != domain.StatusPending {
			return domain.ErrClaimConflict
		}
		if o.LockedBy != lease.Holder {
			return domain.ErrClaimConflict
		}
		return lifecycle.Accept(o, lease.Holder, e.now())
	})
	if err != nil {
		if errors.Is(err, domain.ErrClaimConflict) {
			e.logger.Warn().Str("order_id", lease.OrderID).Str("courier_id", lease.Holder).Msg("claim commit lost lease")
		}
		return nil, err
	}

	e.logger.Info().Str("order_id", order.ID).Str("courier_id", lease.Holder).Msg("order claimed")
	return order, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, domain.ErrClaimConflict):
		return "conflict"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	}
	return "error"
}
