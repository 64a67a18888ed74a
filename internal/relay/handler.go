package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/joao-fontenele/orderflow-dispatch/internal/messaging"
	"github.com/joao-fontenele/orderflow-dispatch/internal/notify"
)

// Deliverer is satisfied by *notify.Hub.
type Deliverer interface {
	Deliver(ctx context.Context, env notify.Envelope) int
}

// Handler turns relayed envelopes back into local deliveries.
type Handler struct {
	hub    Deliverer
	logger zerolog.Logger
}

func NewHandler(hub Deliverer, logger zerolog.Logger) *Handler {
	return &Handler{hub: hub, logger: logger}
}

// Handle never fails on a malformed message: a poison record would otherwise
// stall the consumer for every later event.
func (h *Handler) Handle(ctx context.Context, payload []byte) error {
	var env notify.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		h.logger.Error().Err(err).Int("bytes", len(payload)).Msg("discarding undecodable envelope")
		return nil
	}
	if env.Event == "" || len(env.Rooms) == 0 {
		h.logger.Warn().Str("event", env.Event).Str("order_id", env.OrderID).Msg("discarding envelope without event or rooms")
		return nil
	}

	n := h.hub.Deliver(ctx, env)
	h.logger.Debug().Str("event", env.Event).Str("order_id", env.OrderID).Int("connections", n).Msg("relayed event delivered")
	return nil
}

type runConfig struct {
	initialBackoff time.Duration
	maxBackoff     time.Duration
	onState        func(up bool)
}

type RunOption func(*runConfig)

// WithRetryBackoff bounds the wait between consumer restarts.
func WithRetryBackoff(initial, maxWait time.Duration) RunOption {
	return func(c *runConfig) {
		c.initialBackoff = initial
		c.maxBackoff = maxWait
	}
}

// WithStateListener is told when the consumer fails (false) and when it
// delivers again after a failure (true).
func WithStateListener(fn func(up bool)) RunOption {
	return func(c *runConfig) {
		c.onState = fn
	}
}

// Run consumes until ctx is cancelled, restarting the consumer with
// exponential backoff after broker errors. A cancelled context is a clean
// stop; io.EOF means the reader was closed and is returned as is.
func Run(ctx context.Context, consumer *messaging.Consumer, h *Handler, logger zerolog.Logger, opts ...RunOption) error {
	cfg := runConfig{
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     30 * time.Second,
		onState:        func(bool) {},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.initialBackoff
	b.MaxInterval = cfg.maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	down := false
	handle := func(ctx context.Context, payload []byte) error {
		if down {
			down = false
			b.Reset()
			cfg.onState(true)
			logger.Info().Msg("notification relay recovered")
		}
		return h.Handle(ctx, payload)
	}

	logger.Info().Msg("starting notification relay")
	for {
		err := consumer.Consume(ctx, handle)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			logger.Info().Msg("notification relay stopped")
			return nil
		}
		if errors.Is(err, io.EOF) {
			return err
		}

		if !down {
			down = true
			cfg.onState(false)
		}
		wait := b.NextBackOff()
		logger.Error().Err(err).Dur("retry_in", wait).Msg("notification relay failed, delivering locally until it recovers")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			logger.Info().Msg("notification relay stopped")
			return nil
		}
	}
}
