package relay

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/joao-fontenele/orderflow-dispatch/internal/notify"
)

// EnvelopeWriter is satisfied by *messaging.Producer.
type EnvelopeWriter interface {
	Publish(ctx context.Context, key string, value any) error
}

// KafkaPublisher sends events through the topic so every instance, this one
// included, delivers them to its own connections. Envelopes are keyed by
// order id, which keeps one order's events in publish order.
type KafkaPublisher struct {
	writer   EnvelopeWriter
	fallback notify.Publisher

	// set while this instance's consumer is failing; events then also go
	// to fallback so local connections keep receiving them.
	relayDown atomic.Bool
}

// NewKafkaPublisher returns a publisher that hands the event to fallback when
// the broker write fails, so local subscribers still hear about it.
func NewKafkaPublisher(writer EnvelopeWriter, fallback notify.Publisher) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, fallback: fallback}
}

// SetRelayUp records whether the local consumer is delivering. It matches
// the WithStateListener callback.
func (p *KafkaPublisher) SetRelayUp(up bool) {
	p.relayDown.Store(!up)
}

func (p *KafkaPublisher) Publish(ctx context.Context, e notify.Event) error {
	env, err := notify.NewEnvelope(e)
	if err != nil {
		return err
	}

	werr := p.writer.Publish(ctx, env.OrderID, env)
	if werr == nil && !p.relayDown.Load() {
		return nil
	}
	if p.fallback != nil {
		if ferr := p.fallback.Publish(ctx, e); ferr != nil {
			if werr == nil {
				return fmt.Errorf("relay %s: local delivery: %w", e.Name, ferr)
			}
			return fmt.Errorf("relay %s: %w (local fallback: %v)", e.Name, werr, ferr)
		}
	}
	if werr != nil {
		return fmt.Errorf("relay %s: %w", e.Name, werr)
	}
	return nil
}
