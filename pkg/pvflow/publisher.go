package pvflow

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/ghalamif/pvflow/internal/adapters/inproc"
	"github.com/ghalamif/pvflow/internal/domain"
)

var (
	// ErrNotSubscribed means the runtime has not subscribed to the channel yet.
	ErrNotSubscribed = inproc.ErrNotSubscribed
	// ErrPublisherClosed means the runtime has released its subscriptions.
	ErrPublisherClosed = inproc.ErrTransportClose
)

// Publisher lets external producers push channel updates into a Runtime
// through the same ingestion path a network transport uses. Install it with
// StreamInPublisher or WithTransport(p.Transport()).
type Publisher struct {
	transport *inproc.Transport
}

// NewPublisher returns a publisher whose channels are reachable as soon as
// the runtime subscribes to them. buffer bounds each channel's pending events;
// zero uses the default.
func NewPublisher(buffer int) *Publisher {
	return &Publisher{transport: inproc.New(inproc.WithAutoConnect(), inproc.WithBuffer(buffer))}
}

// Transport exposes the publisher as a Transport for WithTransport.
func (p *Publisher) Transport() Transport { return p.transport }

// Publish delivers ev to the runtime. It blocks while the channel's buffer is full.
func (p *Publisher) Publish(ev ChangeEvent) error {
	return p.transport.Publish(ev)
}

// PublishValue publishes a connected, alarm-free update stamped with ts.
func (p *Publisher) PublishValue(channel string, v Value, ts time.Time) error {
	return p.Publish(ChangeEvent{
		Channel:         channel,
		Value:           v,
		ValueType:       v.Kind.String(),
		SourceTimestamp: domain.TimeToEpoch(ts),
		Connected:       true,
	})
}

// WaitSubscribed blocks until the runtime has subscribed to every name.
func (p *Publisher) WaitSubscribed(ctx context.Context, names ...string) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		subscribed := p.transport.Subscribed()
		missing := false
		for _, name := range names {
			if !slices.Contains(subscribed, name) {
				missing = true
				break
			}
		}
		if !missing {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Join(ErrNotSubscribed, ctx.Err())
		case <-ticker.C:
		}
	}
}
