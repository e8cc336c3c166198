package ports

import (
	"context"
	"time"

	"github.com/ghalamif/pvflow/internal/domain"
)

// Handle identifies one channel subscription inside a Transport.
type Handle uint32

// ChangeFunc receives change events for a subscribed channel. A Transport
// never calls it concurrently for the same handle.
type ChangeFunc func(domain.ChangeEvent)

// Transport is the instrumentation subscription library seen by the
// ingestion coordinator.
type Transport interface {
	Subscribe(channel string) (Handle, error)
	WaitConnected(ctx context.Context, h Handle, timeout time.Duration) bool
	// OnChange attaches fn to h. The most recent value seen since the
	// subscription connected, if any, is delivered first.
	OnChange(h Handle, fn ChangeFunc) error
	UnsubscribeAll() error
}
