// Package inproc is a push-style Transport for embedders and tests. Channels
// are declared connected or failed up front, and events are fed in with
// Publish from any goroutine.
package inproc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ghalamif/pvflow/internal/domain"
	"github.com/ghalamif/pvflow/internal/ports"
)

var (
	ErrUnknownHandle  = errors.New("inproc: unknown subscription handle")
	ErrFailed         = errors.New("inproc: channel marked as failed")
	ErrNotSubscribed  = errors.New("inproc: channel is not subscribed")
	ErrTransportClose = errors.New("inproc: transport closed")
)

// DefaultBuffer is the per-channel delivery buffer.
const DefaultBuffer = 256

type subscription struct {
	name      string
	handle    ports.Handle
	connected chan struct{}
	connOnce  sync.Once

	mu      sync.Mutex
	latest  *domain.ChangeEvent
	fn      ports.ChangeFunc
	events  chan domain.ChangeEvent
	stopped chan struct{}
	done    chan struct{}
}

func (s *subscription) markConnected() {
	s.connOnce.Do(func() { close(s.connected) })
}

// Transport delivers published events to subscribers. Each subscription has
// its own goroutine, so one channel's callbacks run in publish order while
// different channels run concurrently.
type Transport struct {
	mu     sync.Mutex
	next   ports.Handle
	buffer int
	subs   map[ports.Handle]*subscription
	byName map[string]*subscription
	// declared channels are reachable; failed ones reject Subscribe.
	declared map[string]bool
	failed   map[string]error
	// autoConnect treats every undeclared channel as reachable.
	autoConnect bool
}

type Option func(*Transport)

// WithBuffer sets the per-channel delivery buffer.
func WithBuffer(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.buffer = n
		}
	}
}

// WithAutoConnect makes every subscribed channel reachable without Declare.
func WithAutoConnect() Option {
	return func(t *Transport) { t.autoConnect = true }
}

func New(opts ...Option) *Transport {
	t := &Transport{
		buffer:   DefaultBuffer,
		subs:     make(map[ports.Handle]*subscription),
		byName:   make(map[string]*subscription),
		declared: make(map[string]bool),
		failed:   make(map[string]error),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Declare marks channels as reachable. Subscriptions already waiting on them
// connect immediately.
func (t *Transport) Declare(names ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, name := range names {
		t.declared[name] = true
		delete(t.failed, name)
		if sub, ok := t.byName[name]; ok {
			sub.markConnected()
		}
	}
}

// Fail makes Subscribe reject name with err.
func (t *Transport) Fail(name string, err error) {
	if err == nil {
		err = ErrFailed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed[name] = err
	delete(t.declared, name)
}

func (t *Transport) Subscribe(name string) (ports.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failed[name]; err != nil {
		return 0, fmt.Errorf("subscribe %q: %w", name, err)
	}
	if sub, ok := t.byName[name]; ok {
		return sub.handle, nil
	}

	t.next++
	sub := &subscription{
		name:      name,
		handle:    t.next,
		connected: make(chan struct{}),
		stopped:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	if t.declared[name] || t.autoConnect {
		sub.markConnected()
	}
	t.subs[t.next] = sub
	t.byName[name] = sub
	return t.next, nil
}

func (t *Transport) WaitConnected(ctx context.Context, h ports.Handle, timeout time.Duration) bool {
	t.mu.Lock()
	sub, ok := t.subs[h]
	t.mu.Unlock()
	if !ok {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-sub.connected:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// OnChange attaches fn and starts delivery. The latest event published
// before the call, if any, is delivered first.
func (t *Transport) OnChange(h ports.Handle, fn ports.ChangeFunc) error {
	t.mu.Lock()
	sub, ok := t.subs[h]
	t.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.fn != nil {
		return fmt.Errorf("inproc: callback already attached to %q", sub.name)
	}
	sub.fn = fn
	sub.events = make(chan domain.ChangeEvent, t.buffer)
	if sub.latest != nil {
		sub.events <- *sub.latest
		sub.latest = nil
	}
	go sub.deliver()
	return nil
}

func (s *subscription) deliver() {
	defer close(s.done)
	for {
		select {
		case ev := <-s.events:
			s.fn(ev)
		case <-s.stopped:
			return
		}
	}
}

// Publish routes ev to the subscription for ev.Channel. Before a callback is
// attached only the most recent event is kept. Publish blocks while the
// channel's delivery buffer is full.
func (t *Transport) Publish(ev domain.ChangeEvent) error {
	t.mu.Lock()
	sub, ok := t.byName[ev.Channel]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotSubscribed, ev.Channel)
	}

	sub.mu.Lock()
	if sub.fn == nil {
		sub.latest = &ev
		sub.mu.Unlock()
		return nil
	}
	events := sub.events
	sub.mu.Unlock()

	select {
	case events <- ev:
		return nil
	case <-sub.stopped:
		return ErrTransportClose
	}
}

// UnsubscribeAll stops every delivery goroutine and forgets all
// subscriptions. Events still buffered are discarded.
func (t *Transport) UnsubscribeAll() error {
	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.subs = make(map[ports.Handle]*subscription)
	t.byName = make(map[string]*subscription)
	t.mu.Unlock()

	for _, sub := range subs {
		close(sub.stopped)
		sub.mu.Lock()
		running := sub.fn != nil
		sub.mu.Unlock()
		if running {
			<-sub.done
		}
	}
	return nil
}

// Subscribed lists the names of current subscriptions.
func (t *Transport) Subscribed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.byName))
	for name := range t.byName {
		out = append(out, name)
	}
	return out
}

var _ ports.Transport = (*Transport)(nil)
