package pvflow

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrChannelSinkClosed is returned when a channel sink is written to after being closed.
	ErrChannelSinkClosed = errors.New("pvflow: channel sink closed")
	// ErrChannelSinkFull is returned when no reader took a record within ChannelSinkTimeout.
	ErrChannelSinkFull = errors.New("pvflow: channel sink full")
)

// ChannelSinkTimeout bounds how long a channel sink waits for the reader to
// take one record. A record that times out is reported as a failed append.
const ChannelSinkTimeout = time.Second

// RecordFunc receives each record in sequence order.
type RecordFunc func(Record) error

// NewCallbackSink adapts a RecordFunc into a full RecordSink implementation so callers
// can plug arbitrary functions without defining structs.
func NewCallbackSink(name string, fn RecordFunc) RecordSink {
	if name == "" {
		name = "callback"
	}
	return &callbackSink{name: name, fn: fn}
}

// NewChannelSink exposes records via a channel; it returns the sink, the read-only channel,
// and a close function that the caller should invoke if it stops reading early.
// The channel is closed when the run shuts down. A full channel delays each
// record by at most ChannelSinkTimeout before it is dropped as a failed append.
func NewChannelSink(name string, buffer int) (RecordSink, <-chan Record, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Record, buffer)
	s := &channelSink{
		name:   name,
		ch:     ch,
		closed:  make(chan struct{}),
		timeout: ChannelSinkTimeout,
	}
	return s, ch, func() { s.close() }
}

type callbackSink struct {
	name string
	fn   RecordFunc
}

func (s *callbackSink) Initialize([]string) error {
	if s.fn == nil {
		return fmt.Errorf("callback sink %q: nil handler", s.name)
	}
	return nil
}

func (s *callbackSink) Append(r *Record) error {
	if s.fn == nil {
		return fmt.Errorf("callback sink %q: nil handler", s.name)
	}
	return s.fn(*r)
}

func (s *callbackSink) Close() error { return nil }

func (s *callbackSink) Name() string { return s.name }

type channelSink struct {
	name    string
	ch      chan Record
	timeout time.Duration
	// mu keeps close from racing a send on ch.
	mu     sync.RWMutex
	closed chan struct{}
	once   sync.Once
}

func (s *channelSink) Initialize([]string) error {
	select {
	case <-s.closed:
		return ErrChannelSinkClosed
	default:
		return nil
	}
}

func (s *channelSink) Append(r *Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	select {
	case <-s.closed:
		return ErrChannelSinkClosed
	default:
	}

	select {
	case s.ch <- *r:
		return nil
	default:
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case <-s.closed:
		return ErrChannelSinkClosed
	case s.ch <- *r:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: record %d on %s not taken within %s", ErrChannelSinkFull, r.Seq, r.Channel, s.timeout)
	}
}

func (s *channelSink) Close() error {
	s.close()
	return nil
}

func (s *channelSink) Name() string { return s.name }

func (s *channelSink) close() {
	s.once.Do(func() {
		close(s.closed)
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
}
