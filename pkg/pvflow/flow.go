package pvflow

import (
	"context"
	"errors"
)

var (
	errNilConfig = errors.New("pvflow: nil config")
	errNilFlow   = errors.New("pvflow: nil flow")
)

// Flow collects RuntimeOptions in three steps: Conf for the configuration,
// StreamIN for where change events come from and StreamOUT for where records
// go. StreamOUT builds the Runtime.
type Flow struct {
	cfg  *Config
	opts []RuntimeOption
}

type (
	FlowOption      func(*Flow)
	StreamInOption  func(*Flow)
	StreamOutOption func(*Flow)
)

// Conf reads the YAML file at path and starts a Flow from it.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return ConfFromConfig(cfg, opts...)
}

// ConfFromConfig starts a Flow from cfg. The Flow keeps the pointer, so later
// edits to cfg are seen by StreamOUT.
func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	if cfg == nil {
		return nil, errNilConfig
	}
	f := &Flow{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

func (f *Flow) Config() *Config {
	if f == nil {
		return nil
	}
	return f.cfg
}

// Options adds RuntimeOptions that have no StreamIn or StreamOut wrapper.
func (f *Flow) Options(opts ...RuntimeOption) *Flow {
	if f != nil {
		f.add(opts...)
	}
	return f
}

func (f *Flow) StreamIN(opts ...StreamInOption) *Flow {
	if f == nil {
		return nil
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

func (f *Flow) StreamOUT(opts ...StreamOutOption) (*Runtime, error) {
	if f == nil {
		return nil, errNilFlow
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return NewRuntime(f.cfg, f.opts...)
}

// Run builds the Runtime with opts and runs it until ctx ends or Stop.
func (f *Flow) Run(ctx context.Context, opts ...StreamOutOption) error {
	rt, err := f.StreamOUT(opts...)
	if err != nil {
		return err
	}
	return rt.Run(ctx)
}

func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return func(f *Flow) { f.add(opts...) }
}

// StreamInTransport replaces the configured OPC UA or inproc transport.
func StreamInTransport(tr Transport) StreamInOption {
	return func(f *Flow) {
		if tr != nil {
			f.add(WithTransport(tr))
		}
	}
}

// StreamInPublisher reads change events from p.
func StreamInPublisher(p *Publisher) StreamInOption {
	return func(f *Flow) {
		if p != nil {
			f.add(WithTransport(p.transport))
		}
	}
}

func StreamInClock(c Clock) StreamInOption {
	return func(f *Flow) {
		if c != nil {
			f.add(WithClock(c))
		}
	}
}

// StreamOutSink replaces the sink opened from the configured destination.
func StreamOutSink(s RecordSink) StreamOutOption {
	return func(f *Flow) {
		if s != nil {
			f.add(WithSink(s))
		}
	}
}

func StreamOutObservability(obs Observability) StreamOutOption {
	return func(f *Flow) {
		if obs != nil {
			f.add(WithObservability(obs))
		}
	}
}

// StreamOutCallback hands every record to fn in sequence order.
func StreamOutCallback(name string, fn RecordFunc) StreamOutOption {
	return func(f *Flow) { f.add(WithSink(NewCallbackSink(name, fn))) }
}

func (f *Flow) add(opts ...RuntimeOption) {
	if f == nil {
		return
	}
	for _, opt := range opts {
		if opt != nil {
			f.opts = append(f.opts, opt)
		}
	}
}
