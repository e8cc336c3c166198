package pvflow

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	base "github.com/ghalamif/pvflow/pkg/pvflow"
)

// Re-exported errors for convenience.
var (
	ErrNoChannels        = base.ErrNoChannels
	ErrConnectFailed     = base.ErrConnectFailed
	ErrConnectTimeout    = base.ErrConnectTimeout
	ErrAlreadyStarted    = base.ErrAlreadyStarted
	ErrChannelSinkClosed = base.ErrChannelSinkClosed
	ErrChannelSinkFull   = base.ErrChannelSinkFull
	ErrNotSubscribed     = base.ErrNotSubscribed
	ErrPublisherClosed   = base.ErrPublisherClosed
)

// Re-exported transport kinds.
const (
	TransportOPCUA  = base.TransportOPCUA
	TransportInproc = base.TransportInproc
)

// Type aliases so consumers can import github.com/ghalamif/pvflow directly.
type (
	Config          = base.Config
	Policy          = base.Policy
	AnalysisConfig  = base.AnalysisConfig
	OPCUAConfig     = base.OPCUAConfig
	SinkConfig      = base.SinkConfig
	TransportConfig = base.TransportConfig
	MetricsConfig   = base.MetricsConfig
	LogConfig       = base.LogConfig
	Flow            = base.Flow
	FlowOption      = base.FlowOption
	StreamInOption  = base.StreamInOption
	StreamOutOption = base.StreamOutOption
	Runtime         = base.Runtime
	RuntimeOption   = base.RuntimeOption
	Record          = base.Record
	RecordFunc      = base.RecordFunc
	ChangeEvent     = base.ChangeEvent
	ChangeFunc      = base.ChangeFunc
	Value           = base.Value
	Severity        = base.Severity
	Transport       = base.Transport
	Handle          = base.Handle
	RecordSink      = base.RecordSink
	Observability   = base.Observability
	Field           = base.Field
	Clock           = base.Clock
	Stats           = base.Stats
	ChannelCounts   = base.ChannelCounts
	State           = base.State
	Publisher       = base.Publisher
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func DefaultConfig() *Config {
	return base.DefaultConfig()
}

// Flow builder helpers.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return base.WithFlowOptions(opts...)
}

func StreamInTransport(tr Transport) StreamInOption {
	return base.StreamInTransport(tr)
}

func StreamInPublisher(p *Publisher) StreamInOption {
	return base.StreamInPublisher(p)
}

func StreamInClock(c Clock) StreamInOption {
	return base.StreamInClock(c)
}

func StreamOutSink(s RecordSink) StreamOutOption {
	return base.StreamOutSink(s)
}

func StreamOutObservability(obs Observability) StreamOutOption {
	return base.StreamOutObservability(obs)
}

func StreamOutCallback(name string, fn RecordFunc) StreamOutOption {
	return base.StreamOutCallback(name, fn)
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithTransport(tr Transport) RuntimeOption {
	return base.WithTransport(tr)
}

func WithSink(s RecordSink) RuntimeOption {
	return base.WithSink(s)
}

func WithObservability(obs Observability) RuntimeOption {
	return base.WithObservability(obs)
}

func WithClock(c Clock) RuntimeOption {
	return base.WithClock(c)
}

func WithLogger(l *slog.Logger) RuntimeOption {
	return base.WithLogger(l)
}

func WithRegistry(reg *prometheus.Registry) RuntimeOption {
	return base.WithRegistry(reg)
}

// Sink adapters.
func NewCallbackSink(name string, fn RecordFunc) RecordSink {
	return base.NewCallbackSink(name, fn)
}

func NewChannelSink(name string, buffer int) (RecordSink, <-chan Record, func()) {
	return base.NewChannelSink(name, buffer)
}

// Publisher and values.
func NewPublisher(buffer int) *Publisher {
	return base.NewPublisher(buffer)
}

func Numeric(v float64) Value { return base.Numeric(v) }

func String(s string) Value { return base.String(s) }

func Enum(index int, label string) Value { return base.Enum(index, label) }

// Run loads the config at path and monitors until ctx is done.
func Run(ctx context.Context, path string, opts ...RuntimeOption) error {
	flow, err := Conf(path, WithFlowOptions(opts...))
	if err != nil {
		return err
	}
	return flow.Run(ctx)
}
