package pvflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ghalamif/pvflow/internal/adapters/inproc"
	"github.com/ghalamif/pvflow/internal/adapters/observability"
	"github.com/ghalamif/pvflow/internal/adapters/opcua"
	"github.com/ghalamif/pvflow/internal/adapters/sink"
	"github.com/ghalamif/pvflow/internal/app/config"
	"github.com/ghalamif/pvflow/internal/app/pipeline"
)

var (
	ErrNoChannels     = config.ErrNoChannels
	ErrConnectFailed  = pipeline.ErrConnectFailed
	ErrConnectTimeout = pipeline.ErrConnectTimeout
	ErrAlreadyStarted = pipeline.ErrAlreadyStarted
)

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	transport     Transport
	sink          RecordSink
	observability Observability
	clock         Clock
	registry      *prometheus.Registry
	logger        *slog.Logger
}

// WithTransport injects a transport in place of the one named by the config.
func WithTransport(tr Transport) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.transport = tr
	}
}

// WithSink injects a custom sink so records can be sent to any database or API.
// It takes precedence over the configured destination.
func WithSink(s RecordSink) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.sink = s
	}
}

// WithObservability plugs in a custom observability backend.
func WithObservability(obs Observability) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.observability = obs
	}
}

// WithClock replaces the system clock used to stamp local receipt time.
func WithClock(c Clock) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.clock = c
	}
}

// WithRegistry registers the runtime's metrics on reg instead of a private
// registry.
func WithRegistry(reg *prometheus.Registry) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.registry = reg
	}
}

// WithLogger sets the logger used by the default observability backend.
func WithLogger(l *slog.Logger) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.logger = l
	}
}

// Runtime wires a transport, the ingestion coordinator, a record sink and the
// metrics server into one monitoring session. A Runtime runs once.
type Runtime struct {
	cfg       *Config
	channels  []string
	logger    *slog.Logger
	registry  *prometheus.Registry
	obs       Observability
	transport Transport
	sink      RecordSink
	coord     *pipeline.Coordinator

	mu         sync.Mutex
	metricsSrv *observability.MetricsServer
}

// NewRuntime resolves the channel list and bootstraps the default adapters
// (OPC UA or in-process transport, the configured file or database sink,
// Prometheus observability). RuntimeOption values override any of them.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var overrides runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	channels, err := cfg.ResolveChannels()
	if err != nil {
		return nil, err
	}

	logger := overrides.logger
	if logger == nil {
		logger = slog.Default()
	}

	reg := overrides.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	obs := overrides.observability
	if obs == nil {
		obs = observability.NewPromObs(logger, reg)
	}

	tr := overrides.transport
	if tr == nil {
		tr, err = newTransport(cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	snk := overrides.sink
	if snk == nil && cfg.HasDestination() {
		snk, err = newSink(cfg)
		if err != nil {
			return nil, err
		}
	}

	analysisCfg := cfg.Analysis
	analysisCfg.ClockOffset = cfg.ClockOffset
	coord, err := pipeline.NewCoordinator(pipeline.Options{
		Channels: channels,
		Policy:   cfg.Policy,
		Analysis: analysisCfg,
		Clock:    overrides.clock,
	}, tr, snk, obs)
	if err != nil {
		return nil, err
	}

	return &Runtime{
		cfg:       cfg,
		channels:  channels,
		logger:    logger,
		registry:  reg,
		obs:       obs,
		transport: tr,
		sink:      snk,
		coord:     coord,
	}, nil
}

func newTransport(cfg *Config, logger *slog.Logger) (Transport, error) {
	switch cfg.Transport.Kind {
	case config.TransportInproc:
		return inproc.New(inproc.WithAutoConnect()), nil
	case "", config.TransportOPCUA:
		return opcua.NewTransport(cfg.Transport.OPCUA, logger)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
	}
}

func newSink(cfg *Config) (RecordSink, error) {
	conn := cfg.Sink.ConnString
	if conn == "" && cfg.Sink.Format == sink.FormatPostgres {
		conn = cfg.Destination
	}
	return sink.Open(sink.Options{
		Format:     cfg.Sink.Format,
		Path:       cfg.DataPath(),
		Driver:     cfg.Sink.Driver,
		ConnString: conn,
		Table:      cfg.Sink.Table,
	})
}

// Channels is the resolved channel list in configuration order.
func (r *Runtime) Channels() []string { return append([]string(nil), r.channels...) }

// RunID identifies this monitoring session in logs.
func (r *Runtime) RunID() string { return r.coord.RunID() }

func (r *Runtime) State() State { return r.coord.State() }

// Stats returns the current run counters. After Run returns they are final.
func (r *Runtime) Stats() Stats { return r.coord.Stats() }

// LastSequence is the most recently assigned record number.
func (r *Runtime) LastSequence() uint64 { return r.coord.LastSequence() }

// Registry is the Prometheus registry holding the runtime's metrics.
func (r *Runtime) Registry() *prometheus.Registry { return r.registry }

// MetricsAddr is the bound metrics address, or empty when the server is not
// running.
func (r *Runtime) MetricsAddr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.metricsSrv == nil {
		return ""
	}
	return r.metricsSrv.Addr()
}

// Run connects every channel and monitors until ctx is cancelled or Stop is
// called, then shuts down in order. Connection failures are returned before
// any record is written.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.startMetrics(); err != nil {
		return err
	}
	runErr := r.coord.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(runErr, r.stopMetrics(shutdownCtx))
}

// Stop asks a running Run to return. It does not wait.
func (r *Runtime) Stop() { r.coord.Stop() }

func (r *Runtime) startMetrics() error {
	if r.cfg.Metrics.Addr == "" {
		return nil
	}
	srv, err := observability.StartMetricsServer(r.cfg.Metrics.Addr, r.registry, r.logger)
	if err != nil {
		return fmt.Errorf("metrics server: %w", err)
	}
	r.mu.Lock()
	r.metricsSrv = srv
	r.mu.Unlock()
	return nil
}

func (r *Runtime) stopMetrics(ctx context.Context) error {
	r.mu.Lock()
	srv := r.metricsSrv
	r.metricsSrv = nil
	r.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
