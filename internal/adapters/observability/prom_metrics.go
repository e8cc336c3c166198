package observability

import (
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ghalamif/pvflow/internal/domain"
	"github.com/ghalamif/pvflow/internal/ports"
)

// PromObs implements ports.Observability with slog for logs and Prometheus
// for metrics. Unknown metric names are ignored.
type PromObs struct {
	logger   *slog.Logger
	counters map[string]*prometheus.CounterVec
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

// NewPromObs registers the pvflow metrics on reg. A nil logger uses
// slog.Default and a nil reg uses the default registerer. Registering twice
// on the same registry reuses the existing collectors.
func NewPromObs(logger *slog.Logger, reg prometheus.Registerer) *PromObs {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	records := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pvflow_records_total",
		Help: "Change events accepted and sequenced.",
	}, []string{"channel"}))
	changes := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pvflow_value_changes_total",
		Help: "Accepted events whose value differed from the previous one.",
	}, []string{"channel"}))
	dropped := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pvflow_events_dropped_total",
		Help: "Change events rejected before sequencing.",
	}, []string{"channel"}))
	persisted := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pvflow_records_persisted_total",
		Help: "Records durably appended to the sink.",
	}, nil))
	failures := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pvflow_append_failures_total",
		Help: "Records the sink failed to append.",
	}, nil))

	connected := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pvflow_channels_connected",
		Help: "Channels connected in the current run.",
	}))
	lastSeq := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pvflow_last_sequence",
		Help: "Most recently assigned record sequence number.",
	}))

	skew := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pvflow_clock_skew_seconds",
		Help:    "Source clock minus local clock, offset applied.",
		Buckets: []float64{-5, -1, -0.5, -0.1, -0.01, 0, 0.01, 0.1, 0.5, 1, 5},
	}))
	latency := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pvflow_commit_latency_seconds",
		Help:    "Time to sequence and append one record.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	}))

	return &PromObs{
		logger: logger,
		counters: map[string]*prometheus.CounterVec{
			"pvflow_records_total":           records,
			"pvflow_value_changes_total":     changes,
			"pvflow_events_dropped_total":    dropped,
			"pvflow_records_persisted_total": persisted,
			"pvflow_append_failures_total":   failures,
		},
		gauges: map[string]prometheus.Gauge{
			"pvflow_channels_connected": connected,
			"pvflow_last_sequence":      lastSeq,
		},
		histos: map[string]prometheus.Observer{
			"pvflow_clock_skew_seconds":     skew,
			"pvflow_commit_latency_seconds": latency,
		},
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (p *PromObs) Logger() *slog.Logger { return p.logger }

func (p *PromObs) LogDebug(msg string, fields ...ports.Field) {
	p.logger.Debug(msg, attrs(nil, fields)...)
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.logger.Info(msg, attrs(nil, fields)...)
}

func (p *PromObs) LogWarn(msg string, fields ...ports.Field) {
	p.logger.Warn(msg, attrs(nil, fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.logger.Error(msg, attrs(err, fields)...)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.logger.Error(msg, append(attrs(err, fields), "critical", true)...)
}

func (p *PromObs) IncCounter(name string, v float64, labels ...string) {
	vec, ok := p.counters[name]
	if !ok {
		return
	}
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		p.logger.Debug("counter label mismatch", "metric", name, "error", err)
		return
	}
	c.Add(v)
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) ObserveValue(name string, v float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(v)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) RecordDropped(ev *domain.ChangeEvent, err error) {
	channel := ""
	if ev != nil {
		channel = ev.Channel
	}
	p.IncCounter("pvflow_events_dropped_total", 1, channel)
	p.logger.Warn("event_dropped", "channel", channel, "error", err)
}

func attrs(err error, fields []ports.Field) []any {
	out := make([]any, 0, 2*len(fields)+2)
	if err != nil {
		out = append(out, "error", err)
	}
	for _, f := range fields {
		out = append(out, f.Key, f.Value)
	}
	return out
}

var _ ports.Observability = (*PromObs)(nil)
