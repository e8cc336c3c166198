package pipeline

import (
	"fmt"
	"sync/atomic"

	"github.com/ghalamif/pvflow/internal/domain"
	"github.com/ghalamif/pvflow/internal/ports"
)

// Persistence guards a RecordSink with the run's failure policy: an
// initialization failure switches persistence off for the rest of the run,
// and append failures are logged and counted but never retried.
type Persistence struct {
	sink    ports.RecordSink
	obs     ports.Observability
	enabled atomic.Bool

	persisted atomic.Uint64
	failures  atomic.Uint64
}

// NewPersistence wraps sink. A nil sink means no destination was configured.
func NewPersistence(sink ports.RecordSink, obs ports.Observability) *Persistence {
	return &Persistence{sink: sink, obs: obs}
}

// Initialize prepares the destination. It reports whether records will be
// written.
func (p *Persistence) Initialize(schema []string) bool {
	if p.sink == nil {
		p.obs.LogInfo("no destination configured, records will not be saved")
		return false
	}
	if p.enabled.Load() {
		return true
	}
	if err := p.sink.Initialize(schema); err != nil {
		p.obs.LogError("sink_init_failed", err,
			ports.F("sink", p.sink.Name()),
			ports.F("effect", "persistence disabled for this run"))
		return false
	}
	p.enabled.Store(true)
	p.obs.LogInfo("sink_initialized", ports.F("sink", p.sink.Name()))
	return true
}

// Append writes one record if persistence is enabled and reports whether the
// record reached the sink. A panicking sink counts as a failed append.
func (p *Persistence) Append(r *domain.Record) bool {
	if !p.enabled.Load() {
		return false
	}
	if err := p.append(r); err != nil {
		p.failures.Add(1)
		p.obs.IncCounter("pvflow_append_failures_total", 1)
		p.obs.LogError("sink_append_failed", err,
			ports.F("sink", p.sink.Name()),
			ports.F("seq", r.Seq),
			ports.F("channel", r.Channel))
		return false
	}
	p.persisted.Add(1)
	p.obs.IncCounter("pvflow_records_persisted_total", 1)
	return true
}

func (p *Persistence) append(r *domain.Record) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sink panicked: %v", rec)
		}
	}()
	return p.sink.Append(r)
}

func (p *Persistence) Enabled() bool { return p.enabled.Load() }

func (p *Persistence) Persisted() uint64 { return p.persisted.Load() }

func (p *Persistence) Failures() uint64 { return p.failures.Load() }

func (p *Persistence) Describe() string {
	if p.sink == nil {
		return "none"
	}
	return p.sink.Name()
}

// Close releases the sink. It is safe to call when no sink was configured.
func (p *Persistence) Close() error {
	p.enabled.Store(false)
	if p.sink == nil {
		return nil
	}
	return p.sink.Close()
}
