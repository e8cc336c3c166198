package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ghalamif/pvflow/internal/app/analysis"
	"github.com/ghalamif/pvflow/internal/app/state"
	"github.com/ghalamif/pvflow/internal/clock"
	"github.com/ghalamif/pvflow/internal/domain"
	"github.com/ghalamif/pvflow/internal/ports"
)

var (
	ErrNoChannels     = errors.New("pipeline: no channels to monitor")
	ErrNoTransport    = errors.New("pipeline: transport is nil")
	ErrConnectFailed  = errors.New("pipeline: channel connection failed")
	ErrConnectTimeout = errors.New("pipeline: timed out waiting for channel")
	ErrAlreadyStarted = errors.New("pipeline: coordinator already started")
	ErrNotRunning     = errors.New("pipeline: coordinator is not running")
)

// State is the coordinator lifecycle phase.
type State int32

const (
	StateUninitialized State = iota
	StateConnecting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateConnecting:
		return "CONNECTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	default:
		return "STOPPED"
	}
}

// Options configures a Coordinator.
type Options struct {
	Channels []string
	Policy   ports.Policy
	Analysis analysis.Config
	// Clock stamps local receipt time. Defaults to the system clock.
	Clock clock.Clock
}

// Coordinator owns one monitoring session: the subscriptions, the per-channel
// state, the sequencer and the sink. It is single-use.
type Coordinator struct {
	opts      Options
	transport ports.Transport
	obs       ports.Observability
	clock     clock.Clock

	analyzer  *analysis.Analyzer
	store     *state.Store
	seq       *Sequencer
	persist   *Persistence
	committer *Committer
	stats     *RunStatistics

	// gate orders state transitions against event admission. Events take the
	// read side just long enough to join inflight.
	gate     sync.RWMutex
	state    atomic.Int32
	inflight sync.WaitGroup

	stopRequested atomic.Bool
	handles       map[string]ports.Handle
	runID         string
}

// NewCoordinator wires a coordinator around tr and sink. sink may be nil, in
// which case events are analyzed and counted but not saved.
func NewCoordinator(opts Options, tr ports.Transport, sink ports.RecordSink, obs ports.Observability) (*Coordinator, error) {
	if len(opts.Channels) == 0 {
		return nil, ErrNoChannels
	}
	if tr == nil {
		return nil, ErrNoTransport
	}
	if obs == nil {
		return nil, errors.New("pipeline: observability is nil")
	}
	opts.Policy.ApplyDefaults()
	opts.Analysis.ApplyDefaults()
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	opts.Channels = append([]string(nil), opts.Channels...)

	return &Coordinator{
		opts:      opts,
		transport: tr,
		obs:       obs,
		clock:     opts.Clock,
		analyzer:  analysis.New(opts.Analysis),
		store:     state.NewStore(),
		seq:       &Sequencer{},
		persist:   NewPersistence(sink, obs),
		stats:     NewRunStatistics(),
		handles:   make(map[string]ports.Handle, len(opts.Channels)),
		runID:     uuid.NewString(),
	}, nil
}

func (c *Coordinator) State() State { return State(c.state.Load()) }

func (c *Coordinator) RunID() string { return c.runID }

// Stats returns a snapshot of the run's counters.
func (c *Coordinator) Stats() Snapshot { return c.stats.Snapshot() }

// LastSequence is the most recently assigned record number.
func (c *Coordinator) LastSequence() uint64 { return c.seq.Last() }

// Start connects every channel, initializes the sink and attaches callbacks.
// Connection is all-or-nothing: on any failure every subscription is released,
// the sink is never touched and the coordinator ends in StateStopped.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateUninitialized), int32(StateConnecting)) {
		return ErrAlreadyStarted
	}
	c.obs.LogInfo("connecting",
		ports.F("run_id", c.runID),
		ports.F("channels", len(c.opts.Channels)),
		ports.F("timeout", c.opts.Policy.ConnectTimeout.String()))

	for _, name := range c.opts.Channels {
		if err := c.connect(ctx, name); err != nil {
			return c.abortConnect(name, err)
		}
	}
	c.obs.SetGauge("pvflow_channels_connected", float64(len(c.handles)))

	c.persist.Initialize(domain.Schema)
	c.stats.Reset(c.runID, c.opts.Channels, c.clock.Now())
	c.committer = NewCommitter(c.seq, c.persist, c.obs, c.opts.Policy.QueueLen)

	c.gate.Lock()
	c.state.Store(int32(StateRunning))
	c.gate.Unlock()

	for _, name := range c.opts.Channels {
		if err := c.transport.OnChange(c.handles[name], c.handleEvent); err != nil {
			c.obs.LogError("attach_callback_failed", err, ports.F("channel", name))
			if serr := c.shutdown(); serr != nil {
				err = errors.Join(err, serr)
			}
			return fmt.Errorf("%w: channel %q: %w", ErrConnectFailed, name, err)
		}
	}

	c.obs.LogInfo("monitoring_started",
		ports.F("run_id", c.runID),
		ports.F("channels", len(c.opts.Channels)),
		ports.F("clock_offset", c.analyzer.ClockOffset()),
		ports.F("destination", c.persist.Describe()),
		ports.F("persistence", c.persist.Enabled()))
	return nil
}

func (c *Coordinator) connect(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := c.transport.Subscribe(name)
	if err != nil {
		return err
	}
	if !c.transport.WaitConnected(ctx, h, c.opts.Policy.ConnectTimeout) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrConnectTimeout
	}
	c.store.Register(name)
	c.handles[name] = h
	c.obs.LogInfo("channel_connected", ports.F("channel", name))
	return nil
}

func (c *Coordinator) abortConnect(name string, cause error) error {
	c.obs.LogError("connect_failed", cause, ports.F("channel", name))
	err := fmt.Errorf("%w: channel %q: %w", ErrConnectFailed, name, cause)
	if uerr := c.transport.UnsubscribeAll(); uerr != nil {
		c.obs.LogWarn("unsubscribe_failed", ports.F("error", uerr.Error()))
		err = errors.Join(err, uerr)
	}
	clear(c.handles)
	c.store.Release()
	c.state.Store(int32(StateStopped))
	return err
}

// Run starts the coordinator and blocks until ctx is cancelled or Stop is
// called, then shuts down in order. Shutdown itself is not an error; the
// returned error reports connection failure or teardown problems.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}

	poll := time.NewTicker(c.opts.Policy.PollInterval)
	defer poll.Stop()
	status := time.NewTicker(c.opts.Policy.StatusInterval)
	defer status.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			c.obs.LogInfo("shutdown_requested", ports.F("reason", context.Cause(ctx).Error()))
			break loop
		case <-poll.C:
			if c.stopRequested.Load() {
				c.obs.LogInfo("shutdown_requested", ports.F("reason", "stop"))
				break loop
			}
		case <-status.C:
			c.logStatus()
		}
	}
	return c.shutdown()
}

// Stop asks a running Run loop to shut down. It returns immediately; the
// loop observes the request within one poll interval.
func (c *Coordinator) Stop() {
	c.stopRequested.Store(true)
}

func (c *Coordinator) shutdown() error {
	c.gate.Lock()
	if c.State() != StateRunning {
		c.gate.Unlock()
		return ErrNotRunning
	}
	c.state.Store(int32(StateStopping))
	c.gate.Unlock()

	c.obs.LogInfo("stopping", ports.F("run_id", c.runID))
	c.inflight.Wait()

	var errs []error
	if err := c.transport.UnsubscribeAll(); err != nil {
		c.obs.LogWarn("unsubscribe_failed", ports.F("error", err.Error()))
		errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
	}
	c.committer.Close()
	c.stats.Finish(c.clock.Now(), c.persist.Failures())
	c.logFinal()

	if err := c.persist.Close(); err != nil {
		c.obs.LogWarn("sink_close_failed", ports.F("error", err.Error()))
		errs = append(errs, fmt.Errorf("close sink: %w", err))
	}
	c.store.Release()
	c.obs.SetGauge("pvflow_channels_connected", 0)
	c.state.Store(int32(StateStopped))
	c.obs.LogInfo("monitoring_stopped", ports.F("run_id", c.runID))
	return errors.Join(errs...)
}

// handleEvent is the ChangeFunc attached to every subscription. Events that
// arrive outside RUNNING are ignored.
func (c *Coordinator) handleEvent(ev domain.ChangeEvent) {
	c.gate.RLock()
	if c.State() != StateRunning {
		c.gate.RUnlock()
		return
	}
	c.inflight.Add(1)
	c.gate.RUnlock()
	defer c.inflight.Done()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic while processing event: %v", r)
			c.stats.Drop(ev.Channel)
			c.obs.RecordDropped(&ev, err)
			c.obs.LogError("event_panic", err, ports.F("channel", ev.Channel))
		}
	}()

	if err := c.process(ev); err != nil {
		c.stats.Drop(ev.Channel)
		c.obs.RecordDropped(&ev, err)
	}
}

// process runs analysis and the commit for ev while holding the channel's
// state lock, so events of one channel are sequenced in arrival order.
func (c *Coordinator) process(ev domain.ChangeEvent) error {
	if err := c.analyzer.Check(ev); err != nil {
		return err
	}
	local := c.clock.Now()

	var procErr error
	c.store.Update(ev.Channel, func(cur domain.ChannelState, ok bool) (domain.ChannelState, bool) {
		res, err := c.analyzer.Analyze(ev, cur, ok, local)
		if err != nil {
			procErr = err
			return cur, false
		}
		rec := c.analyzer.Record(ev, res)
		out, err := c.committer.Commit(rec)
		if err != nil {
			procErr = err
			return cur, false
		}
		c.stats.Observe(ev.Channel, res.Changed, out.Persisted)
		c.report(rec, res)
		return analysis.NextState(ev, res), true
	})
	return procErr
}

func (c *Coordinator) report(rec *domain.Record, res analysis.Result) {
	c.obs.IncCounter("pvflow_records_total", 1, rec.Channel)
	c.obs.ObserveValue("pvflow_clock_skew_seconds", res.Skew)
	c.obs.LogDebug("record",
		ports.F("seq", rec.Seq),
		ports.F("channel", rec.Channel),
		ports.F("value", rec.Value.String()),
		ports.F("skew", res.Skew))

	if !res.Changed {
		return
	}
	c.obs.IncCounter("pvflow_value_changes_total", 1, rec.Channel)
	prev := ""
	if rec.PreviousValue != nil {
		prev = rec.PreviousValue.String()
	}
	c.obs.LogInfo("value_changed",
		ports.F("seq", rec.Seq),
		ports.F("channel", rec.Channel),
		ports.F("value", rec.Value.String()),
		ports.F("previous", prev),
		ports.F("source_time", rec.SourceDatetime()))

	fields := []ports.Field{
		ports.F("channel", rec.Channel),
		ports.F("skew_seconds", res.Skew),
		ports.F("source_time", rec.SourceDatetime()),
		ports.F("local_time", rec.LocalDatetime()),
	}
	switch res.Level {
	case analysis.SkewCritical:
		c.obs.LogCritical("clock_skew_critical", fmt.Errorf("source clock off by %+.6fs", res.Skew), fields...)
	case analysis.SkewWarning:
		c.obs.LogWarn("clock_skew_warning", fields...)
	default:
		c.obs.LogDebug("clock_skew", fields...)
	}
}

func (c *Coordinator) logStatus() {
	snap := c.stats.Snapshot()
	c.obs.LogInfo("status",
		ports.F("run_id", snap.RunID),
		ports.F("uptime", snap.Duration(c.clock.Now()).Truncate(time.Second).String()),
		ports.F("records", snap.Records),
		ports.F("changes", snap.Changes),
		ports.F("persisted", snap.Persisted),
		ports.F("dropped", snap.Dropped),
		ports.F("last_seq", c.seq.Last()),
		ports.F("destination", c.persist.Describe()))
}

func (c *Coordinator) logFinal() {
	snap := c.stats.Snapshot()
	c.obs.LogInfo("run_summary",
		ports.F("run_id", snap.RunID),
		ports.F("duration", snap.Duration(c.clock.Now()).String()),
		ports.F("records", snap.Records),
		ports.F("changes", snap.Changes),
		ports.F("persisted", snap.Persisted),
		ports.F("append_failures", snap.AppendFailures),
		ports.F("dropped", snap.Dropped),
		ports.F("destination", c.persist.Describe()))
	for _, name := range snap.Channels {
		cc := snap.PerChannel[name]
		c.obs.LogInfo("channel_summary",
			ports.F("channel", name),
			ports.F("updates", cc.Updates),
			ports.F("changes", cc.Changes),
			ports.F("dropped", cc.Dropped))
	}
}
