package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ghalamif/pvflow/internal/app/analysis"
	"github.com/ghalamif/pvflow/internal/clock"
	"github.com/ghalamif/pvflow/internal/domain"
	"github.com/ghalamif/pvflow/internal/ports"
)

var t0 = time.Date(2025, 7, 7, 12, 0, 0, 0, time.UTC)

func TestCoordinatorScenarioTempPressure(t *testing.T) {
	tr := newFakeTransport()
	sink := &memSink{}
	c := newTestCoordinator(t, []string{"TEMP", "PRESSURE"}, tr, sink)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if c.State() != StateRunning {
		t.Fatalf("expected RUNNING, got %s", c.State())
	}

	tr.emit("TEMP", numericEvent("TEMP", 20.0, 1))
	tr.emit("TEMP", numericEvent("TEMP", 20.0, 2))
	tr.emit("PRESSURE", numericEvent("PRESSURE", 1013.0, 2))
	tr.emit("TEMP", numericEvent("TEMP", 21.5, 3))

	if err := c.shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	recs := sink.snapshot()
	if len(recs) != 4 {
		t.Fatalf("expected 4 records, got %d", len(recs))
	}
	var temp []bool
	for i, r := range recs {
		if r.Seq != uint64(i+1) {
			t.Fatalf("record %d has seq %d", i, r.Seq)
		}
		switch r.Channel {
		case "TEMP":
			temp = append(temp, r.ValueChanged)
		case "PRESSURE":
			if !r.ValueChanged || r.PreviousValue != nil {
				t.Fatalf("pressure first observation should be a change without previous value")
			}
		}
	}
	if fmt.Sprint(temp) != "[true false true]" {
		t.Fatalf("unexpected TEMP change flags %v", temp)
	}

	snap := c.Stats()
	if snap.Records != 4 || snap.Changes != 3 || snap.Persisted != 4 {
		t.Fatalf("unexpected stats %+v", snap)
	}
	if snap.PerChannel["TEMP"].Updates != 3 || snap.PerChannel["TEMP"].Changes != 2 {
		t.Fatalf("unexpected TEMP counts %+v", snap.PerChannel["TEMP"])
	}
	if !sink.closed {
		t.Fatalf("expected sink to be closed")
	}
	if c.State() != StateStopped {
		t.Fatalf("expected STOPPED, got %s", c.State())
	}
}

func TestCoordinatorConcurrentSequencing(t *testing.T) {
	const (
		channels = 8
		perChan  = 200
	)
	names := make([]string, channels)
	for i := range names {
		names[i] = fmt.Sprintf("CH:%d", i)
	}
	tr := newFakeTransport()
	sink := &memSink{}
	c := newTestCoordinator(t, names, tr, sink)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			for i := 0; i < perChan; i++ {
				tr.emit(name, numericEvent(name, float64(i), float64(i+1)))
			}
		}(name)
	}
	wg.Wait()
	if err := c.shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	recs := sink.snapshot()
	if len(recs) != channels*perChan {
		t.Fatalf("expected %d records, got %d", channels*perChan, len(recs))
	}
	last := make(map[string]float64)
	for i, r := range recs {
		if r.Seq != uint64(i+1) {
			t.Fatalf("persist order broken at %d: seq %d", i, r.Seq)
		}
		if prev, ok := last[r.Channel]; ok && r.Value.Num <= prev {
			t.Fatalf("channel %s out of order: %v after %v", r.Channel, r.Value.Num, prev)
		}
		last[r.Channel] = r.Value.Num
	}
	if got := c.LastSequence(); got != channels*perChan {
		t.Fatalf("expected last sequence %d, got %d", channels*perChan, got)
	}
}

func TestCoordinatorConnectIsAllOrNothing(t *testing.T) {
	tr := newFakeTransport()
	tr.unreachable["A"] = true
	sink := &memSink{}
	c := newTestCoordinator(t, []string{"B", "A", "C"}, tr, sink)

	err := c.Start(context.Background())
	if !errors.Is(err, ErrConnectFailed) || !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("expected connect failure, got %v", err)
	}
	if tr.unsubscribed != 1 {
		t.Fatalf("expected subscriptions to be released once, got %d", tr.unsubscribed)
	}
	if sink.initialized {
		t.Fatalf("sink must not be initialized after a connect failure")
	}
	if c.State() != StateStopped {
		t.Fatalf("expected STOPPED, got %s", c.State())
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected coordinator to be single-use, got %v", err)
	}
}

func TestCoordinatorSubscribeErrorFailsRun(t *testing.T) {
	tr := newFakeTransport()
	tr.rejected["BAD"] = errors.New("unknown channel")
	c := newTestCoordinator(t, []string{"OK", "BAD"}, tr, &memSink{})

	if err := c.Start(context.Background()); !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("expected connect failure, got %v", err)
	}
}

func TestCoordinatorSinkInitFailureKeepsIngesting(t *testing.T) {
	tr := newFakeTransport()
	sink := &memSink{initErr: errors.New("permission denied")}
	obs := &mockObs{}
	c, err := NewCoordinator(Options{
		Channels: []string{"TEMP"},
		Clock:    clock.NewFake(t0),
	}, tr, sink, obs)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 5; i++ {
		tr.emit("TEMP", numericEvent("TEMP", float64(i), float64(i+1)))
	}
	if err := c.shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	snap := c.Stats()
	if snap.Records != 5 || snap.Persisted != 0 {
		t.Fatalf("expected 5 records and none persisted, got %+v", snap)
	}
	if len(sink.snapshot()) != 0 {
		t.Fatalf("sink should not receive records")
	}
	if obs.errorCount("sink_init_failed") != 1 {
		t.Fatalf("expected init failure logged once")
	}
}

func TestCoordinatorAppendFailureIsNotRetried(t *testing.T) {
	tr := newFakeTransport()
	sink := &memSink{failSeq: map[uint64]bool{2: true}}
	c := newTestCoordinator(t, []string{"TEMP"}, tr, sink)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 3; i++ {
		tr.emit("TEMP", numericEvent("TEMP", float64(i), float64(i+1)))
	}
	if err := c.shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	recs := sink.snapshot()
	if len(recs) != 2 || recs[0].Seq != 1 || recs[1].Seq != 3 {
		t.Fatalf("expected seq 1 and 3 persisted, got %+v", recs)
	}
	if sink.appends != 3 {
		t.Fatalf("expected exactly 3 append attempts, got %d", sink.appends)
	}
	snap := c.Stats()
	if snap.AppendFailures != 1 || snap.Persisted != 2 || snap.Records != 3 {
		t.Fatalf("unexpected stats %+v", snap)
	}
}

func TestCoordinatorSinkPanicCountsAsAppendFailure(t *testing.T) {
	tr := newFakeTransport()
	sink := &memSink{panicOn: "BAD"}
	obs := &mockObs{}
	c, err := NewCoordinator(Options{
		Channels: []string{"BAD", "GOOD"},
		Policy:   ports.Policy{ConnectTimeout: 10 * time.Millisecond, PollInterval: time.Millisecond},
		Clock:    clock.NewFake(t0),
	}, tr, sink, obs)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	tr.emit("BAD", numericEvent("BAD", 1, 0))
	tr.emit("GOOD", numericEvent("GOOD", 2, 0))
	if err := c.shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	recs := sink.snapshot()
	if len(recs) != 1 || recs[0].Channel != "GOOD" || recs[0].Seq != 2 {
		t.Fatalf("expected only GOOD persisted as seq 2, got %+v", recs)
	}
	snap := c.Stats()
	if snap.Records != 2 || snap.AppendFailures != 1 || snap.Persisted != 1 {
		t.Fatalf("unexpected stats %+v", snap)
	}
	if obs.errorCount("sink_append_failed") != 1 {
		t.Fatalf("expected the panic to be logged as an append failure")
	}
}

func TestCoordinatorLogsCriticalSkew(t *testing.T) {
	tr := newFakeTransport()
	obs := &mockObs{}
	c, err := NewCoordinator(Options{
		Channels: []string{"TEMP"},
		Policy:   ports.Policy{ConnectTimeout: 10 * time.Millisecond, PollInterval: time.Millisecond},
		Clock:    clock.NewFake(t0),
	}, tr, &memSink{}, obs)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	tr.emit("TEMP", numericEvent("TEMP", 1, 0.1))
	tr.emit("TEMP", numericEvent("TEMP", 2, 3))
	if err := c.shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.critical) != 1 || obs.critical[0] != "clock_skew_critical" {
		t.Fatalf("expected one critical skew log, got %v", obs.critical)
	}
}

func TestCoordinatorDropsMalformedEvents(t *testing.T) {
	tr := newFakeTransport()
	sink := &memSink{}
	obs := &mockObs{}
	c, err := NewCoordinator(Options{Channels: []string{"TEMP"}, Clock: clock.NewFake(t0)}, tr, sink, obs)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	noTS := numericEvent("TEMP", 1, 0)
	noTS.SourceTimestamp = 0
	tr.emit("TEMP", noTS)
	tr.emit("TEMP", domain.ChangeEvent{Channel: "TEMP", SourceTimestamp: 5, Connected: true})
	tr.emit("TEMP", numericEvent("TEMP", 2, 3))
	if err := c.shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if got := len(sink.snapshot()); got != 1 {
		t.Fatalf("expected 1 record, got %d", got)
	}
	if len(obs.dropped) != 2 {
		t.Fatalf("expected 2 dropped events, got %d", len(obs.dropped))
	}
	if !errors.Is(obs.dropped[0], analysis.ErrMissingTimestamp) || !errors.Is(obs.dropped[1], analysis.ErrInvalidValue) {
		t.Fatalf("unexpected drop reasons %v", obs.dropped)
	}
	if c.Stats().Dropped != 2 {
		t.Fatalf("expected 2 dropped in stats")
	}
}

func TestCoordinatorIgnoresEventsAfterStop(t *testing.T) {
	tr := newFakeTransport()
	sink := &memSink{}
	c := newTestCoordinator(t, []string{"TEMP"}, tr, sink)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	tr.emit("TEMP", numericEvent("TEMP", 1, 1))
	if err := c.shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	c.handleEvent(numericEvent("TEMP", 2, 2))

	if got := len(sink.snapshot()); got != 1 {
		t.Fatalf("expected events after stop to be ignored, got %d records", got)
	}
	if err := c.shutdown(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected second shutdown to report not running, got %v", err)
	}
}

func TestCoordinatorShutdownWaitsForInflightEvent(t *testing.T) {
	tr := newFakeTransport()
	sink := &memSink{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	c := newTestCoordinator(t, []string{"TEMP"}, tr, sink)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	emitted := make(chan struct{})
	go func() {
		tr.emit("TEMP", numericEvent("TEMP", 1, 1))
		close(emitted)
	}()
	<-sink.entered

	stopped := make(chan error, 1)
	go func() { stopped <- c.shutdown() }()

	select {
	case <-stopped:
		t.Fatalf("shutdown finished while an event was mid-commit")
	case <-time.After(50 * time.Millisecond):
	}
	close(sink.block)
	<-emitted
	if err := <-stopped; err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := len(sink.snapshot()); got != 1 {
		t.Fatalf("expected the in-flight event to be persisted, got %d records", got)
	}
}

func TestCoordinatorRunStopsOnCancel(t *testing.T) {
	tr := newFakeTransport()
	c := newTestCoordinator(t, []string{"TEMP"}, tr, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for c.State() != StateRunning {
		if time.Now().After(deadline) {
			t.Fatalf("coordinator never reached RUNNING")
		}
		time.Sleep(time.Millisecond)
	}
	tr.emit("TEMP", numericEvent("TEMP", 1, 1))
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not return after cancel")
	}
	if c.Stats().Records != 1 || c.Stats().Persisted != 0 {
		t.Fatalf("unexpected stats without destination %+v", c.Stats())
	}
}

func TestCoordinatorStopEndsRun(t *testing.T) {
	tr := newFakeTransport()
	c, err := NewCoordinator(Options{
		Channels: []string{"TEMP"},
		Policy:   ports.Policy{PollInterval: time.Millisecond},
		Clock:    clock.NewFake(t0),
	}, tr, &memSink{}, &mockObs{})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	c.Stop()
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if c.State() != StateStopped {
		t.Fatalf("expected STOPPED, got %s", c.State())
	}
}

func TestNewCoordinatorRejectsEmptyChannels(t *testing.T) {
	if _, err := NewCoordinator(Options{}, newFakeTransport(), nil, &mockObs{}); !errors.Is(err, ErrNoChannels) {
		t.Fatalf("expected ErrNoChannels, got %v", err)
	}
}

func newTestCoordinator(t *testing.T, channels []string, tr ports.Transport, sink ports.RecordSink) *Coordinator {
	t.Helper()
	var rs ports.RecordSink
	if sink != nil {
		rs = sink
	}
	c, err := NewCoordinator(Options{
		Channels: channels,
		Policy:   ports.Policy{ConnectTimeout: 10 * time.Millisecond, PollInterval: time.Millisecond},
		Clock:    clock.NewFake(t0),
	}, tr, rs, &mockObs{})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c
}

func numericEvent(name string, v, offsetSec float64) domain.ChangeEvent {
	return domain.ChangeEvent{
		Channel:         name,
		Value:           domain.Numeric(v),
		ValueType:       "DBF_DOUBLE",
		SourceTimestamp: domain.TimeToEpoch(t0) + offsetSec,
		Connected:       true,
	}
}

type fakeTransport struct {
	mu           sync.Mutex
	next         ports.Handle
	names        map[ports.Handle]string
	fns          map[string]ports.ChangeFunc
	chanMu       map[string]*sync.Mutex
	unreachable  map[string]bool
	rejected     map[string]error
	unsubscribed int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		names:       map[ports.Handle]string{},
		fns:         map[string]ports.ChangeFunc{},
		chanMu:      map[string]*sync.Mutex{},
		unreachable: map[string]bool{},
		rejected:    map[string]error{},
	}
}

func (f *fakeTransport) Subscribe(name string) (ports.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.rejected[name]; err != nil {
		return 0, err
	}
	f.next++
	f.names[f.next] = name
	f.chanMu[name] = &sync.Mutex{}
	return f.next, nil
}

func (f *fakeTransport) WaitConnected(_ context.Context, h ports.Handle, _ time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unreachable[f.names[h]]
}

func (f *fakeTransport) OnChange(h ports.Handle, fn ports.ChangeFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name, ok := f.names[h]
	if !ok {
		return fmt.Errorf("unknown handle %d", h)
	}
	f.fns[name] = fn
	return nil
}

func (f *fakeTransport) UnsubscribeAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed++
	clear(f.fns)
	return nil
}

// emit delivers ev the way a transport would: serialized per channel.
func (f *fakeTransport) emit(name string, ev domain.ChangeEvent) {
	f.mu.Lock()
	fn := f.fns[name]
	mu := f.chanMu[name]
	f.mu.Unlock()
	if fn == nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	fn(ev)
}

type memSink struct {
	mu          sync.Mutex
	records     []domain.Record
	initialized bool
	closed      bool
	appends     int
	initErr     error
	failSeq     map[uint64]bool
	panicOn     string
	block       chan struct{}
	entered     chan struct{}
}

func (m *memSink) Name() string { return "memory" }

func (m *memSink) Initialize([]string) error {
	if m.initErr != nil {
		return m.initErr
	}
	m.initialized = true
	return nil
}

func (m *memSink) Append(r *domain.Record) error {
	if m.entered != nil {
		m.entered <- struct{}{}
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appends++
	if r.Channel == m.panicOn {
		panic("sink exploded")
	}
	if m.failSeq[r.Seq] {
		return errors.New("disk full")
	}
	m.records = append(m.records, *r)
	return nil
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func (m *memSink) snapshot() []domain.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Record(nil), m.records...)
}

type mockObs struct {
	mu       sync.Mutex
	errors   []string
	critical []string
	dropped  []error
}

func (m *mockObs) LogDebug(string, ...ports.Field) {}
func (m *mockObs) LogInfo(string, ...ports.Field)  {}
func (m *mockObs) LogWarn(string, ...ports.Field)  {}
func (m *mockObs) LogError(msg string, _ error, _ ...ports.Field) {
	m.mu.Lock()
	m.errors = append(m.errors, msg)
	m.mu.Unlock()
}
func (m *mockObs) LogCritical(msg string, _ error, _ ...ports.Field) {
	m.mu.Lock()
	m.critical = append(m.critical, msg)
	m.mu.Unlock()
}
func (m *mockObs) IncCounter(string, float64, ...string) {}
func (m *mockObs) ObserveLatency(string, float64)        {}
func (m *mockObs) ObserveValue(string, float64)          {}
func (m *mockObs) SetGauge(string, float64)              {}
func (m *mockObs) RecordDropped(_ *domain.ChangeEvent, err error) {
	m.mu.Lock()
	m.dropped = append(m.dropped, err)
	m.mu.Unlock()
}

func (m *mockObs) errorCount(msg string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.errors {
		if e == msg {
			n++
		}
	}
	return n
}
