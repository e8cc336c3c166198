package pipeline

import (
	"sync"
	"time"
)

// ChannelCounts is the per-channel share of a run's statistics.
type ChannelCounts struct {
	Updates uint64
	Changes uint64
	Dropped uint64
}

// Snapshot is a point-in-time copy of RunStatistics.
type Snapshot struct {
	RunID     string
	StartedAt time.Time
	StoppedAt time.Time

	Records        uint64
	Changes        uint64
	Persisted      uint64
	AppendFailures uint64
	Dropped        uint64

	// Channels lists monitored channels in configuration order.
	Channels   []string
	PerChannel map[string]ChannelCounts
}

// Duration is the monitored span, measured to now while the run is live.
func (s Snapshot) Duration(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if !s.StoppedAt.IsZero() {
		return s.StoppedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

// RunStatistics aggregates counts for one monitoring session.
type RunStatistics struct {
	mu   sync.Mutex
	snap Snapshot
}

func NewRunStatistics() *RunStatistics {
	return &RunStatistics{snap: Snapshot{PerChannel: map[string]ChannelCounts{}}}
}

// Reset starts a new session over channels.
func (r *RunStatistics) Reset(runID string, channels []string, start time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap = Snapshot{
		RunID:      runID,
		StartedAt:  start,
		Channels:   append([]string(nil), channels...),
		PerChannel: make(map[string]ChannelCounts, len(channels)),
	}
	for _, ch := range channels {
		r.snap.PerChannel[ch] = ChannelCounts{}
	}
}

// Observe counts one accepted event.
func (r *RunStatistics) Observe(channel string, changed, persisted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cc := r.snap.PerChannel[channel]
	cc.Updates++
	r.snap.Records++
	if changed {
		cc.Changes++
		r.snap.Changes++
	}
	if persisted {
		r.snap.Persisted++
	}
	r.snap.PerChannel[channel] = cc
}

// Drop counts one rejected event.
func (r *RunStatistics) Drop(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.Dropped++
	if channel == "" {
		return
	}
	cc := r.snap.PerChannel[channel]
	cc.Dropped++
	r.snap.PerChannel[channel] = cc
}

// Finish stamps the end of the session.
func (r *RunStatistics) Finish(stop time.Time, appendFailures uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.StoppedAt = stop
	r.snap.AppendFailures = appendFailures
}

func (r *RunStatistics) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.snap
	out.Channels = append([]string(nil), r.snap.Channels...)
	out.PerChannel = make(map[string]ChannelCounts, len(r.snap.PerChannel))
	for k, v := range r.snap.PerChannel {
		out.PerChannel[k] = v
	}
	return out
}
