// Package analysis derives clock skew and value-change facts for a single
// change event. It holds no state of its own.
package analysis

import (
	"errors"
	"math"
	"time"

	"github.com/ghalamif/pvflow/internal/domain"
)

var (
	ErrNoChannel        = errors.New("analysis: event has no channel name")
	ErrMissingTimestamp = errors.New("analysis: event has no source timestamp")
	ErrInvalidValue     = errors.New("analysis: event value is not a valid scalar")
)

// Level grades the magnitude of clock skew.
type Level uint8

const (
	SkewNormal Level = iota
	SkewWarning
	SkewCritical
)

func (l Level) String() string {
	switch l {
	case SkewWarning:
		return "warning"
	case SkewCritical:
		return "critical"
	default:
		return "normal"
	}
}

const (
	DefaultWarnSkew     = 0.5
	DefaultCriticalSkew = 1.0
)

// Config parameterizes an Analyzer. Thresholds are in seconds.
type Config struct {
	ClockOffset  float64 `yaml:"-"`
	WarnSkew     float64 `yaml:"warn_skew"`
	CriticalSkew float64 `yaml:"critical_skew"`
	// Tolerance is an absolute band within which numeric values count as
	// unchanged. Zero means exact comparison.
	Tolerance float64 `yaml:"tolerance"`
}

func (c *Config) ApplyDefaults() {
	if c.WarnSkew <= 0 {
		c.WarnSkew = DefaultWarnSkew
	}
	if c.CriticalSkew <= 0 {
		c.CriticalSkew = DefaultCriticalSkew
	}
	if c.Tolerance < 0 {
		c.Tolerance = 0
	}
}

// Result carries everything the analyzer learned about one event.
type Result struct {
	SourceTime time.Time
	LocalTime  time.Time
	Skew       float64
	Level      Level
	Changed    bool
	Previous   *domain.Value
}

type Analyzer struct {
	cfg    Config
	offset time.Duration
}

func New(cfg Config) *Analyzer {
	cfg.ApplyDefaults()
	return &Analyzer{
		cfg:    cfg,
		offset: time.Duration(math.Round(cfg.ClockOffset * float64(time.Second))),
	}
}

func (a *Analyzer) ClockOffset() float64 { return a.cfg.ClockOffset }

// Check rejects events that cannot be recorded.
func (a *Analyzer) Check(ev domain.ChangeEvent) error {
	if ev.Channel == "" {
		return ErrNoChannel
	}
	if !ev.HasTimestamp() {
		return ErrMissingTimestamp
	}
	if !ev.Value.Valid() {
		return ErrInvalidValue
	}
	return nil
}

// Analyze computes skew and change status of ev against the channel's prior
// state. hasPrior is false for the first observation of a channel.
func (a *Analyzer) Analyze(ev domain.ChangeEvent, prior domain.ChannelState, hasPrior bool, local time.Time) (Result, error) {
	if err := a.Check(ev); err != nil {
		return Result{}, err
	}

	src := ev.SourceTime().Add(a.offset).Truncate(time.Microsecond)
	local = local.UTC().Truncate(time.Microsecond)
	skew := src.Sub(local).Seconds()

	res := Result{
		SourceTime: src,
		LocalTime:  local,
		Skew:       skew,
		Level:      a.Classify(skew),
		Changed:    true,
	}
	if hasPrior {
		prev := prior.LastValue
		res.Previous = &prev
		res.Changed = !ev.Value.WithinTolerance(prev, a.cfg.Tolerance)
	}
	return res, nil
}

// Classify grades a skew value against the configured thresholds.
func (a *Analyzer) Classify(skew float64) Level {
	mag := math.Abs(skew)
	switch {
	case mag > a.cfg.CriticalSkew:
		return SkewCritical
	case mag > a.cfg.WarnSkew:
		return SkewWarning
	default:
		return SkewNormal
	}
}

// NextState is the channel state after ev has been accepted.
func NextState(ev domain.ChangeEvent, res Result) domain.ChannelState {
	return domain.ChannelState{
		Observed:            true,
		LastValue:           ev.Value,
		LastSourceTimestamp: res.SourceTime,
		LastLocalTimestamp:  res.LocalTime,
	}
}

// Record assembles the unsequenced record for ev.
func (a *Analyzer) Record(ev domain.ChangeEvent, res Result) *domain.Record {
	vt := ev.ValueType
	if vt == "" {
		vt = ev.Value.Kind.String()
	}
	return &domain.Record{
		Channel:          ev.Channel,
		Value:            ev.Value,
		ValueType:        vt,
		SourceTimestamp:  ev.SourceTimestamp,
		SourceTime:       res.SourceTime,
		LocalTime:        res.LocalTime,
		ClockSkewSeconds: res.Skew,
		ClockOffset:      a.cfg.ClockOffset,
		PreviousValue:    res.Previous,
		ValueChanged:     res.Changed,
		Connected:        ev.Connected,
		Severity:         ev.Severity,
		AlarmStatus:      ev.AlarmStatus,
	}
}
