package domain

import (
	"math"
	"time"
)

// Severity is the alarm severity reported by the transport alongside a value.
type Severity uint8

const (
	SeverityNone Severity = iota
	SeverityMinor
	SeverityMajor
	SeverityInvalid
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "NO_ALARM"
	case SeverityMinor:
		return "MINOR"
	case SeverityMajor:
		return "MAJOR"
	default:
		return "INVALID"
	}
}

// ChangeEvent is one notification delivered by a transport. It is consumed
// once by the ingestion path and never retained.
type ChangeEvent struct {
	Channel string
	Value   Value
	// ValueType is the transport's own type tag ("DBF_DOUBLE", "Double", ...).
	ValueType string
	// SourceTimestamp is seconds since the Unix epoch on the source clock.
	// Zero means the transport did not supply one.
	SourceTimestamp float64
	Connected       bool
	Severity        Severity
	AlarmStatus     int
}

// HasTimestamp reports whether a usable source timestamp is present.
func (e ChangeEvent) HasTimestamp() bool {
	return e.SourceTimestamp > 0 && !math.IsNaN(e.SourceTimestamp) && !math.IsInf(e.SourceTimestamp, 0)
}

// SourceTime converts the raw source timestamp to a UTC instant.
func (e ChangeEvent) SourceTime() time.Time {
	return EpochToTime(e.SourceTimestamp)
}

// EpochToTime converts fractional epoch seconds to a UTC time, rounded to the
// nearest nanosecond.
func EpochToTime(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(math.Round(frac*1e9))).UTC()
}

// TimeToEpoch is the inverse of EpochToTime.
func TimeToEpoch(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

// ChannelState is the last accepted observation for one channel.
type ChannelState struct {
	Observed            bool
	LastValue           Value
	LastSourceTimestamp time.Time
	LastLocalTimestamp  time.Time
}
