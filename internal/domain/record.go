package domain

import (
	"strconv"
	"time"
)

// DatetimeLayout is the ISO-8601 layout used for persisted instants. It keeps
// microsecond precision, which is also the precision skew is computed at.
const DatetimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Schema is the fixed column order of every record stream.
var Schema = []string{
	"sequence_number",
	"pv_name",
	"pv_value",
	"pv_type",
	"epics_timestamp",
	"epics_datetime",
	"local_datetime",
	"clock_skew_seconds",
	"clock_offset_applied",
	"previous_value",
	"value_changed",
	"connection_status",
	"severity",
	"alarm_status",
}

// Record is one persisted observation. It is immutable once built.
type Record struct {
	Seq             uint64
	Channel         string
	Value           Value
	ValueType       string
	SourceTimestamp float64
	// SourceTime is the source instant with the clock offset applied.
	SourceTime       time.Time
	LocalTime        time.Time
	ClockSkewSeconds float64
	ClockOffset      float64
	PreviousValue    *Value
	ValueChanged     bool
	Connected        bool
	Severity         Severity
	AlarmStatus      int
}

func (r *Record) SourceDatetime() string { return r.SourceTime.UTC().Format(DatetimeLayout) }

func (r *Record) LocalDatetime() string { return r.LocalTime.UTC().Format(DatetimeLayout) }

// Fields renders the record as text in Schema order. A nil previous value is
// written as an empty field.
func (r *Record) Fields() []string {
	prev := ""
	if r.PreviousValue != nil {
		prev = r.PreviousValue.String()
	}
	return []string{
		strconv.FormatUint(r.Seq, 10),
		r.Channel,
		r.Value.String(),
		r.ValueType,
		strconv.FormatFloat(r.SourceTimestamp, 'f', -1, 64),
		r.SourceDatetime(),
		r.LocalDatetime(),
		strconv.FormatFloat(r.ClockSkewSeconds, 'f', -1, 64),
		strconv.FormatFloat(r.ClockOffset, 'f', -1, 64),
		prev,
		strconv.FormatBool(r.ValueChanged),
		strconv.FormatBool(r.Connected),
		strconv.Itoa(int(r.Severity)),
		strconv.Itoa(r.AlarmStatus),
	}
}

// Args returns the record as driver values in Schema order, with both value
// columns rendered as text.
func (r *Record) Args() []any {
	var prev any
	if r.PreviousValue != nil {
		prev = r.PreviousValue.String()
	}
	return r.args(r.Value.String(), prev)
}

// TypedArgs is Args with the value columns kept as native scalars, for stores
// whose columns accept any type.
func (r *Record) TypedArgs() []any {
	var prev any
	if r.PreviousValue != nil {
		prev = r.PreviousValue.Native()
	}
	return r.args(r.Value.Native(), prev)
}

func (r *Record) args(value, prev any) []any {
	return []any{
		int64(r.Seq),
		r.Channel,
		value,
		r.ValueType,
		r.SourceTimestamp,
		r.SourceDatetime(),
		r.LocalDatetime(),
		r.ClockSkewSeconds,
		r.ClockOffset,
		prev,
		r.ValueChanged,
		r.Connected,
		int64(r.Severity),
		int64(r.AlarmStatus),
	}
}
