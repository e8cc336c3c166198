package analysis

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/pvflow/internal/domain"
)

var base = time.Date(2025, 7, 7, 12, 0, 0, 0, time.UTC)

func event(channel string, v domain.Value, src time.Time) domain.ChangeEvent {
	return domain.ChangeEvent{
		Channel:         channel,
		Value:           v,
		ValueType:       "DBF_DOUBLE",
		SourceTimestamp: domain.TimeToEpoch(src),
		Connected:       true,
	}
}

func TestAnalyzeFirstObservationAlwaysChanged(t *testing.T) {
	a := New(Config{})

	res, err := a.Analyze(event("TEMP", domain.Numeric(20), base), domain.ChannelState{}, false, base)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Nil(t, res.Previous)
}

func TestAnalyzeChangeSequence(t *testing.T) {
	a := New(Config{})
	values := []float64{20.0, 20.0, 21.5}
	want := []bool{true, false, true}

	var (
		state domain.ChannelState
		have  bool
	)
	for i, v := range values {
		ev := event("TEMP", domain.Numeric(v), base.Add(time.Duration(i)*time.Second))
		res, err := a.Analyze(ev, state, have, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.Equal(t, want[i], res.Changed, "event %d", i)
		if i > 0 {
			require.NotNil(t, res.Previous)
			assert.Equal(t, values[i-1], res.Previous.Num)
		}
		state, have = NextState(ev, res), true
	}
}

func TestAnalyzeKindMismatchIsChange(t *testing.T) {
	a := New(Config{})
	prior := domain.ChannelState{Observed: true, LastValue: domain.Enum(1, "ON")}

	res, err := a.Analyze(event("STATE", domain.Numeric(1), base), prior, true, base)
	require.NoError(t, err)
	assert.True(t, res.Changed)
}

func TestAnalyzeToleranceOptIn(t *testing.T) {
	prior := domain.ChannelState{Observed: true, LastValue: domain.Numeric(20.0)}
	ev := event("TEMP", domain.Numeric(20.0000001), base)

	exact := New(Config{})
	res, err := exact.Analyze(ev, prior, true, base)
	require.NoError(t, err)
	assert.True(t, res.Changed, "exact comparison must flag tiny differences")

	tolerant := New(Config{Tolerance: 1e-3})
	res, err = tolerant.Analyze(ev, prior, true, base)
	require.NoError(t, err)
	assert.False(t, res.Changed)
}

func TestAnalyzeAppliesClockOffset(t *testing.T) {
	a := New(Config{ClockOffset: 1.5})

	res, err := a.Analyze(event("TEMP", domain.Numeric(1), base.Add(250*time.Millisecond)), domain.ChannelState{}, false, base)
	require.NoError(t, err)
	assert.InDelta(t, 1.75, res.Skew, 1e-9)
	assert.Equal(t, SkewCritical, res.Level)
	assert.True(t, res.SourceTime.Equal(base.Add(1750*time.Millisecond)))
}

func TestClassifyBoundaries(t *testing.T) {
	a := New(Config{})
	cases := []struct {
		skew float64
		want Level
	}{
		{0, SkewNormal},
		{0.5, SkewNormal},
		{-0.5, SkewNormal},
		{0.51, SkewWarning},
		{1.0, SkewWarning},
		{-0.75, SkewWarning},
		{1.01, SkewCritical},
		{-3, SkewCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, a.Classify(tc.skew), "skew %v", tc.skew)
	}
}

func TestAnalyzeRejectsMalformed(t *testing.T) {
	a := New(Config{})

	ev := event("TEMP", domain.Numeric(1), base)
	ev.SourceTimestamp = 0
	_, err := a.Analyze(ev, domain.ChannelState{}, false, base)
	assert.True(t, errors.Is(err, ErrMissingTimestamp))

	ev = event("", domain.Numeric(1), base)
	_, err = a.Analyze(ev, domain.ChannelState{}, false, base)
	assert.True(t, errors.Is(err, ErrNoChannel))

	ev = event("TEMP", domain.Numeric(math.NaN()), base)
	_, err = a.Analyze(ev, domain.ChannelState{}, false, base)
	assert.True(t, errors.Is(err, ErrInvalidValue))

	ev = event("TEMP", domain.Value{}, base)
	_, err = a.Analyze(ev, domain.ChannelState{}, false, base)
	assert.True(t, errors.Is(err, ErrInvalidValue))
}

func TestSkewRecomputableFromPersistedFields(t *testing.T) {
	a := New(Config{ClockOffset: -0.125})
	src := base.Add(123456789 * time.Nanosecond)
	local := base.Add(987654321 * time.Nanosecond)

	ev := event("TEMP", domain.Numeric(3), src)
	res, err := a.Analyze(ev, domain.ChannelState{}, false, local)
	require.NoError(t, err)
	rec := a.Record(ev, res)

	srcParsed, err := time.Parse(domain.DatetimeLayout, rec.SourceDatetime())
	require.NoError(t, err)
	localParsed, err := time.Parse(domain.DatetimeLayout, rec.LocalDatetime())
	require.NoError(t, err)

	assert.InDelta(t, rec.ClockSkewSeconds, srcParsed.Sub(localParsed).Seconds(), 1e-9)
	assert.Equal(t, -0.125, rec.ClockOffset)
	assert.Equal(t, "DBF_DOUBLE", rec.ValueType)
}

func TestRecordDefaultsValueTypeToKind(t *testing.T) {
	a := New(Config{})
	ev := event("NAME", domain.String("idle"), base)
	ev.ValueType = ""

	res, err := a.Analyze(ev, domain.ChannelState{}, false, base)
	require.NoError(t, err)
	assert.Equal(t, "string", a.Record(ev, res).ValueType)
}
