package sink

import (
	"time"

	"github.com/ghalamif/pvflow/internal/domain"
)

var base = time.Date(2025, 7, 7, 12, 0, 0, 0, time.UTC)

func testRecord(seq uint64, name string, v float64, prev *domain.Value) *domain.Record {
	src := base.Add(time.Duration(seq) * time.Second)
	local := src.Add(-250 * time.Millisecond)
	return &domain.Record{
		Seq:              seq,
		Channel:          name,
		Value:            domain.Numeric(v),
		ValueType:        "DBF_DOUBLE",
		SourceTimestamp:  domain.TimeToEpoch(src),
		SourceTime:       src,
		LocalTime:        local,
		ClockSkewSeconds: 0.25,
		PreviousValue:    prev,
		ValueChanged:     prev == nil || !prev.Equal(domain.Numeric(v)),
		Connected:        true,
		Severity:         domain.SeverityNone,
	}
}
