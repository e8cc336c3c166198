package ports

import "github.com/ghalamif/pvflow/internal/domain"

type Observability interface {
	LogDebug(msg string, fields ...Field)
	LogInfo(msg string, fields ...Field)
	LogWarn(msg string, fields ...Field)
	LogError(msg string, err error, fields ...Field)
	LogCritical(msg string, err error, fields ...Field)

	// IncCounter adds v to the named counter. labels are label values in the
	// order the metric declares them.
	IncCounter(name string, v float64, labels ...string)
	ObserveLatency(name string, seconds float64)
	ObserveValue(name string, v float64)

	SetGauge(name string, v float64)

	RecordDropped(ev *domain.ChangeEvent, err error)
}

type Field struct {
	Key   string
	Value any
}

// F is shorthand for building a Field.
func F(key string, value any) Field { return Field{Key: key, Value: value} }
