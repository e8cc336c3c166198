package pvflow

import (
	"github.com/ghalamif/pvflow/internal/app/pipeline"
	"github.com/ghalamif/pvflow/internal/clock"
	"github.com/ghalamif/pvflow/internal/domain"
	"github.com/ghalamif/pvflow/internal/ports"
)

// Record is one persisted observation, handed to every RecordSink.
type Record = domain.Record

// ChangeEvent is a single channel notification as delivered by a Transport.
type ChangeEvent = domain.ChangeEvent

// Value is the scalar payload of a ChangeEvent.
type Value = domain.Value

// Severity is the alarm severity carried with a value.
type Severity = domain.Severity

// Transport subscribes to channels and delivers their change events.
type Transport = ports.Transport

// Handle identifies a subscription inside a Transport.
type Handle = ports.Handle

// ChangeFunc receives the change events of one subscription.
type ChangeFunc = ports.ChangeFunc

// RecordSink persists records to any downstream system.
type RecordSink = ports.RecordSink

// Observability emits logs and metrics about the monitoring run.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

// Clock supplies local receipt time.
type Clock = clock.Clock

// Stats is a point-in-time copy of the run counters.
type Stats = pipeline.Snapshot

// ChannelCounts are the per-channel entries of Stats.
type ChannelCounts = pipeline.ChannelCounts

// State is the lifecycle phase of a Runtime.
type State = pipeline.State

const (
	StateUninitialized = pipeline.StateUninitialized
	StateConnecting    = pipeline.StateConnecting
	StateRunning       = pipeline.StateRunning
	StateStopping      = pipeline.StateStopping
	StateStopped       = pipeline.StateStopped
)

// Schema is the column order shared by every record destination.
var Schema = domain.Schema

func Numeric(v float64) Value { return domain.Numeric(v) }

func String(s string) Value { return domain.String(s) }

func Enum(index int, label string) Value { return domain.Enum(index, label) }
