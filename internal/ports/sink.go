package ports

import "github.com/ghalamif/pvflow/internal/domain"

// RecordSink is a durable, append-only destination for observation records.
type RecordSink interface {
	// Initialize creates the destination and writes the header. Calling it
	// again after a successful call is a no-op.
	Initialize(schema []string) error
	// Append durably writes one record before returning.
	Append(r *domain.Record) error
	Close() error
	Name() string
}
