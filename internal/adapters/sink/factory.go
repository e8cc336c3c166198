package sink

import (
	"fmt"
	"strings"

	"github.com/ghalamif/pvflow/internal/ports"
)

const (
	FormatCSV      = "csv"
	FormatLog      = "log"
	FormatSQLite   = "sqlite"
	FormatPostgres = "postgres"
)

// Options selects and parameterizes a sink.
type Options struct {
	Format string
	// Path is the data file for csv, log and sqlite.
	Path string
	// Driver and ConnString are used by postgres.
	Driver     string
	ConnString string
	Table      string
}

// Open builds the sink named by opts.Format. Nothing is created on disk or
// contacted over the network until Initialize.
func Open(opts Options) (ports.RecordSink, error) {
	format := strings.ToLower(opts.Format)
	switch format {
	case "", FormatCSV:
		if opts.Path == "" {
			return nil, fmt.Errorf("sink: %s requires a data file", FormatCSV)
		}
		return NewCSVSink(opts.Path), nil
	case FormatLog:
		if opts.Path == "" {
			return nil, fmt.Errorf("sink: %s requires a data file", FormatLog)
		}
		return NewLogSink(opts.Path), nil
	case FormatSQLite:
		if opts.Path == "" {
			return nil, fmt.Errorf("sink: %s requires a data file", FormatSQLite)
		}
		return NewSQLiteSink(opts.Path, opts.Table)
	case FormatPostgres:
		if opts.ConnString == "" {
			return nil, fmt.Errorf("sink: %s requires a connection string", FormatPostgres)
		}
		return OpenSQLSink(opts.Driver, opts.ConnString, opts.Table)
	default:
		return nil, fmt.Errorf("sink: unknown format %q", opts.Format)
	}
}
