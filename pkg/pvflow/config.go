package pvflow

import (
	"github.com/ghalamif/pvflow/internal/adapters/opcua"
	"github.com/ghalamif/pvflow/internal/app/analysis"
	"github.com/ghalamif/pvflow/internal/app/config"
	"github.com/ghalamif/pvflow/internal/ports"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	// Policy controls connect timeouts, status cadence and the commit queue.
	Policy = ports.Policy
	// AnalysisConfig holds skew thresholds and the clock offset.
	AnalysisConfig = analysis.Config
	// OPCUAConfig holds the OPC UA session details.
	OPCUAConfig = opcua.Config
	// SinkConfig selects the record format and database settings.
	SinkConfig = config.SinkConfig
	// TransportConfig selects the transport.
	TransportConfig = config.TransportConfig
	// MetricsConfig configures the metrics HTTP server.
	MetricsConfig = config.MetricsConfig
	// LogConfig configures the process logger.
	LogConfig = config.LogConfig
)

const (
	TransportOPCUA  = config.TransportOPCUA
	TransportInproc = config.TransportInproc
)

// LoadConfig loads and validates YAML from disk.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// DefaultConfig returns a config with every default applied.
func DefaultConfig() *Config {
	return config.Default()
}
