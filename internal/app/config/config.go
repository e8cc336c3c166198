package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ghalamif/pvflow/internal/adapters/opcua"
	"github.com/ghalamif/pvflow/internal/app/analysis"
	"github.com/ghalamif/pvflow/internal/ports"
)

var (
	ErrNoChannels          = errors.New("config: no channels specified")
	ErrConflictingChannels = errors.New("config: channel names and a channel file are mutually exclusive")
)

const (
	TransportOPCUA  = "opcua"
	TransportInproc = "inproc"
)

type Config struct {
	Channels     []string `yaml:"channels"`
	ChannelsFile string   `yaml:"channels_file"`
	// Prefix is prepended to every channel name.
	Prefix      string  `yaml:"prefix"`
	ClockOffset float64 `yaml:"clock_offset"`
	// Destination is the data file. Relative paths are placed under DataDir.
	Destination string `yaml:"destination"`
	DataDir     string `yaml:"data_dir"`

	Sink      SinkConfig      `yaml:"sink"`
	Policy    ports.Policy    `yaml:"policy"`
	Analysis  analysis.Config `yaml:"analysis"`
	Transport TransportConfig `yaml:"transport"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

type SinkConfig struct {
	// Format is csv, log, sqlite or postgres.
	Format     string `yaml:"format"`
	Driver     string `yaml:"driver"`
	ConnString string `yaml:"conn_string"`
	Table      string `yaml:"table"`
}

type TransportConfig struct {
	Kind  string       `yaml:"kind"`
	OPCUA opcua.Config `yaml:"opcua"`
}

type MetricsConfig struct {
	// Addr enables the metrics server when set.
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
	JSON  bool   `yaml:"json"`
}

// Load reads a YAML config, applies defaults and validates it. Channel
// resolution is left to ResolveChannels.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Read is Load without validation, for callers that apply overrides first.
func Read(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, rejecting unknown keys, and applies defaults.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

func (c *Config) ApplyDefaults() {
	c.Policy.ApplyDefaults()
	c.Analysis.ApplyDefaults()
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Sink.Format == "" {
		c.Sink.Format = "csv"
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = TransportOPCUA
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Transport.Kind == TransportOPCUA {
		c.Transport.OPCUA.ApplyDefaults()
	}
}

func (c *Config) Validate() error {
	switch c.Sink.Format {
	case "csv", "log", "sqlite":
	case "postgres":
		if c.Sink.ConnString == "" && c.Destination == "" {
			return fmt.Errorf("sink.conn_string is required for postgres")
		}
	default:
		return fmt.Errorf("sink.format %q is not one of csv, log, sqlite, postgres", c.Sink.Format)
	}
	switch c.Transport.Kind {
	case TransportOPCUA:
		if err := c.Transport.OPCUA.Validate(); err != nil {
			return fmt.Errorf("transport.opcua: %w", err)
		}
	case TransportInproc:
	default:
		return fmt.Errorf("transport.kind %q is not one of opcua, inproc", c.Transport.Kind)
	}
	if c.Analysis.WarnSkew > c.Analysis.CriticalSkew {
		return fmt.Errorf("analysis.warn_skew (%g) exceeds analysis.critical_skew (%g)", c.Analysis.WarnSkew, c.Analysis.CriticalSkew)
	}
	if len(c.Channels) > 0 && c.ChannelsFile != "" {
		return ErrConflictingChannels
	}
	return nil
}

// ResolveChannels returns the final channel list: names from Channels or
// from ChannelsFile, each prefixed with Prefix, duplicates removed.
func (c *Config) ResolveChannels() ([]string, error) {
	if len(c.Channels) > 0 && c.ChannelsFile != "" {
		return nil, ErrConflictingChannels
	}
	names := c.Channels
	if c.ChannelsFile != "" {
		var err error
		if names, err = LoadChannelFile(c.ChannelsFile); err != nil {
			return nil, err
		}
	}

	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		name = c.Prefix + name
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil, ErrNoChannels
	}
	return out, nil
}

// DataPath is where file sinks write. It is empty when no destination is
// configured.
func (c *Config) DataPath() string {
	if c.Destination == "" || c.Sink.Format == "postgres" {
		return ""
	}
	if filepath.IsAbs(c.Destination) || c.DataDir == "" {
		return c.Destination
	}
	return filepath.Join(c.DataDir, c.Destination)
}

// HasDestination reports whether records will be persisted.
func (c *Config) HasDestination() bool {
	if c.Sink.Format == "postgres" {
		return c.Sink.ConnString != "" || c.Destination != ""
	}
	return c.Destination != ""
}

// LoadChannelFile reads one channel name per line, skipping blank lines and
// lines starting with '#'.
func LoadChannelFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read channel file: %w", err)
	}
	defer f.Close()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read channel file: %w", err)
	}
	return names, nil
}
