package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	data := `
channels: ["TEMP", "PRESSURE"]
clock_offset: 0.5
destination: run.csv
policy:
  queue_len: 64
transport:
  opcua:
    endpoint: opc.tcp://localhost:4840
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Policy.ConnectTimeout != 10*time.Second {
		t.Fatalf("expected ConnectTimeout default 10s, got %s", cfg.Policy.ConnectTimeout)
	}
	if cfg.Policy.StatusInterval != time.Minute {
		t.Fatalf("expected StatusInterval default 60s, got %s", cfg.Policy.StatusInterval)
	}
	if cfg.Policy.PollInterval != 100*time.Millisecond {
		t.Fatalf("expected PollInterval default 100ms, got %s", cfg.Policy.PollInterval)
	}
	if cfg.Policy.QueueLen != 64 {
		t.Fatalf("expected QueueLen 64, got %d", cfg.Policy.QueueLen)
	}
	if cfg.Sink.Format != "csv" {
		t.Fatalf("expected default sink format csv, got %s", cfg.Sink.Format)
	}
	if cfg.Transport.Kind != TransportOPCUA {
		t.Fatalf("expected default transport opcua, got %s", cfg.Transport.Kind)
	}
	if cfg.Transport.OPCUA.PublishInterval != 250*time.Millisecond {
		t.Fatalf("expected opcua publish interval default 250ms, got %s", cfg.Transport.OPCUA.PublishInterval)
	}
	if cfg.Analysis.CriticalSkew != 1.0 || cfg.Analysis.WarnSkew != 0.5 || cfg.Analysis.Tolerance != 0 {
		t.Fatalf("unexpected analysis defaults %+v", cfg.Analysis)
	}
	if cfg.ClockOffset != 0.5 {
		t.Fatalf("expected clock offset 0.5, got %v", cfg.ClockOffset)
	}
	if got := cfg.DataPath(); got != filepath.Join("data", "run.csv") {
		t.Fatalf("expected relative destination under data dir, got %s", got)
	}
}

func TestParseDurations(t *testing.T) {
	cfg, err := Parse([]byte(`
transport:
  kind: inproc
policy:
  connect_timeout: 2s
  status_interval: 15s
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Policy.ConnectTimeout != 2*time.Second || cfg.Policy.StatusInterval != 15*time.Second {
		t.Fatalf("unexpected policy %+v", cfg.Policy)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	if _, err := Parse([]byte("chanels: [A]\n")); err == nil {
		t.Fatalf("expected unknown key to be rejected")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"ok", func(*Config) {}, nil},
		{"conflicting sources", func(c *Config) {
			c.Channels = []string{"A"}
			c.ChannelsFile = "pvs.txt"
		}, ErrConflictingChannels},
		{"bad format", func(c *Config) { c.Sink.Format = "xml" }, errAny},
		{"postgres without conn string", func(c *Config) { c.Sink.Format = "postgres" }, errAny},
		{"bad transport", func(c *Config) { c.Transport.Kind = "ca" }, errAny},
		{"opcua without endpoint", func(c *Config) {
			c.Transport.Kind = TransportOPCUA
			c.Transport.OPCUA.Endpoint = ""
		}, errAny},
		{"inverted thresholds", func(c *Config) { c.Analysis.WarnSkew = 2 }, errAny},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Transport.Kind = TransportInproc
			tt.mutate(cfg)
			err := cfg.Validate()
			switch {
			case tt.wantErr == nil && err != nil:
				t.Fatalf("unexpected error: %v", err)
			case tt.wantErr == errAny && err == nil:
				t.Fatalf("expected an error")
			case tt.wantErr != nil && tt.wantErr != errAny && !errors.Is(err, tt.wantErr):
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

var errAny = errors.New("any error")

func TestResolveChannels(t *testing.T) {
	cfg := Default()
	cfg.Channels = []string{"TEMP", " PRESSURE ", "", "TEMP"}
	cfg.Prefix = "LAB:"

	got, err := cfg.ResolveChannels()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 2 || got[0] != "LAB:TEMP" || got[1] != "LAB:PRESSURE" {
		t.Fatalf("unexpected channels %v", got)
	}

	cfg.Channels = nil
	if _, err := cfg.ResolveChannels(); !errors.Is(err, ErrNoChannels) {
		t.Fatalf("expected ErrNoChannels, got %v", err)
	}
}

func TestLoadChannelFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pvs.txt")
	data := "# boiler\nTEMP\n\n  PRESSURE  \n#FLOW\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	names, err := LoadChannelFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(names) != 2 || names[0] != "TEMP" || names[1] != "PRESSURE" {
		t.Fatalf("unexpected names %v", names)
	}

	cfg := Default()
	cfg.ChannelsFile = path
	resolved, err := cfg.ResolveChannels()
	if err != nil || len(resolved) != 2 {
		t.Fatalf("expected file channels, got %v err=%v", resolved, err)
	}

	cfg.ChannelsFile = filepath.Join(t.TempDir(), "missing.txt")
	if _, err := cfg.ResolveChannels(); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestDataPath(t *testing.T) {
	cfg := Default()
	if cfg.DataPath() != "" || cfg.HasDestination() {
		t.Fatalf("expected no destination by default")
	}
	cfg.Destination = "/var/lib/pvflow/run.csv"
	if cfg.DataPath() != "/var/lib/pvflow/run.csv" {
		t.Fatalf("absolute destination should be kept, got %s", cfg.DataPath())
	}
	cfg.Sink.Format = "postgres"
	cfg.Sink.ConnString = "postgres://localhost/pv"
	if cfg.DataPath() != "" || !cfg.HasDestination() {
		t.Fatalf("postgres should not use a data path")
	}
}
