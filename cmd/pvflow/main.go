package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ghalamif/pvflow"
	"github.com/ghalamif/pvflow/internal/app/config"
	"github.com/ghalamif/pvflow/internal/logging"
)

var version = "dev"

func main() {
	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 {
		switch args[0] {
		case "run", "validate", "stats":
			cmd, args = args[0], args[1:]
		case "help", "-h", "--help":
			printUsage(os.Stdout)
			return
		}
	}

	var err error
	switch cmd {
	case "run":
		err = runCommand(args)
	case "validate":
		err = validateCommand(args)
	case "stats":
		err = statsCommand(args)
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "pvflow %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

// runFlags are shared by run and validate. Values only override the config
// file when the flag was set.
type runFlags struct {
	fs *pflag.FlagSet

	config      string
	channelFile string
	prefix      string
	offset      float64
	dataFile    string
	format      string
	logFile     string
	verbose     bool
	metricsAddr string
	endpoint    string
	version     bool
}

func newRunFlags(name string) *runFlags {
	f := &runFlags{fs: pflag.NewFlagSet(name, pflag.ContinueOnError)}
	fs := f.fs
	fs.StringVarP(&f.config, "config", "c", "", "YAML configuration file")
	fs.StringVarP(&f.channelFile, "file", "f", "", "File with one channel name per line")
	fs.StringVarP(&f.prefix, "prefix", "p", "", "Prefix prepended to every channel name")
	fs.Float64VarP(&f.offset, "offset", "o", 0, "Clock offset in seconds added to source timestamps")
	fs.StringVarP(&f.dataFile, "data-file", "d", "", "Destination for records (file path or connection string)")
	fs.StringVar(&f.format, "format", "", "Record format: csv, log, sqlite or postgres")
	fs.StringVarP(&f.logFile, "log-file", "l", "", "Copy log output to this file")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "Enable debug logging")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.StringVar(&f.endpoint, "endpoint", "", "OPC UA server endpoint")
	fs.BoolVar(&f.version, "version", false, "Print version and exit")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: pvflow %s [flags] [channel ...]\n\nFlags:\n", name)
		fs.PrintDefaults()
	}
	return f
}

func (f *runFlags) parse(args []string) error {
	return f.fs.Parse(args)
}

// load builds the effective config: file values, then flag overrides, then
// validation and channel resolution.
func (f *runFlags) load() (*config.Config, error) {
	cfg := config.Default()
	if f.config != "" {
		var err error
		if cfg, err = config.Read(f.config); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	positional := f.fs.Args()
	if len(positional) > 0 && f.channelFile != "" {
		return nil, config.ErrConflictingChannels
	}
	if len(positional) > 0 {
		cfg.Channels = positional
		cfg.ChannelsFile = ""
	}
	if f.channelFile != "" {
		cfg.ChannelsFile = f.channelFile
		cfg.Channels = nil
	}

	changed := f.fs.Changed
	if changed("prefix") {
		cfg.Prefix = f.prefix
	}
	if changed("offset") {
		cfg.ClockOffset = f.offset
	}
	if changed("data-file") {
		cfg.Destination = f.dataFile
	}
	if changed("format") {
		cfg.Sink.Format = f.format
	}
	if changed("log-file") {
		cfg.Log.File = f.logFile
	}
	if f.verbose {
		cfg.Log.Level = "debug"
	}
	if changed("metrics-addr") {
		cfg.Metrics.Addr = f.metricsAddr
	}
	if changed("endpoint") {
		cfg.Transport.OPCUA.Endpoint = f.endpoint
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := cfg.ResolveChannels(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runCommand(args []string) error {
	flags := newRunFlags("run")
	if err := flags.parse(args); err != nil {
		return err
	}
	if flags.version {
		fmt.Println("pvflow", version)
		return nil
	}

	cfg, err := flags.load()
	if err != nil {
		return err
	}

	logger, closer, err := logging.Init(logging.Options{
		Level:   cfg.Log.Level,
		Verbose: flags.verbose,
		File:    cfg.Log.File,
		JSON:    cfg.Log.JSON,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	rt, err := pvflow.NewRuntime(cfg, pvflow.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = rt.Run(ctx)
	if err == nil {
		return nil
	}
	// A run that never started failed to connect; anything later is teardown.
	if rt.Stats().StartedAt.IsZero() {
		return err
	}
	logger.Warn("shutdown completed with errors", slog.String("error", err.Error()))
	return nil
}

func validateCommand(args []string) error {
	flags := newRunFlags("validate")
	if err := flags.parse(args); err != nil {
		return err
	}

	cfg, err := flags.load()
	if err != nil {
		return err
	}
	channels, _ := cfg.ResolveChannels()
	dest := "none"
	if cfg.HasDestination() {
		dest = cfg.Sink.Format + ":" + cfg.DataPath()
		if cfg.Sink.Format == "postgres" {
			dest = "postgres"
		}
	}
	fmt.Printf("config looks good: %d channels, transport %s, destination %s\n",
		len(channels), cfg.Transport.Kind, dest)
	return nil
}

func statsCommand(args []string) error {
	fs := pflag.NewFlagSet("stats", pflag.ContinueOnError)
	url := fs.String("url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(*url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

var statsMetrics = []string{
	"pvflow_records_total",
	"pvflow_value_changes_total",
	"pvflow_records_persisted_total",
	"pvflow_append_failures_total",
	"pvflow_events_dropped_total",
	"pvflow_last_sequence",
	"pvflow_channels_connected",
}

func printMetricsSnapshot(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	targets, err := scanMetrics(resp.Body, statsMetrics)
	if err != nil {
		return err
	}

	fmt.Printf("[%s] records=%.0f changes=%.0f persisted=%.0f failures=%.0f dropped=%.0f seq=%.0f channels=%.0f\n",
		time.Now().Format(time.RFC3339),
		targets["pvflow_records_total"],
		targets["pvflow_value_changes_total"],
		targets["pvflow_records_persisted_total"],
		targets["pvflow_append_failures_total"],
		targets["pvflow_events_dropped_total"],
		targets["pvflow_last_sequence"],
		targets["pvflow_channels_connected"],
	)
	return nil
}

// scanMetrics sums the samples of each named metric across all label sets in
// Prometheus text exposition.
func scanMetrics(r io.Reader, names []string) (map[string]float64, error) {
	targets := make(map[string]float64, len(names))
	for _, name := range names {
		targets[name] = 0
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, rest, ok := splitSample(line)
		if !ok {
			continue
		}
		if _, want := targets[name]; !want {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		if v, err := strconv.ParseFloat(fields[0], 64); err == nil {
			targets[name] += v
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return targets, nil
}

// splitSample separates the metric name from the value part of a sample line,
// skipping any label set.
func splitSample(line string) (name, rest string, ok bool) {
	if i := strings.IndexByte(line, '{'); i >= 0 {
		j := strings.LastIndexByte(line, '}')
		if j < i {
			return "", "", false
		}
		return line[:i], line[j+1:], true
	}
	name, rest, ok = strings.Cut(line, " ")
	return name, rest, ok
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `pvflow CLI

Usage:
  pvflow [command] [flags] [channel ...]

Commands:
  run        Monitor the given channels until interrupted (default)
  validate   Resolve flags and config without connecting
  stats      Poll the Prometheus metrics endpoint and print live counters

Examples:
  pvflow --endpoint opc.tcp://localhost:4840 'ns=2;s=TEMP' 'ns=2;s=PRESSURE' -d run.csv
  pvflow run --endpoint opc.tcp://plc:4840 -f channels.txt -p 'ns=2;s=Lab.' -o 0.25 -d run.db --format sqlite
  pvflow run -c ./data/config.yaml --metrics-addr :9100
  pvflow validate -c ./data/config.yaml
  pvflow stats --url http://localhost:9100/metrics --interval 1s
`)
}
