// Command enose-collector keeps a BLE subscription to the e-nose open and
// appends every decoded packet to a CSV file or a Postgres table.
//
// Usage:
//
//	enose-collector [-config path] [-o output.csv] [-init]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/enose-collector/internal/ble"
	"github.com/chaz8081/enose-collector/internal/collector"
	"github.com/chaz8081/enose-collector/internal/config"
	"github.com/chaz8081/enose-collector/internal/metrics"
	"github.com/chaz8081/enose-collector/internal/schema"
	"github.com/chaz8081/enose-collector/internal/sink"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/enose-collector/config.yaml)")
	output := flag.String("o", "", "CSV output path (overrides output.path and selects the csv driver)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
			return
		}
		log.Printf("Wrote default config to %s", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *output != "" {
		cfg.Output.Driver = config.DriverCSV
		cfg.Output.Path = *output
	}
	if cfg.Output.Driver == config.DriverCSV && cfg.Output.Path == "" {
		cfg.Output.Path = config.DefaultOutputPath(cfg.Schema.Layout, time.Now())
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	s, err := cfg.BuildSchema()
	if err != nil {
		log.Fatalf("schema: %v", err)
	}

	printBanner(cfg, s)

	snk, err := openSink(cfg)
	if err != nil {
		log.Fatalf("output: %v", err)
	}

	m := metrics.New(nil)
	col, err := prepareOutput(s, snk, m)
	if err != nil {
		log.Fatalf("output: %v", err)
	}

	opts := cfg.ManagerOptions()
	opts.Observer = m
	mgr, err := ble.NewManager(ble.NewTinyGoAdapter(), col, opts)
	if err != nil {
		snk.Close()
		log.Fatalf("ble: %v", err)
	}

	// A busy or malformed metrics address is a startup error.
	var metricsLn net.Listener
	if cfg.Metrics.Addr != "" {
		metricsLn, err = metrics.Listen(cfg.Metrics.Addr)
		if err != nil {
			snk.Close()
			log.Fatalf("metrics: %v", err)
		}
	}

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mgr.Run(gctx)
	})
	if metricsLn != nil {
		g.Go(func() error {
			return serveMetrics(gctx, m, metricsLn)
		})
	}

	log.Println("Collecting. Ctrl+C to quit.")
	if err := g.Wait(); err != nil {
		log.Printf("ERROR: %v", err)
	}
	if err := snk.Close(); err != nil {
		log.Printf("ERROR: closing output: %v", err)
	}

	st := col.Stats()
	log.Printf("Stopped: %d records written, %d packets dropped, %d lost to sink errors", st.Written, st.Dropped, st.Failed)
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// prepareOutput ensures the sink header and builds the collector. The sink is
// closed when preparation fails.
func prepareOutput(s *schema.Schema, snk sink.Sink, m collector.Metrics) (*collector.Collector, error) {
	col := collector.New(s, snk, collector.Options{Metrics: m})
	if err := col.Prepare(); err != nil {
		if cerr := snk.Close(); cerr != nil {
			slog.Warn("[SINK] close after failed prepare", "error", cerr)
		}
		return nil, err
	}
	return col, nil
}

// serveMetrics runs the metrics endpoint. Failures are logged and swallowed
// so they never cancel the collection loop sharing the errgroup.
func serveMetrics(ctx context.Context, m *metrics.Metrics, ln net.Listener) error {
	if err := m.Serve(ctx, ln); err != nil {
		slog.Error("[METRICS] endpoint stopped, collection continues", "error", err)
	}
	return nil
}

func openSink(cfg *config.Config) (sink.Sink, error) {
	switch cfg.Output.Driver {
	case config.DriverPostgres:
		return sink.OpenPostgres(cfg.Output.DSN, cfg.Output.Table)
	default:
		return sink.NewCSV(cfg.Output.Path), nil
	}
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, s *schema.Schema) {
	fmt.Println("=== enose-collector ===")
	fmt.Printf("  Device:  %s\n", cfg.Device.Name)
	fmt.Printf("  Scan:    timeout %s, backoff %s\n", cfg.Scan.Timeout, cfg.Scan.Backoff)
	fmt.Printf("  Layout:  %s (%d fields, %d bytes)\n", s.Name(), s.Len(), s.Size())
	if s.Name() == schema.LayoutLockIn {
		freqs := make([]string, len(cfg.Schema.FrequenciesHz))
		for i, f := range cfg.Schema.FrequenciesHz {
			freqs[i] = fmt.Sprintf("%dHz", f)
		}
		fmt.Printf("  Sweep:   %s x %d channels\n", strings.Join(freqs, ","), cfg.Schema.Channels)
	}
	switch cfg.Output.Driver {
	case config.DriverPostgres:
		fmt.Printf("  Output:  postgres table %s\n", cfg.Output.Table)
	default:
		fmt.Printf("  Output:  %s\n", cfg.Output.Path)
	}
	if cfg.Metrics.Addr != "" {
		fmt.Printf("  Metrics: %s/metrics\n", cfg.Metrics.Addr)
	}
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("=======================")
}
