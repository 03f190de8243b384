// Package main is the entry point for the polis-tailfilter binary.
// It runs the tail-based telemetry filter as a service, or drives it with a
// synthetic demo workload.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/polisai/polis-tailfilter/pkg/config"
	"github.com/polisai/polis-tailfilter/pkg/demo"
	"github.com/polisai/polis-tailfilter/pkg/domain"
	"github.com/polisai/polis-tailfilter/pkg/filter"
	"github.com/polisai/polis-tailfilter/pkg/logging"
	"github.com/polisai/polis-tailfilter/pkg/otlp"
	"github.com/polisai/polis-tailfilter/pkg/server"
	"github.com/polisai/polis-tailfilter/pkg/sink"
	"github.com/polisai/polis-tailfilter/pkg/telemetry"
)

const (
	telemetryShutdownTimeout = 5 * time.Second
	gracefulShutdownTimeout  = 10 * time.Second
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-tailfilter",
		Short: "Tail-based telemetry filter",
		Long: `Buffers the telemetry of each operation until its request completes.
Telemetry of failed operations is forwarded in full; telemetry of successful
operations is discarded, except for exceptions, failed or slow dependencies
and high-severity traces, which are always forwarded.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error); overrides the configuration")
	rootCmd.PersistentFlags().Bool("pretty", false, "Human-readable log output")

	rootCmd.AddCommand(newServeCmd(), newDemoCmd(), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "polis-tailfilter %s\n", version)
			return err
		},
	}
}

// loadConfig loads the configuration named by --config (defaults plus
// environment overrides when empty) and applies logging flags.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", fmt.Errorf("failed to get config flag: %w", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	if err := applyLoggingFlags(cmd, &cfg.Logging); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func applyLoggingFlags(cmd *cobra.Command, lc *config.LoggingConfig) error {
	if cmd.Flags().Changed("log-level") {
		level, err := cmd.Flags().GetString("log-level")
		if err != nil {
			return fmt.Errorf("failed to get log-level flag: %w", err)
		}
		lc.Level = level
		if err := lc.Validate(); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("pretty") {
		pretty, err := cmd.Flags().GetBool("pretty")
		if err != nil {
			return fmt.Errorf("failed to get pretty flag: %w", err)
		}
		lc.Pretty = pretty
	}
	return nil
}

func newLogger(cfg config.LoggingConfig, out io.Writer, levelVar *slog.LevelVar) *slog.Logger {
	return logging.NewLogger(logging.Config{
		Level:    cfg.Level,
		Pretty:   cfg.Pretty,
		Output:   out,
		LevelVar: levelVar,
	})
}

// newSink is replaced in tests to observe sink lifecycle.
var newSink = buildSink

// buildSink creates the downstream stage selected by the configuration and a
// function that releases it.
func buildSink(cfg *config.Config, logger *slog.Logger) (domain.Sink, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	switch cfg.Sink.Type {
	case config.SinkLog, "":
		return sink.NewLogSink(logger), noop, nil
	case config.SinkOTLP:
		exporter, err := otlp.NewExporter(otlp.ExporterConfig{
			Endpoint:      cfg.Sink.OTLP.Endpoint,
			Insecure:      cfg.Sink.OTLP.Insecure,
			Headers:       cfg.Sink.OTLP.Headers,
			ServiceName:   cfg.Telemetry.ServiceName,
			QueueSize:     cfg.Sink.OTLP.QueueSize,
			BatchSize:     cfg.Sink.OTLP.BatchSize,
			FlushInterval: cfg.Sink.OTLP.FlushInterval,
			Timeout:       cfg.Sink.OTLP.Timeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return exporter, exporter.Shutdown, nil
	case config.SinkNATS:
		nc, err := sink.DialNATS(cfg.Sink.NATS.URL, "polis-tailfilter", logger)
		if err != nil {
			return nil, nil, err
		}
		return sink.NewNATSSink(nc, cfg.Sink.NATS.Subject), func(context.Context) error { return nc.Drain() }, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown sink type %q", domain.ErrConfigInvalid, cfg.Sink.Type)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the filter service",
		Long: `Accepts telemetry over OTLP/gRPC and HTTP JSON, filters it per operation and
forwards the kept items to the configured sink (log, otlp or nats).

When --config is given the file is watched; log level changes apply
immediately, other changes require a restart.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var updates <-chan *config.Config
			if path != "" {
				provider, err := config.NewFileConfigProvider(path, newLogger(cfg.Logging, cmd.ErrOrStderr(), nil))
				if err != nil {
					return err
				}
				defer provider.Close()
				updates = provider.Subscribe()
			}

			return runServe(ctx, cfg, updates, cmd.ErrOrStderr())
		},
	}
}

// runServe runs the service until ctx is cancelled.
func runServe(ctx context.Context, cfg *config.Config, updates <-chan *config.Config, logOut io.Writer) error {
	levelVar := new(slog.LevelVar)
	logger := newLogger(cfg.Logging, logOut, levelVar)
	slog.SetDefault(logger)

	next, closeSink, err := newSink(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer closeCancel()
		if err := closeSink(closeCtx); err != nil {
			logger.Error("Sink shutdown error", "error", err)
		}
	}()

	opts, err := cfg.Filter.Options()
	if err != nil {
		return err
	}
	processor, err := filter.NewProcessor(next, opts, logger)
	if err != nil {
		return err
	}

	var metrics *server.Metrics
	telemetryCfg := telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	}
	if cfg.Server.HTTPAddress != "" {
		metrics = server.NewMetrics(processor.Stats)
		telemetryCfg.Registerer = metrics.Registry()
	}
	telemetryShutdown, err := telemetry.SetupProvider(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer shutdownTelemetry(telemetryShutdown, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	go func() {
		if err := processor.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("filter sweeper: %w", err)
		}
	}()

	var httpSrv *http.Server
	if cfg.Server.HTTPAddress != "" {
		httpSrv, err = startHTTPServer(cfg.Server.HTTPAddress, server.NewHandler(processor, metrics, logger), logger, errCh)
		if err != nil {
			return err
		}
	}

	var grpcSrv *grpc.Server
	if cfg.Server.OTLPGRPCAddress != "" {
		grpcSrv, err = startGRPCServer(cfg.Server.OTLPGRPCAddress, otlp.NewReceiver(processor, logger), logger, errCh)
		if err != nil {
			if httpSrv != nil {
				_ = httpSrv.Close()
			}
			return err
		}
	}

	logger.Info("Tail filter started",
		"version", version,
		"sink", cfg.Sink.Type,
		"http_addr", cfg.Server.HTTPAddress,
		"otlp_grpc_addr", cfg.Server.OTLPGRPCAddress,
	)

	go watchConfig(runCtx, cfg, updates, levelVar, logger)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case runErr = <-errCh:
		logger.Error("Server failed", "error", runErr)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer shutdownCancel()

	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP shutdown error", "error", err)
		}
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}

	stats := processor.Stats()
	logger.Info("Filter stopped",
		"received", stats.Received,
		"forwarded", forwardedTotal(stats),
		"discarded", stats.Discarded,
		"pending_operations", stats.PendingOperations,
		"pending_items", stats.PendingItems,
	)
	return runErr
}

// forwardedTotal counts every item the processor passed downstream.
func forwardedTotal(stats filter.Stats) uint64 {
	return stats.Forwarded + stats.Flushed + stats.LateForwarded
}

func startHTTPServer(addr string, handler http.Handler, logger *slog.Logger, errCh chan<- error) (*http.Server, error) {
	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen http %s: %w", addr, err)
	}
	logger.Info("HTTP server listening", "addr", listener.Addr().String())

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	return srv, nil
}

func startGRPCServer(addr string, receiver *otlp.Receiver, logger *slog.Logger, errCh chan<- error) (*grpc.Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen otlp grpc %s: %w", addr, err)
	}

	srv := grpc.NewServer()
	receiver.Register(srv)
	logger.Info("OTLP gRPC receiver listening", "addr", listener.Addr().String())

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("otlp grpc server: %w", err)
		}
	}()
	return srv, nil
}

// watchConfig applies log level changes from reloaded configuration. Filter,
// sink and listener settings are fixed for the lifetime of the process.
func watchConfig(ctx context.Context, current *config.Config, updates <-chan *config.Config, levelVar *slog.LevelVar, logger *slog.Logger) {
	if updates == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-updates:
			if !ok {
				return
			}
			applyConfigUpdate(current, next, levelVar, logger)
			current = next
		}
	}
}

func applyConfigUpdate(current, next *config.Config, levelVar *slog.LevelVar, logger *slog.Logger) {
	if level := logging.ParseLevel(next.Logging.Level); level != levelVar.Level() {
		levelVar.Set(level)
		logger.Info("Log level changed", "level", level.String())
	}
	if current.Filter != next.Filter ||
		current.Server != next.Server ||
		!reflect.DeepEqual(current.Sink, next.Sink) {
		logger.Warn("Filter, server or sink settings changed; restart to apply them")
	}
}

func shutdownTelemetry(shutdown func(context.Context) error, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Error("Telemetry shutdown error", "error", err)
	}
}

func newDemoCmd() *cobra.Command {
	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a synthetic workload through the filter and print a summary",
		Long: `Runs concurrent synthetic operations through the filter. Each operation logs
verbose traces, calls a dummy dependency and completes its request; every
--fail-every-th operation fails with an exception. Filter settings come from
--config when given.`,
		RunE: runDemo,
	}

	defaults := demo.DefaultConfig()
	demoCmd.Flags().Int("operations", defaults.Operations, "Number of operations to run")
	demoCmd.Flags().Int("concurrency", defaults.Concurrency, "Maximum concurrent operations")
	demoCmd.Flags().Int("fail-every", defaults.FailEvery, "Fail every Nth operation (0 disables failures)")
	demoCmd.Flags().Duration("max-delay", defaults.MaxDelay, "Maximum simulated dependency latency")
	demoCmd.Flags().Bool("print-items", false, "Log every forwarded item")
	return demoCmd
}

func demoConfigFromFlags(cmd *cobra.Command) (demo.Config, bool, error) {
	var (
		cfg demo.Config
		err error
	)
	flags := cmd.Flags()
	if cfg.Operations, err = flags.GetInt("operations"); err != nil {
		return cfg, false, err
	}
	if cfg.Concurrency, err = flags.GetInt("concurrency"); err != nil {
		return cfg, false, err
	}
	if cfg.FailEvery, err = flags.GetInt("fail-every"); err != nil {
		return cfg, false, err
	}
	if cfg.MaxDelay, err = flags.GetDuration("max-delay"); err != nil {
		return cfg, false, err
	}
	printItems, err := flags.GetBool("print-items")
	if err != nil {
		return cfg, false, err
	}
	cfg.Seed = uint64(time.Now().UnixNano())
	return cfg, printItems, nil
}

func runDemo(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	demoCfg, printItems, err := demoConfigFromFlags(cmd)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging, cmd.ErrOrStderr(), nil)

	counter := &sink.Counter{Next: domain.Discard}
	if printItems {
		counter.Next = sink.NewLogSink(logger)
	}

	opts, err := cfg.Filter.Options()
	if err != nil {
		return err
	}
	processor, err := filter.NewProcessor(counter, opts, logger)
	if err != nil {
		return err
	}

	res, err := demo.Run(cmd.Context(), processor, demoCfg, logger)
	if err != nil {
		return err
	}

	return writeDemoSummary(cmd.OutOrStdout(), res, counter, processor.Stats())
}

func writeDemoSummary(w io.Writer, res demo.Result, counter *sink.Counter, stats filter.Stats) error {
	kept := counter.Total()
	reduction := 0.0
	if res.Items > 0 {
		reduction = 100 * (1 - float64(kept)/float64(res.Items))
	}

	_, err := fmt.Fprintf(w, `operations:  %d (%d failed)
generated:   %d items in %s
forwarded:   %d items (%.1f%% reduction)
  request:    %d
  exception:  %d
  dependency: %d
  trace:      %d
  other:      %d
discarded:   %d
pending:     %d items in %d operations
`,
		res.Operations, res.Failed,
		res.Items, res.Elapsed.Round(time.Millisecond),
		kept, reduction,
		counter.Count(domain.KindRequest),
		counter.Count(domain.KindException),
		counter.Count(domain.KindDependency),
		counter.Count(domain.KindTrace),
		counter.Count(domain.KindOther),
		stats.Discarded,
		stats.PendingItems, stats.PendingOperations,
	)
	return err
}
