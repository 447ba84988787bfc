package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/turnflow/bus"
	"github.com/petal-labs/turnflow/config"
	turnotel "github.com/petal-labs/turnflow/otel"
	"github.com/petal-labs/turnflow/runtime"
	"github.com/petal-labs/turnflow/server"
)

const defaultTenant = "default"

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the turnflow HTTP server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	cmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().String("cors-origin", "", "Allowed CORS origin (overrides server.cors_origin)")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP trace endpoint URL (overrides server.otlp_endpoint)")
	cmd.Flags().String("tls-cert", "", "TLS certificate file")
	cmd.Flags().String("tls-key", "", "TLS key file")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 0, "HTTP write timeout (0 keeps event streams open)")
	cmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	explicitConfig, _ := cmd.Flags().GetString("config")
	tlsCert, _ := cmd.Flags().GetString("tls-cert")
	tlsKey, _ := cmd.Flags().GetString("tls-key")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")

	cfg, configPath, err := config.Load(explicitConfig)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	applyServeOverrides(cmd, &cfg)

	logger := newLogger(cmd)
	if configPath != "" {
		logger.Info("loaded config", "path", configPath)
	}

	events, err := cfg.OpenEventStore()
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	defer func() {
		_ = events.Close()
	}()

	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer func() {
		_ = eb.Close()
	}()

	tracer, shutdownTracing, err := setupTracing(cmd.Context(), cfg.Server.OTLPEndpoint)
	if err != nil {
		return exitError(exitConfig, "configuring tracing: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	tracing := turnotel.NewTracingHandler(tracer)
	metrics, err := turnotel.NewMetricsHandler(otelapi.GetMeterProvider().Meter("turnflow"))
	if err != nil {
		return fmt.Errorf("initializing turn metrics: %w", err)
	}

	eng, err := buildEngine(cfg, logger, engineHooks{
		EventHandler: runtime.MultiEventHandler(
			bus.NewStoreSubscriber(events, logger).Handle,
			tracing.Handle,
			metrics.Handle,
		),
		Decorator: turnotel.Decorator(tracing),
		Bus:       eb,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = eng.Close()
	}()

	tenants := cfg.Tenants
	if len(tenants) == 0 {
		tenants = []string{defaultTenant}
	}
	if err := eng.provision(tenants...); err != nil {
		return exitError(exitConfig, "%v", err)
	}
	logger.Info("provisioned tenants", "tenants", tenants, "stages", eng.orch.Pipeline().Len())

	sweeper, err := server.NewRetentionSweeper(cfg.Events.PruneSchedule, logger, retentionJobs(cfg, events, eng)...)
	if err != nil {
		return exitError(exitConfig, "events.prune_schedule: %v", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	srv, err := server.NewServer(server.ServerConfig{
		Orchestrator: eng.orch,
		Bus:          eb,
		EventStore:   events,
		CORSOrigin:   cfg.Server.CORSOrigin,
		MaxBody:      cfg.Server.MaxBody,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("turnflow listening", "addr", cfg.Server.Addr)
		if tlsCert != "" && tlsKey != "" {
			errCh <- httpServer.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Close the bus first so open event streams end and Shutdown can drain.
		_ = eb.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

// applyServeOverrides lets command line flags win over the config file.
func applyServeOverrides(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		cfg.Server.Addr = v
	}
	if v, _ := cmd.Flags().GetString("cors-origin"); v != "" {
		cfg.Server.CORSOrigin = v
	}
	if v, _ := cmd.Flags().GetString("otlp-endpoint"); v != "" {
		cfg.Server.OTLPEndpoint = v
	}
}

// retentionJobs returns the scheduled pruning passes: the event store
// always, and conversation memory when a retention window is configured.
func retentionJobs(cfg config.Config, events config.EventStore, eng *engine) []server.PruneJob {
	jobs := []server.PruneJob{{Name: "events", Run: events.Prune}}
	if retention := cfg.Memory.Retention; retention > 0 {
		jobs = append(jobs, server.PruneJob{
			Name: "memory",
			Run: func(ctx context.Context) error {
				return eng.memory.Prune(ctx, time.Now().Add(-retention))
			},
		})
	}
	return jobs
}

// setupTracing returns the tracer for turn spans. With an endpoint, spans
// are batched to an OTLP/HTTP collector; otherwise the global provider is
// used.
func setupTracing(ctx context.Context, endpoint string) (trace.Tracer, func(context.Context) error, error) {
	if endpoint == "" {
		return otelapi.GetTracerProvider().Tracer("turnflow"), func(context.Context) error { return nil }, nil
	}
	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otelapi.SetTracerProvider(tp)
	return tp.Tracer("turnflow"), tp.Shutdown, nil
}
