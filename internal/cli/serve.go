package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/stanxii/ferrous-socks/internal/config"
	"github.com/stanxii/ferrous-socks/internal/metrics"
	"github.com/stanxii/ferrous-socks/internal/policy"
	"github.com/stanxii/ferrous-socks/internal/socks5"
	"github.com/stanxii/ferrous-socks/internal/stats"
	"github.com/stanxii/ferrous-socks/internal/telemetry"
	"github.com/stanxii/ferrous-socks/internal/web"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
	defaultConfigPath = "/etc/ferrous-socks/config.yaml"
	metricsInterval   = 5 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the SOCKS5 proxy with an optional stats/metrics listener",
	Long: `Start ferrous-socks as a long-running SOCKS5 forward proxy.

Exposes, on the separate metrics listener:
  /metrics          Prometheus scrape endpoint
  /healthz          Liveness probe
  /api/v1/snapshot  JSON snapshot of live sessions and counters`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("config", defaultConfigPath, "Path to config file")
	serveCmd.Flags().String("listen", "", "SOCKS5 listen address (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfgPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg := config.Defaults()
	if cfgPath != "" {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
		} else if cfgPath != defaultConfigPath {
			return fmt.Errorf("config file not found: %s", cfgPath)
		}
	}

	listenFlag, _ := cmd.Flags().GetString("listen") //nolint:errcheck // flag registered above
	if listenFlag != "" {
		cfg.ListenAddr = listenFlag
	}

	engine, err := policy.NewEngine(cfg.Policy)
	if err != nil {
		return fmt.Errorf("compiling policy: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelFlag, _ := cmd.Flags().GetString("otel-endpoint") //nolint:errcheck // flag registered above
	endpoint := cfg.OTelEndpoint
	if otelFlag != "" {
		endpoint = otelFlag
	}
	tracer, shutdownTracer, err := telemetry.InitTracer(ctx, endpoint, "ferrous-socks", version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer shutdownTracer(context.Background()) //nolint:errcheck // best-effort on shutdown

	reg := stats.New()
	reg.BindPolicySource(engine)

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", web.HealthzHandler())
	mux.HandleFunc("/api/v1/snapshot", web.SnapshotHandler(reg.Snapshot))
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	metricsSrv := &http.Server{
		Addr:              cfg.Metrics.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		ticker := time.NewTicker(metricsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collector.Update(reg.Snapshot(), engine.Hits())
			}
		}
	}()

	if cfg.Metrics.ListenAddr != "" {
		go func() {
			slog.Info("metrics listening", "addr", cfg.Metrics.ListenAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "err", err)
			}
		}()
	}

	proxy := &socks5.Server{
		Addr:           cfg.ListenAddr,
		Policy:         engine,
		Stats:          reg,
		Tracer:         tracer,
		ConnectTimeout: cfg.ConnectTimeout,
		SessionTimeout: cfg.SessionTimeout,
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- proxy.ListenAndServe(ctx) }()

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("socks5 server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}

	<-serveErr
	slog.Info("shutdown complete")
	return nil
}
