// Package main is the entry point for the balancer binary. It dispatches two
// subcommands — serve and version — via a simple switch on os.Args so the
// binary's full CLI surface is readable in one place without requiring a
// cobra dependency. The serve command assumes it runs inside the cluster it
// orchestrates; there is no out-of-cluster mode.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108 -- pprof is NOT served on the main listener (Gin router).

	// It only serves on a dedicated internal port when cfg.Telemetry.Profiling.Enabled=true.
	// DefaultServeMux is never passed to the Gin HTTP server.
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ctf-party/balancer/internal/api"
	"github.com/ctf-party/balancer/internal/config"
	"github.com/ctf-party/balancer/internal/kube"
	"github.com/ctf-party/balancer/internal/safego"
	"github.com/ctf-party/balancer/internal/telemetry"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	switch command {
	case "serve":
		configPath := os.Getenv("CONFIG_PATH")
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return serve(cfg, configPath)
	case "version":
		fmt.Printf("ctf-party balancer v%s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, version", command)
	}
}

func serve(cfg *config.Config, configPath string) error {
	// Initialise structured logging as early as possible so all subsequent
	// output uses the configured format (json / text) and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)
	logger := slog.Default()

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if cfg.Admin.Password == "" {
		logger.Warn("admin password not configured, admin surface is disabled")
	}

	client, err := kube.NewInCluster(cfg.Workloads.DeploymentContext, cfg.Instances.APITimeout)
	if err != nil {
		return fmt.Errorf("connecting to cluster: %w", err)
	}

	// Lifecycle tunables (instance cap, idle threshold) hot-reload from the
	// config file; everything else requires a restart.
	tunables := config.NewTunableStore(cfg)
	safego.Go("config-watch", func() { tunables.Watch(configPath) })

	// Prometheus metrics live on a dedicated port: the player-facing
	// listener proxies arbitrary paths into team namespaces, so /metrics
	// must never share it.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		safego.Go("metrics-server", func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		})
	}

	// pprof on its own port, disabled by default.
	if cfg.Telemetry.Profiling.Enabled {
		pprofAddr := fmt.Sprintf(":%d", cfg.Telemetry.Profiling.Port)
		safego.Go("pprof-server", func() {
			logger.Info("starting pprof server", "addr", pprofAddr)
			srv := &http.Server{ //nolint:gosec // internal-only pprof port, long timeouts acceptable
				Addr:         pprofAddr,
				Handler:      http.DefaultServeMux, // #nosec G108 -- not the main listener; pprof-only internal port
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("pprof server error", "error", err)
			}
		})
	}

	router, bgServices, err := api.NewRouter(cfg, client, tunables, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	safego.Go("http-server", func() {
		logger.Info("server is ready to accept connections",
			"addr", cfg.Server.GetAddress(),
			"provider", cfg.Provider.Name,
			"max_instances", cfg.Instances.Max)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Stop the reaper, the activity recorder, and rate limiter goroutines
	// after in-flight requests have drained.
	bgServices.Shutdown()

	logger.Info("server stopped gracefully")
	return nil
}
