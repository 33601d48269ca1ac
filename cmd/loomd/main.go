package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/coordinator"
	"github.com/loomhq/loom/pkg/config"
	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/logging"
	"github.com/loomhq/loom/pkg/metrics"
	"github.com/loomhq/loom/pkg/store"
)

var (
	// Version information (set by build)
	Version   = "dev"
	GitCommit = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "loomd",
	Short: "loom coordination daemon",
	Long: `loomd is the coordination core for multi-agent deployments: it
tracks agent liveness from heartbeats, hands out tasks and file locks,
and recovers the work of agents that go silent.

Run the daemon:
  loomd serve --config /etc/loom/config.yaml`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("loomd %s (%s)\n", Version, GitCommit)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger, err := logging.NewZapLogger(logging.Config{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Format: cfg.Logging.Format,
		Output: os.Stdout,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}

	var publisher events.Publisher = events.NewNopPublisher()
	if cfg.Kafka.Enabled {
		publisher = events.NewKafkaPublisher(cfg.KafkaConfig())
		logger.Info("kafka event publishing enabled",
			logging.Any("brokers", cfg.Kafka.Brokers))
	}

	var collector metrics.Collector = metrics.NewNopCollector()
	var metricsServer *http.Server
	if cfg.System.MetricsEnabled {
		prom := metrics.NewPrometheusCollector()
		if err := prom.RegisterStandardMetrics(); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		collector = prom

		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.HTTPHandler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.System.MetricsPort),
			Handler: mux,
		}
		go func() {
			logger.Info("metrics endpoint listening",
				logging.Int("port", cfg.System.MetricsPort))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", logging.Err(err))
			}
		}()
	}

	coordCfg := coordinator.DefaultConfig()
	coordCfg.Breaker = cfg.BreakerConfig("state_store")
	coordCfg.Retry = cfg.RetryConfig()
	coordCfg.Health = cfg.HealthConfig()
	coordCfg.Admission = cfg.AdmissionConfig()

	coord := coordinator.New(coordCfg, st, publisher, collector, logger)
	coord.Start(ctx)

	if cfgFile != "" {
		watcher := config.NewWatcher(cfgFile, cfg, logger)
		watcher.OnChange(func(updated *config.Config) {
			// Structural settings need a restart; say so instead of
			// silently ignoring the change.
			if updated.Store.Backend != cfg.Store.Backend ||
				updated.Kafka.Enabled != cfg.Kafka.Enabled {
				logger.Warn("store/kafka config changed, restart required to apply")
			}
		})
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config hot reload unavailable", logging.Err(err))
		} else {
			defer watcher.Stop()
		}
	}

	logger.Info("loomd started",
		logging.String("version", Version),
		logging.String("store", cfg.Store.Backend),
		logging.String("environment", cfg.System.Environment))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", logging.String("signal", sig.String()))

	cancel()
	coord.Stop()

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.System.ShutdownTimeout.Std())
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", logging.Err(err))
		}
	}

	return nil
}

func buildStore(ctx context.Context, cfg *config.Config) (store.StateStore, error) {
	switch cfg.Store.Backend {
	case "redis":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return store.NewRedisStore(connectCtx, cfg.Redis, cfg.StoreConfig())
	default:
		return store.NewMemoryStore(cfg.StoreConfig()), nil
	}
}
