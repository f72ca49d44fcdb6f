package cli

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"seqruncore/internal/archive"
	"seqruncore/internal/config"
	"seqruncore/internal/core"
	"seqruncore/internal/events"
	"seqruncore/internal/infra/bus/eventbridge"
	"seqruncore/internal/infra/bus/sqs"
	"seqruncore/internal/infra/persistence/memory"
	"seqruncore/internal/infra/persistence/postgres"
	"seqruncore/internal/infra/persistence/sqlite"
	"seqruncore/internal/infra/runfiles"
)

// NewServeCommand creates the serve subcommand: it builds the store, bus,
// archive and metrics from configuration, then runs the queue consumer until
// SIGINT/SIGTERM.
func NewServeCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the event consumer and metrics listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.ConfigPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, root.Verbose)
		},
	}
}

func runServe(ctx context.Context, cfg config.Config, verbose bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := core.SlogLogger{L: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc, closeFn, err := buildService(ctx, cfg, logger, registry)
	if err != nil {
		return err
	}
	defer closeFn()

	if cfg.Queue.URL == "" {
		return errors.New("queue url required (queue.url or SEQRUNCORE_SQS_QUEUE_URL)")
	}
	consumer, err := sqs.New(ctx, sqs.Config{
		QueueURL:    cfg.Queue.URL,
		Region:      cfg.Queue.Region,
		Endpoint:    cfg.Queue.Endpoint,
		WaitSeconds: cfg.Queue.WaitSeconds,
		BatchSize:   cfg.Queue.BatchSize,
	}, svc)
	if err != nil {
		return err
	}
	consumer.SetLogger(logger)

	var metricsServer *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		mux.Handle("/debug/vars", expvar.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics listener started", "addr", cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	logger.Info("consumer started", "queue_url", cfg.Queue.URL, "storage_driver", cfg.Storage.Driver)
	err = consumer.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	logger.Info("consumer stopped")
	return err
}

// buildService assembles the core service from configuration. The returned
// close function releases the store.
func buildService(ctx context.Context, cfg config.Config, logger core.Logger, registry prometheus.Registerer) (*core.Service, func(), error) {
	engine := core.NewDefaultRulesEngine()

	var store core.PersistentStore
	var closeFn = func() {}
	switch cfg.Storage.Driver {
	case "memory":
		store = memory.NewStore(engine)
	case "sqlite", "":
		s, err := sqlite.NewStore(cfg.Storage.SQLitePath, engine)
		if err != nil {
			return nil, nil, err
		}
		store, closeFn = s, func() { _ = s.Close() }
	case "postgres":
		s, err := postgres.NewStore(cfg.Storage.PostgresDSN, engine)
		if err != nil {
			return nil, nil, err
		}
		store, closeFn = s, func() { _ = s.Close() }
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %s", cfg.Storage.Driver)
	}

	var bus events.Bus
	if cfg.Events.DryRun {
		bus = events.NewMemoryBus()
	} else if cfg.Events.BusName != "" {
		eb, err := eventbridge.New(ctx, eventbridge.Config{
			Region:   cfg.Events.Region,
			Endpoint: cfg.Events.Endpoint,
		})
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		bus = eb
	}

	opts := []core.Option{
		core.WithLogger(logger),
		core.WithRunFileFetcher(runfiles.NewClient(runfiles.WithToken(cfg.Vendor.Token))),
	}
	if registry != nil {
		opts = append(opts, core.WithMetricsRecorder(core.NewPrometheusMetricsRecorder(registry)))
	}
	if bus != nil {
		opts = append(opts, core.WithPublisher(events.NewPublisher(bus, cfg.Events.BusName)))
	}
	if cfg.Archive.Driver != "" {
		archiveStore, err := openArchive(ctx, cfg.Archive)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		opts = append(opts, core.WithSheetArchive(archive.NewSheetWriter(archiveStore)))
	}

	return core.NewService(store, opts...), closeFn, nil
}

func openArchive(ctx context.Context, cfg config.ArchiveConfig) (archive.Store, error) {
	switch archive.Driver(cfg.Driver) {
	case archive.DriverMemory:
		return archive.NewMemory(), nil
	case archive.DriverFilesystem:
		return archive.NewFilesystem(cfg.Root)
	case archive.DriverS3:
		return archive.NewS3(ctx, archive.S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
		})
	default:
		return nil, fmt.Errorf("unknown archive driver %s", cfg.Driver)
	}
}
