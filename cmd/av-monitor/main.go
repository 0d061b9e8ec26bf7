package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/Thomazoide/av-monitor/pkg/backend"
	"github.com/Thomazoide/av-monitor/pkg/config"
	"github.com/Thomazoide/av-monitor/pkg/discovery"
	"github.com/Thomazoide/av-monitor/pkg/logging"
	"github.com/Thomazoide/av-monitor/pkg/models"
	"github.com/Thomazoide/av-monitor/pkg/routes"
	"github.com/Thomazoide/av-monitor/pkg/store"
	"github.com/Thomazoide/av-monitor/pkg/tracker"
)

func main() {
	configPath := flag.String("config", "", "Path to the configuration file (yaml, toml or json)")
	autoStart := flag.Bool("scan", true, "Start scanning as soon as the service is up")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger, *autoStart); err != nil {
		logger.Error("av-monitor stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("av-monitor shut down")
}

func run(ctx context.Context, cfg *config.Configuration, logger *slog.Logger, autoStart bool) error {
	var stores store.Stores
	if cfg.NeedsDatabase() {
		db, err := store.Connect(ctx, cfg.DatabaseURL())
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.Migrate(db, logger); err != nil {
			return err
		}
		stores = store.New(db)
	}

	source, gateways, closeSource, err := buildSource(cfg.Discovery, logger)
	if err != nil {
		return err
	}
	defer closeSource()

	notifier := routes.NewDeviceNotifier()
	controller := tracker.New(tracker.Options{
		Source:         source,
		Directory:      buildDirectory(cfg, stores),
		Sink:           buildSink(cfg, stores),
		Settings:       cfg.Tracker,
		ObserverID:     cfg.ObserverID,
		Logger:         logger,
		OnChange:       notifier.NotifyDevices,
		OnStatusChange: notifier.NotifyStatus,
	})
	defer controller.Close()

	router := &routes.WebRouter{
		Scanner:        controller,
		Gateways:       gateways,
		DeviceNotifier: notifier,
	}
	if cfg.Sink.Kind == config.BackendPostgres {
		router.Visits = stores.Visits
	}
	if cfg.Directory.Kind == config.BackendPostgres {
		router.Beacons = stores.Beacons
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return router.Initialize(gctx, cfg.ListenAddr)
	})

	if autoStart {
		if err := controller.Start(gctx); err != nil {
			logger.Error("initial scan failed to start", "error", err)
		}
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-controller.Done():
			if err := controller.Err(); err != nil {
				logger.Error("scan stopped", "error", err)
			}
			<-gctx.Done()
		}
		controller.Stop()
		return nil
	})

	return g.Wait()
}

func buildSource(cfg config.DiscoverySettings, logger *slog.Logger) (tracker.Source, models.GatewayDirectory, func(), error) {
	switch cfg.Mode {
	case config.DiscoveryModeClient:
		src := discovery.NewClientSource(cfg, logger)
		return src, nil, func() { _ = src.StopScan() }, nil
	default:
		src, err := discovery.NewBrokerSource(cfg, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create broker: %w", err)
		}
		closeFn := func() {
			if err := src.Close(); err != nil {
				logger.Warn("error closing broker", "error", err)
			}
		}
		return src, src.Gateways(), closeFn, nil
	}
}

func buildDirectory(cfg *config.Configuration, stores store.Stores) tracker.Directory {
	if cfg.Directory.Kind == config.BackendPostgres {
		return &store.Directory{Beacons: stores.Beacons}
	}
	return backend.NewClient(cfg.Directory.BaseURL, cfg.Directory.Timeout, nil)
}

func buildSink(cfg *config.Configuration, stores store.Stores) tracker.Sink {
	if cfg.Sink.Kind == config.BackendPostgres {
		return &store.Sink{Visits: stores.Visits}
	}
	return backend.NewClient(cfg.Sink.BaseURL, cfg.Sink.Timeout, nil)
}
