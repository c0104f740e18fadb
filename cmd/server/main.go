package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/fieldsync/internal/api"
	"github.com/example/fieldsync/internal/backup"
	"github.com/example/fieldsync/internal/broadcast"
	"github.com/example/fieldsync/internal/config"
	"github.com/example/fieldsync/internal/observability"
	"github.com/example/fieldsync/internal/queue"
	"github.com/example/fieldsync/internal/reachability"
	"github.com/example/fieldsync/internal/remote"
	"github.com/example/fieldsync/internal/storage"
	syncstate "github.com/example/fieldsync/internal/sync"
	"github.com/example/fieldsync/internal/types"
	"github.com/example/fieldsync/internal/ws"
)

// remoteStore is a delivery target that can also be probed.
type remoteStore interface {
	syncstate.Inserter
	reachability.Prober
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Str("device", cfg.DeviceID).Logger()
	if err := observability.RegisterDeviceCollectors(prometheus.DefaultRegisterer, observability.DeviceInfo{
		DeviceID:       cfg.DeviceID,
		StorageBackend: cfg.StorageBackend,
		RemoteDriver:   cfg.RemoteDriver,
		DataDir:        cfg.DataDir,
	}); err != nil {
		logger.Fatal().Err(err).Msg("failed to register device metrics")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		DeviceID:     cfg.DeviceID,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	kv, closeKV, err := openStorage(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open device storage")
	}
	defer closeKV()

	rem, err := openRemote(ctx, cfg, resources, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure remote store")
	}

	incidents, err := queue.Open[types.Incident](ctx, kv, rem, logger, queue.WithAttemptTimeout(cfg.SyncTimeout), queue.WithBuffer(cfg.SyncBacklog))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load incident ledger")
	}
	distributions, err := queue.Open[types.Distribution](ctx, kv, rem, logger, queue.WithAttemptTimeout(cfg.SyncTimeout), queue.WithBuffer(cfg.SyncBacklog))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load distribution ledger")
	}
	incidents.Start(ctx)
	distributions.Start(ctx)
	replayers := []queue.Replayer{incidents, distributions}

	gateway := ws.NewGateway(func() []types.Status {
		return []types.Status{incidents.Status(), distributions.Status()}
	}, logger, ws.GatewayConfig{})
	incidents.Subscribe(gateway.PublishStatus)
	distributions.Subscribe(gateway.PublishStatus)

	if resources.Redis != nil {
		publisher := broadcast.NewRedisPublisher(resources.Redis, cfg.DeviceID, logger)
		publisher.Start(ctx)
		incidents.Subscribe(publisher.Notify)
		distributions.Subscribe(publisher.Notify)
		logger.Info().Str("channel", broadcast.Channel(cfg.DeviceID)).Msg("status broadcast enabled")
	}

	if resources.Object != nil {
		sources := []backup.Source{incidents, distributions}
		backup.NewWorker(sources, resources.Object, cfg.ObjectBucket, cfg.DeviceID, cfg.BackupInterval, logger).Start(ctx)
		logger.Info().Str("bucket", cfg.ObjectBucket).Dur("interval", cfg.BackupInterval).Msg("ledger backup enabled")
	}

	monitor := reachability.NewMonitor(rem, logger, reachability.WithInterval(cfg.ProbeInterval), reachability.WithProbeTimeout(cfg.SyncTimeout))
	monitor.Register(replayers...)
	monitor.OnChange(gateway.PublishReachability)
	monitor.Start(ctx)

	handler := api.New(incidents, distributions, logger,
		api.WithReachability(monitor.Online),
		api.WithStatusStream(gateway),
	)
	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: handler.Routes(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	for _, r := range replayers {
		s := r.Status()
		logger.Info().Str("kind", string(s.Kind)).Int("total", s.Total).Int("pending", s.Pending).Msg("ledger loaded")
	}

	go func() {
		ticker := time.NewTicker(cfg.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(ctx); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown")
	}

	done := make(chan struct{})
	go func() {
		incidents.Close()
		distributions.Close()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().
			Int("pending_incidents", incidents.PendingCount()).
			Int("pending_distributions", distributions.PendingCount()).
			Msg("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Error().Err(shutdownCtx.Err()).Msg("forced shutdown")
	}
}

func openStorage(cfg config.Config) (storage.KV, func(), error) {
	switch cfg.StorageBackend {
	case config.StorageSQLite:
		db, err := storage.OpenSQLite(filepath.Join(cfg.DataDir, "fieldsync.db"))
		if err != nil {
			return nil, nil, err
		}
		return storage.Instrument(db, cfg.StorageBackend), func() { _ = db.Close() }, nil
	case config.StorageFile:
		f, err := storage.NewFile(filepath.Join(cfg.DataDir, "ledgers"))
		if err != nil {
			return nil, nil, err
		}
		return storage.Instrument(f, cfg.StorageBackend), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

func openRemote(ctx context.Context, cfg config.Config, res *config.Resources, logger zerolog.Logger) (remoteStore, error) {
	switch cfg.RemoteDriver {
	case config.RemotePostgres:
		pg := remote.NewPostgres(res.Postgres)
		// The device may start offline; the schema is applied on a later run.
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Warn().Err(err).Msg("remote schema not verified")
		}
		return pg, nil
	case config.RemoteREST:
		rest, err := remote.NewREST(cfg.RemoteURL, cfg.RemoteAPIKey, &http.Client{Timeout: cfg.SyncTimeout})
		if err != nil {
			return nil, err
		}
		return rest, nil
	case config.RemoteMemory:
		logger.Warn().Msg("using in-process remote store; records never leave this process")
		return remote.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown remote driver %q", cfg.RemoteDriver)
	}
}
