package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"zpowergraph/internal/backoff"
	"zpowergraph/internal/config"
	db "zpowergraph/internal/db"
	httpapi "zpowergraph/internal/httpapi"
	"zpowergraph/internal/migrate"
	power "zpowergraph/internal/modules/power"
	"zpowergraph/internal/modules/power/decoder"
	"zpowergraph/internal/modules/power/repository"
	"zpowergraph/internal/modules/power/service"
	"zpowergraph/internal/mqtt"
	"zpowergraph/internal/pipeline"
	"zpowergraph/internal/registry"
	"zpowergraph/internal/subscription"
)

// Run wires the daemon and blocks until ctx is cancelled or the HTTP server
// fails. Shutdown stops the read API first, drains the pipeline, then leaves
// the broker and finally closes the database.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	return run(ctx, cfg, logger, nil)
}

// run takes an optional pre-bound listener so tests can learn the address.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger, ln net.Listener) (err error) {
	logger.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"sqlitePath", cfg.SQLitePath,
		"sqliteMaxOpenConns", cfg.SQLiteMaxOpenConns,
		"mqttBroker", cfg.MQTTBroker,
		"mqttPort", cfg.MQTTPort,
		"mqttClientID", cfg.MQTTClientID,
		"mqttQoS", cfg.MQTTQoS,
		"devices", cfg.Devices,
		"payloadFormat", cfg.PayloadFormat,
		"queueCapacity", cfg.QueueCapacity,
		"workers", cfg.Workers,
		"idleFillAfter", cfg.IdleFillAfter,
	)

	dbConn, err := db.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(dbConn); closeErr != nil {
			logger.Error("db close", "error", closeErr)
			err = errors.Join(err, closeErr)
			return
		}
		logger.Info("database closed")
	}()

	repo, err := openStore(ctx, dbConn, logger)
	if err != nil {
		return err
	}

	reg := registry.New(cfg.Devices, time.Now())

	format, err := decoder.FormatByName(cfg.PayloadFormat)
	if err != nil {
		return err
	}
	dec, err := decoder.New(decoder.Options{
		BaseTopic:      cfg.MQTTBaseTopic,
		Format:         format,
		PowerField:     cfg.PayloadPowerField,
		EnergyField:    cfg.PayloadEnergyField,
		TimestampField: cfg.PayloadTimestampField,
		EnergyScale:    cfg.EnergyWhScale,
		ClockSkew:      cfg.ClockSkew,
	}, reg)
	if err != nil {
		return fmt.Errorf("decoder: %w", err)
	}

	coordinator := pipeline.New(dec, repo, reg, pipeline.Options{
		QueueCapacity: cfg.QueueCapacity,
		Workers:       cfg.Workers,
		MaxAttempts:   cfg.StoreMaxAttempts,
		Retry:         backoff.Store(cfg.StoreRetryBase),
	}, logger.With("component", "pipeline"))
	coordinator.Start()

	client := mqtt.NewClient(cfg, logger.With("component", "mqtt"))
	manager := subscription.NewManager(
		client,
		cfg.Topics(),
		power.IngestHandler(coordinator, logger.With("component", "ingest")),
		backoff.Reconnect(cfg.ReconnectBase, cfg.ReconnectMax),
		logger.With("component", "subscription"),
	)

	// The subscription outlives ctx so the broker is left only after the
	// pipeline drained.
	subCtx, stopSubscription := context.WithCancel(context.Background())
	defer stopSubscription()

	var background errgroup.Group
	background.Go(func() error { return manager.Run(subCtx) })

	fillCtx, stopFill := context.WithCancel(ctx)
	defer stopFill()
	if cfg.IdleFillAfter > 0 {
		filler := service.NewIdleFiller(repo, reg, cfg.IdleFillAfter, logger.With("component", "idle"))
		background.Go(func() error { return filler.Run(fillCtx) })
	}

	var (
		srv   *http.Server
		errCh = make(chan error, 1)
	)
	if cfg.HTTPEnabled() || ln != nil {
		mux := httpapi.NewMux(dbConn, manager, logger.With("component", "health"))
		power.RegisterFeature(mux, repo, reg, coordinator, logger.With("component", "api"))
		srv = httpapi.NewServer(cfg, mux, logger.With("component", "http"))

		go func() {
			if ln != nil {
				logger.Info("http listening", "addr", ln.Addr().String())
				errCh <- srv.Serve(ln)
				return
			}
			logger.Info("http listening", "addr", cfg.HTTPAddr)
			errCh <- srv.ListenAndServe()
		}()
	} else {
		logger.Info("http disabled")
	}

	var runErr error
	select {
	case <-ctx.Done():
	case serveErr := <-errCh:
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", serveErr)
		}
		srv = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if srv != nil {
		logger.Info("http shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("http server: %w", serveErr))
		}
	}

	stopFill()
	logger.Info("pipeline draining")
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}

	logger.Info("mqtt disconnecting")
	stopSubscription()
	if err := background.Wait(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(append([]error{runErr}, errs...)...)
}

// openStore migrates the database and checks the readings table. A schema this
// binary cannot work with is reported as repository.ErrSchemaMismatch.
func openStore(ctx context.Context, dbConn *sql.DB, logger *slog.Logger) (repository.ReadingRepository, error) {
	repo := repository.NewRepository(dbConn, logger.With("component", "repository"))

	if _, err := migrate.Run(ctx, dbConn, logger.With("component", "migrate")); err != nil {
		if errors.Is(err, migrate.ErrNewerSchema) {
			return nil, fmt.Errorf("%w: %w", repository.ErrSchemaMismatch, err)
		}
		// a pre-existing readings table of another shape fails the index migration
		if verr := repo.VerifySchema(ctx); errors.Is(verr, repository.ErrSchemaMismatch) {
			return nil, fmt.Errorf("%w (migrate: %w)", verr, err)
		}
		return nil, err
	}

	if err := repo.VerifySchema(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}
