package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/FairForge/assetvault/internal/blob"
	"github.com/FairForge/assetvault/internal/config"
	"github.com/FairForge/assetvault/internal/docstore"
	"github.com/FairForge/assetvault/internal/events"
	"github.com/FairForge/assetvault/internal/health"
	"github.com/FairForge/assetvault/internal/metrics"
	"github.com/FairForge/assetvault/internal/persist"
	"github.com/FairForge/assetvault/internal/pipeline"
	"github.com/FairForge/assetvault/internal/resilience"
	"github.com/FairForge/assetvault/internal/sanitize"
	"github.com/FairForge/assetvault/internal/transform"
	"go.uber.org/zap"
)

// app holds every component one process needs
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	bus      *events.MemoryBus
	registry *resilience.Registry
	metrics  *metrics.Metrics
	monitor  *health.Monitor
	blobs    *blob.Client
	store    docstore.Store
	pipeline *pipeline.Pipeline
	closers  []func() error
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.bus = events.NewMemoryBus(events.WithMaxEvents(cfg.Events.MaxEvents), events.WithLogger(logger))
	a.metrics = metrics.New()
	if err := a.metrics.Attach(a.bus); err != nil {
		return nil, err
	}

	a.registry, err = resilience.NewRegistry(cfg.Breaker,
		resilience.WithRegistryLogger(logger),
		resilience.WithStateListener(a.metrics.OnBreakerTransition))
	if err != nil {
		return nil, err
	}
	a.monitor, err = health.NewMonitor(a.registry,
		health.WithThresholds(cfg.Health.Thresholds),
		health.WithEventBus(a.bus),
		health.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	exec, err := resilience.NewExecutor(a.registry,
		resilience.WithRetryPolicy(cfg.Retry),
		resilience.WithObserver(a.metrics),
		resilience.WithObserver(a.monitor),
		resilience.WithExecutorLogger(logger))
	if err != nil {
		return nil, err
	}

	driver, err := a.openBlobDriver(ctx)
	if err != nil {
		return nil, err
	}
	clientOpts := []blob.ClientOption{
		blob.WithKeyPrefix(cfg.Blob.KeyPrefix),
		blob.WithClassifier(blob.NewClassifier(cfg.Blob.OwnedPrefixes, cfg.Blob.ExternalHosts)),
		blob.WithClientLogger(logger),
	}
	if cfg.Blob.UploadRate > 0 {
		clientOpts = append(clientOpts, blob.WithUploadRate(cfg.Blob.UploadRate, cfg.Blob.UploadBurst))
	}
	a.blobs = blob.NewClient(driver, clientOpts...)

	a.store, err = a.openDocstore(ctx)
	if err != nil {
		return nil, err
	}

	tr, err := transform.New(a.blobs, exec,
		transform.WithPoolSize(cfg.Blob.PoolSize),
		transform.WithUploadTimeout(cfg.Blob.UploadTimeout),
		transform.WithEventBus(a.bus),
		transform.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	coordOpts := []persist.Option{
		persist.WithClassifier(a.blobs.Classifier()),
		persist.WithTimeout(cfg.Docstore.Timeout),
		persist.WithEventBus(a.bus),
		persist.WithLogger(logger),
	}
	if cfg.Docstore.VerifyBlobs {
		coordOpts = append(coordOpts, persist.WithBlobVerification(a.blobs))
	}
	coord, err := persist.New(a.store, exec, coordOpts...)
	if err != nil {
		return nil, err
	}

	sanitizer, err := sanitize.New(cfg.Sanitize)
	if err != nil {
		return nil, err
	}
	a.pipeline, err = pipeline.New(tr, sanitizer, coord,
		pipeline.WithEventBus(a.bus),
		pipeline.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	a.registerProbes()
	return a, nil
}

func (a *app) openBlobDriver(ctx context.Context) (blob.Driver, error) {
	var driver blob.Driver
	switch a.cfg.Blob.Driver {
	case config.BlobLocal:
		if err := os.MkdirAll(a.cfg.Blob.LocalPath, 0750); err != nil {
			return nil, fmt.Errorf("create blob directory: %w", err)
		}
		driver = blob.NewLocalDriver(a.cfg.Blob.LocalPath, a.logger)
	case config.BlobS3:
		s3, err := blob.NewS3Driver(ctx, a.cfg.Blob.S3, a.logger)
		if err != nil {
			return nil, fmt.Errorf("create s3 driver: %w", err)
		}
		driver = s3
	default:
		driver = blob.NewMemoryDriver()
	}

	if a.cfg.Blob.Compression > 0 {
		compressed, err := blob.NewCompressedDriver(driver, a.cfg.Blob.Compression)
		if err != nil {
			return nil, err
		}
		driver = compressed
	}
	a.logger.Info("blob driver ready",
		zap.String("driver", driver.Name()),
		zap.Int("compression", a.cfg.Blob.Compression))
	return driver, nil
}

func (a *app) openDocstore(ctx context.Context) (docstore.Store, error) {
	maxBytes := a.cfg.Docstore.MaxRecordBytes
	switch a.cfg.Docstore.Driver {
	case config.DocSQLite:
		s, err := docstore.OpenSQLite(ctx, a.cfg.Docstore.SQLitePath, maxBytes, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case config.DocPostgres:
		s, err := docstore.OpenPostgres(ctx, a.cfg.Docstore.Postgres, maxBytes, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		if err := s.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate documents: %w", err)
		}
		return s, nil
	}
	return docstore.NewMemoryStore(docstore.WithMemoryMaxBytes(maxBytes)), nil
}

// registerProbes lets the monitor close a breaker once its backend
// answers again.
func (a *app) registerProbes() {
	blobProbe := func(ctx context.Context) error { return a.blobs.HealthCheck(ctx) }
	a.monitor.RegisterProbe(transform.OpBlobPut, blobProbe)
	a.monitor.RegisterProbe(persist.OpBlobResolve, blobProbe)

	if p, ok := a.store.(docstore.Pinger); ok {
		for _, op := range []string{persist.OpGet, persist.OpWrite, persist.OpVerify} {
			a.monitor.RegisterProbe(op, p.Ping)
		}
	}
}

// Close releases store connections in reverse order of opening
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
