// Command ingestd runs the upload ingestion gateway: a resumable upload
// endpoint staging bodies on local disk, the workers moving completed
// uploads into the object store, and the operator surface for health,
// debugging and metrics.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/wedocs/ingestd/pkg/config"
	"github.com/wedocs/ingestd/pkg/finalizer"
	"github.com/wedocs/ingestd/pkg/handler"
	"github.com/wedocs/ingestd/pkg/memorylocker"
	"github.com/wedocs/ingestd/pkg/objstore"
	"github.com/wedocs/ingestd/pkg/operator"
	"github.com/wedocs/ingestd/pkg/stagingstore"
)

const (
	ensureBucketTimeout = 10 * time.Second
	shutdownTimeout     = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("ConfigInvalid")
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)

	if err := os.MkdirAll(cfg.StorageDir, os.FileMode(0754)); err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.StorageDir).Msg("StagingDirUnavailable")
	}

	store := stagingstore.New(cfg.StorageDir)
	locker := memorylocker.New()

	composer := handler.NewStoreComposer()
	store.UseIn(composer)
	locker.UseIn(composer)

	uploadHandler, err := handler.NewHandler(handler.Config{
		StoreComposer:           composer,
		MaxSize:                 cfg.MaxUploadSize,
		BasePath:                cfg.TusPath,
		NotifyFinishedUploads:   true,
		FinishedUploadsBuffer:   cfg.FinalizeWorkers,
		RespectForwardedHeaders: true,
		Logger:                  &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("HandlerSetupFailed")
	}

	remote, err := objstore.New(objstore.Config{
		Endpoint:  cfg.MinioEndpoint,
		Port:      cfg.MinioPort,
		UseSSL:    cfg.MinioUseSSL,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("ObjectStoreSetupFailed")
	}

	registry := finalizer.NewFailureRegistry()
	fin := finalizer.New(store, remote, registry, logger, finalizer.Config{
		Workers:      cfg.FinalizeWorkers,
		ReapInterval: cfg.AssemblyReapInterval,
		StaleAfter:   cfg.AssemblyStaleAfter,
	})

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	workersDone := make(chan struct{})
	go func() {
		fin.Run(workerCtx, uploadHandler.FinishedUploads)
		close(workersDone)
	}()
	go fin.RunReaper(workerCtx)

	// An unreachable object store must not prevent startup. Uploads keep
	// staging and /health/minio reports the connection state.
	bucketCtx, cancelBucket := context.WithTimeout(context.Background(), ensureBucketTimeout)
	if err := remote.EnsureBucket(bucketCtx); err != nil {
		logger.Warn().Err(err).Str("bucket", remote.Bucket()).Msg("BucketUnavailable")
	}
	cancelBucket()

	op := operator.New(store, fin, registry, remote, logger)

	mux := http.NewServeMux()
	mux.Handle("/", op.Routes())

	// Mount the upload handler both with and without a trailing slash, so
	// creation requests to the bare prefix are not redirected.
	prefix := strings.TrimSuffix(cfg.TusPath, "/")
	mux.Handle(prefix+"/", http.StripPrefix(prefix+"/", uploadHandler))
	mux.Handle(prefix, http.StripPrefix(prefix, uploadHandler))

	if cfg.ExposeMetrics {
		operator.SetupMetrics(mux, cfg.MetricsPath, uploadHandler.Metrics, fin.Metrics)
	}
	if cfg.PprofPath != "" {
		if err := operator.SetupPprof(mux, cfg.PprofPath, cfg.PprofAuth, cfg.PprofBlockProfileRate, cfg.PprofMutexProfileRate); err != nil {
			logger.Fatal().Err(err).Msg("PprofSetupFailed")
		}
	}

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}
	server.RegisterOnShutdown(uploadHandler.InterruptRequestHandling)

	go func() {
		logger.Info().
			Str("addr", server.Addr).
			Str("basePath", cfg.TusPath).
			Str("stagingDir", cfg.StorageDir).
			Int("workers", cfg.FinalizeWorkers).
			Msg("ServerStarted")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("ServerFailed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("ShutdownStarted")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("ShutdownIncomplete")
	}

	// All requests have returned, so nothing sends on the channel anymore.
	// Closing it lets the workers drain the queued descriptors and exit.
	close(uploadHandler.FinishedUploads)
	select {
	case <-workersDone:
	case <-time.After(shutdownTimeout):
		logger.Warn().Msg("WorkersStillBusy")
	}
	stopWorkers()

	logger.Info().Msg("ServerStopped")
}

func newLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
	if format == "console" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return logger
}
