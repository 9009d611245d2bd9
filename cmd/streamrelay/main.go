package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/antoniostano/streamrelay/internal/app"
	"github.com/antoniostano/streamrelay/internal/config"
	"github.com/antoniostano/streamrelay/internal/logging"
)

func main() {
	envFile, err := config.LoadEnvFile(os.Getenv("APP_ENV_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}

	logger, logCloser, err := logging.New(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		os.Exit(2)
	}
	defer logCloser.Close()
	if envFile != "" {
		logger.WithField("file", envFile).Info("environment file loaded")
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("streamrelay exited")
		logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *logrus.Logger) error {
	ctx := context.Background()
	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.WithError(err).Warn("cleanup failed")
		}
	}()

	logger.WithFields(logrus.Fields{
		"generator":      built.Generator,
		"transcripts":    built.StoreMode,
		"buffer_size":    cfg.StreamBufferSize,
		"default_format": cfg.StreamDefaultFormat,
	}).Info("relay configured")

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	built.Streams.StartJanitor(runCtx, 5*time.Second)

	listenErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.BindAddr).Info("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("shutdown signal received")
	case err := <-listenErr:
		return fmt.Errorf("listen: %w", err)
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown failed")
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
	return nil
}
