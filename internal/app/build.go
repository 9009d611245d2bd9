package app

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/antoniostano/streamrelay/internal/config"
	"github.com/antoniostano/streamrelay/internal/generator"
	"github.com/antoniostano/streamrelay/internal/httpapi"
	"github.com/antoniostano/streamrelay/internal/logging"
	"github.com/antoniostano/streamrelay/internal/observability"
	"github.com/antoniostano/streamrelay/internal/relay"
	"github.com/antoniostano/streamrelay/internal/session"
	"github.com/antoniostano/streamrelay/internal/transcript"
)

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Streams   *session.Manager
	Relay     *relay.Service
	Metrics   *observability.Metrics
	Generator string
	StoreMode string

	// Cleanup should be called on shutdown to release external resources (DB pool).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (*BuildResult, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	gen, err := generator.New(generator.Config{
		Mode:       cfg.GeneratorMode,
		HTTPURL:    cfg.GeneratorHTTPURL,
		HTTPStrict: cfg.GeneratorHTTPStrict,
		WSURL:      cfg.GeneratorWSURL,
		CLIPath:    cfg.GeneratorCLIPath,
		CLIArgs:    cfg.GeneratorCLIArgs,
		MockDelay:  cfg.GeneratorMockDelay,
		Retries:    cfg.GeneratorRetries,
		Logger:     logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("generator init failed: %w", err)
	}

	streams := session.NewManager(cfg.StreamMaxDuration)
	streams.SetExpireHook(func(s session.Stream) {
		logger.WithField("stream_id", s.ID).Warn("stream exceeded max duration")
	})

	svc, err := relay.New(relay.Config{
		Generator:  gen,
		Registry:   streams,
		Store:      store,
		Metrics:    metrics,
		BufferSize: cfg.StreamBufferSize,
		RedactPII:  cfg.TranscriptRedactPII,
		Logger:     logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("relay init failed: %w", err)
	}

	api := httpapi.New(cfg, svc, streams, metrics, logger)

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Streams:   streams,
		Relay:     svc,
		Metrics:   metrics,
		Generator: svc.GeneratorName(),
		StoreMode: svc.StoreMode(),
		Cleanup:   store.Close,
	}, nil
}
