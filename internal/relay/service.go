package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/antoniostano/streamrelay/internal/generator"
	"github.com/antoniostano/streamrelay/internal/logging"
	"github.com/antoniostano/streamrelay/internal/observability"
	"github.com/antoniostano/streamrelay/internal/policy"
	"github.com/antoniostano/streamrelay/internal/session"
	"github.com/antoniostano/streamrelay/internal/stream"
	"github.com/antoniostano/streamrelay/internal/transcript"
)

const (
	transcriptSaveTimeout = 2 * time.Second

	// MaxBufferSize bounds per-request buffer overrides.
	MaxBufferSize = 256
)

var (
	// ErrPromptRejected is returned when a prompt fails screening. The
	// wrapped message carries the reason.
	ErrPromptRejected = errors.New("prompt rejected")
	ErrBufferSize     = fmt.Errorf("buffer size must be between 1 and %d", MaxBufferSize)
)

type Config struct {
	Generator  generator.Generator
	Registry   *session.Manager
	Store      transcript.Store
	Metrics    *observability.Metrics
	BufferSize int
	RedactPII  bool
	Logger     logrus.FieldLogger
}

// Service runs one generation end to end: registry bookkeeping, upstream
// generation, batching through a stream.Manager, and transcript persistence.
type Service struct {
	gen      generator.Generator
	genName  string
	registry *session.Manager
	store    transcript.Store
	metrics  *observability.Metrics
	redact   bool
	log      logrus.FieldLogger

	defaultManager *stream.Manager

	mu       sync.Mutex
	managers map[int]*stream.Manager
}

func New(cfg Config) (*Service, error) {
	if cfg.Generator == nil {
		return nil, errors.New("relay: generator is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("relay: registry is required")
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 1
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}

	s := &Service{
		gen:      cfg.Generator,
		genName:  generator.Name(cfg.Generator),
		registry: cfg.Registry,
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		redact:   cfg.RedactPII,
		log:      log.WithField("component", "relay"),
		managers: make(map[int]*stream.Manager),
	}
	m, err := s.managerFor(cfg.BufferSize)
	if err != nil {
		return nil, err
	}
	s.defaultManager = m
	return s, nil
}

func (s *Service) GeneratorName() string { return s.genName }

func (s *Service) BufferSize() int { return s.defaultManager.BufferSize() }

func (s *Service) StoreMode() string {
	if s.store == nil {
		return "disabled"
	}
	return s.store.Mode()
}

// Request is one relay invocation.
type Request struct {
	UserID  string
	Prompt  string
	Context []string
	Format  stream.Format
	// Label overrides the SSE event name or websocket message type.
	Label string
	// BufferSize overrides the service default when > 0.
	BufferSize int
	// OnStart is called once the stream is registered, before the first
	// fragment is requested.
	OnStart func(session.Stream)
}

type Result struct {
	// ID is the transcript id; empty when nothing was persisted.
	ID        string `json:"id,omitempty"`
	StreamID  string `json:"stream_id"`
	Response  string `json:"response"`
	Batches   int    `json:"batches"`
	Fragments int    `json:"fragments"`
	Errored   bool   `json:"errored"`
	Canceled  bool   `json:"canceled,omitempty"`
}

// Relay streams the generator output for req into sink (which may be nil).
// Generator failures end up in Result.Response and Result.Errored; the
// returned error is reserved for rejected prompts, sink failures and
// cancellation.
func (s *Service) Relay(ctx context.Context, req Request, sink stream.Sink) (Result, error) {
	if d := policy.ScreenPrompt(req.Prompt); d.Blocked {
		return Result{}, fmt.Errorf("%w: %s", ErrPromptRejected, d.Reason)
	}
	manager := s.defaultManager
	if req.BufferSize > MaxBufferSize || req.BufferSize < 0 {
		return Result{}, ErrBufferSize
	}
	if req.BufferSize > 0 {
		var err error
		if manager, err = s.managerFor(req.BufferSize); err != nil {
			return Result{}, err
		}
	}
	if req.Format == "" {
		req.Format = stream.FormatRaw
	}

	runCtx, st := s.registry.Register(ctx, req.UserID, string(req.Format))
	defer s.registry.Done(st.ID)
	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
	}
	if req.OnStart != nil {
		req.OnStart(st)
	}

	log := s.log.WithFields(logrus.Fields{
		"stream_id": st.ID,
		"user_id":   req.UserID,
		"format":    string(req.Format),
		"generator": s.genName,
	})

	src := generator.Source(runCtx, s.gen, generator.Request{
		RequestID: st.ID,
		UserID:    req.UserID,
		Prompt:    strings.TrimSpace(req.Prompt),
		Context:   req.Context,
	})
	defer src.Close()

	res, err := manager.Run(runCtx, src, s.timeFirstBatch(req.Format, st.StartedAt, sink), stream.Options{
		Format: req.Format,
		Label:  req.Label,
	})

	out := Result{
		StreamID:  st.ID,
		Response:  res.Text,
		Batches:   res.Batches,
		Fragments: res.Fragments,
		Errored:   res.Outcome != stream.OutcomeComplete,
		Canceled:  res.Outcome == stream.OutcomeCanceled,
	}
	// A sink that gave up because the stream was canceled mid-delivery
	// counts as a cancellation too.
	if err != nil && runCtx.Err() != nil {
		out.Canceled = true
	}
	if res.SourceErr != nil && s.metrics != nil {
		s.metrics.GeneratorErrors.WithLabelValues(s.genName).Inc()
	}

	if !out.Canceled {
		out.ID = s.saveTranscript(ctx, log, st, req, out)
	}

	entry := log.WithFields(logrus.Fields{
		"outcome":   string(res.Outcome),
		"batches":   res.Batches,
		"fragments": res.Fragments,
	})
	if err != nil {
		entry.WithError(err).Warn("relay stream ended early")
		return out, err
	}
	entry.Info("relay stream finished")
	return out, nil
}

// Recent lists stored transcripts, newest first.
func (s *Service) Recent(ctx context.Context, userID string, limit int) ([]transcript.Record, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.Recent(ctx, userID, limit)
}

func (s *Service) Transcript(ctx context.Context, id string) (transcript.Record, error) {
	if s.store == nil {
		return transcript.Record{}, transcript.ErrNotFound
	}
	return s.store.Get(ctx, id)
}

func (s *Service) saveTranscript(ctx context.Context, log logrus.FieldLogger, st session.Stream, req Request, res Result) string {
	if s.store == nil {
		return ""
	}
	rec := transcript.Record{
		ID:        uuid.NewString(),
		RequestID: st.ID,
		UserID:    req.UserID,
		Prompt:    req.Prompt,
		Format:    string(req.Format),
		Response:  res.Response,
		Batches:   res.Batches,
		Fragments: res.Fragments,
		Errored:   res.Errored,
		CreatedAt: time.Now().UTC(),
	}
	if s.redact {
		var p, r bool
		rec.Prompt, p = policy.RedactPII(rec.Prompt)
		rec.Response, r = policy.RedactPII(rec.Response)
		rec.PIIRedacted = p || r
	}

	// The request context may already be done when the client went away
	// after the last batch; the record is still worth keeping.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), transcriptSaveTimeout)
	defer cancel()
	saved, err := s.store.Save(saveCtx, rec)
	if err != nil {
		if s.metrics != nil {
			s.metrics.TranscriptFailures.Inc()
		}
		log.WithError(err).Error("save transcript")
		return ""
	}
	return saved.ID
}

func (s *Service) managerFor(size int) (*stream.Manager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.managers[size]; ok {
		return m, nil
	}
	var observer stream.Observer
	if s.metrics != nil {
		observer = s.metrics
	}
	m, err := stream.NewManager(size, s.log, observer)
	if err != nil {
		return nil, err
	}
	s.managers[size] = m
	return m, nil
}

func (s *Service) timeFirstBatch(format stream.Format, started time.Time, sink stream.Sink) stream.Sink {
	if sink == nil || s.metrics == nil {
		return sink
	}
	var once sync.Once
	return stream.SinkFunc(func(ctx context.Context, frame string) error {
		once.Do(func() { s.metrics.ObserveFirstBatch(format, time.Since(started)) })
		return sink.Deliver(ctx, frame)
	})
}
