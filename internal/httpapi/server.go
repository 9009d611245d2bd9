package httpapi

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/antoniostano/streamrelay/internal/config"
	"github.com/antoniostano/streamrelay/internal/logging"
	"github.com/antoniostano/streamrelay/internal/observability"
	"github.com/antoniostano/streamrelay/internal/relay"
	"github.com/antoniostano/streamrelay/internal/session"
	"github.com/antoniostano/streamrelay/internal/stream"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Server struct {
	cfg           config.Config
	relay         *relay.Service
	streams       *session.Manager
	metrics       *observability.Metrics
	defaultFormat stream.Format
	upgrader      websocket.Upgrader
	log           logrus.FieldLogger
}

func New(cfg config.Config, svc *relay.Service, streams *session.Manager, metrics *observability.Metrics, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	format, err := stream.ParseFormat(cfg.StreamDefaultFormat)
	if err != nil || cfg.StreamDefaultFormat == "" {
		format = stream.FormatSSE
	}
	return &Server{
		cfg:           cfg,
		relay:         svc,
		streams:       streams,
		metrics:       metrics,
		defaultFormat: format,
		log:           logger.WithField("component", "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only browsers on the same origin may open a stream socket.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/generate", s.handleGenerate)
	r.Post("/v1/generate/stream", s.handleGenerateStream)
	r.Post("/v1/generate/raw", s.handleGenerateRaw)
	r.Get("/v1/generate/ws", s.handleGenerateWS)

	r.Get("/v1/streams", s.handleListStreams)
	r.Post("/v1/streams/{id}/cancel", s.handleCancelStream)

	r.Get("/v1/transcripts", s.handleListTranscripts)
	r.Get("/v1/transcripts/{id}", s.handleGetTranscript)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.status("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.relay == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "relay not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.status("ready"))
}

func (s *Server) status(state string) map[string]any {
	out := map[string]any{
		"status":         state,
		"default_format": string(s.defaultFormat),
	}
	if s.relay != nil {
		out["generator"] = s.relay.GeneratorName()
		out["buffer_size"] = s.relay.BufferSize()
		out["transcript_store_mode"] = s.relay.StoreMode()
	}
	if s.streams != nil {
		out["active_streams"] = s.streams.ActiveCount()
	}
	return out
}

// logRequests keeps the wrapped writer flushable and hijackable so SSE and
// websocket handlers still work behind it.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) || strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
