package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/antoniostano/streamrelay/internal/protocol"
	"github.com/antoniostano/streamrelay/internal/relay"
	"github.com/antoniostano/streamrelay/internal/session"
	"github.com/antoniostano/streamrelay/internal/stream"
)

const doneLabel = string(protocol.TypeDone)

type generateRequest struct {
	Prompt     string   `json:"prompt"`
	UserID     string   `json:"user_id,omitempty"`
	Context    []string `json:"context,omitempty"`
	BufferSize int      `json:"buffer_size,omitempty"`
}

func (g generateRequest) relayRequest(format stream.Format, label string) relay.Request {
	userID := strings.TrimSpace(g.UserID)
	if userID == "" {
		userID = "anonymous"
	}
	return relay.Request{
		UserID:     userID,
		Prompt:     g.Prompt,
		Context:    g.Context,
		Format:     format,
		Label:      label,
		BufferSize: g.BufferSize,
	}
}

func (s *Server) readGenerateRequest(w http.ResponseWriter, r *http.Request) (generateRequest, bool) {
	var req generateRequest
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", "request body is required")
		} else {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		}
		return generateRequest{}, false
	}
	if s.relay == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "relay not configured")
		return generateRequest{}, false
	}
	return req, true
}

// handleGenerate runs a generation without a sink and returns the whole text.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readGenerateRequest(w, r)
	if !ok {
		return
	}
	res, err := s.relay.Relay(r.Context(), req.relayRequest(s.defaultFormat, ""), nil)
	if err != nil {
		s.respondRelayError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleGenerateStream writes each batch as it is flushed. The wire format
// defaults to STREAM_DEFAULT_FORMAT and can be overridden with ?format=.
func (s *Server) handleGenerateStream(w http.ResponseWriter, r *http.Request) {
	format := s.defaultFormat
	if v := strings.TrimSpace(r.URL.Query().Get("format")); v != "" {
		parsed, err := stream.ParseFormat(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_format", err.Error())
			return
		}
		format = parsed
	}
	s.streamHTTP(w, r, format, strings.TrimSpace(r.URL.Query().Get("event")))
}

func (s *Server) handleGenerateRaw(w http.ResponseWriter, r *http.Request) {
	s.streamHTTP(w, r, stream.FormatRaw, "")
}

func (s *Server) streamHTTP(w http.ResponseWriter, r *http.Request, format stream.Format, label string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot flush")
		return
	}
	req, ok := s.readGenerateRequest(w, r)
	if !ok {
		return
	}

	fw := &flushWriter{w: w, f: flusher, format: format}
	rr := req.relayRequest(format, label)
	rr.OnStart = func(st session.Stream) {
		h := w.Header()
		h.Set("Content-Type", contentType(format))
		h.Set("Cache-Control", "no-cache")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Stream-ID", st.ID)
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
	}

	res, err := s.relay.Relay(r.Context(), rr, fw)
	switch {
	case err == nil:
	case !fw.started && res.StreamID == "":
		// Failed before the stream was registered; headers are still unsent.
		s.respondRelayError(w, err)
		return
	case errors.Is(err, context.Canceled) && r.Context().Err() == nil:
		// Cancelled through /v1/streams/{id}/cancel; the client is still here.
	default:
		return
	}
	if err := fw.done(res.ID); err != nil {
		s.log.WithError(err).WithField("stream_id", res.StreamID).Debug("write done frame")
	}
}

func (s *Server) respondRelayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, relay.ErrPromptRejected):
		respondError(w, http.StatusUnprocessableEntity, "prompt_rejected", err.Error())
	case errors.Is(err, relay.ErrBufferSize):
		respondError(w, http.StatusBadRequest, "invalid_buffer_size", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusServiceUnavailable, "canceled", err.Error())
	default:
		respondError(w, http.StatusBadGateway, "relay_failed", err.Error())
	}
}

func contentType(format stream.Format) string {
	switch format {
	case stream.FormatSSE:
		return "text/event-stream"
	case stream.FormatWebSocket:
		return "application/x-ndjson"
	default:
		return "text/plain; charset=utf-8"
	}
}

// flushWriter is the awaited sink for HTTP streaming: a batch counts as
// delivered once it was written and flushed to the connection.
type flushWriter struct {
	w       io.Writer
	f       http.Flusher
	format  stream.Format
	started bool
}

func (fw *flushWriter) Deliver(ctx context.Context, frame string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fw.started = true
	if fw.format == stream.FormatWebSocket {
		// Envelopes are newline-delimited on plain HTTP.
		frame += "\n"
	}
	if _, err := io.WriteString(fw.w, frame); err != nil {
		return err
	}
	fw.f.Flush()
	return nil
}

func (fw *flushWriter) done(transcriptID string) error {
	var (
		frame string
		err   error
	)
	switch fw.format {
	case stream.FormatSSE:
		frame, err = stream.FormatSSEFrame(transcriptID, doneLabel)
	case stream.FormatWebSocket:
		frame, err = stream.FormatWebSocketFrame(transcriptID, doneLabel)
		frame += "\n"
	default:
		// Raw streams end with the body.
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := io.WriteString(fw.w, frame); err != nil {
		return err
	}
	fw.f.Flush()
	return nil
}
