package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/streamrelay/internal/session"
	"github.com/antoniostano/streamrelay/internal/transcript"
)

const (
	defaultTranscriptLimit = 20
	maxTranscriptLimit     = 100
)

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	if s.streams == nil {
		respondJSON(w, http.StatusOK, map[string]any{"streams": []session.Stream{}})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"streams": s.streams.List()})
}

func (s *Server) handleCancelStream(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_stream_id", "missing stream id")
		return
	}
	if s.streams == nil {
		respondError(w, http.StatusNotFound, "stream_not_found", session.ErrNotFound.Error())
		return
	}
	st, err := s.streams.Cancel(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "stream_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "relay not configured")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	rec, err := s.relay.Transcript(r.Context(), id)
	if err != nil {
		if errors.Is(err, transcript.ErrNotFound) {
			respondError(w, http.StatusNotFound, "transcript_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "transcript_lookup_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListTranscripts(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "relay not configured")
		return
	}
	limit := defaultTranscriptLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxTranscriptLimit)
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))

	records, err := s.relay.Recent(r.Context(), userID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "transcript_list_failed", err.Error())
		return
	}
	if records == nil {
		records = []transcript.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"transcripts": records})
}
