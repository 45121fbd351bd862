package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/localrecall/localrecall/internal/llm"
	"github.com/localrecall/localrecall/internal/models"
	"github.com/localrecall/localrecall/internal/storage"
)

func (s *Server) handleCreateEntry(w http.ResponseWriter, r *http.Request) {
	var input models.EntryInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(input.Text) == "" {
		s.respondError(w, http.StatusBadRequest, "text is required")
		return
	}
	entry, err := s.store.CreateEntry(r.Context(), input.Text, input.Source, models.CaptureMethodAPI, input.Tags)
	if err != nil {
		s.logger.Error("create entry failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Debug("entry captured", zap.Int64("id", entry.ID), zap.String("source", entry.Source))
	s.respondJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	filter := models.EntryFilter{
		Tag:    r.URL.Query().Get("tag"),
		Source: r.URL.Query().Get("source"),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = ts
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := s.store.ListEntries(r.Context(), filter, limit)
	if err != nil {
		s.logger.Error("list entries failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid entry id")
		return
	}
	// The index keeps the vector; stale hits are dropped at retrieval time.
	deleted, err := s.store.DeleteEntry(r.Context(), id)
	if err != nil {
		s.logger.Error("delete entry failed", zap.Int64("id", id), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !deleted {
		s.respondError(w, http.StatusNotFound, "entry not found")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleClearEntries(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.ClearAll(r.Context())
	if err != nil {
		s.logger.Error("clear entries failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.index.Reset(); err != nil {
		s.logger.Error("index reset failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("cleared all entries", zap.Int64("count", count))
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"status": "cleared", "deleted": count})
}

func (s *Server) handleReindexEntry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid entry id")
		return
	}
	if err := s.pipeline.ReindexEntry(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "entry not found")
			return
		}
		s.logger.Error("reindex failed", zap.Int64("id", id), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "reindexed"})
}

// handleQuery serves semantic search when no model is given and a full RAG
// answer when one is.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	queryID := uuid.New().String()
	s.logger.Debug("query request",
		zap.String("query_id", queryID),
		zap.String("query", req.Query),
		zap.String("model", req.Model),
		zap.Int("k", req.K))

	if req.Model == "" {
		snippets, err := s.engine.SemanticSearch(r.Context(), req.Query, req.K)
		if err != nil {
			s.logger.Error("search failed", zap.String("query_id", queryID), zap.Error(err))
			s.respondError(w, s.statusForProviderError(err), err.Error())
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"query":   req.Query,
			"results": snippets,
			"count":   len(snippets),
		})
		return
	}

	answer, err := s.engine.Answer(r.Context(), req.Query, req.Model, req.K)
	if err != nil {
		s.logger.Error("answer failed", zap.String("query_id", queryID), zap.Error(err))
		s.respondError(w, s.statusForProviderError(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, answer)
}

// handleQueryStream serves the answer as Server-Sent Events, one `data:` line
// per StreamEvent. GET takes query/model/k as URL parameters so EventSource
// clients work; POST takes the usual JSON body.
func (s *Server) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	var req models.QueryRequest
	if r.Method == http.MethodGet {
		req.Query = r.URL.Query().Get("query")
		req.Model = r.URL.Query().Get("model")
		if raw := r.URL.Query().Get("k"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				req.K = n
			}
		}
	} else {
		var ok bool
		if req, ok = s.decodeQuery(w, r); !ok {
			return
		}
	}
	if strings.TrimSpace(req.Query) == "" {
		s.respondError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.K > s.config.Query.MaxK {
		req.K = s.config.Query.MaxK
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	queryID := uuid.New().String()
	events, err := s.engine.AnswerStream(r.Context(), req.Query, req.Model, req.K)
	if err != nil {
		s.logger.Error("stream setup failed", zap.String("query_id", queryID), zap.Error(err))
		s.respondError(w, s.statusForProviderError(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Client disconnect cancels r.Context(), the engine abandons the
	// provider call and closes the channel, and this loop exits.
	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("stream event marshal failed", zap.String("query_id", queryID), zap.Error(err))
			return
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return
		}
		if _, err := w.Write(payload); err != nil {
			return
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return
		}
		flusher.Flush()
	}
	s.logger.Debug("stream finished", zap.String("query_id", queryID))
}

func (s *Server) handlePipelineStart(w http.ResponseWriter, r *http.Request) {
	s.pipeline.Start()
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handlePipelineStop(w http.ResponseWriter, r *http.Request) {
	s.pipeline.Stop()
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	total, err := s.store.CountEntries(ctx)
	if err != nil {
		s.logger.Error("status: count entries failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	embedded, err := s.store.CountEmbedded(ctx)
	if err != nil {
		s.logger.Error("status: count embedded failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stats := s.index.Stats()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries":            total,
		"embedded":           embedded,
		"pending":            total - embedded,
		"index_size":         stats.Size,
		"index_dimensions":   stats.Dimensions,
		"index_persistent":   stats.Persistent,
		"pipeline_running":   s.pipeline.Running(),
		"embedder_available": s.embedder.CheckAvailable(ctx),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeQuery parses and validates the shared query request body.
func (s *Server) decodeQuery(w http.ResponseWriter, r *http.Request) (models.QueryRequest, bool) {
	var req models.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if strings.TrimSpace(req.Query) == "" {
		s.respondError(w, http.StatusBadRequest, "query is required")
		return req, false
	}
	if req.K > s.config.Query.MaxK {
		req.K = s.config.Query.MaxK
	}
	return req, true
}

// statusForProviderError maps generation errors to HTTP statuses.
func (s *Server) statusForProviderError(err error) int {
	switch {
	case errors.Is(err, llm.ErrNotConfigured):
		return http.StatusBadRequest
	case errors.Is(err, llm.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
