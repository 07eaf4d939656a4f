// Package api exposes sessions and enrichment control over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/enrichd/internal/enrich"
	"github.com/kalambet/enrichd/internal/storage"
)

const maxRequestBodySize = 64 << 10 // 64KB

// Enricher runs enrichment batches and reports their counters.
type Enricher interface {
	RunBatch(ctx context.Context) (enrich.BatchResult, error)
	Stats() enrich.Stats
}

// CachePruner removes expired cache entries.
type CachePruner interface {
	PruneExpired(ctx context.Context) (geo, weather int64, err error)
}

type Deps struct {
	Store    *storage.Store
	Enricher Enricher
	Cache    CachePruner
	Token    string
}

// Status is the body of GET /status.
type Status struct {
	Pending int          `json:"pending"`
	Stats   enrich.Stats `json:"stats"`
}

// PruneResult is the body of POST /cache/prune.
type PruneResult struct {
	Geo     int64 `json:"geo"`
	Weather int64 `json:"weather"`
}

func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/status", handleStatus(deps))
		r.Post("/sessions", handleCreateSession(deps))
		r.Get("/sessions/{id}", handleGetSession(deps))
		r.Delete("/sessions/{id}", handleDeleteSession(deps))
		r.Post("/enrichment/run", handleRunEnrichment(deps))
		r.Post("/cache/prune", handlePruneCache(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, err := deps.Store.PendingCount(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count pending items: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, Status{Pending: pending, Stats: deps.Enricher.Stats()})
	}
}

func handleRunEnrichment(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Enricher.RunBatch(r.Context())
		if errors.Is(err, enrich.ErrBatchInFlight) {
			httpError(w, http.StatusConflict, "conflict", "an enrichment batch is already running")
			return
		}
		if err != nil {
			slog.Error("manual enrichment batch failed", "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "enrichment batch failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handlePruneCache(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		geo, weather, err := deps.Cache.PruneExpired(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to prune cache: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, PruneResult{Geo: geo, Weather: weather})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
