package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/enrichd/internal/storage"
)

type CreateSessionRequest struct {
	SourceIP string `json:"source_ip"`
}

type CreateSessionResponse struct {
	ID string `json:"id"`
}

var errInvalidIP = errors.New("source_ip must be a valid IPv4 or IPv6 address")

// createSession stores a new session and queues it for enrichment.
func createSession(ctx context.Context, store *storage.Store, sourceIP string) (string, error) {
	sourceIP = strings.TrimSpace(sourceIP)
	if net.ParseIP(sourceIP) == nil {
		return "", errInvalidIP
	}
	id := uuid.New().String()
	sess := storage.Session{
		ID:        id,
		SourceIP:  sourceIP,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateSession(ctx, sess); err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	return id, nil
}

func handleCreateSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req CreateSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		id, err := createSession(r.Context(), deps.Store, req.SourceIP)
		if errors.Is(err, errInvalidIP) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusCreated, CreateSessionResponse{ID: id})
	}
}

func handleGetSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		sess, err := deps.Store.GetSession(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get session: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

func handleDeleteSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.DeleteSession(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete session: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
