package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/EAbdou1/recallkit/auth"
	"github.com/EAbdou1/recallkit/memory"
)

const maxBodyBytes = 1 << 20

// HealthFunc reports whether the process's dependencies are reachable.
type HealthFunc func(ctx context.Context) error

// HTTP serves the JSON API.
type HTTP struct {
	manager *memory.RecallManager
	authn   Authenticator
	health  HealthFunc
	logger  *slog.Logger
}

// NewHTTP creates the JSON API. health may be nil.
func NewHTTP(manager *memory.RecallManager, authn Authenticator, health HealthFunc, logger *slog.Logger) *HTTP {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{
		manager: manager,
		authn:   authn,
		health:  health,
		logger:  logger.With("component", "http"),
	}
}

// Handler returns the routed API.
func (h *HTTP) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/recall", h.withAuth(h.recall))
	mux.HandleFunc("GET /api/v1/recall", h.withAuth(h.status))
	mux.HandleFunc("GET /api/v1/memories", h.withAuth(h.users))
	mux.HandleFunc("GET /api/v1/memories/{userId}", h.withAuth(h.memories))
	mux.HandleFunc("GET /healthz", h.healthz)
	return mux
}

type authedHandler func(w http.ResponseWriter, r *http.Request, id auth.Identity)

func (h *HTTP) withAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if _, ok := BearerToken(header); !ok {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized: Missing API key"})
			return
		}
		id, err := authenticate(r.Context(), h.authn, header)
		switch {
		case err == nil:
			next(w, r, id)
		case errors.Is(err, auth.ErrUnauthorized):
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Invalid API Key."})
		case isConsistency(err):
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		default:
			h.logger.Error("authentication failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal Server Error during authentication."})
		}
	}
}

func (h *HTTP) recall(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}
	req, err := DecodeRecall(body)
	if err != nil {
		var details any = err.Error()
		var ve *ValidationError
		if errors.As(err, &ve) {
			details = ve.Fields
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body", Details: details})
		return
	}

	scope := memory.Scope{Namespace: id.Namespace, UserID: req.UserID}
	h.logger.Info("recall request", "scope", scope.String(), "messages", len(req.Messages))

	memories, err := h.manager.Recall(r.Context(), scope, req.Messages)
	if err != nil {
		if errors.Is(err, memory.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body", Details: err.Error()})
			return
		}
		h.logger.Error("recall failed", "scope", scope.String(), "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, RecallResponse{
		Memories:  memories,
		Success:   true,
		Namespace: id.Namespace,
		UserID:    req.UserID,
	})
}

func (h *HTTP) status(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Missing userId parameter"})
		return
	}
	scope := memory.Scope{Namespace: id.Namespace, UserID: userID}

	if r.URL.Query().Get("action") == "recreate-index" {
		if err := h.manager.RecreateIndex(r.Context()); err != nil {
			h.logger.Error("recreate index failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to recreate index", Details: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, StatusResponse{
			Success:   true,
			Namespace: id.Namespace,
			UserID:    userID,
			Message:   "Index recreated successfully",
		})
		return
	}

	count, err := h.manager.Count(r.Context(), scope)
	if err != nil {
		h.logger.Error("count memories failed", "scope", scope.String(), "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Success:     true,
		Namespace:   id.Namespace,
		UserID:      userID,
		MemoryCount: &count,
		Message:     "Use ?action=recreate-index to recreate the vector search index if needed",
	})
}

func (h *HTTP) users(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	users, err := h.manager.Users(r.Context(), id.Namespace)
	if err != nil {
		h.logger.Error("list users failed", "namespace", id.Namespace, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to fetch memory keys"})
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"userIds": users})
}

func (h *HTTP) memories(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	scope := memory.Scope{Namespace: id.Namespace, UserID: r.PathValue("userId")}
	docs, err := h.manager.List(r.Context(), scope)
	if err != nil {
		h.logger.Error("list memories failed", "scope", scope.String(), "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to fetch memories"})
		return
	}
	writeJSON(w, http.StatusOK, map[string][]MemoryView{"memories": toViews(docs)})
}

func (h *HTTP) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
