// Package api exposes the capture and observation boundaries of the queue over
// HTTP, a websocket event stream and MCP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/shareq/internal/capture"
	"github.com/kalambet/shareq/internal/share"
	"github.com/kalambet/shareq/internal/storage"
	"github.com/kalambet/shareq/internal/syncer"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ShareRequest is the body of POST /share.
type ShareRequest struct {
	Type       string            `json:"type"`
	Title      string            `json:"title"`
	Text       string            `json:"text"`
	URL        string            `json:"url"`
	PayloadRef string            `json:"payload_ref"`
	Metadata   map[string]string `json:"metadata"`
	Origin     string            `json:"origin"`
}

// Content converts the request into share content. An empty origin means the
// share sheet, which is what posts here in practice.
func (req ShareRequest) Content() share.Content {
	origin := share.Origin(req.Origin)
	if origin == "" {
		origin = share.OriginShareSheet
	}
	return share.Content{
		Kind:       share.Kind(req.Type),
		Title:      req.Title,
		Text:       req.Text,
		URL:        req.URL,
		PayloadRef: req.PayloadRef,
		Metadata:   req.Metadata,
		Origin:     origin,
	}
}

// StatsResponse combines queue counts with the engine flags the UI needs for
// its banner.
type StatsResponse struct {
	Queue  storage.Stats      `json:"queue"`
	Engine syncer.EngineState `json:"engine"`
}

type Deps struct {
	Engine  *syncer.Engine
	Surface capture.Surface
	Token   string
}

// NewHandler returns the daemon's HTTP API. Everything except /health
// requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/share", handleShare(deps))
		r.Get("/queue", handleListQueue(deps))
		r.Post("/queue/retry-failed", handleRetryAllFailed(deps))
		r.Get("/queue/{id}", handleGetItem(deps))
		r.Post("/queue/{id}/retry", handleRetryItem(deps))
		r.Post("/sync", handleSync(deps))
		r.Post("/pause", handlePause(deps))
		r.Post("/resume", handleResume(deps))
		r.Post("/reauth", handleReauth(deps))
		r.Get("/stats", handleStats(deps))
		r.Get("/events", handleEvents(deps))
	})

	return r
}

func handleShare(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ShareRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		id, err := deps.Surface.OnContentCaptured(r.Context(), req.Content())
		if err != nil {
			writeQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "queued"})
	}
}

// writeQueueError maps capture and store errors onto status codes.
func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, share.ErrInvalidContent):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, storage.ErrCapacity):
		httpError(w, http.StatusInsufficientStorage, "capacity_error", "%v", err)
	case errors.Is(err, storage.ErrDuplicateID):
		httpError(w, http.StatusConflict, "duplicate_error", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func handleListQueue(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := storage.Status(r.URL.Query().Get("status"))
		if status != "" && !status.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", status)
			return
		}

		items, err := deps.Engine.List(r.Context(), storage.ListFilter{
			Status: status,
			Limit:  parseIntParam(r, "limit", defaultListLimit, maxListLimit),
			Offset: parseIntParam(r, "offset", 0, 0),
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list queue: %v", err)
			return
		}
		if items == nil {
			items = []storage.QueueItem{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func handleGetItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		item, err := deps.Engine.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

func handleRetryItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		retried, err := deps.Engine.RetryFailed(r.Context(), id)
		if err != nil {
			writeQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "retried": retried})
	}
}

func handleRetryAllFailed(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Engine.RetryAllFailed(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "retried %d, some failed: %v", n, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"retried": n})
	}
}

func handleSync(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := deps.Engine.SyncNow(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "sync failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func handlePause(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Engine.Pause()
		writeJSON(w, http.StatusOK, deps.Engine.State())
	}
}

func handleResume(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Engine.Resume()
		writeJSON(w, http.StatusOK, deps.Engine.State())
	}
}

func handleReauth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Engine.Reauthenticated()
		writeJSON(w, http.StatusOK, deps.Engine.State())
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Engine.Stats(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read stats: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, StatsResponse{Queue: st, Engine: deps.Engine.State()})
	}
}
