package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/livinlefevreloca/tillsync/internal/changelog"
	"github.com/livinlefevreloca/tillsync/internal/syncer"
)

const (
	defaultRecordLimit = 100
	maxRecordLimit     = 1000
)

// Coordinator is the part of the syncer the API drives.
type Coordinator interface {
	GetStatus(ctx context.Context) (syncer.SyncStatus, error)
	SyncNow(ctx context.Context) (syncer.SyncSession, error)
	Sessions() []syncer.SyncSession
}

// RecordLister lists change records for the dashboard.
type RecordLister interface {
	List(ctx context.Context, filter changelog.ListFilter) ([]changelog.ChangeRecord, error)
}

// API serves the operator endpoints under /api/sync.
type API struct {
	coordinator Coordinator
	records     RecordLister
	hub         *Hub
	origins     []string
	logger      *slog.Logger
	now         func() time.Time
}

// New wires the API. hub may be nil, in which case /api/sync/stream is not
// mounted.
func New(coordinator Coordinator, records RecordLister, hub *Hub, allowedOrigins []string, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		coordinator: coordinator,
		records:     records,
		hub:         hub,
		origins:     allowedOrigins,
		logger:      logger.With("component", "httpapi"),
		now:         time.Now,
	}
}

// Router builds the chi router with CORS for the dashboard.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.corsHandler().Handler)

	r.Get("/health", a.handleHealth)

	r.Route("/api/sync", func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Post("/now", a.handleSyncNow)
		r.Get("/records", a.handleRecords)
		r.Get("/sessions", a.handleSessions)
		if a.hub != nil {
			r.Get("/stream", a.hub.ServeHTTP)
		}
	})

	return r
}

func (a *API) corsHandler() *cors.Cors {
	if len(a.origins) == 0 {
		return cors.AllowAll()
	}
	return cors.New(cors.Options{
		AllowedOrigins:   a.origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	})
}

// Envelope mirrors the suite's REST responses.
type Envelope struct {
	Success   bool       `json:"success"`
	Message   string     `json:"message,omitempty"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ErrorBody carries a stable code and a human message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.coordinator.GetStatus(r.Context())
	if err != nil {
		a.logger.Error("get sync status failed", "error", err, "request_id", middleware.GetReqID(r.Context()))
		a.fail(w, http.StatusInternalServerError, "GET_SYNC_STATUS_FAILED", "Failed to get sync status")
		return
	}
	a.ok(w, Envelope{Success: true, Data: map[string]any{"status": status}})
}

func (a *API) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	session, err := a.coordinator.SyncNow(r.Context())
	switch {
	case errors.Is(err, syncer.ErrStopped):
		a.fail(w, http.StatusServiceUnavailable, "SYNC_STOPPED", "Sync coordinator is shutting down")
		return
	case err != nil:
		a.logger.Error("manual sync failed", "error", err, "request_id", middleware.GetReqID(r.Context()))
		a.fail(w, http.StatusInternalServerError, "SYNC_NOW_FAILED", "Failed to run sync")
		return
	}

	message := "Sync completed"
	switch {
	case !session.Succeeded():
		message = "Sync failed: " + session.Error
	case session.Rejected > 0:
		message = fmt.Sprintf("Sync completed with errors: %d records rejected", session.Rejected)
	}
	a.ok(w, Envelope{
		Success: session.Clean(),
		Message: message,
		Data:    map[string]any{"session": session},
	})
}

func (a *API) handleRecords(w http.ResponseWriter, r *http.Request) {
	filter := changelog.ListFilter{
		Statuses: []changelog.Status{changelog.StatusFailed, changelog.StatusConflicted},
		Table:    r.URL.Query().Get("table"),
		Limit:    defaultRecordLimit,
	}

	if raw := r.URL.Query().Get("status"); raw != "" {
		filter.Statuses = nil
		for _, part := range strings.Split(raw, ",") {
			status := changelog.Status(strings.TrimSpace(part))
			if !status.Valid() {
				a.fail(w, http.StatusBadRequest, "INVALID_STATUS", "Unknown sync status: "+string(status))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			a.fail(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		filter.Limit = min(limit, maxRecordLimit)
	}

	records, err := a.records.List(r.Context(), filter)
	if err != nil {
		a.logger.Error("list change records failed", "error", err)
		a.fail(w, http.StatusInternalServerError, "LIST_RECORDS_FAILED", "Failed to list change records")
		return
	}
	if records == nil {
		records = []changelog.ChangeRecord{}
	}
	a.ok(w, Envelope{Success: true, Data: map[string]any{"records": records, "count": len(records)}})
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := a.coordinator.Sessions()
	// Newest first for the dashboard.
	for i, j := 0, len(sessions)-1; i < j; i, j = i+1, j-1 {
		sessions[i], sessions[j] = sessions[j], sessions[i]
	}
	a.ok(w, Envelope{Success: true, Data: map[string]any{"sessions": sessions}})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{"status": "ok"}
	if a.hub != nil {
		data["streamClients"] = a.hub.ClientCount()
	}
	a.ok(w, Envelope{Success: true, Data: data})
}

func (a *API) ok(w http.ResponseWriter, env Envelope) {
	env.Timestamp = a.now().UTC()
	a.write(w, http.StatusOK, env)
}

func (a *API) fail(w http.ResponseWriter, status int, code, message string) {
	a.write(w, status, Envelope{
		Success:   false,
		Error:     &ErrorBody{Code: code, Message: message},
		Timestamp: a.now().UTC(),
	})
}

func (a *API) write(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		a.logger.Warn("failed to write response", "error", err)
	}
}
