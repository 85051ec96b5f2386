// Package authority is a reference remote authority: it accepts pushed
// change records from terminals, stores them once, and serves them back to
// every other terminal in arrival order.
package authority

import (
	"crypto/subtle"
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

	"github.com/livinlefevreloca/tillsync/internal/changelog"
	"github.com/livinlefevreloca/tillsync/internal/db"
	"github.com/livinlefevreloca/tillsync/internal/httpapi"
	"github.com/livinlefevreloca/tillsync/internal/transport"
)

const maxPushBodyBytes = 8 << 20

// Config holds authority settings
type Config struct {
	HTTP         httpapi.Config `toml:"http"`
	Database     db.Config      `toml:"database"`
	AuthToken    string         `toml:"auth_token"`
	Tables       []string       `toml:"tables"`
	MaxPushBatch int            `toml:"max_push_batch"`
	MaxPullLimit int            `toml:"max_pull_limit"`
}

// DefaultConfig mirrors transport.DefaultConfig so a local authority and
// terminal work together without configuration.
func DefaultConfig() Config {
	httpCfg := httpapi.DefaultConfig()
	httpCfg.Port = 8090
	httpCfg.AllowedOrigins = nil

	dbCfg := db.DefaultConfig()
	dbCfg.DSN = "authority.db"

	return Config{
		HTTP:         httpCfg,
		Database:     dbCfg,
		Tables:       changelog.DefaultTables,
		MaxPushBatch: 1000,
		MaxPullLimit: 1000,
	}
}

// Validate checks authority configuration
func (c Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("authority http: %w", err)
	}
	if c.Database.DSN == "" {
		return errors.New("authority database dsn must be specified")
	}
	if len(c.Tables) == 0 {
		return errors.New("authority must accept at least one table")
	}
	if c.MaxPushBatch <= 0 {
		return fmt.Errorf("MaxPushBatch must be positive, got %d", c.MaxPushBatch)
	}
	if c.MaxPullLimit <= 0 {
		return fmt.Errorf("MaxPullLimit must be positive, got %d", c.MaxPullLimit)
	}
	return nil
}

// Server exposes the push and pull endpoints the terminals' HTTP transport
// talks to.
type Server struct {
	config Config
	log    *Log
	tables map[string]bool
	logger *slog.Logger
	now    func() time.Time
}

// NewServer creates an authority over log.
func NewServer(config Config, log *Log, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	tables := make(map[string]bool, len(config.Tables))
	for _, t := range config.Tables {
		tables[t] = true
	}
	return &Server{
		config: config,
		log:    log,
		tables: tables,
		logger: logger.With("component", "authority"),
		now:    time.Now,
	}
}

// Router returns the authority's HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/sync", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/push", s.handlePush)
		r.Get("/pull", s.handlePull)
	})
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.AuthToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.config.AuthToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req transport.PushRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPushBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid push body: "+err.Error())
		return
	}
	if req.NodeID == "" {
		writeError(w, http.StatusBadRequest, "nodeId is required")
		return
	}
	if len(req.Changes) > s.config.MaxPushBatch {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("batch of %d exceeds limit %d", len(req.Changes), s.config.MaxPushBatch))
		return
	}

	now := s.now().UTC()
	results := make([]transport.PushResult, 0, len(req.Changes))
	stored := 0
	for _, change := range req.Changes {
		result := transport.PushResult{ID: change.ID, OriginNodeID: change.OriginNodeID}

		if reason := s.validate(req.NodeID, change); reason != "" {
			result.Status = transport.PushRejected
			result.Error = reason
			results = append(results, result)
			s.logger.Warn("rejected pushed change",
				"node_id", req.NodeID,
				"id", change.ID,
				"table", change.Table,
				"reason", reason)
			continue
		}

		added, err := s.log.Append(r.Context(), change, now)
		if err != nil {
			// Nothing is acknowledged, so the terminal retries the whole batch.
			s.logger.Error("failed to store pushed change", "node_id", req.NodeID, "id", change.ID, "error", err)
			writeError(w, http.StatusServiceUnavailable, "authority log unavailable")
			return
		}
		if added {
			stored++
		}
		result.Status = transport.PushAccepted
		results = append(results, result)
	}

	s.logger.Info("push received",
		"node_id", req.NodeID,
		"changes", len(req.Changes),
		"stored", stored,
		"request_id", middleware.GetReqID(r.Context()))
	writeJSON(w, http.StatusOK, transport.PushResponse{Results: results})
}

// validate returns why change cannot be accepted, or "".
func (s *Server) validate(nodeID string, change transport.Change) string {
	switch {
	case change.ID <= 0:
		return "change id must be positive"
	case change.OriginNodeID != nodeID:
		return fmt.Sprintf("origin %q does not match pushing node %q", change.OriginNodeID, nodeID)
	case !s.tables[change.Table]:
		return fmt.Sprintf("table %q is not synchronized", change.Table)
	case change.RowID == "":
		return "row id is required"
	case !change.Operation.Valid():
		return fmt.Sprintf("unknown operation %q", change.Operation)
	case change.Operation != changelog.OpDelete && len(change.Payload) == 0:
		return fmt.Sprintf("%s carries no payload", change.Operation)
	case len(change.Payload) > 0 && !json.Valid(change.Payload):
		return "payload is not valid JSON"
	case change.CapturedAt.IsZero():
		return "capturedAt is required"
	}
	return ""
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	node := q.Get("node")
	if node == "" {
		writeError(w, http.StatusBadRequest, "node is required")
		return
	}

	var seq int64
	if raw := q.Get("cursor"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid cursor %q", raw))
			return
		}
		seq = v
	}

	limit := s.config.MaxPullLimit
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = min(v, s.config.MaxPullLimit)
	}

	entries, hasMore, err := s.log.Since(r.Context(), seq, node, limit)
	if err != nil {
		s.logger.Error("failed to read authority log", "error", err)
		writeError(w, http.StatusServiceUnavailable, "authority log unavailable")
		return
	}

	resp := transport.PullResponse{
		Changes: make([]transport.Change, 0, len(entries)),
		Cursor:  strconv.FormatInt(seq, 10),
		HasMore: hasMore,
	}
	for _, e := range entries {
		resp.Changes = append(resp.Changes, e.Change)
	}
	if n := len(entries); n > 0 {
		resp.Cursor = strconv.FormatInt(entries[n-1].Seq, 10)
	}

	s.logger.Debug("pull served", "node_id", node, "cursor", resp.Cursor, "changes", len(entries))
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, transport.ErrorResponse{Error: msg})
}
