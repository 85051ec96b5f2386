package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/tillsync/internal/changelog"
)

const maxResponseBytes = 16 << 20

// Config holds settings for the HTTP transport.
type Config struct {
	BaseURL   string        `toml:"base_url"`
	Timeout   time.Duration `toml:"timeout"`
	AuthToken string        `toml:"auth_token"`
}

// DefaultConfig returns transport defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8090",
		Timeout: 15 * time.Second,
	}
}

// Validate checks the transport configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("transport base_url must be specified")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("transport base_url %q is not an absolute URL", c.BaseURL)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("transport timeout must be positive, got %v", c.Timeout)
	}
	return nil
}

// HTTPClient talks JSON over HTTP to the remote authority.
type HTTPClient struct {
	config Config
	nodeID string
	client *http.Client
	logger *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client pushing on behalf of nodeID.
func NewHTTPClient(config Config, nodeID string, logger *slog.Logger) (*HTTPClient, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		config: config,
		nodeID: nodeID,
		client: &http.Client{},
		logger: logger.With("component", "transport"),
	}, nil
}

// Push sends records and returns the authority's per-record results.
func (c *HTTPClient) Push(ctx context.Context, records []changelog.ChangeRecord) ([]PushResult, error) {
	req := PushRequest{NodeID: c.nodeID, Changes: make([]Change, len(records))}
	for i, rec := range records {
		req.Changes[i] = FromRecord(rec)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &BatchError{Op: "push", Err: err}
	}

	var resp PushResponse
	if err := c.do(ctx, "push", http.MethodPost, "/api/sync/push", nil, body, &resp); err != nil {
		return nil, err
	}

	c.logger.Debug("pushed change records", "count", len(records), "results", len(resp.Results))
	return resp.Results, nil
}

// Pull fetches records newer than cursor.
func (c *HTTPClient) Pull(ctx context.Context, cursor string, limit int) (PullBatch, error) {
	query := url.Values{}
	query.Set("node", c.nodeID)
	query.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		query.Set("cursor", cursor)
	}

	var resp PullResponse
	if err := c.do(ctx, "pull", http.MethodGet, "/api/sync/pull", query, nil, &resp); err != nil {
		return PullBatch{}, err
	}

	batch := PullBatch{Cursor: resp.Cursor, HasMore: resp.HasMore}
	for _, ch := range resp.Changes {
		batch.Records = append(batch.Records, ch.Record())
	}

	c.logger.Debug("pulled change records", "count", len(batch.Records), "cursor", batch.Cursor)
	return batch, nil
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, query url.Values, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	endpoint := strings.TrimRight(c.config.BaseURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return &BatchError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &BatchError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &BatchError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e ErrorResponse
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &BatchError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &BatchError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
