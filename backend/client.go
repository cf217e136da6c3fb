// Package backend is the HTTP client for the marketplace entity API.
//
// Every call is made with the bypass-queue flag set, so a failure is returned
// to the caller instead of being captured by the write queue of the caching
// transport the underlying http.Client may use.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/leafymarket/leafsync/core"
	"github.com/leafymarket/leafsync/domain"
	"github.com/rs/zerolog"
)

const (
	// IdempotencyHeader carries a key the backend uses to deduplicate retried mutations.
	IdempotencyHeader = "Idempotency-Key"
	// CorrelationHeader carries the id shared by a request and its log lines.
	CorrelationHeader = "X-Correlation-ID"

	maxErrorBody = 64 << 10
)

// Client performs CRUD calls against /entities/{kind}.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, httpClient *http.Client, logger zerolog.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing backend url %q : %w", baseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend url %q must be absolute", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With().Str("component", "backend").Logger(),
	}, nil
}

// EntityURL returns the URL of a kind's collection, or of one entity when id is set.
func (c *Client) EntityURL(kind domain.Kind, id string) string {
	if id == "" {
		return fmt.Sprintf("%s/entities/%s", c.baseURL, kind)
	}
	return fmt.Sprintf("%s/entities/%s/%s", c.baseURL, kind, url.PathEscape(id))
}

// List fetches every entity of a kind.
func (c *Client) List(ctx context.Context, kind domain.Kind) ([]*domain.Record, error) {
	var objects []map[string]any
	if err := c.do(ctx, http.MethodGet, c.EntityURL(kind, ""), nil, "", &objects); err != nil {
		return nil, err
	}

	records := make([]*domain.Record, 0, len(objects))
	for _, obj := range objects {
		rec, err := toRecord(kind, obj)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Get fetches a single entity.
func (c *Client) Get(ctx context.Context, kind domain.Kind, id string) (*domain.Record, error) {
	var obj map[string]any
	if err := c.do(ctx, http.MethodGet, c.EntityURL(kind, id), nil, "", &obj); err != nil {
		return nil, err
	}
	return toRecord(kind, obj)
}

// Create posts a new entity and returns it with its backend id.
func (c *Client) Create(ctx context.Context, kind domain.Kind, attrs map[string]any, idempotencyKey string) (*domain.Record, error) {
	var obj map[string]any
	if err := c.do(ctx, http.MethodPost, c.EntityURL(kind, ""), withoutID(attrs), idempotencyKey, &obj); err != nil {
		return nil, err
	}
	return toRecord(kind, obj)
}

// Update patches an existing entity and returns the backend's copy.
func (c *Client) Update(ctx context.Context, kind domain.Kind, id string, attrs map[string]any, idempotencyKey string) (*domain.Record, error) {
	var obj map[string]any
	if err := c.do(ctx, http.MethodPatch, c.EntityURL(kind, id), withoutID(attrs), idempotencyKey, &obj); err != nil {
		return nil, err
	}
	rec, err := toRecord(kind, obj)
	if err != nil {
		return nil, err
	}
	if rec.ID == "" {
		rec.ID = id
	}
	return rec, nil
}

func (c *Client) do(ctx context.Context, method, target string, body any, idempotencyKey string, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling %s %s body : %w", method, target, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(core.ContextWithBypassQueue(ctx), method, target, reader)
	if err != nil {
		return fmt.Errorf("creating %s %s : %w", method, target, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, idempotencyKey)
	}

	correlationID := uuid.New()
	req.Header.Set(CorrelationHeader, correlationID.String())
	req = core.ContextWithCorrelationID(req, correlationID)

	logger := c.logger.With().
		Str("method", method).
		Str("url", target).
		Str("correlationId", correlationID.String()).
		Logger()

	start := time.Now()
	res, err := c.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		logger.Debug().Err(err).Dur("duration", duration).Msg("HTTP request failed")
		return transportError(method, target, err)
	}
	defer res.Body.Close()

	logger.Debug().
		Int("status", res.StatusCode).
		Dur("duration", duration).
		Str("cache", res.Header.Get("X-Leafsync-Cache")).
		Msg("HTTP request completed")

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return statusError(method, target, res)
	}

	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s %s response : %w", domain.ErrBackendUnreachable, method, target, err)
	}
	return nil
}

func statusError(method, target string, res *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))

	message := strings.TrimSpace(string(raw))
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		message = body.Error
	}
	if message == "" {
		message = http.StatusText(res.StatusCode)
	}

	return &StatusError{Method: method, URL: target, StatusCode: res.StatusCode, Message: message}
}

// toRecord splits a backend JSON object into its id and attributes.
func toRecord(kind domain.Kind, obj map[string]any) (*domain.Record, error) {
	if obj == nil {
		return nil, fmt.Errorf("%w: empty %s body", domain.ErrBackendUnreachable, kind)
	}
	attrs := make(map[string]any, len(obj))
	for k, v := range obj {
		attrs[k] = v
	}

	var id string
	if raw, ok := attrs["id"]; ok {
		id, ok = domain.IDString(raw)
		if !ok {
			return nil, fmt.Errorf("%w: %s id has unexpected type %T", domain.ErrBackendUnreachable, kind, raw)
		}
		delete(attrs, "id")
	}

	return &domain.Record{Kind: kind, ID: id, Attributes: attrs, Status: domain.StatusSynced}, nil
}

func withoutID(attrs map[string]any) map[string]any {
	body := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if k == "id" {
			continue
		}
		body[k] = v
	}
	return body
}
