package leafsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/martian/fifo"
	"github.com/google/uuid"
	"github.com/leafymarket/leafsync/backend"
	"github.com/leafymarket/leafsync/core"
	"github.com/leafymarket/leafsync/domain"
	"github.com/leafymarket/leafsync/rawhttp"
	"golang.org/x/sync/singleflight"
)

const (
	// CacheHeader is set to "hit" on responses served from the local cache.
	CacheHeader = "X-Leafsync-Cache"
	// QueuedHeader carries the queue entry id of a write accepted while offline.
	QueuedHeader = "X-Leafsync-Queued"
)

// QueueReport is the outcome of a write queue replay.
type QueueReport struct {
	Replayed int `json:"replayed" yaml:"replayed"` // Delivered and removed
	Rejected int `json:"rejected" yaml:"rejected"` // Refused by the backend and removed
	Expired  int `json:"expired" yaml:"expired"`   // Older than the retention horizon, never sent
	Left     int `json:"left" yaml:"left"`         // Still queued
}

// Transport is an http.RoundTripper that serves in-scope reads from a local cache when the
// network is unavailable and queues in-scope writes for later delivery.
type Transport struct {
	client    *Client
	base      http.RoundTripper
	Modifiers *fifo.Group      // Modifier group pipeline
	now       func() time.Time // Clock, replaced in tests
	replays   singleflight.Group
}

// NewTransport wraps base with the default modifier pipeline.
func NewTransport(client *Client, base http.RoundTripper) *Transport {
	transport := &Transport{
		client:    client,
		base:      base,
		Modifiers: fifo.NewGroup(),
		now:       time.Now,
	}
	transport.AddRequestModifier(ClientHeaderModifier)
	transport.AddRequestModifier(IdempotencyModifier)
	transport.AddResponseModifier(CompressedResponseModifier)
	transport.AddResponseModifier(ContentTypeModifier)
	return transport
}

// AddRequestModifier accepts RequestModifierFunc and wraps it in a reqAdapter
func (transport *Transport) AddRequestModifier(modifier RequestModifierFunc) {
	transport.Modifiers.AddRequestModifier(&reqAdapter{transport: transport, modifier: modifier})
}

// AddResponseModifier accepts ResponseModifierFunc and wraps it in a resAdapter
func (transport *Transport) AddResponseModifier(modifier ResponseModifierFunc) {
	transport.Modifiers.AddResponseModifier(&resAdapter{transport: transport, modifier: modifier})
}

func cacheKey(req *http.Request) string {
	return req.Method + " " + req.URL.String()
}

// RoundTrip satisfies http.RoundTripper. Out of scope requests go straight to the base transport.
func (transport *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !transport.client.Scope.Matches(req) {
		return transport.base.RoundTrip(req)
	}

	req = req.Clone(req.Context())
	if err := transport.Modifiers.ModifyRequest(req); err != nil {
		return nil, fmt.Errorf("modifying request %s : %w", cacheKey(req), err)
	}

	switch req.Method {
	case http.MethodGet, http.MethodHead:
		return transport.read(req)
	default:
		return transport.write(req)
	}
}

func (transport *Transport) roundTrip(req *http.Request) (*http.Response, error) {
	res, err := transport.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := transport.Modifiers.ModifyResponse(res); err != nil {
		res.Body.Close()
		return nil, fmt.Errorf("modifying response %s : %w", cacheKey(req), err)
	}
	return res, nil
}

// read is network first: a successful response refreshes the cache, a network failure is answered from it.
func (transport *Transport) read(req *http.Request) (*http.Response, error) {
	key := cacheKey(req)
	if !transport.client.Monitor.Online() {
		return transport.cached(req, key, domain.ErrNetworkUnavailable)
	}

	res, err := transport.roundTrip(req)
	if err != nil {
		transport.client.Logger.Debug().Err(err).Str("key", key).Msg("network read failed, trying cache")
		return transport.cached(req, key, err)
	}

	if req.Method == http.MethodGet && res.StatusCode == http.StatusOK {
		if err := transport.store(req, key, res); err != nil {
			transport.client.Logger.Warn().Err(err).Str("key", key).Msg("caching response")
		}
	}
	return res, nil
}

func (transport *Transport) store(req *http.Request, key string, res *http.Response) error {
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	res.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("reading body : %w", err)
	}
	// Stored with an explicit length so the cached copy can be parsed back.
	res.ContentLength = int64(len(body))
	res.TransferEncoding = nil
	res.Header.Set("Content-Length", strconv.Itoa(len(body)))

	raw, err := rawhttp.DumpResponse(res)
	if err != nil {
		return err
	}

	entry := &domain.CachedResponse{
		Key:         key,
		URL:         req.URL.String(),
		Raw:         raw,
		ContentType: rawhttp.ContentType(res.Header, body),
		StoredAt:    transport.now(),
	}
	return transport.client.Repo.PutResponse(context.WithoutCancel(req.Context()), entry)
}

func (transport *Transport) cached(req *http.Request, key string, cause error) (*http.Response, error) {
	entry, err := transport.client.Repo.GetResponse(req.Context(), key)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no cached response for %s : %w", domain.ErrNetworkUnavailable, key, cause)
		}
		return nil, err
	}

	res, err := rawhttp.RebuildResponse(entry.Raw, req)
	if err != nil {
		return nil, fmt.Errorf("rebuilding cached response %s : %w", key, err)
	}
	res.Header.Set(CacheHeader, "hit")
	res.Request = core.ContextWithCacheHit(req, true)
	return res, nil
}

// write sends the request when online. Offline, or when the network call fails, the raw request
// is queued and a 202 is returned. Requests with the bypass flag are never queued.
func (transport *Transport) write(req *http.Request) (*http.Response, error) {
	if bypass, _ := core.BypassQueueFromContext(req.Context()); bypass {
		return transport.roundTrip(req)
	}

	raw, err := rawhttp.DumpRequest(req)
	if err != nil {
		return nil, err
	}

	if transport.client.Monitor.Online() {
		res, err := transport.roundTrip(req)
		if err == nil {
			return res, nil
		}
		transport.client.Logger.Warn().Err(err).Str("key", cacheKey(req)).Msg("network write failed, queueing")
	}
	return transport.enqueue(req, raw)
}

func (transport *Transport) enqueue(req *http.Request, raw []byte) (*http.Response, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating queue id : %w", err)
	}

	write := &domain.QueuedWrite{
		ID:         id,
		Method:     req.Method,
		URL:        req.URL.String(),
		Raw:        raw,
		EnqueuedAt: transport.now(),
	}
	if err := transport.client.Repo.Enqueue(context.WithoutCancel(req.Context()), write); err != nil {
		return nil, fmt.Errorf("queueing %s : %w", cacheKey(req), err)
	}
	transport.client.Logger.Info().Str("id", id.String()).Str("key", cacheKey(req)).Msg("write queued")

	body := []byte(fmt.Sprintf(`{"queued":true,"id":%q}`, id.String()))
	res := &http.Response{
		Status:        "202 Accepted",
		StatusCode:    http.StatusAccepted,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Request:       req,
		Header:        make(http.Header),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	res.Header.Set("Content-Type", "application/json")
	res.Header.Set(QueuedHeader, id.String())
	return res, nil
}

// Replay discards queued writes older than the retention horizon, then sends the rest in enqueue order.
// A transient failure stops the replay so later writes never overtake earlier ones. A write the backend
// rejects is removed and logged. Concurrent callers share the replay in flight and its report.
func (transport *Transport) Replay(ctx context.Context) (QueueReport, error) {
	detached := context.WithoutCancel(ctx)
	result, err, _ := transport.replays.Do("replay", func() (any, error) {
		return transport.replay(detached)
	})
	report, _ := result.(QueueReport)
	return report, err
}

func (transport *Transport) replay(ctx context.Context) (QueueReport, error) {
	var report QueueReport
	cutoff := transport.now().Add(-transport.client.Config.QueueRetention)

	expired, err := transport.client.Repo.ExpireQueued(ctx, cutoff)
	if err != nil {
		return report, err
	}
	for _, write := range expired {
		report.Expired++
		transport.client.logEvent("WARN",
			fmt.Sprintf("Discarded queued %s %s older than %s", write.Method, write.URL, transport.client.Config.QueueRetention),
			core.LogWithContext(map[string]any{
				"id":         write.ID.String(),
				"method":     write.Method,
				"url":        write.URL,
				"enqueuedAt": write.EnqueuedAt.Format(time.RFC3339),
			}))
	}

	writes, err := transport.client.Repo.ListQueued(ctx)
	if err != nil {
		return report, err
	}
	report.Left = len(writes)
	if !transport.client.Monitor.Online() {
		return report, nil
	}

	for _, write := range writes {
		delivered, err := transport.replayOne(ctx, write, &report)
		if err != nil {
			return report, err
		}
		if !delivered {
			break
		}
		report.Left--
	}
	return report, nil
}

// replayOne sends one queued write. It returns false when the replay must stop.
func (transport *Transport) replayOne(ctx context.Context, write *domain.QueuedWrite, report *QueueReport) (bool, error) {
	logger := transport.client.Logger.With().Str("id", write.ID.String()).Str("method", write.Method).Str("url", write.URL).Logger()

	target, err := url.Parse(write.URL)
	if err != nil {
		return false, fmt.Errorf("parsing queued url %s : %w", write.URL, err)
	}
	req, err := rawhttp.RebuildRequest(core.ContextWithBypassQueue(ctx), write.Raw, target.Scheme)
	if err != nil {
		transport.client.logEvent("ERROR", fmt.Sprintf("Dropped unreadable queued write %s : %s", write.ID, err),
			core.LogWithContext(map[string]any{"id": write.ID.String(), "url": write.URL}))
		report.Rejected++
		return true, transport.client.Repo.DeleteQueued(ctx, write.ID)
	}

	res, err := transport.RoundTrip(req)
	if err != nil {
		logger.Warn().Err(err).Msg("replay failed, keeping queue")
		return false, nil
	}
	io.Copy(io.Discard, res.Body)
	res.Body.Close()

	switch {
	case res.StatusCode < http.StatusBadRequest:
		report.Replayed++
		logger.Info().Int("status", res.StatusCode).Msg("queued write delivered")
	case backend.Retryable(res.StatusCode):
		logger.Warn().Int("status", res.StatusCode).Msg("replay failed, keeping queue")
		return false, nil
	default:
		report.Rejected++
		transport.client.logEvent("ERROR",
			fmt.Sprintf("Backend rejected queued %s %s with status %d", write.Method, write.URL, res.StatusCode),
			core.LogWithContext(map[string]any{"id": write.ID.String(), "status": res.StatusCode}))
	}
	return true, transport.client.Repo.DeleteQueued(ctx, write.ID)
}

// Invalidate removes every cached response of a kind's endpoints.
func (transport *Transport) Invalidate(ctx context.Context, kind domain.Kind) (int, error) {
	return transport.client.Repo.InvalidateResponses(ctx, "/entities/"+string(kind))
}
