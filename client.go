// Package leafsync is an offline-first synchronization engine for the marketplace entity API.
// It keeps a local durable copy of products and orders, accepts mutations while the backend is
// unreachable and reconciles them once connectivity returns.
//
// The core functionality includes:
//   - SQLite storage of entities, pending mutations, cached responses and logs
//   - Connectivity monitoring with a debounced reconnect signal
//   - Mutation interception with an offline fallback (Submit, SubmitUpdate)
//   - Single-flight reconciliation with provisional id remapping
//   - An http.RoundTripper that caches reads and queues writes
package leafsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/leafymarket/leafsync/backend"
	"github.com/leafymarket/leafsync/connectivity"
	"github.com/leafymarket/leafsync/core"
	"github.com/leafymarket/leafsync/db"
	"github.com/leafymarket/leafsync/domain"
	"github.com/rs/zerolog"
)

var (
	// ErrRepoUndefined is returned by New when no repository was configured
	ErrRepoUndefined = errors.New("no repository defined")

	// ErrBackendUndefined is returned by New when no backend URL was configured
	ErrBackendUndefined = errors.New("no backend url defined")
)

// Repository defines the methods consumed by the client to interact with the local durable store.
type Repository interface {
	domain.EntityRepository
	domain.QueueRepository
	domain.ResponseCacheRepository
	domain.LogRepository
	domain.StatsRepository
	Close() error
}

var _ Repository = (*db.Repository)(nil)

// Client wires the store, connectivity monitor, backend client, caching transport and
// reconciliation engine together. It is the entry point used by the UI layer.
type Client struct {
	Config     *Config               // Engine configuration
	Repo       Repository            // Local durable store
	Backend    *backend.Client       // Entity API client, routed through Transport with the bypass flag
	Monitor    *connectivity.Monitor // Connectivity state machine
	Transport  *Transport            // Cache-and-queue round tripper
	Engine     *Engine               // Reconciliation engine
	HTTPClient *http.Client          // HTTP client for raw UI requests, routed through Transport
	Logger     zerolog.Logger        // Structured logger
	Scope      *Scope                // Requests handled by Transport
	probe      connectivity.Probe    // Used to build Monitor when none was given
	base       http.RoundTripper     // Network transport under Transport

	OnSyncFailed func(rec *domain.Record) error // Function to be ran when a record moves to the failed status
	OnInvalidate func(kind domain.Kind) error   // Function to be ran when cached data of a kind is stale
	OnLog        func(log *domain.Log) error    // Function to be ran on each persisted log entry
	OnReconcile  func(report *Report) error     // Function to be ran after each reconciliation run
}

// New creates a client, applies the options and wires the components that were not provided.
// A repository is required; see WithRepo and WithDatabase.
func New(ctx context.Context, options ...func(*Client) error) (*Client, error) {
	client := &Client{
		Config: DefaultConfig(),
		Logger: zerolog.Nop(),
	}
	if err := client.WithOptions(options...); err != nil {
		return nil, err
	}
	if err := client.setup(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

func (client *Client) setup(ctx context.Context) error {
	if client.Repo == nil {
		return ErrRepoUndefined
	}
	if client.Config.BackendURL == "" {
		return ErrBackendUndefined
	}

	if client.Scope == nil {
		scope, err := ScopeFromPatterns(client.Config.DataPaths)
		if err != nil {
			return fmt.Errorf("building scope : %w", err)
		}
		client.Scope = scope
	}

	base := client.base
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = NewTransport(client, base)
	client.HTTPClient = &http.Client{Transport: client.Transport, Timeout: client.Config.RequestTimeout}

	backendClient, err := backend.New(client.Config.BackendURL, client.HTTPClient, client.Logger)
	if err != nil {
		return fmt.Errorf("creating backend client : %w", err)
	}
	client.Backend = backendClient

	if client.Monitor == nil {
		probe := client.probe
		if probe == nil {
			probeURL := client.Config.ProbeURL
			if probeURL == "" {
				probeURL = strings.TrimRight(client.Config.BackendURL, "/") + "/healthz"
			}
			probe = &connectivity.HTTPProbe{URL: probeURL, Client: &http.Client{Transport: base, Timeout: client.Config.RequestTimeout}}
		}
		monitor, err := connectivity.New(ctx, probe,
			connectivity.WithDebounce(client.Config.Debounce),
			connectivity.WithInterval(client.Config.ProbeInterval),
			connectivity.WithLogger(client.Logger),
		)
		if err != nil {
			return fmt.Errorf("creating connectivity monitor : %w", err)
		}
		client.Monitor = monitor
	}

	client.Engine = NewEngine(client)
	return nil
}

// Close releases the local store.
func (client *Client) Close() error {
	return client.Repo.Close()
}

// Sync runs reconciliation and then replays the write queue. It is the manual trigger.
func (client *Client) Sync(ctx context.Context) (*Report, error) {
	report, err := client.Engine.Run(ctx)
	if err != nil {
		return nil, err
	}
	queue, err := client.Transport.Replay(ctx)
	if err != nil {
		return report, fmt.Errorf("replaying write queue : %w", err)
	}
	merged := *report
	merged.Queue = queue
	return &merged, nil
}

// Invalidate drops cached responses of a kind and notifies the UI.
func (client *Client) Invalidate(ctx context.Context, kind domain.Kind) error {
	removed, err := client.Transport.Invalidate(ctx, kind)
	if err != nil {
		return err
	}
	client.Logger.Debug().Str("kind", string(kind)).Int("removed", removed).Msg("cache invalidated")
	if client.OnInvalidate != nil {
		if err := client.OnInvalidate(kind); err != nil {
			return fmt.Errorf("running invalidate handler for %s : %w", kind, err)
		}
	}
	return nil
}

// Get returns a record. Online, the backend copy refreshes the store first; local pending edits win.
func (client *Client) Get(ctx context.Context, kind domain.Kind, id string) (*domain.Record, error) {
	if resolved, ok, err := client.Repo.ResolveID(ctx, kind, id); err != nil {
		return nil, err
	} else if ok {
		id = resolved
	}

	if client.Monitor.Online() && !domain.IsProvisional(id) {
		rec, err := client.Backend.Get(ctx, kind, id)
		if err != nil {
			client.Logger.Debug().Err(err).Str("kind", string(kind)).Str("id", id).Msg("reading from local store")
		} else if err := client.Repo.CacheRecord(ctx, rec); err != nil {
			return nil, err
		}
	}
	return client.Repo.Get(ctx, kind, id)
}

// List returns every record of a kind in creation order.
func (client *Client) List(ctx context.Context, kind domain.Kind) ([]*domain.Record, error) {
	if err := client.refresh(ctx, kind); err != nil {
		return nil, err
	}
	return client.Repo.GetAll(ctx, kind)
}

// ListByIndex returns the records of a kind whose index equals value, e.g. products by category.
func (client *Client) ListByIndex(ctx context.Context, kind domain.Kind, index, value string) ([]*domain.Record, error) {
	if err := client.refresh(ctx, kind); err != nil {
		return nil, err
	}
	return client.Repo.GetByIndex(ctx, kind, index, value)
}

// refresh fills the store with the backend copy of a kind when online.
// Only storage failures are returned, network failures leave the store as it is.
func (client *Client) refresh(ctx context.Context, kind domain.Kind) error {
	if _, err := domain.SchemaFor(kind); err != nil {
		return err
	}
	if !client.Monitor.Online() {
		return nil
	}

	records, err := client.Backend.List(ctx, kind)
	if err != nil {
		client.Logger.Debug().Err(err).Str("kind", string(kind)).Msg("reading from local store")
		return nil
	}
	for _, rec := range records {
		if err := client.Repo.CacheRecord(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Status summarizes the sync state.
type Status struct {
	Online  bool `json:"online" yaml:"online"`
	Pending int  `json:"pending" yaml:"pending"`
	Failed  int  `json:"failed" yaml:"failed"`
	Queued  int  `json:"queued" yaml:"queued"`
}

// Status returns the connectivity state and the number of pending, failed and queued items.
func (client *Client) Status(ctx context.Context) (*Status, error) {
	pending, err := client.Repo.CountPending(ctx)
	if err != nil {
		return nil, err
	}
	failed, err := client.Repo.CountFailed(ctx)
	if err != nil {
		return nil, err
	}
	queued, err := client.Repo.CountQueued(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{Online: client.Monitor.Online(), Pending: pending, Failed: failed, Queued: queued}, nil
}

// ListPending returns the records waiting to be reconciled, per kind.
func (client *Client) ListPending(ctx context.Context) (map[domain.Kind][]*domain.Record, error) {
	return client.Repo.ListPending(ctx)
}

// ListFailed returns the records the backend rejected.
func (client *Client) ListFailed(ctx context.Context) ([]*domain.Record, error) {
	return client.Repo.ListFailed(ctx)
}

// Retry moves a failed record back to pending so the next run replays it.
func (client *Client) Retry(ctx context.Context, kind domain.Kind, id string) error {
	if err := client.Repo.Retry(ctx, kind, id); err != nil {
		return err
	}
	return client.WriteLog("INFO", fmt.Sprintf("Retrying failed %s %s", kind, id), core.LogWithRecord(kind, id))
}

// Discard drops a failed or pending record from the local store.
func (client *Client) Discard(ctx context.Context, kind domain.Kind, id string) error {
	if err := client.Repo.Discard(ctx, kind, id); err != nil {
		return err
	}
	return client.WriteLog("WARN", fmt.Sprintf("Discarded %s %s", kind, id), core.LogWithRecord(kind, id))
}

// ListQueued returns the writes waiting in the queue, oldest first.
func (client *Client) ListQueued(ctx context.Context) ([]*domain.QueuedWrite, error) {
	return client.Repo.ListQueued(ctx)
}

// Logs returns the persisted log entries, oldest first.
func (client *Client) Logs(ctx context.Context) ([]*domain.Log, error) {
	return client.Repo.GetLogs(ctx)
}

// WriteLog persists a log entry, mirrors it to the structured logger and runs OnLog.
func (client *Client) WriteLog(level string, message string, options ...func(log *domain.Log) error) error {
	var zlevel zerolog.Level
	switch level {
	case "DEBUG":
		zlevel = zerolog.DebugLevel
	case "INFO":
		zlevel = zerolog.InfoLevel
	case "WARN":
		zlevel = zerolog.WarnLevel
	case "ERROR":
		zlevel = zerolog.ErrorLevel
	case "FATAL":
		// Persisted as FATAL, never exits the process.
		zlevel = zerolog.ErrorLevel
	default:
		return fmt.Errorf("level should be either: debug, info, warn, error, fatal")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating new uuid : %w", err)
	}
	log := &domain.Log{
		ID:        id,
		Level:     level,
		Message:   message,
		Timestamp: time.Now(),
	}
	for _, option := range options {
		if err := option(log); err != nil {
			return fmt.Errorf("applying log option : %w", err)
		}
	}

	event := client.Logger.WithLevel(zlevel).Fields(log.Context)
	if log.Kind != nil {
		event = event.Str("kind", string(*log.Kind))
	}
	if log.RecordID != nil {
		event = event.Str("id", *log.RecordID)
	}
	event.Msg(message)

	if err := client.Repo.InsertLog(context.Background(), log); err != nil {
		return fmt.Errorf("inserting log : %w", err)
	}
	if client.OnLog != nil {
		if err := client.OnLog(log); err != nil {
			return fmt.Errorf("running log handler : %w", err)
		}
	}
	return nil
}

// logEvent writes a log entry for an engine event. An entry that cannot be persisted is
// reported on the structured logger so the event is never lost silently.
func (client *Client) logEvent(level string, message string, options ...func(log *domain.Log) error) {
	if err := client.WriteLog(level, message, options...); err != nil {
		client.Logger.Error().Err(err).Str("level", level).Str("event", message).Msg("persisting log entry")
	}
}
