package leafsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leafymarket/leafsync/backend"
	"github.com/leafymarket/leafsync/core"
	"github.com/leafymarket/leafsync/domain"
	"golang.org/x/sync/singleflight"
)

// Report is the outcome of a reconciliation run.
type Report struct {
	Skipped  bool          `json:"skipped" yaml:"skipped"`   // True when the run did nothing because the client was offline
	Synced   int           `json:"synced" yaml:"synced"`     // Records confirmed by the backend
	Failed   int           `json:"failed" yaml:"failed"`     // Records moved to the failed status
	Deferred int           `json:"deferred" yaml:"deferred"` // Records waiting for a referenced record
	Retry    int           `json:"retry" yaml:"retry"`       // Records left pending after a transient failure
	Kinds    []domain.Kind `json:"kinds" yaml:"kinds"`       // Kinds whose cached data was invalidated
	Queue    QueueReport   `json:"queue" yaml:"queue"`       // Write queue replay, filled by Client.Sync
}

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeFailed
	outcomeDeferred
	outcomeRetry
)

// Engine replays pending records against the backend. At most one run is in flight at a time,
// a concurrent caller joins the running one and receives its report.
type Engine struct {
	client *Client
	group  singleflight.Group
}

// NewEngine creates the reconciliation engine of client.
func NewEngine(client *Client) *Engine {
	return &Engine{client: client}
}

// Run reconciles every pending record. Once started, a run is not cancelled with ctx;
// each backend call is bounded by the request timeout instead.
func (engine *Engine) Run(ctx context.Context) (*Report, error) {
	detached := context.WithoutCancel(ctx)
	result, err, shared := engine.group.Do("reconcile", func() (any, error) {
		return engine.run(detached)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		engine.client.Logger.Debug().Msg("reconciliation shared between concurrent callers")
	}
	return result.(*Report), nil
}

func (engine *Engine) run(ctx context.Context) (*Report, error) {
	client := engine.client
	report := &Report{}

	if !client.Monitor.Online() {
		report.Skipped = true
		client.Logger.Debug().Msg("offline, skipping reconciliation")
		return report, nil
	}

	pending, err := client.Repo.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pending records : %w", err)
	}

	start := time.Now()
	synced := make(map[domain.Kind]bool)
	for _, kind := range domain.ReplayOrder {
		for _, rec := range pending[kind] {
			result, err := engine.reconcile(ctx, rec)
			if err != nil {
				return nil, err
			}
			switch result {
			case outcomeSynced:
				report.Synced++
				synced[kind] = true
			case outcomeFailed:
				report.Failed++
			case outcomeDeferred:
				report.Deferred++
			case outcomeRetry:
				report.Retry++
			}
		}
	}

	for _, kind := range domain.ReplayOrder {
		if !synced[kind] {
			continue
		}
		report.Kinds = append(report.Kinds, kind)
		if err := client.Invalidate(ctx, kind); err != nil {
			client.Logger.Warn().Err(err).Str("kind", string(kind)).Msg("invalidating cache")
		}
	}

	client.Logger.Info().
		Int("synced", report.Synced).
		Int("failed", report.Failed).
		Int("deferred", report.Deferred).
		Int("retry", report.Retry).
		Dur("duration", time.Since(start)).
		Msg("reconciliation finished")

	if client.OnReconcile != nil {
		if err := client.OnReconcile(report); err != nil {
			client.Logger.Warn().Err(err).Msg("running reconcile handler")
		}
	}
	return report, nil
}

// IdempotencyKey identifies the replay of a record as kind:id:version. A create is keyed on its
// create version, so local edits never turn a create whose response was lost into a second one.
func IdempotencyKey(rec *domain.Record) string {
	version := rec.Version
	if rec.Op == domain.OpCreate {
		version = rec.CreateVersion
	}
	return fmt.Sprintf("%s:%s:%d", rec.Kind, rec.ID, version)
}

// reconcile replays one record. Only storage failures are returned as errors.
func (engine *Engine) reconcile(ctx context.Context, rec *domain.Record) (outcome, error) {
	client := engine.client
	logger := client.Logger.With().Str("kind", string(rec.Kind)).Str("id", rec.ID).Int64("version", rec.Version).Logger()

	result, reason, err := engine.resolveReferences(ctx, rec)
	if err != nil {
		return 0, err
	}
	switch result {
	case outcomeDeferred:
		logger.Debug().Msg("waiting for referenced record")
		return outcomeDeferred, nil
	case outcomeFailed:
		return engine.fail(ctx, rec, reason)
	}

	key := IdempotencyKey(rec)
	var confirmed *domain.Record
	if rec.Op == domain.OpCreate {
		confirmed, err = client.Backend.Create(ctx, rec.Kind, rec.Attributes, key)
	} else {
		confirmed, err = client.Backend.Update(ctx, rec.Kind, rec.ID, rec.Attributes, key)
	}

	if err != nil {
		if errors.Is(err, domain.ErrBackendRejected) {
			var statusErr *backend.StatusError
			reason := err.Error()
			if errors.As(err, &statusErr) {
				reason = statusErr.Message
			}
			return engine.fail(ctx, rec, reason)
		}
		logger.Warn().Err(err).Msg("replay failed, record stays pending")
		return outcomeRetry, nil
	}

	if domain.IsProvisional(rec.ID) {
		// The reply to a reused key describes the payload of the create version,
		// edits made since then stay pending under the backend id.
		err := client.Repo.RemapID(ctx, rec.Kind, rec.ID, confirmed, rec.CreateVersion)
		if errors.Is(err, domain.ErrRecordNotFound) {
			// Discarded while the create was in flight.
			logger.Warn().Str("backendId", confirmed.ID).Msg("record gone before remap")
			return outcomeSynced, nil
		}
		if err != nil {
			return 0, err
		}
		logger.Info().Str("backendId", confirmed.ID).Msg("created")

		remapped, err := client.Repo.Get(ctx, rec.Kind, confirmed.ID)
		if err != nil {
			return 0, err
		}
		if remapped.PendingSync {
			logger.Debug().Str("backendId", confirmed.ID).Msg("replaying local edits made after the create")
			return engine.reconcile(ctx, remapped)
		}
		return outcomeSynced, nil
	}

	ok, err := client.Repo.MarkSynced(ctx, rec.Kind, rec.ID, rec.Version)
	if err != nil {
		return 0, err
	}
	if !ok {
		logger.Debug().Msg("superseded by a newer local edit")
		return outcomeRetry, nil
	}
	if err := client.Repo.CacheRecord(ctx, confirmed); err != nil {
		return 0, err
	}
	logger.Info().Msg("updated")
	return outcomeSynced, nil
}

// resolveReferences rewrites provisional references that have been remapped. A reference to a
// record that still waits for its own create defers rec, a reference to a failed or discarded
// record fails it.
func (engine *Engine) resolveReferences(ctx context.Context, rec *domain.Record) (outcome, string, error) {
	repo := engine.client.Repo
	schema, err := domain.SchemaFor(rec.Kind)
	if err != nil {
		return 0, "", err
	}

	for attr, target := range schema.References {
		refID, ok := domain.IDString(rec.Attributes[attr])
		if !ok || !domain.IsProvisional(refID) {
			continue
		}

		authoritativeID, mapped, err := repo.ResolveID(ctx, target, refID)
		if err != nil {
			return 0, "", err
		}
		if mapped {
			rec.Attributes[attr] = domain.IDValue(authoritativeID)
			if err := repo.RemapReferences(ctx, target, refID, authoritativeID); err != nil {
				return 0, "", err
			}
			continue
		}

		ref, err := repo.Get(ctx, target, refID)
		switch {
		case errors.Is(err, domain.ErrRecordNotFound):
			return outcomeFailed, fmt.Sprintf("referenced %s %s no longer exists", target, refID), nil
		case err != nil:
			return 0, "", err
		case ref.Status == domain.StatusFailed:
			return outcomeFailed, fmt.Sprintf("referenced %s %s failed to sync", target, refID), nil
		default:
			return outcomeDeferred, "", nil
		}
	}
	return outcomeSynced, "", nil
}

func (engine *Engine) fail(ctx context.Context, rec *domain.Record, reason string) (outcome, error) {
	client := engine.client
	ok, err := client.Repo.MarkFailed(ctx, rec.Kind, rec.ID, rec.Version, reason)
	if err != nil {
		return 0, err
	}
	if !ok {
		// A newer local edit gets its own replay.
		return outcomeRetry, nil
	}

	client.logEvent("ERROR", fmt.Sprintf("Sync of %s %s failed : %s", rec.Kind, rec.ID, reason),
		core.LogWithRecord(rec.Kind, rec.ID),
		core.LogWithContext(map[string]any{"op": string(rec.Op), "version": rec.Version}))

	if client.OnSyncFailed != nil {
		failed, err := client.Repo.Get(ctx, rec.Kind, rec.ID)
		if err != nil {
			return 0, err
		}
		if err := client.OnSyncFailed(failed); err != nil {
			client.Logger.Warn().Err(err).Msg("running sync failed handler")
		}
	}
	return outcomeFailed, nil
}

// Start runs Client.Sync on every reconnect signal and on the safety interval until ctx is done.
func (engine *Engine) Start(ctx context.Context) {
	client := engine.client

	var tick <-chan time.Time
	if client.Config.SafetyInterval > 0 {
		ticker := time.NewTicker(client.Config.SafetyInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		var trigger string
		select {
		case <-ctx.Done():
			return
		case <-client.Monitor.Reconnected():
			trigger = "reconnect"
		case <-tick:
			trigger = "interval"
		}

		report, err := client.Sync(ctx)
		if err != nil {
			client.logEvent("ERROR", fmt.Sprintf("Background sync failed : %s", err), core.LogWithContext(map[string]any{"trigger": trigger}))
			continue
		}
		client.Logger.Debug().Str("trigger", trigger).Int("synced", report.Synced).Int("replayed", report.Queue.Replayed).Msg("background sync")
	}
}
