package leafsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/leafymarket/leafsync/core"
	"github.com/leafymarket/leafsync/domain"
)

// Submit creates an entity. Online, the entity is posted directly and returned with its backend id.
// Offline, or when the backend cannot be reached, it is stored under a provisional id and marked
// pending; the call never waits on the network in that case. A rejection from the backend and
// storage failures are returned to the caller.
func (client *Client) Submit(ctx context.Context, kind domain.Kind, payload map[string]any) (*domain.Record, error) {
	if _, err := domain.SchemaFor(kind); err != nil {
		return nil, err
	}

	attrs := make(map[string]any, len(payload))
	for k, v := range payload {
		if k != "id" {
			attrs[k] = v
		}
	}
	unresolved, err := client.resolvePayload(ctx, kind, attrs)
	if err != nil {
		return nil, err
	}

	// The provisional id is allocated up front so an online attempt and its offline fallback
	// share the idempotency key of the first replay.
	id, err := client.Repo.NextProvisionalID(ctx)
	if err != nil {
		return nil, err
	}

	if client.Monitor.Online() && !unresolved {
		key := IdempotencyKey(&domain.Record{Kind: kind, ID: id, Op: domain.OpCreate, CreateVersion: 1})
		confirmed, err := client.Backend.Create(ctx, kind, attrs, key)
		if err == nil {
			if err := client.Repo.CacheRecord(ctx, confirmed); err != nil {
				return nil, err
			}
			client.invalidate(ctx, kind)
			return client.Repo.Get(ctx, kind, confirmed.ID)
		}
		if !domain.IsTransient(err) {
			return nil, err
		}
		client.Logger.Warn().Err(err).Str("kind", string(kind)).Msg("backend unreachable, storing create locally")
	}

	rec := &domain.Record{
		Kind:        kind,
		ID:          id,
		Attributes:  attrs,
		PendingSync: true,
		Op:          domain.OpCreate,
	}
	if err := client.Repo.Put(ctx, rec); err != nil {
		return nil, err
	}
	client.logEvent("INFO", fmt.Sprintf("Stored %s %s for later sync", kind, id), core.LogWithRecord(kind, id))
	return rec, nil
}

// SubmitUpdate applies a partial update. The patch is merged into the local copy and stored as
// pending when offline, when the backend cannot be reached, or when the record already has
// unsynchronized changes, so that only its final state is replayed.
func (client *Client) SubmitUpdate(ctx context.Context, kind domain.Kind, id string, patch map[string]any) (*domain.Record, error) {
	if _, err := domain.SchemaFor(kind); err != nil {
		return nil, err
	}
	if resolved, ok, err := client.Repo.ResolveID(ctx, kind, id); err != nil {
		return nil, err
	} else if ok {
		id = resolved
	}

	attrs := make(map[string]any, len(patch))
	for k, v := range patch {
		if k != "id" {
			attrs[k] = v
		}
	}
	unresolved, err := client.resolvePayload(ctx, kind, attrs)
	if err != nil {
		return nil, err
	}

	local, err := client.Repo.Get(ctx, kind, id)
	if err != nil && !errors.Is(err, domain.ErrRecordNotFound) {
		return nil, err
	}
	hasLocalChanges := local != nil && local.Status != domain.StatusSynced

	if client.Monitor.Online() && !unresolved && !hasLocalChanges && !domain.IsProvisional(id) {
		key, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generating idempotency key : %w", err)
		}
		confirmed, err := client.Backend.Update(ctx, kind, id, attrs, key.String())
		if err == nil {
			if err := client.Repo.CacheRecord(ctx, confirmed); err != nil {
				return nil, err
			}
			client.invalidate(ctx, kind)
			return client.Repo.Get(ctx, kind, confirmed.ID)
		}
		if !domain.IsTransient(err) {
			return nil, err
		}
		client.Logger.Warn().Err(err).Str("kind", string(kind)).Str("id", id).Msg("backend unreachable, storing update locally")
	}

	rec := local
	if rec == nil {
		// Never cached: the patch alone is replayed, the backend merges it.
		rec = &domain.Record{Kind: kind, ID: id}
	}
	rec.Merge(attrs)
	rec.PendingSync = true
	rec.Op = ""
	if err := client.Repo.Put(ctx, rec); err != nil {
		return nil, err
	}
	client.logEvent("INFO", fmt.Sprintf("Stored update of %s %s for later sync", kind, id), core.LogWithRecord(kind, id))
	return rec, nil
}

// resolvePayload rewrites provisional references that already have a backend id.
// It reports whether a reference is still provisional.
func (client *Client) resolvePayload(ctx context.Context, kind domain.Kind, attrs map[string]any) (bool, error) {
	schema, err := domain.SchemaFor(kind)
	if err != nil {
		return false, err
	}

	unresolved := false
	for attr, target := range schema.References {
		refID, ok := domain.IDString(attrs[attr])
		if !ok || !domain.IsProvisional(refID) {
			continue
		}
		authoritativeID, mapped, err := client.Repo.ResolveID(ctx, target, refID)
		if err != nil {
			return false, err
		}
		if mapped {
			attrs[attr] = domain.IDValue(authoritativeID)
			continue
		}
		unresolved = true
	}
	return unresolved, nil
}

func (client *Client) invalidate(ctx context.Context, kind domain.Kind) {
	if err := client.Invalidate(ctx, kind); err != nil {
		client.Logger.Warn().Err(err).Str("kind", string(kind)).Msg("invalidating cache")
	}
}
