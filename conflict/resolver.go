package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eutimioliusbel/pfamirror/models"
	"github.com/eutimioliusbel/pfamirror/store"
)

var (
	ErrUnknownStrategy = errors.New("unknown resolution strategy")
	ErrMergeDataNeeded = errors.New("merge resolution requires merged data")
)

// Resolver applies a resolution strategy to an open conflict. Validation
// happens before any write, so a rejected call leaves no partial mutation.
type Resolver struct {
	Mods      store.ModificationStore
	Mirrors   store.MirrorStore
	Conflicts store.ConflictStore
	Queue     store.QueueStore
	Logger    *logrus.Logger
}

// Resolve closes a conflict. use_local keeps the delta and re-queues it
// against the current version; use_pems accepts the external state and
// discards the delta with nothing queued; merge replaces the delta with the
// supplied merged data and re-queues.
func (r *Resolver) Resolve(ctx context.Context, conflictId uint, strategy string, mergedData json.RawMessage, resolvedBy string) error {
	switch strategy {
	case models.ResolutionUseLocal, models.ResolutionUsePems:
	case models.ResolutionMerge:
		if len(mergedData) == 0 {
			return ErrMergeDataNeeded
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	conflict, err := r.Conflicts.Get(ctx, conflictId)
	if err != nil {
		return err
	}
	if conflict.Status == models.ConflictStatusResolved {
		return store.ErrConflictResolved
	}
	mod, err := r.Mods.Get(ctx, conflict.ModificationId)
	if err != nil {
		return err
	}
	mirror, err := r.Mirrors.GetByID(ctx, mod.MirrorId)
	if err != nil {
		return err
	}

	if err := r.Conflicts.Resolve(ctx, conflictId, strategy, mergedData, resolvedBy, time.Now()); err != nil {
		return err
	}

	switch strategy {
	case models.ResolutionUseLocal:
		if err := r.Mods.Update(ctx, mod.ID, map[string]interface{}{
			"base_version": mirror.Version,
			"sync_state":   models.SyncStatePendingSync,
			"sync_status":  models.SyncStatusPending,
		}); err != nil {
			return err
		}
		if err := enqueueWrite(ctx, r.Queue, mod.TenantId, mod.ID, mod.DeltaJSON, 0); err != nil {
			return err
		}
	case models.ResolutionUsePems:
		if err := r.Mods.Update(ctx, mod.ID, map[string]interface{}{
			"base_version": mirror.Version,
			"sync_state":   models.SyncStateSynced,
			"sync_status":  models.SyncStatusSynced,
			"delta_json":   []byte("{}"),
		}); err != nil {
			return err
		}
	case models.ResolutionMerge:
		if err := r.Mods.Update(ctx, mod.ID, map[string]interface{}{
			"base_version": mirror.Version,
			"sync_state":   models.SyncStatePendingSync,
			"sync_status":  models.SyncStatusPending,
			"delta_json":   []byte(mergedData),
		}); err != nil {
			return err
		}
		if err := enqueueWrite(ctx, r.Queue, mod.TenantId, mod.ID, mergedData, 0); err != nil {
			return err
		}
	}

	r.Logger.WithFields(logrus.Fields{
		"tenant_id":       mod.TenantId,
		"conflict_id":     conflictId,
		"modification_id": mod.ID,
		"strategy":        strategy,
	}).Info("conflict: resolved")
	return nil
}

func enqueueWrite(ctx context.Context, queue store.QueueStore, tenantId string, modificationId uint, payload []byte, priority int) error {
	return queue.Enqueue(ctx, &models.WriteQueueItem{
		TenantId:       tenantId,
		ModificationId: modificationId,
		Operation:      models.QueueOpUpdate,
		PayloadJSON:    payload,
		Priority:       priority,
		ScheduledAt:    time.Now(),
	})
}
