package writeback

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eutimioliusbel/pfamirror/models"
	"github.com/eutimioliusbel/pfamirror/notify"
	"github.com/eutimioliusbel/pfamirror/pems"
	"github.com/eutimioliusbel/pfamirror/store"
)

// Pusher is the write side of the PEMS API the worker depends on.
type Pusher interface {
	Push(ctx context.Context, operation string, endpoint string, externalId string, payload []byte) (pems.PushResult, error)
}

// Worker drains the write-back queue: claim a batch of due items, deliver
// each to PEMS, and settle the outcome. Delivery per modification is
// serialized by the claim itself; within a batch, items fan out across
// Concurrency goroutines.
type Worker struct {
	Queue    store.QueueStore
	Mods     store.ModificationStore
	Mirrors  store.MirrorStore
	Sources  store.SourceStore
	API      Pusher
	Notifier notify.Publisher
	Logger   *logrus.Logger

	WorkerID       string
	BatchSize      int
	Concurrency    int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Endpoint resolves the PEMS path for an entity type. Wired from the
	// sync source registry at startup.
	Endpoint func(entityType string) string
}

func NewWorker(stores store.Stores, api Pusher, notifier notify.Publisher, logger *logrus.Logger) *Worker {
	return &Worker{
		Queue:          stores.Queue,
		Mods:           stores.Modifications,
		Mirrors:        stores.Mirrors,
		Sources:        stores.Sources,
		API:            api,
		Notifier:       notifier,
		Logger:         logger,
		WorkerID:       uuid.NewString(),
		BatchSize:      50,
		Concurrency:    4,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     10 * time.Minute,
	}
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		w.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.PollInterval):
		}
	}
}

// DispatchOnce claims one batch and delivers it. Exported so tests and the
// memory-backed local runs can drive the worker without the poll loop.
func (w *Worker) DispatchOnce(ctx context.Context) {
	now := time.Now().UTC()
	claimed, err := w.Queue.ClaimDue(ctx, w.WorkerID, w.BatchSize, now, now.Add(-w.LockTimeout))
	if err != nil {
		w.Logger.WithError(err).Error("writeback: claim batch")
		return
	}
	if len(claimed) == 0 {
		return
	}

	workers := w.Concurrency
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, item := range claimed {
		item := item
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			w.deliver(ctx, item)
		}()
	}
	wg.Wait()
}

func (w *Worker) deliver(ctx context.Context, item models.WriteQueueItem) {
	mod, err := w.Mods.Get(ctx, item.ModificationId)
	if err != nil {
		w.settleFailure(ctx, item, fmt.Errorf("load modification %d: %w", item.ModificationId, err), false)
		return
	}
	mirror, err := w.Mirrors.GetByID(ctx, mod.MirrorId)
	if err != nil {
		w.settleFailure(ctx, item, fmt.Errorf("load mirror %d: %w", mod.MirrorId, err), false)
		return
	}

	endpoint := ""
	if w.Endpoint != nil {
		endpoint = w.Endpoint(mirror.EntityType)
	}
	payload := item.PayloadJSON
	if len(payload) == 0 {
		payload = mod.DeltaJSON
	}

	result, err := w.API.Push(ctx, item.Operation, endpoint, mirror.ExternalId, payload)
	if err != nil {
		// Validation rejections never succeed on retry; dead-letter now.
		w.settleFailure(ctx, item, err, pems.IsPermanent(err))
		return
	}

	if err := w.Queue.CompleteDelivery(ctx, item.ID, result.ExternalVersion, time.Now().UTC()); err != nil {
		w.Logger.WithFields(logrus.Fields{
			"item_id":         item.ID,
			"modification_id": item.ModificationId,
		}).WithError(err).Error("writeback: settle delivered item")
		return
	}
	w.Logger.WithFields(logrus.Fields{
		"tenant_id":        item.TenantId,
		"item_id":          item.ID,
		"modification_id":  item.ModificationId,
		"external_version": result.ExternalVersion,
	}).Info("writeback: delivered")
}

func (w *Worker) settleFailure(ctx context.Context, item models.WriteQueueItem, cause error, permanent bool) {
	attempt := item.RetryCount + 1
	if permanent || attempt >= item.MaxRetries {
		if err := w.Queue.DeadLetter(ctx, item.ID, attempt, cause.Error()); err != nil {
			w.Logger.WithError(err).Error("writeback: dead-letter item")
			return
		}
		if w.Notifier != nil {
			w.Notifier.Publish(ctx, notify.Event{
				EventType: notify.EventWriteDeadLettered,
				TenantId:  item.TenantId,
				EntityId:  fmt.Sprintf("queue_item:%d", item.ID),
				Summary:   fmt.Sprintf("write-back for modification %d dead-lettered after %d attempts: %s", item.ModificationId, attempt, cause.Error()),
			})
		}
		w.Logger.WithFields(logrus.Fields{
			"tenant_id":       item.TenantId,
			"item_id":         item.ID,
			"modification_id": item.ModificationId,
			"attempt":         attempt,
		}).WithError(cause).Error("writeback: moved to dead letter")
		return
	}

	next := time.Now().UTC().Add(w.backoff(attempt))
	if err := w.Queue.Reschedule(ctx, item.ID, attempt, next, cause.Error()); err != nil {
		w.Logger.WithError(err).Error("writeback: reschedule item")
		return
	}
	w.Logger.WithFields(logrus.Fields{
		"tenant_id":       item.TenantId,
		"item_id":         item.ID,
		"modification_id": item.ModificationId,
		"attempt":         attempt,
		"next_attempt_at": next.Format(time.RFC3339),
	}).WithError(cause).Warn("writeback: delivery failed, rescheduled")
}

func (w *Worker) backoff(attempt int) time.Duration {
	backoff := w.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= w.MaxBackoff {
			return w.MaxBackoff
		}
	}
	return backoff
}

// Redrive re-queues one dead-lettered item for immediate delivery and moves
// its modification back to pending. Operator action, never automatic.
func (w *Worker) Redrive(ctx context.Context, itemId uint) error {
	item, err := w.Queue.Get(ctx, itemId)
	if err != nil {
		return err
	}
	if err := w.Queue.Redrive(ctx, itemId, time.Now().UTC()); err != nil {
		return err
	}
	if err := w.Mods.Update(ctx, item.ModificationId, map[string]interface{}{
		"sync_status":     models.SyncStatusPending,
		"last_sync_error": "",
	}); err != nil {
		return err
	}
	w.Logger.WithFields(logrus.Fields{
		"tenant_id":       item.TenantId,
		"item_id":         itemId,
		"modification_id": item.ModificationId,
	}).Info("writeback: item redriven")
	return nil
}

// DeadLetters lists the tenant's failed items with their payloads decoded
// for operator inspection.
type DeadLetter struct {
	Item    models.WriteQueueItem `json:"item"`
	Payload map[string]any        `json:"payload,omitempty"`
}

func (w *Worker) DeadLetters(ctx context.Context, tenantId string, limit int) ([]DeadLetter, error) {
	items, err := w.Queue.Failed(ctx, tenantId, limit)
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(items))
	for _, item := range items {
		dl := DeadLetter{Item: item}
		if len(item.PayloadJSON) > 0 {
			_ = json.Unmarshal(item.PayloadJSON, &dl.Payload)
		}
		out = append(out, dl)
	}
	return out, nil
}
