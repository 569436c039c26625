package writeback

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eutimioliusbel/pfamirror/models"
	"github.com/eutimioliusbel/pfamirror/notify"
	"github.com/eutimioliusbel/pfamirror/pems"
	"github.com/eutimioliusbel/pfamirror/store"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type pushCall struct {
	Operation  string
	Endpoint   string
	ExternalId string
	Payload    []byte
}

// fakePusher fails the first failUntil calls, then succeeds. A permanent
// error short-circuits every call.
type fakePusher struct {
	mu        sync.Mutex
	calls     []pushCall
	failUntil int
	failWith  error
	version   string
}

func (p *fakePusher) Push(ctx context.Context, operation, endpoint, externalId string, payload []byte) (pems.PushResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, pushCall{operation, endpoint, externalId, payload})
	if len(p.calls) <= p.failUntil {
		err := p.failWith
		if err == nil {
			err = errors.New("pems unavailable")
		}
		return pems.PushResult{}, err
	}
	return pems.PushResult{ExternalVersion: p.version, UpdatedAt: time.Now()}, nil
}

func (p *fakePusher) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type captureNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *captureNotifier) Publish(ctx context.Context, event notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *captureNotifier) count(eventType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, e := range n.events {
		if e.EventType == eventType {
			total++
		}
	}
	return total
}

type workerFixture struct {
	mem      *store.MemoryStores
	worker   *Worker
	pusher   *fakePusher
	notifier *captureNotifier
}

func newWorkerFixture() *workerFixture {
	mem := store.NewMemoryStores()
	pusher := &fakePusher{version: "ext-9"}
	notifier := &captureNotifier{}
	worker := NewWorker(mem.Stores, pusher, notifier, quietLogger())
	// Rescheduled items become due immediately so tests can drive retries
	// with back-to-back dispatches.
	worker.InitialBackoff = time.Nanosecond
	worker.MaxBackoff = time.Nanosecond
	worker.Endpoint = func(entityType string) string { return "/v1/" + entityType + "s" }
	return &workerFixture{mem: mem, worker: worker, pusher: pusher, notifier: notifier}
}

// pendingDelivery seeds a mirror, a pending modification, and its queued
// item, returning the queue item id and the modification id.
func (f *workerFixture) pendingDelivery(t *testing.T, externalId string, delta map[string]any, priority int) (itemId uint, modId uint) {
	t.Helper()
	ctx := context.Background()
	mirror, err := f.mem.Mirrors.ApplyExternal(ctx, store.ExternalUpsert{
		TenantId:   "t1",
		ExternalId: externalId,
		EntityType: "pfa",
		Fields:     map[string]any{"status": "active", "cost": float64(100)},
		SeenAt:     time.Now(),
		ChangedBy:  "transform",
	})
	if err != nil {
		t.Fatal(err)
	}
	deltaJSON, _ := json.Marshal(delta)
	mod := &models.Modification{
		TenantId:    "t1",
		MirrorId:    mirror.ID,
		DeltaJSON:   deltaJSON,
		BaseVersion: mirror.Version,
		SyncState:   models.SyncStatePendingSync,
		SyncStatus:  models.SyncStatusPending,
		RequestedBy: "alice",
	}
	if err := f.mem.Modifications.Create(ctx, mod); err != nil {
		t.Fatal(err)
	}
	item := &models.WriteQueueItem{
		TenantId:       "t1",
		ModificationId: mod.ID,
		Operation:      models.QueueOpUpdate,
		PayloadJSON:    deltaJSON,
		Priority:       priority,
		ScheduledAt:    time.Now().Add(-time.Second),
	}
	if err := f.mem.Queue.Enqueue(ctx, item); err != nil {
		t.Fatal(err)
	}
	return item.ID, mod.ID
}

func TestDispatchDeliversAndSettles(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture()
	itemId, modId := f.pendingDelivery(t, "PFA-1", map[string]any{"status": "disposed"}, 0)

	f.worker.DispatchOnce(ctx)

	if f.pusher.callCount() != 1 {
		t.Fatalf("push calls = %d, want 1", f.pusher.callCount())
	}
	call := f.pusher.calls[0]
	if call.Endpoint != "/v1/pfas" || call.ExternalId != "PFA-1" || call.Operation != models.QueueOpUpdate {
		t.Fatalf("push call = %+v", call)
	}

	item, _ := f.mem.Queue.Get(ctx, itemId)
	if item.Status != models.QueueStatusCompleted || item.CompletedAt == nil {
		t.Fatalf("item = %s", item.Status)
	}
	mod, _ := f.mem.Modifications.Get(ctx, modId)
	if mod.SyncState != models.SyncStateSynced || mod.SyncStatus != models.SyncStatusSynced {
		t.Fatalf("modification = %s/%s", mod.SyncState, mod.SyncStatus)
	}

	mirror, _ := f.mem.Mirrors.Get(ctx, "t1", "PFA-1")
	if mirror.Version != 2 || mirror.ExternalVersion != "ext-9" {
		t.Fatalf("mirror = v%d ext %q", mirror.Version, mirror.ExternalVersion)
	}
	if mod.BaseVersion != mirror.Version {
		t.Fatalf("modification base = %d, mirror = %d", mod.BaseVersion, mirror.Version)
	}
	var fields map[string]any
	_ = json.Unmarshal(mirror.FieldsJSON, &fields)
	if fields["status"] != "disposed" || fields["cost"] != float64(100) {
		t.Fatalf("merged fields = %v", fields)
	}
	history, _ := f.mem.Mirrors.History(ctx, mirror.ID, 1, mirror.Version)
	if len(history) != 1 || history[0].Version != 1 {
		t.Fatalf("history = %+v", history)
	}
}

func TestDispatchReschedulesTransientFailure(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture()
	itemId, modId := f.pendingDelivery(t, "PFA-1", map[string]any{"status": "disposed"}, 0)
	f.pusher.failUntil = 2

	f.worker.DispatchOnce(ctx)
	item, _ := f.mem.Queue.Get(ctx, itemId)
	if item.Status != models.QueueStatusQueued || item.RetryCount != 1 {
		t.Fatalf("after first failure: %s retry %d", item.Status, item.RetryCount)
	}
	if item.LastError == "" {
		t.Fatal("reschedule lost the error")
	}

	time.Sleep(time.Millisecond)
	f.worker.DispatchOnce(ctx)
	item, _ = f.mem.Queue.Get(ctx, itemId)
	if item.RetryCount != 2 {
		t.Fatalf("after second failure: retry %d", item.RetryCount)
	}

	time.Sleep(time.Millisecond)
	f.worker.DispatchOnce(ctx)
	item, _ = f.mem.Queue.Get(ctx, itemId)
	if item.Status != models.QueueStatusCompleted {
		t.Fatalf("third attempt did not deliver: %s", item.Status)
	}
	mod, _ := f.mem.Modifications.Get(ctx, modId)
	if mod.SyncStatus != models.SyncStatusSynced || mod.LastSyncError != "" {
		t.Fatalf("modification = %s err %q", mod.SyncStatus, mod.LastSyncError)
	}
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	w := &Worker{InitialBackoff: 5 * time.Second, MaxBackoff: 15 * time.Second}
	if got := w.backoff(1); got != 5*time.Second {
		t.Fatalf("attempt 1 = %v", got)
	}
	if got := w.backoff(2); got != 10*time.Second {
		t.Fatalf("attempt 2 = %v", got)
	}
	if got := w.backoff(3); got != 15*time.Second {
		t.Fatalf("attempt 3 = %v", got)
	}
	if got := w.backoff(6); got != 15*time.Second {
		t.Fatalf("attempt 6 = %v", got)
	}
}

func TestDispatchDeadLettersAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture()
	itemId, modId := f.pendingDelivery(t, "PFA-1", map[string]any{"status": "disposed"}, 0)
	f.pusher.failUntil = 10

	for i := 0; i < 5; i++ {
		f.worker.DispatchOnce(ctx)
		time.Sleep(time.Millisecond)
	}

	if f.pusher.callCount() != 3 {
		t.Fatalf("push calls = %d, want max_retries 3", f.pusher.callCount())
	}
	item, _ := f.mem.Queue.Get(ctx, itemId)
	if item.Status != models.QueueStatusFailed || item.RetryCount != 3 {
		t.Fatalf("item = %s retry %d", item.Status, item.RetryCount)
	}
	mod, _ := f.mem.Modifications.Get(ctx, modId)
	if mod.SyncStatus != models.SyncStatusSyncError || mod.LastSyncError == "" {
		t.Fatalf("modification = %s err %q", mod.SyncStatus, mod.LastSyncError)
	}
	if f.notifier.count(notify.EventWriteDeadLettered) != 1 {
		t.Fatalf("dead-letter events = %d, want 1", f.notifier.count(notify.EventWriteDeadLettered))
	}
}

func TestDispatchDeadLettersPermanentRejectionImmediately(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture()
	itemId, _ := f.pendingDelivery(t, "PFA-1", map[string]any{"status": "nonsense"}, 0)
	f.pusher.failUntil = 10
	f.pusher.failWith = &pems.PermanentError{StatusCode: 422, Body: "status not allowed"}

	f.worker.DispatchOnce(ctx)

	if f.pusher.callCount() != 1 {
		t.Fatalf("push calls = %d, want 1", f.pusher.callCount())
	}
	item, _ := f.mem.Queue.Get(ctx, itemId)
	if item.Status != models.QueueStatusFailed {
		t.Fatalf("item = %s, want failed on first attempt", item.Status)
	}
}

func TestClaimOrdersByPriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture()
	f.pendingDelivery(t, "PFA-1", map[string]any{"a": 1}, 0)
	urgentId, _ := f.pendingDelivery(t, "PFA-2", map[string]any{"b": 2}, 5)

	claimed, err := f.mem.Queue.ClaimDue(ctx, "w1", 10, time.Now(), time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed = %d", len(claimed))
	}
	if claimed[0].ID != urgentId {
		t.Fatalf("claim order = [%d %d], want priority 5 first", claimed[0].ID, claimed[1].ID)
	}
}

func TestClaimSerializesPerModification(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture()
	_, modId := f.pendingDelivery(t, "PFA-1", map[string]any{"a": 1}, 0)
	// Second queued delivery for the same modification.
	if err := f.mem.Queue.Enqueue(ctx, &models.WriteQueueItem{
		TenantId:       "t1",
		ModificationId: modId,
		Operation:      models.QueueOpUpdate,
		PayloadJSON:    []byte(`{"a":2}`),
		ScheduledAt:    time.Now().Add(-time.Second),
	}); err != nil {
		t.Fatal(err)
	}

	claimed, err := f.mem.Queue.ClaimDue(ctx, "w1", 10, time.Now(), time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d items for one modification", len(claimed))
	}
	// While the first is in flight, nothing else for the modification moves.
	claimed, err = f.mem.Queue.ClaimDue(ctx, "w2", 10, time.Now(), time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 0 {
		t.Fatalf("second worker claimed %d items", len(claimed))
	}
}

func TestClaimReclaimsStaleLock(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture()
	itemId, _ := f.pendingDelivery(t, "PFA-1", map[string]any{"a": 1}, 0)

	claimed, err := f.mem.Queue.ClaimDue(ctx, "w1", 10, time.Now(), time.Now().Add(-time.Minute))
	if err != nil || len(claimed) != 1 {
		t.Fatalf("seed claim = %d items, err %v", len(claimed), err)
	}
	// The lock is fresh: not reclaimable.
	claimed, _ = f.mem.Queue.ClaimDue(ctx, "w2", 10, time.Now(), time.Now().Add(-time.Minute))
	if len(claimed) != 0 {
		t.Fatal("fresh lock was reclaimed")
	}
	// With the stale horizon in the future the lock counts as abandoned.
	claimed, err = f.mem.Queue.ClaimDue(ctx, "w2", 10, time.Now(), time.Now().Add(time.Minute))
	if err != nil || len(claimed) != 1 {
		t.Fatalf("stale claim = %d items, err %v", len(claimed), err)
	}
	if claimed[0].ID != itemId || *claimed[0].LockedBy != "w2" {
		t.Fatalf("reclaimed by %v", claimed[0].LockedBy)
	}
}

func TestRedriveResetsItemAndModification(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture()
	itemId, modId := f.pendingDelivery(t, "PFA-1", map[string]any{"status": "disposed"}, 0)
	f.pusher.failUntil = 3
	f.pusher.failWith = &pems.PermanentError{StatusCode: 400, Body: "bad request"}
	f.worker.DispatchOnce(ctx)

	item, _ := f.mem.Queue.Get(ctx, itemId)
	if item.Status != models.QueueStatusFailed {
		t.Fatalf("fixture item = %s, want failed", item.Status)
	}
	dead, err := f.worker.DeadLetters(ctx, "t1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 || dead[0].Item.ID != itemId {
		t.Fatalf("dead letters = %+v", dead)
	}
	if dead[0].Payload["status"] != "disposed" {
		t.Fatalf("dead letter payload = %v", dead[0].Payload)
	}

	if err := f.worker.Redrive(ctx, itemId); err != nil {
		t.Fatal(err)
	}
	item, _ = f.mem.Queue.Get(ctx, itemId)
	if item.Status != models.QueueStatusQueued || item.RetryCount != 0 || item.LastError != "" {
		t.Fatalf("redriven item = %+v", item)
	}
	mod, _ := f.mem.Modifications.Get(ctx, modId)
	if mod.SyncStatus != models.SyncStatusPending || mod.LastSyncError != "" {
		t.Fatalf("redriven modification = %s err %q", mod.SyncStatus, mod.LastSyncError)
	}

	// Upstream recovers; the redriven item gets fresh attempts.
	f.pusher.failUntil = 0
	f.pusher.failWith = nil
	f.worker.DispatchOnce(ctx)
	item, _ = f.mem.Queue.Get(ctx, itemId)
	if item.Status != models.QueueStatusCompleted {
		t.Fatalf("redriven delivery = %s", item.Status)
	}
}

func TestRedriveRejectsNonFailedItem(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture()
	itemId, _ := f.pendingDelivery(t, "PFA-1", map[string]any{"a": 1}, 0)

	err := f.worker.Redrive(ctx, itemId)
	if !errors.Is(err, store.ErrNotRedrivable) {
		t.Fatalf("err = %v, want ErrNotRedrivable", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newWorkerFixture()
	f.worker.PollInterval = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.worker.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
