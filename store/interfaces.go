package store

import (
	"context"
	"errors"
	"time"

	"github.com/eutimioliusbel/pfamirror/models"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrConflictOpen     = errors.New("open conflict already exists for modification")
	ErrConflictResolved = errors.New("conflict already resolved")
	ErrNotRedrivable    = errors.New("queue item is not in failed state")
)

type SourceStore interface {
	Get(ctx context.Context, tenantId string, sourceId uint) (*models.SyncSource, error)
	// UpdateCheckpoint persists the delta cursor. Called only after a run
	// fully succeeds; a failed run retries from the prior checkpoint.
	UpdateCheckpoint(ctx context.Context, sourceId uint, lastSyncAt time.Time, lastSyncId string) error
}

type BatchStore interface {
	Create(ctx context.Context, batch *models.IngestionBatch) error
	Update(ctx context.Context, batchId uint, fields map[string]interface{}) error
	Get(ctx context.Context, tenantId string, batchId uint) (*models.IngestionBatch, error)
	LatestCompleted(ctx context.Context, tenantId string, sourceId uint) (*models.IngestionBatch, error)
	Recent(ctx context.Context, tenantId string, sourceId uint, limit int) ([]models.IngestionBatch, error)
	AppendWarning(ctx context.Context, batchId uint, warning models.BatchWarning) error
	CreateError(ctx context.Context, syncErr *models.SyncError) error
	ErrorsForBatch(ctx context.Context, batchId uint) ([]models.SyncError, error)
}

type RawStore interface {
	// CreateChunk persists one fixed-size chunk in a single transaction.
	CreateChunk(ctx context.Context, records []models.RawRecord) error
	// LatestExternalId returns the external id of the most recently stored
	// raw record for the entity type, used as the id-cursor checkpoint.
	LatestExternalId(ctx context.Context, tenantId string, entityType string) (string, error)
	ForBatch(ctx context.Context, tenantId string, batchId uint) ([]models.RawRecord, error)
}

type MappingStore interface {
	// Effective returns the active mappings whose validity window contains
	// asOf, ordered by destination field.
	Effective(ctx context.Context, tenantId string, entityType string, asOf time.Time) ([]models.FieldMapping, error)
}

// ExternalUpsert carries the authoritative external state for one entity.
type ExternalUpsert struct {
	TenantId        string
	ExternalId      string
	EntityType      string
	Fields          map[string]any
	ExternalVersion string
	SeenAt          time.Time
	ChangedBy       string
	ChangeReason    string
}

type MirrorStore interface {
	Get(ctx context.Context, tenantId string, externalId string) (*models.DomainRecord, error)
	GetByID(ctx context.Context, mirrorId uint) (*models.DomainRecord, error)
	// ApplyExternal creates the mirror at version 1 on first sight, otherwise
	// archives the prior snapshot and bumps the version by exactly 1, both in
	// one transaction.
	ApplyExternal(ctx context.Context, up ExternalUpsert) (*models.DomainRecord, error)
	// History returns snapshots for versions in [fromVersion, toVersion],
	// ascending.
	History(ctx context.Context, mirrorId uint, fromVersion int, toVersion int) ([]models.MirrorHistory, error)
	UpsertLineage(ctx context.Context, lineage models.RecordLineage) error
	// MarkDiscontinued flags live mirrors last seen before the cutoff.
	MarkDiscontinued(ctx context.Context, tenantId string, entityType string, lastSeenBefore time.Time) (int64, error)
}

type ModificationStore interface {
	Create(ctx context.Context, mod *models.Modification) error
	Get(ctx context.Context, id uint) (*models.Modification, error)
	Update(ctx context.Context, id uint, fields map[string]interface{}) error
}

type ConflictStore interface {
	Get(ctx context.Context, id uint) (*models.SyncConflict, error)
	OpenForModification(ctx context.Context, modificationId uint) (*models.SyncConflict, error)
	// Create persists an unresolved conflict; ErrConflictOpen when one is
	// already open for the modification.
	Create(ctx context.Context, conflict *models.SyncConflict) error
	Resolve(ctx context.Context, id uint, resolution string, mergedData []byte, resolvedBy string, at time.Time) error
	List(ctx context.Context, tenantId string, status string, limit int) ([]models.SyncConflict, error)
}

type QueueStore interface {
	Enqueue(ctx context.Context, item *models.WriteQueueItem) error
	Get(ctx context.Context, id uint) (*models.WriteQueueItem, error)
	// ClaimDue moves due queued items to processing under this worker id,
	// higher priority first and FIFO within a tier. Items whose modification
	// already has an in-flight attempt are skipped; processing items with a
	// stale lock are reclaimed.
	ClaimDue(ctx context.Context, workerId string, limit int, now time.Time, staleBefore time.Time) ([]models.WriteQueueItem, error)
	Reschedule(ctx context.Context, id uint, retryCount int, nextAt time.Time, lastError string) error
	// DeadLetter transitions the item to failed and its modification to
	// sync_error in one transaction. No further automatic retries.
	DeadLetter(ctx context.Context, id uint, retryCount int, lastError string) error
	// CompleteDelivery runs the success transaction: modification synced with
	// the new external version, prior mirror snapshot archived, mirror
	// version bumped by 1, item completed.
	CompleteDelivery(ctx context.Context, id uint, externalVersion string, completedAt time.Time) error
	Redrive(ctx context.Context, id uint, at time.Time) error
	Failed(ctx context.Context, tenantId string, limit int) ([]models.WriteQueueItem, error)
}

// Stores bundles the repositories handed to the engine. No global handles:
// construct once in main and inject.
type Stores struct {
	Sources       SourceStore
	Batches       BatchStore
	Raw           RawStore
	Mappings      MappingStore
	Mirrors       MirrorStore
	Modifications ModificationStore
	Conflicts     ConflictStore
	Queue         QueueStore
}
