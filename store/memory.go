package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/eutimioliusbel/pfamirror/models"
)

// memState is the process-memory backing used by the unit tests and local
// runs without MySQL. Each repository interface gets a thin view over it;
// semantics mirror the gorm stores, including the transactional invariants.
type memState struct {
	mu sync.Mutex

	sources       map[uint]*models.SyncSource
	batches       map[uint]*models.IngestionBatch
	raw           []models.RawRecord
	syncErrors    []models.SyncError
	mappings      []models.FieldMapping
	mirrors       map[uint]*models.DomainRecord
	history       []models.MirrorHistory
	lineage       map[[3]uint]models.RecordLineage
	modifications map[uint]*models.Modification
	conflicts     map[uint]*models.SyncConflict
	queue         map[uint]*models.WriteQueueItem

	nextID map[string]uint
}

// MemoryStores couples the repository bundle with seeding hooks for tests.
type MemoryStores struct {
	Stores
	state *memState
}

func NewMemoryStores() *MemoryStores {
	s := &memState{
		sources:       map[uint]*models.SyncSource{},
		batches:       map[uint]*models.IngestionBatch{},
		lineage:       map[[3]uint]models.RecordLineage{},
		mirrors:       map[uint]*models.DomainRecord{},
		modifications: map[uint]*models.Modification{},
		conflicts:     map[uint]*models.SyncConflict{},
		queue:         map[uint]*models.WriteQueueItem{},
		nextID:        map[string]uint{},
	}
	return &MemoryStores{
		Stores: Stores{
			Sources:       memSources{s},
			Batches:       memBatches{s},
			Raw:           memRaw{s},
			Mappings:      memMappings{s},
			Mirrors:       memMirrors{s},
			Modifications: memModifications{s},
			Conflicts:     memConflicts{s},
			Queue:         memQueue{s},
		},
		state: s,
	}
}

func (s *memState) id(kind string) uint {
	s.nextID[kind]++
	return s.nextID[kind]
}

// SeedSource registers a sync source, assigning an id when absent.
func (m *MemoryStores) SeedSource(src models.SyncSource) models.SyncSource {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	if src.ID == 0 {
		src.ID = m.state.id("source")
	}
	cp := src
	m.state.sources[src.ID] = &cp
	return src
}

// SeedMapping registers a field mapping, assigning an id when absent.
func (m *MemoryStores) SeedMapping(mapping models.FieldMapping) models.FieldMapping {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	if mapping.ID == 0 {
		mapping.ID = m.state.id("mapping")
	}
	m.state.mappings = append(m.state.mappings, mapping)
	return mapping
}

// RawCount reports the number of persisted raw records.
func (m *MemoryStores) RawCount() int {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	return len(m.state.raw)
}

// QueueItems returns a snapshot of every queue item, id order.
func (m *MemoryStores) QueueItems() []models.WriteQueueItem {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	items := make([]models.WriteQueueItem, 0, len(m.state.queue))
	for _, item := range m.state.queue {
		items = append(items, *item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

// LineageCount reports the number of distinct lineage links.
func (m *MemoryStores) LineageCount() int {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	return len(m.state.lineage)
}

// --- sources ---

type memSources struct{ s *memState }

func (v memSources) Get(ctx context.Context, tenantId string, sourceId uint) (*models.SyncSource, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	src, ok := v.s.sources[sourceId]
	if !ok || src.TenantId != tenantId {
		return nil, ErrNotFound
	}
	cp := *src
	return &cp, nil
}

func (v memSources) UpdateCheckpoint(ctx context.Context, sourceId uint, lastSyncAt time.Time, lastSyncId string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	src, ok := v.s.sources[sourceId]
	if !ok {
		return ErrNotFound
	}
	at := lastSyncAt
	src.LastSyncAt = &at
	src.LastSyncId = lastSyncId
	return nil
}

// --- batches ---

type memBatches struct{ s *memState }

func (v memBatches) Create(ctx context.Context, batch *models.IngestionBatch) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	batch.ID = v.s.id("batch")
	batch.CreatedAt = time.Now()
	cp := *batch
	v.s.batches[batch.ID] = &cp
	return nil
}

func (v memBatches) Update(ctx context.Context, batchId uint, fields map[string]interface{}) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	batch, ok := v.s.batches[batchId]
	if !ok {
		return ErrNotFound
	}
	for key, value := range fields {
		switch key {
		case "status":
			batch.Status = value.(string)
		case "sync_type":
			batch.SyncType = value.(string)
		case "record_count":
			batch.RecordCount = value.(int)
		case "valid_count":
			batch.ValidCount = value.(int)
		case "invalid_count":
			batch.InvalidCount = value.(int)
		case "fingerprint_json":
			batch.FingerprintJSON = value.([]byte)
		case "warnings_json":
			batch.WarningsJSON = value.([]byte)
		case "started_at":
			batch.StartedAt = timeValue(value)
		case "completed_at":
			batch.CompletedAt = timeValue(value)
		case "last_error":
			batch.LastError = value.(string)
		}
	}
	return nil
}

func timeValue(value interface{}) *time.Time {
	switch t := value.(type) {
	case time.Time:
		return &t
	case *time.Time:
		return t
	}
	return nil
}

func (v memBatches) Get(ctx context.Context, tenantId string, batchId uint) (*models.IngestionBatch, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	batch, ok := v.s.batches[batchId]
	if !ok || batch.TenantId != tenantId {
		return nil, ErrNotFound
	}
	cp := *batch
	return &cp, nil
}

func (v memBatches) LatestCompleted(ctx context.Context, tenantId string, sourceId uint) (*models.IngestionBatch, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var latest *models.IngestionBatch
	for _, batch := range v.s.batches {
		if batch.TenantId != tenantId || batch.SourceId != sourceId || batch.Status != models.BatchStatusCompleted {
			continue
		}
		if latest == nil || batch.ID > latest.ID {
			latest = batch
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (v memBatches) Recent(ctx context.Context, tenantId string, sourceId uint, limit int) ([]models.IngestionBatch, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []models.IngestionBatch
	for _, batch := range v.s.batches {
		if batch.TenantId == tenantId && batch.SourceId == sourceId {
			out = append(out, *batch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v memBatches) AppendWarning(ctx context.Context, batchId uint, warning models.BatchWarning) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	batch, ok := v.s.batches[batchId]
	if !ok {
		return ErrNotFound
	}
	var warnings []models.BatchWarning
	if len(batch.WarningsJSON) > 0 {
		if err := json.Unmarshal(batch.WarningsJSON, &warnings); err != nil {
			return err
		}
	}
	warnings = append(warnings, warning)
	data, err := json.Marshal(warnings)
	if err != nil {
		return err
	}
	batch.WarningsJSON = data
	return nil
}

func (v memBatches) CreateError(ctx context.Context, syncErr *models.SyncError) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	syncErr.ID = v.s.id("syncError")
	syncErr.CreatedAt = time.Now()
	v.s.syncErrors = append(v.s.syncErrors, *syncErr)
	return nil
}

func (v memBatches) ErrorsForBatch(ctx context.Context, batchId uint) ([]models.SyncError, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []models.SyncError
	for _, e := range v.s.syncErrors {
		if e.BatchId == batchId {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- raw ---

type memRaw struct{ s *memState }

func (v memRaw) CreateChunk(ctx context.Context, records []models.RawRecord) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for i := range records {
		records[i].ID = v.s.id("raw")
		records[i].IngestedAt = time.Now()
		v.s.raw = append(v.s.raw, records[i])
	}
	return nil
}

func (v memRaw) LatestExternalId(ctx context.Context, tenantId string, entityType string) (string, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for i := len(v.s.raw) - 1; i >= 0; i-- {
		rec := v.s.raw[i]
		if rec.TenantId == tenantId && rec.SourceEntityType == entityType {
			return rec.ExternalId, nil
		}
	}
	return "", nil
}

func (v memRaw) ForBatch(ctx context.Context, tenantId string, batchId uint) ([]models.RawRecord, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []models.RawRecord
	for _, rec := range v.s.raw {
		if rec.TenantId == tenantId && rec.BatchId == batchId {
			out = append(out, rec)
		}
	}
	return out, nil
}

// --- mappings ---

type memMappings struct{ s *memState }

func (v memMappings) Effective(ctx context.Context, tenantId string, entityType string, asOf time.Time) ([]models.FieldMapping, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []models.FieldMapping
	for _, mapping := range v.s.mappings {
		if mapping.TenantId != tenantId || mapping.EntityType != entityType {
			continue
		}
		if !mapping.EffectiveAt(asOf) {
			continue
		}
		out = append(out, mapping)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DestinationField != out[j].DestinationField {
			return out[i].DestinationField < out[j].DestinationField
		}
		return out[i].ValidFrom.Before(out[j].ValidFrom)
	})
	return out, nil
}

// --- mirrors ---

type memMirrors struct{ s *memState }

func (v memMirrors) Get(ctx context.Context, tenantId string, externalId string) (*models.DomainRecord, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	rec := v.s.findMirror(tenantId, externalId)
	if rec == nil {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memState) findMirror(tenantId, externalId string) *models.DomainRecord {
	for _, rec := range s.mirrors {
		if rec.TenantId == tenantId && rec.ExternalId == externalId {
			return rec
		}
	}
	return nil
}

func (v memMirrors) GetByID(ctx context.Context, mirrorId uint) (*models.DomainRecord, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	rec, ok := v.s.mirrors[mirrorId]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (v memMirrors) ApplyExternal(ctx context.Context, up ExternalUpsert) (*models.DomainRecord, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	fields, err := json.Marshal(up.Fields)
	if err != nil {
		return nil, err
	}
	seenAt := up.SeenAt
	rec := v.s.findMirror(up.TenantId, up.ExternalId)
	if rec == nil {
		rec = &models.DomainRecord{
			ID:              v.s.id("mirror"),
			TenantId:        up.TenantId,
			ExternalId:      up.ExternalId,
			EntityType:      up.EntityType,
			Version:         1,
			ExternalVersion: up.ExternalVersion,
			FieldsJSON:      fields,
			LastSeenAt:      &seenAt,
		}
		v.s.mirrors[rec.ID] = rec
		cp := *rec
		return &cp, nil
	}
	v.s.archiveMirror(rec, up.ChangedBy, up.ChangeReason)
	rec.Version++
	rec.ExternalVersion = up.ExternalVersion
	rec.FieldsJSON = fields
	rec.LastSeenAt = &seenAt
	rec.Discontinued = false
	cp := *rec
	return &cp, nil
}

// archiveMirror snapshots the current version before a bump. Caller holds mu.
func (s *memState) archiveMirror(rec *models.DomainRecord, changedBy, reason string) {
	snapshot := make([]byte, len(rec.FieldsJSON))
	copy(snapshot, rec.FieldsJSON)
	s.history = append(s.history, models.MirrorHistory{
		ID:           s.id("history"),
		MirrorId:     rec.ID,
		Version:      rec.Version,
		DataJSON:     snapshot,
		ChangedBy:    changedBy,
		ChangeReason: reason,
		CreatedAt:    time.Now(),
	})
}

func (v memMirrors) History(ctx context.Context, mirrorId uint, fromVersion int, toVersion int) ([]models.MirrorHistory, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []models.MirrorHistory
	for _, h := range v.s.history {
		if h.MirrorId == mirrorId && h.Version >= fromVersion && h.Version <= toVersion {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (v memMirrors) UpsertLineage(ctx context.Context, lineage models.RecordLineage) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	key := [3]uint{lineage.DomainRecordId, lineage.BatchId, lineage.RawRecordId}
	if _, ok := v.s.lineage[key]; ok {
		return nil
	}
	lineage.ID = v.s.id("lineage")
	lineage.CreatedAt = time.Now()
	v.s.lineage[key] = lineage
	return nil
}

func (v memMirrors) MarkDiscontinued(ctx context.Context, tenantId string, entityType string, lastSeenBefore time.Time) (int64, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var n int64
	for _, rec := range v.s.mirrors {
		if rec.TenantId != tenantId || rec.EntityType != entityType || rec.Discontinued {
			continue
		}
		if rec.LastSeenAt != nil && rec.LastSeenAt.Before(lastSeenBefore) {
			rec.Discontinued = true
			n++
		}
	}
	return n, nil
}

// --- modifications ---

type memModifications struct{ s *memState }

func (v memModifications) Create(ctx context.Context, mod *models.Modification) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	mod.ID = v.s.id("modification")
	mod.CreatedAt = time.Now()
	cp := *mod
	v.s.modifications[mod.ID] = &cp
	return nil
}

func (v memModifications) Get(ctx context.Context, id uint) (*models.Modification, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	mod, ok := v.s.modifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *mod
	return &cp, nil
}

func (v memModifications) Update(ctx context.Context, id uint, fields map[string]interface{}) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	mod, ok := v.s.modifications[id]
	if !ok {
		return ErrNotFound
	}
	applyModificationFields(mod, fields)
	return nil
}

func applyModificationFields(mod *models.Modification, fields map[string]interface{}) {
	for key, value := range fields {
		switch key {
		case "sync_state":
			mod.SyncState = value.(string)
		case "sync_status":
			mod.SyncStatus = value.(string)
		case "base_version":
			mod.BaseVersion = value.(int)
		case "delta_json":
			mod.DeltaJSON = value.([]byte)
		case "last_sync_error":
			mod.LastSyncError = value.(string)
		}
	}
}

// --- conflicts ---

type memConflicts struct{ s *memState }

func (v memConflicts) Get(ctx context.Context, id uint) (*models.SyncConflict, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	c, ok := v.s.conflicts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (v memConflicts) OpenForModification(ctx context.Context, modificationId uint) (*models.SyncConflict, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, c := range v.s.conflicts {
		if c.ModificationId == modificationId && c.Status == models.ConflictStatusUnresolved {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (v memConflicts) Create(ctx context.Context, conflict *models.SyncConflict) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, c := range v.s.conflicts {
		if c.OpenModificationId != nil && *c.OpenModificationId == conflict.ModificationId {
			return ErrConflictOpen
		}
	}
	conflict.ID = v.s.id("conflict")
	conflict.Status = models.ConflictStatusUnresolved
	conflict.OpenModificationId = &conflict.ModificationId
	conflict.CreatedAt = time.Now()
	cp := *conflict
	v.s.conflicts[conflict.ID] = &cp
	return nil
}

func (v memConflicts) Resolve(ctx context.Context, id uint, resolution string, mergedData []byte, resolvedBy string, at time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	c, ok := v.s.conflicts[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status == models.ConflictStatusResolved {
		return ErrConflictResolved
	}
	c.Status = models.ConflictStatusResolved
	c.OpenModificationId = nil
	c.Resolution = resolution
	c.MergedDataJSON = mergedData
	c.ResolvedBy = resolvedBy
	resolvedAt := at
	c.ResolvedAt = &resolvedAt
	return nil
}

func (v memConflicts) List(ctx context.Context, tenantId string, status string, limit int) ([]models.SyncConflict, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []models.SyncConflict
	for _, c := range v.s.conflicts {
		if c.TenantId != tenantId {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- queue ---

type memQueue struct{ s *memState }

func (v memQueue) Enqueue(ctx context.Context, item *models.WriteQueueItem) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	item.ID = v.s.id("queue")
	item.CreatedAt = time.Now()
	if item.Status == "" {
		item.Status = models.QueueStatusQueued
	}
	if item.ScheduledAt.IsZero() {
		item.ScheduledAt = time.Now()
	}
	if item.MaxRetries == 0 {
		item.MaxRetries = 3
	}
	cp := *item
	v.s.queue[item.ID] = &cp
	return nil
}

func (v memQueue) Get(ctx context.Context, id uint) (*models.WriteQueueItem, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	item, ok := v.s.queue[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *item
	return &cp, nil
}

func (v memQueue) ClaimDue(ctx context.Context, workerId string, limit int, now time.Time, staleBefore time.Time) ([]models.WriteQueueItem, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	liveProcessing := map[uint]bool{}
	for _, item := range v.s.queue {
		if item.Status == models.QueueStatusProcessing && item.LockedAt != nil && !item.LockedAt.Before(staleBefore) {
			liveProcessing[item.ModificationId] = true
		}
	}
	var eligible []*models.WriteQueueItem
	for _, item := range v.s.queue {
		due := item.Status == models.QueueStatusQueued && !item.ScheduledAt.After(now)
		stale := item.Status == models.QueueStatusProcessing && item.LockedAt != nil && item.LockedAt.Before(staleBefore)
		if !due && !stale {
			continue
		}
		if liveProcessing[item.ModificationId] {
			continue
		}
		eligible = append(eligible, item)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].ID < eligible[j].ID
	})
	var claimed []models.WriteQueueItem
	seenMod := map[uint]bool{}
	for _, item := range eligible {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		if seenMod[item.ModificationId] {
			continue
		}
		seenMod[item.ModificationId] = true
		lockedAt := now
		worker := workerId
		item.Status = models.QueueStatusProcessing
		item.LockedAt = &lockedAt
		item.LockedBy = &worker
		claimed = append(claimed, *item)
	}
	return claimed, nil
}

func (v memQueue) Reschedule(ctx context.Context, id uint, retryCount int, nextAt time.Time, lastError string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	item, ok := v.s.queue[id]
	if !ok {
		return ErrNotFound
	}
	item.Status = models.QueueStatusQueued
	item.RetryCount = retryCount
	item.ScheduledAt = nextAt
	item.LastError = lastError
	item.LockedAt = nil
	item.LockedBy = nil
	return nil
}

func (v memQueue) DeadLetter(ctx context.Context, id uint, retryCount int, lastError string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	item, ok := v.s.queue[id]
	if !ok {
		return ErrNotFound
	}
	item.Status = models.QueueStatusFailed
	item.RetryCount = retryCount
	item.LastError = lastError
	item.LockedAt = nil
	item.LockedBy = nil
	if mod, ok := v.s.modifications[item.ModificationId]; ok {
		mod.SyncStatus = models.SyncStatusSyncError
		mod.LastSyncError = lastError
	}
	return nil
}

func (v memQueue) CompleteDelivery(ctx context.Context, id uint, externalVersion string, completedAt time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	item, ok := v.s.queue[id]
	if !ok {
		return ErrNotFound
	}
	mod, ok := v.s.modifications[item.ModificationId]
	if !ok {
		return ErrNotFound
	}
	mirror, ok := v.s.mirrors[mod.MirrorId]
	if !ok {
		return ErrNotFound
	}

	var fields map[string]any
	if len(mirror.FieldsJSON) > 0 {
		if err := json.Unmarshal(mirror.FieldsJSON, &fields); err != nil {
			return err
		}
	}
	if fields == nil {
		fields = map[string]any{}
	}
	var delta map[string]any
	if len(mod.DeltaJSON) > 0 {
		if err := json.Unmarshal(mod.DeltaJSON, &delta); err != nil {
			return err
		}
	}
	for k, val := range delta {
		fields[k] = val
	}
	merged, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	v.s.archiveMirror(mirror, mod.RequestedBy, "write_back")
	mirror.Version++
	mirror.ExternalVersion = externalVersion
	mirror.FieldsJSON = merged

	mod.SyncState = models.SyncStateSynced
	mod.SyncStatus = models.SyncStatusSynced
	mod.BaseVersion = mirror.Version
	mod.LastSyncError = ""

	done := completedAt
	item.Status = models.QueueStatusCompleted
	item.CompletedAt = &done
	item.LockedAt = nil
	item.LockedBy = nil
	item.LastError = ""
	return nil
}

func (v memQueue) Redrive(ctx context.Context, id uint, at time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	item, ok := v.s.queue[id]
	if !ok {
		return ErrNotFound
	}
	if item.Status != models.QueueStatusFailed {
		return ErrNotRedrivable
	}
	item.Status = models.QueueStatusQueued
	item.RetryCount = 0
	item.ScheduledAt = at
	item.LastError = ""
	return nil
}

func (v memQueue) Failed(ctx context.Context, tenantId string, limit int) ([]models.WriteQueueItem, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []models.WriteQueueItem
	for _, item := range v.s.queue {
		if item.TenantId == tenantId && item.Status == models.QueueStatusFailed {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
