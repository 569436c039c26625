package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"

	"github.com/eutimioliusbel/pfamirror/models"
	"github.com/eutimioliusbel/pfamirror/notify"
	"github.com/eutimioliusbel/pfamirror/pems"
	"github.com/eutimioliusbel/pfamirror/store"
)

const (
	defaultChunkSize = 1000
	defaultPageLimit = 200
	runLockTTL       = 30 * time.Minute
)

var ErrRunActive = errors.New("ingestion already running for this source")

// Lister is the read side of the PEMS API the runner depends on.
type Lister interface {
	List(ctx context.Context, endpoint string, params pems.ListParams) (pems.Page, error)
}

// DriftEvaluator inspects a completed batch's fingerprint against the
// baseline. Implemented by the drift detector.
type DriftEvaluator interface {
	Evaluate(ctx context.Context, source *models.SyncSource, batchId uint, baseline *Fingerprint, current Fingerprint) error
}

// Runner executes one ingestion run end to end: paginated pull, chunked
// bronze persistence, fingerprinting, drift evaluation, checkpoint advance.
type Runner struct {
	Sources  store.SourceStore
	Batches  store.BatchStore
	Raw      store.RawStore
	API      Lister
	Locker   *redislock.Client
	Progress *ProgressTracker
	Drift    DriftEvaluator
	Notifier notify.Publisher
	Logger   *logrus.Logger

	ChunkSize int
	PageLimit int
}

func (r *Runner) chunkSize() int {
	if r.ChunkSize > 0 {
		return r.ChunkSize
	}
	return defaultChunkSize
}

func (r *Runner) pageLimit() int {
	if r.PageLimit > 0 {
		return r.PageLimit
	}
	return defaultPageLimit
}

// Start runs a full or delta ingestion for one source. Exactly one run per
// (tenant, source) is admitted at a time; a second caller gets ErrRunActive.
// The checkpoint and batch completion are persisted only when the whole run
// succeeds, so a failed run retries from the prior checkpoint.
func (r *Runner) Start(ctx context.Context, tenantId string, sourceId uint, mode string, triggeredBy string) (*models.IngestionBatch, error) {
	src, err := r.Sources.Get(ctx, tenantId, sourceId)
	if err != nil {
		return nil, err
	}

	if r.Locker != nil {
		lock, err := r.Locker.Obtain(ctx, fmt.Sprintf("ingest:lock:%s:%d", tenantId, sourceId), runLockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrRunActive
		}
		if err != nil {
			return nil, fmt.Errorf("obtain run lock: %w", err)
		}
		defer lock.Release(context.WithoutCancel(ctx))
	}

	syncType, params, err := r.extractionParams(ctx, src, mode)
	if err != nil {
		return nil, err
	}

	startedAt := time.Now()
	batch := &models.IngestionBatch{
		TenantId:    tenantId,
		SourceId:    sourceId,
		SyncType:    syncType,
		Status:      models.BatchStatusRunning,
		TriggeredBy: triggeredBy,
		StartedAt:   &startedAt,
	}
	if err := r.Batches.Create(ctx, batch); err != nil {
		return nil, err
	}
	r.Progress.Set(ctx, tenantId, sourceId, Progress{BatchId: batch.ID, Status: models.BatchStatusRunning})

	result, runErr := r.pull(ctx, src, batch, params)
	if runErr != nil {
		r.failBatch(ctx, src, batch, result, runErr)
		return batch, runErr
	}

	fp, err := BuildFingerprint(result.sample)
	if err != nil {
		r.failBatch(ctx, src, batch, result, err)
		return batch, err
	}
	fpJSON, err := json.Marshal(fp)
	if err != nil {
		r.failBatch(ctx, src, batch, result, err)
		return batch, err
	}

	if r.Drift != nil {
		baseline := r.baselineFingerprint(ctx, tenantId, sourceId)
		if err := r.Drift.Evaluate(ctx, src, batch.ID, baseline, fp); err != nil {
			r.Logger.WithFields(logrus.Fields{
				"tenant_id": tenantId,
				"batch_id":  batch.ID,
			}).WithError(err).Error("ingest: drift evaluation")
		}
	}

	completedAt := time.Now()
	if err := r.Batches.Update(ctx, batch.ID, map[string]interface{}{
		"status":           models.BatchStatusCompleted,
		"record_count":     result.processed,
		"valid_count":      result.valid,
		"invalid_count":    result.invalid,
		"fingerprint_json": fpJSON,
		"completed_at":     completedAt,
	}); err != nil {
		return batch, err
	}
	if err := r.Sources.UpdateCheckpoint(ctx, sourceId, startedAt, result.lastExternalId); err != nil {
		return batch, err
	}

	batch.Status = models.BatchStatusCompleted
	batch.RecordCount = result.processed
	batch.ValidCount = result.valid
	batch.InvalidCount = result.invalid
	batch.FingerprintJSON = fpJSON
	batch.CompletedAt = &completedAt

	r.Progress.Set(ctx, tenantId, sourceId, Progress{
		BatchId:          batch.ID,
		Status:           models.BatchStatusCompleted,
		ProcessedRecords: result.processed,
	})
	if r.Notifier != nil {
		r.Notifier.Publish(ctx, notify.Event{
			EventType: notify.EventIngestionCompleted,
			TenantId:  tenantId,
			EntityId:  fmt.Sprintf("batch:%d", batch.ID),
			Summary:   fmt.Sprintf("ingestion for %s completed: %d records (%d invalid)", src.Name, result.processed, result.invalid),
		})
	}
	r.Logger.WithFields(logrus.Fields{
		"tenant_id": tenantId,
		"source_id": sourceId,
		"batch_id":  batch.ID,
		"sync_type": syncType,
		"records":   result.processed,
		"invalid":   result.invalid,
	}).Info("ingest: run completed")
	return batch, nil
}

// extractionParams resolves the effective sync type and delta filter. Delta
// falls back to full when the source does not support it or no checkpoint
// exists yet.
func (r *Runner) extractionParams(ctx context.Context, src *models.SyncSource, mode string) (string, pems.ListParams, error) {
	params := pems.ListParams{Limit: r.pageLimit()}
	if mode != models.SyncTypeDelta {
		return models.SyncTypeFull, params, nil
	}
	if !src.SupportsDelta {
		return models.SyncTypeFull, params, nil
	}
	switch src.CursorField {
	case models.CursorFieldTimestamp:
		if src.LastSyncAt == nil {
			return models.SyncTypeFull, params, nil
		}
		params.UpdatedSince = src.LastSyncAt
	case models.CursorFieldId:
		latest, err := r.Raw.LatestExternalId(ctx, src.TenantId, src.EntityType)
		if err != nil {
			return "", params, err
		}
		if latest == "" {
			latest = src.LastSyncId
		}
		if latest == "" {
			return models.SyncTypeFull, params, nil
		}
		params.SinceId = latest
	default:
		return models.SyncTypeFull, params, nil
	}
	return models.SyncTypeDelta, params, nil
}

type pullResult struct {
	processed      int
	valid          int
	invalid        int
	lastExternalId string
	sample         []json.RawMessage
}

// pull walks the paginated endpoint, persisting raw records in fixed chunks
// so transaction size stays bounded regardless of run size. On failure the
// buffered tail is flushed too; only the checkpoint advance is withheld, so
// a retry re-pulls from the prior checkpoint without losing bronze data.
func (r *Runner) pull(ctx context.Context, src *models.SyncSource, batch *models.IngestionBatch, params pems.ListParams) (pullResult, error) {
	var res pullResult
	chunk := make([]models.RawRecord, 0, r.chunkSize())

	flushTo := func(fctx context.Context) error {
		if len(chunk) == 0 {
			return nil
		}
		if err := r.Raw.CreateChunk(fctx, chunk); err != nil {
			return fmt.Errorf("persist raw chunk: %w", err)
		}
		chunk = chunk[:0]
		return nil
	}
	flush := func() error { return flushTo(ctx) }
	// A failed run keeps everything pulled so far; the flush runs on a
	// detached context so cancellation does not also drop the tail chunk.
	flushPartial := func() {
		if err := flushTo(context.WithoutCancel(ctx)); err != nil {
			r.Logger.WithFields(logrus.Fields{
				"tenant_id": src.TenantId,
				"batch_id":  batch.ID,
			}).WithError(err).Error("ingest: persist tail chunk of failed run")
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			flushPartial()
			return res, err
		}
		page, err := r.API.List(ctx, src.Endpoint, params)
		if err != nil {
			flushPartial()
			return res, err
		}
		if len(page.Records) == 0 {
			break
		}

		for _, raw := range page.Records {
			res.processed++
			externalId, err := extractExternalId(raw)
			if err != nil {
				res.invalid++
				r.recordError(ctx, src, batch.ID, "", "invalid_payload", err, raw)
				continue
			}
			res.valid++
			res.lastExternalId = externalId
			if len(res.sample) < fingerprintSampleSize {
				res.sample = append(res.sample, raw)
			}
			chunk = append(chunk, models.RawRecord{
				TenantId:         src.TenantId,
				BatchId:          batch.ID,
				SourceEntityType: src.EntityType,
				ExternalId:       externalId,
				RawPayload:       raw,
			})
			if len(chunk) == r.chunkSize() {
				if err := flush(); err != nil {
					return res, err
				}
			}
		}

		r.Progress.Set(ctx, src.TenantId, src.ID, Progress{
			BatchId:          batch.ID,
			Status:           models.BatchStatusRunning,
			ProcessedRecords: res.processed,
		})

		if !page.HasMore {
			break
		}
		params.Cursor = page.NextCursor
	}

	if err := flush(); err != nil {
		return res, err
	}
	return res, nil
}

func (r *Runner) recordError(ctx context.Context, src *models.SyncSource, batchId uint, externalId string, code string, cause error, payload json.RawMessage) {
	syncErr := &models.SyncError{
		BatchId:     batchId,
		TenantId:    src.TenantId,
		EntityType:  src.EntityType,
		ExternalId:  externalId,
		ErrorCode:   code,
		Message:     cause.Error(),
		PayloadJSON: payload,
	}
	if err := r.Batches.CreateError(ctx, syncErr); err != nil {
		r.Logger.WithError(err).Error("ingest: persist sync error")
	}
}

func (r *Runner) failBatch(ctx context.Context, src *models.SyncSource, batch *models.IngestionBatch, res pullResult, cause error) {
	// Use a detached context so cancellation of the run does not also
	// swallow the failure bookkeeping.
	base := context.WithoutCancel(ctx)
	if err := r.Batches.Update(base, batch.ID, map[string]interface{}{
		"status":        models.BatchStatusFailed,
		"record_count":  res.processed,
		"valid_count":   res.valid,
		"invalid_count": res.invalid,
		"last_error":    cause.Error(),
	}); err != nil {
		r.Logger.WithError(err).Error("ingest: mark batch failed")
	}
	batch.Status = models.BatchStatusFailed
	batch.LastError = cause.Error()

	r.Progress.Set(base, src.TenantId, src.ID, Progress{
		BatchId:          batch.ID,
		Status:           models.BatchStatusFailed,
		ProcessedRecords: res.processed,
		Message:          cause.Error(),
	})
	if r.Notifier != nil {
		r.Notifier.Publish(base, notify.Event{
			EventType: notify.EventIngestionFailed,
			TenantId:  src.TenantId,
			EntityId:  fmt.Sprintf("batch:%d", batch.ID),
			Summary:   fmt.Sprintf("ingestion for %s failed: %s", src.Name, cause.Error()),
		})
	}
	r.Logger.WithFields(logrus.Fields{
		"tenant_id": src.TenantId,
		"source_id": src.ID,
		"batch_id":  batch.ID,
	}).WithError(cause).Error("ingest: run failed")
}

func (r *Runner) baselineFingerprint(ctx context.Context, tenantId string, sourceId uint) *Fingerprint {
	prev, err := r.Batches.LatestCompleted(ctx, tenantId, sourceId)
	if err != nil || len(prev.FingerprintJSON) == 0 {
		return nil
	}
	var fp Fingerprint
	if err := json.Unmarshal(prev.FingerprintJSON, &fp); err != nil {
		return nil
	}
	return &fp
}

type pemsEnvelope struct {
	ID    json.RawMessage `json:"id"`
	PfaId json.RawMessage `json:"pfa_id"`
}

// extractExternalId accepts both string and numeric ids; "id" wins over
// "pfa_id" when both are present.
func extractExternalId(raw json.RawMessage) (string, error) {
	var env pemsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("decode record: %w", err)
	}
	id := idString(env.ID)
	if id == "" {
		id = idString(env.PfaId)
	}
	if id == "" {
		return "", errors.New("record id missing")
	}
	return id, nil
}

func idString(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return strings.TrimSpace(s)
	}
	return trimmed
}
