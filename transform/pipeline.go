package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eutimioliusbel/pfamirror/models"
	"github.com/eutimioliusbel/pfamirror/store"
)

// Result summarizes one transformation run.
type Result struct {
	BatchId      uint `json:"batch_id"`
	Promoted     int  `json:"promoted"`
	Skipped      int  `json:"skipped"`
	Errors       int  `json:"errors"`
	Discontinued int  `json:"discontinued"`
}

// Pipeline promotes a batch's raw records into versioned domain records.
// The external system is authoritative here: an existing mirror is always
// overwritten (version bumped, prior snapshot archived); reconciling
// pending local modifications against the new version is the conflict
// detector's job.
type Pipeline struct {
	Sources  store.SourceStore
	Batches  store.BatchStore
	Raw      store.RawStore
	Mappings store.MappingStore
	Mirrors  store.MirrorStore
	Logger   *logrus.Logger
}

type compiledMapping struct {
	mapping   models.FieldMapping
	transform Transform
}

// Run transforms one completed batch. asOf overrides the mapping effective
// date for replays; nil uses the batch's completion time, so re-running a
// historical batch without an override reproduces its original output.
// Structural errors (no mappings, bad filter) abort before any write;
// per-record errors are collected and the batch continues.
func (p *Pipeline) Run(ctx context.Context, tenantId string, batchId uint, asOf *time.Time) (Result, error) {
	result := Result{BatchId: batchId}

	batch, err := p.Batches.Get(ctx, tenantId, batchId)
	if err != nil {
		return result, err
	}
	if batch.Status != models.BatchStatusCompleted {
		return result, fmt.Errorf("batch %d is %s, want %s", batchId, batch.Status, models.BatchStatusCompleted)
	}
	src, err := p.Sources.Get(ctx, tenantId, batch.SourceId)
	if err != nil {
		return result, err
	}

	// seenAt records when the batch observed the record upstream and feeds
	// orphan detection; effectiveAt only selects the mapping versions, so a
	// historical replay must not backdate last_seen_at.
	seenAt := time.Now()
	if batch.CompletedAt != nil {
		seenAt = *batch.CompletedAt
	}
	effectiveAt := seenAt
	if asOf != nil {
		effectiveAt = *asOf
	}

	mappings, err := p.Mappings.Effective(ctx, tenantId, src.EntityType, effectiveAt)
	if err != nil {
		return result, err
	}
	if len(mappings) == 0 {
		return result, fmt.Errorf("no effective field mappings for %s at %s", src.EntityType, effectiveAt.Format(time.RFC3339))
	}
	compiled := make([]compiledMapping, 0, len(mappings))
	for _, mapping := range mappings {
		t, err := Parse(mapping.TransformType, mapping.TransformParamsJSON)
		if err != nil {
			return result, fmt.Errorf("mapping %d (%s): %w", mapping.ID, mapping.DestinationField, err)
		}
		compiled = append(compiled, compiledMapping{mapping: mapping, transform: t})
	}
	filter, err := ParseFilter(src.PromotionFilterJSON)
	if err != nil {
		return result, err
	}

	records, err := p.Raw.ForBatch(ctx, tenantId, batchId)
	if err != nil {
		return result, err
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		fields, err := p.project(compiled, rec.RawPayload)
		if err != nil {
			result.Errors++
			p.recordError(ctx, src, batch.ID, rec.ExternalId, "transform_failed", err, rec.RawPayload)
			continue
		}
		if !filter.Eval(fields) {
			result.Skipped++
			continue
		}
		mirror, err := p.Mirrors.ApplyExternal(ctx, store.ExternalUpsert{
			TenantId:        tenantId,
			ExternalId:      rec.ExternalId,
			EntityType:      src.EntityType,
			Fields:          fields,
			ExternalVersion: externalVersion(src.VersionField, rec.RawPayload),
			SeenAt:          seenAt,
			ChangedBy:       "transform",
			ChangeReason:    fmt.Sprintf("batch:%d", batch.ID),
		})
		if err != nil {
			result.Errors++
			p.recordError(ctx, src, batch.ID, rec.ExternalId, "promote_failed", err, rec.RawPayload)
			continue
		}
		if err := p.Mirrors.UpsertLineage(ctx, models.RecordLineage{
			DomainRecordId: mirror.ID,
			BatchId:        batch.ID,
			RawRecordId:    rec.ID,
		}); err != nil {
			p.Logger.WithError(err).Error("transform: upsert lineage")
		}
		result.Promoted++
	}

	// Orphans are only meaningful after a full sync: a delta pull not
	// returning a record says nothing about its existence upstream. A
	// replay re-interprets an old pull and makes no such statement either.
	if asOf == nil && batch.SyncType == models.SyncTypeFull && batch.StartedAt != nil {
		n, err := p.Mirrors.MarkDiscontinued(ctx, tenantId, src.EntityType, *batch.StartedAt)
		if err != nil {
			return result, err
		}
		result.Discontinued = int(n)
	}

	p.Logger.WithFields(logrus.Fields{
		"tenant_id":    tenantId,
		"batch_id":     batchId,
		"promoted":     result.Promoted,
		"skipped":      result.Skipped,
		"errors":       result.Errors,
		"discontinued": result.Discontinued,
	}).Info("transform: batch promoted")
	return result, nil
}

// project applies the effective mappings to one raw payload. An absent
// source field with a default takes the default; absent without a default
// omits the destination entirely, never writing null.
func (p *Pipeline) project(compiled []compiledMapping, payload []byte) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decode raw payload: %w", err)
	}

	fields := make(map[string]any, len(compiled))
	for _, cm := range compiled {
		mapping := cm.mapping
		value, present := raw[mapping.SourceField]
		if !present || value == nil {
			if mapping.DefaultValue == nil {
				if mapping.IsRequired {
					return nil, fmt.Errorf("required field %s missing", mapping.SourceField)
				}
				continue
			}
			coerced, err := Coerce(*mapping.DefaultValue, mapping.DataType)
			if err != nil {
				return nil, fmt.Errorf("default for %s: %w", mapping.DestinationField, err)
			}
			fields[mapping.DestinationField] = coerced
			continue
		}
		transformed, err := cm.transform.Apply(value)
		if err != nil {
			return nil, fmt.Errorf("transform %s: %w", mapping.DestinationField, err)
		}
		coerced, err := Coerce(transformed, mapping.DataType)
		if err != nil {
			return nil, fmt.Errorf("coerce %s: %w", mapping.DestinationField, err)
		}
		if coerced == nil {
			continue
		}
		fields[mapping.DestinationField] = coerced
	}
	return fields, nil
}

func (p *Pipeline) recordError(ctx context.Context, src *models.SyncSource, batchId uint, externalId string, code string, cause error, payload []byte) {
	err := p.Batches.CreateError(ctx, &models.SyncError{
		BatchId:     batchId,
		TenantId:    src.TenantId,
		EntityType:  src.EntityType,
		ExternalId:  externalId,
		ErrorCode:   code,
		Message:     cause.Error(),
		PayloadJSON: payload,
	})
	if err != nil {
		p.Logger.WithError(err).Error("transform: persist sync error")
	}
}

func externalVersion(versionField string, payload []byte) string {
	if versionField == "" {
		return ""
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return ""
	}
	return idString(raw[versionField])
}

func idString(raw json.RawMessage) string {
	trimmed := string(raw)
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	}
	return trimmed
}
