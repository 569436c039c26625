package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/eutimioliusbel/pfamirror/models"
)

type gormQueueStore struct {
	db *gorm.DB
}

func (s *gormQueueStore) Enqueue(ctx context.Context, item *models.WriteQueueItem) error {
	if item.Status == "" {
		item.Status = models.QueueStatusQueued
	}
	if item.ScheduledAt.IsZero() {
		item.ScheduledAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *gormQueueStore) Get(ctx context.Context, id uint) (*models.WriteQueueItem, error) {
	var item models.WriteQueueItem
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&item).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &item, nil
}

func (s *gormQueueStore) ClaimDue(ctx context.Context, workerId string, limit int, now time.Time, staleBefore time.Time) ([]models.WriteQueueItem, error) {
	var claimed []models.WriteQueueItem
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible:
		// - queued and due
		// - processing but lock is stale (worker crashed mid-delivery)
		// One in-flight attempt per modification: skip anything whose
		// modification already has a live processing item.
		q := tx.
			Where(`
				(
					status = ? AND scheduled_at <= ?
				)
				OR
				(
					status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, models.QueueStatusQueued, now, models.QueueStatusProcessing, staleBefore).
			Where(`modification_id NOT IN (
				SELECT modification_id FROM (
					SELECT modification_id FROM write_queue_items
					WHERE status = ? AND locked_at IS NOT NULL AND locked_at > ?
				) live
			)`, models.QueueStatusProcessing, staleBefore).
			Order("priority DESC, id ASC").
			Limit(limit).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}

		seenMod := make(map[uint]bool, len(claimed))
		kept := claimed[:0]
		for i := range claimed {
			if seenMod[claimed[i].ModificationId] {
				continue
			}
			seenMod[claimed[i].ModificationId] = true

			claimed[i].Status = models.QueueStatusProcessing
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &workerId
			if err := tx.Model(&models.WriteQueueItem{}).
				Where("id = ?", claimed[i].ID).
				Updates(map[string]interface{}{
					"status":    models.QueueStatusProcessing,
					"locked_at": now,
					"locked_by": workerId,
				}).Error; err != nil {
				return err
			}
			kept = append(kept, claimed[i])
		}
		claimed = kept
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *gormQueueStore) Reschedule(ctx context.Context, id uint, retryCount int, nextAt time.Time, lastError string) error {
	return s.db.WithContext(ctx).
		Model(&models.WriteQueueItem{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       models.QueueStatusQueued,
			"retry_count":  retryCount,
			"scheduled_at": nextAt,
			"last_error":   lastError,
			"locked_at":    nil,
			"locked_by":    nil,
		}).Error
}

func (s *gormQueueStore) DeadLetter(ctx context.Context, id uint, retryCount int, lastError string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item models.WriteQueueItem
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			Take(&item).Error; err != nil {
			return translateNotFound(err)
		}

		if err := tx.Model(&models.WriteQueueItem{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"status":      models.QueueStatusFailed,
				"retry_count": retryCount,
				"last_error":  lastError,
				"locked_at":   nil,
				"locked_by":   nil,
			}).Error; err != nil {
			return err
		}

		return tx.Model(&models.Modification{}).
			Where("id = ?", item.ModificationId).
			Updates(map[string]interface{}{
				"sync_status":     models.SyncStatusSyncError,
				"last_sync_error": lastError,
			}).Error
	})
}

func (s *gormQueueStore) CompleteDelivery(ctx context.Context, id uint, externalVersion string, completedAt time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item models.WriteQueueItem
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			Take(&item).Error; err != nil {
			return translateNotFound(err)
		}

		var mod models.Modification
		if err := tx.Where("id = ?", item.ModificationId).Take(&mod).Error; err != nil {
			return translateNotFound(err)
		}

		var mirror models.DomainRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", mod.MirrorId).
			Take(&mirror).Error; err != nil {
			return translateNotFound(err)
		}

		hist := models.MirrorHistory{
			MirrorId:     mirror.ID,
			Version:      mirror.Version,
			DataJSON:     mirror.FieldsJSON,
			ChangedBy:    mod.RequestedBy,
			ChangeReason: "write-back " + item.Operation,
		}
		if err := tx.Create(&hist).Error; err != nil {
			return err
		}

		fields := map[string]any{}
		if len(mirror.FieldsJSON) > 0 {
			if err := json.Unmarshal(mirror.FieldsJSON, &fields); err != nil {
				return err
			}
		}
		delta := map[string]any{}
		if len(mod.DeltaJSON) > 0 {
			if err := json.Unmarshal(mod.DeltaJSON, &delta); err != nil {
				return err
			}
		}
		for k, v := range delta {
			fields[k] = v
		}
		data, err := json.Marshal(fields)
		if err != nil {
			return err
		}

		res := tx.Model(&models.DomainRecord{}).
			Where("id = ? AND version = ?", mirror.ID, mirror.Version).
			Updates(map[string]interface{}{
				"version":          mirror.Version + 1,
				"external_version": externalVersion,
				"fields_json":      data,
				"last_seen_at":     completedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("mirror %d version moved under us", mirror.ID)
		}

		if err := tx.Model(&models.Modification{}).
			Where("id = ?", mod.ID).
			Updates(map[string]interface{}{
				"sync_state":      models.SyncStateSynced,
				"sync_status":     models.SyncStatusSynced,
				"base_version":    mirror.Version + 1,
				"last_sync_error": "",
			}).Error; err != nil {
			return err
		}

		return tx.Model(&models.WriteQueueItem{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"status":       models.QueueStatusCompleted,
				"completed_at": completedAt,
				"locked_at":    nil,
				"locked_by":    nil,
			}).Error
	})
}

func (s *gormQueueStore) Redrive(ctx context.Context, id uint, at time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&models.WriteQueueItem{}).
		Where("id = ? AND status = ?", id, models.QueueStatusFailed).
		Updates(map[string]interface{}{
			"status":       models.QueueStatusQueued,
			"retry_count":  0,
			"scheduled_at": at,
			"last_error":   "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotRedrivable
	}
	return nil
}

func (s *gormQueueStore) Failed(ctx context.Context, tenantId string, limit int) ([]models.WriteQueueItem, error) {
	var items []models.WriteQueueItem
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantId, models.QueueStatusFailed).
		Order("id DESC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
