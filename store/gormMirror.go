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

type gormMirrorStore struct {
	db *gorm.DB
}

func (s *gormMirrorStore) Get(ctx context.Context, tenantId string, externalId string) (*models.DomainRecord, error) {
	var mirror models.DomainRecord
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND external_id = ?", tenantId, externalId).
		Take(&mirror).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &mirror, nil
}

func (s *gormMirrorStore) GetByID(ctx context.Context, mirrorId uint) (*models.DomainRecord, error) {
	var mirror models.DomainRecord
	err := s.db.WithContext(ctx).
		Where("id = ?", mirrorId).
		Take(&mirror).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &mirror, nil
}

func (s *gormMirrorStore) ApplyExternal(ctx context.Context, up ExternalUpsert) (*models.DomainRecord, error) {
	var out models.DomainRecord

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		data, err := json.Marshal(up.Fields)
		if err != nil {
			return err
		}

		var mirror models.DomainRecord
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND external_id = ?", up.TenantId, up.ExternalId).
			Take(&mirror).Error
		if err != nil {
			if translateNotFound(err) != ErrNotFound {
				return err
			}
			out = models.DomainRecord{
				TenantId:        up.TenantId,
				ExternalId:      up.ExternalId,
				EntityType:      up.EntityType,
				Version:         1,
				ExternalVersion: up.ExternalVersion,
				FieldsJSON:      data,
				LastSeenAt:      &up.SeenAt,
			}
			return tx.Create(&out).Error
		}

		hist := models.MirrorHistory{
			MirrorId:     mirror.ID,
			Version:      mirror.Version,
			DataJSON:     mirror.FieldsJSON,
			ChangedBy:    up.ChangedBy,
			ChangeReason: up.ChangeReason,
		}
		if err := tx.Create(&hist).Error; err != nil {
			return err
		}

		res := tx.Model(&models.DomainRecord{}).
			Where("id = ? AND version = ?", mirror.ID, mirror.Version).
			Updates(map[string]interface{}{
				"version":          mirror.Version + 1,
				"external_version": up.ExternalVersion,
				"fields_json":      data,
				"last_seen_at":     up.SeenAt,
				"discontinued":     false,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("mirror %d version moved under us", mirror.ID)
		}

		out = mirror
		out.Version = mirror.Version + 1
		out.ExternalVersion = up.ExternalVersion
		out.FieldsJSON = data
		out.LastSeenAt = &up.SeenAt
		out.Discontinued = false
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *gormMirrorStore) History(ctx context.Context, mirrorId uint, fromVersion int, toVersion int) ([]models.MirrorHistory, error) {
	var snapshots []models.MirrorHistory
	err := s.db.WithContext(ctx).
		Where("mirror_id = ? AND version >= ? AND version <= ?", mirrorId, fromVersion, toVersion).
		Order("version ASC").
		Find(&snapshots).Error
	if err != nil {
		return nil, err
	}
	return snapshots, nil
}

func (s *gormMirrorStore) UpsertLineage(ctx context.Context, lineage models.RecordLineage) error {
	err := s.db.WithContext(ctx).Create(&lineage).Error
	if err != nil && isDuplicateKeyErr(err) {
		// Already recorded for this (mirror, batch, raw record) triple.
		return nil
	}
	return err
}

func (s *gormMirrorStore) MarkDiscontinued(ctx context.Context, tenantId string, entityType string, lastSeenBefore time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&models.DomainRecord{}).
		Where("tenant_id = ? AND entity_type = ? AND discontinued = ?", tenantId, entityType, false).
		Where("last_seen_at IS NULL OR last_seen_at < ?", lastSeenBefore).
		Updates(map[string]interface{}{"discontinued": true})
	return res.RowsAffected, res.Error
}

type gormModificationStore struct {
	db *gorm.DB
}

func (s *gormModificationStore) Create(ctx context.Context, mod *models.Modification) error {
	return s.db.WithContext(ctx).Create(mod).Error
}

func (s *gormModificationStore) Get(ctx context.Context, id uint) (*models.Modification, error) {
	var mod models.Modification
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&mod).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &mod, nil
}

func (s *gormModificationStore) Update(ctx context.Context, id uint, fields map[string]interface{}) error {
	return s.db.WithContext(ctx).
		Model(&models.Modification{}).
		Where("id = ?", id).
		Updates(fields).Error
}

type gormConflictStore struct {
	db *gorm.DB
}

func (s *gormConflictStore) Get(ctx context.Context, id uint) (*models.SyncConflict, error) {
	var conflict models.SyncConflict
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&conflict).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &conflict, nil
}

func (s *gormConflictStore) OpenForModification(ctx context.Context, modificationId uint) (*models.SyncConflict, error) {
	var conflict models.SyncConflict
	err := s.db.WithContext(ctx).
		Where("modification_id = ? AND status = ?", modificationId, models.ConflictStatusUnresolved).
		Take(&conflict).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &conflict, nil
}

func (s *gormConflictStore) Create(ctx context.Context, conflict *models.SyncConflict) error {
	conflict.OpenModificationId = &conflict.ModificationId
	err := s.db.WithContext(ctx).Create(conflict).Error
	if isDuplicateKeyErr(err) {
		return ErrConflictOpen
	}
	return err
}

func (s *gormConflictStore) Resolve(ctx context.Context, id uint, resolution string, mergedData []byte, resolvedBy string, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conflict models.SyncConflict
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			Take(&conflict).Error; err != nil {
			return translateNotFound(err)
		}
		if conflict.Status == models.ConflictStatusResolved {
			return ErrConflictResolved
		}
		return tx.Model(&models.SyncConflict{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"status":               models.ConflictStatusResolved,
				"open_modification_id": nil,
				"resolution":           resolution,
				"merged_data_json":     mergedData,
				"resolved_by":          resolvedBy,
				"resolved_at":          at,
			}).Error
	})
}

func (s *gormConflictStore) List(ctx context.Context, tenantId string, status string, limit int) ([]models.SyncConflict, error) {
	dbCtx := s.db.WithContext(ctx).Where("tenant_id = ?", tenantId)
	if status != "" {
		dbCtx = dbCtx.Where("status = ?", status)
	}
	var conflicts []models.SyncConflict
	err := dbCtx.Order("id DESC").Limit(limit).Find(&conflicts).Error
	if err != nil {
		return nil, err
	}
	return conflicts, nil
}
