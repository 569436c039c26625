package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/eutimioliusbel/pfamirror/models"
)

// NewGormStores wires every repository against the same gorm handle.
func NewGormStores(db *gorm.DB) Stores {
	return Stores{
		Sources:       &gormSourceStore{db: db},
		Batches:       &gormBatchStore{db: db},
		Raw:           &gormRawStore{db: db},
		Mappings:      &gormMappingStore{db: db},
		Mirrors:       &gormMirrorStore{db: db},
		Modifications: &gormModificationStore{db: db},
		Conflicts:     &gormConflictStore{db: db},
		Queue:         &gormQueueStore{db: db},
	}
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

func translateNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

type gormSourceStore struct {
	db *gorm.DB
}

func (s *gormSourceStore) Get(ctx context.Context, tenantId string, sourceId uint) (*models.SyncSource, error) {
	var src models.SyncSource
	err := s.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", sourceId, tenantId).
		Take(&src).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &src, nil
}

func (s *gormSourceStore) UpdateCheckpoint(ctx context.Context, sourceId uint, lastSyncAt time.Time, lastSyncId string) error {
	return s.db.WithContext(ctx).
		Model(&models.SyncSource{}).
		Where("id = ?", sourceId).
		Updates(map[string]interface{}{
			"last_sync_at": lastSyncAt,
			"last_sync_id": lastSyncId,
		}).Error
}

type gormBatchStore struct {
	db *gorm.DB
}

func (s *gormBatchStore) Create(ctx context.Context, batch *models.IngestionBatch) error {
	return s.db.WithContext(ctx).Create(batch).Error
}

func (s *gormBatchStore) Update(ctx context.Context, batchId uint, fields map[string]interface{}) error {
	return s.db.WithContext(ctx).
		Model(&models.IngestionBatch{}).
		Where("id = ?", batchId).
		Updates(fields).Error
}

func (s *gormBatchStore) Get(ctx context.Context, tenantId string, batchId uint) (*models.IngestionBatch, error) {
	var batch models.IngestionBatch
	err := s.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", batchId, tenantId).
		Take(&batch).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &batch, nil
}

func (s *gormBatchStore) LatestCompleted(ctx context.Context, tenantId string, sourceId uint) (*models.IngestionBatch, error) {
	var batch models.IngestionBatch
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND source_id = ? AND status = ?", tenantId, sourceId, models.BatchStatusCompleted).
		Order("id DESC").
		Take(&batch).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &batch, nil
}

func (s *gormBatchStore) Recent(ctx context.Context, tenantId string, sourceId uint, limit int) ([]models.IngestionBatch, error) {
	var batches []models.IngestionBatch
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND source_id = ?", tenantId, sourceId).
		Order("id DESC").
		Limit(limit).
		Find(&batches).Error
	if err != nil {
		return nil, err
	}
	return batches, nil
}

func (s *gormBatchStore) AppendWarning(ctx context.Context, batchId uint, warning models.BatchWarning) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var batch models.IngestionBatch
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", batchId).
			Take(&batch).Error; err != nil {
			return translateNotFound(err)
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
		return tx.Model(&models.IngestionBatch{}).
			Where("id = ?", batchId).
			Updates(map[string]interface{}{"warnings_json": data}).Error
	})
}

func (s *gormBatchStore) CreateError(ctx context.Context, syncErr *models.SyncError) error {
	return s.db.WithContext(ctx).Create(syncErr).Error
}

func (s *gormBatchStore) ErrorsForBatch(ctx context.Context, batchId uint) ([]models.SyncError, error) {
	var errs []models.SyncError
	err := s.db.WithContext(ctx).
		Where("batch_id = ?", batchId).
		Order("id DESC").
		Find(&errs).Error
	if err != nil {
		return nil, err
	}
	return errs, nil
}

type gormRawStore struct {
	db *gorm.DB
}

func (s *gormRawStore) CreateChunk(ctx context.Context, records []models.RawRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&records).Error
	})
}

func (s *gormRawStore) LatestExternalId(ctx context.Context, tenantId string, entityType string) (string, error) {
	var rec models.RawRecord
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND source_entity_type = ?", tenantId, entityType).
		Order("id DESC").
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return rec.ExternalId, nil
}

func (s *gormRawStore) ForBatch(ctx context.Context, tenantId string, batchId uint) ([]models.RawRecord, error) {
	var records []models.RawRecord
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND batch_id = ?", tenantId, batchId).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

type gormMappingStore struct {
	db *gorm.DB
}

func (s *gormMappingStore) Effective(ctx context.Context, tenantId string, entityType string, asOf time.Time) ([]models.FieldMapping, error) {
	var mappings []models.FieldMapping
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ? AND is_active = ?", tenantId, entityType, true).
		Where("valid_from <= ?", asOf).
		Where("valid_to IS NULL OR valid_to > ?", asOf).
		Order("destination_field ASC, valid_from ASC").
		Find(&mappings).Error
	if err != nil {
		return nil, err
	}
	return mappings, nil
}
