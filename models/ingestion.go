package models

import (
	"encoding/json"
	"time"
)

const (
	SyncTypeFull  = "full"
	SyncTypeDelta = "delta"
)

const (
	BatchStatusRunning   = "running"
	BatchStatusCompleted = "completed"
	BatchStatusFailed    = "failed"
)

const (
	CursorFieldTimestamp = "timestamp"
	CursorFieldId        = "id"
)

// SyncSource describes one PEMS endpoint mirrored into this tenant, plus the
// delta checkpoint persisted after each successful run.
type SyncSource struct {
	ID                  uint       `gorm:"primary_key" json:"id"`
	TenantId            string     `gorm:"uniqueIndex:idx_sync_source,priority:1;not null" json:"tenant_id"`
	Name                string     `gorm:"uniqueIndex:idx_sync_source,priority:2;size:100;not null" json:"name"`
	EntityType          string     `gorm:"size:50;not null" json:"entity_type"`
	Endpoint            string     `gorm:"size:255;not null" json:"endpoint"`
	SupportsDelta       bool       `gorm:"default:false" json:"supports_delta"`
	CursorField         string     `gorm:"size:20" json:"cursor_field"`
	VersionField        string     `gorm:"size:50" json:"version_field"`
	LastSyncAt          *time.Time `json:"last_sync_at"`
	LastSyncId          string     `gorm:"size:128" json:"last_sync_id"`
	CriticalFieldsJSON  []byte     `gorm:"type:json" json:"critical_fields"`
	PromotionFilterJSON []byte     `gorm:"type:json" json:"promotion_filter"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type BatchWarning struct {
	Type      string          `json:"type"`
	Severity  string          `json:"severity"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type IngestionBatch struct {
	ID                uint       `gorm:"primary_key" json:"id"`
	TenantId          string     `gorm:"index;not null" json:"tenant_id"`
	SourceId          uint       `gorm:"index;not null" json:"source_id"`
	SyncType          string     `gorm:"size:10;not null" json:"sync_type"`
	Status            string     `gorm:"size:20;not null" json:"status"`
	RecordCount       int        `json:"record_count"`
	ValidCount        int        `json:"valid_count"`
	InvalidCount      int        `json:"invalid_count"`
	FingerprintJSON   []byte     `gorm:"type:json" json:"schema_fingerprint"`
	WarningsJSON      []byte     `gorm:"type:json" json:"warnings"`
	TriggeredBy       string     `gorm:"size:100" json:"triggered_by"`
	StartedAt         *time.Time `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at"`
	LastError         string     `gorm:"type:text" json:"last_error"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// RawRecord is the bronze tier: the payload exactly as PEMS returned it.
// Rows are written by ingestion only and never mutated, so old batches can
// be replayed under different mapping rules.
type RawRecord struct {
	ID               uint      `gorm:"primary_key" json:"id"`
	TenantId         string    `gorm:"index;not null" json:"tenant_id"`
	BatchId          uint      `gorm:"index;not null" json:"batch_id"`
	SourceEntityType string    `gorm:"size:50;not null" json:"source_entity_type"`
	ExternalId       string    `gorm:"index;size:128" json:"external_id"`
	RawPayload       []byte    `gorm:"type:json" json:"raw_payload"`
	SchemaVersionHash string   `gorm:"size:64" json:"schema_version_hash"`
	IngestedAt       time.Time `gorm:"autoCreateTime" json:"ingested_at"`
}

type SyncError struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	BatchId     uint      `gorm:"index;not null" json:"batch_id"`
	TenantId    string    `gorm:"index;not null" json:"tenant_id"`
	EntityType  string    `gorm:"size:50" json:"entity_type"`
	ExternalId  string    `gorm:"size:128" json:"external_id"`
	ErrorCode   string    `gorm:"size:64" json:"error_code"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	Retryable   bool      `gorm:"default:false" json:"retryable"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}
