package models

import "time"

// DomainRecord is the silver tier: the canonical versioned local copy of one
// PEMS entity. Exactly one live mirror exists per (tenant, external id);
// Version increases by exactly 1 on every applied change, and every bump
// archives the superseded snapshot to MirrorHistory.
type DomainRecord struct {
	ID              uint       `gorm:"primary_key" json:"id"`
	TenantId        string     `gorm:"uniqueIndex:idx_mirror_entity,priority:1;not null" json:"tenant_id"`
	ExternalId      string     `gorm:"uniqueIndex:idx_mirror_entity,priority:2;size:128;not null" json:"external_id"`
	EntityType      string     `gorm:"index;size:50" json:"entity_type"`
	Version         int        `gorm:"not null;default:1" json:"version"`
	ExternalVersion string     `gorm:"size:128" json:"external_version"`
	FieldsJSON      []byte     `gorm:"type:json" json:"normalized_fields"`
	LastSeenAt      *time.Time `json:"last_seen_at"`
	Discontinued    bool       `gorm:"default:false" json:"discontinued"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// MirrorHistory is append-only: one row per superseded mirror version.
type MirrorHistory struct {
	ID           uint      `gorm:"primary_key" json:"id"`
	MirrorId     uint      `gorm:"uniqueIndex:idx_mirror_version,priority:1;not null" json:"mirror_id"`
	Version      int       `gorm:"uniqueIndex:idx_mirror_version,priority:2;not null" json:"version"`
	DataJSON     []byte    `gorm:"type:json" json:"data"`
	ChangedBy    string    `gorm:"size:100" json:"changed_by"`
	ChangeReason string    `gorm:"size:255" json:"change_reason"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// RecordLineage ties a domain record back to the batch and raw record that
// produced its current state. Upserts are idempotent.
type RecordLineage struct {
	ID             uint      `gorm:"primary_key" json:"id"`
	DomainRecordId uint      `gorm:"uniqueIndex:idx_lineage,priority:1;not null" json:"domain_record_id"`
	BatchId        uint      `gorm:"uniqueIndex:idx_lineage,priority:2;not null" json:"batch_id"`
	RawRecordId    uint      `gorm:"uniqueIndex:idx_lineage,priority:3;not null" json:"raw_record_id"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}
