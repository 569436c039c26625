package models

import "time"

const (
	SyncStateModified    = "modified"
	SyncStatePendingSync = "pending_sync"
	SyncStateSynced      = "synced"
)

const (
	SyncStatusPending   = "pending"
	SyncStatusSynced    = "synced"
	SyncStatusSyncError = "sync_error"
)

const (
	ConflictStatusUnresolved = "unresolved"
	ConflictStatusResolved   = "resolved"
)

const (
	ResolutionUseLocal = "use_local"
	ResolutionUsePems  = "use_pems"
	ResolutionMerge    = "merge"
)

// Modification is a pending local edit: a sparse field delta recorded
// against the mirror version it was composed on.
type Modification struct {
	ID            uint      `gorm:"primary_key" json:"id"`
	TenantId      string    `gorm:"index;not null" json:"tenant_id"`
	MirrorId      uint      `gorm:"index;not null" json:"mirror_id"`
	DeltaJSON     []byte    `gorm:"type:json;not null" json:"delta"`
	BaseVersion   int       `gorm:"not null" json:"base_version"`
	SyncState     string    `gorm:"size:20;not null" json:"sync_state"`
	SyncStatus    string    `gorm:"size:20;not null" json:"sync_status"`
	LastSyncError string    `gorm:"type:text" json:"last_sync_error"`
	RequestedBy   string    `gorm:"size:100" json:"requested_by"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type SyncConflict struct {
	ID             uint   `gorm:"primary_key" json:"id"`
	TenantId       string `gorm:"index;not null" json:"tenant_id"`
	ModificationId uint   `gorm:"index;not null" json:"modification_id"`
	// OpenModificationId mirrors ModificationId while the conflict is
	// unresolved and is nulled on resolution. The unique index makes
	// "at most one open conflict per modification" a database invariant;
	// MySQL ignores NULLs in unique indexes, so resolved rows pile up freely.
	OpenModificationId *uint      `gorm:"uniqueIndex" json:"-"`
	LocalVersion       int        `json:"local_version"`
	ExternalVersion    int        `json:"external_version"`
	LocalDataJSON      []byte     `gorm:"type:json" json:"local_data"`
	ExternalDataJSON   []byte     `gorm:"type:json" json:"external_data"`
	ConflictFieldsJSON []byte     `gorm:"type:json" json:"conflict_fields"`
	Status             string     `gorm:"size:20;not null" json:"status"`
	Resolution         string     `gorm:"size:20" json:"resolution"`
	MergedDataJSON     []byte     `gorm:"type:json" json:"merged_data"`
	ResolvedBy         string     `gorm:"size:100" json:"resolved_by"`
	ResolvedAt         *time.Time `json:"resolved_at"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
