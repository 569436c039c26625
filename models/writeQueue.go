package models

import "time"

const (
	QueueStatusQueued     = "queued"
	QueueStatusProcessing = "processing"
	QueueStatusCompleted  = "completed"
	QueueStatusFailed     = "failed"
)

const (
	QueueOpCreate = "create"
	QueueOpUpdate = "update"
	QueueOpDelete = "delete"
)

// WriteQueueItem is one pending delivery of an accepted local write to PEMS.
// An item never exceeds MaxRetries before transitioning to failed; failed
// items stay put until an operator redrives them.
type WriteQueueItem struct {
	ID             uint       `gorm:"primary_key" json:"id"`
	TenantId       string     `gorm:"index;not null" json:"tenant_id"`
	ModificationId uint       `gorm:"index;not null" json:"modification_id"`
	Operation      string     `gorm:"size:10;not null" json:"operation"`
	PayloadJSON    []byte     `gorm:"type:json" json:"payload"`
	Status         string     `gorm:"index;size:20;not null" json:"status"`
	Priority       int        `gorm:"default:0" json:"priority"`
	RetryCount     int        `gorm:"default:0" json:"retry_count"`
	MaxRetries     int        `gorm:"default:3" json:"max_retries"`
	ScheduledAt    time.Time  `gorm:"not null" json:"scheduled_at"`
	LockedAt       *time.Time `json:"locked_at"`
	LockedBy       *string    `gorm:"size:64" json:"locked_by"`
	LastError      string     `gorm:"type:text" json:"last_error"`
	CompletedAt    *time.Time `json:"completed_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
