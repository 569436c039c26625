package models

import "gorm.io/gorm"

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&SyncSource{},
		&IngestionBatch{},
		&RawRecord{},
		&SyncError{},
		&FieldMapping{},
		&DomainRecord{},
		&MirrorHistory{},
		&RecordLineage{},
		&Modification{},
		&SyncConflict{},
		&WriteQueueItem{},
	)
}
