package models

import "time"

const (
	DataTypeString  = "string"
	DataTypeNumber  = "number"
	DataTypeBoolean = "boolean"
	DataTypeDate    = "date"
	DataTypeJSON    = "json"
)

// FieldMapping projects one raw PEMS field into the domain schema. Multiple
// temporally-scoped versions per destination field are permitted: the
// transformation pipeline selects the versions whose [ValidFrom, ValidTo)
// window contains the as-of date, which allows replaying an old batch under
// the rules that were live at that moment.
type FieldMapping struct {
	ID                  uint       `gorm:"primary_key" json:"id"`
	TenantId            string     `gorm:"index;not null" json:"tenant_id"`
	EntityType          string     `gorm:"index;size:50;not null" json:"entity_type"`
	SourceField         string     `gorm:"size:100;not null" json:"source_field" validate:"required"`
	DestinationField    string     `gorm:"index;size:100;not null" json:"destination_field" validate:"required"`
	DataType            string     `gorm:"size:20;not null" json:"data_type" validate:"required,oneof=string number boolean date json"`
	TransformType       string     `gorm:"size:30;not null" json:"transform_type" validate:"required"`
	TransformParamsJSON []byte     `gorm:"type:json" json:"transform_params"`
	DefaultValue        *string    `gorm:"size:255" json:"default_value"`
	IsRequired          bool       `gorm:"default:false" json:"is_required"`
	ValidFrom           time.Time  `gorm:"not null" json:"valid_from"`
	ValidTo             *time.Time `json:"valid_to"`
	IsActive            bool       `gorm:"default:true" json:"is_active"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// EffectiveAt reports whether the mapping applies at the given moment.
func (m FieldMapping) EffectiveAt(asOf time.Time) bool {
	if !m.IsActive {
		return false
	}
	if asOf.Before(m.ValidFrom) {
		return false
	}
	if m.ValidTo != nil && !asOf.Before(*m.ValidTo) {
		return false
	}
	return true
}
