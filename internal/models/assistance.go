package models

import "time"

// Assistance is a maintenance work order on a building. Like Supplier it is
// managed elsewhere; the reminder engine joins it into dispatch payloads.
type Assistance struct {
	BaseModel

	BuildingName       string     `gorm:"not null" json:"building_name"`
	Description        string     `json:"description"`
	SupplierID         *string    `gorm:"type:uuid;index" json:"supplier_id,omitempty"`
	Supplier           *Supplier  `gorm:"foreignKey:SupplierID" json:"supplier,omitempty"`
	ScheduledDate      *time.Time `json:"scheduled_date,omitempty"`
	ExpectedCompletion *time.Time `json:"expected_completion,omitempty"`
}
