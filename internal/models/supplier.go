package models

// Supplier is the external party granted scoped portal access. The record is
// owned by the surrounding administration tool; this subsystem reads it to
// address notifications and to populate validate-session responses.
type Supplier struct {
	BaseModel

	Name           string `gorm:"not null" json:"name"`
	Email          string `gorm:"not null;index" json:"email"`
	Phone          string `json:"phone"`
	Address        string `json:"address"`
	Specialization string `json:"specialization"`
}
