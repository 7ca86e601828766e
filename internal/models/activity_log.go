package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ActivityLog is an append-only record of security and lifecycle events.
// Rows are written once and never mutated; operators consume them for
// forensic review.
type ActivityLog struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	EventType string    `gorm:"not null;index" json:"event_type"`
	Severity  string    `gorm:"not null;index" json:"severity"`
	ActorRef  string    `gorm:"index" json:"actor_ref,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	Success   bool      `json:"success"`
	Metadata  string    `gorm:"type:json" json:"metadata"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (a *ActivityLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}
