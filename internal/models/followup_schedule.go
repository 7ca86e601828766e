package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// FollowUpType identifies the lifecycle milestone a reminder targets.
type FollowUpType string

const (
	FollowUpQuotationReminder  FollowUpType = "quotation_reminder"
	FollowUpDateConfirmation   FollowUpType = "date_confirmation"
	FollowUpWorkReminder       FollowUpType = "work_reminder"
	FollowUpCompletionReminder FollowUpType = "completion_reminder"
)

// Valid reports whether the value is one of the four supported kinds.
func (t FollowUpType) Valid() bool {
	switch t {
	case FollowUpQuotationReminder, FollowUpDateConfirmation, FollowUpWorkReminder, FollowUpCompletionReminder:
		return true
	}
	return false
}

// FollowUpStatus tracks a schedule through its lifecycle.
type FollowUpStatus string

const (
	FollowUpPending    FollowUpStatus = "pending"
	FollowUpProcessing FollowUpStatus = "processing"
	FollowUpSent       FollowUpStatus = "sent"
	FollowUpFailed     FollowUpStatus = "failed"
	FollowUpCancelled  FollowUpStatus = "cancelled"
)

// FollowUpPriority orders operator attention; the processor itself treats all
// due schedules equally.
type FollowUpPriority string

const (
	PriorityNormal   FollowUpPriority = "normal"
	PriorityUrgent   FollowUpPriority = "urgent"
	PriorityCritical FollowUpPriority = "critical"
)

// Valid reports whether the priority is a known level.
func (p FollowUpPriority) Valid() bool {
	switch p {
	case PriorityNormal, PriorityUrgent, PriorityCritical:
		return true
	}
	return false
}

// FollowUpMetadata is the type-tagged payload carried by a schedule. Only the
// fields relevant to the schedule's kind are set: work_reminder carries the
// work date, completion_reminder the expected completion date.
type FollowUpMetadata struct {
	WorkDate           *time.Time `json:"work_date,omitempty"`
	ExpectedCompletion *time.Time `json:"expected_completion,omitempty"`
	Note               string     `json:"note,omitempty"`
}

// Validate checks that the metadata carries the fields its kind requires and
// nothing that belongs to another kind.
func (m FollowUpMetadata) Validate(kind FollowUpType) error {
	switch kind {
	case FollowUpWorkReminder:
		if m.WorkDate == nil {
			return fmt.Errorf("followup metadata: %s requires a work date", kind)
		}
		if m.ExpectedCompletion != nil {
			return fmt.Errorf("followup metadata: %s must not carry an expected completion date", kind)
		}
	case FollowUpCompletionReminder:
		if m.ExpectedCompletion == nil {
			return fmt.Errorf("followup metadata: %s requires an expected completion date", kind)
		}
		if m.WorkDate != nil {
			return fmt.Errorf("followup metadata: %s must not carry a work date", kind)
		}
	case FollowUpQuotationReminder, FollowUpDateConfirmation:
		if m.WorkDate != nil || m.ExpectedCompletion != nil {
			return fmt.Errorf("followup metadata: %s carries no dates", kind)
		}
	default:
		return fmt.Errorf("followup metadata: unknown type %q", kind)
	}
	return nil
}

// FollowUpSchedule is one planned supplier re-engagement. Rows are never
// physically deleted; terminal states are retained for audit.
type FollowUpSchedule struct {
	BaseModel

	AssistanceID  string           `gorm:"type:uuid;not null;index" json:"assistance_id"`
	Assistance    *Assistance      `gorm:"foreignKey:AssistanceID" json:"assistance,omitempty"`
	SupplierID    string           `gorm:"type:uuid;not null;index" json:"supplier_id"`
	Supplier      *Supplier        `gorm:"foreignKey:SupplierID" json:"supplier,omitempty"`
	FollowUpType  FollowUpType     `gorm:"not null;index" json:"follow_up_type"`
	Priority      FollowUpPriority `gorm:"not null;default:normal" json:"priority"`
	ScheduledFor  time.Time        `gorm:"not null;index" json:"scheduled_for"`
	SentAt        *time.Time       `json:"sent_at,omitempty"`
	Status        FollowUpStatus   `gorm:"not null;default:pending;index" json:"status"`
	AttemptCount  int              `gorm:"not null;default:0" json:"attempt_count"`
	MaxAttempts   int              `gorm:"not null;default:3" json:"max_attempts"`
	NextAttemptAt *time.Time       `gorm:"index" json:"next_attempt_at,omitempty"`
	Metadata      datatypes.JSON   `json:"metadata"`
}

// DecodeMetadata unmarshals the stored metadata blob. An empty blob decodes to
// the zero value.
func (s *FollowUpSchedule) DecodeMetadata() (FollowUpMetadata, error) {
	var meta FollowUpMetadata
	if len(s.Metadata) == 0 {
		return meta, nil
	}
	if err := json.Unmarshal(s.Metadata, &meta); err != nil {
		return meta, fmt.Errorf("followup schedule %s: decode metadata: %w", s.ID, err)
	}
	return meta, nil
}

// EncodeMetadata marshals the metadata blob for storage.
func EncodeMetadata(meta FollowUpMetadata) (datatypes.JSON, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("followup schedule: encode metadata: %w", err)
	}
	return datatypes.JSON(raw), nil
}
