package models

import "time"

// AccessCode is a single-use-until-expiry secret granting a supplier a scoped
// portal session, optionally tied to one assistance. The code value is the
// sole authentication factor: it is stored verbatim because validation looks
// it up by value and reminder dispatches re-embed it in portal links.
type AccessCode struct {
	BaseModel

	Code         string     `gorm:"not null;uniqueIndex;size:32" json:"-"`
	SupplierID   string     `gorm:"type:uuid;not null;index" json:"supplier_id"`
	Supplier     *Supplier  `gorm:"foreignKey:SupplierID" json:"supplier,omitempty"`
	AssistanceID *string    `gorm:"type:uuid;index" json:"assistance_id,omitempty"`
	ExpiresAt    time.Time  `gorm:"not null;index" json:"expires_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	AccessCount  int        `gorm:"not null;default:0" json:"access_count"`
}

// Expired reports whether the code is past its expiry at the given instant.
// Expired codes are permanently unusable; they are never resurrected.
func (c *AccessCode) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}
