package models

import "time"

// CacheEntry backs the shared counter/value store when Redis is unavailable.
// Rate-limit windows live here so that every instance sees the same counts.
type CacheEntry struct {
	Key       string    `gorm:"primaryKey;size:256"`
	Value     []byte    `gorm:"type:blob"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
