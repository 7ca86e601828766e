package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jpcarreira/condoflow/internal/cache"
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter is the authoritative fixed-window rate limiter. It counts in a
// shared cache.Store so every instance of the service sees the same totals;
// a per-process map must never back this check.
type Limiter struct {
	store cache.Store
}

// New constructs a Limiter over the supplied shared store.
func New(store cache.Store) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ratelimit: store is required")
	}
	return &Limiter{store: store}, nil
}

// Allow records one attempt against key and reports whether it fits within
// max attempts per window. The counter resets when the window rolls over.
func (l *Limiter) Allow(ctx context.Context, key string, max int, window time.Duration) (Decision, error) {
	if max <= 0 || window <= 0 {
		return Decision{Allowed: true}, nil
	}

	count, ttl, err := l.store.IncrementWithTTL(ctx, "ratelimit:"+key, window)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: increment %s: %w", key, err)
	}

	if count > int64(max) {
		return Decision{Allowed: false, RetryAfter: ttl}, nil
	}

	return Decision{Allowed: true, Remaining: max - int(count)}, nil
}

// OriginKey builds the counter key for a network origin.
func OriginKey(ip string) string {
	return "origin:" + ip
}

// CodeKey builds the counter key for a submitted access code. The code is
// digested so the secret never appears in the shared store.
func CodeKey(code string) string {
	sum := sha256.Sum256([]byte(code))
	return "code:" + hex.EncodeToString(sum[:8])
}
