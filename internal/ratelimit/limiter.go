package ratelimit

import (
	"context"
	"time"
)

// RateLimiter controls send throughput per provider across every process
// sharing the store.
type RateLimiter interface {
	Allow(ctx context.Context, provider string) (bool, error)
	// Wait blocks until a send slot is available and no pause is active.
	Wait(ctx context.Context, provider string) error
	// Pause stops sends for d. A shorter pause never shortens an active one.
	Pause(ctx context.Context, provider string, d time.Duration) error
	PausedFor(ctx context.Context, provider string) (time.Duration, error)
}
