package domain

import (
	"context"
	"time"
)

// PriceCache stores the last observed ticker price per instrument. The
// reconciliation service and the close path read it when the broker does not
// echo the fill price.
type PriceCache interface {
	SetLastPrice(ctx context.Context, instrument string, price float64, ts time.Time) error
	// LastPrice returns ErrNotFound when no price has been cached.
	LastPrice(ctx context.Context, instrument string) (float64, error)
}

// RateLimiter enforces the broker-imposed request budget shared by all of a
// user's executors.
type RateLimiter interface {
	// Allow reports whether a request under key is permitted right now and
	// counts it when it is.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	// Wait blocks until a request under key is allowed or ctx is done.
	Wait(ctx context.Context, key string) error
}
