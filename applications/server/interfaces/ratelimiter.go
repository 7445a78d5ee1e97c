package interfaces

import "context"

// RateLimiter decides whether a caller identified by key may upload now.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}
