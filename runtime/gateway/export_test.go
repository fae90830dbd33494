package gateway

import (
	"context"
	"time"
)

// WithSleep replaces the backoff sleep so retry tests run instantly.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(g *Gateway) { g.sleep = fn }
}
