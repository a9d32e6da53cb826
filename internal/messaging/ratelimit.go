package messaging

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitedGateway throttles sends of the wrapped gateway. Waiting for a token
// respects ctx, so a canceled run never blocks on the limiter.
type RateLimitedGateway struct {
	Gateway
	limiter *rate.Limiter
}

// NewRateLimitedGateway wraps next with a limiter of perSecond sends and the given burst.
// A non-positive perSecond disables limiting.
func NewRateLimitedGateway(next Gateway, perSecond float64, burst int) *RateLimitedGateway {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedGateway{Gateway: next, limiter: rate.NewLimiter(limit, burst)}
}

func (g *RateLimitedGateway) SendText(ctx context.Context, to string, text string) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	return g.Gateway.SendText(ctx, to, text)
}

func (g *RateLimitedGateway) SendMedia(ctx context.Context, to string, media Media) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	return g.Gateway.SendMedia(ctx, to, media)
}
