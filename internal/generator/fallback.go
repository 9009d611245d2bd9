package generator

import (
	"context"
	"errors"
	"fmt"
)

// FallbackGenerator tries a primary generator first and falls back to the
// secondary when the primary fails before producing any delta. Once a delta
// has reached the caller, switching upstreams would duplicate text, so later
// failures are returned as-is.
type FallbackGenerator struct {
	primary   Generator
	secondary Generator
}

func NewFallbackGenerator(primary, secondary Generator) *FallbackGenerator {
	return &FallbackGenerator{
		primary:   primary,
		secondary: secondary,
	}
}

func (g *FallbackGenerator) Stream(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	if g == nil || g.primary == nil {
		if g != nil && g.secondary != nil {
			return g.secondary.Stream(ctx, req, onDelta)
		}
		return Response{}, fmt.Errorf("fallback generator misconfigured")
	}

	emitted := 0
	resp, err := g.primary.Stream(ctx, req, func(delta string) error {
		emitted++
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	})
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resp, err
	}
	if emitted > 0 || g.secondary == nil {
		return resp, err
	}

	fallbackResp, fallbackErr := g.secondary.Stream(ctx, req, onDelta)
	if fallbackErr != nil {
		return fallbackResp, fmt.Errorf("primary generator error: %w; fallback generator error: %v", err, fallbackErr)
	}
	return fallbackResp, nil
}
