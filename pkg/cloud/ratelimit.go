package cloud

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited throttles every call to the wrapped client.
type RateLimited struct {
	next    Client
	limiter *rate.Limiter
}

// NewRateLimited allows perSecond calls per second with the given burst.
func NewRateLimited(next Client, perSecond float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *RateLimited) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("cloud rate limiter: %w", err)
	}
	return nil
}

// Query implements Client.
func (r *RateLimited) Query(ctx context.Context, resourceType, name, group string) (*Resource, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.Query(ctx, resourceType, name, group)
}

// Create implements Client.
func (r *RateLimited) Create(ctx context.Context, res *Resource) error {
	if err := r.wait(ctx); err != nil {
		return err
	}
	return r.next.Create(ctx, res)
}

// Tag implements Client.
func (r *RateLimited) Tag(ctx context.Context, id string, tags map[string]string) error {
	if err := r.wait(ctx); err != nil {
		return err
	}
	return r.next.Tag(ctx, id, tags)
}
