// Package cache implements the read-through resource cache that sits between
// callers and the cloud API. Fresh records are served from the store; a miss
// costs exactly one cloud query followed by one upsert.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/lattice-ops/lattice/pkg/cloud"
	"github.com/lattice-ops/lattice/pkg/resourceid"
	"github.com/lattice-ops/lattice/pkg/stores"
	"github.com/lattice-ops/lattice/pkg/telemetry"
)

// ErrNotFound is returned when neither a fresh record nor the cloud knows the
// resource.
var ErrNotFound = errors.New("resource not found")

// ManagedTags are applied to resources marked as managed.
var ManagedTags = map[string]string{"managed-by": "lattice"}

// Backend is the subset of the store the cache depends on.
type Backend interface {
	GetResource(ctx context.Context, id string) (*stores.Resource, error)
	UpsertResource(ctx context.Context, r *stores.Resource) error
	RecordCacheHit(ctx context.Context, key string) error
	Invalidate(ctx context.Context, pattern, reason, actor string) (int64, error)
	MarkManaged(ctx context.Context, id, actor string) error
	MarkCreated(ctx context.Context, id, actor string) error
}

// Stats are the lookup counters since the cache was created.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Refreshes int64 `json:"refreshes"`
}

// ResourceCache serves resources from the store while they are fresh.
type ResourceCache struct {
	store  Backend
	client cloud.Client
	now    func() time.Time
	actor  string

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
	tracer  *telemetry.Tracer

	flight    singleflight.Group
	hits      atomic.Int64
	misses    atomic.Int64
	refreshes atomic.Int64
}

// Option configures a ResourceCache.
type Option func(*ResourceCache)

// WithClock injects the clock used for freshness checks. It must agree with
// the store's clock.
func WithClock(now func() time.Time) Option {
	return func(c *ResourceCache) { c.now = now }
}

// WithActor sets the actor recorded in audit rows.
func WithActor(actor string) Option {
	return func(c *ResourceCache) { c.actor = actor }
}

// WithTelemetry attaches logging, metrics, events and tracing.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(c *ResourceCache) {
		c.logger = tel.Logger.NewComponentLogger("cache")
		c.metrics = tel.Metrics
		c.events = tel.Events
		c.tracer = tel.Tracer
	}
}

// New returns a cache over store that falls back to client on a miss.
func New(store Backend, client cloud.Client, opts ...Option) *ResourceCache {
	c := &ResourceCache{
		store:  store,
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
		actor:  "lattice",
		logger: telemetry.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the resource, querying the cloud only when no fresh record exists.
func (c *ResourceCache) Get(ctx context.Context, resourceType, name, group string) (*stores.Resource, error) {
	id, err := resourceid.Format(group, resourceType, name)
	if err != nil {
		return nil, err
	}

	rec, err := c.store.GetResource(ctx, id)
	switch {
	case err == nil && c.fresh(rec):
		c.hits.Add(1)
		c.metrics.RecordCacheLookup("hit")
		if err := c.store.RecordCacheHit(ctx, id); err != nil {
			return nil, err
		}
		return rec, nil
	case err != nil && !errors.Is(err, stores.ErrNotFound):
		return nil, err
	}

	c.misses.Add(1)
	c.metrics.RecordCacheLookup("miss")
	return c.load(ctx, id, resourceType, name, group)
}

// GetByID is Get keyed by identity.
func (c *ResourceCache) GetByID(ctx context.Context, id string) (*stores.Resource, error) {
	parsed, err := resourceid.Parse(id)
	if err != nil {
		return nil, err
	}
	return c.Get(ctx, parsed.Type, parsed.Name, parsed.Group)
}

// Refresh queries the cloud regardless of freshness and stores the result.
func (c *ResourceCache) Refresh(ctx context.Context, id string) (*stores.Resource, error) {
	parsed, err := resourceid.Parse(id)
	if err != nil {
		return nil, err
	}
	c.refreshes.Add(1)
	c.metrics.RecordCacheLookup("refresh")
	return c.load(ctx, parsed.String(), parsed.Type, parsed.Name, parsed.Group)
}

// Invalidate expires every entry whose identity matches the GLOB pattern.
func (c *ResourceCache) Invalidate(ctx context.Context, pattern, reason string) (int64, error) {
	n, err := c.store.Invalidate(ctx, pattern, reason, c.actor)
	if err != nil {
		return 0, err
	}
	c.metrics.RecordCacheInvalidated(n)
	_ = c.events.PublishCacheInvalidated(pattern, reason, n)
	c.logger.WithFields(map[string]interface{}{
		"pattern": pattern,
		"reason":  reason,
		"count":   n,
	}).Info("cache invalidated")
	return n, nil
}

// MarkManaged flags the resource as managed and tags it in the cloud. Tagging
// failures are logged only.
func (c *ResourceCache) MarkManaged(ctx context.Context, id string) error {
	if err := c.store.MarkManaged(ctx, id, c.actor); err != nil {
		return err
	}
	c.tag(ctx, id, ManagedTags)
	return nil
}

// MarkCreated flags the resource as created by lattice and tags it.
func (c *ResourceCache) MarkCreated(ctx context.Context, id string) error {
	if err := c.store.MarkCreated(ctx, id, c.actor); err != nil {
		return err
	}
	c.tag(ctx, id, map[string]string{"managed-by": "lattice", "created-by": "lattice"})
	return nil
}

// Stats returns a snapshot of the lookup counters.
func (c *ResourceCache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Refreshes: c.refreshes.Load(),
	}
}

func (c *ResourceCache) fresh(r *stores.Resource) bool {
	return !r.Deleted() && r.CacheExpiresAt.After(c.now())
}

// load collapses concurrent loads of the same identity into one cloud query.
func (c *ResourceCache) load(ctx context.Context, id, resourceType, name, group string) (*stores.Resource, error) {
	v, err, _ := c.flight.Do(id, func() (interface{}, error) {
		return c.query(ctx, id, resourceType, name, group)
	})
	if err != nil {
		return nil, err
	}
	rec := *v.(*stores.Resource)
	return &rec, nil
}

func (c *ResourceCache) query(ctx context.Context, id, resourceType, name, group string) (*stores.Resource, error) {
	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.StartCloudSpan(ctx, "query", id)
		defer span.End()
	}

	start := time.Now()
	remote, err := c.client.Query(ctx, resourceType, name, group)
	c.metrics.RecordCloudCall("query", time.Since(start), err)
	if errors.Is(err, cloud.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("cloud query %s: %w", id, err)
	}

	rec := &stores.Resource{
		ID:                id,
		Type:              resourceType,
		Name:              name,
		Group:             group,
		Region:            remote.Region,
		ProvisioningState: remote.ProvisioningState,
		Properties:        remote.Properties,
		Tags:              remote.Tags,
	}
	if err := c.store.UpsertResource(ctx, rec); err != nil {
		return nil, err
	}
	c.logger.WithResourceID(id).Debug("resource cached from cloud")
	return rec, nil
}

func (c *ResourceCache) tag(ctx context.Context, id string, tags map[string]string) {
	start := time.Now()
	err := c.client.Tag(ctx, id, tags)
	c.metrics.RecordCloudCall("tag", time.Since(start), err)
	if err != nil {
		c.logger.WithResourceID(id).WithError(err).Warn("failed to tag resource")
	}
}
