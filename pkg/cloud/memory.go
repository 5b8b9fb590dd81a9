package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/lattice-ops/lattice/pkg/resourceid"
)

// MemoryClient is an in-memory Client used by tests and dry runs.
type MemoryClient struct {
	mu        sync.Mutex
	resources map[string]*Resource
	queries   map[string]int
	tagErr    error
	queryErr  error
}

// NewMemoryClient returns an empty in-memory client.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		resources: make(map[string]*Resource),
		queries:   make(map[string]int),
	}
}

// Put stores or replaces a resource. The identity is derived from its parts
// when ID is empty.
func (m *MemoryClient) Put(r *Resource) error {
	if r.ID == "" {
		id, err := resourceid.Format(r.Group, r.Type, r.Name)
		if err != nil {
			return err
		}
		r.ID = id
	}
	id, err := resourceid.Parse(r.ID)
	if err != nil {
		return err
	}
	r.Group, r.Type, r.Name = id.Group, id.Type, id.Name

	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[r.ID] = clone(r)
	return nil
}

// Remove deletes a resource so later queries return ErrNotFound.
func (m *MemoryClient) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resources, id)
}

// FailTags makes every Tag call return err. Pass nil to restore.
func (m *MemoryClient) FailTags(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tagErr = err
}

// FailQueries makes every Query call return err. Pass nil to restore.
func (m *MemoryClient) FailQueries(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryErr = err
}

// Queries returns how many times the resource was queried.
func (m *MemoryClient) Queries(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries[id]
}

// TotalQueries returns the number of Query calls across all resources.
func (m *MemoryClient) TotalQueries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.queries {
		total += n
	}
	return total
}

// Get returns a copy of the stored resource, if present.
func (m *MemoryClient) Get(id string) (*Resource, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[id]
	if !ok {
		return nil, false
	}
	return clone(r), true
}

// Query implements Client.
func (m *MemoryClient) Query(ctx context.Context, resourceType, name, group string) (*Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := resourceid.Format(group, resourceType, name)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries[id]++
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	r, ok := m.resources[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return clone(r), nil
}

// Create implements Client. Creating an existing resource replaces it.
func (m *MemoryClient) Create(ctx context.Context, r *Resource) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.ProvisioningState == "" {
		r.ProvisioningState = "Succeeded"
	}
	return m.Put(r)
}

// Tag implements Client by merging tags into the stored resource.
func (m *MemoryClient) Tag(ctx context.Context, id string, tags map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tagErr != nil {
		return m.tagErr
	}
	r, ok := m.resources[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if r.Tags == nil {
		r.Tags = make(map[string]string, len(tags))
	}
	maps.Copy(r.Tags, tags)
	return nil
}

func clone(r *Resource) *Resource {
	c := *r
	if r.Properties != nil {
		c.Properties = append(json.RawMessage(nil), r.Properties...)
	}
	if r.Tags != nil {
		c.Tags = maps.Clone(r.Tags)
	}
	return &c
}
