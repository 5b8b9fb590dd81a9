// Package cloud abstracts the external cloud management API behind the
// Client interface. The resource cache calls it only on a miss.
package cloud

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned by Query when the resource does not exist.
var ErrNotFound = errors.New("cloud resource not found")

// Resource is the structured result of a cloud query. Embedded resource
// references inside Properties use lattice identities.
type Resource struct {
	ID                string            `json:"id"`
	Type              string            `json:"type"`
	Name              string            `json:"name"`
	Group             string            `json:"group"`
	Region            string            `json:"region,omitempty"`
	ProvisioningState string            `json:"provisioning_state,omitempty"`
	Properties        json.RawMessage   `json:"properties,omitempty"`
	Tags              map[string]string `json:"tags,omitempty"`
}

// Client is the capability interface for reading, creating and tagging
// cloud resources.
type Client interface {
	Query(ctx context.Context, resourceType, name, group string) (*Resource, error)
	Create(ctx context.Context, r *Resource) error
	Tag(ctx context.Context, id string, tags map[string]string) error
}
