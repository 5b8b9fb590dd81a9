package graph

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/lattice-ops/lattice/pkg/resourceid"
	"github.com/lattice-ops/lattice/pkg/stores"
)

// Extractor decodes the properties of one resource type into dependency edges.
type Extractor func(self *stores.Resource) ([]Edge, error)

// Registry dispatches dependency detection on the resource type tag.
type Registry struct {
	byType map[string]Extractor
}

// NewRegistry returns an empty registry; every type uses the untyped scan.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Extractor)}
}

// DefaultRegistry knows the compute, network, storage and virtual desktop types.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("virtualMachines", virtualMachineEdges)
	r.Register("networkInterfaces", networkInterfaceEdges)
	r.Register("virtualNetworks", virtualNetworkEdges)
	r.Register("storageAccounts", storageAccountEdges)
	r.Register("hostPools", hostPoolEdges)
	r.Register("applicationGroups", applicationGroupEdges)
	r.Register("workspaces", workspaceEdges)
	return r
}

// Register installs or replaces the extractor for a type tag.
func (r *Registry) Register(resourceType string, fn Extractor) {
	r.byType[resourceType] = fn
}

// Detect returns the edges for res. Types without an extractor, and typed
// payloads that fail to decode, fall back to scanning for embedded
// identities; the decode error is still returned so callers can log it.
func (r *Registry) Detect(res *stores.Resource) ([]Edge, error) {
	fn, ok := r.byType[res.Type]
	if !ok {
		return embeddedReferences(res), nil
	}
	edges, err := fn(res)
	if err != nil {
		return embeddedReferences(res), fmt.Errorf("decode %s properties: %w", res.ID, err)
	}
	return dedupe(edges), nil
}

type idRef struct {
	ID string `json:"id"`
}

// collector accumulates edges from one resource, skipping references that do
// not parse or that point back at the resource itself.
type collector struct {
	self  string
	edges []Edge
}

func (c *collector) add(ref string, kind stores.DependencyKind, relationship string) {
	owner, ok := resourceid.Owner(ref)
	if !ok || resourceid.Equal(owner, c.self) {
		return
	}
	c.edges = append(c.edges, Edge{From: c.self, To: owner, Kind: kind, Relationship: relationship})
}

func (c *collector) addRef(ref *idRef, kind stores.DependencyKind, relationship string) {
	if ref != nil {
		c.add(ref.ID, kind, relationship)
	}
}

func decode(res *stores.Resource, v interface{}) error {
	if len(res.Properties) == 0 {
		return nil
	}
	return json.Unmarshal(res.Properties, v)
}

func virtualMachineEdges(res *stores.Resource) ([]Edge, error) {
	var p struct {
		NetworkProfile struct {
			NetworkInterfaces []idRef `json:"networkInterfaces"`
		} `json:"networkProfile"`
		StorageProfile struct {
			OSDisk struct {
				ManagedDisk *idRef `json:"managedDisk"`
			} `json:"osDisk"`
			DataDisks []struct {
				ManagedDisk *idRef `json:"managedDisk"`
			} `json:"dataDisks"`
		} `json:"storageProfile"`
		AvailabilitySet *idRef `json:"availabilitySet"`
	}
	if err := decode(res, &p); err != nil {
		return nil, err
	}

	c := &collector{self: res.ID}
	for _, nic := range p.NetworkProfile.NetworkInterfaces {
		c.add(nic.ID, stores.DependencyRequired, "network-interface")
	}
	c.addRef(p.StorageProfile.OSDisk.ManagedDisk, stores.DependencyRequired, "os-disk")
	for _, d := range p.StorageProfile.DataDisks {
		c.addRef(d.ManagedDisk, stores.DependencyOptional, "data-disk")
	}
	c.addRef(p.AvailabilitySet, stores.DependencyOptional, "availability-set")
	return c.edges, nil
}

func networkInterfaceEdges(res *stores.Resource) ([]Edge, error) {
	var p struct {
		IPConfigurations []struct {
			Properties struct {
				Subnet          *idRef `json:"subnet"`
				PublicIPAddress *idRef `json:"publicIPAddress"`
			} `json:"properties"`
		} `json:"ipConfigurations"`
		NetworkSecurityGroup *idRef `json:"networkSecurityGroup"`
	}
	if err := decode(res, &p); err != nil {
		return nil, err
	}

	c := &collector{self: res.ID}
	for _, ipc := range p.IPConfigurations {
		c.addRef(ipc.Properties.Subnet, stores.DependencyRequired, "virtual-network")
		c.addRef(ipc.Properties.PublicIPAddress, stores.DependencyOptional, "public-ip")
	}
	c.addRef(p.NetworkSecurityGroup, stores.DependencyOptional, "network-security-group")
	return c.edges, nil
}

func virtualNetworkEdges(res *stores.Resource) ([]Edge, error) {
	var p struct {
		Subnets []struct {
			Properties struct {
				NetworkSecurityGroup *idRef `json:"networkSecurityGroup"`
				RouteTable           *idRef `json:"routeTable"`
			} `json:"properties"`
		} `json:"subnets"`
		DDoSProtectionPlan     *idRef `json:"ddosProtectionPlan"`
		VirtualNetworkPeerings []struct {
			Properties struct {
				RemoteVirtualNetwork *idRef `json:"remoteVirtualNetwork"`
			} `json:"properties"`
		} `json:"virtualNetworkPeerings"`
	}
	if err := decode(res, &p); err != nil {
		return nil, err
	}

	c := &collector{self: res.ID}
	for _, s := range p.Subnets {
		c.addRef(s.Properties.NetworkSecurityGroup, stores.DependencyOptional, "subnet-network-security-group")
		c.addRef(s.Properties.RouteTable, stores.DependencyOptional, "subnet-route-table")
	}
	c.addRef(p.DDoSProtectionPlan, stores.DependencyOptional, "ddos-protection-plan")
	for _, peer := range p.VirtualNetworkPeerings {
		c.addRef(peer.Properties.RemoteVirtualNetwork, stores.DependencyReference, "peering")
	}
	return c.edges, nil
}

func storageAccountEdges(res *stores.Resource) ([]Edge, error) {
	var p struct {
		NetworkACLs struct {
			VirtualNetworkRules []idRef `json:"virtualNetworkRules"`
		} `json:"networkAcls"`
		PrivateEndpointConnections []struct {
			Properties struct {
				PrivateEndpoint *idRef `json:"privateEndpoint"`
			} `json:"properties"`
		} `json:"privateEndpointConnections"`
		Encryption struct {
			KeySource          string `json:"keySource"`
			KeyVaultProperties struct {
				KeyVaultURI string `json:"keyvaulturi"`
			} `json:"keyvaultproperties"`
		} `json:"encryption"`
	}
	if err := decode(res, &p); err != nil {
		return nil, err
	}

	c := &collector{self: res.ID}
	for _, rule := range p.NetworkACLs.VirtualNetworkRules {
		c.add(rule.ID, stores.DependencyOptional, "network-rule")
	}
	for _, pec := range p.PrivateEndpointConnections {
		c.addRef(pec.Properties.PrivateEndpoint, stores.DependencyOptional, "private-endpoint")
	}
	if strings.EqualFold(p.Encryption.KeySource, "Microsoft.Keyvault") {
		if vault, ok := vaultFromURI(res.Group, p.Encryption.KeyVaultProperties.KeyVaultURI); ok {
			c.add(vault, stores.DependencyRequired, "encryption-key-vault")
		}
	}
	return c.edges, nil
}

// vaultFromURI maps https://{vault}.vault.azure.net/ to a vault identity in
// the given group. A URI that is already an identity is used as is.
func vaultFromURI(group, uri string) (string, bool) {
	if owner, ok := resourceid.Owner(uri); ok {
		return owner, true
	}
	u, err := url.Parse(uri)
	if err != nil || u.Hostname() == "" {
		return "", false
	}
	name, _, _ := strings.Cut(u.Hostname(), ".")
	id, err := resourceid.Format(group, "vaults", name)
	if err != nil {
		return "", false
	}
	return id, true
}

func hostPoolEdges(res *stores.Resource) ([]Edge, error) {
	var p struct {
		SessionHosts []struct {
			Properties struct {
				ResourceID string `json:"resourceId"`
			} `json:"properties"`
		} `json:"sessionHosts"`
		RegistrationKeyVault *idRef `json:"registrationKeyVault"`
	}
	if err := decode(res, &p); err != nil {
		return nil, err
	}

	c := &collector{self: res.ID}
	for _, host := range p.SessionHosts {
		c.add(host.Properties.ResourceID, stores.DependencyOptional, "session-host")
	}
	c.addRef(p.RegistrationKeyVault, stores.DependencyOptional, "registration-key-vault")
	return c.edges, nil
}

func applicationGroupEdges(res *stores.Resource) ([]Edge, error) {
	var p struct {
		HostPoolArmPath string `json:"hostPoolArmPath"`
	}
	if err := decode(res, &p); err != nil {
		return nil, err
	}
	c := &collector{self: res.ID}
	c.add(p.HostPoolArmPath, stores.DependencyRequired, "host-pool")
	return c.edges, nil
}

func workspaceEdges(res *stores.Resource) ([]Edge, error) {
	var p struct {
		ApplicationGroupReferences []string `json:"applicationGroupReferences"`
	}
	if err := decode(res, &p); err != nil {
		return nil, err
	}
	c := &collector{self: res.ID}
	for _, ref := range p.ApplicationGroupReferences {
		c.add(ref, stores.DependencyRequired, "application-group")
	}
	return c.edges, nil
}

// embeddedReferences is the untyped fallback: every identity found anywhere
// in the payload becomes a reference edge.
func embeddedReferences(res *stores.Resource) []Edge {
	c := &collector{self: res.ID}
	for _, ref := range resourceid.FindAll(string(res.Properties)) {
		c.add(ref, stores.DependencyReference, "embedded-reference")
	}
	return dedupe(c.edges)
}

func dedupe(edges []Edge) []Edge {
	seen := make(map[Edge]bool, len(edges))
	out := edges[:0]
	for _, e := range edges {
		if seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}
