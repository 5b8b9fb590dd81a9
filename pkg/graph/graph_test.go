package graph

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-ops/lattice/pkg/cloud"
	"github.com/lattice-ops/lattice/pkg/resourceid"
	"github.com/lattice-ops/lattice/pkg/stores"
	"github.com/lattice-ops/lattice/pkg/stores/storetest"
)

func id(group, typ, name string) string {
	return resourceid.MustFormat(group, typ, name)
}

func req(from, to string) Edge {
	return Edge{From: from, To: to, Kind: stores.DependencyRequired, Relationship: "needs"}
}

func TestFindCyclesAcyclic(t *testing.T) {
	adj := map[string][]string{
		"a": {"b", "c"},
		"b": {"d"},
		"c": {"d"},
		"d": nil,
	}
	assert.Empty(t, FindCycles(adj))
}

func TestFindCyclesTriangleFromAnyStart(t *testing.T) {
	// The same A -> B -> C -> A loop under three labellings, so that the
	// sorted-first start node is each of the cycle members in turn.
	labellings := [][3]string{
		{"a", "b", "c"},
		{"b", "c", "a"},
		{"c", "a", "b"},
	}
	for _, l := range labellings {
		adj := map[string][]string{
			l[0]: {l[1]},
			l[1]: {l[2]},
			l[2]: {l[0]},
		}
		cycles := FindCycles(adj)
		require.Len(t, cycles, 1, "labelling %v", l)

		c := cycles[0]
		require.Len(t, c, 4)
		assert.Equal(t, c[0], c[3])
		assert.ElementsMatch(t, []string{"a", "b", "c"}, []string(c[:3]))
		// Consecutive entries must be real edges.
		for i := 0; i < 3; i++ {
			assert.Contains(t, adj[c[i]], c[i+1])
		}
	}
}

func TestBackEdgeDetected(t *testing.T) {
	a, b, c, d := id("rg", "disks", "a"), id("rg", "disks", "b"), id("rg", "disks", "c"), id("rg", "disks", "d")
	edges := []Edge{req(a, b), req(b, c), req(c, d)}

	assert.Empty(t, NewGraph(nil, edges).DetectCycles())

	g := NewGraph(nil, append(edges, req(d, b)))
	cycles := g.DetectCycles()
	require.Len(t, cycles, 1)
	assert.Equal(t, Cycle{b, c, d, b}, cycles[0])
}

func TestCyclesIgnoreNonRequiredEdges(t *testing.T) {
	a, b := id("rg", "disks", "a"), id("rg", "disks", "b")
	g := NewGraph(nil, []Edge{
		req(a, b),
		{From: b, To: a, Kind: stores.DependencyOptional, Relationship: "maybe"},
	})
	assert.Empty(t, g.DetectCycles())

	levels, err := g.Levels()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{b}, {a}}, levels)
}

func TestQueries(t *testing.T) {
	vm := id("rg", "virtualMachines", "vm1")
	nic := id("rg", "networkInterfaces", "nic1")
	vnet := id("rg", "virtualNetworks", "vnet1")
	disk := id("rg", "disks", "os1")
	nsg := id("rg", "networkSecurityGroups", "nsg1")

	g := NewGraph(nil, []Edge{
		req(vm, nic),
		req(vm, disk),
		req(nic, vnet),
		{From: nic, To: nsg, Kind: stores.DependencyOptional, Relationship: "network-security-group"},
	})

	assert.Equal(t, []string{disk, nic, nsg, vnet}, sortedCopy(g.Ancestors(vm, 0)))
	assert.ElementsMatch(t, []string{disk, nic}, g.Ancestors(vm, 1))
	assert.Equal(t, []string{nic, vm}, g.Dependents(vnet, 0))
	assert.Nil(t, g.Ancestors("unknown", 0))

	assert.Equal(t, []string{vm, nic, vnet}, g.Path(vm, vnet))
	assert.Equal(t, []string{vm}, g.Path(vm, vm))
	assert.Nil(t, g.Path(vnet, vm))
	assert.Nil(t, g.PathWithin(vm, vnet, 1))

	assert.ElementsMatch(t, []string{disk, nsg, vnet}, g.Roots())
	assert.Equal(t, []string{vm}, g.Leaves())

	levels, err := g.Levels()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{disk, nsg, vnet}, {nic}, {vm}}, levels)
}

func TestLevelsReportCycles(t *testing.T) {
	a, b, c := id("rg", "disks", "a"), id("rg", "disks", "b"), id("rg", "disks", "c")
	g := NewGraph(nil, []Edge{req(a, b), req(b, c), req(c, b)})

	levels, err := g.Levels()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycleDetected))

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Len(t, cycleErr.Cycles, 1)
	assert.Empty(t, levels)
}

func TestMissingNodes(t *testing.T) {
	vm := id("rg", "virtualMachines", "vm1")
	disk := id("rg", "disks", "d1")
	g := NewGraph([]Node{{ID: vm, Group: "rg", Type: "virtualMachines", Name: "vm1"}}, []Edge{req(vm, disk)})

	assert.Equal(t, []string{disk}, g.Missing())
	n, ok := g.Node(disk)
	require.True(t, ok)
	assert.Equal(t, "disks", n.Type)
	assert.Equal(t, 2, g.Len())
}

func TestToDOT(t *testing.T) {
	vm := id("rg", "virtualMachines", "vm1")
	disk := id("rg", "disks", "d1")
	nic := id("rg-net", "networkInterfaces", "nic1")

	g := NewGraph(
		[]Node{
			{ID: vm, Group: "rg", Type: "virtualMachines", Name: "vm1", ProvisioningState: "Failed"},
			{ID: disk, Group: "rg", Type: "disks", Name: "d1", ProvisioningState: "Succeeded"},
		},
		[]Edge{
			{From: vm, To: disk, Kind: stores.DependencyRequired, Relationship: "os-disk"},
			{From: vm, To: nic, Kind: stores.DependencyReference, Relationship: "embedded-reference"},
		},
	)

	gold := goldie.New(t, goldie.WithFixtureDir("testdata"), goldie.WithNameSuffix(".golden"))
	gold.Assert(t, "dependencies", []byte(g.ToDOT()))
}

func TestExtractors(t *testing.T) {
	reg := DefaultRegistry()

	tests := []struct {
		name  string
		res   *stores.Resource
		edges []Edge
	}{
		{
			name: "virtual machine",
			res: &stores.Resource{
				ID:   id("rg", "virtualMachines", "vm1"),
				Type: "virtualMachines",
				Properties: json.RawMessage(`{
					"networkProfile": {"networkInterfaces": [{"id": "/group/rg/type/networkInterfaces/name/nic1"}]},
					"storageProfile": {
						"osDisk": {"managedDisk": {"id": "/group/rg/type/disks/name/os1"}},
						"dataDisks": [{"managedDisk": {"id": "/group/rg/type/disks/name/data1"}}]
					},
					"availabilitySet": {"id": "/group/rg/type/availabilitySets/name/as1"}
				}`),
			},
			edges: []Edge{
				{To: id("rg", "networkInterfaces", "nic1"), Kind: stores.DependencyRequired, Relationship: "network-interface"},
				{To: id("rg", "disks", "os1"), Kind: stores.DependencyRequired, Relationship: "os-disk"},
				{To: id("rg", "disks", "data1"), Kind: stores.DependencyOptional, Relationship: "data-disk"},
				{To: id("rg", "availabilitySets", "as1"), Kind: stores.DependencyOptional, Relationship: "availability-set"},
			},
		},
		{
			name: "network interface",
			res: &stores.Resource{
				ID:   id("rg", "networkInterfaces", "nic1"),
				Type: "networkInterfaces",
				Properties: json.RawMessage(`{
					"ipConfigurations": [{"properties": {
						"subnet": {"id": "/group/rg-net/type/virtualNetworks/name/vnet1/subnets/default"},
						"publicIPAddress": {"id": "/group/rg/type/publicIPAddresses/name/pip1"}
					}}],
					"networkSecurityGroup": {"id": "/group/rg/type/networkSecurityGroups/name/nsg1"}
				}`),
			},
			edges: []Edge{
				{To: id("rg-net", "virtualNetworks", "vnet1"), Kind: stores.DependencyRequired, Relationship: "virtual-network"},
				{To: id("rg", "publicIPAddresses", "pip1"), Kind: stores.DependencyOptional, Relationship: "public-ip"},
				{To: id("rg", "networkSecurityGroups", "nsg1"), Kind: stores.DependencyOptional, Relationship: "network-security-group"},
			},
		},
		{
			name: "virtual network",
			res: &stores.Resource{
				ID:   id("rg-net", "virtualNetworks", "vnet1"),
				Type: "virtualNetworks",
				Properties: json.RawMessage(`{
					"subnets": [{"properties": {
						"networkSecurityGroup": {"id": "/group/rg-net/type/networkSecurityGroups/name/nsg1"},
						"routeTable": {"id": "/group/rg-net/type/routeTables/name/rt1"}
					}}],
					"virtualNetworkPeerings": [{"properties": {"remoteVirtualNetwork": {"id": "/group/rg-hub/type/virtualNetworks/name/hub"}}}]
				}`),
			},
			edges: []Edge{
				{To: id("rg-net", "networkSecurityGroups", "nsg1"), Kind: stores.DependencyOptional, Relationship: "subnet-network-security-group"},
				{To: id("rg-net", "routeTables", "rt1"), Kind: stores.DependencyOptional, Relationship: "subnet-route-table"},
				{To: id("rg-hub", "virtualNetworks", "hub"), Kind: stores.DependencyReference, Relationship: "peering"},
			},
		},
		{
			name: "storage account with customer managed key",
			res: &stores.Resource{
				ID:    id("rg", "storageAccounts", "st1"),
				Type:  "storageAccounts",
				Group: "rg",
				Properties: json.RawMessage(`{
					"networkAcls": {"virtualNetworkRules": [{"id": "/group/rg-net/type/virtualNetworks/name/vnet1/subnets/data"}]},
					"encryption": {"keySource": "Microsoft.Keyvault", "keyvaultproperties": {"keyvaulturi": "https://kv-prod.vault.azure.net/"}}
				}`),
			},
			edges: []Edge{
				{To: id("rg-net", "virtualNetworks", "vnet1"), Kind: stores.DependencyOptional, Relationship: "network-rule"},
				{To: id("rg", "vaults", "kv-prod"), Kind: stores.DependencyRequired, Relationship: "encryption-key-vault"},
			},
		},
		{
			name: "application group",
			res: &stores.Resource{
				ID:         id("rg-avd", "applicationGroups", "ag1"),
				Type:       "applicationGroups",
				Properties: json.RawMessage(`{"hostPoolArmPath": "/group/rg-avd/type/hostPools/name/hp1"}`),
			},
			edges: []Edge{
				{To: id("rg-avd", "hostPools", "hp1"), Kind: stores.DependencyRequired, Relationship: "host-pool"},
			},
		},
		{
			name: "workspace",
			res: &stores.Resource{
				ID:         id("rg-avd", "workspaces", "ws1"),
				Type:       "workspaces",
				Properties: json.RawMessage(`{"applicationGroupReferences": ["/group/rg-avd/type/applicationGroups/name/ag1"]}`),
			},
			edges: []Edge{
				{To: id("rg-avd", "applicationGroups", "ag1"), Kind: stores.DependencyRequired, Relationship: "application-group"},
			},
		},
		{
			name: "untyped fallback skips self and duplicates",
			res: &stores.Resource{
				ID:   id("rg", "vaults", "kv1"),
				Type: "vaults",
				Properties: json.RawMessage(`{
					"self": "/group/rg/type/vaults/name/kv1",
					"a": "/group/rg/type/privateEndpoints/name/pe1",
					"b": ["/group/rg/type/privateEndpoints/name/pe1/connections/x"]
				}`),
			},
			edges: []Edge{
				{To: id("rg", "privateEndpoints", "pe1"), Kind: stores.DependencyReference, Relationship: "embedded-reference"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reg.Detect(tt.res)
			require.NoError(t, err)
			for i := range tt.edges {
				tt.edges[i].From = tt.res.ID
			}
			assert.Equal(t, tt.edges, got)
		})
	}
}

func TestExtractorDecodeFailureFallsBack(t *testing.T) {
	res := &stores.Resource{
		ID:         id("rg", "virtualMachines", "vm1"),
		Type:       "virtualMachines",
		Properties: json.RawMessage(`{"networkProfile": "/group/rg/type/networkInterfaces/name/nic1"}`),
	}
	edges, err := DefaultRegistry().Detect(res)
	assert.Error(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, stores.DependencyReference, edges[0].Kind)
}

func seed(t *testing.T, store *stores.SQLiteStore, rid, state string, props string) {
	t.Helper()
	r := &stores.Resource{ID: rid, ProvisioningState: state, Properties: json.RawMessage(props)}
	require.NoError(t, store.UpsertResource(context.Background(), r))
}

func TestEngineBuildGraph(t *testing.T) {
	ctx := context.Background()
	store, _ := storetest.New(t)
	engine := NewEngine(store)

	vm := id("rg", "virtualMachines", "vm1")
	nic := id("rg", "networkInterfaces", "nic1")
	disk := id("rg", "disks", "os1")

	seed(t, store, vm, "Succeeded", `{
		"networkProfile": {"networkInterfaces": [{"id": "`+nic+`"}]},
		"storageProfile": {"osDisk": {"managedDisk": {"id": "`+disk+`"}}}
	}`)
	seed(t, store, nic, "Succeeded", `{}`)

	// A manual edge survives alongside detected ones.
	require.NoError(t, engine.AddEdge(ctx, nic, id("rg", "virtualNetworks", "vnet1"), stores.DependencyOptional, "manual"))

	g, err := engine.BuildGraph(ctx)
	require.NoError(t, err)
	assert.Len(t, g.Edges(), 3)
	assert.ElementsMatch(t, []string{disk, id("rg", "virtualNetworks", "vnet1")}, g.Missing())

	// Building twice is idempotent.
	g, err = engine.BuildGraph(ctx)
	require.NoError(t, err)
	assert.Len(t, g.Edges(), 3)

	err = engine.AddEdge(ctx, "not-an-id", nic, stores.DependencyRequired, "x")
	assert.ErrorIs(t, err, resourceid.ErrInvalidIdentity)
	assert.Error(t, engine.AddEdge(ctx, vm, nic, "mandatory", "x"))
}

func TestCheckSatisfied(t *testing.T) {
	ctx := context.Background()
	subject := id("rg", "virtualMachines", "vm1")
	target := id("rg", "disks", "d1")

	tests := []struct {
		name      string
		kind      stores.DependencyKind
		state     string
		exists    bool
		deleted   bool
		noEdges   bool
		satisfied bool
	}{
		{name: "no dependencies", noEdges: true, satisfied: true},
		{name: "succeeded target", kind: stores.DependencyRequired, state: "Succeeded", exists: true, satisfied: true},
		{name: "case-insensitive state", kind: stores.DependencyRequired, state: "succeeded", exists: true, satisfied: true},
		{name: "failed target", kind: stores.DependencyRequired, state: "Failed", exists: true},
		{name: "creating target", kind: stores.DependencyRequired, state: "Creating", exists: true},
		{name: "missing target", kind: stores.DependencyRequired},
		{name: "deleted target", kind: stores.DependencyRequired, state: "Succeeded", exists: true, deleted: true},
		{name: "optional failed target", kind: stores.DependencyOptional, state: "Failed", exists: true, satisfied: true},
		{name: "optional missing target", kind: stores.DependencyOptional, satisfied: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := storetest.New(t)
			engine := NewEngine(store)

			seed(t, store, subject, "Succeeded", `{}`)
			if tt.exists {
				seed(t, store, target, tt.state, `{}`)
			}
			if tt.deleted {
				require.NoError(t, store.SoftDelete(ctx, target, "test"))
			}
			if !tt.noEdges {
				require.NoError(t, engine.AddEdge(ctx, subject, target, tt.kind, "disk"))
			}

			ok, unmet, err := engine.CheckSatisfied(ctx, subject)
			require.NoError(t, err)
			assert.Equal(t, tt.satisfied, ok)
			if tt.satisfied {
				assert.Empty(t, unmet)
			} else {
				require.Len(t, unmet, 1)
				assert.Equal(t, target, unmet[0].Edge.To)
			}
		})
	}
}

func TestCheckSatisfiedMixedCaseReferences(t *testing.T) {
	ctx := context.Background()
	store, _ := storetest.New(t)
	engine := NewEngine(store)

	vm := id("rg-avd", "virtualMachines", "vm1")
	nic := id("rg-avd", "networkInterfaces", "nic1")
	disk := id("rg-avd", "disks", "os1")

	props := cloud.NormalizeReferences(json.RawMessage(`{
		"networkProfile": {"networkInterfaces": [{"id": "/subscriptions/s/resourceGroups/RG-AVD/providers/Microsoft.Network/networkInterfaces/nic1"}]},
		"storageProfile": {"osDisk": {"managedDisk": {"id": "/subscriptions/s/resourceGroups/RG-AVD/providers/Microsoft.Compute/Disks/os1"}}}
	}`))
	seed(t, store, vm, "Succeeded", string(props))
	seed(t, store, nic, "Succeeded", `{}`)
	seed(t, store, disk, "Succeeded", `{}`)

	g, err := engine.BuildGraph(ctx)
	require.NoError(t, err)
	assert.Empty(t, g.Missing())
	assert.Equal(t, 3, g.Len())
	assert.ElementsMatch(t, []string{disk, nic}, g.Ancestors(vm, 0))
	assert.ElementsMatch(t, []string{vm}, g.Dependents("/group/RG-AVD/type/disks/name/os1", 0))

	ok, unmet, err := engine.CheckSatisfied(ctx, vm)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, unmet)

	_, err = store.GetResource(ctx, "/group/RG-AVD/type/networkInterfaces/name/NIC1")
	assert.NoError(t, err, "identity lookups ignore case")
}

func TestCyclesThrough(t *testing.T) {
	ctx := context.Background()
	store, _ := storetest.New(t)
	engine := NewEngine(store)

	a, b, c := id("rg", "disks", "a"), id("rg", "disks", "b"), id("rg", "disks", "c")
	other := id("rg", "disks", "other")
	require.NoError(t, engine.AddEdge(ctx, a, b, stores.DependencyRequired, "r"))
	require.NoError(t, engine.AddEdge(ctx, b, c, stores.DependencyRequired, "r"))
	require.NoError(t, engine.AddEdge(ctx, c, a, stores.DependencyRequired, "r"))

	cycles, err := engine.CyclesThrough(ctx, b)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, Cycle{a, b, c, a}, cycles[0])

	cycles, err = engine.CyclesThrough(ctx, other)
	require.NoError(t, err)
	assert.Empty(t, cycles)
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
