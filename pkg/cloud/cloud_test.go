package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClient(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()

	require.NoError(t, m.Put(&Resource{Group: "rg", Type: "disks", Name: "d1", ProvisioningState: "Succeeded"}))

	r, err := m.Query(ctx, "disks", "d1", "rg")
	require.NoError(t, err)
	assert.Equal(t, "/group/rg/type/disks/name/d1", r.ID)
	assert.Equal(t, 1, m.Queries(r.ID))

	_, err = m.Query(ctx, "disks", "missing", "rg")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 2, m.TotalQueries())

	// Returned values are copies.
	r.ProvisioningState = "Deleting"
	again, _ := m.Get(r.ID)
	assert.Equal(t, "Succeeded", again.ProvisioningState)

	require.NoError(t, m.Tag(ctx, r.ID, map[string]string{"managed-by": "lattice"}))
	tagged, _ := m.Get(r.ID)
	assert.Equal(t, "lattice", tagged.Tags["managed-by"])

	m.FailTags(errors.New("forbidden"))
	assert.Error(t, m.Tag(ctx, r.ID, map[string]string{"a": "b"}))

	m.Remove(r.ID)
	_, err = m.Query(ctx, "disks", "d1", "rg")
	assert.ErrorIs(t, err, ErrNotFound)
}

type recordedCall struct {
	name string
	args []string
}

func fakeRunner(stdout, stderr string, err error, calls *[]recordedCall) CommandRunner {
	return func(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
		*calls = append(*calls, recordedCall{name: name, args: args})
		return []byte(stdout), []byte(stderr), err
	}
}

func TestCLIClientQuery(t *testing.T) {
	payload := `{
		"id": "/subscriptions/sub-1/resourceGroups/rg-web/providers/Microsoft.Compute/virtualMachines/vm01",
		"name": "vm01",
		"location": "westeurope",
		"tags": {"env": "prod"},
		"properties": {
			"provisioningState": "Succeeded",
			"networkProfile": {"networkInterfaces": [
				{"id": "/subscriptions/sub-1/resourceGroups/rg-web/providers/Microsoft.Network/networkInterfaces/nic01"}
			]}
		}
	}`

	var calls []recordedCall
	c := NewCLIClient("sub-1", WithRunner(fakeRunner(payload, "", nil, &calls)))

	r, err := c.Query(context.Background(), "virtualMachines", "vm01", "rg-web")
	require.NoError(t, err)

	assert.Equal(t, "/group/rg-web/type/virtualMachines/name/vm01", r.ID)
	assert.Equal(t, "westeurope", r.Region)
	assert.Equal(t, "Succeeded", r.ProvisioningState)
	assert.Equal(t, "prod", r.Tags["env"])
	assert.Contains(t, string(r.Properties), `"/group/rg-web/type/networkInterfaces/name/nic01"`)

	require.Len(t, calls, 1)
	assert.Equal(t, "az", calls[0].name)
	joined := strings.Join(calls[0].args, " ")
	assert.Contains(t, joined, "resource show")
	assert.Contains(t, joined, "--resource-type Microsoft.Compute/virtualMachines")
	assert.Contains(t, joined, "--subscription sub-1")
}

func TestCLIClientNotFound(t *testing.T) {
	var calls []recordedCall
	c := NewCLIClient("sub-1", WithRunner(fakeRunner("", "ERROR: (ResourceNotFound) The Resource was not found.", &exec.ExitError{}, &calls)))

	_, err := c.Query(context.Background(), "disks", "d1", "rg")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCLIClientRejectsUnknownType(t *testing.T) {
	c := NewCLIClient("sub-1", WithRunner(func(context.Context, string, ...string) ([]byte, []byte, error) {
		t.Fatal("runner must not be called")
		return nil, nil, nil
	}))
	_, err := c.Query(context.Background(), "teapots", "t1", "rg")
	assert.Error(t, err)
}

func TestCLIClientTag(t *testing.T) {
	var calls []recordedCall
	c := NewCLIClient("sub-1", WithRunner(fakeRunner("{}", "", nil, &calls)))

	err := c.Tag(context.Background(), "/group/rg/type/storageAccounts/name/st1",
		map[string]string{"managed-by": "lattice", "created-by": "lattice"})
	require.NoError(t, err)

	require.Len(t, calls, 1)
	assert.Equal(t, []string{
		"tag", "update",
		"--resource-id", "/subscriptions/sub-1/resourceGroups/rg/providers/Microsoft.Storage/storageAccounts/st1",
		"--operation", "Merge",
		"--tags", "created-by=lattice", "managed-by=lattice",
		"--subscription", "sub-1",
	}, calls[0].args)

	noSub := NewCLIClient("", WithRunner(fakeRunner("{}", "", nil, &calls)))
	assert.Error(t, noSub.Tag(context.Background(), "/group/rg/type/storageAccounts/name/st1", nil))
}

func TestNormalizeReferences(t *testing.T) {
	in := json.RawMessage(`{"subnet":{"id":"/subscriptions/s/resourceGroups/rg-net/providers/Microsoft.Network/virtualNetworks/vnet1/subnets/default"}}`)
	out := NormalizeReferences(in)
	assert.JSONEq(t, `{"subnet":{"id":"/group/rg-net/type/virtualNetworks/name/vnet1/subnets/default"}}`, string(out))
}

func TestNormalizeReferencesMixedCase(t *testing.T) {
	in := json.RawMessage(`{"nic":"/subscriptions/S/RESOURCEGROUPS/RG-AVD/providers/microsoft.network/NetworkInterfaces/nic1","other":"/subscriptions/s/resourceGroups/rg/providers/Contoso.Widgets/gadgets/g1"}`)
	out := NormalizeReferences(in)
	assert.JSONEq(t, `{"nic":"/group/RG-AVD/type/networkInterfaces/name/nic1","other":"/group/rg/type/gadgets/name/g1"}`, string(out))
}

func TestRateLimited(t *testing.T) {
	m := NewMemoryClient()
	require.NoError(t, m.Put(&Resource{Group: "rg", Type: "disks", Name: "d1"}))

	limited := NewRateLimited(m, 1000, 1)
	_, err := limited.Query(context.Background(), "disks", "d1", "rg")
	require.NoError(t, err)

	// An exhausted limiter honours context cancellation.
	slow := NewRateLimited(m, 0.001, 1)
	_, err = slow.Query(context.Background(), "disks", "d1", "rg")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = slow.Query(ctx, "disks", "d1", "rg")
	assert.Error(t, err)
}
