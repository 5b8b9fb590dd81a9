package resourceid

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ID
		wantErr bool
	}{
		{
			name:  "valid",
			input: "/group/rg-web/type/virtualMachines/name/vm01",
			want:  ID{Group: "rg-web", Type: "virtualMachines", Name: "vm01"},
		},
		{
			name:  "dots and parens",
			input: "/group/rg.prod(eu)/type/storageAccounts/name/st.logs",
			want:  ID{Group: "rg.prod(eu)", Type: "storageAccounts", Name: "st.logs"},
		},
		{name: "empty", input: "", wantErr: true},
		{name: "missing name", input: "/group/rg/type/disks", wantErr: true},
		{name: "wrong order", input: "/type/disks/group/rg/name/d1", wantErr: true},
		{name: "extra segment", input: "/group/rg/type/disks/name/d1/extra", wantErr: true},
		{name: "slash in type", input: "/group/rg/type/Microsoft.Compute/vms/name/x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidIdentity))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.input, got.String())
		})
	}
}

func TestFormat(t *testing.T) {
	s, err := Format("rg", "disks", "osdisk-1")
	require.NoError(t, err)
	assert.Equal(t, "/group/rg/type/disks/name/osdisk-1", s)

	_, err = Format("rg", "", "x")
	assert.ErrorIs(t, err, ErrInvalidIdentity)

	_, err = Format("rg", "a/b", "x")
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestFindAll(t *testing.T) {
	text := `{"nic":"/group/rg/type/networkInterfaces/name/nic1","note":"see /group/rg/type/disks/name/d1 too"}`
	assert.Equal(t, []string{
		"/group/rg/type/networkInterfaces/name/nic1",
		"/group/rg/type/disks/name/d1",
	}, FindAll(text))
	assert.Empty(t, FindAll("nothing here"))
}

func TestOwner(t *testing.T) {
	owner, ok := Owner("/group/rg-net/type/virtualNetworks/name/vnet1/subnets/default")
	assert.True(t, ok)
	assert.Equal(t, "/group/rg-net/type/virtualNetworks/name/vnet1", owner)

	owner, ok = Owner("/group/rg/type/disks/name/d1")
	assert.True(t, ok)
	assert.Equal(t, "/group/rg/type/disks/name/d1", owner)

	_, ok = Owner("prefix/group/rg/type/disks/name/d1")
	assert.False(t, ok)
	_, ok = Owner("")
	assert.False(t, ok)
}

func TestKeyAndEqual(t *testing.T) {
	assert.True(t, Equal(
		"/group/RG-AVD/type/networkInterfaces/name/nic1",
		"/group/rg-avd/type/NetworkInterfaces/name/nic1",
	))
	assert.False(t, Equal(
		"/group/rg-avd/type/networkInterfaces/name/nic1",
		"/group/rg-avd/type/networkInterfaces/name/nic2",
	))
	assert.Equal(t, "/group/rg/type/disks/name/os1", Key(" /group/RG/type/Disks/name/OS1 "))
	assert.Equal(t, "Op-Create", Key("Op-Create"), "non-identities keep their case")
}
