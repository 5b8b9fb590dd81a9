package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"github.com/lattice-ops/lattice/pkg/resourceid"
)

// CommandRunner executes an external command and returns stdout and stderr.
type CommandRunner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// providerTypes maps lattice type tags to provider resource types.
var providerTypes = map[string]string{
	"virtualMachines":       "Microsoft.Compute/virtualMachines",
	"disks":                 "Microsoft.Compute/disks",
	"availabilitySets":      "Microsoft.Compute/availabilitySets",
	"networkInterfaces":     "Microsoft.Network/networkInterfaces",
	"virtualNetworks":       "Microsoft.Network/virtualNetworks",
	"networkSecurityGroups": "Microsoft.Network/networkSecurityGroups",
	"publicIPAddresses":     "Microsoft.Network/publicIPAddresses",
	"routeTables":           "Microsoft.Network/routeTables",
	"privateEndpoints":      "Microsoft.Network/privateEndpoints",
	"storageAccounts":       "Microsoft.Storage/storageAccounts",
	"vaults":                "Microsoft.KeyVault/vaults",
	"hostPools":             "Microsoft.DesktopVirtualization/hostPools",
	"applicationGroups":     "Microsoft.DesktopVirtualization/applicationGroups",
	"workspaces":            "Microsoft.DesktopVirtualization/workspaces",
}

// armIDPattern matches provider resource ids; sub-resource suffixes are left in place.
var armIDPattern = regexp.MustCompile(`(?i)/subscriptions/[^/"]+/resourceGroups/([^/"]+)/providers/[^/"]+/([^/"]+)/([^/"]+)`)

var notFoundMarkers = []string{"ResourceNotFound", "ResourceGroupNotFound", "was not found", "could not be found"}

// CLIClient implements Client by shelling out to the az command line tool.
type CLIClient struct {
	binary       string
	subscription string
	run          CommandRunner
}

// CLIOption configures a CLIClient.
type CLIOption func(*CLIClient)

// WithRunner replaces the command runner, mainly for tests.
func WithRunner(r CommandRunner) CLIOption {
	return func(c *CLIClient) { c.run = r }
}

// WithBinary overrides the CLI executable name.
func WithBinary(name string) CLIOption {
	return func(c *CLIClient) { c.binary = name }
}

// NewCLIClient returns a client bound to one subscription.
func NewCLIClient(subscription string, opts ...CLIOption) *CLIClient {
	c := &CLIClient{binary: "az", subscription: subscription, run: ExecRunner}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type cliResource struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Location   string            `json:"location"`
	Tags       map[string]string `json:"tags"`
	Properties json.RawMessage   `json:"properties"`
}

// Query implements Client.
func (c *CLIClient) Query(ctx context.Context, resourceType, name, group string) (*Resource, error) {
	id, err := resourceid.New(group, resourceType, name)
	if err != nil {
		return nil, err
	}
	ptype, err := providerType(resourceType)
	if err != nil {
		return nil, err
	}

	out, err := c.invoke(ctx, "resource", "show",
		"--resource-group", group,
		"--name", name,
		"--resource-type", ptype,
		"--output", "json",
	)
	if err != nil {
		return nil, err
	}

	var raw cliResource
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", id, err)
	}

	properties := json.RawMessage(`{}`)
	if len(raw.Properties) > 0 && string(raw.Properties) != "null" {
		properties = NormalizeReferences(raw.Properties)
	}

	var state struct {
		ProvisioningState string `json:"provisioningState"`
	}
	_ = json.Unmarshal(properties, &state)

	return &Resource{
		ID:                id.String(),
		Type:              resourceType,
		Name:              name,
		Group:             group,
		Region:            raw.Location,
		ProvisioningState: state.ProvisioningState,
		Properties:        properties,
		Tags:              raw.Tags,
	}, nil
}

// Create implements Client.
func (c *CLIClient) Create(ctx context.Context, r *Resource) error {
	ptype, err := providerType(r.Type)
	if err != nil {
		return err
	}
	properties := r.Properties
	if len(properties) == 0 {
		properties = json.RawMessage(`{}`)
	}
	args := []string{"resource", "create",
		"--resource-group", r.Group,
		"--name", r.Name,
		"--resource-type", ptype,
		"--properties", string(properties),
	}
	if r.Region != "" {
		args = append(args, "--location", r.Region)
	}
	_, err = c.invoke(ctx, args...)
	return err
}

// Tag implements Client by merging tags onto the resource.
func (c *CLIClient) Tag(ctx context.Context, id string, tags map[string]string) error {
	armID, err := c.providerID(id)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := []string{"tag", "update", "--resource-id", armID, "--operation", "Merge", "--tags"}
	for _, k := range keys {
		args = append(args, k+"="+tags[k])
	}
	_, err = c.invoke(ctx, args...)
	return err
}

func (c *CLIClient) invoke(ctx context.Context, args ...string) ([]byte, error) {
	if c.subscription != "" {
		args = append(args, "--subscription", c.subscription)
	}
	stdout, stderr, err := c.run(ctx, c.binary, args...)
	if err == nil {
		return stdout, nil
	}
	msg := strings.TrimSpace(string(stderr))
	for _, marker := range notFoundMarkers {
		if strings.Contains(msg, marker) {
			return nil, fmt.Errorf("%s: %w", msg, ErrNotFound)
		}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil, fmt.Errorf("%s %s exited with %d: %s", c.binary, args[0], exitErr.ExitCode(), msg)
	}
	return nil, fmt.Errorf("failed to run %s: %w", c.binary, err)
}

func (c *CLIClient) providerID(id string) (string, error) {
	parsed, err := resourceid.Parse(id)
	if err != nil {
		return "", err
	}
	ptype, err := providerType(parsed.Type)
	if err != nil {
		return "", err
	}
	if c.subscription == "" {
		return "", fmt.Errorf("subscription is required to address %s", id)
	}
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/%s/%s",
		c.subscription, parsed.Group, ptype, parsed.Name), nil
}

func providerType(tag string) (string, error) {
	t, ok := providerTypes[tag]
	if !ok {
		return "", fmt.Errorf("unknown resource type %q", tag)
	}
	return t, nil
}

// NormalizeReferences rewrites provider resource ids inside a JSON payload to
// lattice identities so dependency extraction can follow them. Known types
// take their lattice spelling; group and name casing is kept as written and
// matched case-insensitively downstream.
func NormalizeReferences(payload json.RawMessage) json.RawMessage {
	return armIDPattern.ReplaceAllFunc(payload, func(match []byte) []byte {
		m := armIDPattern.FindSubmatch(match)
		return []byte("/group/" + string(m[1]) + "/type/" + typeTag(string(m[2])) + "/name/" + string(m[3]))
	})
}

// typeTag returns the lattice tag for a provider type name such as
// "NetworkInterfaces", or t itself when the type is unknown.
func typeTag(t string) string {
	for tag := range providerTypes {
		if strings.EqualFold(tag, t) {
			return tag
		}
	}
	return t
}
