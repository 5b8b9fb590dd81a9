package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRunner(t *testing.T) {
	r := &LocalRunner{}
	ctx := context.Background()

	var out bytes.Buffer
	code, err := r.Run(ctx, Command{Name: "echo", Command: "echo hello; echo oops >&2"}, &out)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "hello")
	assert.Contains(t, out.String(), "oops")

	code, err = r.Run(ctx, Command{Name: "fail", Command: "exit 3"}, io.Discard)
	require.Error(t, err)
	assert.Equal(t, 3, code)

	code, err = (&LocalRunner{Shell: "/nonexistent/shell"}).Run(ctx, Command{Command: "true"}, io.Discard)
	require.Error(t, err)
	assert.Equal(t, -1, code)
}

type fakeSessions struct {
	host, command string
}

func (f *fakeSessions) Run(_ context.Context, host, command string, stdout, stderr io.Writer) (int, error) {
	f.host, f.command = host, command
	fmt.Fprint(stdout, "out ")
	fmt.Fprint(stderr, "err")
	return 0, nil
}

func TestRunnersRouteOnTarget(t *testing.T) {
	ctx := context.Background()
	local := newScriptedRunner()
	sessions := &fakeSessions{}
	r := Runners{Local: local, Remote: &RemoteRunner{Sessions: sessions}}

	_, err := r.Run(ctx, Command{Name: "local", Command: "true"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, []string{"local"}, local.names())

	var out bytes.Buffer
	_, err = r.Run(ctx, Command{Name: "remote", Command: "hostname", Target: "jump01"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "jump01", sessions.host)
	assert.Equal(t, "hostname", sessions.command)
	assert.Equal(t, "out err", out.String())
	assert.Equal(t, []string{"local"}, local.names())

	_, err = Runners{Local: local}.Run(ctx, Command{Name: "remote", Target: "jump01"}, io.Discard)
	assert.Error(t, err)
	_, err = (&RemoteRunner{}).Run(ctx, Command{Target: "jump01"}, io.Discard)
	assert.Error(t, err)
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(8)
	_, _ = tb.Write([]byte("hello "))
	_, _ = tb.Write([]byte("world"))
	assert.Equal(t, "lo world", tb.String())

	_, _ = tb.Write([]byte(strings.Repeat("x", 20)))
	assert.Equal(t, "xxxxxxxx", tb.String())
}
