package ssh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// testSSHServer runs commands with the local shell and serves SFTP on the
// local filesystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	hostKey  ssh.PublicKey
	addr     string

	mu    sync.Mutex
	conns int
}

func newTestSSHServer(t *testing.T, clientKey ssh.PublicKey) *testSSHServer {
	t.Helper()
	hostPub, hostSigner := generateTestKey(t)

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "deploy" && string(pass) == "s3cret" {
				return nil, nil
			}
			return nil, errors.New("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if clientKey != nil && bytes.Equal(key.Marshal(), clientKey.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testSSHServer{listener: listener, config: config, hostKey: hostPub, addr: listener.Addr().String()}
	go s.serve()
	t.Cleanup(func() { _ = listener.Close() })
	return s
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	s.mu.Lock()
	s.conns++
	s.mu.Unlock()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go handleChannel(channel, requests)
	}
}

func handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				return
			}
			_ = req.Reply(true, nil)

			cmd := exec.Command("sh", "-c", payload.Command)
			cmd.Stdout = channel
			cmd.Stderr = channel.Stderr()
			status := 0
			if err := cmd.Run(); err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					status = exitErr.ExitCode()
				} else {
					status = 127
				}
			}
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
			return

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			_ = server.Close()
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func (s *testSSHServer) host(t *testing.T, name string) HostConfig {
	t.Helper()
	addr, port, err := net.SplitHostPort(s.addr)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	knownHostsPath := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(s.addr)}, s.hostKey)
	require.NoError(t, os.WriteFile(knownHostsPath, []byte(line+"\n"), 0o600))

	return HostConfig{
		Name:           name,
		Address:        addr,
		Port:           p,
		User:           "deploy",
		Password:       "s3cret",
		KnownHosts:     knownHostsPath,
		ConnectTimeout: 5 * time.Second,
	}
}

func generateTestKey(t *testing.T) (ssh.PublicKey, ssh.Signer) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	publicKey, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return publicKey, signer
}

func writeClientKey(t *testing.T) (string, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))

	publicKey, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return path, publicKey
}

func TestPoolRunStreamsOutputAndExitStatus(t *testing.T) {
	server := newTestSSHServer(t, nil)
	pool, err := NewPool([]HostConfig{server.host(t, "jump01")})
	require.NoError(t, err)
	defer pool.Close()

	ctx := context.Background()
	var stdout, stderr bytes.Buffer
	code, err := pool.Run(ctx, "jump01", "echo hello; echo oops >&2", &stdout, &stderr)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "hello\n", stdout.String())
	assert.Equal(t, "oops\n", stderr.String())

	code, err = pool.Run(ctx, "jump01", "exit 4", &stdout, &stderr)
	require.Error(t, err)
	assert.Equal(t, 4, code)

	assert.Equal(t, 1, server.connections(), "connection is reused")
}

func TestPoolRunStagesMultilineCommands(t *testing.T) {
	server := newTestSSHServer(t, nil)
	stage := t.TempDir()
	pool, err := NewPool([]HostConfig{server.host(t, "jump01")}, WithStageDir(stage))
	require.NoError(t, err)
	defer pool.Close()

	var out bytes.Buffer
	code, err := pool.Run(context.Background(), "jump01", "set -e\nX=multi\necho \"$X line\"", &out, &out)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "multi line\n", out.String())

	entries, err := os.ReadDir(stage)
	require.NoError(t, err)
	assert.Empty(t, entries, "staged script is removed")
}

func TestPoolUpload(t *testing.T) {
	server := newTestSSHServer(t, nil)
	pool, err := NewPool([]HostConfig{server.host(t, "jump01")})
	require.NoError(t, err)
	defer pool.Close()

	dest := filepath.Join(t.TempDir(), "rollback.sh")
	n, err := pool.Upload(context.Background(), "jump01", strings.NewReader("#!/bin/sh\n"), dest, 0o750)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(data))
	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o750), info.Mode().Perm())

	_, err = pool.Upload(context.Background(), "jump01", strings.NewReader("again"), dest, 0o750)
	assert.Error(t, err, "existing files are not overwritten")
}

func TestPoolKeyAuthentication(t *testing.T) {
	keyPath, pub := writeClientKey(t)
	server := newTestSSHServer(t, pub)

	host := server.host(t, "jump02")
	host.Password = ""
	host.KeyFile = keyPath
	pool, err := NewPool([]HostConfig{host})
	require.NoError(t, err)
	defer pool.Close()

	var out bytes.Buffer
	_, err = pool.Run(context.Background(), "jump02", "echo key", &out, &out)
	require.NoError(t, err)
	assert.Equal(t, "key\n", out.String())
}

func TestPoolRejectsBadCredentialsAndHostKeys(t *testing.T) {
	server := newTestSSHServer(t, nil)
	ctx := context.Background()

	wrong := server.host(t, "jump01")
	wrong.Password = "nope"
	pool, err := NewPool([]HostConfig{wrong})
	require.NoError(t, err)
	_, err = pool.Run(ctx, "jump01", "true", &bytes.Buffer{}, &bytes.Buffer{})
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.IsAuthError)

	other := newTestSSHServer(t, nil)
	mismatched := server.host(t, "jump01")
	mismatched.KnownHosts = other.host(t, "x").KnownHosts
	pool, err = NewPool([]HostConfig{mismatched})
	require.NoError(t, err)
	_, err = pool.Run(ctx, "jump01", "true", &bytes.Buffer{}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestPoolUnknownHost(t *testing.T) {
	pool, err := NewPool(nil)
	require.NoError(t, err)
	_, err = pool.Run(context.Background(), "ghost", "true", &bytes.Buffer{}, &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrUnknownHost)
}

func TestPoolRunCancelled(t *testing.T) {
	server := newTestSSHServer(t, nil)
	pool, err := NewPool([]HostConfig{server.host(t, "jump01")})
	require.NoError(t, err)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	code, err := pool.Run(ctx, "jump01", "sleep 5", &bytes.Buffer{}, &bytes.Buffer{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, -1, code)
}

func TestNewPoolValidatesHosts(t *testing.T) {
	keyPath, _ := writeClientKey(t)
	valid := HostConfig{Name: "jump01", Address: "10.0.0.4", User: "deploy", KeyFile: keyPath}

	tests := []struct {
		name   string
		mutate func(h *HostConfig)
	}{
		{"missing name", func(h *HostConfig) { h.Name = "" }},
		{"missing address", func(h *HostConfig) { h.Address = "" }},
		{"bad port", func(h *HostConfig) { h.Port = 70000 }},
		{"missing user", func(h *HostConfig) { h.User = "" }},
		{"no auth", func(h *HostConfig) { h.KeyFile = "" }},
		{"missing key file", func(h *HostConfig) { h.KeyFile = "/nonexistent/key" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := valid
			tt.mutate(&h)
			_, err := NewPool([]HostConfig{h})
			assert.Error(t, err)
		})
	}

	pool, err := NewPool([]HostConfig{valid, {Name: "jump02", Address: "10.0.0.5", User: "deploy", Password: "x"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"jump01", "jump02"}, pool.Hosts())
	assert.Equal(t, "10.0.0.4:22", valid.Addr())

	_, err = NewPool([]HostConfig{valid, valid})
	assert.Error(t, err)
}
