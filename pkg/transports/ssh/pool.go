package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	"github.com/lattice-ops/lattice/pkg/telemetry"
)

// DefaultStageDir is where multi-line commands are uploaded before they run.
const DefaultStageDir = "/tmp"

// Pool keeps one SSH client per configured host and runs commands on it.
// It is safe for concurrent use.
type Pool struct {
	hosts    map[string]HostConfig
	stageDir string
	logger   *telemetry.Logger

	mu      sync.Mutex
	clients map[string]*ssh.Client
	dials   singleflight.Group
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithStageDir sets the remote directory for staged scripts.
func WithStageDir(dir string) PoolOption {
	return func(p *Pool) {
		if dir != "" {
			p.stageDir = dir
		}
	}
}

// WithLogger sets the pool logger.
func WithLogger(logger *telemetry.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger.NewComponentLogger("ssh")
		}
	}
}

// NewPool validates hosts and returns a pool. No connection is made
// until a command targets a host.
func NewPool(hosts []HostConfig, opts ...PoolOption) (*Pool, error) {
	p := &Pool{
		hosts:    make(map[string]HostConfig, len(hosts)),
		stageDir: DefaultStageDir,
		logger:   telemetry.NewNopLogger(),
		clients:  make(map[string]*ssh.Client),
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := range hosts {
		h := hosts[i]
		if err := h.Validate(); err != nil {
			return nil, err
		}
		if _, dup := p.hosts[h.Name]; dup {
			return nil, fmt.Errorf("host %s is configured twice", h.Name)
		}
		p.hosts[h.Name] = h
	}
	return p, nil
}

// Hosts returns the configured host names, sorted.
func (p *Pool) Hosts() []string {
	names := make([]string, 0, len(p.hosts))
	for name := range p.hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes command on host, streaming output to stdout and stderr.
// A non-zero exit status is returned with a non-nil error. Multi-line
// commands are uploaded to the stage directory and run from there.
// Cancelling ctx kills the remote command.
func (p *Pool) Run(ctx context.Context, host, command string, stdout, stderr io.Writer) (int, error) {
	client, err := p.client(ctx, host)
	if err != nil {
		return -1, err
	}

	if strings.Contains(strings.TrimSpace(command), "\n") {
		script, err := p.stage(ctx, host, command)
		if err != nil {
			return -1, err
		}
		q := shellQuote(script)
		command = fmt.Sprintf("sh %s; rc=$?; rm -f %s; exit $rc", q, q)
	}

	session, err := client.NewSession()
	if err != nil {
		p.drop(host, client)
		return -1, &TransportError{Op: "session", Host: host, Err: err, IsTemporary: true}
	}
	defer session.Close()

	session.Stdout = stdout
	session.Stderr = stderr

	log := p.logger.WithField("host", host)
	log.Debugf("running remote command: %s", firstLine(command))

	if err := session.Start(command); err != nil {
		return -1, &TransportError{Op: "exec", Host: host, Err: err, IsTemporary: true}
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		log.Warn("remote command cancelled")
		return -1, ctx.Err()
	case err := <-done:
		return exitStatus(host, err)
	}
}

func exitStatus(host string, err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), fmt.Errorf("remote command on %s exited with status %d", host, exitErr.ExitStatus())
	}
	return -1, &TransportError{Op: "exec", Host: host, Err: err, IsTemporary: true}
}

// Upload writes r to remotePath on host over SFTP. The file must not
// exist yet.
func (p *Pool) Upload(ctx context.Context, host string, r io.Reader, remotePath string, mode os.FileMode) (int64, error) {
	client, err := p.client(ctx, host)
	if err != nil {
		return 0, err
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		return 0, &TransportError{Op: "sftp", Host: host, Err: err, IsTemporary: true}
	}
	defer sc.Close()

	f, err := sc.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return 0, &TransportError{Op: "upload", Host: host, Err: fmt.Errorf("failed to create %s: %w", remotePath, err)}
	}
	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, &TransportError{Op: "upload", Host: host, Err: err, IsTemporary: true}
	}
	if err := sc.Chmod(remotePath, mode); err != nil {
		return n, &TransportError{Op: "chmod", Host: host, Err: err}
	}

	p.logger.WithFields(map[string]interface{}{"host": host, "path": remotePath, "bytes": n}).Debug("file uploaded")
	return n, nil
}

func (p *Pool) stage(ctx context.Context, host, command string) (string, error) {
	script := path.Join(p.stageDir, "lattice-"+uuid.NewString()+".sh")
	body := command
	if !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	if _, err := p.Upload(ctx, host, strings.NewReader(body), script, 0o700); err != nil {
		return "", err
	}
	return script, nil
}

// client returns a live client for host, dialing at most once at a time.
func (p *Pool) client(ctx context.Context, host string) (*ssh.Client, error) {
	cfg, ok := p.hosts[host]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, host)
	}

	p.mu.Lock()
	c := p.clients[host]
	p.mu.Unlock()
	if c != nil {
		if _, _, err := c.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return c, nil
		}
		p.logger.WithField("host", host).Warn("connection is dead, reconnecting")
		p.drop(host, c)
	}

	v, err, _ := p.dials.Do(host, func() (interface{}, error) {
		p.mu.Lock()
		existing := p.clients[host]
		p.mu.Unlock()
		if existing != nil {
			return existing, nil
		}

		c, err := p.dial(ctx, &cfg)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.clients[host] = c
		p.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ssh.Client), nil
}

func (p *Pool) dial(ctx context.Context, cfg *HostConfig) (*ssh.Client, error) {
	clientConfig, err := cfg.ClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Host: cfg.Name, Err: err, IsAuthError: true}
	}

	addr := cfg.Addr()
	dialer := net.Dialer{Timeout: clientConfig.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "connect", Host: cfg.Name, Err: err, IsTemporary: true}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, &TransportError{Op: "handshake", Host: cfg.Name, Err: err, IsAuthError: true}
	}

	p.logger.WithFields(map[string]interface{}{"host": cfg.Name, "address": addr}).Info("SSH connection established")
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (p *Pool) drop(host string, c *ssh.Client) {
	p.mu.Lock()
	if p.clients[host] == c {
		delete(p.clients, host)
	}
	p.mu.Unlock()
	_ = c.Close()
}

// Close closes every open connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*ssh.Client)
	p.mu.Unlock()

	var errs []error
	for host, c := range clients {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close %s: %w", host, err))
		}
	}
	return errors.Join(errs...)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
