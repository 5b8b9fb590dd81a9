package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultConnectTimeout bounds TCP connect plus handshake.
const DefaultConnectTimeout = 30 * time.Second

// HostConfig describes one remote target steps may name.
type HostConfig struct {
	// Name is what step targets refer to.
	Name string

	// Address is the hostname or IP.
	Address string

	// Port defaults to 22.
	Port int

	User string

	// KeyFile is a private key used for public key authentication.
	KeyFile string

	// KeyPassphrase decrypts KeyFile when set.
	KeyPassphrase string

	// Password enables password and keyboard-interactive authentication.
	Password string

	// KnownHosts enables host key verification. Empty accepts any key.
	KnownHosts string

	ConnectTimeout time.Duration
}

// Validate checks the host has enough to connect.
func (c *HostConfig) Validate() error {
	if c.Name == "" {
		return errors.New("host name is required")
	}
	if c.Address == "" {
		return fmt.Errorf("host %s: address is required", c.Name)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("host %s: invalid port: %d", c.Name, c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("host %s: user is required", c.Name)
	}
	if c.KeyFile == "" && c.Password == "" {
		return fmt.Errorf("host %s: key_file or password is required", c.Name)
	}
	if c.KeyFile != "" {
		if _, err := os.Stat(c.KeyFile); err != nil {
			return fmt.Errorf("host %s: private key file not found: %s", c.Name, c.KeyFile)
		}
	}
	return nil
}

// Addr returns host:port.
func (c *HostConfig) Addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Address, strconv.Itoa(port))
}

// ClientConfig builds the x/crypto/ssh client configuration.
func (c *HostConfig) ClientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	if c.KeyFile != "" {
		keyBytes, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if c.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	if c.Password != "" {
		authMethods = append(authMethods, ssh.Password(c.Password))
		// Many servers only prompt through keyboard-interactive.
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))
	}

	if len(authMethods) == 0 {
		return nil, fmt.Errorf("host %s has no authentication method", c.Name)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.KnownHosts != "" {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	timeout := c.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}
