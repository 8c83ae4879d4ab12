package health

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultSSHTimeout = 15 * time.Second

// SSHRunnerConfig configures the SSH command runner.
type SSHRunnerConfig struct {
	Host                  string
	Port                  int
	User                  string
	PrivateKeyPath        string
	PrivateKeyPassphrase  string
	KnownHostsPath        string
	StrictHostKeyChecking bool
	ConnectTimeout        time.Duration
}

// SSHRunner executes commands on the stack host over SSH. Connections are
// established per call; the probe cadence is low enough that pooling is not
// worth the reconnect handling.
type SSHRunner struct {
	cfg SSHRunnerConfig
}

// NewSSHRunner validates the config and builds a runner.
func NewSSHRunner(cfg SSHRunnerConfig) (*SSHRunner, error) {
	if cfg.Host == "" || cfg.User == "" {
		return nil, fmt.Errorf("ssh runner requires host and user")
	}
	if cfg.PrivateKeyPath == "" {
		return nil, fmt.Errorf("ssh runner requires a private key")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultSSHTimeout
	}
	return &SSHRunner{cfg: cfg}, nil
}

func (r *SSHRunner) clientConfig() (*ssh.ClientConfig, error) {
	keyBytes, err := os.ReadFile(r.cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	var signer ssh.Signer
	if r.cfg.PrivateKeyPassphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(r.cfg.PrivateKeyPassphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	var hostKeyCallback ssh.HostKeyCallback
	if r.cfg.StrictHostKeyChecking && r.cfg.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(r.cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		// Insecure: accept any host key (only for testing/development)
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            r.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         r.cfg.ConnectTimeout,
	}, nil
}

// Run executes one command and returns its stdout. The context bounds the
// whole call: a session that outlives it is closed from the outside, which
// aborts the in-flight command.
func (r *SSHRunner) Run(ctx context.Context, command string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clientConfig, err := r.clientConfig()
	if err != nil {
		return "", err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.Host, r.cfg.Port)
	client, err := ssh.Dial("tcp", addr, clientConfig)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Close()
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("command failed: %w: %s", err, stderr.String())
		}
		return stdout.String(), nil
	}
}
