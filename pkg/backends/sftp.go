package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultSFTPTimeout = 15 * time.Second

// SFTPConfig configures the SFTP backend.
type SFTPConfig struct {
	Host                  string
	Port                  int
	User                  string
	Password              string
	PrivateKeyPath        string
	PrivateKeyPassphrase  string
	KnownHostsPath        string
	StrictHostKeyChecking bool
	// Prefix is the remote directory holding <prefix>/<deployment_id>/state.json.
	Prefix         string
	ConnectTimeout time.Duration
}

// SFTPBackend stores state documents as files on a remote host. Connections
// are established per call; the sync cadence is low enough that pooling is
// not worth the reconnect handling.
type SFTPBackend struct {
	cfg SFTPConfig
}

// NewSFTPBackend validates the config and builds a backend.
func NewSFTPBackend(cfg SFTPConfig) (*SFTPBackend, error) {
	if cfg.Host == "" || cfg.User == "" {
		return nil, fmt.Errorf("sftp backend requires host and user")
	}
	if cfg.Password == "" && cfg.PrivateKeyPath == "" {
		return nil, fmt.Errorf("sftp backend requires a password or a private key")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultSFTPTimeout
	}
	return &SFTPBackend{cfg: cfg}, nil
}

// Name identifies the backend kind.
func (b *SFTPBackend) Name() string { return "sftp" }

func (b *SFTPBackend) remotePath(deploymentID string) string {
	return path.Join(b.cfg.Prefix, deploymentID, "state.json")
}

func (b *SFTPBackend) clientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	if b.cfg.PrivateKeyPath != "" {
		keyBytes, err := os.ReadFile(b.cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if b.cfg.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(b.cfg.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	if b.cfg.Password != "" {
		authMethods = append(authMethods, ssh.Password(b.cfg.Password))
		// Many servers only offer keyboard-interactive for password prompts.
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = b.cfg.Password
				}
				return answers, nil
			},
		))
	}

	var hostKeyCallback ssh.HostKeyCallback
	if b.cfg.StrictHostKeyChecking && b.cfg.KnownHostsPath != "" {
		var err error
		hostKeyCallback, err = knownhosts.New(b.cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		// Insecure: accept any host key (only for testing/development)
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            b.cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         b.cfg.ConnectTimeout,
	}, nil
}

func (b *SFTPBackend) connect() (*ssh.Client, *sftp.Client, error) {
	clientConfig, err := b.clientConfig()
	if err != nil {
		return nil, nil, err
	}
	addr := fmt.Sprintf("%s:%d", b.cfg.Host, b.cfg.Port)
	sshClient, err := ssh.Dial("tcp", addr, clientConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}
	return sshClient, sftpClient, nil
}

// Put writes the document to a temp file and renames it into place so a
// crashed push never leaves a truncated state file behind.
func (b *SFTPBackend) Put(ctx context.Context, deploymentID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sshClient, cl, err := b.connect()
	if err != nil {
		return err
	}
	defer sshClient.Close()
	defer cl.Close()

	remote := b.remotePath(deploymentID)
	if err := cl.MkdirAll(path.Dir(remote)); err != nil {
		return fmt.Errorf("failed to create remote directory %s: %w", path.Dir(remote), err)
	}

	tmp := fmt.Sprintf("%s.tmp-%d", remote, time.Now().UnixNano())
	f, err := cl.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", tmp, err)
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		cl.Remove(tmp)
		return fmt.Errorf("failed to write remote file %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		cl.Remove(tmp)
		return fmt.Errorf("failed to close remote file %s: %w", tmp, err)
	}

	if err := cl.PosixRename(tmp, remote); err != nil {
		// Older servers lack posix-rename; plain rename refuses to replace,
		// so clear the target first.
		cl.Remove(remote)
		if err := cl.Rename(tmp, remote); err != nil {
			cl.Remove(tmp)
			return fmt.Errorf("failed to rename %s to %s: %w", tmp, remote, err)
		}
	}
	return nil
}

// Get reads the document.
func (b *SFTPBackend) Get(ctx context.Context, deploymentID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sshClient, cl, err := b.connect()
	if err != nil {
		return nil, err
	}
	defer sshClient.Close()
	defer cl.Close()

	remote := b.remotePath(deploymentID)
	f, err := cl.Open(remote)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remote file %s: %w", remote, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open remote file %s: %w", remote, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read remote file %s: %w", remote, err)
	}
	return data, nil
}

// Delete removes the document. A missing file is already deleted.
func (b *SFTPBackend) Delete(ctx context.Context, deploymentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sshClient, cl, err := b.connect()
	if err != nil {
		return err
	}
	defer sshClient.Close()
	defer cl.Close()

	remote := b.remotePath(deploymentID)
	if err := cl.Remove(remote); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove remote file %s: %w", remote, err)
	}
	return nil
}

// Ping verifies the host accepts a connection and SFTP is available.
func (b *SFTPBackend) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sshClient, cl, err := b.connect()
	if err != nil {
		return err
	}
	defer sshClient.Close()
	defer cl.Close()

	if _, err := cl.Getwd(); err != nil {
		return fmt.Errorf("sftp session not usable: %w", err)
	}
	return nil
}
