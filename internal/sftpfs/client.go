// Package sftpfs is the SFTP backend: it lists remote directories, moves bytes between
// the local host and the server, and reports every completed filesystem operation on the
// event bus. Operations run asynchronously and return an operation id immediately.
package sftpfs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/rescale/rescale-xfer/internal/constants"
	"github.com/rescale/rescale-xfer/internal/events"
	"github.com/rescale/rescale-xfer/internal/listing"
	"github.com/rescale/rescale-xfer/internal/logging"
	"github.com/rescale/rescale-xfer/internal/transfer"
)

// Client wraps an SFTP session with async operation support.
type Client struct {
	connectionID string
	sftpClient   *sftp.Client
	sshClient    *ssh.Client // nil when the session was supplied by the caller

	eventBus *events.EventBus
	registry *transfer.Registry
	logger   *logging.Logger

	mu         sync.RWMutex
	operations map[string]*Operation
	done       map[string]chan struct{} // closed when the operation finishes
	wg         sync.WaitGroup
}

// New wraps an existing SFTP session. Close closes only the sftp client;
// the transport underneath stays with the caller.
func New(connectionID string, sc *sftp.Client, eventBus *events.EventBus, registry *transfer.Registry, logger *logging.Logger) *Client {
	return &Client{
		connectionID: connectionID,
		sftpClient:   sc,
		eventBus:     eventBus,
		registry:     registry,
		logger:       logging.OrDefault(logger).Named("sftp"),
		operations:   make(map[string]*Operation),
		done:         make(map[string]chan struct{}),
	}
}

// Dial opens an SSH connection and an SFTP session for connectionID.
func Dial(ctx context.Context, connectionID string, cfg Config, eventBus *events.EventBus, registry *transfer.Registry, logger *logging.Logger) (*Client, error) {
	sshConfig, err := clientConfig(cfg)
	if err != nil {
		return nil, err
	}

	port := cfg.Port
	if port == 0 {
		port = constants.DefaultSSHPort
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	dialer := &net.Dialer{Timeout: constants.SSHDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("sftp session on %s: %w", addr, err)
	}

	c := New(connectionID, sftpClient, eventBus, registry, logger)
	c.sshClient = sshClient
	c.logger.Info().Str("conn", connectionID).Str("addr", addr).Str("user", cfg.User).Msg("Connected")
	return c, nil
}

// clientConfig builds the SSH client configuration: key auth when a key file is set,
// password auth when a password is set, host keys checked against known_hosts unless
// the connection is marked insecure.
func clientConfig(cfg Config) (*ssh.ClientConfig, error) {
	if cfg.Host == "" {
		return nil, errors.New("sftp: host is required")
	}

	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		pem, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse key file %s: %w", cfg.KeyFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("sftp: no authentication method (set key_file or password_env)")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if !cfg.Insecure {
		knownHosts := cfg.KnownHosts
		if knownHosts == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("locate known_hosts: %w", err)
			}
			knownHosts = filepath.Join(home, ".ssh", "known_hosts")
		}
		cb, err := knownhosts.New(knownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts %s: %w", knownHosts, err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         constants.SSHDialTimeout,
	}, nil
}

// ConnectionID returns the connection this client serves.
func (c *Client) ConnectionID() string {
	return c.connectionID
}

// Resolve returns p as an absolute path on the server. Relative paths are taken
// from the session's working directory, normally the login home.
func (c *Client) Resolve(p string) (string, error) {
	if path.IsAbs(p) {
		return path.Clean(p), nil
	}
	abs, err := c.sftpClient.RealPath(p)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}
	return abs, nil
}

// Close waits for in-flight operations and closes the SFTP and SSH connections.
func (c *Client) Close() error {
	c.wg.Wait()

	var errs []error
	if c.sftpClient != nil {
		if err := c.sftpClient.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.sshClient != nil {
		if err := c.sshClient.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// List implements listing.Lister.
func (c *Client) List(ctx context.Context, dir string) ([]listing.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	infos, err := c.sftpClient.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
		return nil, fmt.Errorf("readdir %s: %w", dir, err)
	}

	entries := make([]listing.Entry, 0, len(infos))
	for _, info := range infos {
		size := info.Size()
		if info.IsDir() {
			size = 0
		}
		entries = append(entries, listing.Entry{
			Name:    info.Name(),
			Path:    path.Join(dir, info.Name()),
			Size:    size,
			IsDir:   info.IsDir(),
			ModTime: info.ModTime(),
		})
	}
	return entries, nil
}

// Operation returns a copy of an operation's current state.
func (c *Client) Operation(id string) (*Operation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	op, ok := c.operations[id]
	if !ok {
		return nil, fmt.Errorf("operation not found: %s", id)
	}
	return op.Copy(), nil
}

// Await blocks until the operation finishes or ctx is done and returns its final state.
func (c *Client) Await(ctx context.Context, id string) (*Operation, error) {
	c.mu.RLock()
	done, ok := c.done[id]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("operation not found: %s", id)
	}

	select {
	case <-done:
		return c.Operation(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Wait blocks until every started operation has completed.
func (c *Client) Wait() {
	c.wg.Wait()
}
