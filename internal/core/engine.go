// Package core wires the transfer registry, event bus, notifier, listing refresher
// and operation reconciler together, and opens backend connections from config.
package core

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"sync"
	"time"

	"github.com/pkg/sftp"

	"github.com/rescale/rescale-xfer/internal/cloud/azure"
	"github.com/rescale/rescale-xfer/internal/cloud/s3"
	"github.com/rescale/rescale-xfer/internal/config"
	"github.com/rescale/rescale-xfer/internal/constants"
	"github.com/rescale/rescale-xfer/internal/events"
	xferhttp "github.com/rescale/rescale-xfer/internal/http"
	"github.com/rescale/rescale-xfer/internal/listing"
	"github.com/rescale/rescale-xfer/internal/localfs"
	"github.com/rescale/rescale-xfer/internal/logging"
	"github.com/rescale/rescale-xfer/internal/notify"
	"github.com/rescale/rescale-xfer/internal/reconcile"
	"github.com/rescale/rescale-xfer/internal/sftpfs"
	"github.com/rescale/rescale-xfer/internal/transfer"
)

var (
	// ErrEngineClosed is returned by operations attempted after Close.
	ErrEngineClosed = errors.New("engine closed")

	// ErrNotSFTP is returned when a byte-moving operation targets a listing-only connection.
	ErrNotSFTP = errors.New("connection does not support file operations")
)

// Engine owns every long-lived component of a session. Close tears them down
// in dependency order; it must be called on every exit path.
type Engine struct {
	config *config.Config
	logger *logging.Logger

	eventBus   *events.EventBus
	registry   *transfer.Registry
	notifier   *notify.Notifier
	refresher  *listing.Refresher
	reconciler *reconcile.Reconciler

	mu         sync.Mutex
	listers    map[string]listing.Lister
	sftp       map[string]*sftpfs.Client
	httpClient *nethttp.Client
	closed     bool

	// dial opens SFTP sessions; replaced in tests
	dial func(ctx context.Context, connectionID string, cfg sftpfs.Config) (*sftpfs.Client, error)
}

// NewEngine creates an engine for cfg (defaults when nil). The local filesystem
// connection is registered immediately; other connections open on first use.
func NewEngine(cfg *config.Config, logger *logging.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.New()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger = logging.OrDefault(logger)

	eventBus := events.NewEventBus(constants.EventBusDefaultBuffer)
	notifyCfg := cfg.Notifications
	notifier := notify.NewNotifier(&notifyCfg, logger)
	refresher := listing.NewRefresher(eventBus, time.Duration(cfg.General.RefreshTimeoutSeconds)*time.Second, logger)

	e := &Engine{
		config:     cfg,
		logger:     logger,
		eventBus:   eventBus,
		registry:   transfer.NewRegistry(eventBus),
		notifier:   notifier,
		refresher:  refresher,
		reconciler: reconcile.New(eventBus, notifier, refresher, logger),
		listers:    make(map[string]listing.Lister),
		sftp:       make(map[string]*sftpfs.Client),
	}
	e.dial = e.dialSFTP

	local := localfs.Lister{}
	e.listers[constants.LocalConnectionID] = local
	refresher.Register(constants.LocalConnectionID, local)

	return e, nil
}

// Start begins reconciling backend operation events. Reconciliation outlives ctx:
// operations aborted by a cancelled ctx still report, and the loop ends in Close.
func (e *Engine) Start(ctx context.Context) error {
	return e.reconciler.Start(context.WithoutCancel(ctx))
}

// Config returns the engine configuration.
func (e *Engine) Config() *config.Config { return e.config }

// Events returns the event bus.
func (e *Engine) Events() *events.EventBus { return e.eventBus }

// Registry returns the transfer registry.
func (e *Engine) Registry() *transfer.Registry { return e.registry }

// Notifier returns the desktop notifier.
func (e *Engine) Notifier() *notify.Notifier { return e.notifier }

// Refresher returns the listing refresher.
func (e *Engine) Refresher() *listing.Refresher { return e.refresher }

// Lister returns the lister for a connection, opening the connection if needed.
func (e *Engine) Lister(ctx context.Context, connectionID string) (listing.Lister, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	if l, ok := e.listers[connectionID]; ok {
		e.mu.Unlock()
		return l, nil
	}
	e.mu.Unlock()

	conn, err := e.config.Connection(connectionID)
	if err != nil {
		return nil, err
	}

	l, err := e.open(ctx, conn)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		closeLister(l)
		return nil, ErrEngineClosed
	}
	// Lost a race with a concurrent open
	if existing, ok := e.listers[connectionID]; ok {
		closeLister(l)
		return existing, nil
	}
	e.register(connectionID, l)
	return l, nil
}

// SFTP returns the SFTP client of a connection, dialing it if needed.
func (e *Engine) SFTP(ctx context.Context, connectionID string) (*sftpfs.Client, error) {
	l, err := e.Lister(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	c, ok := l.(*sftpfs.Client)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotSFTP, connectionID)
	}
	return c, nil
}

// AttachSFTP registers an already established SFTP session under connectionID.
func (e *Engine) AttachSFTP(connectionID string, sc *sftp.Client) (*sftpfs.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}
	if _, ok := e.listers[connectionID]; ok {
		return nil, fmt.Errorf("connection %s is already open", connectionID)
	}
	c := sftpfs.New(connectionID, sc, e.eventBus, e.registry, e.logger)
	e.register(connectionID, c)
	return c, nil
}

// DefaultDir returns the directory shown for a connection when none is given.
func (e *Engine) DefaultDir(connectionID string) string {
	conn, err := e.config.Connection(connectionID)
	if err == nil && conn.Root != "" {
		return conn.Root
	}
	switch conn.Type {
	case config.TypeSFTP, config.TypeLocal:
		return "." // login or working directory
	default:
		return "/"
	}
}

func (e *Engine) register(connectionID string, l listing.Lister) {
	e.listers[connectionID] = l
	if c, ok := l.(*sftpfs.Client); ok {
		e.sftp[connectionID] = c
	}
	e.refresher.Register(connectionID, l)
}

func (e *Engine) open(ctx context.Context, conn config.Connection) (listing.Lister, error) {
	switch conn.Type {
	case config.TypeLocal:
		return localfs.Lister{}, nil

	case config.TypeSFTP:
		cfg := sftpfs.Config{
			Host:       conn.Host,
			Port:       conn.Port,
			User:       conn.User,
			Password:   config.Secret(conn.PasswordEnv),
			KeyFile:    conn.KeyFile,
			KnownHosts: conn.KnownHosts,
			Insecure:   conn.Insecure,
			Root:       conn.Root,
		}
		var client *sftpfs.Client
		err := xferhttp.ExecuteWithRetry(ctx, xferhttp.RetryConfig{
			MaxRetries:   constants.DialMaxAttempts,
			InitialDelay: constants.DialRetryInitialDelay,
			MaxDelay:     constants.DialRetryMaxDelay,
			OnRetry: func(attempt int, err error, errType xferhttp.ErrorType) {
				e.logger.Warn().
					Str("conn", conn.ID).
					Int("attempt", attempt).
					Str("error_type", errType.String()).
					Err(err).
					Msg("Retrying connection")
			},
		}, func() error {
			var dialErr error
			client, dialErr = e.dial(ctx, conn.ID, cfg)
			return dialErr
		})
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", conn.ID, err)
		}
		return client, nil

	case config.TypeS3:
		httpClient, err := e.sharedHTTPClient()
		if err != nil {
			return nil, err
		}
		return s3.New(ctx, s3.Config{
			Bucket:          conn.Bucket,
			Region:          conn.Region,
			Endpoint:        conn.Endpoint,
			Prefix:          conn.Prefix,
			AccessKeyID:     config.Secret(conn.AccessKeyEnv),
			SecretAccessKey: config.Secret(conn.SecretKeyEnv),
		}, httpClient)

	case config.TypeAzure:
		httpClient, err := e.sharedHTTPClient()
		if err != nil {
			return nil, err
		}
		return azure.New(azure.Config{
			ServiceURL:  conn.ServiceURL,
			Container:   conn.Container,
			Prefix:      conn.Prefix,
			AccountName: conn.Account,
			AccountKey:  config.Secret(conn.SecretKeyEnv),
			SASToken:    config.Secret(conn.SASTokenEnv),
		}, httpClient)
	}

	return nil, fmt.Errorf("%w: %s", config.ErrUnknownConnectionType, conn.Type)
}

func (e *Engine) dialSFTP(ctx context.Context, connectionID string, cfg sftpfs.Config) (*sftpfs.Client, error) {
	return sftpfs.Dial(ctx, connectionID, cfg, e.eventBus, e.registry, e.logger)
}

// sharedHTTPClient creates the object-store HTTP client on first use.
func (e *Engine) sharedHTTPClient() (*nethttp.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.httpClient != nil {
		return e.httpClient, nil
	}

	proxy := e.config.ProxyConfig()
	if proxy.NeedsPassword() {
		e.logger.Warn().Str("mode", proxy.Mode).Msg("Proxy user set without a password; set proxy_password_env")
	}
	client, err := xferhttp.NewClient(proxy, e.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}
	e.httpClient = client
	return client, nil
}

// Close cancels nothing on its own: callers cancel their context first if
// transfers should stop. It waits for in-flight backend operations, lets the
// reconciler drain their events, waits for the resulting refreshes and then
// closes every connection. Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	clients := make([]*sftpfs.Client, 0, len(e.sftp))
	for _, c := range e.sftp {
		clients = append(clients, c)
	}
	e.mu.Unlock()

	for _, c := range clients {
		c.Wait()
	}

	// Closing the bus lets the reconciler consume what is already buffered
	e.eventBus.Close()
	e.reconciler.Wait()
	e.reconciler.Stop()
	e.refresher.Wait()

	var errs []error
	for _, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.ConnectionID(), err))
		}
	}
	if e.httpClient != nil {
		e.httpClient.CloseIdleConnections()
	}

	if dropped := e.eventBus.GetDroppedEventCount(); dropped > 0 {
		e.logger.Debug().Int64("dropped", dropped).Msg("Event bus dropped events during session")
	}
	return errors.Join(errs...)
}

func closeLister(l listing.Lister) {
	if c, ok := l.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}
