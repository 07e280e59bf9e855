package core

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"

	"github.com/rescale/rescale-xfer/internal/config"
	"github.com/rescale/rescale-xfer/internal/constants"
	"github.com/rescale/rescale-xfer/internal/events"
	"github.com/rescale/rescale-xfer/internal/listing"
	"github.com/rescale/rescale-xfer/internal/localfs"
	"github.com/rescale/rescale-xfer/internal/logging"
	"github.com/rescale/rescale-xfer/internal/sftpfs"
	"github.com/rescale/rescale-xfer/internal/transfer"
)

func quietConfig() *config.Config {
	cfg := config.New()
	cfg.Notifications.Enabled = false
	return cfg
}

// memSFTP serves an in-memory filesystem and returns a client session for it.
func memSFTP(t *testing.T) *sftp.Client {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	server := sftp.NewRequestServer(serverConn, sftp.InMemHandler())
	go func() { _ = server.Serve() }()
	t.Cleanup(func() { _ = server.Close() })

	sc, err := sftp.NewClientPipe(clientConn, clientConn)
	if err != nil {
		t.Fatalf("Failed to start sftp client: %v", err)
	}
	return sc
}

func waitForListing(t *testing.T, ch <-chan events.Event, connID, name string) *events.ListingEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-ch:
			le := e.(*events.ListingEvent)
			if le.ConnectionID != connID {
				continue
			}
			for _, entry := range le.Entries {
				if entry.Name == name {
					return le
				}
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for %s in listing of %s", name, connID)
			return nil
		}
	}
}

func TestNewEngine(t *testing.T) {
	engine, err := NewEngine(nil, logging.NewNopLogger())
	if err != nil {
		t.Fatalf("Failed to create engine with nil config: %v", err)
	}
	defer engine.Close()

	if engine.Events() == nil || engine.Registry() == nil || engine.Notifier() == nil || engine.Refresher() == nil {
		t.Error("All components should be initialized")
	}

	l, err := engine.Lister(context.Background(), constants.LocalConnectionID)
	if err != nil {
		t.Fatalf("Local connection should always be available: %v", err)
	}
	if _, ok := l.(localfs.Lister); !ok {
		t.Errorf("Expected localfs.Lister, got %T", l)
	}
}

func TestNewEngine_InvalidConfig(t *testing.T) {
	cfg := quietConfig()
	cfg.General.MaxConcurrent = 0
	if _, err := NewEngine(cfg, logging.NewNopLogger()); !errors.Is(err, config.ErrInvalidMaxConcurrent) {
		t.Errorf("Expected ErrInvalidMaxConcurrent, got %v", err)
	}
}

func TestEngine_UnknownConnection(t *testing.T) {
	engine, _ := NewEngine(quietConfig(), logging.NewNopLogger())
	defer engine.Close()

	if _, err := engine.Lister(context.Background(), "nope"); !errors.Is(err, config.ErrConnectionNotFound) {
		t.Errorf("Expected ErrConnectionNotFound, got %v", err)
	}
	if _, err := engine.SFTP(context.Background(), constants.LocalConnectionID); !errors.Is(err, ErrNotSFTP) {
		t.Errorf("Expected ErrNotSFTP for local, got %v", err)
	}
}

func TestEngine_DialRetriesNetworkErrors(t *testing.T) {
	cfg := quietConfig()
	cfg.SetConnection(config.Connection{ID: "hpc", Type: config.TypeSFTP, Host: "login.example.com"})
	engine, _ := NewEngine(cfg, logging.NewNopLogger())
	defer engine.Close()

	var attempts atomic.Int32
	engine.dial = func(ctx context.Context, connID string, c sftpfs.Config) (*sftpfs.Client, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("dial tcp: connection refused")
		}
		if c.Host != "login.example.com" {
			t.Errorf("Unexpected host: %s", c.Host)
		}
		return sftpfs.New(connID, memSFTP(t), engine.Events(), engine.Registry(), logging.NewNopLogger()), nil
	}

	client, err := engine.SFTP(context.Background(), "hpc")
	if err != nil {
		t.Fatalf("Expected dial to succeed on retry: %v", err)
	}
	if attempts.Load() != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts.Load())
	}

	again, _ := engine.SFTP(context.Background(), "hpc")
	if again != client || attempts.Load() != 2 {
		t.Error("Second lookup should reuse the open connection")
	}
}

func TestEngine_DialDoesNotRetryAuthFailure(t *testing.T) {
	cfg := quietConfig()
	cfg.SetConnection(config.Connection{ID: "hpc", Type: config.TypeSFTP, Host: "h"})
	engine, _ := NewEngine(cfg, logging.NewNopLogger())
	defer engine.Close()

	var attempts atomic.Int32
	engine.dial = func(ctx context.Context, connID string, c sftpfs.Config) (*sftpfs.Client, error) {
		attempts.Add(1)
		return nil, errors.New("ssh: handshake failed: ssh: unable to authenticate")
	}

	if _, err := engine.SFTP(context.Background(), "hpc"); err == nil {
		t.Fatal("Expected error")
	}
	if attempts.Load() != 1 {
		t.Errorf("Expected a single attempt for an authentication failure, got %d", attempts.Load())
	}
}

func TestEngine_AttachSFTP(t *testing.T) {
	engine, _ := NewEngine(quietConfig(), logging.NewNopLogger())
	defer engine.Close()

	if _, err := engine.AttachSFTP("lab", memSFTP(t)); err != nil {
		t.Fatalf("AttachSFTP failed: %v", err)
	}
	if _, err := engine.AttachSFTP("lab", memSFTP(t)); err == nil {
		t.Error("Attaching the same id twice should fail")
	}
	if _, err := engine.SFTP(context.Background(), "lab"); err != nil {
		t.Errorf("Attached connection should resolve: %v", err)
	}
}

// An upload publishes one operation event; the reconciler turns it into a
// refresh and the refreshed listing shows the new file.
func TestEngine_UploadRefreshesWatchedListing(t *testing.T) {
	engine, _ := NewEngine(quietConfig(), logging.NewNopLogger())
	defer engine.Close()

	listings := engine.Events().Subscribe(events.EventListingRefreshed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		t.Fatal(err)
	}

	client, err := engine.AttachSFTP("lab", memSFTP(t))
	if err != nil {
		t.Fatal(err)
	}
	engine.Refresher().Watch("lab", "/")

	localPath := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(localPath, []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}

	opID := client.Upload(ctx, localPath, "/notes.txt")
	le := waitForListing(t, listings, "lab", "notes.txt")
	if le.Dir != "/" {
		t.Errorf("Expected listing of /, got %s", le.Dir)
	}

	client.Wait()
	op, err := client.Operation(opID)
	if err != nil || op.State != sftpfs.StateCompleted {
		t.Errorf("Expected completed operation, got %+v (%v)", op, err)
	}

	transfers := engine.Registry().Transfers()
	if len(transfers) != 1 || transfers[0].Status != transfer.StatusCompleted {
		t.Fatalf("Expected one completed transfer, got %+v", transfers)
	}
	if transfers[0].Progress.Transferred != 11 {
		t.Errorf("Expected 11 bytes transferred, got %d", transfers[0].Progress.Transferred)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type countingLister struct {
	inner listing.Lister
	calls atomic.Int32
}

func (l *countingLister) List(ctx context.Context, dir string) ([]listing.Entry, error) {
	l.calls.Add(1)
	return l.inner.List(ctx, dir)
}

// Uploads aborted by the cancelled CLI context still report: one error message
// and one refresh per file.
func TestEngine_CancelledUploadsStillReconcile(t *testing.T) {
	var out syncBuffer
	engine, _ := NewEngine(quietConfig(), logging.NewLogger(&out))

	ctx, cancel := context.WithCancel(context.Background())
	if err := engine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	client, err := engine.AttachSFTP("lab", memSFTP(t))
	if err != nil {
		t.Fatal(err)
	}
	lister := &countingLister{inner: client}
	engine.Refresher().Register("lab", lister)
	engine.Refresher().Watch("lab", "/")

	dir := t.TempDir()
	var ids []string
	cancel()
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		localPath := filepath.Join(dir, name)
		if err := os.WriteFile(localPath, []byte(name), 0644); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, client.Upload(ctx, localPath, "/"+name))
	}

	if err := engine.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	for _, id := range ids {
		if op, err := client.Operation(id); err != nil || op.State != sftpfs.StateFailed {
			t.Errorf("Expected failed operation, got %+v (%v)", op, err)
		}
	}
	if got := strings.Count(out.String(), "Failed to upload"); got != 3 {
		t.Errorf("Expected 3 error notifications, got %d:\n%s", got, out.String())
	}
	if got := lister.calls.Load(); got != 3 {
		t.Errorf("Expected 3 refreshes, got %d", got)
	}
	for _, tr := range engine.Registry().Transfers() {
		if tr.Status != transfer.StatusCancelled {
			t.Errorf("Expected cancelled transfer, got %s", tr.Status)
		}
	}
}

// Close must let queued operation events reach the reconciler.
func TestEngine_CloseDrainsPendingOperations(t *testing.T) {
	engine, _ := NewEngine(quietConfig(), logging.NewNopLogger())

	if err := engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	client, err := engine.AttachSFTP("lab", memSFTP(t))
	if err != nil {
		t.Fatal(err)
	}
	engine.Refresher().Watch("lab", "/")

	client.Delete("/missing.txt")

	if err := engine.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	dir, _, ok := engine.Refresher().Listing("lab")
	if !ok || dir != "/" {
		t.Error("Expected the delete to trigger a refresh before Close returned")
	}

	if _, err := engine.Lister(context.Background(), "lab"); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Expected ErrEngineClosed after Close, got %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}
}

func TestEngine_DefaultDir(t *testing.T) {
	cfg := quietConfig()
	cfg.SetConnection(config.Connection{ID: "hpc", Type: config.TypeSFTP, Host: "h"})
	cfg.SetConnection(config.Connection{ID: "scratch", Type: config.TypeSFTP, Host: "h", Root: "/scratch"})
	cfg.SetConnection(config.Connection{ID: "bucket", Type: config.TypeS3, Bucket: "b"})
	engine, _ := NewEngine(cfg, logging.NewNopLogger())
	defer engine.Close()

	tests := map[string]string{
		"hpc":     ".",
		"scratch": "/scratch",
		"bucket":  "/",
		"local":   ".",
	}
	for id, want := range tests {
		if got := engine.DefaultDir(id); got != want {
			t.Errorf("DefaultDir(%s) = %s, want %s", id, got, want)
		}
	}
}
