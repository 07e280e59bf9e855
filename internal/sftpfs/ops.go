package sftpfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/rescale/rescale-xfer/internal/constants"
	"github.com/rescale/rescale-xfer/internal/events"
	"github.com/rescale/rescale-xfer/internal/transfer"
)

// Delete removes a remote file or directory tree.
// Returns an operation id; completion is reported on the event bus.
func (c *Client) Delete(p string) string {
	return c.startOperation(events.OpDelete, p, "", func(op *Operation) error {
		info, err := c.sftpClient.Stat(op.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// Already gone
				return nil
			}
			return fmt.Errorf("stat failed: %w", err)
		}
		if info.IsDir() {
			if err := c.sftpClient.RemoveAll(op.Path); err != nil {
				return fmt.Errorf("remove directory failed: %w", err)
			}
			return nil
		}
		if err := c.sftpClient.Remove(op.Path); err != nil {
			return fmt.Errorf("remove failed: %w", err)
		}
		return nil
	})
}

// Rename moves a remote path to newPath on the same server.
func (c *Client) Rename(oldPath, newPath string) string {
	return c.startOperation(events.OpRename, oldPath, newPath, func(op *Operation) error {
		if err := c.sftpClient.Rename(op.Path, op.Target); err != nil {
			return fmt.Errorf("rename failed: %w", err)
		}
		return nil
	})
}

// Copy duplicates a remote file on the same server, streaming through this client.
// The copy is tracked in the registry as a transfer between the same connection.
func (c *Client) Copy(ctx context.Context, src, dst string) string {
	return c.startOperation(events.OpCopy, src, dst, func(op *Operation) error {
		r, err := c.sftpClient.Open(op.Path)
		if err != nil {
			return fmt.Errorf("open source failed: %w", err)
		}
		defer r.Close()

		return c.track(ctx, op, transfer.Spec{
			SourceConnectionID:      c.connectionID,
			SourcePath:              op.Path,
			DestinationConnectionID: c.connectionID,
			DestinationPath:         op.Target,
		}, r, func() (io.WriteCloser, error) { return c.createRemote(op.Target) }, statSize(r))
	})
}

// Upload sends a local file to remotePath, creating missing parent directories.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) string {
	return c.startOperation(events.OpUpload, remotePath, remotePath, func(op *Operation) error {
		r, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("open local file failed: %w", err)
		}
		defer r.Close()

		return c.track(ctx, op, transfer.Spec{
			SourceConnectionID:      constants.LocalConnectionID,
			SourcePath:              localPath,
			DestinationConnectionID: c.connectionID,
			DestinationPath:         remotePath,
		}, r, func() (io.WriteCloser, error) { return c.createRemote(remotePath) }, statSize(r))
	})
}

// Download fetches remotePath into localPath. It blocks until the transfer ends and
// records it in the registry; downloads change only the local side, so no backend
// operation event is published.
func (c *Client) Download(ctx context.Context, remotePath, localPath string) error {
	r, err := c.sftpClient.Open(remotePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, remotePath)
		}
		return fmt.Errorf("open remote file failed: %w", err)
	}
	defer r.Close()

	op := &Operation{ID: uuid.NewString(), Path: remotePath, Target: localPath}
	return c.track(ctx, op, transfer.Spec{
		SourceConnectionID:      c.connectionID,
		SourcePath:              remotePath,
		DestinationConnectionID: constants.LocalConnectionID,
		DestinationPath:         localPath,
	}, r, func() (io.WriteCloser, error) {
		if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
			return nil, err
		}
		return os.Create(localPath)
	}, statSize(r))
}

// track registers a transfer, streams src into the writer from open while reporting
// progress, and finishes the transfer according to the outcome.
func (c *Client) track(ctx context.Context, op *Operation, spec transfer.Spec, src io.Reader, open func() (io.WriteCloser, error), total int64) error {
	id, err := c.registry.Create(spec)
	if err != nil {
		return err
	}
	c.mu.Lock()
	op.TransferID = id
	c.mu.Unlock()

	err = c.stream(ctx, id, src, open, total)
	switch {
	case err == nil:
		c.registry.Complete(id)
	case ctx.Err() != nil:
		c.registry.Cancel(id)
	default:
		c.registry.Fail(id, err.Error())
	}
	return err
}

func (c *Client) stream(ctx context.Context, id string, src io.Reader, open func() (io.WriteCloser, error), total int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	pw := newProgressWriter(c.registry, id, total)
	if err := pw.report(); err != nil {
		return err
	}

	dst, err := open()
	if err != nil {
		return fmt.Errorf("create destination failed: %w", err)
	}

	_, err = io.Copy(io.MultiWriter(dst, pw), &contextReader{ctx: ctx, r: src})
	if closeErr := dst.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("copy failed: %w", err)
	}
	return pw.flush()
}

func (c *Client) createRemote(p string) (io.WriteCloser, error) {
	if dir := path.Dir(p); dir != "/" && dir != "." {
		if err := c.sftpClient.MkdirAll(dir); err != nil {
			return nil, err
		}
	}
	return c.sftpClient.Create(p)
}

// startOperation records an operation, runs fn in the background and reports the result.
func (c *Client) startOperation(kind events.OperationKind, p, target string, fn func(op *Operation) error) string {
	op := &Operation{
		ID:        uuid.NewString(),
		Kind:      kind,
		Path:      p,
		Target:    target,
		State:     StateInProgress,
		StartedAt: time.Now(),
	}

	c.mu.Lock()
	c.operations[op.ID] = op
	c.done[op.ID] = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.completeOperation(op, fn(op))
	}()

	return op.ID
}

func (c *Client) completeOperation(op *Operation, err error) {
	c.mu.Lock()
	op.CompletedAt = time.Now()
	op.State = StateCompleted
	if err != nil {
		op.State = StateFailed
		op.Error = err.Error()
	}
	kind, p := op.Kind, op.Path
	done := c.done[op.ID]
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn().Str("conn", c.connectionID).Str("op", string(kind)).Str("path", p).Err(err).Msg("Operation failed")
	} else {
		c.logger.Debug().Str("conn", c.connectionID).Str("op", string(kind)).Str("path", p).Msg("Operation completed")
	}

	if c.eventBus != nil {
		c.eventBus.PublishFsOperation(kind, c.connectionID, p, err)
	}
	close(done)
}

// statSize returns the size of an open file, or 0 when unknown.
func statSize(f interface{ Stat() (os.FileInfo, error) }) int64 {
	info, err := f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}
