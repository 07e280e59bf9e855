package sftpfs

import (
	"context"
	"io"

	"github.com/rescale/rescale-xfer/internal/constants"
	"github.com/rescale/rescale-xfer/internal/transfer"
)

// progressWriter counts bytes written through it and reports them to the registry
// every constants.ProgressReportChunk bytes. The registry gates speed sampling itself.
type progressWriter struct {
	registry *transfer.Registry
	id       string
	total    int64
	written  int64
	reported int64
}

func newProgressWriter(registry *transfer.Registry, id string, total int64) *progressWriter {
	return &progressWriter{registry: registry, id: id, total: total}
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))
	if w.written-w.reported >= constants.ProgressReportChunk {
		if err := w.report(); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// flush reports the final byte count.
func (w *progressWriter) flush() error {
	if w.total > 0 && w.written < w.total {
		// source shrank while copying
		w.total = w.written
	}
	return w.report()
}

func (w *progressWriter) report() error {
	// A source that grew past its stat size makes the running count authoritative.
	if w.total > 0 && w.written > w.total {
		w.total = w.written
	}
	w.reported = w.written
	return w.registry.ApplyProgress(w.id, transfer.Sample{Transferred: w.written, Total: w.total})
}

// contextReader stops a copy loop once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
