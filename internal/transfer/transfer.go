// Package transfer tracks the lifecycle of file transfers executed by external transports.
// The registry OBSERVES transfers; moving bytes is the caller's job.
package transfer

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rescale/rescale-xfer/internal/pathutil"
)

// Status represents the current state of a transfer.
type Status string

const (
	StatusPending      Status = "pending"      // Created, no progress applied yet
	StatusTransferring Status = "transferring" // At least one progress sample applied
	StatusCompleted    Status = "completed"    // Successfully completed
	StatusFailed       Status = "failed"       // Failed with error
	StatusCancelled    Status = "cancelled"    // Cancelled by user
)

// IsTerminal returns true for completed, failed and cancelled.
// No transition is defined out of a terminal status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Kind is derived from the two endpoints of a transfer.
type Kind string

const (
	KindUpload   Kind = "upload"
	KindDownload Kind = "download"
	KindCopy     Kind = "copy"
)

// Validation errors returned at the registry boundary.
var (
	ErrInvalidSpec     = errors.New("invalid transfer spec")
	ErrInvalidProgress = errors.New("invalid progress sample")
)

// Spec describes a transfer to be created.
type Spec struct {
	SourceConnectionID      string
	SourcePath              string
	DestinationConnectionID string
	DestinationPath         string
}

func (s Spec) validate() error {
	if s.SourceConnectionID == "" || s.DestinationConnectionID == "" {
		return fmt.Errorf("%w: connection id is required", ErrInvalidSpec)
	}
	if !pathutil.IsAbs(s.SourceConnectionID, s.SourcePath) {
		return fmt.Errorf("%w: source path %q is not absolute", ErrInvalidSpec, s.SourcePath)
	}
	if !pathutil.IsAbs(s.DestinationConnectionID, s.DestinationPath) {
		return fmt.Errorf("%w: destination path %q is not absolute", ErrInvalidSpec, s.DestinationPath)
	}
	return nil
}

// Sample is a single progress report from the transport.
type Sample struct {
	Transferred int64
	Total       int64
}

func (s Sample) validate() error {
	if s.Transferred < 0 || s.Total < 0 {
		return fmt.Errorf("%w: negative byte count (transferred=%d total=%d)", ErrInvalidProgress, s.Transferred, s.Total)
	}
	if s.Total > 0 && s.Transferred > s.Total {
		return fmt.Errorf("%w: transferred %d exceeds total %d", ErrInvalidProgress, s.Transferred, s.Total)
	}
	return nil
}

// Progress is the byte-level progress of a transfer.
type Progress struct {
	Transferred int64
	Total       int64
	Percentage  int // 0-100, 0 while Total is unknown
}

func newProgress(transferred, total int64) Progress {
	p := Progress{Transferred: transferred, Total: total}
	if total > 0 {
		pct := int(math.Round(float64(transferred) / float64(total) * 100))
		p.Percentage = min(max(pct, 0), 100)
	}
	return p
}

// Transfer is a read-only snapshot of one tracked transfer.
// Values returned by the registry are copies; mutating them has no effect on the registry.
type Transfer struct {
	ID                      string
	SourceConnectionID      string
	SourcePath              string
	DestinationConnectionID string
	DestinationPath         string

	Status   Status
	Progress Progress
	Speed    float64 // bytes/sec, smoothed
	Error    string  // set only when Status is StatusFailed

	StartTime   time.Time // creation time
	LastUpdated time.Time // time base of the speed estimate
}

// Kind classifies the transfer from its endpoints.
func (t Transfer) Kind() Kind {
	srcLocal := pathutil.IsLocal(t.SourceConnectionID)
	dstLocal := pathutil.IsLocal(t.DestinationConnectionID)
	switch {
	case srcLocal && !dstLocal:
		return KindUpload
	case !srcLocal && dstLocal:
		return KindDownload
	default:
		return KindCopy
	}
}

// Name returns the display name (final segment of the source path).
func (t Transfer) Name() string {
	return pathutil.BaseName(t.SourceConnectionID, t.SourcePath)
}

// IsTerminal reports whether the transfer has finished.
func (t Transfer) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// record is the registry-owned mutable state behind a Transfer.
type record struct {
	Transfer
	bytesAtSample int64 // Transferred at the last sample that advanced LastUpdated
}
