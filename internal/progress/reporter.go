// Package progress renders transfer progress in the terminal. It only reads
// registry snapshots from the event bus; it never drives transfers itself.
package progress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/rescale/rescale-xfer/internal/events"
)

// Reporter is a single-transfer progress display.
type Reporter interface {
	Start(total int64, description string)
	Update(current int64)
	Finish()
	Error(err error)
	SetDescription(desc string)
}

// CLIProgress implements Reporter with a single progress bar.
type CLIProgress struct {
	bar *progressbar.ProgressBar
	out io.Writer
}

// NewCLIProgress creates a reporter writing to stderr.
func NewCLIProgress() *CLIProgress {
	return &CLIProgress{out: os.Stderr}
}

// Start initializes the progress bar with total size and description.
// A total of 0 renders a spinner.
func (p *CLIProgress) Start(total int64, description string) {
	if total <= 0 {
		total = -1
	}
	p.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(100),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(p.out, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Update updates the progress bar to the current position.
func (p *CLIProgress) Update(current int64) {
	if p.bar != nil {
		_ = p.bar.Set64(current)
	}
}

// Finish completes the progress bar.
func (p *CLIProgress) Finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}

// Error displays an error message.
func (p *CLIProgress) Error(err error) {
	if err != nil {
		fmt.Fprintf(p.out, "\nError: %v\n", err)
	}
}

// SetDescription updates the progress bar description.
func (p *CLIProgress) SetDescription(desc string) {
	if p.bar != nil {
		p.bar.Describe(desc)
	}
}

// NoOpProgress is a reporter that does nothing (quiet mode).
type NoOpProgress struct{}

func (NoOpProgress) Start(total int64, description string) {}
func (NoOpProgress) Update(current int64)                  {}
func (NoOpProgress) Finish()                               {}
func (NoOpProgress) Error(err error)                       {}
func (NoOpProgress) SetDescription(desc string)            {}

// Follow drives r from the snapshots of the first transfer seen on ch. It returns
// when that transfer reaches a terminal status or ch closes; once ctx is done it
// renders what is already buffered and returns. It is meant for commands that run
// exactly one transfer.
func Follow(ctx context.Context, ch <-chan events.Event, r Reporter) {
	f := &follower{r: r}
	for {
		select {
		case e, ok := <-ch:
			if !ok || f.apply(e) {
				return
			}
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-ch:
					if !ok || f.apply(e) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

type follower struct {
	r       Reporter
	id      string
	started bool
	total   int64
}

// apply handles one event and reports whether the followed transfer finished.
func (f *follower) apply(e events.Event) bool {
	te, ok := e.(*events.TransferEvent)
	if !ok {
		return false
	}
	if f.id == "" {
		f.id = te.TransferID
	}
	if te.TransferID != f.id {
		return false
	}

	if !f.started {
		f.r.Start(te.Total, te.SourcePath)
		f.started = true
		f.total = te.Total
	}
	if te.Total != f.total && te.Total > 0 {
		// Rebuild when the size only became known later
		f.total = te.Total
		f.r.Start(f.total, te.SourcePath)
	}

	switch te.Type() {
	case events.EventTransferProgress:
		f.r.Update(te.Transferred)
	case events.EventTransferCompleted:
		f.r.Update(te.Transferred)
		f.r.Finish()
		return true
	case events.EventTransferFailed:
		f.r.Error(errors.New(te.Error))
		return true
	case events.EventTransferCancelled:
		f.r.Error(context.Canceled)
		return true
	}
	return false
}
