package progress

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"

	"github.com/rescale/rescale-xfer/internal/constants"
	"github.com/rescale/rescale-xfer/internal/events"
)

// TransferView renders registry snapshots: one mpb bar per transfer on a terminal,
// one line per start and finish otherwise. It never mutates transfers.
type TransferView struct {
	progress   *mpb.Progress
	out        io.Writer // line output when not a terminal
	isTerminal bool
	expected   int // number of transfers announced up front, 0 if unknown

	mu      sync.Mutex
	bars    map[string]*transferBar
	started int
}

type transferBar struct {
	bar   *mpb.Bar
	index int
	name  string
	dest  string
	total int64
	speed atomic.Uint64 // float64 bits, bytes/sec from the registry
}

// NewTransferView creates a view on stderr. expected is the number of transfers
// the caller is about to start, used for the [i/n] label; pass 0 when unknown.
func NewTransferView(expected int) *TransferView {
	isTerminal := term.IsTerminal(int(os.Stderr.Fd()))
	if isTerminal {
		enableANSI(os.Stderr)
	}
	return newTransferView(os.Stderr, isTerminal, expected)
}

func newTransferView(out io.Writer, isTerminal bool, expected int) *TransferView {
	var p *mpb.Progress
	if isTerminal {
		p = mpb.New(
			mpb.WithOutput(out),
			mpb.WithRefreshRate(constants.ProgressUpdateInterval),
			mpb.WithWidth(100),
		)
	} else {
		// Non-TTY: no bars, plain lines only
		p = mpb.New(mpb.WithOutput(io.Discard))
	}

	return &TransferView{
		progress:   p,
		out:        out,
		isTerminal: isTerminal,
		expected:   expected,
		bars:       make(map[string]*transferBar),
	}
}

// Run consumes transfer events until ch is closed or ctx is done. On ctx done,
// events already buffered in ch are still rendered.
func (v *TransferView) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			v.handleEvent(e)
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-ch:
					if !ok {
						return
					}
					v.handleEvent(e)
				default:
					return
				}
			}
		}
	}
}

func (v *TransferView) handleEvent(e events.Event) {
	if te, ok := e.(*events.TransferEvent); ok {
		v.Handle(te)
	}
}

// Handle applies one transfer snapshot to the display.
func (v *TransferView) Handle(e *events.TransferEvent) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch e.Type() {
	case events.EventTransferCreated:
		v.addLocked(e)

	case events.EventTransferProgress:
		tb := v.bars[e.TransferID]
		if tb == nil {
			tb = v.addLocked(e)
		}
		tb.speed.Store(floatBits(e.Speed))
		if tb.bar != nil {
			if e.Total != tb.total {
				tb.total = e.Total
				tb.bar.SetTotal(e.Total, false)
			}
			tb.bar.SetCurrent(e.Transferred)
		}

	case events.EventTransferCompleted:
		tb := v.bars[e.TransferID]
		if tb == nil {
			return
		}
		delete(v.bars, e.TransferID)
		if tb.bar != nil {
			tb.bar.SetCurrent(e.Transferred)
			tb.bar.SetTotal(e.Transferred, true)
		}
		v.printLocked(fmt.Sprintf("✓ %s → %s (%s, %s)\n", tb.name, tb.dest, formatBytes(e.Transferred), formatSpeed(e.Speed)))

	case events.EventTransferFailed:
		tb := v.bars[e.TransferID]
		if tb == nil {
			return
		}
		delete(v.bars, e.TransferID)
		if tb.bar != nil {
			tb.bar.Abort(false)
		}
		v.printLocked(fmt.Sprintf("✗ %s → %s: %s\n", tb.name, tb.dest, e.Error))

	case events.EventTransferCancelled:
		tb := v.bars[e.TransferID]
		if tb == nil {
			return
		}
		delete(v.bars, e.TransferID)
		if tb.bar != nil {
			tb.bar.Abort(true)
		}
		v.printLocked(fmt.Sprintf("⊘ %s → %s: cancelled\n", tb.name, tb.dest))
	}
}

func (v *TransferView) addLocked(e *events.TransferEvent) *transferBar {
	if tb, ok := v.bars[e.TransferID]; ok {
		return tb
	}

	v.started++
	tb := &transferBar{
		index: v.started,
		name:  truncatePath(e.SourcePath, 2),
		dest:  e.DestinationConnectionID + ":" + e.DestinationPath,
		total: e.Total,
	}
	v.bars[e.TransferID] = tb

	label := fmt.Sprintf("[%d/%s] %s", tb.index, v.expectedLabel(), tb.name)
	if !v.isTerminal {
		fmt.Fprintf(v.out, "%s %s → %s\n", verb(e.Kind), label, tb.dest)
		return tb
	}

	tb.bar = v.progress.New(e.Total,
		mpb.BarStyle().
			Lbound("[").
			Filler("█").
			Tip("█").
			Padding("░").
			Rbound("]"),
		mpb.PrependDecorators(
			decor.Name(label, decor.WCSyncSpaceR),
		),
		mpb.AppendDecorators(
			decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
			decor.Name("  "),
			decor.Percentage(decor.WCSyncSpace),
			decor.Name("  "),
			// Speed comes from the registry's smoothed estimate
			decor.Any(func(decor.Statistics) string {
				return formatSpeed(floatFromBits(tb.speed.Load()))
			}, decor.WCSyncSpace),
		),
		mpb.BarRemoveOnComplete(),
	)
	return tb
}

func (v *TransferView) expectedLabel() string {
	if v.expected <= 0 || v.started > v.expected {
		return "?"
	}
	return fmt.Sprintf("%d", v.expected)
}

// printLocked writes above the bars on a terminal, directly otherwise.
func (v *TransferView) printLocked(msg string) {
	if v.isTerminal {
		_, _ = v.progress.Write([]byte(msg))
		return
	}
	_, _ = io.WriteString(v.out, msg)
}

// Wait aborts bars that never reached a terminal snapshot (dropped events or an
// interrupted session) and blocks until rendering stops.
func (v *TransferView) Wait() {
	v.mu.Lock()
	for id, tb := range v.bars {
		if tb.bar != nil {
			tb.bar.Abort(false)
		}
		delete(v.bars, id)
	}
	v.mu.Unlock()

	v.progress.Wait()
}

// Writer returns a writer that prints above the bars.
func (v *TransferView) Writer() io.Writer {
	if v.isTerminal {
		return v.progress
	}
	return v.out
}

// IsTerminal returns true if bars are rendered.
func (v *TransferView) IsTerminal() bool {
	return v.isTerminal
}

func verb(kind string) string {
	switch kind {
	case "upload":
		return "Uploading"
	case "download":
		return "Downloading"
	default:
		return "Copying"
	}
}

// truncatePath keeps the last maxComponents components of a path.
// Example: truncatePath("/a/b/c/d/file.txt", 3) → "…/c/d/file.txt"
func truncatePath(path string, maxComponents int) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) <= maxComponents {
		return filepath.Base(path)
	}
	relevant := parts[len(parts)-maxComponents:]
	return "…/" + strings.Join(relevant, "/")
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatSpeed(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return "-- MiB/s"
	}
	return fmt.Sprintf("%.1f MiB/s", bytesPerSec/(1024*1024))
}

func floatBits(f float64) uint64     { return math.Float64bits(f) }
func floatFromBits(b uint64) float64 { return math.Float64frombits(b) }
