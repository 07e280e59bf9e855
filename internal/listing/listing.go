// Package listing keeps the displayed directory contents of each connection in step
// with the backend. Refreshes are requested by connection id and run asynchronously.
package listing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rescale/rescale-xfer/internal/constants"
	"github.com/rescale/rescale-xfer/internal/events"
	"github.com/rescale/rescale-xfer/internal/logging"
)

// ErrUnknownConnection is returned when no lister is registered for a connection.
var ErrUnknownConnection = errors.New("unknown connection")

// ErrNotWatched is returned when a connection has no watched directory.
var ErrNotWatched = errors.New("no watched directory")

// Entry is one item of a directory listing.
type Entry struct {
	Name    string
	Path    string
	Size    int64 // 0 for directories
	IsDir   bool
	ModTime time.Time
}

// Lister lists one directory of an endpoint.
type Lister interface {
	List(ctx context.Context, dir string) ([]Entry, error)
}

type state struct {
	dir     string
	entries []Entry
	loaded  bool
	seq     uint64 // last started refresh
	applied uint64 // refresh whose result is stored
}

// Refresher caches the listing of one watched directory per connection.
type Refresher struct {
	mu      sync.Mutex
	listers map[string]Lister
	states  map[string]*state

	eventBus *events.EventBus
	logger   *logging.Logger
	timeout  time.Duration

	wg sync.WaitGroup
}

// NewRefresher creates a refresher. timeout bounds each background refresh;
// zero selects constants.DefaultRefreshTimeout.
func NewRefresher(eventBus *events.EventBus, timeout time.Duration, logger *logging.Logger) *Refresher {
	if timeout <= 0 {
		timeout = constants.DefaultRefreshTimeout
	}
	return &Refresher{
		listers:  make(map[string]Lister),
		states:   make(map[string]*state),
		eventBus: eventBus,
		logger:   logging.OrDefault(logger).Named("listing"),
		timeout:  timeout,
	}
}

// Register associates a lister with a connection id, replacing any previous one.
func (r *Refresher) Register(connectionID string, lister Lister) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listers[connectionID] = lister
}

// Watch sets the directory displayed for a connection. The cached listing is
// discarded when the directory changes.
func (r *Refresher) Watch(connectionID, dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.stateLocked(connectionID)
	if st.dir == dir {
		return
	}
	st.dir = dir
	st.entries = nil
	st.loaded = false
}

// Refresh re-lists the watched directory of connectionID in the background.
// It never blocks; failures are logged.
func (r *Refresher) Refresh(connectionID string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		if _, err := r.RefreshNow(ctx, connectionID); err != nil {
			if errors.Is(err, ErrUnknownConnection) || errors.Is(err, ErrNotWatched) {
				r.logger.Debug().Str("conn", connectionID).Err(err).Msg("Refresh skipped")
				return
			}
			r.logger.Warn().Str("conn", connectionID).Err(err).Msg("Listing refresh failed")
		}
	}()
}

// RefreshNow re-lists the watched directory synchronously and returns the new listing.
// A ListingEvent is published only when the listing differs from the cached one.
func (r *Refresher) RefreshNow(ctx context.Context, connectionID string) ([]Entry, error) {
	r.mu.Lock()
	lister, ok := r.listers[connectionID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	st := r.stateLocked(connectionID)
	if st.dir == "" {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotWatched, connectionID)
	}
	dir := st.dir
	st.seq++
	seq := st.seq
	r.mu.Unlock()

	entries, err := lister.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("list %s on %s: %w", dir, connectionID, err)
	}
	sortEntries(entries)

	r.mu.Lock()
	defer r.mu.Unlock()

	// A newer refresh already landed, or the watched directory moved on
	if seq < st.applied || st.dir != dir {
		return cloneEntries(entries), nil
	}
	st.applied = seq

	if st.loaded && equalEntries(st.entries, entries) {
		return cloneEntries(entries), nil
	}
	st.entries = entries
	st.loaded = true

	r.publishLocked(connectionID, dir, entries)
	return cloneEntries(entries), nil
}

// Listing returns the cached listing of a connection and its directory.
func (r *Refresher) Listing(connectionID string) (string, []Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[connectionID]
	if !ok || !st.loaded {
		return "", nil, false
	}
	return st.dir, cloneEntries(st.entries), true
}

// Wait blocks until all background refreshes have finished.
func (r *Refresher) Wait() {
	r.wg.Wait()
}

func (r *Refresher) stateLocked(connectionID string) *state {
	st, ok := r.states[connectionID]
	if !ok {
		st = &state{}
		r.states[connectionID] = st
	}
	return st
}

func (r *Refresher) publishLocked(connectionID, dir string, entries []Entry) {
	if r.eventBus == nil {
		return
	}

	out := make([]events.ListingEntry, len(entries))
	for i, e := range entries {
		out[i] = events.ListingEntry{
			Name:    e.Name,
			Path:    e.Path,
			Size:    e.Size,
			IsDir:   e.IsDir,
			ModTime: e.ModTime,
		}
	}
	r.eventBus.Publish(&events.ListingEvent{
		BaseEvent:    events.BaseEvent{EventType: events.EventListingRefreshed, Time: time.Now()},
		ConnectionID: connectionID,
		Dir:          dir,
		Entries:      out,
	})
}

// sortEntries orders directories first, then by name.
func sortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		if a.IsDir != b.IsDir {
			if a.IsDir {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Name, b.Name)
	})
}

func equalEntries(a, b []Entry) bool {
	return slices.EqualFunc(a, b, func(x, y Entry) bool {
		return x.Name == y.Name &&
			x.Path == y.Path &&
			x.Size == y.Size &&
			x.IsDir == y.IsDir &&
			x.ModTime.Equal(y.ModTime)
	})
}

func cloneEntries(entries []Entry) []Entry {
	return append([]Entry(nil), entries...)
}
