// Package events is the in-process event bus connecting the registry, the SFTP backend,
// the reconciler and the terminal display.
package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rescale/rescale-xfer/internal/constants"
)

// EventType names a kind of event.
type EventType string

const (
	// One per registry mutation, carrying the post-mutation snapshot
	EventTransferCreated   EventType = "transfer_created"
	EventTransferProgress  EventType = "transfer_progress"
	EventTransferCompleted EventType = "transfer_completed"
	EventTransferFailed    EventType = "transfer_failed"
	EventTransferCancelled EventType = "transfer_cancelled"
	EventTransferRemoved   EventType = "transfer_removed"

	// EventActivityChanged fires only when "any transfer active" flips.
	EventActivityChanged EventType = "transfer_activity_changed"

	// Backend filesystem-operation completions (delete, copy, rename, upload)
	EventFsOperation EventType = "fs_operation"

	// EventListingRefreshed fires when a re-fetched directory listing differs from the cached one.
	EventListingRefreshed EventType = "listing_refreshed"
)

// Event is implemented by every value published on the bus.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent carries the fields shared by all events.
type BaseEvent struct {
	EventType EventType
	Time      time.Time
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.Time }

// TransferEvent carries a read-only snapshot of a transfer after a registry mutation.
type TransferEvent struct {
	BaseEvent
	TransferID              string
	Kind                    string // "upload", "download" or "copy"
	SourceConnectionID      string
	SourcePath              string
	DestinationConnectionID string
	DestinationPath         string
	Status                  string
	Transferred             int64
	Total                   int64
	Percentage              int
	Speed                   float64 // bytes/sec
	Error                   string  // set when Status is "failed"
}

// IsTerminal reports whether the snapshot is in a status that admits no further transition.
func (e *TransferEvent) IsTerminal() bool {
	return e.Status == "completed" || e.Status == "failed" || e.Status == "cancelled"
}

// ActivityChangedEvent is published when the registry goes from idle to busy or back.
type ActivityChangedEvent struct {
	BaseEvent
	Active bool
}

// OperationKind names the backend filesystem operation that completed.
type OperationKind string

const (
	OpDelete OperationKind = "delete"
	OpCopy   OperationKind = "copy"
	OpRename OperationKind = "rename"
	OpUpload OperationKind = "upload"
)

// OperationStatus is the outcome reported by the backend.
type OperationStatus string

const (
	OpSuccess OperationStatus = "success"
	OpError   OperationStatus = "error"
)

// FsOperationEvent is an immutable completion notice for a backend filesystem operation.
// It may or may not correspond to a tracked transfer (a delete or rename never does).
type FsOperationEvent struct {
	BaseEvent
	Operation    OperationKind
	ConnectionID string
	Path         string
	Status       OperationStatus
	Error        string // backend-supplied text, set when Status is OpError
}

// ListingEntry is a single row of a refreshed directory listing.
type ListingEntry struct {
	Name    string
	Path    string
	Size    int64
	IsDir   bool
	ModTime time.Time
}

// ListingEvent carries the new contents of a connection's watched directory.
type ListingEvent struct {
	BaseEvent
	ConnectionID string
	Dir          string
	Entries      []ListingEntry
}

// PublishFsOperation publishes the completion of a backend operation; a nil err is success.
func (eb *EventBus) PublishFsOperation(op OperationKind, connectionID, path string, err error) {
	event := &FsOperationEvent{
		BaseEvent:    BaseEvent{EventType: EventFsOperation, Time: time.Now()},
		Operation:    op,
		ConnectionID: connectionID,
		Path:         path,
		Status:       OpSuccess,
	}
	if err != nil {
		event.Status = OpError
		event.Error = err.Error()
	}
	eb.Publish(event)
}

// subscription is one subscriber channel and the event types it receives;
// a nil type set receives everything.
type subscription struct {
	ch    chan Event
	types map[EventType]bool
	queue *eventQueue // set for lossless subscriptions
}

func (s *subscription) wants(t EventType) bool {
	return s.types == nil || s.types[t]
}

// EventBus fans events out to buffered subscriber channels. Publish never blocks:
// an event that does not fit a subscriber's buffer is dropped and counted, except
// for queued subscribers, which receive every event in order.
type EventBus struct {
	mu         sync.RWMutex
	subs       []*subscription
	bufferSize int
	closed     bool

	dropped atomic.Int64
}

// NewEventBus creates a bus whose subscriber channels hold bufferSize events,
// clamped to constants.EventBusMaxBuffer. Zero selects the default.
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = constants.EventBusDefaultBuffer
	}
	return &EventBus{bufferSize: min(bufferSize, constants.EventBusMaxBuffer)}
}

// Subscribe returns a channel receiving events of one type.
// After Close it returns an already-closed channel.
func (eb *EventBus) Subscribe(eventType EventType) <-chan Event {
	return eb.subscribe(map[EventType]bool{eventType: true})
}

// SubscribeAll returns a channel receiving every event.
func (eb *EventBus) SubscribeAll() <-chan Event {
	return eb.subscribe(nil)
}

// SubscribeQueued returns a channel receiving every event of one type, in order.
// Events wait in an unbounded queue instead of being dropped when the consumer
// falls behind. After Close the pending events are still delivered, then the
// channel is closed.
func (eb *EventBus) SubscribeQueued(eventType EventType) <-chan Event {
	return eb.subscribeWith(map[EventType]bool{eventType: true}, true)
}

func (eb *EventBus) subscribe(types map[EventType]bool) <-chan Event {
	return eb.subscribeWith(types, false)
}

func (eb *EventBus) subscribeWith(types map[EventType]bool, queued bool) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	sub := &subscription{ch: make(chan Event, eb.bufferSize), types: types}
	if queued {
		sub.queue = newEventQueue(sub.ch)
	}
	eb.subs = append(eb.subs, sub)
	return sub.ch
}

// Publish delivers event to every interested subscriber without blocking.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}
	for _, sub := range eb.subs {
		if !sub.wants(event.Type()) {
			continue
		}
		if sub.queue != nil {
			sub.queue.push(event)
			continue
		}
		select {
		case sub.ch <- event:
		default:
			eb.dropped.Add(1)
		}
	}
}

// Unsubscribe stops delivering eventType to ch. The channel is not closed.
func (eb *EventBus) Unsubscribe(eventType EventType, ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	i := eb.indexLocked(ch)
	if i < 0 {
		return
	}
	sub := eb.subs[i]
	if sub.types != nil {
		delete(sub.types, eventType)
		if len(sub.types) > 0 {
			return
		}
	}
	eb.removeLocked(i)
}

// UnsubscribeAll removes ch entirely, whatever it subscribed to. The channel is not closed.
func (eb *EventBus) UnsubscribeAll(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if i := eb.indexLocked(ch); i >= 0 {
		eb.removeLocked(i)
	}
}

func (eb *EventBus) removeLocked(i int) {
	if q := eb.subs[i].queue; q != nil {
		q.stop()
	}
	eb.subs = slices.Delete(eb.subs, i, i+1)
}

func (eb *EventBus) indexLocked(ch <-chan Event) int {
	return slices.IndexFunc(eb.subs, func(s *subscription) bool {
		return (<-chan Event)(s.ch) == ch
	})
}

// Close closes every subscriber channel; buffered events can still be drained.
// Publishing after Close is a no-op.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true
	for _, sub := range eb.subs {
		if sub.queue != nil {
			// The pump closes the channel once the queue is empty
			sub.queue.finish()
			continue
		}
		close(sub.ch)
	}
	eb.subs = nil
}

// GetDroppedEventCount returns how many events were dropped on full buffers.
func (eb *EventBus) GetDroppedEventCount() int64 {
	return eb.dropped.Load()
}

// ResetDroppedEventCount zeroes the drop counter and returns its previous value.
func (eb *EventBus) ResetDroppedEventCount() int64 {
	return eb.dropped.Swap(0)
}

// eventQueue is an unbounded FIFO drained into one subscriber channel by a pump goroutine.
type eventQueue struct {
	mu       sync.Mutex
	pending  []Event
	finished bool

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newEventQueue(out chan Event) *eventQueue {
	q := &eventQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.pump(out)
	return q
}

func (q *eventQueue) push(event Event) {
	q.mu.Lock()
	q.pending = append(q.pending, event)
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// finish makes the pump close out after delivering everything pending.
func (q *eventQueue) finish() {
	q.mu.Lock()
	q.finished = true
	q.mu.Unlock()
	q.signal()
}

// stop ends the pump and discards pending events. out is left open.
func (q *eventQueue) stop() {
	q.stopOnce.Do(func() { close(q.done) })
}

func (q *eventQueue) pump(out chan Event) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			finished := q.finished
			q.mu.Unlock()
			if finished {
				close(out)
				return
			}
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}
		event := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		select {
		case out <- event:
		case <-q.done:
			return
		}
	}
}
