// Package reconcile turns backend filesystem-operation completions into user-visible
// messages and listing refreshes, so the displayed tree never outlives an operation attempt.
package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/rescale/rescale-xfer/internal/events"
	"github.com/rescale/rescale-xfer/internal/logging"
	"github.com/rescale/rescale-xfer/internal/notify"
	"github.com/rescale/rescale-xfer/internal/pathutil"
)

// Notifier receives user-visible messages.
type Notifier interface {
	Notify(message string, severity notify.Severity)
}

// Refresher re-lists the watched directory of a connection.
// Implementations must not block the caller.
type Refresher interface {
	Refresh(connectionID string)
}

// verbs maps an operation kind to its past-tense and infinitive forms.
var verbs = map[events.OperationKind][2]string{
	events.OpDelete: {"Deleted", "delete"},
	events.OpCopy:   {"Copied", "copy"},
	events.OpRename: {"Renamed", "rename"},
	events.OpUpload: {"Uploaded", "upload"},
}

// Message translates an operation event into a notification message and severity.
func Message(e *events.FsOperationEvent) (string, notify.Severity) {
	name := pathutil.BaseName(e.ConnectionID, e.Path)
	forms, ok := verbs[e.Operation]
	if !ok {
		forms = [2]string{"Finished " + string(e.Operation), string(e.Operation)}
	}

	if e.Status == events.OpError {
		reason := e.Error
		if reason == "" {
			reason = "unknown error"
		}
		return fmt.Sprintf(`Failed to %s "%s": %s`, forms[1], name, reason), notify.SeverityError
	}
	return fmt.Sprintf(`%s "%s"`, forms[0], name), notify.SeveritySuccess
}

// Reconciler consumes FsOperationEvents from the bus.
// Every event yields exactly one refresh of its connection, whatever its status.
type Reconciler struct {
	eventBus  *events.EventBus
	notifier  Notifier
	refresher Refresher
	logger    *logging.Logger

	subscription <-chan events.Event
	stopC        chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex
	started      bool
}

// New creates a reconciler. notifier and refresher are required.
func New(eventBus *events.EventBus, notifier Notifier, refresher Refresher, logger *logging.Logger) *Reconciler {
	return &Reconciler{
		eventBus:  eventBus,
		notifier:  notifier,
		refresher: refresher,
		logger:    logging.OrDefault(logger).Named("reconcile"),
	}
}

// Handle reconciles a single event: notify, then refresh the affected connection.
func (r *Reconciler) Handle(e *events.FsOperationEvent) {
	if e == nil {
		return
	}

	message, severity := Message(e)
	r.notifier.Notify(message, severity)

	r.logger.Debug().
		Str("conn", e.ConnectionID).
		Str("op", string(e.Operation)).
		Str("status", string(e.Status)).
		Msg("Refreshing listing after operation")
	r.refresher.Refresh(e.ConnectionID)
}

// Start subscribes to operation events and dispatches them until Stop is called,
// ctx is cancelled, or the bus is closed. The subscription is queued, so no event
// is lost to a slow notifier. A second Start is ignored.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}

	r.subscription = r.eventBus.SubscribeQueued(events.EventFsOperation)
	if r.subscription == nil {
		return fmt.Errorf("reconcile: failed to subscribe to event bus")
	}

	r.stopC = make(chan struct{})
	r.started = true
	r.wg.Add(1)
	go r.loop(ctx, r.subscription, r.stopC)

	return nil
}

// Stop releases the subscription and waits for the dispatch loop to exit.
// It is safe to call more than once.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	sub := r.subscription
	close(r.stopC)
	r.mu.Unlock()

	r.wg.Wait()
	r.eventBus.Unsubscribe(events.EventFsOperation, sub)
}

// Wait blocks until the dispatch loop exits. The loop ends on its own once the
// bus is closed and every buffered event has been handled, or ctx is cancelled.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

func (r *Reconciler) loop(ctx context.Context, sub <-chan events.Event, stopC <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return
			}
			if e, ok := event.(*events.FsOperationEvent); ok {
				r.Handle(e)
			}
		case <-stopC:
			return
		case <-ctx.Done():
			return
		}
	}
}
