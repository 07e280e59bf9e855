package transfer

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rescale/rescale-xfer/internal/constants"
	"github.com/rescale/rescale-xfer/internal/events"
)

// Stats holds per-status counts.
type Stats struct {
	Pending      int
	Transferring int
	Completed    int
	Failed       int
	Cancelled    int
}

// Total returns total number of tracked transfers.
func (s Stats) Total() int {
	return s.Pending + s.Transferring + s.Completed + s.Failed + s.Cancelled
}

// Registry is the single owner of transfer records.
//
// Architecture:
//   - Callers create a record via Create() and drive it with ApplyProgress()
//   - Terminal transitions via Complete()/Fail()/Cancel() are one-way
//   - Mutations on unknown or terminal ids are silent no-ops (late callbacks are expected)
//   - Every mutation is serialized by one mutex, so samples for an id apply in arrival order
//   - Read access returns copies only
type Registry struct {
	records []*record          // creation order
	byID    map[string]*record // index by ID
	active  bool               // last published value of "any transfer non-terminal"
	mu      sync.RWMutex

	eventBus *events.EventBus

	now   func() time.Time
	newID func() string
}

// NewRegistry creates an empty registry publishing to eventBus (which may be nil).
func NewRegistry(eventBus *events.EventBus) *Registry {
	return &Registry{
		records:  make([]*record, 0),
		byID:     make(map[string]*record),
		eventBus: eventBus,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Create inserts a pending transfer and returns its id.
// It fails only when spec is invalid.
func (r *Registry) Create(spec Spec) (string, error) {
	if err := spec.validate(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for r.byID[id] != nil {
		id = r.newID()
	}

	now := r.now()
	rec := &record{Transfer: Transfer{
		ID:                      id,
		SourceConnectionID:      spec.SourceConnectionID,
		SourcePath:              spec.SourcePath,
		DestinationConnectionID: spec.DestinationConnectionID,
		DestinationPath:         spec.DestinationPath,
		Status:                  StatusPending,
		StartTime:               now,
		LastUpdated:             now,
	}}
	r.records = append(r.records, rec)
	r.byID[id] = rec

	r.publishLocked(events.EventTransferCreated, rec.Transfer)
	r.updateActivityLocked()
	return id, nil
}

// ApplyProgress merges a progress sample into a live transfer.
//
// The progress value is always applied. The speed estimate only advances when at least
// SpeedSampleInterval has passed since LastUpdated; closely spaced samples leave Speed
// and LastUpdated untouched.
func (r *Registry) ApplyProgress(id string, sample Sample) error {
	if err := sample.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.liveLocked(id)
	if rec == nil {
		return nil
	}

	now := r.now()
	rec.Progress = newProgress(sample.Transferred, sample.Total)

	if elapsed := now.Sub(rec.LastUpdated); elapsed >= constants.SpeedSampleInterval {
		rec.Speed = smoothSpeed(rec.Speed, instantRate(rec.bytesAtSample, sample.Transferred, elapsed))
		rec.bytesAtSample = sample.Transferred
		rec.LastUpdated = now
	}
	rec.Status = StatusTransferring

	r.publishLocked(events.EventTransferProgress, rec.Transfer)
	return nil
}

// Complete marks a live transfer as successfully completed.
func (r *Registry) Complete(id string) {
	r.finish(id, StatusCompleted, "", events.EventTransferCompleted)
}

// Fail marks a live transfer as failed with message.
func (r *Registry) Fail(id string, message string) {
	r.finish(id, StatusFailed, message, events.EventTransferFailed)
}

// Cancel marks a live transfer as cancelled.
// It does not stop the transport; the caller that cancels is responsible for that.
func (r *Registry) Cancel(id string) {
	r.finish(id, StatusCancelled, "", events.EventTransferCancelled)
}

func (r *Registry) finish(id string, status Status, message string, eventType events.EventType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.liveLocked(id)
	if rec == nil {
		return
	}
	rec.Status = status
	rec.Error = message

	r.publishLocked(eventType, rec.Transfer)
	r.updateActivityLocked()
}

// Remove deletes a transfer regardless of its status. Unknown ids are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	for i, candidate := range r.records {
		if candidate == rec {
			r.records = append(r.records[:i], r.records[i+1:]...)
			break
		}
	}

	r.publishLocked(events.EventTransferRemoved, rec.Transfer)
	r.updateActivityLocked()
}

// ClearFinished removes every terminal transfer and returns how many were removed.
func (r *Registry) ClearFinished() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := make([]*record, 0, len(r.records))
	removed := 0
	for _, rec := range r.records {
		if !rec.Status.IsTerminal() {
			kept = append(kept, rec)
			continue
		}
		delete(r.byID, rec.ID)
		removed++
		r.publishLocked(events.EventTransferRemoved, rec.Transfer)
	}
	r.records = kept
	return removed
}

// CancelAll cancels every live transfer and returns the affected ids so the
// caller can stop the corresponding transports.
func (r *Registry) CancelAll() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for _, rec := range r.records {
		if rec.Status.IsTerminal() {
			continue
		}
		rec.Status = StatusCancelled
		ids = append(ids, rec.ID)
		r.publishLocked(events.EventTransferCancelled, rec.Transfer)
	}
	r.updateActivityLocked()
	return ids
}

// Transfers returns a copy of all transfers in creation order.
func (r *Registry) Transfers() []Transfer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Transfer, len(r.records))
	for i, rec := range r.records {
		result[i] = rec.Transfer
	}
	return result
}

// Get returns a copy of a specific transfer by ID.
func (r *Registry) Get(id string) (Transfer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byID[id]
	if !ok {
		return Transfer{}, false
	}
	return rec.Transfer, true
}

// Len returns the number of tracked transfers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// HasActive reports whether any transfer is pending or transferring.
func (r *Registry) HasActive() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Stats returns current per-status counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{}
	for _, rec := range r.records {
		switch rec.Status {
		case StatusPending:
			stats.Pending++
		case StatusTransferring:
			stats.Transferring++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

// liveLocked returns the record for id if it exists and is not terminal.
func (r *Registry) liveLocked(id string) *record {
	rec, ok := r.byID[id]
	if !ok || rec.Status.IsTerminal() {
		return nil
	}
	return rec
}

// updateActivityLocked recomputes "any transfer active" and publishes only when it flips.
func (r *Registry) updateActivityLocked() {
	active := false
	for _, rec := range r.records {
		if !rec.Status.IsTerminal() {
			active = true
			break
		}
	}
	if active == r.active {
		return
	}
	r.active = active

	if r.eventBus != nil {
		r.eventBus.Publish(&events.ActivityChangedEvent{
			BaseEvent: events.BaseEvent{EventType: events.EventActivityChanged, Time: r.now()},
			Active:    active,
		})
	}
}

// publishLocked publishes a snapshot while the registry lock is held so subscribers
// observe mutations in the order they were applied. Publish never blocks.
func (r *Registry) publishLocked(eventType events.EventType, t Transfer) {
	if r.eventBus == nil {
		return
	}

	r.eventBus.Publish(&events.TransferEvent{
		BaseEvent: events.BaseEvent{
			EventType: eventType,
			Time:      r.now(),
		},
		TransferID:              t.ID,
		Kind:                    string(t.Kind()),
		SourceConnectionID:      t.SourceConnectionID,
		SourcePath:              t.SourcePath,
		DestinationConnectionID: t.DestinationConnectionID,
		DestinationPath:         t.DestinationPath,
		Status:                  string(t.Status),
		Transferred:             t.Progress.Transferred,
		Total:                   t.Progress.Total,
		Percentage:              t.Progress.Percentage,
		Speed:                   t.Speed,
		Error:                   t.Error,
	})
}
