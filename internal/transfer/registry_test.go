package transfer

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rescale/rescale-xfer/internal/events"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestRegistry(bus *events.EventBus) (*Registry, *fakeClock) {
	clock := newFakeClock()
	r := NewRegistry(bus)
	r.now = clock.Now
	return r, clock
}

func remoteSpec(name string) Spec {
	return Spec{
		SourceConnectionID:      "sftp-a",
		SourcePath:              "/data/" + name,
		DestinationConnectionID: "sftp-b",
		DestinationPath:         "/backup/" + name,
	}
}

func mustCreate(t *testing.T, r *Registry, spec Spec) string {
	t.Helper()
	id, err := r.Create(spec)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return id
}

func assertSpeed(t *testing.T, r *Registry, id string, expected float64) {
	t.Helper()
	tr, ok := r.Get(id)
	if !ok {
		t.Fatal("Transfer not found")
	}
	if math.Abs(tr.Speed-expected) > 1e-6 {
		t.Errorf("Expected speed %.3f, got %.3f", expected, tr.Speed)
	}
}

func TestNewRegistry(t *testing.T) {
	bus := events.NewEventBus(100)
	defer bus.Close()

	if NewRegistry(bus) == nil {
		t.Fatal("NewRegistry returned nil")
	}
	if NewRegistry(nil) == nil {
		t.Fatal("NewRegistry with nil eventBus should work")
	}
}

func TestRegistryCreate(t *testing.T) {
	r, clock := newTestRegistry(nil)

	id := mustCreate(t, r, remoteSpec("a.dat"))
	if id == "" {
		t.Fatal("Transfer ID should not be empty")
	}

	tr, ok := r.Get(id)
	if !ok {
		t.Fatal("Transfer not found")
	}
	if tr.Status != StatusPending {
		t.Errorf("Expected StatusPending, got %v", tr.Status)
	}
	if tr.Progress != (Progress{}) {
		t.Errorf("Expected zero progress, got %+v", tr.Progress)
	}
	if tr.Speed != 0 {
		t.Errorf("Expected zero speed, got %f", tr.Speed)
	}
	if !tr.StartTime.Equal(clock.Now()) || !tr.LastUpdated.Equal(clock.Now()) {
		t.Error("StartTime and LastUpdated should be the creation time")
	}

	other := mustCreate(t, r, remoteSpec("a.dat"))
	if other == id {
		t.Error("Two creations must not share an id")
	}
	if r.Len() != 2 {
		t.Errorf("Expected 2 transfers, got %d", r.Len())
	}
}

func TestRegistryCreate_RejectsInvalidSpec(t *testing.T) {
	r, _ := newTestRegistry(nil)

	tests := []struct {
		name string
		spec Spec
	}{
		{"missing source connection", Spec{SourcePath: "/a", DestinationConnectionID: "b", DestinationPath: "/b"}},
		{"missing destination connection", Spec{SourceConnectionID: "a", SourcePath: "/a", DestinationPath: "/b"}},
		{"relative source", Spec{SourceConnectionID: "a", SourcePath: "a", DestinationConnectionID: "b", DestinationPath: "/b"}},
		{"empty destination", Spec{SourceConnectionID: "a", SourcePath: "/a", DestinationConnectionID: "b"}},
	}

	for _, tt := range tests {
		if _, err := r.Create(tt.spec); !errors.Is(err, ErrInvalidSpec) {
			t.Errorf("%s: expected ErrInvalidSpec, got %v", tt.name, err)
		}
	}
	if r.Len() != 0 {
		t.Errorf("Rejected specs must not be inserted, got %d records", r.Len())
	}
}

func TestRegistryCreate_SkipsLiveID(t *testing.T) {
	r, _ := newTestRegistry(nil)
	ids := []string{"dup", "dup", "fresh"}
	r.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	first := mustCreate(t, r, remoteSpec("a"))
	second := mustCreate(t, r, remoteSpec("b"))
	if first != "dup" || second != "fresh" {
		t.Errorf("Expected ids dup/fresh, got %s/%s", first, second)
	}
}

func TestApplyProgress_SeedsSpeedFromFirstRate(t *testing.T) {
	r, clock := newTestRegistry(nil)
	id := mustCreate(t, r, remoteSpec("seed.bin"))

	if err := r.ApplyProgress(id, Sample{Transferred: 0, Total: 10_000_000}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)
	if err := r.ApplyProgress(id, Sample{Transferred: 1_000_000, Total: 10_000_000}); err != nil {
		t.Fatal(err)
	}

	assertSpeed(t, r, id, 1_000_000)
}

func TestApplyProgress_SmoothsWithWeightedAverage(t *testing.T) {
	r, clock := newTestRegistry(nil)
	id := mustCreate(t, r, remoteSpec("ema.bin"))

	_ = r.ApplyProgress(id, Sample{Transferred: 0, Total: 10_000_000})
	clock.Advance(time.Second)
	_ = r.ApplyProgress(id, Sample{Transferred: 1_000_000, Total: 10_000_000})

	// 1,000,000 more bytes in 0.5s is an instantaneous 2,000,000 B/s
	clock.Advance(500 * time.Millisecond)
	_ = r.ApplyProgress(id, Sample{Transferred: 2_000_000, Total: 10_000_000})

	assertSpeed(t, r, id, 0.7*1_000_000+0.3*2_000_000)
}

func TestApplyProgress_GateHoldsSpeedButUpdatesProgress(t *testing.T) {
	r, clock := newTestRegistry(nil)
	id := mustCreate(t, r, remoteSpec("gate.bin"))

	clock.Advance(time.Second)
	_ = r.ApplyProgress(id, Sample{Transferred: 1_000_000, Total: 4_000_000})
	before, _ := r.Get(id)

	clock.Advance(400 * time.Millisecond)
	_ = r.ApplyProgress(id, Sample{Transferred: 1_200_000, Total: 4_000_000})

	after, _ := r.Get(id)
	if after.Speed != before.Speed {
		t.Errorf("Speed changed inside the sampling gate: %f -> %f", before.Speed, after.Speed)
	}
	if after.Progress.Transferred != 1_200_000 {
		t.Errorf("Progress should be updated inside the gate, got %d", after.Progress.Transferred)
	}
	if !after.LastUpdated.Equal(before.LastUpdated) {
		t.Error("LastUpdated should not advance inside the gate")
	}

	// The next gated sample measures from the last accepted sample, not the gated one:
	// 600,000 bytes over 0.6s is 1,000,000 B/s.
	clock.Advance(200 * time.Millisecond)
	_ = r.ApplyProgress(id, Sample{Transferred: 1_600_000, Total: 4_000_000})
	assertSpeed(t, r, id, 1_000_000)
}

func TestApplyProgress_BackwardsBytesNeverNegative(t *testing.T) {
	r, clock := newTestRegistry(nil)
	id := mustCreate(t, r, remoteSpec("reset.bin"))

	clock.Advance(time.Second)
	_ = r.ApplyProgress(id, Sample{Transferred: 1_000_000, Total: 2_000_000})

	// Retransmission: byte count goes backwards
	clock.Advance(time.Second)
	_ = r.ApplyProgress(id, Sample{Transferred: 200_000, Total: 2_000_000})

	tr, _ := r.Get(id)
	if tr.Speed < 0 {
		t.Fatalf("Speed must never be negative, got %f", tr.Speed)
	}
	assertSpeed(t, r, id, 0.7*1_000_000)

	// A fresh record whose first gated sample goes backwards stays at zero
	id2 := mustCreate(t, r, remoteSpec("reset2.bin"))
	_ = r.ApplyProgress(id2, Sample{Transferred: 0, Total: 10})
	clock.Advance(time.Second)
	_ = r.ApplyProgress(id2, Sample{Transferred: 0, Total: 10})
	assertSpeed(t, r, id2, 0)
}

func TestApplyProgress_PercentageBoundedAndMonotonic(t *testing.T) {
	r, clock := newTestRegistry(nil)
	id := mustCreate(t, r, remoteSpec("pct.bin"))

	last := -1
	for _, transferred := range []int64{0, 1, 333, 500, 999, 1000} {
		clock.Advance(100 * time.Millisecond)
		if err := r.ApplyProgress(id, Sample{Transferred: transferred, Total: 1000}); err != nil {
			t.Fatal(err)
		}
		tr, _ := r.Get(id)
		pct := tr.Progress.Percentage
		if pct < 0 || pct > 100 {
			t.Fatalf("Percentage out of range: %d", pct)
		}
		if pct < last {
			t.Fatalf("Percentage decreased: %d -> %d", last, pct)
		}
		last = pct
	}
	if last != 100 {
		t.Errorf("Expected 100%% at completion, got %d", last)
	}
}

func TestApplyProgress_UnknownTotal(t *testing.T) {
	r, _ := newTestRegistry(nil)
	id := mustCreate(t, r, remoteSpec("stream.bin"))

	if err := r.ApplyProgress(id, Sample{Transferred: 4096, Total: 0}); err != nil {
		t.Fatalf("Unknown total should be accepted: %v", err)
	}
	tr, _ := r.Get(id)
	if tr.Progress.Percentage != 0 {
		t.Errorf("Expected 0%% with unknown total, got %d", tr.Progress.Percentage)
	}
}

func TestApplyProgress_LatestTotalWins(t *testing.T) {
	r, _ := newTestRegistry(nil)
	id := mustCreate(t, r, remoteSpec("grow.bin"))

	_ = r.ApplyProgress(id, Sample{Transferred: 50, Total: 100})
	_ = r.ApplyProgress(id, Sample{Transferred: 60, Total: 200})

	tr, _ := r.Get(id)
	if tr.Progress.Total != 200 || tr.Progress.Percentage != 30 {
		t.Errorf("Expected total 200 at 30%%, got %+v", tr.Progress)
	}
}

func TestApplyProgress_RejectsInvalidSample(t *testing.T) {
	r, _ := newTestRegistry(nil)
	id := mustCreate(t, r, remoteSpec("bad.bin"))

	tests := []Sample{
		{Transferred: -1, Total: 10},
		{Transferred: 1, Total: -10},
		{Transferred: 11, Total: 10},
	}
	for _, s := range tests {
		if err := r.ApplyProgress(id, s); !errors.Is(err, ErrInvalidProgress) {
			t.Errorf("Sample %+v: expected ErrInvalidProgress, got %v", s, err)
		}
	}

	tr, _ := r.Get(id)
	if tr.Status != StatusPending || tr.Progress != (Progress{}) {
		t.Errorf("Rejected samples must not touch the record, got %+v", tr)
	}
}

func TestApplyProgress_TransitionsToTransferring(t *testing.T) {
	r, _ := newTestRegistry(nil)
	id := mustCreate(t, r, remoteSpec("x"))

	_ = r.ApplyProgress(id, Sample{Transferred: 1, Total: 2})
	tr, _ := r.Get(id)
	if tr.Status != StatusTransferring {
		t.Errorf("Expected StatusTransferring, got %v", tr.Status)
	}
}

func TestApplyProgress_UnknownIDIsNoop(t *testing.T) {
	r, _ := newTestRegistry(nil)
	if err := r.ApplyProgress("missing", Sample{Transferred: 1, Total: 2}); err != nil {
		t.Errorf("Unknown id should be ignored, got %v", err)
	}
	if r.Len() != 0 {
		t.Error("Unknown id must not create a record")
	}
}

func TestTerminalStatusIgnoresFurtherMutations(t *testing.T) {
	terminators := map[Status]func(r *Registry, id string){
		StatusCompleted: func(r *Registry, id string) { r.Complete(id) },
		StatusFailed:    func(r *Registry, id string) { r.Fail(id, "boom") },
		StatusCancelled: func(r *Registry, id string) { r.Cancel(id) },
	}

	for status, terminate := range terminators {
		r, clock := newTestRegistry(nil)
		id := mustCreate(t, r, remoteSpec("t.bin"))
		clock.Advance(time.Second)
		_ = r.ApplyProgress(id, Sample{Transferred: 10, Total: 100})
		terminate(r, id)

		frozen, _ := r.Get(id)
		if frozen.Status != status {
			t.Fatalf("Expected %v, got %v", status, frozen.Status)
		}

		clock.Advance(time.Second)
		if err := r.ApplyProgress(id, Sample{Transferred: 90, Total: 100}); err != nil {
			t.Errorf("%v: late progress should be ignored silently, got %v", status, err)
		}
		r.Complete(id)
		r.Fail(id, "late failure")
		r.Cancel(id)

		after, _ := r.Get(id)
		if after != frozen {
			t.Errorf("%v: terminal record changed: %+v -> %+v", status, frozen, after)
		}
	}
}

func TestRegistryFail(t *testing.T) {
	r, _ := newTestRegistry(nil)
	id := mustCreate(t, r, remoteSpec("f.bin"))

	r.Fail(id, "connection reset")

	tr, _ := r.Get(id)
	if tr.Status != StatusFailed {
		t.Errorf("Expected StatusFailed, got %v", tr.Status)
	}
	if tr.Error != "connection reset" {
		t.Errorf("Expected error 'connection reset', got %q", tr.Error)
	}
	if r.Len() != 1 {
		t.Error("A failed transfer must stay in the registry")
	}
}

func TestRegistryRemove(t *testing.T) {
	r, _ := newTestRegistry(nil)
	a := mustCreate(t, r, remoteSpec("a"))
	b := mustCreate(t, r, remoteSpec("b"))
	c := mustCreate(t, r, remoteSpec("c"))

	r.Remove("does-not-exist")
	if r.Len() != 3 {
		t.Errorf("Removing an unknown id changed the length: %d", r.Len())
	}

	r.Remove(b)
	if _, ok := r.Get(b); ok {
		t.Error("Removed transfer still present")
	}

	list := r.Transfers()
	if len(list) != 2 || list[0].ID != a || list[1].ID != c {
		t.Errorf("Unexpected order after removal: %+v", list)
	}

	// Removal of a live record is allowed and later callbacks are ignored
	r.Remove(a)
	if err := r.ApplyProgress(a, Sample{Transferred: 1, Total: 1}); err != nil {
		t.Errorf("Progress for removed id should be ignored, got %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("Expected 1 transfer, got %d", r.Len())
	}
}

func TestRegistryTransfersAreCopies(t *testing.T) {
	r, _ := newTestRegistry(nil)
	id := mustCreate(t, r, remoteSpec("copy.bin"))

	list := r.Transfers()
	list[0].Status = StatusCompleted
	list[0].Speed = 42

	tr, _ := r.Get(id)
	if tr.Status != StatusPending || tr.Speed != 0 {
		t.Error("Mutating a snapshot must not affect the registry")
	}
}

func TestRegistryClearFinished(t *testing.T) {
	r, _ := newTestRegistry(nil)
	done := mustCreate(t, r, remoteSpec("done"))
	failed := mustCreate(t, r, remoteSpec("failed"))
	live := mustCreate(t, r, remoteSpec("live"))

	r.Complete(done)
	r.Fail(failed, "nope")

	if removed := r.ClearFinished(); removed != 2 {
		t.Errorf("Expected 2 removed, got %d", removed)
	}
	list := r.Transfers()
	if len(list) != 1 || list[0].ID != live {
		t.Errorf("Only the live transfer should remain, got %+v", list)
	}
}

func TestRegistryCancelAll(t *testing.T) {
	r, _ := newTestRegistry(nil)
	a := mustCreate(t, r, remoteSpec("a"))
	b := mustCreate(t, r, remoteSpec("b"))
	r.Complete(b)
	c := mustCreate(t, r, remoteSpec("c"))
	_ = r.ApplyProgress(c, Sample{Transferred: 1, Total: 10})

	ids := r.CancelAll()
	if len(ids) != 2 || ids[0] != a || ids[1] != c {
		t.Errorf("Expected [%s %s], got %v", a, c, ids)
	}

	stats := r.Stats()
	if stats.Cancelled != 2 || stats.Completed != 1 || stats.Total() != 3 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if r.HasActive() {
		t.Error("No transfer should be active after CancelAll")
	}
}

func TestRegistryStats(t *testing.T) {
	r, _ := newTestRegistry(nil)
	mustCreate(t, r, remoteSpec("p"))
	moving := mustCreate(t, r, remoteSpec("m"))
	_ = r.ApplyProgress(moving, Sample{Transferred: 1, Total: 2})
	cancelled := mustCreate(t, r, remoteSpec("c"))
	r.Cancel(cancelled)

	stats := r.Stats()
	if stats.Pending != 1 || stats.Transferring != 1 || stats.Cancelled != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestRegistryPublishesTransferEvents(t *testing.T) {
	bus := events.NewEventBus(100)
	defer bus.Close()
	ch := bus.SubscribeAll()

	r, _ := newTestRegistry(bus)
	id := mustCreate(t, r, remoteSpec("events.bin"))
	_ = r.ApplyProgress(id, Sample{Transferred: 5, Total: 10})
	r.Complete(id)
	r.Complete(id) // no-op, no event
	r.Remove(id)

	var got []events.EventType
	for {
		select {
		case e := <-ch:
			got = append(got, e.Type())
			continue
		case <-time.After(20 * time.Millisecond):
		}
		break
	}

	expected := []events.EventType{
		events.EventTransferCreated,
		events.EventActivityChanged,
		events.EventTransferProgress,
		events.EventTransferCompleted,
		events.EventActivityChanged,
		events.EventTransferRemoved,
	}
	if fmt.Sprint(got) != fmt.Sprint(expected) {
		t.Errorf("Expected events %v, got %v", expected, got)
	}
}

func TestRegistryActivityFlipsOnlyOnChange(t *testing.T) {
	bus := events.NewEventBus(100)
	defer bus.Close()
	ch := bus.Subscribe(events.EventActivityChanged)

	r, _ := newTestRegistry(bus)
	a := mustCreate(t, r, remoteSpec("a")) // idle -> active
	b := mustCreate(t, r, remoteSpec("b")) // still active, no event
	r.Complete(a)                          // still active (b), no event
	r.Fail(b, "x")                         // active -> idle

	var flips []bool
	for {
		select {
		case e := <-ch:
			flips = append(flips, e.(*events.ActivityChangedEvent).Active)
			continue
		case <-time.After(20 * time.Millisecond):
		}
		break
	}

	if len(flips) != 2 || flips[0] != true || flips[1] != false {
		t.Errorf("Expected flips [true false], got %v", flips)
	}
}

func TestRegistryConcurrentMutations(t *testing.T) {
	r := NewRegistry(nil)

	var ids []string
	for i := 0; i < 8; i++ {
		ids = append(ids, mustCreate(t, r, remoteSpec(fmt.Sprintf("f%d", i))))
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for n := int64(0); n <= 1000; n += 10 {
				_ = r.ApplyProgress(id, Sample{Transferred: n, Total: 1000})
			}
			r.Complete(id)
		}(id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Transfers()
			_ = r.Stats()
		}()
	}
	wg.Wait()

	for _, tr := range r.Transfers() {
		if tr.Status != StatusCompleted {
			t.Errorf("Transfer %s: expected completed, got %v", tr.ID, tr.Status)
		}
		if tr.Speed < 0 {
			t.Errorf("Transfer %s: negative speed %f", tr.ID, tr.Speed)
		}
	}
}

func TestTransferKind(t *testing.T) {
	local, err := filepath.Abs("file.txt")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		src, dst string
		kind     Kind
	}{
		{"local", "sftp-1", KindUpload},
		{"sftp-1", "local", KindDownload},
		{"sftp-1", "sftp-2", KindCopy},
		{"local", "local", KindCopy},
	}

	for _, tt := range tests {
		tr := Transfer{SourceConnectionID: tt.src, DestinationConnectionID: tt.dst, SourcePath: local}
		if tr.Kind() != tt.kind {
			t.Errorf("%s -> %s: expected %v, got %v", tt.src, tt.dst, tt.kind, tr.Kind())
		}
	}
}

func TestSpecsFromSources(t *testing.T) {
	specs := SpecsFromSources("sftp-a", []string{"/tmp/a.txt", "", "/tmp/dir/b.bin", "/tmp/a.txt"}, "sftp-b", "/upload")

	if len(specs) != 2 {
		t.Fatalf("Expected 2 specs, got %d", len(specs))
	}
	if specs[0].DestinationPath != "/upload/a.txt" {
		t.Errorf("Unexpected destination: %s", specs[0].DestinationPath)
	}
	if specs[1].DestinationPath != "/upload/b.bin" {
		t.Errorf("Unexpected destination: %s", specs[1].DestinationPath)
	}
	if specs[1].SourceConnectionID != "sftp-a" || specs[1].DestinationConnectionID != "sftp-b" {
		t.Errorf("Connection ids not carried over: %+v", specs[1])
	}
}
