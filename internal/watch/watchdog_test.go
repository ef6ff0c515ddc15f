package watch

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/louisbranch/cardroom/internal/errors"
	"github.com/louisbranch/cardroom/internal/room"
)

// manualClock lets tests move time explicitly.
type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time          { return c.now }
func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fakeReader struct {
	snapshots []Snapshot
	err       error
	reads     int
}

func (r *fakeReader) ReadPrimary(_ context.Context, roomID string) (Snapshot, error) {
	r.reads++
	if r.err != nil {
		return Snapshot{}, r.err
	}
	snap := r.snapshots[0]
	if len(r.snapshots) > 1 {
		r.snapshots = r.snapshots[1:]
	}
	return snap, nil
}

func newTestWatchdog(reader Reader, clock *manualClock) *Watchdog {
	w := New(reader, Config{
		StaleAfter:        30 * time.Second,
		TransientBackoff:  []time.Duration{time.Second, 2 * time.Second, 5 * time.Second},
		PermissionBackoff: []time.Duration{10 * time.Second, 30 * time.Second},
		ResumeProbeAfter:  time.Minute,
		ProbeRetryDelay:   2 * time.Second,
		Clock:             clock.Now,
	})
	return w
}

func snapAt(roomID string, version uint64) Snapshot {
	return Snapshot{Room: room.Room{ID: roomID, Status: room.StatusPlaying, StatusVersion: version}}
}

func TestServerSnapshotMovesInitialToOK(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	w := newTestWatchdog(&fakeReader{}, clock)
	w.SetRoom("room-1")

	if got := w.Health(); got != HealthInitial {
		t.Fatalf("health = %q, want initial", got)
	}
	if !w.Ingest(snapAt("room-1", 1)) {
		t.Fatal("snapshot not applied")
	}
	if got := w.Health(); got != HealthOK {
		t.Fatalf("health = %q, want ok", got)
	}
	if got := w.Version(); got != 1 {
		t.Fatalf("version = %d", got)
	}
}

func TestOlderVersionNeverApplied(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	w := newTestWatchdog(&fakeReader{}, clock)
	w.SetRoom("room-1")
	w.Ingest(snapAt("room-1", 5))

	if w.Ingest(snapAt("room-1", 4)) {
		t.Fatal("stale listener snapshot applied")
	}
	if w.ApplySyncPatch("room-1", 3, room.Room{Status: room.StatusReveal}) {
		t.Fatal("stale sync patch applied")
	}
	if got := w.Version(); got != 5 {
		t.Fatalf("version = %d, want 5", got)
	}

	// Equal and newer versions pass through both channels.
	if !w.ApplySyncPatch("room-1", 5, room.Room{Status: room.StatusReveal}) {
		t.Fatal("equal-version sync patch dropped")
	}
	if !w.Ingest(snapAt("room-1", 6)) {
		t.Fatal("newer snapshot dropped")
	}
}

func TestCachedSnapshotNeverAdvancesFreshness(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	w := newTestWatchdog(&fakeReader{}, clock)
	w.SetRoom("room-1")
	w.Ingest(snapAt("room-1", 1))

	clock.Advance(29 * time.Second)
	cached := snapAt("room-1", 2)
	cached.FromCache = true
	if !w.Ingest(cached) {
		t.Fatal("cached snapshot should still refresh data")
	}
	if got := w.Version(); got != 2 {
		t.Fatalf("version = %d, want 2", got)
	}

	// Freshness still dates from the server snapshot, so two more seconds
	// tip the health over to stale.
	clock.Advance(2 * time.Second)
	if got := w.Health(); got != HealthStale {
		t.Fatalf("health = %q, want stale", got)
	}

	// A server-confirmed snapshot restores ok.
	w.Ingest(snapAt("room-1", 3))
	if got := w.Health(); got != HealthOK {
		t.Fatalf("health = %q, want ok", got)
	}
}

func TestCachedSnapshotKeepsErrorState(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	w := newTestWatchdog(&fakeReader{}, clock)
	w.SetRoom("room-1")
	w.Ingest(snapAt("room-1", 1))
	w.ListenerError(apperrors.New(apperrors.KindUnavailable, "stream reset"))

	cached := snapAt("room-1", 2)
	cached.FromCache = true
	w.Ingest(cached)
	if w.LastError() == nil {
		t.Fatal("cached snapshot cleared the error state")
	}
	if got := w.Health(); got != HealthRecovering {
		t.Fatalf("health = %q, want recovering", got)
	}

	w.Ingest(snapAt("room-1", 3))
	if w.LastError() != nil {
		t.Fatal("server snapshot should clear the error state")
	}
}

func TestTypedBackoffSchedules(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	w := newTestWatchdog(&fakeReader{}, clock)
	w.SetRoom("room-1")
	w.Ingest(snapAt("room-1", 1))

	transient := apperrors.New(apperrors.KindUnavailable, "stream reset")
	want := []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, d := range want {
		if got := w.ListenerError(transient); got != d {
			t.Fatalf("transient delay %d = %v, want %v", i, got, d)
		}
	}
	if got := w.Health(); got != HealthRecovering {
		t.Fatalf("health = %q, want recovering", got)
	}

	// Success resets the schedule back to its first step.
	w.Ingest(snapAt("room-1", 2))
	if got := w.ListenerError(transient); got != time.Second {
		t.Fatalf("delay after reset = %v, want 1s", got)
	}

	// Permission errors run their own slower schedule.
	denied := apperrors.New(apperrors.KindPermissionDenied, "no access")
	if got := w.ListenerError(denied); got != 10*time.Second {
		t.Fatalf("permission delay = %v, want 10s", got)
	}
	if got := w.Health(); got != HealthBlocked {
		t.Fatalf("health = %q, want blocked", got)
	}
}

func TestResubscribeDueRespectsBackoff(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	w := newTestWatchdog(&fakeReader{}, clock)
	w.SetRoom("room-1")
	w.Ingest(snapAt("room-1", 1))
	w.ListenerError(apperrors.New(apperrors.KindUnavailable, "stream reset"))

	if w.ResubscribeDue() {
		t.Fatal("due before backoff elapsed")
	}
	clock.Advance(time.Second)
	if !w.ResubscribeDue() {
		t.Fatal("not due after backoff elapsed")
	}
}

func TestBlockedExitsOnlyThroughRecheck(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	w := newTestWatchdog(&fakeReader{}, clock)
	w.SetRoom("room-1")
	w.Ingest(snapAt("room-1", 1))
	w.ListenerError(apperrors.New(apperrors.KindVersionMismatch, "app update required"))

	clock.Advance(time.Hour)
	if w.ResubscribeDue() {
		t.Fatal("blocked watchdog resubscribed on its own")
	}

	w.RecheckAccess(false)
	if got := w.Health(); got != HealthBlocked {
		t.Fatalf("health = %q, want still blocked", got)
	}

	w.RecheckAccess(true)
	if got := w.Health(); got != HealthRecovering {
		t.Fatalf("health = %q, want recovering", got)
	}
	if !w.ResubscribeDue() {
		t.Fatal("recheck should allow immediate resubscribe")
	}
}

func TestClearedRoomPausesListener(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	w := newTestWatchdog(&fakeReader{}, clock)
	w.SetRoom("room-1")
	w.Ingest(snapAt("room-1", 1))

	w.SetRoom("")
	if got := w.Health(); got != HealthPaused {
		t.Fatalf("health = %q, want paused", got)
	}
	if w.Ingest(snapAt("room-1", 2)) {
		t.Fatal("paused watchdog applied a snapshot")
	}
	if _, ok := w.Room(); ok {
		t.Fatal("paused watchdog kept stale room data")
	}
}

func TestSnapshotForOtherRoomDropped(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	w := newTestWatchdog(&fakeReader{}, clock)
	w.SetRoom("room-1")

	if w.Ingest(snapAt("room-2", 1)) {
		t.Fatal("applied snapshot for another room")
	}
	if w.ApplySyncPatch("room-2", 1, room.Room{}) {
		t.Fatal("applied sync patch for another room")
	}
}

func TestVisibilityResumeProbesAfterLongAbsence(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	reader := &fakeReader{snapshots: []Snapshot{snapAt("room-1", 4)}}
	w := newTestWatchdog(reader, clock)
	w.SetRoom("room-1")
	w.Ingest(snapAt("room-1", 1))

	w.VisibilityHidden()
	clock.Advance(2 * time.Minute)

	res, err := w.VisibilityResumed(context.Background())
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !res.Probed || !res.Applied || res.RetryAfter != 0 {
		t.Fatalf("result = %+v, want applied probe without retry", res)
	}
	if got := w.Version(); got != 4 {
		t.Fatalf("version = %d, want 4", got)
	}
}

func TestVisibilityResumeSkipsProbeAfterShortAbsence(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	reader := &fakeReader{snapshots: []Snapshot{snapAt("room-1", 4)}}
	w := newTestWatchdog(reader, clock)
	w.SetRoom("room-1")
	w.Ingest(snapAt("room-1", 1))

	w.VisibilityHidden()
	clock.Advance(10 * time.Second)

	res, err := w.VisibilityResumed(context.Background())
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Probed || reader.reads != 0 {
		t.Fatalf("short absence still probed: %+v reads=%d", res, reader.reads)
	}
}

func TestCachedProbeSchedulesExactlyOneRetry(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	cached := snapAt("room-1", 2)
	cached.FromCache = true
	reader := &fakeReader{snapshots: []Snapshot{cached, cached}}
	w := newTestWatchdog(reader, clock)
	w.SetRoom("room-1")
	w.Ingest(snapAt("room-1", 1))

	w.VisibilityHidden()
	clock.Advance(2 * time.Minute)

	res, err := w.VisibilityResumed(context.Background())
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.RetryAfter != 2*time.Second {
		t.Fatalf("retryAfter = %v, want 2s", res.RetryAfter)
	}

	// The retry observing another cached read must not re-arm itself.
	res, err = w.RetryProbe(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.RetryAfter != 0 {
		t.Fatal("cached retry re-armed another retry")
	}
}

func TestProbeFailureFeedsBackoff(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	reader := &fakeReader{err: apperrors.New(apperrors.KindUnavailable, "primary unreachable")}
	w := newTestWatchdog(reader, clock)
	w.SetRoom("room-1")
	w.Ingest(snapAt("room-1", 1))

	w.VisibilityHidden()
	clock.Advance(2 * time.Minute)

	if _, err := w.VisibilityResumed(context.Background()); err == nil {
		t.Fatal("expected probe error")
	}
	if got := w.Health(); got != HealthRecovering {
		t.Fatalf("health = %q, want recovering", got)
	}
}
