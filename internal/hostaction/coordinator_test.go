package hostaction

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/louisbranch/cardroom/internal/errors"
)

type fakeCaller struct {
	calls []Request
	err   error
}

func (f *fakeCaller) Call(_ context.Context, action Action, roomID string, req Request) error {
	f.calls = append(f.calls, req)
	return f.err
}

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time          { return c.now }
func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestCoordinator(caller Caller, clock *manualClock) *Coordinator {
	ids := 0
	return New(caller, "sess-1", Config{
		Cooldown:   time.Second,
		StuckAfter: 8 * time.Second,
		Clock:      clock.Now,
		NewRequestID: func() string {
			ids++
			return string(rune('a' + ids - 1))
		},
	})
}

func TestDispatchRecordsExpectedVersion(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	caller := &fakeCaller{}
	c := newTestCoordinator(caller, clock)

	p, err := c.Dispatch(context.Background(), ActionStart, "room-1", 4, Request{AutoDeal: true})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if p.ExpectedVersion != 5 {
		t.Fatalf("expectedVersion = %d, want 5", p.ExpectedVersion)
	}
	if len(caller.calls) != 1 {
		t.Fatalf("calls = %d", len(caller.calls))
	}
	if caller.calls[0].RequestID == "" || caller.calls[0].SessionID != "sess-1" {
		t.Fatalf("request = %+v", caller.calls[0])
	}
	if !caller.calls[0].AutoDeal {
		t.Fatal("payload field dropped")
	}
	if _, pending := c.Pending(); !pending {
		t.Fatal("no pending action recorded")
	}
}

func TestCooldownCoalescesDoubleClick(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	caller := &fakeCaller{}
	c := newTestCoordinator(caller, clock)

	if _, err := c.Dispatch(context.Background(), ActionStart, "room-1", 4, Request{}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	c.ObserveVersion("room-1", 5)

	clock.Advance(200 * time.Millisecond)
	if _, err := c.Dispatch(context.Background(), ActionStart, "room-1", 5, Request{}); !errors.Is(err, ErrCooldown) {
		t.Fatalf("err = %v, want cooldown", err)
	}
	if len(caller.calls) != 1 {
		t.Fatalf("coalesced dispatch still called out: %d calls", len(caller.calls))
	}

	clock.Advance(time.Second)
	if _, err := c.Dispatch(context.Background(), ActionReset, "room-1", 5, Request{}); err != nil {
		t.Fatalf("dispatch after cooldown: %v", err)
	}
}

func TestPendingActionBlocksNextDispatch(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	c := newTestCoordinator(&fakeCaller{}, clock)

	if _, err := c.Dispatch(context.Background(), ActionStart, "room-1", 4, Request{}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	clock.Advance(2 * time.Second)
	if _, err := c.Dispatch(context.Background(), ActionReset, "room-1", 4, Request{}); !errors.Is(err, ErrActionPending) {
		t.Fatalf("err = %v, want pending", err)
	}
}

func TestObserveVersionClearsPendingEarly(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	c := newTestCoordinator(&fakeCaller{}, clock)
	if _, err := c.Dispatch(context.Background(), ActionStart, "room-1", 4, Request{}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if c.ObserveVersion("room-1", 4) {
		t.Fatal("cleared below expected version")
	}
	if c.ObserveVersion("room-2", 9) {
		t.Fatal("cleared on another room's version")
	}
	if !c.ObserveVersion("room-1", 6) {
		t.Fatal("did not clear at or past expected version")
	}
	if _, pending := c.Pending(); pending {
		t.Fatal("pending state survived confirmation")
	}
}

func TestStuckTimerForceClearsAsTimeout(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	c := newTestCoordinator(&fakeCaller{}, clock)
	if _, err := c.Dispatch(context.Background(), ActionStart, "room-1", 4, Request{}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	clock.Advance(7 * time.Second)
	if c.CheckStuck() {
		t.Fatal("cleared before the stuck bound")
	}
	clock.Advance(2 * time.Second)
	if !c.CheckStuck() {
		t.Fatal("stuck action not cleared")
	}
	if _, pending := c.Pending(); pending {
		t.Fatal("pending state survived the stuck clear")
	}
	if kind := apperrors.KindOf(c.LastFailure()); kind != apperrors.KindTimeout {
		t.Fatalf("failure kind = %q, want timeout", kind)
	}

	// The host is free to retry immediately after a stuck clear.
	clock.Advance(time.Second)
	if _, err := c.Dispatch(context.Background(), ActionStart, "room-1", 4, Request{}); err != nil {
		t.Fatalf("retry after stuck: %v", err)
	}
}

func TestDispatchFailureClearsPending(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	caller := &fakeCaller{err: apperrors.New(apperrors.KindUnavailable, "service down")}
	c := newTestCoordinator(caller, clock)

	if _, err := c.Dispatch(context.Background(), ActionStart, "room-1", 4, Request{}); err == nil {
		t.Fatal("expected dispatch error")
	}
	if _, pending := c.Pending(); pending {
		t.Fatal("failed dispatch left pending state")
	}
	if c.LastFailure() == nil {
		t.Fatal("failure not recorded")
	}

	// Distinct request ids across retries.
	caller.err = nil
	clock.Advance(2 * time.Second)
	if _, err := c.Dispatch(context.Background(), ActionStart, "room-1", 4, Request{}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if caller.calls[0].RequestID == caller.calls[1].RequestID {
		t.Fatal("request id reused across dispatches")
	}
}

func TestDispatchFailureDoesNotStartCooldown(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	caller := &fakeCaller{err: apperrors.New(apperrors.KindUnavailable, "service down")}
	c := newTestCoordinator(caller, clock)

	if _, err := c.Dispatch(context.Background(), ActionStart, "room-1", 4, Request{}); err == nil {
		t.Fatal("expected dispatch error")
	}

	// An immediate retry after a failure is not a double-click.
	caller.err = nil
	clock.Advance(100 * time.Millisecond)
	if _, err := c.Dispatch(context.Background(), ActionStart, "room-1", 4, Request{}); err != nil {
		t.Fatalf("retry inside the cooldown window: %v", err)
	}
	if len(caller.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(caller.calls))
	}
}
