package spectator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

const defaultRejoinTimeout = 15 * time.Second

// Services is the outbound surface the runner invokes for effects. All calls
// are idempotent for a given session id.
type Services interface {
	RequestRejoin(ctx context.Context, sessionID, roomID, source string) error
	CancelRejoin(ctx context.Context, sessionID, roomID string) error
	EndSession(ctx context.Context, sessionID, roomID, reason string) error
}

// Runner owns a session, feeding events through Transition and executing the
// resulting effects. Dispatch is serialized; effect failures are logged and,
// for the rejoin request, fed back into the machine as a rejection so the
// viewer sees the failure instead of waiting forever. A pending rejoin
// request is bounded by a soft timeout that self-cancels it.
type Runner struct {
	mu       sync.Mutex
	session  Session
	services Services
	logf     func(format string, args ...any)

	rejoinTimeout time.Duration
	rejoinTimer   *time.Timer
	newTimer      func(d time.Duration, fn func()) *time.Timer
}

// NewRunner wraps session with the given services.
func NewRunner(session Session, services Services) *Runner {
	return &Runner{
		session:       session,
		services:      services,
		logf:          log.Printf,
		rejoinTimeout: defaultRejoinTimeout,
		newTimer:      time.AfterFunc,
	}
}

// Session returns a copy of the current machine state.
func (r *Runner) Session() Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Dispatch applies ev and runs its effects. The returned session reflects the
// state after the transition and any failure feedback.
func (r *Runner) Dispatch(ctx context.Context, ev Event) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, effects := Transition(r.session, ev)
	r.session = next

	var errs []error
	for _, effect := range effects {
		if err := r.run(ctx, effect); err != nil {
			r.logf("spectator %s: %s effect: %v", effect.SessionID, effect.Kind, err)
			errs = append(errs, err)
			if effect.Kind == CallRequestRejoin {
				r.session, _ = Transition(r.session, Event{
					Type:   EventRejoinRejected,
					Reason: err.Error(),
				})
			}
		}
	}
	r.syncRejoinTimer()
	return r.session, errors.Join(errs...)
}

func (r *Runner) run(ctx context.Context, effect Effect) error {
	switch effect.Kind {
	case CallRequestRejoin:
		return r.services.RequestRejoin(ctx, effect.SessionID, effect.RoomID, effect.Source)
	case CallCancelRejoin:
		return r.services.CancelRejoin(ctx, effect.SessionID, effect.RoomID)
	case CallEndSession:
		return r.services.EndSession(ctx, effect.SessionID, effect.RoomID, effect.Reason)
	}
	return nil
}

// syncRejoinTimer arms the pending timeout on entry to rejoinPending and
// stops it on any exit. Called with the runner lock held.
func (r *Runner) syncRejoinTimer() {
	if r.session.State == StateRejoinPending {
		if r.rejoinTimer == nil {
			r.rejoinTimer = r.newTimer(r.rejoinTimeout, r.timeoutPending)
		}
		return
	}
	if r.rejoinTimer != nil {
		r.rejoinTimer.Stop()
		r.rejoinTimer = nil
	}
}

// timeoutPending runs on the timer goroutine. The machine ignores the event
// if the session already left rejoinPending.
func (r *Runner) timeoutPending() {
	if _, err := r.Dispatch(context.Background(), Event{Type: EventRejoinTimeout}); err != nil {
		r.logf("spectator %s: rejoin timeout: %v", r.Session().ID, err)
	}
}
