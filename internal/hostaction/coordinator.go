// Package hostaction debounces and tracks the host's mutating room actions.
// Each dispatch records the status version the action is expected to produce,
// then waits for the live room feed to confirm it: an observed version at or
// past the expectation clears the pending state early, and a stuck bound
// force-clears it as failed so the host is never locked out of retrying.
package hostaction

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/louisbranch/cardroom/internal/errors"
	"github.com/louisbranch/cardroom/internal/room"
)

// Action names a host mutating call.
type Action string

const (
	ActionStart     Action = "start"
	ActionReset     Action = "reset"
	ActionNextRound Action = "next-round"
)

// Request carries the action payload. RequestID is filled in by the
// coordinator; repeated deliveries with the same id are deduplicated
// server-side, so retries are always safe.
type Request struct {
	RequestID        string
	SessionID        string
	AutoDeal         bool
	TopicType        string
	RecallSpectators bool
}

// Caller performs the actual remote invocation.
type Caller interface {
	Call(ctx context.Context, action Action, roomID string, req Request) error
}

var (
	// ErrCooldown means the dispatch arrived inside the double-click window
	// and was coalesced with the previous one.
	ErrCooldown = errors.New("host action within cooldown window")
	// ErrActionPending means a previous action is still waiting for its
	// version to arrive.
	ErrActionPending = errors.New("host action already pending")
)

// Pending describes the in-flight action.
type Pending struct {
	Action          Action
	RoomID          string
	RequestID       string
	ExpectedVersion uint64
	StartedAt       time.Time
}

// Config tunes the coordinator. Zero values fall back to defaults.
type Config struct {
	// Cooldown is the minimum gap between consecutive dispatches.
	Cooldown time.Duration
	// StuckAfter bounds how long an action may stay pending without its
	// expected version arriving.
	StuckAfter time.Duration
	Clock      func() time.Time
	// NewRequestID is injectable for tests; defaults to a random UUID.
	NewRequestID func() string
}

func (c *Config) applyDefaults() {
	if c.Cooldown == 0 {
		c.Cooldown = 750 * time.Millisecond
	}
	if c.StuckAfter == 0 {
		c.StuckAfter = 8 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.NewRequestID == nil {
		c.NewRequestID = uuid.NewString
	}
}

// Coordinator serializes a host's mutating actions against one room view.
// Safe for concurrent use.
type Coordinator struct {
	mu     sync.Mutex
	cfg    Config
	caller Caller

	sessionID    string
	pending      *Pending
	lastDispatch time.Time
	lastFailure  error
}

// New builds a coordinator bound to one host session.
func New(caller Caller, sessionID string, cfg Config) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{cfg: cfg, caller: caller, sessionID: sessionID}
}

// Dispatch invokes action against roomID. currentVersion is the status
// version of the room view the host is acting on; the call is expected to
// bump it by one. Dispatches inside the cooldown window or while another
// action is pending are rejected without calling out.
func (c *Coordinator) Dispatch(ctx context.Context, action Action, roomID string, currentVersion uint64, req Request) (Pending, error) {
	c.mu.Lock()
	now := c.cfg.Clock()
	if c.pending != nil {
		c.mu.Unlock()
		return Pending{}, ErrActionPending
	}
	if !c.lastDispatch.IsZero() && now.Sub(c.lastDispatch) < c.cfg.Cooldown {
		c.mu.Unlock()
		return Pending{}, ErrCooldown
	}

	req.RequestID = c.cfg.NewRequestID()
	req.SessionID = c.sessionID
	p := Pending{
		Action:          action,
		RoomID:          roomID,
		RequestID:       req.RequestID,
		ExpectedVersion: room.NextVersion(currentVersion),
		StartedAt:       now,
	}
	c.pending = &p
	c.lastDispatch = now
	c.lastFailure = nil
	c.mu.Unlock()

	if err := c.caller.Call(ctx, action, roomID, req); err != nil {
		c.mu.Lock()
		if c.pending != nil && c.pending.RequestID == p.RequestID {
			c.pending = nil
			c.lastFailure = err
			// A failed call is not a double-click; the host may retry
			// without waiting out the cooldown.
			c.lastDispatch = time.Time{}
		}
		c.mu.Unlock()
		return Pending{}, err
	}
	return p, nil
}

// ObserveVersion feeds the live room version into the coordinator. When it
// reaches or passes the expected version the pending state clears early and
// ObserveVersion reports true.
func (c *Coordinator) ObserveVersion(roomID string, version uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil || c.pending.RoomID != roomID {
		return false
	}
	if version < c.pending.ExpectedVersion {
		return false
	}
	c.pending = nil
	c.lastFailure = nil
	return true
}

// CheckStuck force-clears a pending action whose version never arrived
// within the bound. It reports true when it cleared one; the failure is
// recorded as a timeout and surfaced through LastFailure.
func (c *Coordinator) CheckStuck() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return false
	}
	if c.cfg.Clock().Sub(c.pending.StartedAt) < c.cfg.StuckAfter {
		return false
	}
	c.lastFailure = apperrors.New(apperrors.KindTimeout,
		string(c.pending.Action)+" did not confirm in time")
	c.pending = nil
	return true
}

// Pending returns the in-flight action, if any.
func (c *Coordinator) Pending() (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return Pending{}, false
	}
	return *c.pending, true
}

// LastFailure returns the most recent dispatch failure or stuck timeout,
// cleared by the next successful dispatch or confirmation.
func (c *Coordinator) LastFailure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFailure
}
