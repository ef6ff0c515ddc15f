// Package watch keeps a client's view of a room document fresh. The watchdog
// folds snapshots from the live listener and the fast sync-patch channel into
// a single monotonically versioned view, tracks subscription health, and
// schedules resubscription backoff when the listener fails.
package watch

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/louisbranch/cardroom/internal/errors"
	"github.com/louisbranch/cardroom/internal/retry"
	"github.com/louisbranch/cardroom/internal/room"
)

// Health is the watchdog's view of the room subscription.
type Health string

const (
	// HealthInitial means no server-confirmed snapshot has arrived yet.
	HealthInitial Health = "initial"
	// HealthOK means the last server snapshot is within the staleness bound.
	HealthOK Health = "ok"
	// HealthStale means the last server snapshot is older than the bound.
	HealthStale Health = "stale"
	// HealthRecovering means a resubscription with backoff is in progress.
	HealthRecovering Health = "recovering"
	// HealthBlocked means access failed; only a recheck can clear it.
	HealthBlocked Health = "blocked"
	// HealthPaused means the listener is deliberately suspended.
	HealthPaused Health = "paused"
)

// Snapshot is one delivery from the room listener. FromCache marks reads the
// store served locally without confirming against the primary.
type Snapshot struct {
	Room      room.Room
	FromCache bool
}

// Reader performs a one-shot read against the primary, bypassing any cache.
type Reader interface {
	ReadPrimary(ctx context.Context, roomID string) (Snapshot, error)
}

// Config tunes the watchdog. Zero values fall back to defaults.
type Config struct {
	// StaleAfter bounds how old the last server snapshot may be before the
	// health degrades to stale.
	StaleAfter time.Duration
	// TransientBackoff is the resubscription schedule for generic listener
	// errors. The last entry repeats.
	TransientBackoff []time.Duration
	// PermissionBackoff is the slower schedule for permission errors, which
	// usually need an auth refresh to clear.
	PermissionBackoff []time.Duration
	// ResumeProbeAfter is how long a tab must have been hidden before a
	// visibility resume triggers a forced primary read.
	ResumeProbeAfter time.Duration
	// ProbeRetryDelay is the single bounded retry when the probe itself
	// comes back from cache.
	ProbeRetryDelay time.Duration
	Clock           func() time.Time
}

func (c *Config) applyDefaults() {
	if c.StaleAfter == 0 {
		c.StaleAfter = 30 * time.Second
	}
	if len(c.TransientBackoff) == 0 {
		c.TransientBackoff = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}
	}
	if len(c.PermissionBackoff) == 0 {
		c.PermissionBackoff = []time.Duration{5 * time.Second, 15 * time.Second, 60 * time.Second}
	}
	if c.ResumeProbeAfter == 0 {
		c.ResumeProbeAfter = time.Minute
	}
	if c.ProbeRetryDelay == 0 {
		c.ProbeRetryDelay = 2 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Watchdog tracks one room subscription. Safe for concurrent use.
type Watchdog struct {
	mu     sync.Mutex
	cfg    Config
	reader Reader

	roomID  string
	health  Health
	current *room.Room

	lastServerSnapshotAt time.Time
	hiddenAt             time.Time

	transientFails  int
	permissionFails int
	resubscribeAt   time.Time
	probeRetried    bool
	lastErr         error
}

// New returns a paused watchdog; call SetRoom to start tracking.
func New(reader Reader, cfg Config) *Watchdog {
	cfg.applyDefaults()
	return &Watchdog{cfg: cfg, reader: reader, health: HealthPaused}
}

// SetRoom switches the tracked room. An empty id suspends the listener; a new
// id resets all state for a fresh subscription.
func (w *Watchdog) SetRoom(roomID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if roomID == "" {
		w.roomID = ""
		w.health = HealthPaused
		w.current = nil
		w.lastServerSnapshotAt = time.Time{}
		return
	}
	if roomID == w.roomID {
		return
	}
	w.roomID = roomID
	w.health = HealthInitial
	w.current = nil
	w.lastServerSnapshotAt = time.Time{}
	w.resetBackoffLocked()
}

// Health returns the current subscription health, degrading ok to stale when
// the last server snapshot has aged past the bound.
func (w *Watchdog) Health() Health {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.healthLocked()
}

func (w *Watchdog) healthLocked() Health {
	if w.health == HealthOK && w.cfg.Clock().Sub(w.lastServerSnapshotAt) > w.cfg.StaleAfter {
		w.health = HealthStale
	}
	return w.health
}

// Room returns a copy of the last applied snapshot, if any.
func (w *Watchdog) Room() (room.Room, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return room.Room{}, false
	}
	return *w.current, true
}

// Version returns the status version currently applied.
func (w *Watchdog) Version() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return 0
	}
	return w.current.StatusVersion
}

// Ingest folds a listener delivery into the view. It reports whether the
// snapshot was applied; older versions are discarded. A cached snapshot may
// refresh the displayed data but never advances health or the freshness
// clock.
func (w *Watchdog) Ingest(snap Snapshot) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.health == HealthPaused || snap.Room.ID != w.roomID {
		return false
	}
	if w.current != nil && room.IsStaleVersion(w.current.StatusVersion, snap.Room.StatusVersion) {
		return false
	}

	r := snap.Room
	w.current = &r

	if snap.FromCache {
		return true
	}

	w.lastServerSnapshotAt = w.cfg.Clock()
	w.lastErr = nil
	w.probeRetried = false
	w.resetBackoffLocked()
	if w.health != HealthBlocked {
		w.health = HealthOK
	}
	return true
}

// ApplySyncPatch folds a fast-path notification into the view. The patch is
// best-effort: it is dropped when it targets another room or carries a
// version older than what is already applied.
func (w *Watchdog) ApplySyncPatch(roomID string, version uint64, patch room.Room) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.health == HealthPaused || roomID != w.roomID {
		return false
	}
	if w.current != nil && room.IsStaleVersion(w.current.StatusVersion, version) {
		return false
	}
	patch.ID = roomID
	patch.StatusVersion = version
	w.current = &patch
	return true
}

// ListenerError records a subscription failure and returns how long to wait
// before resubscribing. Permission and version errors block the watchdog;
// everything else backs off on the transient schedule.
func (w *Watchdog) ListenerError(err error) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastErr = err
	now := w.cfg.Clock()

	var delay time.Duration
	switch apperrors.KindOf(err) {
	case apperrors.KindPermissionDenied, apperrors.KindVersionMismatch:
		delay = backoffDelay(w.cfg.PermissionBackoff, w.permissionFails)
		w.permissionFails++
		w.health = HealthBlocked
	default:
		delay = backoffDelay(w.cfg.TransientBackoff, w.transientFails)
		w.transientFails++
		w.health = HealthRecovering
	}
	w.resubscribeAt = now.Add(delay)
	return delay
}

// ResubscribeDue reports whether the scheduled backoff has elapsed. Blocked
// watchdogs never resubscribe on their own; RecheckAccess gates that path.
func (w *Watchdog) ResubscribeDue() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.health != HealthRecovering {
		return false
	}
	return !w.cfg.Clock().Before(w.resubscribeAt)
}

// RecheckAccess resolves a blocked watchdog. A positive recheck moves it into
// recovering so the caller resubscribes immediately; a negative one keeps it
// blocked.
func (w *Watchdog) RecheckAccess(allowed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.health != HealthBlocked {
		return
	}
	if allowed {
		w.health = HealthRecovering
		w.resubscribeAt = w.cfg.Clock()
	}
}

// LastError returns the most recent listener error, cleared by the next
// server-confirmed snapshot.
func (w *Watchdog) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// VisibilityHidden marks the tab as backgrounded.
func (w *Watchdog) VisibilityHidden() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hiddenAt = w.cfg.Clock()
}

// ProbeResult reports what a visibility-resume probe observed.
type ProbeResult struct {
	Probed     bool
	Applied    bool
	Latency    time.Duration
	RetryAfter time.Duration
}

// VisibilityResumed runs the foreground reconciliation. After a long enough
// absence it issues one forced primary read and measures its latency; if that
// read still came from cache it asks for exactly one bounded retry via
// RetryAfter. Short absences skip the probe and rely on the listener.
func (w *Watchdog) VisibilityResumed(ctx context.Context) (ProbeResult, error) {
	w.mu.Lock()
	if w.health == HealthPaused || w.roomID == "" {
		w.mu.Unlock()
		return ProbeResult{}, nil
	}
	hiddenFor := w.cfg.Clock().Sub(w.hiddenAt)
	if w.hiddenAt.IsZero() || hiddenFor < w.cfg.ResumeProbeAfter {
		w.mu.Unlock()
		return ProbeResult{}, nil
	}
	roomID := w.roomID
	w.hiddenAt = time.Time{}
	w.mu.Unlock()

	return w.probe(ctx, roomID)
}

func (w *Watchdog) probe(ctx context.Context, roomID string) (ProbeResult, error) {
	start := w.cfg.Clock()
	snap, err := w.reader.ReadPrimary(ctx, roomID)
	if err != nil {
		w.ListenerError(err)
		return ProbeResult{Probed: true}, err
	}
	latency := w.cfg.Clock().Sub(start)

	res := ProbeResult{Probed: true, Latency: latency}
	if snap.FromCache {
		w.mu.Lock()
		retryAllowed := !w.probeRetried
		w.probeRetried = true
		w.mu.Unlock()
		res.Applied = w.Ingest(snap)
		if retryAllowed {
			res.RetryAfter = w.cfg.ProbeRetryDelay
		}
		return res, nil
	}
	res.Applied = w.Ingest(snap)
	return res, nil
}

// RetryProbe performs the single cached-read retry scheduled by a probe.
func (w *Watchdog) RetryProbe(ctx context.Context) (ProbeResult, error) {
	w.mu.Lock()
	roomID := w.roomID
	paused := w.health == HealthPaused
	w.mu.Unlock()
	if paused || roomID == "" {
		return ProbeResult{}, nil
	}
	res, err := w.probe(ctx, roomID)
	// Whatever the retry observed, it was the one retry allowed.
	res.RetryAfter = 0
	return res, err
}

func (w *Watchdog) resetBackoffLocked() {
	w.transientFails = 0
	w.permissionFails = 0
	w.resubscribeAt = time.Time{}
}

// backoffDelay indexes schedule by zero-based failure count, repeating the
// last entry so the delay stays capped.
func backoffDelay(schedule []time.Duration, failures int) time.Duration {
	p := retry.Policy{Backoff: schedule}
	return p.Delay(failures + 1)
}
