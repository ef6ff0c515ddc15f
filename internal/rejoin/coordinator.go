// Package rejoin admits disconnected or late players back into a room's
// roster. The coordinator is driven by three triggers: a rejoin request
// being created, a request being moved back to pending, and a room
// returning to the waiting lobby. All three are safe to replay: the
// request's status field is the single source of truth for whether it has
// been processed.
package rejoin

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	apperrors "github.com/louisbranch/cardroom/internal/errors"
	"github.com/louisbranch/cardroom/internal/retry"
	"github.com/louisbranch/cardroom/internal/room"
	"github.com/louisbranch/cardroom/internal/storage"
)

// Outcome reports how an accept attempt resolved.
type Outcome string

const (
	// OutcomeAccepted means the request was processed and the player seated.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeAlready means the request had already been accepted; reported
	// as success with no additional writes.
	OutcomeAlready Outcome = "already"
	// OutcomeMissing means no request document exists for the pair.
	OutcomeMissing Outcome = "missing"
	// OutcomeRejected means the request is terminally rejected.
	OutcomeRejected Outcome = "rejected"
)

// avatarPalette is the fixed set synthesized players draw from.
var avatarPalette = []string{
	"fox", "owl", "bear", "lynx", "crane", "otter", "hare", "mole",
}

// Coordinator processes rejoin requests against the store.
type Coordinator struct {
	store  storage.Store
	clock  func() time.Time
	policy retry.Policy
}

// NewCoordinator builds a coordinator with the default retry policy:
// three attempts backed off at 0, 200ms, 800ms, retrying only transaction
// conflicts and transient store failures.
func NewCoordinator(store storage.Store, clock func() time.Time) *Coordinator {
	if clock == nil {
		clock = time.Now
	}
	return &Coordinator{
		store: store,
		clock: clock,
		policy: retry.Policy{
			MaxAttempts: 3,
			Backoff:     []time.Duration{0, 200 * time.Millisecond, 800 * time.Millisecond},
			Retryable: func(err error) bool {
				return errors.Is(err, storage.ErrConflict) || apperrors.IsRetryable(err)
			},
		},
	}
}

// AcceptPendingRequest runs the transactional accept for one (room, uid)
// pair. Terminal request states short-circuit without retrying. When every
// attempt fails, the request is force-marked rejected with the failure
// recorded, so it is never left pending forever; the error is still
// returned for logging.
func (c *Coordinator) AcceptPendingRequest(ctx context.Context, roomID, uid string) (Outcome, error) {
	if c == nil || c.store == nil {
		return "", fmt.Errorf("rejoin store is not configured")
	}

	var outcome Outcome
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		o, err := c.acceptOnce(ctx, roomID, uid)
		if err != nil {
			return err
		}
		outcome = o
		return nil
	})
	if err == nil {
		return outcome, nil
	}
	if !errors.Is(err, retry.ErrExhausted) {
		return "", err
	}

	reason := fmt.Sprintf("accept failed after %d attempts: %v", c.policy.MaxAttempts, err)
	if rejectErr := c.forceReject(ctx, roomID, uid, reason); rejectErr != nil {
		return "", errors.Join(err, rejectErr)
	}
	return OutcomeRejected, err
}

// ProcessRecall re-arms every pending request for a room. Called when the
// room transitions back to waiting with spectators recalled.
func (c *Coordinator) ProcessRecall(ctx context.Context, roomID string) error {
	pending, err := c.store.PendingRequests(ctx, roomID)
	if err != nil {
		return fmt.Errorf("list pending requests: %w", err)
	}
	var errs []error
	for _, req := range pending {
		if _, err := c.AcceptPendingRequest(ctx, req.RoomID, req.UID); err != nil {
			errs = append(errs, fmt.Errorf("accept %s/%s: %w", req.RoomID, req.UID, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) acceptOnce(ctx context.Context, roomID, uid string) (Outcome, error) {
	outcome := OutcomeAccepted
	err := c.store.Transact(ctx, func(tx storage.Tx) error {
		req, err := tx.Request(roomID, uid)
		if errors.Is(err, storage.ErrNotFound) {
			outcome = OutcomeMissing
			return nil
		}
		if err != nil {
			return err
		}

		switch req.Status {
		case storage.RequestAccepted:
			outcome = OutcomeAlready
			return nil
		case storage.RequestRejected:
			outcome = OutcomeRejected
			return nil
		}

		now := c.clock()

		r, err := tx.Room(roomID)
		if errors.Is(err, storage.ErrNotFound) {
			// The room vanished; terminal for this request.
			outcome = OutcomeRejected
			return markRejected(tx, req, now, "room not found")
		}
		if err != nil {
			return err
		}

		if err := c.seatPlayer(tx, roomID, uid, req.DisplayName, now); err != nil {
			return err
		}

		if r.Deal != nil && !containsID(r.Deal.Players, uid) {
			r.Deal.Players = append(r.Deal.Players, uid)
			total := len(r.Deal.Players)
			r.Order.Total = &total
			r.UpdatedAt = now
			if err := tx.PutRoom(r); err != nil {
				return err
			}
		}

		req.Status = storage.RequestAccepted
		req.AcceptedAt = &now
		req.RejectedAt = nil
		req.FailureReason = ""
		outcome = OutcomeAccepted
		return tx.PutRequest(req)
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// seatPlayer synthesizes a player record when none exists, or patches only
// the fields that changed so concurrent host edits are never clobbered.
func (c *Coordinator) seatPlayer(tx storage.Tx, roomID, uid, displayName string, now time.Time) error {
	player, err := tx.Player(roomID, uid)
	if errors.Is(err, storage.ErrNotFound) {
		taken := make(map[string]bool)
		players, listErr := tx.Players(roomID)
		if listErr != nil {
			return listErr
		}
		for _, p := range players {
			taken[p.Avatar] = true
		}
		return tx.PutPlayer(roomID, room.Player{
			ID:       uid,
			UID:      uid,
			Name:     displayName,
			Avatar:   pickAvatar(taken, uid),
			JoinedAt: now,
			LastSeen: now,
		})
	}
	if err != nil {
		return err
	}

	patch := storage.PlayerPatch{LastSeen: &now}
	if player.UID == "" {
		patch.UID = &uid
	}
	if player.JoinedAt.IsZero() {
		patch.JoinedAt = &now
	}
	if displayName != "" && player.Name != displayName {
		patch.Name = &displayName
	}
	return tx.PatchPlayer(roomID, uid, patch)
}

func (c *Coordinator) forceReject(ctx context.Context, roomID, uid, reason string) error {
	return c.store.Transact(ctx, func(tx storage.Tx) error {
		req, err := tx.Request(roomID, uid)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		// Only a pending request can be failed; terminal states stand.
		if req.Status != storage.RequestPending {
			return nil
		}
		return markRejected(tx, req, c.clock(), reason)
	})
}

func markRejected(tx storage.Tx, req storage.RejoinRequest, now time.Time, reason string) error {
	req.Status = storage.RequestRejected
	req.RejectedAt = &now
	req.FailureReason = reason
	return tx.PutRequest(req)
}

// pickAvatar returns the first unused avatar in palette order, falling back
// to a deterministic uid-keyed choice when every avatar is taken.
func pickAvatar(taken map[string]bool, uid string) string {
	for _, avatar := range avatarPalette {
		if !taken[avatar] {
			return avatar
		}
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(uid))
	return avatarPalette[int(h.Sum32())%len(avatarPalette)]
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
