package storage

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/cardroom/internal/room"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a write lost an optimistic-concurrency race and
	// is safe to retry against fresh state.
	ErrConflict = errors.New("write conflict")
)

// RequestStatus is the lifecycle label of a rejoin request. The status field
// is the single source of truth for "has this been processed": accepted and
// rejected are terminal, and re-entering pending re-arms processing.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestRejected RequestStatus = "rejected"
)

// RejoinRequest is a spectator's durable ask to be re-seated as a player,
// keyed by (RoomID, UID). It is the wire contract between client intent and
// the server-side coordinator.
type RejoinRequest struct {
	RoomID        string
	UID           string
	Status        RequestStatus
	DisplayName   string
	CreatedAt     time.Time
	AcceptedAt    *time.Time
	RejectedAt    *time.Time
	FailureReason string
}

// PlayerPatch is a field-scoped player update. Nil fields are left alone so
// concurrent host edits to unrelated fields are never clobbered.
type PlayerPatch struct {
	LastSeen *time.Time
	UID      *string
	JoinedAt *time.Time
	Name     *string
}

// Tx exposes per-document reads and writes inside one atomic transaction.
type Tx interface {
	Room(id string) (room.Room, error)
	// PutRoom commits the room and advances its status version. The caller's
	// copy must carry the version it read; a mismatch against the stored
	// version returns ErrConflict.
	PutRoom(r room.Room) error

	Player(roomID, playerID string) (room.Player, error)
	PutPlayer(roomID string, p room.Player) error
	PatchPlayer(roomID, playerID string, patch PlayerPatch) error
	Players(roomID string) ([]room.Player, error)

	Request(roomID, uid string) (RejoinRequest, error)
	PutRequest(req RejoinRequest) error
}

// Store is the transactional document store the room service runs on.
type Store interface {
	// Transact runs fn atomically. The callback may be retried by callers on
	// ErrConflict; implementations must leave no partial writes behind on
	// error.
	Transact(ctx context.Context, fn func(tx Tx) error) error

	// GetRoom is a one-shot authoritative read from the primary, distinct
	// from any cached replica a client may hold.
	GetRoom(ctx context.Context, id string) (room.Room, error)

	PendingRequests(ctx context.Context, roomID string) ([]RejoinRequest, error)
}
