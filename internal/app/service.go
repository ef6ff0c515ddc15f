// Package app hosts the room service: the mutating API surface over the
// transactional store, the rejoin trigger path, and the realtime snapshot
// fan-out. Handlers stay transport-only; game decisions live in the room
// domain package and run inside store transactions here.
package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/cardroom/internal/errors"
	"github.com/louisbranch/cardroom/internal/platform/id"
	"github.com/louisbranch/cardroom/internal/presence"
	"github.com/louisbranch/cardroom/internal/rejoin"
	"github.com/louisbranch/cardroom/internal/room"
	"github.com/louisbranch/cardroom/internal/storage"
)

const (
	maxNumber            = 100
	maxIdempotencyRecord = 4000
)

// Store is the persistence surface the service needs: the transactional
// document store plus commit notifications for the realtime fan-out.
type Store interface {
	storage.Store
	OnRoomChange(fn func(room.Room))
}

// RoomService implements the mutating room operations. All writes go through
// store transactions; the status version fence inside PutRoom turns lost
// races into retryable conflicts.
type RoomService struct {
	store    Store
	rejoins  *rejoin.Coordinator
	presence *presence.Registry
	clock    func() time.Time
	newID    func() (string, error)
	deal     func(n int) []int
	tracer   trace.Tracer

	mu           sync.Mutex
	resultsByReq map[string]room.Room
	resultOrder  []string
}

// NewRoomService wires the service against its store.
func NewRoomService(store Store, reg *presence.Registry, clock func() time.Time) *RoomService {
	if clock == nil {
		clock = time.Now
	}
	return &RoomService{
		store:        store,
		rejoins:      rejoin.NewCoordinator(store, clock),
		presence:     reg,
		clock:        clock,
		newID:        id.NewID,
		deal:         dealNumbers,
		tracer:       otel.Tracer("cardroom/room"),
		resultsByReq: make(map[string]room.Room),
	}
}

// dealNumbers hands out n distinct numbers in [1, maxNumber]. Callers keep
// n within the pool; Start rejects rosters larger than maxNumber.
func dealNumbers(n int) []int {
	pool := rand.Perm(maxNumber)
	numbers := make([]int, n)
	for i := 0; i < n; i++ {
		numbers[i] = pool[i] + 1
	}
	return numbers
}

// CreateRoom opens a new waiting room owned by hostID.
func (s *RoomService) CreateRoom(ctx context.Context, hostID, hostName string, opts room.Options) (room.Room, error) {
	ctx, span := s.tracer.Start(ctx, "room.create")
	defer span.End()

	roomID, err := s.newID()
	if err != nil {
		return room.Room{}, fmt.Errorf("generate room id: %w", err)
	}
	now := s.clock()
	r := room.Room{
		ID:        roomID,
		Status:    room.StatusWaiting,
		HostID:    hostID,
		Options:   opts,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.store.Transact(ctx, func(tx storage.Tx) error {
		if err := tx.PutRoom(r); err != nil {
			return err
		}
		r.StatusVersion = room.NextVersion(r.StatusVersion)
		return tx.PutPlayer(roomID, room.Player{
			ID:       hostID,
			UID:      hostID,
			Name:     hostName,
			JoinedAt: now,
			LastSeen: now,
		})
	})
	if err != nil {
		return room.Room{}, s.classify(err)
	}
	return r, nil
}

// Join seats a player in a waiting room.
func (s *RoomService) Join(ctx context.Context, roomID, playerID, name string) error {
	ctx, span := s.tracer.Start(ctx, "room.join")
	defer span.End()

	now := s.clock()
	err := s.store.Transact(ctx, func(tx storage.Tx) error {
		r, err := tx.Room(roomID)
		if err != nil {
			return err
		}
		if r.Status != room.StatusWaiting {
			return apperrors.New(apperrors.KindConflict, "room is no longer accepting players")
		}
		if _, err := tx.Player(roomID, playerID); err == nil {
			return tx.PatchPlayer(roomID, playerID, storage.PlayerPatch{LastSeen: &now, Name: &name})
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return tx.PutPlayer(roomID, room.Player{
			ID:       playerID,
			UID:      playerID,
			Name:     name,
			JoinedAt: now,
			LastSeen: now,
		})
	})
	return s.classify(err)
}

// StartParams carries the host's start action.
type StartParams struct {
	RoomID          string
	RequestID       string
	ExpectedVersion uint64
	AutoDeal        bool
	AllowContinue   bool
	TopicType       string
}

// Start moves a waiting room into the clue phase, dealing numbers when the
// host asked for auto deal. Replays with a known request id return the first
// result without re-applying.
func (s *RoomService) Start(ctx context.Context, p StartParams) (room.Room, error) {
	ctx, span := s.tracer.Start(ctx, "room.start")
	defer span.End()

	if cached, ok := s.replay(p.RequestID); ok {
		return cached, nil
	}

	var result room.Room
	now := s.clock()
	err := s.store.Transact(ctx, func(tx storage.Tx) error {
		r, err := tx.Room(p.RoomID)
		if err != nil {
			return err
		}
		if err := s.checkExpectation(r, p.ExpectedVersion); err != nil {
			return err
		}
		if !room.IsStatusTransitionAllowed(r.Status, room.StatusClue) {
			return apperrors.New(apperrors.KindConflict,
				fmt.Sprintf("cannot start a room in status %q", r.Status))
		}
		players, err := tx.Players(p.RoomID)
		if err != nil {
			return err
		}
		if len(players) == 0 {
			return apperrors.New(apperrors.KindConflict, "cannot start an empty room")
		}
		if len(players) > maxNumber {
			return apperrors.New(apperrors.KindConflict,
				fmt.Sprintf("cannot deal more than %d players", maxNumber))
		}

		r.Status = room.StatusClue
		r.Options.AutoDeal = p.AutoDeal
		r.Options.AllowContinue = p.AllowContinue
		if p.TopicType != "" {
			r.Options.TopicType = p.TopicType
		}
		total := len(players)
		r.Order = room.Order{Total: &total}
		if p.AutoDeal {
			r.Deal = newDeal(players, s.deal, now)
		} else {
			r.Deal = nil
		}
		r.Result = nil
		r.UpdatedAt = now
		if err := tx.PutRoom(r); err != nil {
			return err
		}
		r.StatusVersion = room.NextVersion(r.StatusVersion)
		result = r
		return nil
	})
	if err != nil {
		return room.Room{}, s.classify(err)
	}
	s.remember(p.RequestID, result)
	return result, nil
}

func newDeal(players []room.Player, deal func(int) []int, now time.Time) *room.Deal {
	ids := make([]string, len(players))
	for i, p := range players {
		ids[i] = p.ID
	}
	numbers := deal(len(ids))
	byPlayer := make(map[string]int, len(ids))
	for i, playerID := range ids {
		byPlayer[playerID] = numbers[i]
	}
	return &room.Deal{Players: ids, Numbers: byPlayer, DealtAt: now}
}

// ResetParams carries the host's reset action.
type ResetParams struct {
	RoomID           string
	RequestID        string
	ExpectedVersion  uint64
	RecallSpectators bool
}

// Reset returns the room to the waiting lobby. With RecallSpectators set,
// every pending rejoin request is processed once the reset commits, so
// recalled spectators are seated before the next round starts.
func (s *RoomService) Reset(ctx context.Context, p ResetParams) (room.Room, error) {
	ctx, span := s.tracer.Start(ctx, "room.reset")
	defer span.End()

	if cached, ok := s.replay(p.RequestID); ok {
		return cached, nil
	}

	var result room.Room
	now := s.clock()
	err := s.store.Transact(ctx, func(tx storage.Tx) error {
		r, err := tx.Room(p.RoomID)
		if err != nil {
			return err
		}
		if err := s.checkExpectation(r, p.ExpectedVersion); err != nil {
			return err
		}
		r = room.Reset(r, now)
		if err := tx.PutRoom(r); err != nil {
			return err
		}
		r.StatusVersion = room.NextVersion(r.StatusVersion)
		result = r
		return nil
	})
	if err != nil {
		return room.Room{}, s.classify(err)
	}

	if p.RecallSpectators {
		if err := s.rejoins.ProcessRecall(ctx, p.RoomID); err != nil {
			return room.Room{}, s.classify(err)
		}
		r, err := s.store.GetRoom(ctx, p.RoomID)
		if err == nil {
			result = r
		}
	}
	s.remember(p.RequestID, result)
	return result, nil
}

// NextRoundParams carries the host's next-round action.
type NextRoundParams struct {
	RoomID          string
	RequestID       string
	ExpectedVersion uint64
}

// NextRound recycles a revealed or finished room straight into a fresh clue
// phase with the same roster and options, dealing again when auto deal is
// on. It is the reset-then-start composite, committed atomically.
func (s *RoomService) NextRound(ctx context.Context, p NextRoundParams) (room.Room, error) {
	ctx, span := s.tracer.Start(ctx, "room.next_round")
	defer span.End()

	if cached, ok := s.replay(p.RequestID); ok {
		return cached, nil
	}

	var result room.Room
	now := s.clock()
	err := s.store.Transact(ctx, func(tx storage.Tx) error {
		r, err := tx.Room(p.RoomID)
		if err != nil {
			return err
		}
		if err := s.checkExpectation(r, p.ExpectedVersion); err != nil {
			return err
		}
		if r.Status != room.StatusReveal && r.Status != room.StatusFinished {
			return apperrors.New(apperrors.KindConflict,
				fmt.Sprintf("cannot advance a room in status %q", r.Status))
		}
		players, err := tx.Players(p.RoomID)
		if err != nil {
			return err
		}
		if len(players) > maxNumber {
			return apperrors.New(apperrors.KindConflict,
				fmt.Sprintf("cannot deal more than %d players", maxNumber))
		}

		r = room.Reset(r, now)
		r.Status = room.StatusClue
		total := len(players)
		r.Order = room.Order{Total: &total}
		if r.Options.AutoDeal {
			r.Deal = newDeal(players, s.deal, now)
		}
		if err := tx.PutRoom(r); err != nil {
			return err
		}
		r.StatusVersion = room.NextVersion(r.StatusVersion)
		result = r
		return nil
	})
	if err != nil {
		return room.Room{}, s.classify(err)
	}
	s.remember(p.RequestID, result)
	return result, nil
}

// CommitPlay applies one player's play to the round order. The play is
// idempotent by player identity; a duplicate commit returns the current room
// without another write. When the play completes the round the room moves to
// finished with its result recorded.
func (s *RoomService) CommitPlay(ctx context.Context, roomID, playerID string) (room.Room, error) {
	ctx, span := s.tracer.Start(ctx, "room.commit_play")
	defer span.End()

	var result room.Room
	now := s.clock()
	err := s.store.Transact(ctx, func(tx storage.Tx) error {
		r, err := tx.Room(roomID)
		if err != nil {
			return err
		}
		if r.Status != room.StatusClue && r.Status != room.StatusPlaying {
			return apperrors.New(apperrors.KindConflict,
				fmt.Sprintf("cannot play in status %q", r.Status))
		}
		if r.Deal == nil {
			return apperrors.New(apperrors.KindConflict, "round has no deal")
		}
		num, ok := r.Deal.Numbers[playerID]
		if !ok {
			return apperrors.New(apperrors.KindNotFound, "player was not dealt into this round")
		}

		if r.Order.Contains(playerID) {
			result = r
			return nil
		}

		next := room.ApplyPlay(r.Order, playerID, num)
		var presenceCount *int
		if s.presence != nil {
			if n := s.presence.ActiveCount(roomID); n > 0 {
				presenceCount = &n
			}
		}
		finish := room.ShouldFinishAfterPlay(room.FinishInput{
			NextListLength: len(next.List),
			Total:          next.Total,
			PresenceCount:  presenceCount,
			NextFailed:     next.Failed,
			AllowContinue:  r.Options.AllowContinue,
		})

		r.Order = next
		if r.Status == room.StatusClue {
			r.Status = room.StatusPlaying
		}
		if finish {
			r.Status = room.StatusFinished
			r.Result = &room.Result{
				Success:    !next.Failed,
				FailedAt:   next.FailedAt,
				FinishedAt: now,
			}
		}
		r.UpdatedAt = now
		if err := tx.PutRoom(r); err != nil {
			return err
		}
		r.StatusVersion = room.NextVersion(r.StatusVersion)
		result = r
		return nil
	})
	if err != nil {
		return room.Room{}, s.classify(err)
	}
	return result, nil
}

// SubmitOrder replaces the round order with the table's agreed list and
// reveals the outcome. The list must cover exactly the dealt roster.
func (s *RoomService) SubmitOrder(ctx context.Context, roomID string, list []string) (room.Room, error) {
	ctx, span := s.tracer.Start(ctx, "room.submit_order")
	defer span.End()

	var result room.Room
	now := s.clock()
	err := s.store.Transact(ctx, func(tx storage.Tx) error {
		r, err := tx.Room(roomID)
		if err != nil {
			return err
		}
		if r.Status != room.StatusClue && r.Status != room.StatusPlaying {
			return apperrors.New(apperrors.KindConflict,
				fmt.Sprintf("cannot submit an order in status %q", r.Status))
		}
		if r.Deal == nil {
			return apperrors.New(apperrors.KindConflict, "round has no deal")
		}
		if err := validateOrderList(list, r.Deal); err != nil {
			return err
		}

		next := room.Order{Total: r.Order.Total}
		for _, playerID := range list {
			next = room.ApplyPlay(next, playerID, r.Deal.Numbers[playerID])
		}
		decided := now
		next.DecidedAt = &decided

		r.Order = next
		r.Status = room.StatusReveal
		r.Result = &room.Result{
			Success:    !next.Failed,
			FailedAt:   next.FailedAt,
			FinishedAt: now,
		}
		r.UpdatedAt = now
		if err := tx.PutRoom(r); err != nil {
			return err
		}
		r.StatusVersion = room.NextVersion(r.StatusVersion)
		result = r
		return nil
	})
	if err != nil {
		return room.Room{}, s.classify(err)
	}
	return result, nil
}

func validateOrderList(list []string, deal *room.Deal) error {
	if len(list) != len(deal.Players) {
		return apperrors.New(apperrors.KindConflict, "order must cover the whole roster")
	}
	seen := make(map[string]bool, len(list))
	for _, playerID := range list {
		if seen[playerID] {
			return apperrors.New(apperrors.KindConflict, "order repeats a player")
		}
		seen[playerID] = true
		if _, ok := deal.Numbers[playerID]; !ok {
			return apperrors.New(apperrors.KindNotFound,
				"order includes a player outside the deal")
		}
	}
	return nil
}

// RequestRejoin records a spectator's durable ask to be re-seated. Re-issuing
// after a rejection re-arms the request to pending. When the room is already
// back in the lobby the request is processed immediately instead of waiting
// for the next recall.
func (s *RoomService) RequestRejoin(ctx context.Context, roomID, uid, displayName string) (storage.RejoinRequest, error) {
	ctx, span := s.tracer.Start(ctx, "room.request_rejoin")
	defer span.End()

	var (
		req     storage.RejoinRequest
		waiting bool
	)
	now := s.clock()
	err := s.store.Transact(ctx, func(tx storage.Tx) error {
		r, err := tx.Room(roomID)
		if err != nil {
			return err
		}
		waiting = r.Status == room.StatusWaiting

		existing, err := tx.Request(roomID, uid)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			req = storage.RejoinRequest{
				RoomID:      roomID,
				UID:         uid,
				Status:      storage.RequestPending,
				DisplayName: displayName,
				CreatedAt:   now,
			}
		case err != nil:
			return err
		case existing.Status == storage.RequestAccepted:
			req = existing
			return nil
		default:
			req = existing
			req.Status = storage.RequestPending
			req.DisplayName = displayName
			req.RejectedAt = nil
			req.FailureReason = ""
		}
		return tx.PutRequest(req)
	})
	if err != nil {
		return storage.RejoinRequest{}, s.classify(err)
	}

	if waiting && req.Status == storage.RequestPending {
		if _, err := s.rejoins.AcceptPendingRequest(ctx, roomID, uid); err != nil {
			return storage.RejoinRequest{}, s.classify(err)
		}
		err = s.store.Transact(ctx, func(tx storage.Tx) error {
			latest, err := tx.Request(roomID, uid)
			if err != nil {
				return err
			}
			req = latest
			return nil
		})
		if err != nil {
			return storage.RejoinRequest{}, s.classify(err)
		}
	}
	return req, nil
}

// CancelRejoin withdraws a pending rejoin request. Terminal or missing
// requests are left alone.
func (s *RoomService) CancelRejoin(ctx context.Context, roomID, uid string) error {
	ctx, span := s.tracer.Start(ctx, "room.cancel_rejoin")
	defer span.End()

	now := s.clock()
	err := s.store.Transact(ctx, func(tx storage.Tx) error {
		req, err := tx.Request(roomID, uid)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if req.Status != storage.RequestPending {
			return nil
		}
		req.Status = storage.RequestRejected
		req.RejectedAt = &now
		req.FailureReason = "cancelled by viewer"
		return tx.PutRequest(req)
	})
	return s.classify(err)
}

// EndSession drops a viewer's presence and withdraws any pending rejoin ask.
func (s *RoomService) EndSession(ctx context.Context, roomID, sessionID, uid string) error {
	ctx, span := s.tracer.Start(ctx, "room.end_session")
	defer span.End()

	if s.presence != nil {
		s.presence.MarkOffline(roomID, sessionID)
	}
	if uid == "" {
		return nil
	}
	return s.CancelRejoin(ctx, roomID, uid)
}

// Heartbeat refreshes a session's presence record.
func (s *RoomService) Heartbeat(roomID, sessionID string) {
	if s.presence != nil {
		s.presence.Heartbeat(roomID, sessionID)
	}
}

// GetRoom reads the authoritative room state from the primary.
func (s *RoomService) GetRoom(ctx context.Context, roomID string) (room.Room, error) {
	r, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return room.Room{}, s.classify(err)
	}
	return r, nil
}

// Players lists the seated players of a room.
func (s *RoomService) Players(ctx context.Context, roomID string) ([]room.Player, error) {
	var players []room.Player
	err := s.store.Transact(ctx, func(tx storage.Tx) error {
		var err error
		players, err = tx.Players(roomID)
		return err
	})
	if err != nil {
		return nil, s.classify(err)
	}
	return players, nil
}

// checkExpectation enforces the caller's optimistic version fence. Zero
// means no expectation.
func (s *RoomService) checkExpectation(r room.Room, expected uint64) error {
	if expected != 0 && r.StatusVersion != expected {
		return apperrors.New(apperrors.KindConflict,
			fmt.Sprintf("room version moved to %d", r.StatusVersion))
	}
	return nil
}

// classify maps storage sentinels onto the boundary taxonomy.
func (s *RoomService) classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return apperrors.Wrap(apperrors.KindNotFound, "record not found", err)
	case errors.Is(err, storage.ErrConflict):
		return apperrors.Wrap(apperrors.KindConflict, "write conflict", err)
	default:
		return err
	}
}

// replay returns the cached result for a known request id.
func (s *RoomService) replay(requestID string) (room.Room, bool) {
	if requestID == "" {
		return room.Room{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resultsByReq[requestID]
	return r, ok
}

// remember caches a successful mutating result under its request id, with
// bounded eviction of the oldest entries.
func (s *RoomService) remember(requestID string, r room.Room) {
	if requestID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resultsByReq[requestID]; !ok {
		s.resultOrder = append(s.resultOrder, requestID)
		if len(s.resultOrder) > maxIdempotencyRecord {
			evict := s.resultOrder[0]
			s.resultOrder = s.resultOrder[1:]
			delete(s.resultsByReq, evict)
		}
	}
	s.resultsByReq[requestID] = r
}
