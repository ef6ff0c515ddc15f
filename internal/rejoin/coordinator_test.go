package rejoin

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/louisbranch/cardroom/internal/errors"
	"github.com/louisbranch/cardroom/internal/retry"
	"github.com/louisbranch/cardroom/internal/room"
	"github.com/louisbranch/cardroom/internal/storage"
)

// fakeStore is an in-memory storage.Store. Transactions apply directly;
// failBegins injects failWith (conflicts by default) for the first n
// Transact calls.
type fakeStore struct {
	rooms      map[string]room.Room
	players    map[string]map[string]room.Player
	requests   map[string]storage.RejoinRequest
	failBegins int
	failWith   error
	putCalls   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rooms:    make(map[string]room.Room),
		players:  make(map[string]map[string]room.Player),
		requests: make(map[string]storage.RejoinRequest),
	}
}

func requestKey(roomID, uid string) string { return roomID + "/" + uid }

func (s *fakeStore) Transact(_ context.Context, fn func(tx storage.Tx) error) error {
	if s.failBegins > 0 {
		s.failBegins--
		if s.failWith != nil {
			return s.failWith
		}
		return storage.ErrConflict
	}
	return fn(&fakeTx{store: s})
}

func (s *fakeStore) GetRoom(_ context.Context, id string) (room.Room, error) {
	r, ok := s.rooms[id]
	if !ok {
		return room.Room{}, storage.ErrNotFound
	}
	return r, nil
}

func (s *fakeStore) PendingRequests(_ context.Context, roomID string) ([]storage.RejoinRequest, error) {
	var pending []storage.RejoinRequest
	for _, req := range s.requests {
		if req.RoomID == roomID && req.Status == storage.RequestPending {
			pending = append(pending, req)
		}
	}
	return pending, nil
}

type fakeTx struct {
	store *fakeStore
}

func (t *fakeTx) Room(id string) (room.Room, error) {
	r, ok := t.store.rooms[id]
	if !ok {
		return room.Room{}, storage.ErrNotFound
	}
	return r, nil
}

func (t *fakeTx) PutRoom(r room.Room) error {
	t.store.putCalls++
	r.StatusVersion = room.NextVersion(r.StatusVersion)
	t.store.rooms[r.ID] = r
	return nil
}

func (t *fakeTx) Player(roomID, playerID string) (room.Player, error) {
	p, ok := t.store.players[roomID][playerID]
	if !ok {
		return room.Player{}, storage.ErrNotFound
	}
	return p, nil
}

func (t *fakeTx) PutPlayer(roomID string, p room.Player) error {
	t.store.putCalls++
	if t.store.players[roomID] == nil {
		t.store.players[roomID] = make(map[string]room.Player)
	}
	t.store.players[roomID][p.ID] = p
	return nil
}

func (t *fakeTx) PatchPlayer(roomID, playerID string, patch storage.PlayerPatch) error {
	t.store.putCalls++
	p, ok := t.store.players[roomID][playerID]
	if !ok {
		return storage.ErrNotFound
	}
	if patch.LastSeen != nil {
		p.LastSeen = *patch.LastSeen
	}
	if patch.UID != nil {
		p.UID = *patch.UID
	}
	if patch.JoinedAt != nil {
		p.JoinedAt = *patch.JoinedAt
	}
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	t.store.players[roomID][playerID] = p
	return nil
}

func (t *fakeTx) Players(roomID string) ([]room.Player, error) {
	var players []room.Player
	for _, p := range t.store.players[roomID] {
		players = append(players, p)
	}
	return players, nil
}

func (t *fakeTx) Request(roomID, uid string) (storage.RejoinRequest, error) {
	req, ok := t.store.requests[requestKey(roomID, uid)]
	if !ok {
		return storage.RejoinRequest{}, storage.ErrNotFound
	}
	return req, nil
}

func (t *fakeTx) PutRequest(req storage.RejoinRequest) error {
	t.store.putCalls++
	t.store.requests[requestKey(req.RoomID, req.UID)] = req
	return nil
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func noSleepCoordinator(store storage.Store, at time.Time) *Coordinator {
	c := NewCoordinator(store, fixedClock(at))
	c.policy.Sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestAcceptMissingRequest(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	c := noSleepCoordinator(store, time.Now())

	outcome, err := c.AcceptPendingRequest(context.Background(), "room-1", "uid-1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if outcome != OutcomeMissing {
		t.Fatalf("outcome = %q, want missing", outcome)
	}
}

func TestAcceptAlreadyAcceptedIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	accepted := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.requests[requestKey("room-1", "uid-1")] = storage.RejoinRequest{
		RoomID:     "room-1",
		UID:        "uid-1",
		Status:     storage.RequestAccepted,
		CreatedAt:  accepted,
		AcceptedAt: &accepted,
	}
	c := noSleepCoordinator(store, accepted.Add(time.Minute))

	outcome, err := c.AcceptPendingRequest(context.Background(), "room-1", "uid-1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if outcome != OutcomeAlready {
		t.Fatalf("outcome = %q, want already", outcome)
	}
	if store.putCalls != 0 {
		t.Fatalf("idempotent accept performed %d writes", store.putCalls)
	}
}

func TestAcceptRejectedShortCircuits(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.requests[requestKey("room-1", "uid-1")] = storage.RejoinRequest{
		RoomID:    "room-1",
		UID:       "uid-1",
		Status:    storage.RequestRejected,
		CreatedAt: time.Now(),
	}
	c := noSleepCoordinator(store, time.Now())

	outcome, err := c.AcceptPendingRequest(context.Background(), "room-1", "uid-1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if outcome != OutcomeRejected {
		t.Fatalf("outcome = %q, want rejected", outcome)
	}
	if store.putCalls != 0 {
		t.Fatalf("rejected request triggered %d writes", store.putCalls)
	}
}

func TestAcceptSynthesizesPlayerAndUpdatesRoster(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := newFakeStore()
	total := 2
	store.rooms["room-1"] = room.Room{
		ID:            "room-1",
		Status:        room.StatusWaiting,
		StatusVersion: 3,
		Order:         room.Order{Total: &total},
		Deal:          &room.Deal{Players: []string{"p1", "p2"}},
		CreatedAt:     now.Add(-time.Hour),
		UpdatedAt:     now.Add(-time.Hour),
	}
	store.players["room-1"] = map[string]room.Player{
		"p1": {ID: "p1", Avatar: "fox"},
		"p2": {ID: "p2", Avatar: "owl"},
	}
	store.requests[requestKey("room-1", "uid-9")] = storage.RejoinRequest{
		RoomID:      "room-1",
		UID:         "uid-9",
		Status:      storage.RequestPending,
		DisplayName: "Grace",
		CreatedAt:   now.Add(-time.Minute),
	}

	c := noSleepCoordinator(store, now)
	outcome, err := c.AcceptPendingRequest(context.Background(), "room-1", "uid-9")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if outcome != OutcomeAccepted {
		t.Fatalf("outcome = %q, want accepted", outcome)
	}

	p, ok := store.players["room-1"]["uid-9"]
	if !ok {
		t.Fatal("player not synthesized")
	}
	if p.Name != "Grace" || p.UID != "uid-9" {
		t.Fatalf("synthesized player = %+v", p)
	}
	if p.Avatar == "fox" || p.Avatar == "owl" || p.Avatar == "" {
		t.Fatalf("avatar %q should be unused from the palette", p.Avatar)
	}

	r := store.rooms["room-1"]
	if len(r.Deal.Players) != 3 || r.Deal.Players[2] != "uid-9" {
		t.Fatalf("roster = %v, want uid-9 appended", r.Deal.Players)
	}
	if r.Order.Total == nil || *r.Order.Total != 3 {
		t.Fatalf("total = %v, want 3", r.Order.Total)
	}

	req := store.requests[requestKey("room-1", "uid-9")]
	if req.Status != storage.RequestAccepted || req.AcceptedAt == nil {
		t.Fatalf("request = %+v, want accepted with timestamp", req)
	}
}

func TestAcceptPatchesExistingPlayerFields(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.rooms["room-1"] = room.Room{
		ID: "room-1", Status: room.StatusWaiting, StatusVersion: 1,
		CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour),
	}
	num := 7
	store.players["room-1"] = map[string]room.Player{
		"uid-9": {ID: "uid-9", Name: "Old Name", Avatar: "bear", Number: &num, Ready: true, JoinedAt: now.Add(-time.Hour)},
	}
	store.requests[requestKey("room-1", "uid-9")] = storage.RejoinRequest{
		RoomID: "room-1", UID: "uid-9", Status: storage.RequestPending,
		DisplayName: "New Name", CreatedAt: now.Add(-time.Minute),
	}

	c := noSleepCoordinator(store, now)
	if _, err := c.AcceptPendingRequest(context.Background(), "room-1", "uid-9"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	p := store.players["room-1"]["uid-9"]
	if p.Name != "New Name" {
		t.Fatalf("name not patched: %q", p.Name)
	}
	if p.UID != "uid-9" {
		t.Fatalf("missing uid not filled: %q", p.UID)
	}
	if !p.LastSeen.Equal(now) {
		t.Fatalf("lastSeen = %v, want %v", p.LastSeen, now)
	}
	// Unrelated fields stay untouched.
	if p.Avatar != "bear" || !p.Ready || p.Number == nil || *p.Number != 7 {
		t.Fatalf("unrelated fields clobbered: %+v", p)
	}
	if !p.JoinedAt.Equal(now.Add(-time.Hour)) {
		t.Fatalf("joinedAt overwritten: %v", p.JoinedAt)
	}
}

func TestAcceptExhaustionForceRejects(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.requests[requestKey("room-1", "uid-9")] = storage.RejoinRequest{
		RoomID: "room-1", UID: "uid-9", Status: storage.RequestPending,
		CreatedAt: now.Add(-time.Minute),
	}
	store.failBegins = 3 // every accept attempt conflicts

	c := noSleepCoordinator(store, now)
	outcome, err := c.AcceptPendingRequest(context.Background(), "room-1", "uid-9")
	if !errors.Is(err, retry.ErrExhausted) {
		t.Fatalf("err = %v, want exhausted", err)
	}
	if outcome != OutcomeRejected {
		t.Fatalf("outcome = %q, want rejected", outcome)
	}

	req := store.requests[requestKey("room-1", "uid-9")]
	if req.Status != storage.RequestRejected {
		t.Fatalf("request left %q, want rejected", req.Status)
	}
	if req.FailureReason == "" {
		t.Fatal("failure reason not recorded")
	}
	if req.RejectedAt == nil || !req.RejectedAt.Equal(now) {
		t.Fatalf("rejectedAt = %v, want %v", req.RejectedAt, now)
	}
}

func TestAcceptRetriesTransientStoreErrors(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.requests[requestKey("room-1", "uid-9")] = storage.RejoinRequest{
		RoomID: "room-1", UID: "uid-9", Status: storage.RequestPending,
		CreatedAt: now.Add(-time.Minute),
	}
	store.failBegins = 3
	store.failWith = apperrors.New(apperrors.KindUnavailable, "store briefly down")

	c := noSleepCoordinator(store, now)
	outcome, err := c.AcceptPendingRequest(context.Background(), "room-1", "uid-9")
	if !errors.Is(err, retry.ErrExhausted) {
		t.Fatalf("err = %v, want exhausted after retrying the transient failure", err)
	}
	if outcome != OutcomeRejected {
		t.Fatalf("outcome = %q, want rejected", outcome)
	}

	// Exhaustion still force-rejects; the request never stays pending.
	req := store.requests[requestKey("room-1", "uid-9")]
	if req.Status != storage.RequestRejected || req.FailureReason == "" {
		t.Fatalf("request = %+v, want rejected with reason", req)
	}
}

func TestAcceptRoomVanishedRejectsRequest(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.requests[requestKey("room-1", "uid-9")] = storage.RejoinRequest{
		RoomID: "room-1", UID: "uid-9", Status: storage.RequestPending,
		CreatedAt: now.Add(-time.Minute),
	}

	c := noSleepCoordinator(store, now)
	outcome, err := c.AcceptPendingRequest(context.Background(), "room-1", "uid-9")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if outcome != OutcomeRejected {
		t.Fatalf("outcome = %q, want rejected", outcome)
	}
	req := store.requests[requestKey("room-1", "uid-9")]
	if req.Status != storage.RequestRejected || req.FailureReason == "" {
		t.Fatalf("request = %+v, want rejected with reason", req)
	}
}

func TestProcessRecallAcceptsAllPending(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.rooms["room-1"] = room.Room{
		ID: "room-1", Status: room.StatusWaiting, StatusVersion: 1,
		CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour),
	}
	for _, uid := range []string{"uid-1", "uid-2"} {
		store.requests[requestKey("room-1", uid)] = storage.RejoinRequest{
			RoomID: "room-1", UID: uid, Status: storage.RequestPending,
			CreatedAt: now.Add(-time.Minute),
		}
	}

	c := noSleepCoordinator(store, now)
	if err := c.ProcessRecall(context.Background(), "room-1"); err != nil {
		t.Fatalf("process recall: %v", err)
	}
	for _, uid := range []string{"uid-1", "uid-2"} {
		if got := store.requests[requestKey("room-1", uid)].Status; got != storage.RequestAccepted {
			t.Fatalf("request %s = %q, want accepted", uid, got)
		}
	}
}

func TestPickAvatarFallbackIsDeterministic(t *testing.T) {
	t.Parallel()

	taken := make(map[string]bool)
	for _, avatar := range avatarPalette {
		taken[avatar] = true
	}
	first := pickAvatar(taken, "uid-9")
	second := pickAvatar(taken, "uid-9")
	if first != second {
		t.Fatalf("fallback not deterministic: %q vs %q", first, second)
	}
	if first == "" {
		t.Fatal("fallback returned empty avatar")
	}
}
