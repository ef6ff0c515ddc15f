package room

import "time"

// Room is one play session's authoritative server state. It is owned by the
// store and mutated only through transactional operations; clients hold read
// replicas fenced by StatusVersion.
type Room struct {
	ID            string
	Status        Status
	StatusVersion uint64
	HostID        string
	Order         Order
	Options       Options
	Deal          *Deal
	Result        *Result
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Options carries host-chosen round settings.
type Options struct {
	// AllowContinue keeps a round going after a failed play instead of
	// finishing immediately.
	AllowContinue bool
	// AutoDeal deals numbers as soon as a round starts.
	AutoDeal bool
	// TopicType selects the clue topic deck.
	TopicType string
}

// Deal records the roster and numbers handed out for the current round.
type Deal struct {
	// Players is the roster the round was dealt to. Rejoins append to it.
	Players []string
	// Numbers maps player id to the dealt number. Omitted for spectators.
	Numbers map[string]int
	DealtAt time.Time
}

// Result summarizes a finished round.
type Result struct {
	Success    bool
	FailedAt   *int
	FinishedAt time.Time
}

// Player is one seated participant, keyed by session identity.
type Player struct {
	ID         string
	UID        string
	Name       string
	Avatar     string
	Number     *int
	Clue       string
	Ready      bool
	OrderIndex int
	JoinedAt   time.Time
	LastSeen   time.Time
}

// Reset returns the room to the waiting lobby, clearing round state. The
// store advances the status version on commit, so replicas cannot mistake
// the cleared room for an older snapshot.
func Reset(r Room, now time.Time) Room {
	r.Status = StatusWaiting
	r.Order = Order{}
	r.Deal = nil
	r.Result = nil
	r.UpdatedAt = now
	return r
}
