package room

import "time"

// Order tracks the sequence of plays within a round. List is append-only for
// the round; once Failed flips true, FailedAt is frozen until the next
// round.
type Order struct {
	List       []string
	LastNumber *int
	Failed     bool
	FailedAt   *int
	// Total is the authoritative participant count for the round. It takes
	// precedence over the live presence count when deciding completion.
	Total     *int
	DecidedAt *time.Time
}

// Contains reports whether the player already played this round.
func (o Order) Contains(playerID string) bool {
	for _, id := range o.List {
		if id == playerID {
			return true
		}
	}
	return false
}

// ApplyPlay appends one play to the order. It is idempotent by player
// identity: a duplicate play returns the order unchanged, so a retried
// commit can never double-count toward completion or move FailedAt.
//
// The ordering rule is non-strict ascending: only a strict decrease against
// the previous LastNumber marks the round failed, and the first failure
// freezes FailedAt at the index just appended. The first play of a round
// always succeeds.
func ApplyPlay(o Order, playerID string, num int) Order {
	if o.Contains(playerID) {
		return o
	}

	next := o
	next.List = append(append([]string(nil), o.List...), playerID)
	prev := o.LastNumber
	n := num
	next.LastNumber = &n

	if !o.Failed && prev != nil && num < *prev {
		idx := len(next.List) - 1
		next.Failed = true
		next.FailedAt = &idx
	}
	return next
}

// FinishInput carries the facts ShouldFinishAfterPlay needs, captured after
// a play has been applied.
type FinishInput struct {
	NextListLength int
	Total          *int
	PresenceCount  *int
	NextFailed     bool
	AllowContinue  bool
}

// ShouldFinishAfterPlay decides whether the round ends with this play.
//
// A failed play ends the round immediately unless the host allowed
// continuing. Otherwise the round ends once everyone has played: Total when
// known, the live presence count as a fallback. When neither count is known
// the round is treated as not yet determined and keeps going. A Total of
// zero or less is treated as unset.
func ShouldFinishAfterPlay(in FinishInput) bool {
	if in.NextFailed && !in.AllowContinue {
		return true
	}
	target, ok := finishTarget(in.Total, in.PresenceCount)
	if !ok {
		return false
	}
	return in.NextListLength >= target
}

func finishTarget(total, presence *int) (int, bool) {
	if total != nil && *total > 0 {
		return *total, true
	}
	if presence != nil && *presence > 0 {
		return *presence, true
	}
	return 0, false
}
