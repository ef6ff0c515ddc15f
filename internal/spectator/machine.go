// Package spectator models the lifecycle of a single spectator session as an
// explicit state machine. Transition is pure; side effects come back as a list
// of service calls for the caller (see Runner) to execute.
package spectator

// State is the lifecycle phase of a spectator session.
type State string

const (
	StateIdle               State = "idle"
	StateReady              State = "ready"
	StateInviting           State = "inviting"
	StateWatching           State = "watching"
	StateInvitationRejected State = "invitationRejected"
	StateRejoinPending      State = "rejoinPending"
	StateRejoinApproved     State = "rejoinApproved"
	StateRejoinRejected     State = "rejoinRejected"
	StateEnded              State = "ended"
)

// Terminal reports whether the session can make no further transitions.
func (s State) Terminal() bool { return s == StateEnded }

// Snapshot is the rejoin request document as observed by the client,
// attached to REJOIN_SNAPSHOT events for display while pending.
type Snapshot struct {
	Status        string
	DisplayName   string
	FailureReason string
}

// Session is the client-held machine state. It is a value; Transition
// returns a new Session rather than mutating its input.
type Session struct {
	ID              string
	RoomID          string
	ViewerUID       string
	State           State
	PendingInviteID string
	RejoinSnapshot  *Snapshot
	Err             string
}

// NewSession returns an idle session for the given ids.
func NewSession(id, roomID, viewerUID string) Session {
	return Session{ID: id, RoomID: roomID, ViewerUID: viewerUID, State: StateIdle}
}

// EventType names the inputs the machine reacts to.
type EventType string

const (
	EventSessionInit    EventType = "SESSION_INIT"
	EventInviteConsume  EventType = "INVITE_CONSUME"
	EventInviteAccepted EventType = "INVITE_ACCEPTED"
	EventInviteFailed   EventType = "INVITE_FAILED"
	EventRequestRejoin  EventType = "REQUEST_REJOIN"
	EventRejoinSnapshot EventType = "REJOIN_SNAPSHOT"
	EventRejoinAccepted EventType = "REJOIN_ACCEPTED"
	EventRejoinRejected EventType = "REJOIN_REJECTED"
	EventRejoinTimeout  EventType = "REJOIN_TIMEOUT"
	EventSessionEnd     EventType = "SESSION_END"
	EventSessionError   EventType = "SESSION_ERROR"
)

// Event carries an input and its payload. Only the fields relevant to the
// event type are set.
type Event struct {
	Type     EventType
	InviteID string
	Source   string
	Reason   string
	Message  string
	Snapshot *Snapshot
}

// CallKind names the outbound service invocation an effect asks for.
type CallKind string

const (
	CallRequestRejoin CallKind = "requestRejoin"
	CallCancelRejoin  CallKind = "cancelRejoin"
	CallEndSession    CallKind = "endSession"
)

// Effect is a deferred service call produced by a transition.
type Effect struct {
	Kind      CallKind
	SessionID string
	RoomID    string
	Source    string
	Reason    string
}

// Transition applies ev to s and returns the next session plus the effects
// the transition demands. Unrecognized events in a given state are ignored.
func Transition(s Session, ev Event) (Session, []Effect) {
	if s.State.Terminal() {
		return s, nil
	}

	// SESSION_ERROR and SESSION_END apply from any non-terminal state.
	switch ev.Type {
	case EventSessionError:
		next := s
		next.State = StateEnded
		next.Err = ev.Message
		return next, nil
	case EventSessionEnd:
		next := s
		next.State = StateEnded
		next.Err = ev.Reason
		effects := []Effect{{Kind: CallEndSession, SessionID: s.ID, RoomID: s.RoomID, Reason: ev.Reason}}
		if s.State == StateRejoinApproved {
			// Leaving rejoinApproved withdraws the standing request first.
			effects = append([]Effect{{Kind: CallCancelRejoin, SessionID: s.ID, RoomID: s.RoomID}}, effects...)
		}
		return next, effects
	}

	switch s.State {
	case StateIdle:
		if ev.Type == EventSessionInit {
			next := s
			next.State = StateReady
			return next, nil
		}
	case StateReady:
		if ev.Type == EventInviteConsume {
			next := s
			next.State = StateInviting
			next.PendingInviteID = ev.InviteID
			return next, nil
		}
	case StateInviting:
		switch ev.Type {
		case EventInviteAccepted:
			next := s
			next.State = StateWatching
			next.PendingInviteID = ""
			return next, nil
		case EventInviteFailed:
			next := s
			next.State = StateInvitationRejected
			next.PendingInviteID = ""
			next.Err = ev.Reason
			return next, nil
		}
	case StateWatching:
		if ev.Type == EventRequestRejoin {
			return enterRejoinPending(s, ev.Source)
		}
	case StateRejoinPending:
		switch ev.Type {
		case EventRejoinAccepted:
			return approveRejoin(s, nil), nil
		case EventRejoinRejected:
			return rejectRejoin(s, ev.Reason), nil
		case EventRejoinTimeout:
			// The request self-cancels rather than waiting forever; the
			// server-side cancel is best effort.
			next := rejectRejoin(s, "rejoin request timed out")
			return next, []Effect{{Kind: CallCancelRejoin, SessionID: s.ID, RoomID: s.RoomID}}
		case EventRejoinSnapshot:
			if ev.Snapshot == nil {
				return s, nil
			}
			switch ev.Snapshot.Status {
			case "accepted":
				return approveRejoin(s, ev.Snapshot), nil
			case "rejected":
				return rejectRejoin(s, ev.Snapshot.FailureReason), nil
			default:
				// Still pending; keep the snapshot current for display.
				next := s
				next.RejoinSnapshot = ev.Snapshot
				return next, nil
			}
		}
	case StateRejoinRejected:
		if ev.Type == EventRequestRejoin {
			return enterRejoinPending(s, ev.Source)
		}
	}

	return s, nil
}

// enterRejoinPending clears any stale rejection state before re-arming the
// request, so a prior failure never leaks into the new pending cycle.
func enterRejoinPending(s Session, source string) (Session, []Effect) {
	next := s
	next.State = StateRejoinPending
	next.Err = ""
	next.RejoinSnapshot = nil
	return next, []Effect{{
		Kind:      CallRequestRejoin,
		SessionID: s.ID,
		RoomID:    s.RoomID,
		Source:    source,
	}}
}

func approveRejoin(s Session, snap *Snapshot) Session {
	next := s
	next.State = StateRejoinApproved
	next.Err = ""
	if snap != nil {
		next.RejoinSnapshot = snap
	}
	return next
}

func rejectRejoin(s Session, reason string) Session {
	next := s
	next.State = StateRejoinRejected
	next.Err = reason
	next.RejoinSnapshot = nil
	return next
}
