package room

import "strings"

// Status describes the room lifecycle label used by domain decisions.
type Status string

const (
	StatusUnspecified Status = ""
	StatusWaiting     Status = "waiting"
	StatusClue        Status = "clue"
	StatusPlaying     Status = "playing"
	StatusReveal      Status = "reveal"
	StatusFinished    Status = "finished"
)

// ParseStatus canonicalizes a status label.
func ParseStatus(value string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "waiting":
		return StatusWaiting, true
	case "clue":
		return StatusClue, true
	case "playing":
		return StatusPlaying, true
	case "reveal":
		return StatusReveal, true
	case "finished":
		return StatusFinished, true
	default:
		return StatusUnspecified, false
	}
}

// IsStatusTransitionAllowed reports whether a room lifecycle transition is
// permitted. Reset (any status back to waiting) is always allowed; it is the
// only way a room is recycled.
func IsStatusTransitionAllowed(from, to Status) bool {
	if to == StatusWaiting {
		return true
	}
	switch from {
	case StatusWaiting:
		return to == StatusClue || to == StatusPlaying
	case StatusClue:
		return to == StatusPlaying
	case StatusPlaying:
		return to == StatusReveal || to == StatusFinished
	case StatusReveal:
		return to == StatusFinished
	default:
		return false
	}
}
