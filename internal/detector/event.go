package detector

import "time"

// EventType classifies session lifecycle transitions.
type EventType int

const (
	Started EventType = iota // a session became active
	Ended                    // a session met the minimum duration and should be recorded
	Reset                    // the active session slot freed up (fires on every end)
)

func (t EventType) String() string {
	switch t {
	case Started:
		return "started"
	case Ended:
		return "ended"
	case Reset:
		return "reset"
	}
	return "unknown"
}

// Event is a tagged session lifecycle transition. Start, End and NoteCount
// are populated for Ended only.
type Event struct {
	Type      EventType
	Start     time.Time
	End       time.Time
	NoteCount int
}
