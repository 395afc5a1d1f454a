package midi

import "time"

// EventType classifies events published by the Monitor.
type EventType int

const (
	Connected     EventType = iota // device opened; Device carries the port name
	Disconnected                   // device lost (close, read failure, or vanished)
	NoteOn                         // key pressed (velocity > 0)
	NoteOff                        // key released (note-off, or note-on with velocity 0)
	ControlChange                  // pedal and other controllers
)

func (t EventType) String() string {
	switch t {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case NoteOn:
		return "note_on"
	case NoteOff:
		return "note_off"
	case ControlChange:
		return "control_change"
	}
	return "unknown"
}

// Event is a tagged variant consumed by the tracker. Note/Velocity/Channel
// are set for note events, Control/Value for control changes, Device for
// Connected.
type Event struct {
	Type     EventType
	Device   string
	Note     uint8
	Velocity uint8
	Channel  uint8
	Control  uint8
	Value    uint8
	Time     time.Time
}
