package midi

// MessageKind identifies a raw transport-level MIDI message.
type MessageKind int

const (
	KindNoteOn MessageKind = iota // velocity may still be 0 (running-status note-off)
	KindNoteOff
	KindControlChange
	KindOther
)

// Message is a decoded MIDI message as read from the device, before the
// monitor applies the velocity-0 note-off convention.
type Message struct {
	Kind     MessageKind
	Channel  uint8
	Note     uint8
	Velocity uint8
	Control  uint8
	Value    uint8
}

// Transport abstracts the MIDI backend so the monitor can be exercised
// against fakes. The production implementation wraps rtmidi; the mock
// transport synthesizes playing for demo mode.
//
// Implementations are called only from the monitor goroutine (plus the
// tracker's prompt playback for outputs) and need not be concurrency-safe
// beyond that.
type Transport interface {
	// Inputs returns the names of the currently enumerable input ports.
	Inputs() ([]string, error)

	// OpenInput opens the named input port. The returned Port buffers
	// incoming messages until drained.
	OpenInput(name string) (Port, error)

	// Outputs returns the names of the currently enumerable output ports.
	Outputs() ([]string, error)

	// OpenOutput opens the named output port for prompt playback.
	OpenOutput(name string) (Output, error)
}

// Port is an open input connection. The device handle is exclusively owned
// by the monitor; nothing else may close it.
type Port interface {
	// Pending drains and returns all buffered messages without blocking.
	// A non-nil error means the connection died and the port must be
	// closed and reopened.
	Pending() ([]Message, error)

	Close() error
}

// Output is an open output connection, used only for the user-selection
// prompt melody and confirmation chord.
type Output interface {
	NoteOn(note, velocity uint8) error
	NoteOff(note uint8) error
	Close() error
}
