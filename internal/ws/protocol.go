package ws

type MessageType string

const (
	MsgStatus           MessageType = "status"
	MsgSessionStarted   MessageType = "session_started"
	MsgSessionActivity  MessageType = "session_activity"
	MsgSessionEnded     MessageType = "session_ended"
	MsgSessionReset     MessageType = "session_reset"
	MsgMIDIConnected    MessageType = "midi_connected"
	MsgMIDIDisconnected MessageType = "midi_disconnected"
	MsgUserChanged      MessageType = "user_changed"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

// StatusPayload is the full dashboard state, sent to new clients and
// rebroadcast periodically so a missed delta self-heals.
type StatusPayload struct {
	MIDIConnected   bool   `json:"midi_connected"`
	Device          string `json:"device,omitempty"`
	CurrentUser     string `json:"current_user,omitempty"`
	WaitingForUser  bool   `json:"waiting_for_user"`
	SessionActive   bool   `json:"session_active"`
	SessionStart    int64  `json:"session_start,omitempty"`
	DurationSeconds int64  `json:"duration_seconds,omitempty"`
	NoteCount       int    `json:"note_count,omitempty"`
}

type SessionStartedPayload struct {
	UserID string `json:"user_id,omitempty"`
	Start  int64  `json:"start"`
}

type SessionActivityPayload struct {
	NoteCount       int   `json:"note_count"`
	DurationSeconds int64 `json:"duration_seconds"`
}

type SessionEndedPayload struct {
	UserID          string `json:"user_id,omitempty"`
	Start           int64  `json:"start"`
	End             int64  `json:"end"`
	DurationSeconds int64  `json:"duration_seconds"`
	NoteCount       int    `json:"note_count"`
}

type SessionResetPayload struct {
	// Recorded is true when the reset followed a session long enough to
	// be saved; short bursts reset without a session_ended first.
	Recorded bool `json:"recorded"`
}

type MIDIConnectedPayload struct {
	Device string `json:"device"`
}

type UserChangedPayload struct {
	UserID string `json:"user_id"`
}
