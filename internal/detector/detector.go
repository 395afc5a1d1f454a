// Package detector decides when a practice session begins and ends based
// on note activity from the piano.
//
// Two distinct concepts live here:
//
//   - A SESSION is any contiguous span of playing: it starts when note
//     density crosses the activity threshold (or via ForceStart after the
//     player identifies themselves) and ends after session_timeout seconds
//     of silence or an explicit ForceEnd.
//   - A RECORDED session is one whose duration reaches the minimum practice
//     duration. Only recorded sessions produce an Ended event and get
//     persisted; a ten-second noodle is a session, just not a recorded one.
//
// Every session end, recorded or not, produces a Reset event so that
// anything tracking "is someone at the piano right now" frees up the slot
// immediately.
package detector

import (
	"fmt"
	"log"
	"time"

	"github.com/aduston/pianolog/internal/config"
)

// Detector is not safe for concurrent use. It is owned by a single
// goroutine (the tracker) which delivers both note events and the periodic
// timeout checks.
type Detector struct {
	activityThreshold   int
	activityWindow      time.Duration
	minPracticeDuration time.Duration
	sessionTimeout      time.Duration

	active       bool
	startTime    time.Time
	noteCount    int
	lastNoteTime time.Time

	// recentNotes holds timestamps of notes inside the trailing activity
	// window, oldest first. Only consulted while no session is active.
	recentNotes []time.Time
}

// Info is a read-only snapshot of the active session.
type Info struct {
	StartTime    time.Time
	Duration     time.Duration
	NoteCount    int
	LastActivity time.Time
}

func New(cfg config.DetectorConfig) (*Detector, error) {
	if cfg.ActivityThreshold < 1 || cfg.ActivityWindow <= 0 ||
		cfg.MinPracticeDuration <= 0 || cfg.SessionTimeout <= 0 {
		return nil, fmt.Errorf("detector: invalid config %+v", cfg)
	}
	return &Detector{
		activityThreshold:   cfg.ActivityThreshold,
		activityWindow:      cfg.ActivityWindow,
		minPracticeDuration: cfg.MinPracticeDuration,
		sessionTimeout:      cfg.SessionTimeout,
	}, nil
}

// ProcessNoteOn records a note-on and may start a session: when the number
// of notes inside the trailing activity window reaches the threshold, the
// session auto-starts and the triggering note counts as its first note.
// Returns whether a session is active afterwards, plus any lifecycle
// events the call produced.
func (d *Detector) ProcessNoteOn(note, velocity uint8, now time.Time) (bool, []Event) {
	d.lastNoteTime = now

	if d.active {
		d.noteCount++
		return true, nil
	}

	d.recentNotes = append(d.recentNotes, now)
	d.evictOldNotes(now)

	if len(d.recentNotes) >= d.activityThreshold {
		events := d.startSession(now)
		// The note that crossed the threshold belongs to the session
		// it started. It is counted here and nowhere else.
		d.noteCount = 1
		return true, events
	}
	return false, nil
}

// CheckTimeout ends the session when the inactivity timeout has elapsed.
// The caller invokes it at least once per second; it is a no-op while no
// session is active, and idempotent when time has not advanced.
func (d *Detector) CheckTimeout(now time.Time) (bool, []Event) {
	if !d.active {
		return false, nil
	}
	if !d.lastNoteTime.IsZero() && now.Sub(d.lastNoteTime) > d.sessionTimeout {
		return false, d.endSession(now)
	}
	return true, nil
}

// ForceStart unconditionally starts a session, used when the player has
// identified themselves before note density crossed the threshold. No-op
// while a session is already active.
func (d *Detector) ForceStart(now time.Time) []Event {
	if d.active {
		return nil
	}
	return d.startSession(now)
}

// ForceEnd unconditionally ends the active session (shutdown, dashboard
// command). No-op when idle.
func (d *Detector) ForceEnd(now time.Time) []Event {
	if !d.active {
		return nil
	}
	return d.endSession(now)
}

// Active reports whether a session is currently in progress.
func (d *Detector) Active() bool {
	return d.active
}

// Session returns a snapshot of the active session, or ok=false when idle.
func (d *Detector) Session(now time.Time) (Info, bool) {
	if !d.active {
		return Info{}, false
	}
	return Info{
		StartTime:    d.startTime,
		Duration:     now.Sub(d.startTime),
		NoteCount:    d.noteCount,
		LastActivity: d.lastNoteTime,
	}, true
}

func (d *Detector) startSession(now time.Time) []Event {
	d.active = true
	d.startTime = now
	d.noteCount = 0

	log.Printf("[detector] session started at %s", now.Format("15:04:05"))
	return []Event{{Type: Started, Start: now}}
}

func (d *Detector) endSession(now time.Time) []Event {
	duration := now.Sub(d.startTime)

	var events []Event
	if duration >= d.minPracticeDuration {
		log.Printf("[detector] session ended: %.1f minutes, %d notes",
			duration.Minutes(), d.noteCount)
		events = append(events, Event{
			Type:      Ended,
			Start:     d.startTime,
			End:       now,
			NoteCount: d.noteCount,
		})
	} else {
		log.Printf("[detector] session too short (%.1fs), not recording", duration.Seconds())
	}

	d.active = false
	d.startTime = time.Time{}
	d.noteCount = 0
	d.lastNoteTime = time.Time{}
	d.recentNotes = d.recentNotes[:0]

	// Reset fires for every session end, recorded or not.
	return append(events, Event{Type: Reset})
}

func (d *Detector) evictOldNotes(now time.Time) {
	cut := 0
	for cut < len(d.recentNotes) && now.Sub(d.recentNotes[cut]) > d.activityWindow {
		cut++
	}
	if cut > 0 {
		d.recentNotes = d.recentNotes[cut:]
	}
}
