// Package tracker coordinates the detector, the device monitor, the store
// and the dashboard. One goroutine owns all detector state; HTTP handlers
// reach it through mutex-guarded entry points.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aduston/pianolog/internal/config"
	"github.com/aduston/pianolog/internal/detector"
	"github.com/aduston/pianolog/internal/midi"
	"github.com/aduston/pianolog/internal/store"
	"github.com/aduston/pianolog/internal/ws"
)

// unknownUser is recorded when nobody has identified themselves.
const unknownUser = "unknown"

// Device is the monitor surface the tracker consumes.
type Device interface {
	Events() <-chan midi.Event
	Status() (connected bool, device string)
}

type Tracker struct {
	cfg      *config.Config
	det      *detector.Detector
	device   Device
	store    *store.Store
	prompter *Prompter // nil when no output port is available

	// promptEachSession forgets the user after every session and asks
	// again at the piano on the next one.
	promptEachSession bool

	broadcaster *ws.Broadcaster

	mu             sync.RWMutex
	currentUser    string
	waitingForUser bool

	now func() time.Time
}

func New(cfg *config.Config, det *detector.Detector, device Device, st *store.Store, promptEachSession bool) *Tracker {
	return &Tracker{
		cfg:               cfg,
		det:               det,
		device:            device,
		store:             st,
		promptEachSession: promptEachSession,
		now:               time.Now,
	}
}

// SetBroadcaster wires the dashboard fan-out. Must be called before Run;
// nil is allowed and silences all notifications.
func (t *Tracker) SetBroadcaster(b *ws.Broadcaster) {
	t.broadcaster = b
}

// SetPrompter wires the piano-side user prompt. Must be called before Run.
func (t *Tracker) SetPrompter(p *Prompter) {
	t.prompter = p
}

// SetUser selects the practicing user, from the dashboard or the -user
// flag. An empty id is rejected.
func (t *Tracker) SetUser(userID string) error {
	if userID == "" {
		return fmt.Errorf("tracker: user id must not be empty")
	}

	t.mu.Lock()
	t.currentUser = userID
	t.waitingForUser = false
	t.mu.Unlock()

	log.Printf("[tracker] current user set to %s", userID)
	t.broadcast(ws.MsgUserChanged, ws.UserChangedPayload{UserID: userID})
	return nil
}

// Activate selects the user and force-starts a session in one step, the
// dashboard's "start practicing now" button. The piano acknowledges with
// the confirmation chord before the session opens.
func (t *Tracker) Activate(userID string) error {
	if userID == "" {
		return fmt.Errorf("tracker: user id must not be empty")
	}

	t.mu.Lock()
	t.currentUser = userID
	t.waitingForUser = false
	t.mu.Unlock()

	log.Printf("[tracker] user activated from the dashboard: %s", userID)
	if t.prompter != nil {
		if err := t.prompter.Confirm(); err != nil {
			log.Printf("[tracker] confirmation chord failed: %v", err)
		}
	}
	t.broadcast(ws.MsgUserChanged, ws.UserChangedPayload{UserID: userID})

	t.mu.Lock()
	events := t.det.ForceStart(t.now())
	t.mu.Unlock()
	t.handleDetectorEvents(events)
	return nil
}

// ForceEnd ends the active session on request. Reports whether there was
// a session to end.
func (t *Tracker) ForceEnd() bool {
	t.mu.Lock()
	events := t.det.ForceEnd(t.now())
	t.mu.Unlock()

	t.handleDetectorEvents(events)
	return len(events) > 0
}

// Status snapshots the whole dashboard state.
func (t *Tracker) Status() ws.StatusPayload {
	connected, device := t.device.Status()

	t.mu.RLock()
	defer t.mu.RUnlock()

	p := ws.StatusPayload{
		MIDIConnected:  connected,
		Device:         device,
		CurrentUser:    t.currentUser,
		WaitingForUser: t.waitingForUser,
	}
	if info, ok := t.det.Session(t.now()); ok {
		p.SessionActive = true
		p.SessionStart = info.StartTime.Unix()
		p.DurationSeconds = int64(info.Duration.Seconds())
		p.NoteCount = info.NoteCount
	}
	return p
}

// Run consumes device events and drives the timeout clock until ctx is
// cancelled, then force-ends any session still in progress so practice
// time is not lost to a shutdown.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if t.ForceEnd() {
				log.Printf("[tracker] shutdown ended the active session")
			}
			return

		case ev := <-t.device.Events():
			t.handleDeviceEvent(ev)

		case <-ticker.C:
			t.mu.Lock()
			_, events := t.det.CheckTimeout(t.now())
			t.mu.Unlock()
			t.handleDetectorEvents(events)
		}
	}
}

func (t *Tracker) handleDeviceEvent(ev midi.Event) {
	switch ev.Type {
	case midi.Connected:
		t.broadcast(ws.MsgMIDIConnected, ws.MIDIConnectedPayload{Device: ev.Device})
	case midi.Disconnected:
		t.broadcast(ws.MsgMIDIDisconnected, nil)
	case midi.NoteOn:
		t.handleNoteOn(ev.Note, ev.Velocity)
	}
}

func (t *Tracker) handleNoteOn(note, velocity uint8) {
	now := t.now()

	t.mu.Lock()

	if t.waitingForUser {
		user, err := t.store.UserByNote(note)
		if err != nil {
			if !errors.Is(err, store.ErrNoUser) {
				log.Printf("[tracker] trigger note lookup failed: %v", err)
			}
			// Not a trigger note; keep waiting.
			t.mu.Unlock()
			return
		}
		name := user.Name
		t.currentUser = name
		t.waitingForUser = false

		// The selecting key both starts the session and counts as its
		// first note.
		events := t.det.ForceStart(now)
		_, more := t.det.ProcessNoteOn(note, velocity, now)
		events = append(events, more...)
		t.mu.Unlock()

		log.Printf("[tracker] user selected at the piano: %s", name)
		if t.prompter != nil {
			if err := t.prompter.Confirm(); err != nil {
				log.Printf("[tracker] confirmation chord failed: %v", err)
			}
		}
		t.broadcast(ws.MsgUserChanged, ws.UserChangedPayload{UserID: name})
		t.handleDetectorEvents(events)
		return
	}

	if t.promptEachSession && !t.det.Active() && t.currentUser == "" {
		t.waitingForUser = true
		t.mu.Unlock()

		log.Printf("[tracker] first activity with no user, prompting at the piano")
		if t.prompter != nil {
			if err := t.prompter.Prompt(); err != nil {
				log.Printf("[tracker] prompt melody failed: %v", err)
			}
		}
		t.broadcast(ws.MsgStatus, t.Status())
		return
	}

	active, events := t.det.ProcessNoteOn(note, velocity, now)
	var activity ws.SessionActivityPayload
	if active {
		if info, ok := t.det.Session(now); ok {
			activity = ws.SessionActivityPayload{
				NoteCount:       info.NoteCount,
				DurationSeconds: int64(info.Duration.Seconds()),
			}
		}
	}
	t.mu.Unlock()

	t.handleDetectorEvents(events)
	if active && t.broadcaster != nil {
		t.broadcaster.QueueActivity(activity)
	}
}

func (t *Tracker) handleDetectorEvents(events []detector.Event) {
	recorded := false
	for _, ev := range events {
		switch ev.Type {
		case detector.Started:
			t.broadcast(ws.MsgSessionStarted, ws.SessionStartedPayload{
				UserID: t.userID(),
				Start:  ev.Start.Unix(),
			})

		case detector.Ended:
			recorded = true
			user := t.userID()
			if user == "" {
				user = unknownUser
			}
			if _, err := t.store.SaveSession(user, ev.Start, ev.End, ev.NoteCount); err != nil {
				log.Printf("[tracker] save session failed: %v", err)
			}
			t.broadcast(ws.MsgSessionEnded, ws.SessionEndedPayload{
				UserID:          user,
				Start:           ev.Start.Unix(),
				End:             ev.End.Unix(),
				DurationSeconds: int64(ev.End.Sub(ev.Start).Seconds()),
				NoteCount:       ev.NoteCount,
			})

		case detector.Reset:
			t.broadcast(ws.MsgSessionReset, ws.SessionResetPayload{Recorded: recorded})
			if t.promptEachSession {
				t.mu.Lock()
				t.currentUser = ""
				t.mu.Unlock()
				log.Printf("[tracker] session over, ready for the next player")
			}
		}
	}
}

func (t *Tracker) userID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.currentUser
}

func (t *Tracker) broadcast(typ ws.MessageType, payload interface{}) {
	if t.broadcaster == nil {
		return
	}
	t.broadcaster.Broadcast(typ, payload)
}
