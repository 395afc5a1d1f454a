package midi

import (
	"math/rand"
	"sync"
	"time"
)

// MockTransport simulates a connected piano for development machines with
// no MIDI hardware: alternating bursts of playing and silence, long enough
// to trip session start and timeout thresholds.
type MockTransport struct {
	name string

	mu      sync.Mutex
	playing bool
	phaseAt time.Time
	lastGen time.Time
	rng     *rand.Rand
}

const (
	mockPlayPhase = 45 * time.Second
	mockIdlePhase = 25 * time.Second
)

// C major scale, the mock pianist's entire repertoire.
var mockScale = []uint8{60, 62, 64, 65, 67, 69, 71, 72}

func NewMockTransport() *MockTransport {
	now := time.Now()
	return &MockTransport{
		name:    "Mock Piano MIDI 1",
		playing: true,
		phaseAt: now,
		lastGen: now,
		rng:     rand.New(rand.NewSource(now.UnixNano())),
	}
}

// Name returns the simulated port name, for pointing the device keyword
// at the mock.
func (t *MockTransport) Name() string {
	return t.name
}

func (t *MockTransport) Inputs() ([]string, error) {
	return []string{"Midi Through Port-0", t.name}, nil
}

func (t *MockTransport) OpenInput(name string) (Port, error) {
	if name != t.name {
		return nil, ErrNoDevice
	}
	return &mockPort{transport: t}, nil
}

func (t *MockTransport) Outputs() ([]string, error) {
	return []string{t.name}, nil
}

func (t *MockTransport) OpenOutput(name string) (Output, error) {
	if name != t.name {
		return nil, ErrNoDevice
	}
	return mockOutput{}, nil
}

// generate emits roughly four notes per second during a play phase and
// nothing during an idle phase.
func (t *MockTransport) generate() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	phase := mockPlayPhase
	if !t.playing {
		phase = mockIdlePhase
	}
	if now.Sub(t.phaseAt) >= phase {
		t.playing = !t.playing
		t.phaseAt = now
	}
	if !t.playing || now.Sub(t.lastGen) < 250*time.Millisecond {
		return nil
	}
	t.lastGen = now

	note := mockScale[t.rng.Intn(len(mockScale))]
	vel := uint8(50 + t.rng.Intn(60))
	return []Message{
		{Kind: KindNoteOn, Note: note, Velocity: vel},
		{Kind: KindNoteOff, Note: note},
	}
}

type mockPort struct {
	transport *MockTransport
}

func (p *mockPort) Pending() ([]Message, error) {
	return p.transport.generate(), nil
}

func (p *mockPort) Close() error { return nil }

type mockOutput struct{}

func (mockOutput) NoteOn(note, velocity uint8) error { return nil }
func (mockOutput) NoteOff(note uint8) error          { return nil }
func (mockOutput) Close() error                      { return nil }
