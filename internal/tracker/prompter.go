package tracker

import (
	"fmt"
	"strings"
	"time"

	"github.com/aduston/pianolog/internal/midi"
)

// promptNotes is an ascending C-E-G figure, distinctive enough for a kid
// to recognize as "the piano is asking who you are".
var promptNotes = []uint8{60, 64, 67}

// Prompter plays audible cues on the piano itself through the transport's
// output port. Digital pianos sound their own sampler for received notes,
// so no extra speaker is needed.
type Prompter struct {
	transport midi.Transport
	keyword   string

	// sleep is swapped out in tests to keep them fast.
	sleep func(time.Duration)
}

func NewPrompter(transport midi.Transport, keyword string) *Prompter {
	return &Prompter{
		transport: transport,
		keyword:   keyword,
		sleep:     time.Sleep,
	}
}

// Prompt plays the ascending selection melody.
func (p *Prompter) Prompt() error {
	out, err := p.openOutput()
	if err != nil {
		return err
	}
	defer out.Close()

	for _, note := range promptNotes {
		if err := out.NoteOn(note, 50); err != nil {
			return fmt.Errorf("prompt melody: %w", err)
		}
		p.sleep(200 * time.Millisecond)
		if err := out.NoteOff(note); err != nil {
			return fmt.Errorf("prompt melody: %w", err)
		}
		p.sleep(50 * time.Millisecond)
	}
	return nil
}

// Confirm plays a C-major chord acknowledging the selection.
func (p *Prompter) Confirm() error {
	out, err := p.openOutput()
	if err != nil {
		return err
	}
	defer out.Close()

	for _, note := range promptNotes {
		if err := out.NoteOn(note, 60); err != nil {
			return fmt.Errorf("confirmation chord: %w", err)
		}
	}
	p.sleep(400 * time.Millisecond)
	for _, note := range promptNotes {
		if err := out.NoteOff(note); err != nil {
			return fmt.Errorf("confirmation chord: %w", err)
		}
	}
	return nil
}

// openOutput applies the same selection policy as the input side: keyword
// substring match, otherwise first non-virtual port.
func (p *Prompter) openOutput() (midi.Output, error) {
	names, err := p.transport.Outputs()
	if err != nil {
		return nil, fmt.Errorf("enumerate outputs: %w", err)
	}

	if p.keyword != "" {
		kw := strings.ToLower(p.keyword)
		for _, n := range names {
			if strings.Contains(strings.ToLower(n), kw) {
				return p.transport.OpenOutput(n)
			}
		}
		return nil, midi.ErrNoDevice
	}
	for _, n := range names {
		if !strings.Contains(n, "Midi Through") {
			return p.transport.OpenOutput(n)
		}
	}
	return nil, midi.ErrNoDevice
}
