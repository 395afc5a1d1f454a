package midi

import (
	"fmt"
	"sync"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// portBufferSize bounds messages buffered between monitor drains. A drain
// runs every ~10ms, so this only fills if the monitor stalls.
const portBufferSize = 256

// RTMIDITransport is the production Transport backed by rtmidi.
type RTMIDITransport struct {
	drv *rtmididrv.Driver
}

func NewRTMIDITransport() (*RTMIDITransport, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("rtmididrv: %w", err)
	}
	return &RTMIDITransport{drv: drv}, nil
}

// Close shuts down the underlying driver. Open ports must be closed first.
func (t *RTMIDITransport) Close() error {
	return t.drv.Close()
}

func (t *RTMIDITransport) Inputs() ([]string, error) {
	ins, err := t.drv.Ins()
	if err != nil {
		return nil, fmt.Errorf("list inputs: %w", err)
	}
	names := make([]string, 0, len(ins))
	for _, in := range ins {
		names = append(names, in.String())
	}
	return names, nil
}

func (t *RTMIDITransport) Outputs() ([]string, error) {
	outs, err := t.drv.Outs()
	if err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	names := make([]string, 0, len(outs))
	for _, out := range outs {
		names = append(names, out.String())
	}
	return names, nil
}

func (t *RTMIDITransport) OpenInput(name string) (Port, error) {
	ins, err := t.drv.Ins()
	if err != nil {
		return nil, fmt.Errorf("list inputs: %w", err)
	}
	var found drivers.In
	for _, in := range ins {
		if in.String() == name {
			found = in
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("input %q not found", name)
	}
	if err := found.Open(); err != nil {
		return nil, fmt.Errorf("open %q: %w", name, err)
	}

	p := &rtmidiPort{
		in:   found,
		msgs: make(chan Message, portBufferSize),
	}

	// The rtmidi listener runs on its own goroutine and pushes into the
	// buffered channel; the monitor drains it via Pending. Listener
	// errors are surfaced on the next drain so the monitor reconnects.
	stop, err := gomidi.ListenTo(found, func(msg gomidi.Message, _ int32) {
		var ch, key, vel uint8
		var m Message
		switch {
		case msg.GetNoteStart(&ch, &key, &vel):
			m = Message{Kind: KindNoteOn, Channel: ch, Note: key, Velocity: vel}
		case msg.GetNoteEnd(&ch, &key):
			m = Message{Kind: KindNoteOff, Channel: ch, Note: key}
		case msg.GetControlChange(&ch, &key, &vel):
			m = Message{Kind: KindControlChange, Channel: ch, Control: key, Value: vel}
		default:
			return
		}
		select {
		case p.msgs <- m:
		default:
			p.noteDrop()
		}
	}, gomidi.HandleError(func(listenErr error) {
		p.fail(listenErr)
	}))
	if err != nil {
		_ = found.Close()
		return nil, fmt.Errorf("listen %q: %w", name, err)
	}
	p.stop = stop
	return p, nil
}

func (t *RTMIDITransport) OpenOutput(name string) (Output, error) {
	outs, err := t.drv.Outs()
	if err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	var found drivers.Out
	for _, out := range outs {
		if out.String() == name {
			found = out
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("output %q not found", name)
	}
	if err := found.Open(); err != nil {
		return nil, fmt.Errorf("open %q: %w", name, err)
	}
	send, err := gomidi.SendTo(found)
	if err != nil {
		_ = found.Close()
		return nil, fmt.Errorf("send to %q: %w", name, err)
	}
	return &rtmidiOutput{out: found, send: send}, nil
}

type rtmidiPort struct {
	in   drivers.In
	stop func()
	msgs chan Message

	mu      sync.Mutex
	err     error
	dropped int
}

func (p *rtmidiPort) fail(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
}

func (p *rtmidiPort) noteDrop() {
	p.mu.Lock()
	p.dropped++
	p.mu.Unlock()
}

func (p *rtmidiPort) Pending() ([]Message, error) {
	var out []Message
	for {
		select {
		case m := <-p.msgs:
			out = append(out, m)
			continue
		default:
		}
		break
	}

	p.mu.Lock()
	err := p.err
	p.mu.Unlock()
	if err != nil && len(out) == 0 {
		return nil, fmt.Errorf("midi read: %w", err)
	}
	return out, nil
}

func (p *rtmidiPort) Close() error {
	if p.stop != nil {
		p.stop()
		p.stop = nil
	}
	return p.in.Close()
}

type rtmidiOutput struct {
	out  drivers.Out
	send func(gomidi.Message) error
}

func (o *rtmidiOutput) NoteOn(note, velocity uint8) error {
	return o.send(gomidi.NoteOn(0, note, velocity))
}

func (o *rtmidiOutput) NoteOff(note uint8) error {
	return o.send(gomidi.NoteOff(0, note))
}

func (o *rtmidiOutput) Close() error {
	return o.out.Close()
}
