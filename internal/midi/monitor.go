// Package midi keeps one logical connection to the piano alive across USB
// disconnects, enumeration failures, and the firmware's refusal to
// re-attach after its own power cycles.
//
// Recovery escalates through three mechanisms: a periodic health check
// against the live port enumeration, a hot-plug fast path fed by kernel
// USB events, and as a last resort an electrical power cycle of the USB
// port. Decoded note events flow out on a buffered channel consumed by the
// tracker.
package midi

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/aduston/pianolog/internal/config"
)

const (
	// drainInterval bounds CPU while connected without adding
	// perceptible latency to note delivery.
	drainInterval = 10 * time.Millisecond

	// eventBufferSize sizes the outbound event channel. The tracker
	// drains continuously; a full buffer means it stalled.
	eventBufferSize = 128

	// dropLogInterval throttles "events dropped" log spam.
	dropLogInterval = 10 * time.Second
)

// Monitor owns the device handle and the connection state machine.
// Connected/Disconnected events fire exactly once per edge.
type Monitor struct {
	cfg       config.DeviceConfig
	transport Transport
	hotplug   HotplugWatcher // nil disables the fast path
	power     PortPower      // nil disables the power-cycle fallback

	events      chan Event
	dropped     int64
	lastDropLog time.Time

	mu        sync.RWMutex
	connected bool
	device    string

	// Loop-owned state; touched only by the Run goroutine.
	port            Port
	attempts        int
	resetDone       bool
	lastResetTime   time.Time
	lastHealthCheck time.Time

	reconnectReq chan struct{}

	now         func() time.Time
	settleDelay time.Duration // enumeration settle after a hot-plug add
}

func NewMonitor(cfg config.DeviceConfig, transport Transport) *Monitor {
	return &Monitor{
		cfg:          cfg,
		transport:    transport,
		events:       make(chan Event, eventBufferSize),
		reconnectReq: make(chan struct{}, 1),
		now:          time.Now,
		settleDelay:  time.Second,
	}
}

// SetHotplug attaches a USB event watcher. Must be called before Run.
func (m *Monitor) SetHotplug(w HotplugWatcher) {
	m.hotplug = w
}

// SetPower attaches the power-cycle capability. Must be called before Run.
func (m *Monitor) SetPower(p PortPower) {
	m.power = p
}

// Events returns the channel of connection and note events. The monitor
// never closes it; consumers stop via their own context.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Status reports the current connection state for the dashboard.
func (m *Monitor) Status() (connected bool, device string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected, m.device
}

// RequestReconnect asks the loop to reconnect now, bypassing the reset
// cooldown: a plain connect first, then an unconditional power cycle if
// that fails. Safe to call from any goroutine; coalesces repeat requests.
func (m *Monitor) RequestReconnect() {
	select {
	case m.reconnectReq <- struct{}{}:
	default:
	}
}

// Run drives the connect/health-check/dispatch loop until ctx is
// cancelled, then performs a final disconnect pass. Transport failures
// never terminate the loop; they degrade to Disconnected and a retry.
func (m *Monitor) Run(ctx context.Context) {
	log.Printf("[midi] monitor started (keyword=%q)", m.cfg.Keyword)

	for ctx.Err() == nil {
		m.pollHotplug(ctx)

		select {
		case <-m.reconnectReq:
			m.manualReconnect(ctx)
		default:
		}

		if m.port == nil {
			if !m.connect() {
				m.attempts++
				if m.shouldPowerCycle() {
					log.Printf("[midi] %d failed reconnect attempts, escalating to usb power cycle", m.attempts)
					if err := m.powerCycle(ctx); err != nil {
						log.Printf("[midi] power cycle failed: %v", err)
						if !m.sleep(ctx, 2*m.cfg.ReconnectInterval) {
							break
						}
						continue
					}
				}
				if !m.sleep(ctx, m.cfg.ReconnectInterval) {
					break
				}
				continue
			}
		}

		if now := m.now(); now.Sub(m.lastHealthCheck) >= m.cfg.HealthCheckInterval {
			m.lastHealthCheck = now
			if !m.healthy() {
				log.Printf("[midi] health check failed: %q no longer enumerated", m.deviceName())
				m.dropConnection()
				if !m.sleep(ctx, m.cfg.ReconnectInterval) {
					break
				}
				continue
			}
		}

		msgs, err := m.port.Pending()
		if err != nil {
			log.Printf("[midi] read error: %v", err)
			m.dropConnection()
			if !m.sleep(ctx, m.cfg.ReconnectInterval) {
				break
			}
			continue
		}
		for _, msg := range msgs {
			m.dispatch(msg)
		}

		if !m.sleep(ctx, drainInterval) {
			break
		}
	}

	m.disconnect()
	log.Printf("[midi] monitor stopped")
}

// connect selects and opens a device. Returns true on success. A success
// resets the failure counter AND the power-cycle flag; emits Connected
// only on the disconnected→connected edge.
func (m *Monitor) connect() bool {
	name, err := m.findDevice()
	if err != nil {
		if errors.Is(err, ErrNoDevice) {
			log.Printf("[midi] no MIDI device found")
		} else {
			log.Printf("[midi] device enumeration failed: %v", err)
		}
		m.markDisconnected()
		return false
	}

	if m.port != nil {
		_ = m.port.Close()
		m.port = nil
	}

	port, err := m.transport.OpenInput(name)
	if err != nil {
		log.Printf("[midi] open %q failed: %v", name, err)
		m.markDisconnected()
		return false
	}

	m.port = port
	m.attempts = 0
	m.resetDone = false
	m.markConnected(name)
	return true
}

// findDevice applies the selection policy: keyword substring match
// (case-insensitive) when configured, otherwise the first port that is not
// a loopback/pass-through virtual port.
func (m *Monitor) findDevice() (string, error) {
	names, err := m.transport.Inputs()
	if err != nil {
		return "", err
	}
	if m.cfg.Keyword != "" {
		kw := strings.ToLower(m.cfg.Keyword)
		for _, n := range names {
			if strings.Contains(strings.ToLower(n), kw) {
				return n, nil
			}
		}
		return "", ErrNoDevice
	}
	for _, n := range names {
		if !strings.Contains(n, "Midi Through") {
			return n, nil
		}
	}
	return "", ErrNoDevice
}

// healthy verifies the connected device still appears in the live
// enumeration, catching removals before any read fails.
func (m *Monitor) healthy() bool {
	device := m.deviceName()
	if device == "" {
		return false
	}
	names, err := m.transport.Inputs()
	if err != nil {
		log.Printf("[midi] health check enumeration failed: %v", err)
		return false
	}
	for _, n := range names {
		if n == device {
			return true
		}
	}
	return false
}

func (m *Monitor) pollHotplug(ctx context.Context) {
	if m.hotplug == nil {
		return
	}
	action, ok := m.hotplug.Poll()
	if !ok {
		return
	}
	log.Printf("[midi] usb device %s event", action)

	switch action {
	case DeviceAdded:
		// Give the kernel a moment to finish enumeration, then skip
		// the normal backoff entirely. A fresh device also clears the
		// power-cycle flag: it earned a full new escalation sequence.
		m.attempts = 0
		m.resetDone = false
		if m.port == nil {
			if !m.sleep(ctx, m.settleDelay) {
				return
			}
			m.connect()
		}
	case DeviceRemoved:
		// Reset the attempt counter so a returning device gets fresh
		// tries, but keep resetDone: if the piano was simply switched
		// off we must not burn power cycles on an empty port.
		m.attempts = 0
		if m.port != nil {
			m.dropConnection()
		}
	}
}

// shouldPowerCycle gates the escalation: enough consecutive failures, no
// cycle since the last successful connect, and outside the cooldown.
func (m *Monitor) shouldPowerCycle() bool {
	if !m.cfg.EnableUSBReset || m.power == nil {
		return false
	}
	if m.attempts < m.cfg.MaxAttemptsBeforeReset {
		return false
	}
	if m.resetDone {
		return false
	}
	if !m.lastResetTime.IsZero() {
		if since := m.now().Sub(m.lastResetTime); since < m.cfg.ResetCooldown {
			log.Printf("[midi] usb reset performed %s ago, within cooldown, skipping", since.Round(time.Second))
			return false
		}
	}
	return true
}

func (m *Monitor) powerCycle(ctx context.Context) error {
	if err := m.power.PowerCycle(ctx); err != nil {
		return err
	}
	m.resetDone = true
	m.lastResetTime = m.now()
	m.attempts = 0
	return nil
}

// manualReconnect serves an operator request: try a plain connect, and if
// that fails power-cycle unconditionally — a human asking for a reconnect
// overrules the cooldown heuristic.
func (m *Monitor) manualReconnect(ctx context.Context) {
	log.Printf("[midi] manual reconnect requested")
	if m.port != nil {
		m.dropConnection()
	}
	if m.connect() {
		return
	}
	if m.power == nil || !m.cfg.EnableUSBReset {
		return
	}
	log.Printf("[midi] manual reconnect: plain connect failed, forcing usb power cycle")
	if err := m.powerCycle(ctx); err != nil {
		log.Printf("[midi] manual power cycle failed: %v", err)
		return
	}
	m.connect()
}

// dispatch converts one transport message into an event, applying the
// MIDI convention that note-on with velocity 0 is a note-off.
func (m *Monitor) dispatch(msg Message) {
	ev := Event{Time: m.now()}
	switch msg.Kind {
	case KindNoteOn:
		if msg.Velocity > 0 {
			ev.Type = NoteOn
		} else {
			ev.Type = NoteOff
		}
		ev.Note, ev.Velocity, ev.Channel = msg.Note, msg.Velocity, msg.Channel
	case KindNoteOff:
		ev.Type = NoteOff
		ev.Note, ev.Channel = msg.Note, msg.Channel
	case KindControlChange:
		ev.Type = ControlChange
		ev.Control, ev.Value, ev.Channel = msg.Control, msg.Value, msg.Channel
	default:
		return
	}
	m.emit(ev)
}

// emit publishes without blocking the device loop. Dropped events are
// counted and logged at most once per dropLogInterval.
func (m *Monitor) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.dropped++
		now := m.now()
		if m.lastDropLog.IsZero() || now.Sub(m.lastDropLog) >= dropLogInterval {
			log.Printf("[midi] events dropped: %d (consumer not keeping up)", m.dropped)
			m.dropped = 0
			m.lastDropLog = now
		}
	}
}

// dropConnection tears the port down and reports the edge.
func (m *Monitor) dropConnection() {
	if m.port != nil {
		_ = m.port.Close()
		m.port = nil
	}
	m.markDisconnected()
}

// disconnect is the final cleanup pass on shutdown.
func (m *Monitor) disconnect() {
	m.dropConnection()
	if m.hotplug != nil {
		_ = m.hotplug.Close()
	}
}

func (m *Monitor) deviceName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.device
}

func (m *Monitor) markConnected(name string) {
	m.mu.Lock()
	was := m.connected
	m.connected = true
	m.device = name
	m.mu.Unlock()

	if !was {
		log.Printf("[midi] connected to %q", name)
		m.emit(Event{Type: Connected, Device: name, Time: m.now()})
	}
}

func (m *Monitor) markDisconnected() {
	m.mu.Lock()
	was := m.connected
	m.connected = false
	m.device = ""
	m.mu.Unlock()

	if was {
		log.Printf("[midi] disconnected")
		m.emit(Event{Type: Disconnected, Time: m.now()})
	}
}

// sleep waits d or until cancellation; false means shut down.
func (m *Monitor) sleep(ctx context.Context, d time.Duration) bool {
	return sleepCtx(ctx, d) == nil
}
