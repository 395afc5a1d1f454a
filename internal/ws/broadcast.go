package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// StatusFunc produces the current dashboard snapshot. Supplied by the
// tracker; must be safe to call from any goroutine.
type StatusFunc func() StatusPayload

// Broadcaster fans dashboard messages out to connected websocket clients.
// Session activity is throttled: a fast passage can produce tens of note
// events per second, far more than the dashboard needs.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[string]*client
	status  StatusFunc

	throttle        time.Duration
	flushMu         sync.Mutex
	pendingActivity *SessionActivityPayload
	flushTimer      *time.Timer

	snapshotTicker *time.Ticker
	done           chan struct{}
}

func NewBroadcaster(status StatusFunc, throttle, snapshotInterval time.Duration) *Broadcaster {
	b := &Broadcaster{
		clients:  make(map[string]*client),
		status:   status,
		throttle: throttle,
		done:     make(chan struct{}),
	}

	b.snapshotTicker = time.NewTicker(snapshotInterval)
	go b.snapshotLoop()

	return b
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	b.mu.Lock()
	b.clients[c.id] = c
	b.mu.Unlock()

	data, _ := json.Marshal(WSMessage{
		Type:    MsgStatus,
		Payload: b.status(),
	})

	select {
	case c.send <- data:
	default:
		// Client too slow, drop the snapshot
	}

	return c
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c.id]; ok {
		delete(b.clients, c.id)
		c.close()
	}
	b.mu.Unlock()
}

// Broadcast sends an edge event (session start/end, connect/disconnect,
// user change) to all clients immediately.
func (b *Broadcaster) Broadcast(typ MessageType, payload interface{}) {
	b.send(WSMessage{Type: typ, Payload: payload})
}

// QueueActivity coalesces note-count updates; only the latest payload in
// each throttle window goes out.
func (b *Broadcaster) QueueActivity(p SessionActivityPayload) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pendingActivity = &p

	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	p := b.pendingActivity
	b.pendingActivity = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	if p == nil {
		return
	}
	b.send(WSMessage{Type: MsgSessionActivity, Payload: *p})
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.snapshotTicker.C:
			b.send(WSMessage{Type: MsgStatus, Payload: b.status()})
		}
	}
}

func (b *Broadcaster) send(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("broadcast marshal error: %v", err)
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			// Client can't keep up, disconnect it
			log.Printf("ws client %s too slow, disconnecting", c.id)
			b.RemoveClient(c)
		}
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stop halts the snapshot loop. Connected clients are left to their
// write pumps; the process is exiting anyway.
func (b *Broadcaster) Stop() {
	b.snapshotTicker.Stop()
	close(b.done)
}
