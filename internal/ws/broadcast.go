package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-stream/backend/internal/session"
)

// ErrTooManyClients is returned by AddClient at the connection limit.
var ErrTooManyClients = errors.New("too many websocket clients")

type client struct {
	conn         *websocket.Conn
	send         chan []byte
	done         chan struct{}
	once         sync.Once
	writeTimeout time.Duration
}

func newClient(conn *websocket.Conn, writeTimeout time.Duration) *client {
	c := &client{
		conn:         conn,
		send:         make(chan []byte, 64),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
	go c.writePump()
	return c
}

// writePump is the only goroutine writing to conn.
func (c *client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case msg := <-c.send:
			if c.writeTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// enqueue blocks until msg is queued, the client closes, or ctx ends.
func (c *client) enqueue(ctx context.Context, msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// tryEnqueue queues msg unless the buffer is full.
func (c *client) tryEnqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Broadcaster fans session lifecycle changes out to /ws/sessions watchers:
// a snapshot on connect and periodically, throttled deltas in between.
type Broadcaster struct {
	mu             sync.RWMutex
	clients        map[*client]bool
	list           func() []session.Info
	filter         *session.PrivacyFilter
	logger         *slog.Logger
	throttle       time.Duration
	snapshotEvery  time.Duration
	maxConns       int
	writeTimeout   time.Duration
	pendingUpdates map[string]session.Info
	pendingRemoved []string
	flushTimer     *time.Timer
	flushMu        sync.Mutex
}

// NewBroadcaster creates a broadcaster listing sessions with list. A
// maxConns of zero means unlimited.
func NewBroadcaster(list func() []session.Info, throttle, snapshotInterval time.Duration, maxConns int) *Broadcaster {
	return &Broadcaster{
		clients:        make(map[*client]bool),
		list:           list,
		filter:         &session.PrivacyFilter{},
		logger:         slog.Default(),
		throttle:       throttle,
		snapshotEvery:  snapshotInterval,
		maxConns:       maxConns,
		pendingUpdates: make(map[string]session.Info),
	}
}

// SetPrivacyFilter masks every outgoing snapshot with f.
func (b *Broadcaster) SetPrivacyFilter(f *session.PrivacyFilter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filter = f
}

func (b *Broadcaster) SetLogger(l *slog.Logger) {
	b.logger = l
}

func (b *Broadcaster) SetWriteTimeout(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeTimeout = d
}

// Run consumes lifecycle events and sends periodic snapshots until ctx is
// done, then disconnects every client.
func (b *Broadcaster) Run(ctx context.Context, events <-chan session.Event) {
	ticker := time.NewTicker(b.snapshotEvery)
	defer ticker.Stop()
	defer b.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.Type == session.EventRemoved {
				b.QueueRemoval(ev.Info.ID)
			} else {
				b.QueueUpdate(ev.Info)
			}
		case <-ticker.C:
			b.broadcast(b.snapshot())
		}
	}
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyClients
	}
	c := newClient(conn, b.writeTimeout)
	b.clients[c] = true
	b.mu.Unlock()

	data, _ := json.Marshal(b.snapshot())
	if !c.tryEnqueue(data) {
		// Client too slow, drop the snapshot
		b.logger.Debug("dropping initial snapshot")
	}
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

func (b *Broadcaster) QueueUpdate(info session.Info) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pendingUpdates[info.ID] = info

	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) QueueRemoval(id string) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	delete(b.pendingUpdates, id)
	b.pendingRemoved = append(b.pendingRemoved, id)

	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	updates := make([]session.Info, 0, len(b.pendingUpdates))
	for _, info := range b.pendingUpdates {
		updates = append(updates, info)
	}
	removed := b.pendingRemoved
	b.pendingUpdates = make(map[string]session.Info)
	b.pendingRemoved = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	if len(updates) == 0 && len(removed) == 0 {
		return
	}

	b.mu.RLock()
	filter := b.filter
	b.mu.RUnlock()

	msg := WSMessage{
		Type: MsgDelta,
		Payload: DeltaPayload{
			Updates: filter.FilterSlice(updates),
			Removed: filter.MaskIDs(removed),
		},
	}
	b.broadcast(msg)
}

func (b *Broadcaster) snapshot() WSMessage {
	b.mu.RLock()
	filter := b.filter
	b.mu.RUnlock()
	return WSMessage{
		Type: MsgSnapshot,
		Payload: SnapshotPayload{
			Sessions: filter.FilterSlice(b.list()),
		},
	}
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("broadcast marshal error", "err", err)
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		if !c.tryEnqueue(data) {
			// Client can't keep up, disconnect it
			b.logger.Info("ws client too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		delete(b.clients, c)
		c.close()
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
