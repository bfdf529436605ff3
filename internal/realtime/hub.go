// Package realtime serves the websocket protocol of live sessions: it runs client
// requests against the session controller and fans group events out to every
// connection bound to a session.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/telemetry"
)

const defaultSendBuffer = 256

type conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	// guarded by Hub.mu
	sessionID     string
	participantID string
	closed        bool
}

// Hub tracks connections and the session group each one is bound to.
type Hub struct {
	redis  redis.UniversalClient
	prefix string
	buffer int

	mu     sync.RWMutex
	conns  map[string]*conn
	groups map[string]map[string]*conn

	ready chan struct{}
	once  sync.Once
}

type HubConfig struct {
	Redis  redis.UniversalClient
	Prefix string
	// SendBuffer is the number of messages a connection may lag behind before it is dropped.
	SendBuffer int
}

func NewHub(c HubConfig) *Hub {
	h := &Hub{
		redis:  c.Redis,
		prefix: c.Prefix,
		buffer: c.SendBuffer,
		conns:  make(map[string]*conn),
		groups: make(map[string]map[string]*conn),
		ready:  make(chan struct{}),
	}

	if h.buffer <= 0 {
		h.buffer = defaultSendBuffer
	}

	return h
}

// Listen relays group events published on Redis to local connections until ctx is done.
func (h *Hub) Listen(ctx context.Context) error {
	ps := h.redis.PSubscribe(ctx, channelPattern(h.prefix))
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("realtime: subscribe %s: %w", channelPattern(h.prefix), err)
	}
	h.once.Do(func() { close(h.ready) })

	slog.InfoContext(ctx, "realtime: listening for session events", "pattern", channelPattern(h.prefix))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			sessionID, ok := sessionOf(h.prefix, msg.Channel)
			if !ok {
				continue
			}
			h.relay(sessionID, msg.Payload)
		}
	}
}

// relay broadcasts one session channel message, leaving out the connections of the
// participant the envelope excludes.
func (h *Hub) relay(sessionID, payload string) {
	var env struct {
		Event  string          `json:"event"`
		Data   json.RawMessage `json:"data"`
		Except string          `json:"except"`
	}
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		slog.Warn("realtime: malformed session message", "session", sessionID, "error", err)
		return
	}

	if env.Except == "" {
		h.broadcast(sessionID, []byte(payload), "")
		return
	}

	b, err := json.Marshal(domain.Notification{Event: env.Event, Data: env.Data})
	if err != nil {
		slog.Error("realtime: marshal notification failed", "event", env.Event, "error", err)
		return
	}
	h.broadcast(sessionID, b, env.Except)
}

// Ready is closed once Listen is subscribed.
func (h *Hub) Ready() <-chan struct{} {
	return h.ready
}

func (h *Hub) register(ws *websocket.Conn) *conn {
	c := &conn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, h.buffer),
	}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	telemetry.AddWSConnections(1)
	return c
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *conn) {
	if c.closed {
		return
	}

	c.closed = true
	delete(h.conns, c.id)
	h.unbindLocked(c)
	close(c.send)

	telemetry.AddWSConnections(-1)
}

// bind moves c into the group of sessionID. participantID is set for participant
// connections and empty for hosts.
func (h *Hub) bind(c *conn, sessionID, participantID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.closed || sessionID == "" {
		return
	}
	if c.sessionID == sessionID {
		if participantID != "" {
			c.participantID = participantID
		}
		return
	}

	h.unbindLocked(c)

	c.sessionID = sessionID
	c.participantID = participantID
	if h.groups[sessionID] == nil {
		h.groups[sessionID] = make(map[string]*conn)
	}
	h.groups[sessionID][c.id] = c
}

func (h *Hub) unbindLocked(c *conn) {
	if c.sessionID == "" {
		return
	}

	if g := h.groups[c.sessionID]; g != nil {
		delete(g, c.id)
		if len(g) == 0 {
			delete(h.groups, c.sessionID)
		}
	}
	c.sessionID = ""
	c.participantID = ""
}

// Broadcast queues data for every connection of a session. Connections whose buffer is
// full are dropped.
func (h *Hub) Broadcast(sessionID string, data []byte) {
	h.broadcast(sessionID, data, "")
}

func (h *Hub) broadcast(sessionID string, data []byte, except string) {
	var slow []*conn

	h.mu.RLock()
	for _, c := range h.groups[sessionID] {
		if except != "" && c.participantID == except {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}

	h.mu.Lock()
	for _, c := range slow {
		slog.Warn("realtime: connection too slow, dropping", "conn", c.id, "session", sessionID)
		h.removeLocked(c)
	}
	h.mu.Unlock()
}

// reply queues a notification for one connection only.
func (h *Hub) reply(c *conn, event string, data any) {
	b, err := json.Marshal(domain.Notification{Event: event, Data: data})
	if err != nil {
		slog.Error("realtime: marshal reply failed", "event", event, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- b:
	default:
		slog.Warn("realtime: connection too slow, dropping", "conn", c.id)
		h.removeLocked(c)
	}
}

// Connections returns the number of open connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.conns)
}

// GroupSize returns the number of connections bound to a session.
func (h *Hub) GroupSize(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.groups[sessionID])
}
