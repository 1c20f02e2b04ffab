package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"quire/api/internal/collab"
	"quire/api/internal/sharedstate"
)

// notifySessionReplaced tells whichever instance holds a session that a newer
// session of the same actor took over.
const notifySessionReplaced = "SESSION_REPLACED"

type busMessage struct {
	Origin       string              `json:"origin"`
	Notification collab.Notification `json:"notification"`
}

func roomsChannel() string {
	return sharedstate.Key("realtime", "rooms")
}

// Hub tracks the connections of this instance by room and fans
// notifications out to them. Notifications are also published on the bus so
// that other instances deliver them to their own connections.
type Hub struct {
	bus        sharedstate.Bus
	instanceID string
	logger     zerolog.Logger

	mu    sync.RWMutex
	conns map[*conn]struct{}
	rooms map[string]map[*conn]struct{}
}

func NewHub(bus sharedstate.Bus, instanceID string, logger zerolog.Logger) *Hub {
	return &Hub{
		bus:        bus,
		instanceID: instanceID,
		logger:     logger,
		conns:      make(map[*conn]struct{}),
		rooms:      make(map[string]map[*conn]struct{}),
	}
}

// Start subscribes to the bus and delivers remote notifications until ctx
// ends. The subscription is live when Start returns.
func (h *Hub) Start(ctx context.Context) error {
	sub, err := h.bus.Subscribe(ctx, roomsChannel())
	if err != nil {
		return fmt.Errorf("subscribe rooms: %w", err)
	}
	go func() {
		defer sub.Close()
		for raw := range sub.Messages() {
			var msg busMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				h.logger.Warn().Err(err).Msg("decode bus message")
				continue
			}
			if msg.Origin == h.instanceID {
				continue
			}
			h.deliver(msg.Notification)
		}
	}()
	return nil
}

// Broadcast implements collab.Broadcaster.
func (h *Hub) Broadcast(ctx context.Context, n collab.Notification) error {
	h.deliver(n)
	raw, err := json.Marshal(busMessage{Origin: h.instanceID, Notification: n})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return h.bus.Publish(ctx, roomsChannel(), raw)
}

func (h *Hub) deliver(n collab.Notification) {
	h.mu.RLock()
	room := make([]*conn, 0, len(h.rooms[n.DraftID]))
	for c := range h.rooms[n.DraftID] {
		room = append(room, c)
	}
	h.mu.RUnlock()

	if n.Type == notifySessionReplaced {
		var p replacedPayload
		if err := json.Unmarshal(n.Payload, &p); err != nil {
			return
		}
		for _, c := range room {
			if c.info.SessionID == p.SessionID {
				c.evict(encode(ReplySessionReplaced, "", p))
			}
		}
		return
	}

	msg, _ := json.Marshal(Envelope{Type: n.Type, Payload: n.Payload})
	for _, c := range room {
		if n.ExcludeSession != "" && c.info.SessionID == n.ExcludeSession {
			continue
		}
		c.send(msg)
	}
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

func (h *Hub) join(c *conn, draftID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[draftID] == nil {
		h.rooms[draftID] = make(map[*conn]struct{})
	}
	h.rooms[draftID][c] = struct{}{}
}

func (h *Hub) leave(c *conn, draftID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms[draftID], c)
	if len(h.rooms[draftID]) == 0 {
		delete(h.rooms, draftID)
	}
}

// CloseAll drops every local connection.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
}
