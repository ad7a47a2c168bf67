// Package dashboard implements DashboardPublisher (spec.md §4.7): the
// snapshot/detail HTTP surfaces, the bidirectional event channel, and the
// reset command. The websocket hub (client registration, writePump,
// ping/pong keep-alive) is grounded on the framework's
// ui/transports/websocket/websocket.go; the per-subscriber coalescing --
// "at most one update in flight per subscriber per conversation; drop
// intermediate updates, keep latest" (spec.md §4.7) -- replaces that
// transport's unbounded per-event send channel with a pending-map-plus-
// wake-signal so a burst of mutations for one conversation collapses to
// its latest state before a slow client drains it.
package dashboard

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marklubin/doublebufferproxy/internal/logger"
	"github.com/marklubin/doublebufferproxy/internal/store"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// frame is the JSON envelope every server->client and client->server
// message uses, discriminated by Type (spec.md §6: "frames are JSON
// objects with a type discriminator").
type frame struct {
	Type          string                `json:"type"`
	Conversations []store.ConversationView `json:"conversations,omitempty"`
	Conversation  *store.ConversationView  `json:"conversation,omitempty"`
	ConvID        string                `json:"conv_id,omitempty"`
	Message       string                `json:"message,omitempty"`
}

// Publisher is the DashboardPublisher. It subscribes to a
// ConversationStore's change notifications and fans them out to
// websocket subscribers.
type Publisher struct {
	store *store.ConversationStore
	log   logger.Logger

	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

// New builds a Publisher and subscribes it to st's change notifications.
func New(st *store.ConversationStore, log logger.Logger) *Publisher {
	p := &Publisher{
		store: st,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
	st.Subscribe(p)
	return p
}

// Notify implements store.ChangeNotifier. It is called by
// ConversationStore/Engine after every committed mutation (spec.md §4.7).
func (p *Publisher) Notify(key string) {
	view, ok := p.store.Detail(key)
	if !ok {
		return
	}
	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	for c := range p.clients {
		c.enqueueUpdate(view)
	}
}

// PublishAPIError pushes an api_error event for key (spec.md §4.7, §7:
// "dashboard emits api_error" on a forwarding failure).
func (p *Publisher) PublishAPIError(convID, message string) {
	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	for c := range p.clients {
		c.enqueueError(convID, message)
	}
}

// HealthHandler serves GET /health (spec.md §6): conversation count and
// whether passthrough mode is active.
func (p *Publisher) HealthHandler(passthrough bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":        "ok",
			"conversations": p.store.Count(),
			"passthrough":   passthrough,
		})
	}
}

// SnapshotHandler serves GET /dashboard/api/conversations: the current
// conversation list (spec.md §4.7 "a snapshot endpoint").
func (p *Publisher) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.store.Snapshot())
}

// DetailHandler serves GET /dashboard/api/conversation/{key}: full detail
// JSON for one conversation (spec.md §4.7, §6).
func (p *Publisher) DetailHandler(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	view, ok := p.store.Detail(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "conversation not found"})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ResetHandler serves POST /v1/_reset with an optional {"conv_id": "..."}
// body; an empty or absent conv_id resets every conversation (spec.md §6).
func (p *Publisher) ResetHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConvID string `json:"conv_id"`
	}
	if r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	p.store.Reset(body.ConvID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// WSHandler serves WS /dashboard/ws: upgrades to a websocket connection,
// sends the initial_state frame, then streams state_update/api_error
// frames until the connection closes (spec.md §4.7, §6).
func (p *Publisher) WSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.log.Warn("dashboard websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &client{
		conn:    conn,
		pub:     p,
		pending: make(map[string]store.ConversationView),
		wake:    make(chan struct{}, 1),
		errors:  make(chan frame, 16),
	}

	p.clientsMu.Lock()
	p.clients[c] = struct{}{}
	p.clientsMu.Unlock()

	initial := frame{Type: "initial_state", Conversations: p.store.Snapshot()}
	if err := conn.WriteJSON(initial); err != nil {
		p.removeClient(c)
		conn.Close()
		return
	}

	go c.writePump()
	c.readPump()
}

func (p *Publisher) removeClient(c *client) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	delete(p.clients, c)
}

// client is one subscriber connection. Coalescing state: pending holds
// the latest view per conversation key not yet sent; wake signals the
// writer there is work. A key already in pending when a newer Notify
// arrives is simply overwritten -- "drop intermediate updates, keep
// latest" (spec.md §4.7).
type client struct {
	conn *websocket.Conn
	pub  *Publisher

	mu      sync.Mutex
	pending map[string]store.ConversationView
	wake    chan struct{}
	errors  chan frame

	closeOnce sync.Once
}

func (c *client) enqueueUpdate(v store.ConversationView) {
	c.mu.Lock()
	c.pending[v.Key] = v
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *client) enqueueError(convID, message string) {
	select {
	case c.errors <- frame{Type: "api_error", ConvID: convID, Message: message}:
	default:
		// Subscriber isn't draining fast enough; drop rather than block
		// Notify's caller (spec.md §4.7 coalescing applies in spirit to
		// errors too -- they are best-effort observability, not state).
	}
}

func (c *client) drain() []store.ConversationView {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	out := make([]store.ConversationView, 0, len(c.pending))
	for _, v := range c.pending {
		out = append(out, v)
	}
	c.pending = make(map[string]store.ConversationView)
	return out
}

// writePump flushes coalesced state updates and api_error frames, and
// pings the connection to keep it alive, matching the framework
// websocket transport's writePump (ticker-driven ping + channel-driven
// writes), with the state channel replaced by wake+pending-map.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.wake:
			for _, v := range c.drain() {
				v := v
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteJSON(frame{Type: "state_update", Conversation: &v}); err != nil {
					return
				}
			}
		case ev := <-c.errors:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles client->server frames: the only one it accepts is
// reset_conversation (spec.md §4.7).
func (c *client) readPump() {
	defer func() {
		c.pub.removeClient(c)
		c.conn.Close()
	}()

	for {
		var in frame
		if err := c.conn.ReadJSON(&in); err != nil {
			return
		}
		if in.Type == "reset_conversation" {
			c.pub.store.Reset(in.ConvID)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
