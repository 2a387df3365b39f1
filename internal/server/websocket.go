package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parcelview/persist/internal/config"
	"github.com/parcelview/persist/internal/record"
	"github.com/parcelview/persist/internal/remote"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// defaultWriteWait bounds how long one subscriber may stall a broadcast.
const defaultWriteWait = 10 * time.Second

// subscriber serializes outgoing writes to one connection. The websocket
// library allows at most one concurrent writer per connection, and Broadcast
// is called from concurrent save handlers.
type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// write sends one message under the write deadline.
func (s *subscriber) write(v interface{}, wait time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(wait))
	return s.conn.WriteJSON(v)
}

// Hub pushes saved records to subscribed clients so they can reconcile
// without polling.
type Hub struct {
	cfg       *config.Config
	subs      map[*websocket.Conn]*subscriber
	mu        sync.Mutex
	writeWait time.Duration
}

// NewHub creates an update hub.
func NewHub(cfg *config.Config) *Hub {
	return &Hub{
		cfg:       cfg,
		subs:      make(map[*websocket.Conn]*subscriber),
		writeWait: defaultWriteWait,
	}
}

// HandleWebSocket upgrades an incoming subscription request.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.cfg.Log(1, "websocket upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	h.subs[conn] = &subscriber{conn: conn}
	n := len(h.subs)
	h.mu.Unlock()
	h.cfg.Log(1, "update subscriber connected (%d active)", n)

	// Drain the connection; subscribers only listen.
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast pushes a saved record to every subscriber. A subscriber that
// cannot take the write before the deadline is dropped: one stalled client
// must not block the save path.
func (h *Hub) Broadcast(rec *record.Record) {
	wire := remote.ToWire(rec)

	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		if err := s.write(wire, h.writeWait); err != nil {
			h.cfg.Log(1, "dropping update subscriber: %v", err)
			h.drop(s.conn)
		}
	}
}

// Close disconnects all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.subs {
		conn.Close()
	}
	h.subs = make(map[*websocket.Conn]*subscriber)
}

func (h *Hub) drop(conn *websocket.Conn) {
	conn.Close()
	h.mu.Lock()
	delete(h.subs, conn)
	h.mu.Unlock()
}
