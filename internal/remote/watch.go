package remote

import (
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parcelview/persist/internal/config"
	"github.com/parcelview/persist/internal/record"
)

// UpdateHandler receives records pushed by the server.
type UpdateHandler func(rec *record.Record)

// Watcher subscribes to the server's record-update stream. Pushed records
// feed the engine's opportunistic reconciliation: a remote copy arriving
// while the local copy has diverged triggers a merge.
type Watcher struct {
	url     string
	handler UpdateHandler
	cfg     *config.Config

	mu     sync.Mutex
	conn   *websocket.Conn
	done   chan struct{}
	closed bool
}

// NewWatcher creates a watcher for the API rooted at baseURL.
func NewWatcher(baseURL string, handler UpdateHandler, cfg *config.Config) *Watcher {
	return &Watcher{
		url:     wsURL(baseURL) + "/ws/updates",
		handler: handler,
		cfg:     cfg,
		done:    make(chan struct{}),
	}
}

// Start begins the subscription loop in a goroutine. Lost connections are
// retried with a capped backoff until Stop is called.
func (w *Watcher) Start() {
	go w.run()
}

// Stop terminates the subscription loop.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.done)
	if w.conn != nil {
		w.conn.Close()
	}
}

func (w *Watcher) run() {
	backoff := time.Second
	for {
		select {
		case <-w.done:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(w.url, nil)
		if err != nil {
			if w.cfg != nil {
				w.cfg.Log(1, "update stream dial failed: %v", err)
			}
			select {
			case <-w.done:
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			conn.Close()
			return
		}
		w.conn = conn
		w.mu.Unlock()

		if w.cfg != nil {
			w.cfg.Log(1, "update stream connected: %s", w.url)
		}
		w.readLoop(conn)
	}
}

// readLoop delivers pushed records until the connection drops.
func (w *Watcher) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		var wire WireRecord
		if err := conn.ReadJSON(&wire); err != nil {
			if w.cfg != nil {
				w.cfg.Log(1, "update stream closed: %v", err)
			}
			return
		}
		rec, err := FromWire(wire)
		if err != nil {
			if w.cfg != nil {
				w.cfg.Log(1, "dropping malformed update: %v", err)
			}
			continue
		}
		if w.cfg != nil {
			w.cfg.Log(2, "pushed update: %s_%s v%d", rec.Kind, rec.ID, rec.Version)
		}
		w.handler(rec)
	}
}

// wsURL converts an http(s) base URL into its ws(s) equivalent.
func wsURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
