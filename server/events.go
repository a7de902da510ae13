package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/engramlabs/engram-go/hooks"
)

const (
	eventWriteWait = 10 * time.Second
	eventPingEvery = 30 * time.Second
	// subscriberBuffer bounds per-client queues; slow clients drop
	// events rather than stall the hub.
	subscriberBuffer = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Loopback tool; browsers on the same host are fine.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventHub fans hook notifications out to every connected websocket
// client. It is the single consumer of the hooks.Channel bridge.
type eventHub struct {
	source *hooks.Channel
	log    *zap.Logger
	once   sync.Once

	mu   sync.Mutex
	subs map[chan hooks.Notification]struct{}
}

func newEventHub(source *hooks.Channel, log *zap.Logger) *eventHub {
	return &eventHub{
		source: source,
		log:    log,
		subs:   make(map[chan hooks.Notification]struct{}),
	}
}

// start launches the pump on first use; it lives for the process.
func (h *eventHub) start() {
	if h.source == nil {
		return
	}
	h.once.Do(func() { go h.pump() })
}

func (h *eventHub) pump() {
	for n := range h.source.C() {
		h.mu.Lock()
		for sub := range h.subs {
			select {
			case sub <- n:
			default:
			}
		}
		h.mu.Unlock()
	}
}

func (h *eventHub) subscribe() chan hooks.Notification {
	sub := make(chan hooks.Notification, subscriberBuffer)
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *eventHub) unsubscribe(sub chan hooks.Notification) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// handleEvents upgrades to a websocket and streams notifications as JSON
// text frames until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.hub.start()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := s.hub.subscribe()
	defer s.hub.unsubscribe(sub)

	// Reader drains control frames and signals disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingEvery)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case n := <-sub:
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(n); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
