package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trading-engine/internal/eventbus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsHub fans every bus event out to every connected observer. Each
// connection gets its own buffered outbound queue and its own writer
// goroutine, so one slow browser tab can never block another
// connection or the bus itself — gorilla/websocket forbids concurrent
// writes on a single *websocket.Conn.
type wsHub struct {
	bus    *eventbus.Bus
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

const wsClientBuffer = 256

func newWSHub(bus *eventbus.Bus, logger *zap.Logger) *wsHub {
	return &wsHub{
		bus:     bus,
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

var fanoutKinds = []eventbus.Kind{
	eventbus.KindOrder,
	eventbus.KindMarket,
	eventbus.KindUserEvent,
	eventbus.KindBot,
	eventbus.KindKline,
}

// run subscribes once to every bus kind and relays each event to
// every connected client as a {"type": kind, "payload": ...} frame.
// Intended to be started exactly once, for the lifetime of the
// process.
func (h *wsHub) run() {
	merged := make(chan eventbus.Event, wsClientBuffer)
	for _, kind := range fanoutKinds {
		sub := h.bus.Subscribe(kind)
		go func(kind eventbus.Kind, sub <-chan eventbus.Event) {
			for ev := range sub {
				merged <- ev
			}
		}(kind, sub)
	}

	for ev := range merged {
		frame, err := json.Marshal(map[string]interface{}{
			"type":    string(ev.Kind),
			"payload": ev.Payload,
		})
		if err != nil {
			h.logger.Warn("ws: failed to marshal event frame", zap.Error(err))
			continue
		}
		h.broadcast(frame)
	}
}

func (h *wsHub) broadcast(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("ws: dropping frame, client send buffer full")
		}
	}
}

func (h *wsHub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *wsHub) unregister(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.send)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws: upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, wsClientBuffer)}
	s.hub.register(client)

	go func() {
		defer s.hub.unregister(client)
		defer conn.Close()
		for frame := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}()

	// Observers never send anything meaningful; read and discard so
	// the connection's read deadline/pong handling stays alive and
	// the client's disconnect is detected promptly.
	go func() {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
