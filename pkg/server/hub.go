package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/nicktill/telemetryd/pkg/config"
	"github.com/nicktill/telemetryd/pkg/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header means a non-browser client.
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// wsClient is one websocket connection. Only its writer goroutine writes to
// conn; everything else hands it messages through send.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// EventHub fans timeline notifications out to websocket clients.
type EventHub struct {
	clients    map[*wsClient]struct{}
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	done       chan struct{}

	mu  sync.RWMutex
	log *slog.Logger
}

func NewEventHub(log *slog.Logger) *EventHub {
	return &EventHub{
		clients:    make(map[*wsClient]struct{}),
		register:   make(chan *wsClient, config.WSChannelBuffer),
		unregister: make(chan *wsClient, config.WSChannelBuffer),
		broadcast:  make(chan []byte, config.WSBroadcastBuffer),
		done:       make(chan struct{}),
		log:        logging.OrDefault(log).With("component", "ws"),
	}
}

// Run owns the client set until ctx is cancelled, then disconnects everyone.
func (h *EventHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Info("websocket client connected", "clients", count)
		case c := <-h.unregister:
			h.drop(c)
		case message := <-h.broadcast:
			h.mu.RLock()
			var slow []*wsClient
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()

			for _, c := range slow {
				h.log.Warn("websocket client too slow, disconnecting")
				h.drop(c)
			}
		}
	}
}

func (h *EventHub) drop(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.log.Info("websocket client disconnected", "clients", count)
	}
}

// Broadcast sends data as JSON to every client. When the hub is backed up
// the message is dropped.
func (h *EventHub) Broadcast(data any) error {
	message, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "failed to encode broadcast")
	}
	select {
	case h.broadcast <- message:
	default:
		h.log.Warn("broadcast channel full, dropping message")
	}
	return nil
}

func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams broadcasts to it until either
// side goes away.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, config.WSChannelBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.write(c)
	h.read(c)

	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// read discards client messages. It only exists to process control frames
// and notice when the client goes away.
func (h *EventHub) read(c *wsClient) {
	c.conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read failed", "err", err)
			}
			return
		}
	}
}

func (h *EventHub) write(c *wsClient) {
	ticker := time.NewTicker(config.WSPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.log.Warn("websocket write failed", "err", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
