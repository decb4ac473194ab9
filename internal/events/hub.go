package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qdesk-io/qdesk/pkg/protocol"
)

const (
	sendQueueSize = 64
	writeWait     = 10 * time.Second
	pingInterval  = 30 * time.Second
	pongWait      = 60 * time.Second
)

// Hub is the websocket broadcaster. Staff clients connect with an optional
// window scope and receive the global room plus that window's room.
type Hub struct {
	mu       sync.Mutex
	subs     map[*subscriber]struct{}
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

type subscriber struct {
	rooms map[string]struct{}
	send  chan []byte
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs: make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Publish routes the event to every subscriber of its rooms. A subscriber
// whose queue is full is dropped rather than allowed to stall the rest.
func (h *Hub) Publish(e protocol.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("event marshal failed", "type", e.Type, "error", err)
		return
	}
	rooms := Rooms(e)

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if !sub.inAny(rooms) {
			continue
		}
		select {
		case sub.send <- payload:
		default:
			// Slow consumer: closing send makes its write loop exit.
			delete(h.subs, sub)
			close(sub.send)
			h.logger.Warn("dropping slow event subscriber")
		}
	}
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *subscriber) inAny(rooms []string) bool {
	for _, r := range rooms {
		if _, ok := s.rooms[r]; ok {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request to a websocket subscription. The optional
// "window" query parameter adds that window's room on top of global.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := &subscriber{
		rooms: map[string]struct{}{RoomGlobal: {}},
		send:  make(chan []byte, sendQueueSize),
	}
	if windowID := r.URL.Query().Get("window"); windowID != "" {
		sub.rooms[RoomWindow(windowID)] = struct{}{}
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(conn, sub)
	h.readLoop(conn, sub)
}

func (h *Hub) writeLoop(conn *websocket.Conn, sub *subscriber) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	defer conn.Close()

	for {
		select {
		case payload, ok := <-sub.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound frames; it exists to detect disconnects and
// service pongs.
func (h *Hub) readLoop(conn *websocket.Conn, sub *subscriber) {
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.send)
	}
	h.mu.Unlock()
	conn.Close()
}
