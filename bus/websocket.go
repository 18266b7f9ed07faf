package bus

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// clientFrame is what a websocket client sends to manage its
// subscriptions.
type clientFrame struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	Topic  string `json:"topic"`  // "job:<id>" or "daemon:<id>"
}

// WebSocketConn adapts a gorilla websocket connection to the hub's
// Conn interface. Writes are serialized with a mutex because the hub
// writer and the ping loop both touch the socket.
type WebSocketConn struct {
	id string
	ws *websocket.Conn
	mu sync.Mutex
}

// NewWebSocketConn wraps an upgraded websocket connection.
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{id: uuid.New().String(), ws: ws}
}

// ID returns the opaque connection handle.
func (c *WebSocketConn) ID() string { return c.id }

// WriteEvent sends one event as a JSON text frame.
func (c *WebSocketConn) WriteEvent(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(ev)
}

// Ping sends a control ping frame.
func (c *WebSocketConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close closes the underlying socket.
func (c *WebSocketConn) Close() error {
	return c.ws.Close()
}

// ServeWS returns an HTTP handler that upgrades the request, attaches
// the connection to the hub, and services subscribe/unsubscribe frames
// until the client goes away.
func ServeWS(hub *Hub, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// The events surface is same-origin or reverse-proxied; origin
		// policy belongs to the embedding server.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Debug("Websocket upgrade failed", "error", err)
			return
		}
		conn := NewWebSocketConn(ws)
		hub.Attach(conn)
		defer hub.Detach(conn)

		ws.SetReadLimit(4096)
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})

		stop := make(chan struct{})
		defer close(stop)
		go func() {
			ticker := time.NewTicker(pingPeriod)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					if err := conn.Ping(); err != nil {
						return
					}
				}
			}
		}()

		for {
			var frame clientFrame
			if err := ws.ReadJSON(&frame); err != nil {
				return
			}
			switch frame.Action {
			case "subscribe":
				hub.Subscribe(conn, frame.Topic)
			case "unsubscribe":
				hub.Unsubscribe(conn, frame.Topic)
			default:
				logger.Debug("Ignoring unknown websocket frame",
					"conn_id", conn.ID(), "action", frame.Action)
			}
		}
	})
}
