package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/fx-markets/refyield/pkg/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: In production, restrict to specific origins
		return true
	},
}

// ClientMessage represents messages sent by WebSocket clients.
type ClientMessage struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	User   string `json:"user"`   // Address to follow, or "*" for all users
}

// ServerMessage represents messages sent to WebSocket clients.
type ServerMessage struct {
	Type    string      `json:"type"` // "accrual", "subscribed", "unsubscribed", "error", "info"
	Payload interface{} `json:"payload"`
}

// clientSubscriptions tracks which users a client follows. The reader
// goroutine mutates it while the subscriber goroutine filters on it.
type clientSubscriptions struct {
	users *xsync.Map[string, bool]
}

func newClientSubscriptions() *clientSubscriptions {
	return &clientSubscriptions{users: xsync.NewMap[string, bool]()}
}

func (cs *clientSubscriptions) Subscribe(user string) {
	cs.users.Store(strings.ToLower(user), true)
}

func (cs *clientSubscriptions) Unsubscribe(user string) {
	cs.users.Delete(strings.ToLower(user))
}

// IsSubscribed reports whether the client follows a user. Wildcard (*)
// matches everyone.
func (cs *clientSubscriptions) IsSubscribed(user string) bool {
	if _, ok := cs.users.Load("*"); ok {
		return true
	}
	_, ok := cs.users.Load(strings.ToLower(user))
	return ok
}

// HandleWebSocket upgrades the connection and streams accrual events.
//
// Protocol:
// Client sends: {"action": "subscribe", "user": "0xabc..."} or "*"
// Server sends: {"type": "accrual", "payload": {...}} plus lifecycle frames.
func (c *Controller) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.App.Logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			c.App.Logger.Error("Failed to close WebSocket connection", zap.Error(err))
		}
	}()

	c.App.Logger.Info("WebSocket client connected", zap.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := newClientSubscriptions()
	send := make(chan ServerMessage, 256)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				c.App.Logger.Error("Panic in accrual subscriber goroutine",
					zap.Any("panic", rec),
					zap.String("stack", string(debug.Stack())))
				cancel()
			}
		}()
		c.forwardAccruals(ctx, send, subs)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				c.App.Logger.Error("Panic in ping ticker goroutine", zap.Any("panic", rec))
				cancel()
			}
		}()
		c.sendPings(ctx, conn)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				c.App.Logger.Error("Panic in message writer goroutine", zap.Any("panic", rec))
				cancel()
			}
		}()
		c.writeMessages(conn, send)
	}()

	c.readClientMessages(ctx, conn, cancel, subs, send)

	close(send)
	wg.Wait()

	c.App.Logger.Info("WebSocket client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

// forwardAccruals relays the accrual channel to the client, filtered by
// the client's subscriptions.
func (c *Controller) forwardAccruals(ctx context.Context, send chan<- ServerMessage, subs *clientSubscriptions) {
	pubsub := c.App.Store.Subscribe(ctx, store.ChannelAccruals)
	defer func() {
		if err := pubsub.Close(); err != nil {
			c.App.Logger.Error("Error closing accrual subscription", zap.Error(err))
		}
	}()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				select {
				case send <- ServerMessage{Type: "error", Payload: map[string]string{"message": "accrual feed closed"}}:
				case <-ctx.Done():
				}
				return
			}

			var payload map[string]interface{}
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
				c.App.Logger.Error("Failed to parse accrual message", zap.Error(err))
				continue
			}
			if !subs.IsSubscribed(accrualUser(payload)) {
				continue
			}
			select {
			case send <- ServerMessage{Type: "accrual", Payload: payload}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// accrualUser pulls the subject address out of a published accrual event.
func accrualUser(payload map[string]interface{}) string {
	accrual, ok := payload["accrual"].(map[string]interface{})
	if !ok {
		return ""
	}
	user, _ := accrual["user"].(string)
	return user
}

// sendPings sends periodic WebSocket ping frames to keep the connection alive.
func (c *Controller) sendPings(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				c.App.Logger.Error("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

// writeMessages writes messages from the send channel to the connection.
func (c *Controller) writeMessages(conn *websocket.Conn, send <-chan ServerMessage) {
	for msg := range send {
		if err := conn.WriteJSON(msg); err != nil {
			c.App.Logger.Error("Failed to write WebSocket message", zap.Error(err))
			return
		}
	}
}

// readClientMessages reads subscription requests until the client goes away.
func (c *Controller) readClientMessages(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc, subs *clientSubscriptions, send chan<- ServerMessage) {
	if err := conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
		c.App.Logger.Error("Failed to set read deadline", zap.Error(err))
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			var msg ClientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					c.App.Logger.Error("WebSocket read error", zap.Error(err))
				}
				cancel()
				return
			}
			if err := conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
				c.App.Logger.Error("Failed to reset read deadline", zap.Error(err))
				return
			}

			switch msg.Action {
			case "subscribe":
				if msg.User == "" {
					send <- ServerMessage{Type: "error", Payload: map[string]string{"message": "user is required"}}
					continue
				}
				subs.Subscribe(msg.User)
				send <- ServerMessage{Type: "subscribed", Payload: map[string]string{"user": msg.User}}

			case "unsubscribe":
				if msg.User == "" {
					send <- ServerMessage{Type: "error", Payload: map[string]string{"message": "user is required"}}
					continue
				}
				subs.Unsubscribe(msg.User)
				send <- ServerMessage{Type: "unsubscribed", Payload: map[string]string{"user": msg.User}}

			default:
				send <- ServerMessage{Type: "error", Payload: map[string]string{"message": "unknown action: " + msg.Action}}
			}
		}
	}
}
