package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/drillhub/internal/domain"
	"github.com/drillhub/internal/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	framePing        = "ping"
	framePong        = "pong"
	frameAck         = "ack"
	frameError       = "error"
)

type clientFrame struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
}

type serverFrame struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
	Error string `json:"error,omitempty"`
}

type wsClient struct {
	api  *API
	conn *websocket.Conn
	user domain.UserRef

	// sessionID is set when the socket carries presence for one session.
	sessionID string

	send chan []byte

	mu   sync.Mutex
	subs map[string]func()
}

// serveWS upgrades the connection and streams topic envelopes to the peer.
// The optional session query parameter ties the socket to a membership:
// presence flips to connected now and back to disconnected when the socket
// dies, without touching the membership itself.
func (a *API) serveWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.ErrorContext(c.Request.Context(), "ws: upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		api:       a,
		conn:      conn,
		user:      currentUser(c),
		sessionID: c.Query("session"),
		send:      make(chan []byte, sendBuffer),
		subs:      make(map[string]func()),
	}

	telemetry.WebsocketConnections.Inc()
	client.markConnection(c.Request.Context(), domain.Connected)

	go client.writePump()
	go client.readPump()
}

func (c *wsClient) markConnection(ctx context.Context, state domain.ConnectionState) {
	if c.sessionID == "" {
		return
	}
	if err := c.api.reg.MarkConnection(ctx, c.sessionID, c.user.ID, state); err != nil {
		slog.ErrorContext(ctx, "ws: mark connection failed",
			"session", c.sessionID, "user", c.user.ID, "state", state, "error", err)
	}
}

func (c *wsClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("ws: read failed", "user", c.user.ID, "error", err)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.sendFrame(serverFrame{Type: frameError, Error: "invalid frame"})
			continue
		}

		c.handleFrame(frame)
	}
}

func (c *wsClient) handleFrame(frame clientFrame) {
	switch frame.Type {
	case frameSubscribe:
		if err := c.subscribe(frame.Topic); err != nil {
			c.sendFrame(serverFrame{Type: frameError, Topic: frame.Topic, Error: err.Error()})
			return
		}
		c.sendFrame(serverFrame{Type: frameAck, Topic: frame.Topic})

	case frameUnsubscribe:
		c.unsubscribe(frame.Topic)
		c.sendFrame(serverFrame{Type: frameAck, Topic: frame.Topic})

	case framePing:
		c.sendFrame(serverFrame{Type: framePong})

	default:
		c.sendFrame(serverFrame{Type: frameError, Error: "unknown frame type"})
	}
}

func (c *wsClient) subscribe(topic string) error {
	c.mu.Lock()
	_, dup := c.subs[topic]
	c.mu.Unlock()
	if dup {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	sub, err := c.api.bc.Subscribe(ctx, topic)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.subs[topic] = func() { c.api.bc.Unsubscribe(sub) }
	c.mu.Unlock()

	go func() {
		for env := range sub.C {
			b, err := json.Marshal(env)
			if err != nil {
				slog.Error("ws: marshal envelope failed", "topic", topic, "error", err)
				continue
			}
			select {
			case c.send <- b:
			default:
				// The peer is not draining; drop the socket, the client
				// reconnects and resnapshots.
				c.conn.Close()
				return
			}
		}
		c.sendFrame(serverFrame{Type: frameError, Topic: topic, Error: "subscription closed"})
	}()

	return nil
}

func (c *wsClient) unsubscribe(topic string) {
	c.mu.Lock()
	cancel, ok := c.subs[topic]
	if ok {
		delete(c.subs, topic)
	}
	c.mu.Unlock()

	if ok {
		cancel()
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

func (c *wsClient) sendFrame(frame serverFrame) {
	b, _ := json.Marshal(frame)
	select {
	case c.send <- b:
	default:
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	cancels := make([]func(), 0, len(c.subs))
	for _, cancel := range c.subs {
		cancels = append(cancels, cancel)
	}
	c.subs = make(map[string]func())
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	c.markConnection(ctx, domain.Disconnected)

	telemetry.WebsocketConnections.Dec()
	// send stays open: forwarding goroutines may still race a final frame
	// in; writePump exits on its next failed write.
	c.conn.Close()
}
