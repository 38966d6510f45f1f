package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/common/logger"
	"github.com/haivemind/haivemind/internal/events/bus"
	"github.com/haivemind/haivemind/internal/protocol"
	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsClient is one WebSocket connection. It implements bus.Subscriber
// with a bounded send queue; a full queue drops events instead of
// blocking the producers.
type wsClient struct {
	conn    *websocket.Conn
	send    chan *v1.Event
	gateway *Gateway
}

// Send queues an event for delivery. Never blocks.
func (c *wsClient) Send(ev *v1.Event) bool {
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

// inboundMessage is what clients send: subscription control.
type inboundMessage struct {
	Kind string `json:"kind"`
	Data struct {
		ProjectSlug string `json:"project_slug"`
	} `json:"data"`
}

// Gateway upgrades connections and bridges them onto the event bus.
type Gateway struct {
	bus    *bus.Broadcaster
	logger *logger.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// NewGateway creates the WebSocket gateway.
func NewGateway(eventBus *bus.Broadcaster, log *logger.Logger) *Gateway {
	return &Gateway{
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "ws")),
		clients: make(map[*wsClient]struct{}),
	}
}

// Clients returns the number of open connections.
func (g *Gateway) Clients() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// Handle upgrades the request and runs the read/write pumps.
func (g *Gateway) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := &wsClient{conn: conn, send: make(chan *v1.Event, wsSendBuffer), gateway: g}
	g.mu.Lock()
	g.clients[client] = struct{}{}
	g.mu.Unlock()

	go client.writePump()
	go client.readPump()
}

func (g *Gateway) remove(client *wsClient) {
	g.mu.Lock()
	delete(g.clients, client)
	g.mu.Unlock()
	g.bus.Drop(client)
}

// readPump consumes subscription messages until the connection closes.
func (c *wsClient) readPump() {
	defer func() {
		c.gateway.remove(c)
		c.conn.Close()
		close(c.send)
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.gateway.logger.WithError(err).Debug("Ignoring malformed WS message")
			continue
		}
		switch msg.Kind {
		case protocol.WSSubscribe:
			c.gateway.bus.Subscribe(c, msg.Data.ProjectSlug)
		case protocol.WSUnsubscribe:
			c.gateway.bus.Unsubscribe(c, msg.Data.ProjectSlug)
		}
	}
}

// writePump streams queued events and keeps the connection alive with
// pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
