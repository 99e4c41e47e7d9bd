// Package websocket bridges the event bus to WebSocket subscribers.
//
// One connection watches one session: the client receives every lifecycle
// event (session.updated, session.error, message.complete) and every raw
// agent stream event published for that session, in publish order.
package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codedeck/codedeck/internal/common/logger"
	"github.com/codedeck/codedeck/internal/events"
	"github.com/codedeck/codedeck/internal/events/bus"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4 * 1024
)

// Client represents one WebSocket connection watching one session.
type Client struct {
	sessionID     string
	conn          *websocket.Conn
	bus           bus.EventBus
	send          chan []byte
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// NewClient creates a client for a session's event feed.
func NewClient(sessionID string, conn *websocket.Conn, eventBus bus.EventBus, log *logger.Logger) *Client {
	return &Client{
		sessionID: sessionID,
		conn:      conn,
		bus:       eventBus,
		send:      make(chan []byte, 256),
		logger:    log.WithSessionID(sessionID),
	}
}

// Start subscribes to the session's subjects and runs the pumps. It returns
// once the subscriptions are live; the pumps run until the peer disconnects.
func (c *Client) Start() error {
	handler := func(ctx context.Context, event *bus.Event) error {
		payload, err := json.Marshal(event)
		if err != nil {
			return err
		}
		select {
		case c.send <- payload:
		default:
			// Slow consumer: drop rather than block the bus.
			c.logger.Warn("dropping event for slow websocket consumer",
				zap.String("event_type", event.Type))
		}
		return nil
	}

	for _, subject := range []string{
		events.BuildSessionSubject(c.sessionID),
		events.BuildAgentStreamSubject(c.sessionID),
	} {
		sub, err := c.bus.Subscribe(subject, handler)
		if err != nil {
			c.teardown()
			return err
		}
		c.subscriptions = append(c.subscriptions, sub)
	}

	go c.writePump()
	go c.readPump()
	return nil
}

func (c *Client) teardown() {
	for _, sub := range c.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Debug("unsubscribe failed", zap.Error(err))
		}
	}
	c.subscriptions = nil
	_ = c.conn.Close()
}

// readPump consumes the connection until the peer closes it. Incoming
// frames are only read to service pongs and detect disconnect; the feed
// is one-way.
func (c *Client) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards queued events to the peer and keeps the connection
// alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
