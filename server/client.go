package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"flowchat/protocol"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client is one live WebSocket connection. Outbound events go through a bounded
// queue drained by writeLoop, so a slow peer never blocks the hub.
type Client struct {
	id      string
	userID  string
	conn    *websocket.Conn
	send    chan protocol.Event
	limiter *rate.Limiter
	log     *slog.Logger

	writeTimeout time.Duration
	pingInterval time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newClient(parent context.Context, conn *websocket.Conn, userID string, config *ServerConfig, log *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	return &Client{
		id:           id,
		userID:       userID,
		conn:         conn,
		send:         make(chan protocol.Event, config.SendQueueSize),
		limiter:      rate.NewLimiter(rate.Limit(config.EventRate), config.EventBurst),
		log:          log.With("conn", id),
		writeTimeout: config.WriteTimeout,
		pingInterval: config.PingInterval,
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (c *Client) ID() string {
	return c.id
}

// Push queues ev for delivery. It never blocks: when the connection is closing or
// its queue is full the event is dropped and false is returned.
func (c *Client) Push(ev protocol.Event) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}

	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.send:
			writeCtx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err := wsjson.Write(writeCtx, c.conn, ev)
			cancel()
			if err != nil {
				c.log.Debug("Write failed", "type", ev.Type, "error", err)
				c.cancel()
				return
			}
		}
	}
}

func (c *Client) keepAliveLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.log.Debug("Ping failed", "error", err)
				c.cancel()
				return
			}
		}
	}
}

// Close closes the socket with the given status and stops the loops. Safe to call
// more than once. The socket is closed before the context is cancelled: a cancelled
// read would otherwise close it first with a policy violation status.
func (c *Client) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		_ = c.conn.Close(code, reason)
		c.cancel()
	})
}
