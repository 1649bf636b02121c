package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

// Client is one WebSocket subscriber. Only the hub dispatcher writes to or
// closes send.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	topic   string
	userID  string
	send    chan []byte
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newClient(h *Hub, conn *websocket.Conn, topic, userID string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	conn.SetReadLimit(h.cfg.ReadLimit)
	return &Client{
		hub:     h,
		conn:    conn,
		topic:   topic,
		userID:  userID,
		send:    make(chan []byte, h.cfg.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), h.cfg.MessagesPerSecond),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *Client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.shutdown(websocket.StatusNormalClosure, "")
				return
			}
			writeCtx, cancel := context.WithTimeout(c.ctx, c.hub.cfg.WriteTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				c.hub.log.Debugw("write failed", "topic", c.topic, "user_id", c.userID, "error", err)
				c.shutdown(websocket.StatusInternalError, "write failed")
				return
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, c.hub.cfg.WriteTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.shutdown(websocket.StatusGoingAway, "ping failed")
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// readPump only consumes control frames and client keep-alives. Clients never
// mutate state over the socket.
func (c *Client) readPump(ctx context.Context) {
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.ctx.Done():
			cancel()
		case <-readCtx.Done():
		}
	}()

	for {
		if _, _, err := c.conn.Read(readCtx); err != nil {
			return
		}
		if !c.limiter.Allow() {
			c.hub.log.Warnw("rate limit exceeded", "topic", c.topic, "user_id", c.userID)
			c.shutdown(websocket.StatusPolicyViolation, "rate limit exceeded")
			return
		}
	}
}

func (c *Client) shutdown(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		c.cancel()
		_ = c.conn.Close(code, reason)
	})
}
