package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"tle_arena/internal/domain/model"
	"tle_arena/internal/platform/config"
	"tle_arena/internal/platform/logger"
	"tle_arena/internal/platform/metrics"
)

type HubConfig struct {
	SendBuffer        int
	BroadcastBuffer   int
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	MessagesPerSecond int
	ReadLimit         int64
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		SendBuffer:        64,
		BroadcastBuffer:   1024,
		PingInterval:      30 * time.Second,
		WriteTimeout:      10 * time.Second,
		MessagesPerSecond: 10,
		ReadLimit:         4096,
	}
}

func HubConfigFromAppConfig() HubConfig {
	cfg := DefaultHubConfig()
	cfg.SendBuffer = config.AppConfig.WSSendBuffer
	cfg.PingInterval = config.AppConfig.WSPingInterval
	cfg.WriteTimeout = config.AppConfig.WSWriteTimeout
	cfg.MessagesPerSecond = config.AppConfig.WSMessagesPerSecond
	return cfg
}

type envelope struct {
	topic string
	data  []byte
}

// Hub fans events out to WebSocket clients subscribed to a topic. A single
// dispatcher goroutine owns delivery, and every client has its own ordered
// send queue.
type Hub struct {
	cfg HubConfig

	mu     sync.RWMutex
	topics map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan envelope
	done       chan struct{}

	log *zap.SugaredLogger
}

func NewHub(cfg HubConfig) *Hub {
	def := DefaultHubConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.BroadcastBuffer <= 0 {
		cfg.BroadcastBuffer = def.BroadcastBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = def.MessagesPerSecond
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	return &Hub{
		cfg:        cfg,
		topics:     make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan envelope, cfg.BroadcastBuffer),
		done:       make(chan struct{}),
		log:        logger.NewNamedLogger("hub"),
	}
}

// Run dispatches until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for topic, clients := range h.topics {
				for c := range clients {
					h.drop(topic, c)
				}
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			if h.topics[c.topic] == nil {
				h.topics[c.topic] = make(map[*Client]struct{})
			}
			h.topics[c.topic][c] = struct{}{}
			h.mu.Unlock()
			metrics.WebSocketConnections.Inc()
			h.log.Debugw("client registered", "topic", c.topic, "user_id", c.userID)

		case c := <-h.unregister:
			h.mu.Lock()
			h.drop(c.topic, c)
			h.mu.Unlock()

		case env := <-h.broadcast:
			h.mu.Lock()
			for c := range h.topics[env.topic] {
				if !c.enqueue(env.data) {
					h.log.Warnw("send buffer full, closing slow client", "topic", env.topic, "user_id", c.userID)
					metrics.BroadcastErrors.WithLabelValues("websocket").Inc()
					h.drop(env.topic, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// drop must be called with h.mu held, from the dispatcher goroutine.
func (h *Hub) drop(topic string, c *Client) {
	clients, ok := h.topics[topic]
	if !ok {
		return
	}
	if _, ok := clients[c]; !ok {
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.topics, topic)
	}
	close(c.send)
	metrics.WebSocketConnections.Dec()
}

func (h *Hub) Publish(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("hub.Publish marshal %s: %w", ev.Type, err)
	}
	select {
	case h.broadcast <- envelope{topic: ev.Topic, data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrClosed
	}
}

// ClientCount reports how many clients are subscribed to topic.
func (h *Hub) ClientCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Serve attaches conn to topic and blocks until the connection goes away.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, topic, userID string) {
	c := newClient(h, conn, topic, userID)
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	case <-ctx.Done():
		return
	}

	go c.writePump()
	c.readPump(ctx)

	select {
	case h.unregister <- c:
	case <-h.done:
	}
	c.shutdown(websocket.StatusNormalClosure, "")
}
