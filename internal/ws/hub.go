package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"lottery7/internal/model"
)

// RoundTopic carries every round lifecycle event. Clients join it on connect.
const RoundTopic = "round"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans events out to websocket clients and in-process observers.
// Delivery is best effort: a full buffer drops the event for that observer
// only, and nothing is replayed.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*conn]bool // topic -> set of conns
	allConn  map[*conn]bool
	watchers map[chan model.Event]bool
	log      *zap.Logger
}

type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	hub    *Hub
	topics map[string]bool
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		rooms:    make(map[string]map[*conn]bool),
		allConn:  make(map[*conn]bool),
		watchers: make(map[chan model.Event]bool),
		log:      log,
	}
}

// Publish sends an event to every subscriber of the round topic.
func (h *Hub) Publish(ev model.Event) {
	h.PublishTopic(RoundTopic, ev)
}

func (h *Hub) PublishTopic(topic string, ev model.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("marshal event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[topic] {
		select {
		case c.send <- b:
		default:
			// slow client, drop
		}
	}
	if topic != RoundTopic {
		return
	}
	for ch := range h.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers an in-process observer of the round topic. The
// returned cancel func unsubscribes and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan model.Event, func()) {
	ch := make(chan model.Event, buffer)
	h.mu.Lock()
	h.watchers[ch] = true
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.watchers, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Clients is the number of connected websocket clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allConn)
}

// HandleWS is the HTTP handler for WebSocket connections.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	c := &conn{
		ws:     wsConn,
		send:   make(chan []byte, sendBuffer),
		hub:    h,
		topics: make(map[string]bool),
	}
	h.mu.Lock()
	h.allConn[c] = true
	h.mu.Unlock()
	h.subscribe(c, RoundTopic)

	go c.writePump()
	go c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.hub.removeConn(c)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(4096)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		// {"action":"subscribe","topic":"round"}
		var sub struct {
			Action string `json:"action"`
			Topic  string `json:"topic"`
		}
		if err := json.Unmarshal(msg, &sub); err != nil {
			continue
		}
		switch sub.Action {
		case "subscribe":
			c.hub.subscribe(c, sub.Topic)
		case "unsubscribe":
			c.hub.unsubscribe(c, sub.Topic)
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) subscribe(c *conn, topic string) {
	if topic == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.allConn[c] {
		return
	}
	room, ok := h.rooms[topic]
	if !ok {
		room = make(map[*conn]bool)
		h.rooms[topic] = room
	}
	room[c] = true
	c.topics[topic] = true
}

func (h *Hub) unsubscribe(c *conn, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[topic]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, topic)
		}
	}
	delete(c.topics, topic)
}

func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.allConn[c] {
		return
	}
	delete(h.allConn, c)
	for topic := range c.topics {
		if room, ok := h.rooms[topic]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, topic)
			}
		}
	}
	close(c.send)
}
