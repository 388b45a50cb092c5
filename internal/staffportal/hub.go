// Package staffportal is the merchant-facing HTTP/WS API served by the
// payment process: merchant onboarding, refund finalization, and a live
// feed of order/charge/refund lifecycle events.
package staffportal

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// TopicKind names the two room families the portal broadcasts into: a
// single order's charge/refund progress, or a merchant's whole dashboard
// feed.
type TopicKind string

const (
	TopicOrder    TopicKind = "order"
	TopicMerchant TopicKind = "merchant"
)

// Topic addresses one broadcast room. Wire form is "kind:id", e.g.
// "order:06e712fa05..." or "merchant:42".
type Topic struct {
	Kind TopicKind
	ID   string
}

func OrderTopic(orderID string) Topic { return Topic{Kind: TopicOrder, ID: orderID} }
func MerchantTopic(id string) Topic   { return Topic{Kind: TopicMerchant, ID: id} }

func (t Topic) String() string { return string(t.Kind) + ":" + t.ID }

// parseTopic validates a client-supplied topic string; unknown kinds and
// empty ids are rejected so a client cannot create arbitrary rooms.
func parseTopic(raw string) (Topic, bool) {
	for _, kind := range []TopicKind{TopicOrder, TopicMerchant} {
		prefix := string(kind) + ":"
		if len(raw) > len(prefix) && raw[:len(prefix)] == prefix {
			return Topic{Kind: kind, ID: raw[len(prefix):]}, true
		}
	}
	return Topic{}, false
}

// Event is a lifecycle notification pushed to subscribed staff clients.
// ID lets a client that reconnects mid-stream deduplicate replays.
type Event struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

// Hub manages per-topic WebSocket subscriptions. Unlike a ticker-tape
// feed where a client watches one stream at a time, a staff dashboard
// holds several rooms at once — its merchant feed plus each order it has
// drilled into — so a connection carries a topic set, not a single slot.
type Hub struct {
	mu    sync.RWMutex
	rooms map[Topic]map[*conn]bool
}

type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	hub    *Hub
	topics map[Topic]bool
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[Topic]map[*conn]bool)}
}

// Publish sends an event to every subscriber of topic. Slow clients are
// skipped rather than blocking the publisher.
func (h *Hub) Publish(topic Topic, eventType string, data any) {
	msg := Event{ID: uuid.NewString(), Type: eventType, Topic: topic.String(), Data: data}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.rooms[topic]))
	for c := range h.rooms[topic] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		select {
		case c.send <- b:
		default:
		}
	}
}

// HandleWS is the HTTP handler for WebSocket connections.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[staffportal] ws upgrade error: %v", err)
		return
	}
	c := &conn{
		ws:     wsConn,
		send:   make(chan []byte, 64),
		hub:    h,
		topics: make(map[Topic]bool),
	}
	go c.writePump()
	go c.readPump()
}

// readPump consumes subscription control messages:
// {"action":"subscribe","topic":"order:<id>"}.
func (c *conn) readPump() {
	defer func() {
		c.hub.removeConn(c)
		c.ws.Close()
	}()
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		var sub struct {
			Action string `json:"action"`
			Topic  string `json:"topic"`
		}
		if err := json.Unmarshal(msg, &sub); err != nil {
			continue
		}
		topic, ok := parseTopic(sub.Topic)
		if !ok {
			continue
		}
		switch sub.Action {
		case "subscribe":
			c.hub.subscribe(c, topic)
		case "unsubscribe":
			c.hub.unsubscribe(c, topic)
		}
	}
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
}

// subscribe adds the connection to topic's room alongside any rooms it
// already holds.
func (h *Hub) subscribe(c *conn, topic Topic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[topic]
	if !ok {
		room = make(map[*conn]bool)
		h.rooms[topic] = room
	}
	room[c] = true
	c.topics[topic] = true
}

func (h *Hub) unsubscribe(c *conn, topic Topic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c, topic)
}

// removeConn tears down every room membership the connection holds.
func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range c.topics {
		h.dropLocked(c, topic)
	}
	close(c.send)
}

func (h *Hub) dropLocked(c *conn, topic Topic) {
	if room, ok := h.rooms[topic]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, topic)
		}
	}
	delete(c.topics, topic)
}
