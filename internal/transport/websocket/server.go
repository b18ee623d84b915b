// Package websocket provides live topic subscriptions over WebSocket.
//
// Clients open a WebSocket connection to:
//
//	GET /v1/topics/{topic}/ws
//
// The special topic "*" receives every dispatched event. Hub.Dispatch is a
// dispatch sink: each due event is pushed to every current subscriber of its
// topic as one text frame:
//
//	{"type":"event","topic":"...","message":<json>,"dispatched_at":<unix ms>}
//
// Subscribers never send frames; anything they write is read and discarded.
// A subscriber whose send buffer is full is disconnected.
package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// AllTopics subscribes to every topic.
const AllTopics = "*"

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = gorillaws.Upgrader{
	// Requests without an Origin header (native clients, curl) are allowed.
	// Browsers must come from the same host; the scheme is ignored so ws://
	// and http:// compare equal.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// eventFrame is the JSON structure the server sends to subscribers.
type eventFrame struct {
	Type         string          `json:"type"` // "event"
	Topic        string          `json:"topic"`
	Message      json.RawMessage `json:"message"`
	DispatchedAt int64           `json:"dispatched_at"`
}

type subscriber struct {
	topic string
	send  chan []byte
	once  sync.Once
}

func (s *subscriber) close() { s.once.Do(func() { close(s.send) }) }

// Hub tracks WebSocket subscribers by topic. It is safe for concurrent use.
type Hub struct {
	log *zap.Logger

	mu     sync.RWMutex
	topics map[string]map[*subscriber]struct{}
	closed bool
}

// NewHub returns an empty Hub. A nil logger disables logging.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:    log,
		topics: make(map[string]map[*subscriber]struct{}),
	}
}

// Dispatch pushes one event frame to every subscriber of topic and of
// AllTopics. It never blocks on a slow client and always returns nil: an
// event with no subscribers is not a failure.
func (h *Hub) Dispatch(topic string, message json.RawMessage) error {
	if len(message) == 0 {
		message = json.RawMessage("null")
	}
	data, err := json.Marshal(eventFrame{
		Type:         "event",
		Topic:        topic,
		Message:      message,
		DispatchedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("websocket: marshal frame: %w", err)
	}

	targets := []string{topic, AllTopics}
	if topic == AllTopics {
		targets = targets[:1]
	}

	var slow []*subscriber
	h.mu.RLock()
	for _, t := range targets {
		for sub := range h.topics[t] {
			select {
			case sub.send <- data:
			default:
				slow = append(slow, sub)
			}
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.log.Warn("dropping slow websocket subscriber", zap.String("topic", sub.topic))
		h.remove(sub)
	}
	return nil
}

// Subscribers returns the number of connections subscribed to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for t, subs := range h.topics {
		for sub := range subs {
			sub.close()
		}
		delete(h.topics, t)
	}
}

func (h *Hub) add(topic string, buf int) (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	sub := &subscriber{topic: topic, send: make(chan []byte, buf)}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*subscriber]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub, true
}

// remove unregisters sub and closes its send channel. Channels are only ever
// closed under the write lock, so Dispatch (which sends under the read lock)
// never sends on a closed channel.
func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.topics[sub.topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.topics, sub.topic)
		}
	}
	sub.close()
}

// ServeHTTP upgrades the connection and subscribes it to r.PathValue("topic").
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	if topic == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub, ok := h.add(topic, sendBuffer)
	if !ok {
		_ = conn.WriteControl(gorillaws.CloseMessage,
			gorillaws.FormatCloseMessage(gorillaws.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		return
	}
	defer h.remove(sub)
	h.log.Debug("websocket subscribed", zap.String("topic", topic))

	// Reader: discard client frames, notice disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case data, ok := <-sub.send:
			if !ok {
				_ = conn.WriteControl(gorillaws.CloseMessage,
					gorillaws.FormatCloseMessage(gorillaws.CloseGoingAway, ""),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(gorillaws.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
