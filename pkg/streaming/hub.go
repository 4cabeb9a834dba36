// Package streaming pushes view snapshots and action transitions to
// WebSocket clients.
package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EventType names a stream topic.
type EventType string

const (
	EventTypeSnapshot  EventType = "snapshot"
	EventTypeAction    EventType = "action"
	EventTypeSession   EventType = "session"
	EventTypeNotice    EventType = "notice"
	EventTypeHeartbeat EventType = "heartbeat"
)

// AllEventTypes lists every event type; new clients subscribe to all.
var AllEventTypes = []EventType{
	EventTypeSnapshot,
	EventTypeAction,
	EventTypeSession,
	EventTypeNotice,
	EventTypeHeartbeat,
}

// Event is one message on the stream. Key identifies the view for
// snapshots and the action ID for action and notice events.
type Event struct {
	Type      EventType   `json:"type"`
	Key       string      `json:"key,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewEvent stamps an event with the current time.
func NewEvent(t EventType, key string, data interface{}) Event {
	return Event{Type: t, Key: key, Timestamp: time.Now(), Data: data}
}

// topic is "type" or "type:key".
func (e Event) topic() string {
	if e.Key == "" {
		return string(e.Type)
	}
	return string(e.Type) + ":" + e.Key
}

// retained reports whether the latest event per topic is replayed to new
// peers on connect.
func (e Event) retained() bool {
	return e.Type == EventTypeSnapshot || e.Type == EventTypeSession
}

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	maxFrameSize = 512
	peerBuffer   = 64
	queueSize    = 256
)

// Hub fans events out to connected WebSocket peers.
type Hub struct {
	mu     sync.RWMutex
	peers  map[*peer]struct{}
	latest map[string][]byte
	closed bool

	queue     chan Event
	heartbeat time.Duration
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

type peer struct {
	hub *Hub
	ws  *websocket.Conn
	out chan []byte

	mu     sync.Mutex
	topics map[string]struct{}
}

// NewHub creates a hub. Origins are checked by allowOrigin; nil allows all.
func NewHub(logger *zap.Logger, allowOrigin func(*http.Request) bool) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if allowOrigin == nil {
		allowOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		peers:     make(map[*peer]struct{}),
		latest:    make(map[string][]byte),
		queue:     make(chan Event, queueSize),
		heartbeat: 30 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     allowOrigin,
		},
		logger: logger.Named("ws"),
	}
}

// Run delivers queued events until ctx is done, then disconnects every peer.
func (h *Hub) Run(ctx context.Context) {
	tick := time.NewTicker(h.heartbeat)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case ev := <-h.queue:
			h.deliver(ev)
		case <-tick.C:
			h.deliver(NewEvent(EventTypeHeartbeat, "", map[string]int{"clients": h.ClientCount()}))
		}
	}
}

// Broadcast queues an event. A full queue drops the event.
func (h *Hub) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case h.queue <- event:
	default:
		h.logger.Warn("event queue full, dropping", zap.String("topic", event.topic()))
	}
}

// Publish queues event for delivery; it never fails.
func (h *Hub) Publish(ctx context.Context, event Event) error {
	h.Broadcast(event)
	return nil
}

// ClientCount returns the number of connected peers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// ServeWS upgrades the request and attaches the connection as a peer
// subscribed to every event type.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	p := &peer{
		hub:    h,
		ws:     ws,
		out:    make(chan []byte, peerBuffer),
		topics: make(map[string]struct{}, len(AllEventTypes)),
	}
	for _, t := range AllEventTypes {
		p.topics[string(t)] = struct{}{}
	}

	if !h.attach(p) {
		ws.Close()
		return
	}

	go p.writeLoop()
	go p.readLoop()
}

func (h *Hub) attach(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}

	h.peers[p] = struct{}{}
	for topic, data := range h.latest {
		if p.wants(topic) {
			select {
			case p.out <- data:
			default:
			}
		}
	}

	h.logger.Debug("peer connected", zap.Int("peers", len(h.peers)))
	return true
}

func (h *Hub) detach(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[p]; ok {
		delete(h.peers, p)
		close(p.out)
		h.logger.Debug("peer disconnected", zap.Int("peers", len(h.peers)))
	}
}

func (h *Hub) deliver(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("encode event", zap.String("topic", ev.topic()), zap.Error(err))
		return
	}
	topic := ev.topic()

	h.mu.Lock()
	defer h.mu.Unlock()

	if ev.retained() {
		h.latest[topic] = data
	}
	for p := range h.peers {
		if !p.wants(topic) {
			continue
		}
		select {
		case p.out <- data:
		default:
			h.logger.Debug("dropping slow peer")
			delete(h.peers, p)
			close(p.out)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for p := range h.peers {
		delete(h.peers, p)
		close(p.out)
	}
}

// wants reports whether topic ("type" or "type:key") is subscribed, either
// exactly or through its bare type.
func (p *peer) wants(topic string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.topics[topic]; ok {
		return true
	}
	if i := strings.IndexByte(topic, ':'); i > 0 {
		_, ok := p.topics[topic[:i]]
		return ok
	}
	return false
}

// control is a client frame: {"op":"subscribe","topics":["snapshot:open"]}.
type control struct {
	Op     string   `json:"op"`
	Topics []string `json:"topics"`
}

func (p *peer) apply(frame []byte) {
	var c control
	if err := json.Unmarshal(frame, &c); err != nil {
		p.hub.logger.Debug("bad control frame", zap.Error(err))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch c.Op {
	case "subscribe":
		for _, t := range c.Topics {
			p.topics[t] = struct{}{}
		}
	case "unsubscribe":
		for _, t := range c.Topics {
			delete(p.topics, t)
			// A bare type also drops its keyed topics.
			for k := range p.topics {
				if strings.HasPrefix(k, t+":") {
					delete(p.topics, k)
				}
			}
		}
	}
}

func (p *peer) readLoop() {
	defer func() {
		p.hub.detach(p)
		p.ws.Close()
	}()

	p.ws.SetReadLimit(maxFrameSize)
	p.ws.SetReadDeadline(time.Now().Add(pongWait))
	p.ws.SetPongHandler(func(string) error {
		return p.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := p.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				p.hub.logger.Debug("peer read", zap.Error(err))
			}
			return
		}
		p.apply(frame)
	}
}

func (p *peer) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		p.ws.Close()
	}()

	for {
		select {
		case data, ok := <-p.out:
			p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
