package bus

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/hermes/internal/auth"
	"github.com/danmuck/hermes/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// HubConfig tunes per-peer buffering and websocket keepalive.
type HubConfig struct {
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	// Validator gates /ws; nil accepts every peer.
	Validator auth.Validator
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		SendBuffer:   64,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Hub owns the rooms and their member peers.
type Hub struct {
	cfg      HubConfig
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	rooms  map[string]map[*peer]struct{}
	peers  map[*peer]struct{}
	closed bool
}

type peer struct {
	conn  *websocket.Conn
	send  chan Message
	rooms map[string]struct{}
	once  sync.Once
	done  chan struct{}
}

func NewHub(cfg HubConfig) *Hub {
	def := DefaultHubConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms: make(map[string]map[*peer]struct{}),
		peers: make(map[*peer]struct{}),
	}
}

// ServeWS upgrades the request and serves the peer until it disconnects.
func (h *Hub) ServeWS(c *gin.Context) {
	if h.cfg.Validator != nil {
		token := auth.BearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if err := h.cfg.Validator.Validate(token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication token required"})
			return
		}
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	p := &peer{
		conn:  conn,
		send:  make(chan Message, h.cfg.SendBuffer),
		rooms: make(map[string]struct{}),
		done:  make(chan struct{}),
	}
	if !h.attach(p) {
		_ = conn.Close()
		return
	}
	go h.writePump(p)
	h.readPump(p)
}

func (h *Hub) attach(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.peers[p] = struct{}{}
	observability.SetHubPeers(len(h.peers))
	return true
}

func (h *Hub) detach(p *peer) {
	h.mu.Lock()
	for room := range p.rooms {
		h.leaveLocked(p, room)
	}
	delete(h.peers, p)
	observability.SetHubPeers(len(h.peers))
	h.mu.Unlock()
	p.close()
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (h *Hub) readPump(p *peer) {
	defer h.detach(p)
	for {
		var msg Message
		if err := p.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("websocket peer read failed")
			}
			return
		}
		room := strings.TrimSpace(msg.Room)
		switch msg.Op {
		case OpJoin:
			if room != "" {
				h.join(p, room)
			}
		case OpLeave:
			h.leave(p, room)
		case OpPublish:
			if room == "" || msg.Event == "" {
				p.offer(Message{Op: OpError, Event: "publish requires room and event"})
				continue
			}
			h.Broadcast(room, msg.Event, msg.Payload)
		default:
			p.offer(Message{Op: OpError, Event: "unknown op " + msg.Op})
		}
	}
}

func (h *Hub) writePump(p *peer) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	defer p.close()
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := p.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			if err := p.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// offer queues msg without blocking; a full buffer drops it.
func (p *peer) offer(msg Message) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- msg:
		return true
	default:
		return false
	}
}

func (h *Hub) join(p *peer, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*peer]struct{})
		h.rooms[room] = members
	}
	members[p] = struct{}{}
	p.rooms[room] = struct{}{}
}

func (h *Hub) leave(p *peer, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(p, room)
}

func (h *Hub) leaveLocked(p *peer, room string) {
	delete(p.rooms, room)
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, p)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Broadcast fans event out to the current members of room and returns how
// many accepted it. Members whose buffers are full miss the event.
func (h *Hub) Broadcast(room, event string, payload json.RawMessage) int {
	msg := Message{Op: OpEvent, Room: room, Event: event, Payload: payload}
	h.mu.RLock()
	delivered, dropped := 0, 0
	for p := range h.rooms[room] {
		if p.offer(msg) {
			delivered++
		} else {
			dropped++
		}
	}
	h.mu.RUnlock()
	observability.RecordHubFanout(delivered, dropped)
	if dropped > 0 {
		log.Debug().Str("room", room).Str("event", event).Int("dropped", dropped).Msg("slow room members skipped")
	}
	return delivered
}

// Members reports the member count of room.
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Stats reports peer and room counts.
func (h *Hub) Stats() (peers, rooms int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers), len(h.rooms)
}

// Close disconnects every peer and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
}
