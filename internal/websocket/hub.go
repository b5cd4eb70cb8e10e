package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

// defaultWriteWait bounds a single write to a watcher.
const defaultWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ChannelFor is the pub/sub channel carrying a session's updates.
func ChannelFor(sessionID string) string {
	return "session_updates:" + sessionID
}

// Hub lets browsers watch a chat session live. Updates are published to
// Redis by whichever process runs the session and fanned out here to every
// websocket watching it.
type Hub struct {
	mu          sync.RWMutex
	writeMu     sync.Mutex
	connections map[string][]*websocket.Conn
	redisClient *redis.Client
	cancelFuncs map[string]context.CancelFunc
	writeWait   time.Duration
}

func NewHub(redisClient *redis.Client) *Hub {
	return &Hub{
		connections: make(map[string][]*websocket.Conn),
		redisClient: redisClient,
		cancelFuncs: make(map[string]context.CancelFunc),
		writeWait:   defaultWriteWait,
	}
}

// HandleWebSocket serves GET /api/sessions/{id}/ws.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		http.Error(w, "Missing session id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	h.registerConnection(sessionID, conn)

	// Watchers only listen; reading detects the disconnect.
	go func() {
		defer h.unregisterConnection(sessionID, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Watchers returns how many websockets are watching sessionID.
func (h *Hub) Watchers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[sessionID])
}

func (h *Hub) registerConnection(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connections[sessionID] = append(h.connections[sessionID], conn)

	// First watcher for this session starts the subscription
	if len(h.connections[sessionID]) == 1 && h.redisClient != nil {
		ctx, cancel := context.WithCancel(context.Background())
		h.cancelFuncs[sessionID] = cancel
		go h.subscribe(ctx, sessionID)
	}

	log.WithField("session_id", sessionID).Infof("websocket watcher connected (total: %d)", len(h.connections[sessionID]))
}

func (h *Hub) unregisterConnection(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn.Close()

	conns := h.connections[sessionID]
	for i, c := range conns {
		if c == conn {
			h.connections[sessionID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}

	if len(h.connections[sessionID]) == 0 {
		delete(h.connections, sessionID)
		if cancel, ok := h.cancelFuncs[sessionID]; ok {
			cancel()
			delete(h.cancelFuncs, sessionID)
		}
	}

	log.WithField("session_id", sessionID).Info("websocket watcher disconnected")
}

func (h *Hub) subscribe(ctx context.Context, sessionID string) {
	pubsub := h.redisClient.Subscribe(ctx, ChannelFor(sessionID))
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(sessionID, []byte(msg.Payload))
		}
	}
}

// broadcast writes data to every watcher of sessionID. Writes are serialised
// by writeMu, not the hub lock, so a slow watcher never blocks watchers
// connecting or leaving. A watcher that cannot take a write within writeWait
// is closed; its read loop then unregisters it.
func (h *Hub) broadcast(sessionID string, data []byte) {
	h.mu.RLock()
	conns := append([]*websocket.Conn(nil), h.connections[sessionID]...)
	h.mu.RUnlock()

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(h.writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.WithError(err).WithField("session_id", sessionID).Debug("websocket write failed, dropping watcher")
			conn.Close()
		}
	}
}
