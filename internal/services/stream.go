package services

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// StreamMessage is the envelope pushed to dashboard clients.
type StreamMessage struct {
	Kind      string      `json:"kind"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// StreamHub fans engine activity out to connected websocket clients. Slow
// clients are dropped rather than allowed to back-pressure the engine.
type StreamHub struct {
	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	logger  *logrus.Logger
}

type streamClient struct {
	conn *websocket.Conn
	send chan StreamMessage
}

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func NewStreamHub(logger *logrus.Logger) *StreamHub {
	if logger == nil {
		logger = logrus.New()
	}
	return &StreamHub{
		clients: make(map[*streamClient]struct{}),
		logger:  logger,
	}
}

// Broadcast implements Broadcaster.
func (h *StreamHub) Broadcast(kind string, payload interface{}) {
	msg := StreamMessage{Kind: kind, Payload: payload, Timestamp: time.Now()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			// client is not keeping up; writePump will notice the close
			go h.drop(client)
		}
	}
}

// HandleWebSocket upgrades the connection and starts the client pumps.
func (h *StreamHub) HandleWebSocket(c *gin.Context) {
	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnf("websocket upgrade failed: %v", err)
		return
	}

	client := &streamClient{conn: conn, send: make(chan StreamMessage, 32)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Infof("stream client connected (%d total)", count)

	go h.writePump(client)
	go h.readPump(client)
}

// ClientCount reports connected clients.
func (h *StreamHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *StreamHub) writePump(client *streamClient) {
	defer client.conn.Close()
	for msg := range client.send {
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.drop(client)
			return
		}
	}
}

// readPump only consumes control frames and detects disconnects; the feed
// is one-way.
func (h *StreamHub) readPump(client *streamClient) {
	defer h.drop(client)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *StreamHub) drop(client *streamClient) {
	h.mu.Lock()
	_, present := h.clients[client]
	if present {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
	if present {
		client.conn.Close()
	}
}
