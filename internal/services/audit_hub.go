package services

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// AuditClient is one connected observer of executor progress.
type AuditClient struct {
	ID   string
	Conn *websocket.Conn
	Send chan AuditEvent
	Hub  *AuditHub
}

// AuditHub fans executor audit events out to connected websocket
// observers. It is a write-only sink: dropped messages are never
// re-delivered and nothing downstream treats them as state.
type AuditHub struct {
	clients    map[string]*AuditClient
	broadcast  chan AuditEvent
	register   chan *AuditClient
	unregister chan *AuditClient
	mutex      sync.RWMutex
	logger     *logrus.Logger
}

var auditUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // origin checks belong to the fronting proxy
	},
}

func NewAuditHub(logger *logrus.Logger) *AuditHub {
	if logger == nil {
		logger = logrus.New()
	}
	return &AuditHub{
		clients:    make(map[string]*AuditClient),
		broadcast:  make(chan AuditEvent, 64),
		register:   make(chan *AuditClient),
		unregister: make(chan *AuditClient),
		logger:     logger,
	}
}

func (h *AuditHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.ID] = client
			h.mutex.Unlock()
			h.logger.Infof("audit observer %s connected", client.ID)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.Send)
				h.logger.Infof("audit observer %s disconnected", client.ID)
			}
			h.mutex.Unlock()

		case evt := <-h.broadcast:
			h.mutex.Lock()
			for _, client := range h.clients {
				select {
				case client.Send <- evt:
				default:
					close(client.Send)
					delete(h.clients, client.ID)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Emit implements AuditSink. It never blocks the executor: if the hub is
// saturated the event is dropped.
func (h *AuditHub) Emit(evt AuditEvent) {
	select {
	case h.broadcast <- evt:
	default:
	}
}

// HandleWebSocket upgrades the connection and registers the observer.
func (h *AuditHub) HandleWebSocket(c *gin.Context) {
	conn, err := auditUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnf("audit websocket upgrade: %v", err)
		return
	}
	client := &AuditClient{
		ID:   uuid.New().String(),
		Conn: conn,
		Send: make(chan AuditEvent, 16),
		Hub:  h,
	}
	h.register <- client
	go client.writePump()
	go client.readPump()
}

func (h *AuditHub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (c *AuditClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()
	for {
		select {
		case evt, ok := <-c.Send:
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames; observers are read-only. It exists to
// surface disconnects.
func (c *AuditClient) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()
	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			return
		}
	}
}
