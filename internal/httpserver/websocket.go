package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var errClientGone = errors.New("httpserver: websocket client disconnected")
var errSendBufferFull = errors.New("httpserver: websocket send buffer full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// controlMessage is a client command frame.
type controlMessage struct {
	Subscribe   *string `json:"subscribe"`
	Unsubscribe *string `json:"unsubscribe"`
}

// wsClient is a router subscriber bound to one WebSocket connection.
type wsClient struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	mu       sync.Mutex
	closed   bool
	closeCh  chan struct{}
	closeOne sync.Once
}

// SendMetric queues {"<key>": <value>} for the write pump. It never blocks.
func (c *wsClient) SendMetric(_ context.Context, key string, value any) error {
	data, err := json.Marshal(map[string]any{key: value})
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *wsClient) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientGone
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *wsClient) close() {
	c.closeOne.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.closeCh)
		c.conn.Close()
	})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &wsClient{
		id:      uuid.New().String(),
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		closeCh: make(chan struct{}),
	}
	client.logger = s.logger.With(zap.String("client_id", client.id))

	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	client.logger.Debug("websocket connected", zap.String("remote", c.Request.RemoteAddr))

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.writePump(client)
	}()
	go func() {
		defer s.wg.Done()
		s.readPump(client)
	}()
}

func (s *Server) readPump(c *wsClient) {
	defer func() {
		s.subs.Unsubscribe(c)
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		c.close()
		c.logger.Debug("websocket disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		s.handleControl(c, data)
	}
}

func (s *Server) handleControl(c *wsClient, data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.replyError(c, "invalid message: expected a JSON object")
		return
	}
	switch {
	case msg.Subscribe != nil:
		s.subs.Subscribe(*msg.Subscribe, c)
		c.logger.Debug("subscribed", zap.String("prefix", *msg.Subscribe))
	case msg.Unsubscribe != nil:
		s.subs.UnsubscribePrefix(*msg.Unsubscribe, c)
	default:
		s.replyError(c, `unknown command: use {"subscribe": "<prefix>"} or {"unsubscribe": "<prefix>"}`)
	}
}

func (s *Server) replyError(c *wsClient, msg string) {
	data, _ := json.Marshal(map[string]string{"error": msg})
	_ = c.enqueue(data)
}

func (s *Server) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("websocket write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closeCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
