package gateway

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/sipeed/picocell/pkg/logger"
)

// sendQueueSize is the per-client event buffer. Events beyond it are
// dropped for that client.
const sendQueueSize = 256

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.ErrorCF("gateway", "upgrade failed", map[string]any{"error": err.Error()})
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendQueueSize)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	logger.InfoCF("gateway", "client connected", map[string]any{"remote_addr": r.RemoteAddr})

	go s.writePump(c)
	go s.readPump(c)
}

// readPump discards inbound frames; the stream is one-way. It exists to
// notice the peer going away.
func (s *Server) readPump(c *client) {
	defer s.unregister(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.DebugCF("gateway", "read error", map[string]any{"error": err.Error()})
			}
			return
		}
	}
}

// writePump drains the client's queue onto the wire. A closed queue
// means the server dropped the client; say goodbye properly.
func (s *Server) writePump(c *client) {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.conn.Close()
}

// unregister removes the client once; only the removal path closes the
// send queue.
func (s *Server) unregister(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
	c.conn.Close()
	logger.DebugCF("gateway", "client disconnected", nil)
}
