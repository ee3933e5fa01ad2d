package api

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// sxnetWriteTimeout bounds a single frame written to a WebSocket SXnet client.
const sxnetWriteTimeout = 10 * time.Second

// wsLineConn carries SXnet lines over WebSocket text frames. Each outbound
// line is one frame; an inbound frame may hold several lines.
type wsLineConn struct {
	conn    *websocket.Conn
	pending []string

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSLineConn(conn *websocket.Conn, maxMessageSize int) *wsLineConn {
	if maxMessageSize > 0 {
		conn.SetReadLimit(int64(maxMessageSize))
	}
	return &wsLineConn{conn: conn}
}

func (c *wsLineConn) ReadLine() (string, error) {
	for len(c.pending) == 0 {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "", io.EOF
			}
			return "", err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSuffix(line, "\r")
			if line != "" {
				c.pending = append(c.pending, line)
			}
		}
	}

	line := c.pending[0]
	c.pending = c.pending[1:]
	return line, nil
}

func (c *wsLineConn) WriteLine(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	//nolint:errcheck // Best-effort deadline; write error caught below
	c.conn.SetWriteDeadline(time.Now().Add(sxnetWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (c *wsLineConn) Close() error {
	c.closeOnce.Do(func() {
		//nolint:errcheck // Best-effort close frame
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *wsLineConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// handleSXnet upgrades the connection and runs an SXnet session on it
// until the client disconnects or the server shuts down.
func (s *Server) handleSXnet(w http.ResponseWriter, r *http.Request) {
	if s.sxnet == nil {
		writeUnavailable(w, "sxnet server not available")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("sxnet websocket upgrade failed", "error", err)
		return
	}

	s.sxnet.ServeConn(s.baseContext(), newWSLineConn(conn, s.wsCfg.MaxMessageSize))
}
