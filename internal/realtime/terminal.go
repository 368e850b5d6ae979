package realtime

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"hotpatch/internal/frame"
	"hotpatch/internal/protocol"
)

// handleTerminal attaches a browser terminal to a new PTY child. Binary
// messages carry terminal data; text messages carry JSON requests such as
// pty.resize.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	if s.proxy == nil {
		http.Error(w, `{"error":"pty proxy disabled"}`, http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("terminal upgrade failed", "err", err)
		return
	}

	s.terminalsMu.Lock()
	s.terminals[conn] = true
	s.terminalsMu.Unlock()
	defer func() {
		s.terminalsMu.Lock()
		delete(s.terminals, conn)
		s.terminalsMu.Unlock()
	}()

	if err := s.proxy.Attach(r.Context(), newWSStream(conn)); err != nil {
		s.logger.Warn("terminal attach failed", "err", err)
	}
}

// wsStream adapts a WebSocket to the byte stream the PTY proxy pumps.
// Text messages are re-encoded as frames so the proxy's demultiplexer sees
// them as in-band requests.
type wsStream struct {
	conn    *websocket.Conn
	pending []byte
	writeMu sync.Mutex
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		switch typ {
		case websocket.BinaryMessage:
			s.pending = data
		case websocket.TextMessage:
			if _, err := protocol.ValidateClientMessage(data); err != nil {
				s.writeError(err)
				continue
			}
			s.pending = frame.Encode(data)
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) writeError(err error) {
	msg, mErr := protocol.NewErrorMessage(protocol.ErrInvalidMessage, err.Error())
	if mErr != nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	s.conn.WriteJSON(msg)
}

func (s *wsStream) Close() error {
	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}
