package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"hotpatch/internal/protocol"
	"hotpatch/internal/ptyproxy"
	"hotpatch/internal/session"
	"hotpatch/internal/watcher"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // The admin listener is bound to localhost by default.
	},
}

// Server is the admin surface: REST endpoints over the session registry, a
// WebSocket event stream and a browser terminal backed by the PTY proxy.
type Server struct {
	sessionMgr *session.Manager
	proxy      *ptyproxy.Proxy
	logger     *log.Logger

	clients   map[*client]bool
	clientsMu sync.RWMutex

	terminals   map[*websocket.Conn]bool
	terminalsMu sync.Mutex

	// subscriptions tracks which output subscriptions exist per client.
	// key: client, value: map[sessionID]subscriptionID
	subscriptions   map[*client]map[string]string
	subscriptionsMu sync.Mutex
}

type client struct {
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	doneOnce sync.Once
	server   *Server
}

// New creates a new realtime server. proxy may be nil, which disables the
// browser terminal.
func New(sessionMgr *session.Manager, proxy *ptyproxy.Proxy, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		sessionMgr:    sessionMgr,
		proxy:         proxy,
		logger:        logger.With("component", "admin"),
		clients:       make(map[*client]bool),
		terminals:     make(map[*websocket.Conn]bool),
		subscriptions: make(map[*client]map[string]string),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoints.
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/pty", s.handleTerminal)

	// REST API endpoints.
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /sessions/{id}/history", s.handleHistory)
	mux.HandleFunc("POST /sessions/{id}/interrupt", s.handleInterrupt)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /namespace", s.handleNamespace)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Close disconnects every WebSocket client and browser terminal.
func (s *Server) Close() {
	s.clientsMu.RLock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.clientsMu.RUnlock()

	s.terminalsMu.Lock()
	for conn := range s.terminals {
		conn.Close()
	}
	s.terminalsMu.Unlock()
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	s.subscriptions[c] = make(map[string]string)
	s.subscriptionsMu.Unlock()

	// Send current session list to new client.
	s.sendSessionList(c)

	// Subscribe new client to all active sessions' output so it receives
	// the transcripts of sessions that already existed.
	s.subscribeClientToActiveSessions(c)

	go c.writePump()
	go c.readPump()
}

// sendSessionList sends the current session state to a client.
func (s *Server) sendSessionList(c *client) {
	for _, sess := range s.sessionMgr.List() {
		msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, sess.Info())
		if err != nil {
			continue
		}
		c.enqueue(msg)
	}
}

// enqueue queues msg for the write pump, dropping it when the client is
// gone or too slow.
func (c *client) enqueue(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
	}
}

func (c *client) stop() {
	c.doneOnce.Do(func() { close(c.done) })
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("websocket read error", "err", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	// Unsubscribe from all session outputs.
	s.subscriptionsMu.Lock()
	subs := s.subscriptions[c]
	delete(s.subscriptions, c)
	s.subscriptionsMu.Unlock()

	for sessionID, subID := range subs {
		s.sessionMgr.Unsubscribe(sessionID, subID)
	}

	c.stop()
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeInterrupt:
		s.handleWSInterrupt(c, msg)
	case protocol.TypeList:
		s.handleWSList(c)
	default:
		s.sendError(c, protocol.ErrUnsupported, msg.Type+" is not available on the admin stream")
	}
}

func (s *Server) handleWSInterrupt(c *client, msg *protocol.Message) {
	var payload protocol.SessionIDPayload
	json.Unmarshal(msg.Payload, &payload)

	pending, err := s.sessionMgr.Interrupt(payload.SessionID)
	if err != nil {
		s.sendError(c, session.ErrorCode(err), err.Error())
		return
	}
	resp, err := protocol.NewMessage(protocol.TypeAck, protocol.AckPayload{
		Request:   msg.Type,
		SessionID: payload.SessionID,
		Pending:   pending,
	})
	if err == nil {
		c.enqueue(resp)
	}
}

func (s *Server) handleWSList(c *client) {
	sessions := s.sessionMgr.List()
	infos := make([]protocol.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	resp, err := protocol.NewMessage(protocol.TypeSessions, protocol.SessionsPayload{Sessions: infos})
	if err == nil {
		c.enqueue(resp)
	}
}

// OnSessionUpdate is the session manager's update callback. It broadcasts
// the new state and makes sure every client follows new sessions.
func (s *Server) OnSessionUpdate(sess session.Session) {
	msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, sess.Info())
	if err != nil {
		return
	}
	s.broadcast(msg)

	if sess.State != session.StateClosed {
		s.subscribeAllClients(sess.ID)
	}
}

// OnScriptApplied is the autoload watcher's callback.
func (s *Server) OnScriptApplied(res watcher.Result) {
	payload := protocol.AutoloadPayload{Path: res.Path}
	if res.Err != nil {
		payload.Error = res.Err.Error()
	}
	msg, err := protocol.NewMessage(protocol.TypeAutoload, payload)
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		c.enqueue(msg)
	}
}

// subscribeAllClients subscribes all connected clients to a session's output.
func (s *Server) subscribeAllClients(sessionID string) {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		s.subscribeClient(c, sessionID)
	}
}

// subscribeClientToActiveSessions subscribes a single client to all open sessions.
func (s *Server) subscribeClientToActiveSessions(c *client) {
	for _, sess := range s.sessionMgr.List() {
		if sess.State != session.StateClosed {
			s.subscribeClient(c, sess.ID)
		}
	}
}

// subscribeClient subscribes a single client to a session's output.
func (s *Server) subscribeClient(c *client, sessionID string) {
	s.subscriptionsMu.Lock()
	subs, connected := s.subscriptions[c]
	if !connected {
		s.subscriptionsMu.Unlock()
		return
	}
	if _, exists := subs[sessionID]; exists {
		s.subscriptionsMu.Unlock()
		return // Already subscribed.
	}
	// Reserve the slot so concurrent updates do not subscribe twice.
	subs[sessionID] = ""
	s.subscriptionsMu.Unlock()

	subID, ch, history, err := s.sessionMgr.Subscribe(sessionID)
	if err != nil {
		s.subscriptionsMu.Lock()
		delete(s.subscriptions[c], sessionID)
		s.subscriptionsMu.Unlock()
		return
	}

	s.subscriptionsMu.Lock()
	if subs, ok := s.subscriptions[c]; ok {
		subs[sessionID] = subID
	} else {
		// Client left while subscribing.
		s.subscriptionsMu.Unlock()
		s.sessionMgr.Unsubscribe(sessionID, subID)
		return
	}
	s.subscriptionsMu.Unlock()

	// Send history.
	for _, event := range history {
		s.sendOutputEvent(c, event)
	}

	// Forward new events.
	go func() {
		for event := range ch {
			s.sendOutputEvent(c, event)
		}
		s.subscriptionsMu.Lock()
		if subs, ok := s.subscriptions[c]; ok && subs[sessionID] == subID {
			delete(subs, sessionID)
		}
		s.subscriptionsMu.Unlock()
	}()
}

func (s *Server) sendOutputEvent(c *client, event session.OutputEvent) {
	var (
		msg *protocol.Message
		err error
	)
	if event.Type == session.OutputClosed {
		msg, err = protocol.NewMessage(protocol.TypeSessionClosed, protocol.SessionClosedPayload{
			SessionID: event.SessionID,
			Reason:    event.Data,
		})
	} else {
		msg, err = protocol.NewMessage(protocol.TypeSessionOutput, protocol.SessionOutputPayload{
			SessionID: event.SessionID,
			Stream:    string(event.Type),
			Data:      event.Data,
		})
	}
	if err != nil {
		return
	}
	c.enqueue(msg)
}

func (s *Server) sendError(c *client, code, message string) {
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		return
	}
	c.enqueue(msg)
}
