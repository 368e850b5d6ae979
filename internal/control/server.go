// Package control serves the out-of-band control channel: framed JSON
// requests that pair with, interrupt and inspect main-channel sessions.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"hotpatch/internal/frame"
	"hotpatch/internal/protocol"
	"hotpatch/internal/session"
)

// InterruptByte requests an interrupt of the paired session when sent
// unframed on a control connection.
const InterruptByte = 0x03

const writeDeadline = 10 * time.Second

// Capabilities advertised by server.describe.
var Capabilities = []string{"interrupt", "complete", "pair", "list", "in-band-frames", "pty"}

// Server answers control requests against a session manager.
type Server struct {
	sessions     *session.Manager
	version      string
	maxFrameSize int
	logger       *log.Logger

	wg sync.WaitGroup
}

// New creates a control server. A maxFrameSize of zero or less selects the
// frame default.
func New(sessions *session.Manager, version string, maxFrameSize int, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		sessions:     sessions,
		version:      version,
		maxFrameSize: maxFrameSize,
		logger:       logger.With("component", "control"),
	}
}

// Serve accepts control connections until ctx is done. Open connections are
// closed before Serve returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var (
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
	)
	defer func() {
		mu.Lock()
		for c := range conns {
			c.Close()
		}
		mu.Unlock()
		s.wg.Wait()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		mu.Lock()
		conns[conn] = struct{}{}
		mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
			mu.Lock()
			delete(conns, conn)
			mu.Unlock()
		}()
	}
}

// conn is one control connection.
type conn struct {
	s      *Server
	nc     net.Conn
	mu     sync.Mutex
	paired string
	logger *log.Logger
}

func (s *Server) handle(nc net.Conn) {
	c := &conn{
		s:      s,
		nc:     nc,
		logger: s.logger.With("remote", nc.RemoteAddr().String()),
	}
	defer c.close()

	c.logger.Debug("control connection opened")
	demux := frame.NewDemux(nc, s.maxFrameSize)
	for {
		chunk, err := demux.Next()
		if err != nil {
			return
		}
		if chunk.Frame {
			c.handleMessage(chunk.Data)
			continue
		}
		for _, b := range chunk.Data {
			if b == InterruptByte {
				c.interruptPaired()
			}
		}
	}
}

func (c *conn) close() {
	if c.paired != "" {
		c.s.sessions.Pair(c.paired, false)
	}
	c.nc.Close()
	c.logger.Debug("control connection closed")
}

func (c *conn) handleMessage(raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		c.sendError(protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypePair:
		c.handlePair(msg)
	case protocol.TypeInterrupt:
		c.handleInterrupt(msg)
	case protocol.TypeComplete:
		c.handleComplete(msg)
	case protocol.TypeList:
		c.handleList()
	case protocol.TypeDescribe:
		c.handleDescribe()
	default:
		c.sendError(protocol.ErrUnsupported, msg.Type+" is not available on the control channel")
	}
}

func (c *conn) handlePair(msg *protocol.Message) {
	var payload protocol.SessionIDPayload
	json.Unmarshal(msg.Payload, &payload)

	if err := c.s.sessions.Pair(payload.SessionID, true); err != nil {
		c.sendError(session.ErrorCode(err), err.Error())
		return
	}
	if c.paired != "" && c.paired != payload.SessionID {
		c.s.sessions.Pair(c.paired, false)
	}
	c.paired = payload.SessionID
	c.logger.Info("paired", "session", payload.SessionID)

	c.send(protocol.TypeAck, protocol.AckPayload{Request: msg.Type, SessionID: payload.SessionID})
}

// target resolves the session a request applies to: the explicit id, or
// the paired session.
func (c *conn) target(id string) (string, bool) {
	if id != "" {
		return id, true
	}
	if c.paired == "" {
		c.sendError(protocol.ErrNotPaired, "no sessionId given and connection is not paired")
		return "", false
	}
	return c.paired, true
}

func (c *conn) handleInterrupt(msg *protocol.Message) {
	var payload protocol.SessionIDPayload
	json.Unmarshal(msg.Payload, &payload)

	id, ok := c.target(payload.SessionID)
	if !ok {
		return
	}
	pending, err := c.s.sessions.Interrupt(id)
	if err != nil {
		c.sendError(session.ErrorCode(err), err.Error())
		return
	}
	c.send(protocol.TypeAck, protocol.AckPayload{Request: msg.Type, SessionID: id, Pending: pending})
}

func (c *conn) interruptPaired() {
	if c.paired == "" {
		c.sendError(protocol.ErrNotPaired, "interrupt byte received before pairing")
		return
	}
	if _, err := c.s.sessions.Interrupt(c.paired); err != nil {
		c.sendError(session.ErrorCode(err), err.Error())
	}
}

func (c *conn) handleComplete(msg *protocol.Message) {
	var payload protocol.CompletePayload
	json.Unmarshal(msg.Payload, &payload)

	id, ok := c.target(payload.SessionID)
	if !ok {
		return
	}
	candidates, err := c.s.sessions.Complete(id, payload.Text)
	if err != nil {
		c.sendError(session.ErrorCode(err), err.Error())
		return
	}
	if candidates == nil {
		candidates = []string{}
	}
	c.send(protocol.TypeCompletions, protocol.CompletionsPayload{
		SessionID:  id,
		Text:       payload.Text,
		Candidates: candidates,
	})
}

func (c *conn) handleList() {
	sessions := c.s.sessions.List()
	infos := make([]protocol.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	c.send(protocol.TypeSessions, protocol.SessionsPayload{Sessions: infos})
}

func (c *conn) handleDescribe() {
	c.send(protocol.TypeServerInfo, protocol.ServerInfoPayload{
		Version:       c.s.version,
		Sessions:      c.s.sessions.Count(),
		MaxSessions:   c.s.sessions.MaxSessions(),
		NamespaceSize: c.s.sessions.Namespace().Len(),
		Capabilities:  Capabilities,
	})
}

func (c *conn) send(msgType string, payload any) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		c.logger.Error("failed to build response", "type", msgType, "err", err)
		return
	}
	data, err := msg.EncodeFrame()
	if err != nil {
		c.logger.Error("failed to encode response", "type", msgType, "err", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nc.SetWriteDeadline(time.Now().Add(writeDeadline))
	if _, err := c.nc.Write(data); err != nil {
		c.logger.Debug("control write failed", "err", err)
	}
}

func (c *conn) sendError(code, message string) {
	c.send(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
}
