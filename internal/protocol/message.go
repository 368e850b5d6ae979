package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"hotpatch/internal/frame"
)

// Message is the envelope for control-channel frames and admin WebSocket
// messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// EncodeFrame marshals m and wraps it in a frame.
func (m *Message) EncodeFrame() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return frame.Encode(data), nil
}

// Client → Server message types (control channel and in-band frames).
const (
	TypePair      = "session.pair"
	TypeInterrupt = "session.interrupt"
	TypeComplete  = "session.complete"
	TypeList      = "session.list"
	TypeDescribe  = "server.describe"
	TypeResize    = "pty.resize"
)

// Server → Client message types.
const (
	TypeAck           = "ack"
	TypeSessions      = "session.list"
	TypeServerInfo    = "server.info"
	TypeCompletions   = "session.completions"
	TypeSessionUpdate = "session.update"
	TypeSessionOutput = "session.output"
	TypeSessionClosed = "session.closed"
	TypeAutoload      = "autoload.applied"
	TypeError         = "error"
)

// Error codes.
const (
	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrSessionClosed   = "SESSION_CLOSED"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrMaxSessions     = "MAX_SESSIONS"
	ErrUnsupported     = "UNSUPPORTED"
	ErrNotPaired       = "NOT_PAIRED"
	ErrInternal        = "INTERNAL"
)

// Client → Server payloads.

type SessionIDPayload struct {
	SessionID string `json:"sessionId,omitempty"`
}

type CompletePayload struct {
	SessionID string `json:"sessionId,omitempty"`
	Text      string `json:"text"`
}

type ResizePayload struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// Server → Client payloads.

type AckPayload struct {
	Request   string `json:"request"`
	SessionID string `json:"sessionId,omitempty"`
	// Pending is true when the request was coalesced with one already
	// waiting to be observed.
	Pending bool `json:"pending,omitempty"`
}

type SessionInfo struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Remote    string `json:"remote"`
	Label     string `json:"label,omitempty"`
	CreatedAt string `json:"createdAt"`
	Commands  int    `json:"commands"`
	Paired    bool   `json:"paired"`
}

type SessionsPayload struct {
	Sessions []SessionInfo `json:"sessions"`
}

type ServerInfoPayload struct {
	Version       string   `json:"version"`
	Sessions      int      `json:"sessions"`
	MaxSessions   int      `json:"maxSessions"`
	NamespaceSize int      `json:"namespaceSize"`
	Capabilities  []string `json:"capabilities"`
}

type CompletionsPayload struct {
	SessionID  string   `json:"sessionId"`
	Text       string   `json:"text"`
	Candidates []string `json:"candidates"`
}

type SessionOutputPayload struct {
	SessionID string `json:"sessionId"`
	Stream    string `json:"stream"` // "input" | "output" | "notice"
	Data      string `json:"data"`
}

type SessionClosedPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

type AutoloadPayload struct {
	Path  string `json:"path"`
	Error string `json:"error,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}
