package session

import (
	"errors"
	"time"

	"hotpatch/internal/protocol"
)

// State represents the lifecycle state of a session.
type State string

const (
	StateRunning       State = "running"
	StateAwaitingInput State = "awaiting_input"
	StateInterrupting  State = "interrupting"
	StateClosed        State = "closed"
)

var (
	ErrNotFound    = errors.New("session not found")
	ErrClosed      = errors.New("session closed")
	ErrMaxSessions = errors.New("maximum session limit reached")
	// ErrUnsupported is returned when the session's evaluator cannot
	// observe an interrupt.
	ErrUnsupported = errors.New("interrupt not supported by evaluator")
)

// BannerPrefix starts the first line written on every main connection; the
// session id follows it.
const BannerPrefix = "hotpatch session "

const (
	PromptMain = ">>> "
	PromptMore = "... "

	// CompleteCommand is the line prefix that requests completions in
	// raw-line mode.
	CompleteCommand = "complete "

	// InterruptNotice is written when a command or pending input is
	// interrupted.
	InterruptNotice = "KeyboardInterrupt"
)

// Session is a snapshot of one client's interactive context.
type Session struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	Remote    string    `json:"remote"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Commands  int       `json:"commands"`
	Paired    bool      `json:"paired"`
}

// Info converts s to its wire form.
func (s Session) Info() protocol.SessionInfo {
	return protocol.SessionInfo{
		ID:        s.ID,
		State:     string(s.State),
		Remote:    s.Remote,
		Label:     s.Label,
		CreatedAt: s.CreatedAt.Format(time.RFC3339Nano),
		Commands:  s.Commands,
		Paired:    s.Paired,
	}
}

// OutputEventType distinguishes what the client typed from what the session
// wrote back.
type OutputEventType string

const (
	OutputInput  OutputEventType = "input"
	OutputText   OutputEventType = "output"
	OutputNotice OutputEventType = "notice"
	OutputClosed OutputEventType = "closed"
)

// OutputEvent is one entry of a session transcript.
type OutputEvent struct {
	SessionID string          `json:"sessionId"`
	Type      OutputEventType `json:"type"`
	Data      string          `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// UpdateCallback is invoked whenever a session is created, changes state or
// closes.
type UpdateCallback func(Session)
