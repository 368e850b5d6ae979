package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"hotpatch/internal/console"
	"hotpatch/internal/frame"
	"hotpatch/internal/namespace"
	"hotpatch/internal/redirect"
)

const (
	defaultMaxSessions      = 10
	defaultHistorySize      = 1000
	defaultSubscriberBufCap = 100
	defaultInterruptGrace   = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultInputQueue       = 64
)

// Options configures a Manager. Zero values select defaults.
type Options struct {
	MaxSessions int
	// Factory builds the evaluator for each session. Defaults to the
	// built-in console.
	Factory    console.Factory
	Namespace  *namespace.Namespace
	Redirector *redirect.Redirector
	// HistorySize bounds each session's transcript ring buffer.
	HistorySize int
	// InterruptGrace is how long an interrupted command may keep running
	// before the session is force-closed. Negative disables the limit.
	InterruptGrace time.Duration
	WriteTimeout   time.Duration
	MaxFrameSize   int
	OnUpdate       UpdateCallback
	Logger         *log.Logger
}

// Manager accepts main-channel connections and runs one evaluator session
// per client, all against the same namespace.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*managedSession
	wg       sync.WaitGroup
	opts     Options
	logger   *log.Logger
}

type managedSession struct {
	mu             sync.Mutex
	info           Session
	conn           net.Conn
	ev             console.Evaluator
	key            redirect.Key
	cancelEval     context.CancelCauseFunc
	inputInterrupt chan struct{}
	killed         chan struct{}
	disconnected   chan struct{}
	killOnce       sync.Once
	out            *output
	ringBuf        *RingBuffer[OutputEvent]
	subscribers    map[string]chan OutputEvent
	subsClosed     bool
	subMu          sync.RWMutex
	logger         *log.Logger
}

// NewManager creates a new session manager.
func NewManager(opts Options) *Manager {
	if opts.MaxSessions == 0 {
		opts.MaxSessions = defaultMaxSessions
	}
	if opts.Factory == nil {
		opts.Factory = console.New
	}
	if opts.Namespace == nil {
		opts.Namespace = namespace.Global()
	}
	if opts.Redirector == nil {
		opts.Redirector = redirect.Default()
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}
	if opts.InterruptGrace == 0 {
		opts.InterruptGrace = defaultInterruptGrace
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = frame.DefaultMaxPayload
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		sessions: make(map[string]*managedSession),
		opts:     opts,
		logger:   logger.With("component", "session"),
	}
}

// Namespace returns the namespace sessions evaluate against.
func (m *Manager) Namespace() *namespace.Namespace {
	return m.opts.Namespace
}

// MaxSessions returns the configured session limit.
func (m *Manager) MaxSessions() int {
	return m.opts.MaxSessions
}

// Serve accepts connections from ln until ctx is done or ln fails.
func (m *Manager) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if _, err := m.Accept(ctx, conn); err != nil {
			m.logger.Warn("session rejected", "remote", conn.RemoteAddr().String(), "err", err)
		}
	}
}

// Accept registers a session for conn and starts serving it. On failure the
// client is sent a diagnostic, conn is closed and nothing is registered.
func (m *Manager) Accept(ctx context.Context, conn net.Conn) (string, error) {
	if m.full() {
		return "", m.rejectFull(conn)
	}

	// The factory may be slow; it must not hold up lookups.
	ev, err := m.opts.Factory(m.opts.Namespace, m.opts.Redirector)
	if err != nil {
		m.reject(conn, "cannot start evaluator: "+err.Error())
		return "", fmt.Errorf("create evaluator: %w", err)
	}

	id := uuid.New().String()
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	ms := &managedSession{
		info: Session{
			ID:        id,
			State:     StateAwaitingInput,
			Remote:    remote,
			CreatedAt: time.Now().UTC(),
		},
		conn:           conn,
		ev:             ev,
		key:            redirect.NewKey(),
		inputInterrupt: make(chan struct{}, 1),
		killed:         make(chan struct{}),
		disconnected:   make(chan struct{}),
		ringBuf:        NewRingBuffer[OutputEvent](m.opts.HistorySize),
		subscribers:    make(map[string]chan OutputEvent),
		logger:         m.logger.With("session", id, "remote", remote),
	}
	ms.out = newOutput(ms, m.opts.WriteTimeout)

	m.mu.Lock()
	if m.opts.MaxSessions > 0 && len(m.sessions) >= m.opts.MaxSessions {
		m.mu.Unlock()
		return "", m.rejectFull(conn)
	}
	m.sessions[id] = ms
	m.wg.Add(1)
	m.mu.Unlock()

	m.opts.Redirector.Bind(ms.key, ms.out.writer(OutputText))
	ms.logger.Info("session opened")
	m.notify(ms)

	go func() {
		defer m.wg.Done()
		m.run(ctx, ms)
	}()

	return id, nil
}

func (m *Manager) full() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opts.MaxSessions > 0 && len(m.sessions) >= m.opts.MaxSessions
}

func (m *Manager) rejectFull(conn net.Conn) error {
	m.reject(conn, fmt.Sprintf("maximum session limit reached (%d)", m.opts.MaxSessions))
	return fmt.Errorf("%w (%d)", ErrMaxSessions, m.opts.MaxSessions)
}

func (m *Manager) reject(conn net.Conn, msg string) {
	conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
	fmt.Fprintf(conn, "error: %s\n", msg)
	conn.Close()
}

func (m *Manager) lookup(id string) (*managedSession, error) {
	m.mu.RLock()
	ms, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ms, nil
}

// Get returns a snapshot of a session by ID.
func (m *Manager) Get(id string) (Session, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return Session{}, err
	}
	return ms.snapshot(), nil
}

// List returns snapshots of all registered sessions, oldest first.
func (m *Manager) List() []Session {
	m.mu.RLock()
	result := make([]Session, 0, len(m.sessions))
	for _, ms := range m.sessions {
		result = append(result, ms.snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Count reports the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Interrupt delivers an asynchronous interrupt to a session. A running
// command has its context cancelled; a session waiting for input discards
// its partial input. At most one interrupt is pending per session: pending
// reports that this request was coalesced with an earlier one that has not
// been observed yet.
func (m *Manager) Interrupt(id string) (pending bool, err error) {
	ms, err := m.lookup(id)
	if err != nil {
		return false, err
	}
	if !console.CanInterrupt(ms.ev) {
		return false, fmt.Errorf("%w: %s", ErrUnsupported, id)
	}

	ms.mu.Lock()
	switch ms.info.State {
	case StateClosed:
		ms.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrClosed, id)
	case StateInterrupting:
		ms.mu.Unlock()
		return true, nil
	case StateRunning:
		ms.info.State = StateInterrupting
		if ms.cancelEval != nil {
			ms.cancelEval(console.ErrInterrupted)
		}
	case StateAwaitingInput:
		ms.info.State = StateInterrupting
		select {
		case ms.inputInterrupt <- struct{}{}:
		default:
		}
	}
	ms.mu.Unlock()

	ms.logger.Info("interrupt requested")
	m.notify(ms)
	return false, nil
}

// Complete returns completion candidates for text from a session's
// evaluator.
func (m *Manager) Complete(id, text string) ([]string, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return ms.ev.Complete(text), nil
}

// Pair marks a session as having a control connection attached.
func (m *Manager) Pair(id string, paired bool) error {
	ms, err := m.lookup(id)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	ms.info.Paired = paired
	ms.mu.Unlock()
	m.notify(ms)
	return nil
}

// SetLabel attaches a human-readable label to a session.
func (m *Manager) SetLabel(id, label string) error {
	ms, err := m.lookup(id)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	ms.info.Label = label
	ms.mu.Unlock()
	m.notify(ms)
	return nil
}

// Kill force-closes a session. The session's goroutine tears it down
// asynchronously.
func (m *Manager) Kill(id string) error {
	ms, err := m.lookup(id)
	if err != nil {
		return err
	}
	ms.kill()
	return nil
}

// History returns the retained transcript of a session.
func (m *Manager) History(id string) ([]OutputEvent, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return ms.ringBuf.ReadAll(), nil
}

// Subscribe creates a channel that receives transcript events for a
// session. Returns the subscription ID, the channel and the history
// captured before subscribing. The channel is closed when the session ends.
func (m *Manager) Subscribe(id string) (string, <-chan OutputEvent, []OutputEvent, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return "", nil, nil, err
	}

	subID := uuid.New().String()
	ch := make(chan OutputEvent, defaultSubscriberBufCap)

	ms.subMu.Lock()
	defer ms.subMu.Unlock()
	if ms.subsClosed {
		return "", nil, nil, fmt.Errorf("%w: %s", ErrClosed, id)
	}
	history := ms.ringBuf.ReadAll()
	ms.subscribers[subID] = ch

	return subID, ch, history, nil
}

// Unsubscribe removes a subscriber from a session.
func (m *Manager) Unsubscribe(sessionID, subID string) {
	ms, err := m.lookup(sessionID)
	if err != nil {
		return
	}

	ms.subMu.Lock()
	if ch, exists := ms.subscribers[subID]; exists {
		close(ch)
		delete(ms.subscribers, subID)
	}
	ms.subMu.Unlock()
}

// Shutdown force-terminates every session and waits for their goroutines to
// finish tearing down.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	all := make([]*managedSession, 0, len(m.sessions))
	for _, ms := range m.sessions {
		all = append(all, ms)
	}
	m.mu.RUnlock()

	for _, ms := range all {
		ms.kill()
	}
	m.wg.Wait()
}

func (m *Manager) notify(ms *managedSession) {
	if m.opts.OnUpdate != nil {
		m.opts.OnUpdate(ms.snapshot())
	}
}

func (ms *managedSession) snapshot() Session {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.info
}

func (ms *managedSession) state() State {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.info.State
}

func (ms *managedSession) kill() {
	ms.killOnce.Do(func() {
		close(ms.killed)
		ms.conn.Close()
	})
}
