package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hotpatch/internal/console"
	"hotpatch/internal/frame"
	"hotpatch/internal/namespace"
	"hotpatch/internal/protocol"
	"hotpatch/internal/redirect"
)

type testServer struct {
	mgr  *Manager
	ns   *namespace.Namespace
	red  *redirect.Redirector
	addr string
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	if opts.Namespace == nil {
		opts.Namespace = namespace.New()
	}
	if opts.Redirector == nil {
		opts.Redirector = redirect.New(io.Discard)
	}
	opts.Logger = log.New(io.Discard)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	mgr := NewManager(opts)
	done := make(chan struct{})
	go func() {
		defer close(done)
		mgr.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		mgr.Shutdown()
	})

	return &testServer{mgr: mgr, ns: opts.Namespace, red: opts.Redirector, addr: ln.Addr().String()}
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	id   string
}

func (s *testServer) dial(t *testing.T) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", s.addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	banner := c.readUntil(PromptMain)
	line, _, _ := strings.Cut(banner, "\n")
	require.True(t, strings.HasPrefix(line, BannerPrefix), "unexpected banner %q", banner)
	c.id = strings.TrimPrefix(line, BannerPrefix)
	return c
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_, err := io.WriteString(c.conn, line+"\n")
	require.NoError(c.t, err)
}

// readUntil reads until the accumulated output ends with suffix.
func (c *testClient) readUntil(suffix string) string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer c.conn.SetReadDeadline(time.Time{})

	var b strings.Builder
	for !strings.HasSuffix(b.String(), suffix) {
		r, err := c.r.ReadByte()
		require.NoError(c.t, err, "read so far: %q", b.String())
		b.WriteByte(r)
	}
	return b.String()
}

func (c *testClient) eval(line string) string {
	c.t.Helper()
	c.send(line)
	return strings.TrimSuffix(c.readUntil(PromptMain), PromptMain)
}

// blockingEvaluator runs every command until it is cancelled and then
// until release is closed.
type blockingEvaluator struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingEvaluator) Push(ctx context.Context, line string) (bool, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	<-b.release
	return false, context.Cause(ctx)
}

func (b *blockingEvaluator) Reset()                   {}
func (b *blockingEvaluator) Complete(string) []string { return nil }
func (b *blockingEvaluator) Interruptible() bool      { return true }

// stubbornEvaluator ignores cancellation entirely.
type stubbornEvaluator struct {
	release chan struct{}
}

func (s *stubbornEvaluator) Push(ctx context.Context, line string) (bool, error) {
	<-s.release
	return false, nil
}

func (s *stubbornEvaluator) Reset()                   {}
func (s *stubbornEvaluator) Complete(string) []string { return nil }

func TestNewManager(t *testing.T) {
	mgr := NewManager(Options{})
	if mgr == nil {
		t.Fatal("expected non-nil manager")
	}
	if mgr.MaxSessions() != defaultMaxSessions {
		t.Errorf("MaxSessions() = %d, want %d", mgr.MaxSessions(), defaultMaxSessions)
	}
}

func TestManager_GetNotFound(t *testing.T) {
	mgr := NewManager(Options{})
	_, err := mgr.Get("nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestManager_ListEmpty(t *testing.T) {
	mgr := NewManager(Options{})
	sessions := mgr.List()
	if len(sessions) != 0 {
		t.Errorf("expected empty list, got %d sessions", len(sessions))
	}
}

func TestManager_InterruptNotFound(t *testing.T) {
	mgr := NewManager(Options{})
	_, err := mgr.Interrupt("nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestManager_EvaluatesLines(t *testing.T) {
	srv := newTestServer(t, Options{})
	c := srv.dial(t)

	assert.Equal(t, "2\n", c.eval("1 + 1"))
	assert.Equal(t, "", c.eval("x = 20"))
	assert.Equal(t, "21\n", c.eval("x + 1"))
	assert.Equal(t, "error: name \"nope\" is not defined\n", c.eval("nope"))

	s, err := srv.mgr.Get(c.id)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingInput, s.State)
	assert.Equal(t, 4, s.Commands)
}

func TestManager_ContinuationPrompt(t *testing.T) {
	srv := newTestServer(t, Options{})
	c := srv.dial(t)

	c.send("y = (1 +")
	c.readUntil(PromptMore)
	assert.Equal(t, "", c.eval("2)"))
	assert.Equal(t, "3\n", c.eval("y"))
}

func TestManager_SharedNamespace(t *testing.T) {
	srv := newTestServer(t, Options{})
	a := srv.dial(t)
	b := srv.dial(t)
	require.NotEqual(t, a.id, b.id)

	a.eval("answer = 41")
	assert.Equal(t, "42\n", b.eval("answer + 1"))

	v, ok := srv.ns.Get("answer")
	require.True(t, ok)
	assert.EqualValues(t, 41, v)

	assert.Len(t, srv.mgr.List(), 2)
}

func TestManager_InterruptRunningCommand(t *testing.T) {
	srv := newTestServer(t, Options{})
	c := srv.dial(t)

	c.send("sleep(30)")
	require.Eventually(t, func() bool {
		s, err := srv.mgr.Get(c.id)
		return err == nil && s.State == StateRunning
	}, 5*time.Second, 10*time.Millisecond)

	pending, err := srv.mgr.Interrupt(c.id)
	require.NoError(t, err)
	assert.False(t, pending)

	out := c.readUntil(PromptMain)
	assert.Equal(t, InterruptNotice+"\n"+PromptMain, out)

	// The session keeps working afterwards.
	assert.Equal(t, "2\n", c.eval("1 + 1"))
}

func TestManager_InterruptCoalesces(t *testing.T) {
	ev := &blockingEvaluator{started: make(chan struct{}, 1), release: make(chan struct{})}
	srv := newTestServer(t, Options{
		Factory: func(*namespace.Namespace, *redirect.Redirector) (console.Evaluator, error) {
			return ev, nil
		},
	})
	c := srv.dial(t)

	c.send("work")
	<-ev.started
	require.Eventually(t, func() bool {
		s, _ := srv.mgr.Get(c.id)
		return s.State == StateRunning
	}, 5*time.Second, 10*time.Millisecond)

	pending, err := srv.mgr.Interrupt(c.id)
	require.NoError(t, err)
	assert.False(t, pending)

	s, err := srv.mgr.Get(c.id)
	require.NoError(t, err)
	assert.Equal(t, StateInterrupting, s.State)

	pending, err = srv.mgr.Interrupt(c.id)
	require.NoError(t, err)
	assert.True(t, pending)

	close(ev.release)
	assert.Equal(t, InterruptNotice+"\n"+PromptMain, c.readUntil(PromptMain))

	s, err = srv.mgr.Get(c.id)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingInput, s.State)
}

func TestManager_InterruptPendingInput(t *testing.T) {
	srv := newTestServer(t, Options{})
	c := srv.dial(t)

	c.send("z = (1 +")
	c.readUntil(PromptMore)

	require.Eventually(t, func() bool {
		s, _ := srv.mgr.Get(c.id)
		return s.State == StateAwaitingInput
	}, 5*time.Second, 10*time.Millisecond)

	_, err := srv.mgr.Interrupt(c.id)
	require.NoError(t, err)
	assert.Equal(t, "\n"+InterruptNotice+"\n"+PromptMain, c.readUntil(PromptMain))

	// The partial input was discarded.
	assert.Equal(t, "5\n", c.eval("5"))
	_, ok := srv.ns.Get("z")
	assert.False(t, ok)
}

func TestManager_InterruptUnsupported(t *testing.T) {
	ev := &stubbornEvaluator{release: make(chan struct{})}
	srv := newTestServer(t, Options{
		Factory: func(*namespace.Namespace, *redirect.Redirector) (console.Evaluator, error) {
			return ev, nil
		},
	})
	c := srv.dial(t)

	_, err := srv.mgr.Interrupt(c.id)
	assert.ErrorIs(t, err, ErrUnsupported)
	close(ev.release)
}

func TestManager_InterruptGraceClosesSession(t *testing.T) {
	ev := &blockingEvaluator{started: make(chan struct{}, 1), release: make(chan struct{})}
	defer close(ev.release)
	srv := newTestServer(t, Options{
		InterruptGrace: 50 * time.Millisecond,
		Factory: func(*namespace.Namespace, *redirect.Redirector) (console.Evaluator, error) {
			return ev, nil
		},
	})
	c := srv.dial(t)

	c.send("work")
	<-ev.started
	require.Eventually(t, func() bool {
		s, _ := srv.mgr.Get(c.id)
		return s.State == StateRunning
	}, 5*time.Second, 10*time.Millisecond)

	_, err := srv.mgr.Interrupt(c.id)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return srv.mgr.Count() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, srv.red.Len())
}

func TestManager_TeardownOnDisconnect(t *testing.T) {
	updates := make(chan Session, 16)
	srv := newTestServer(t, Options{
		OnUpdate: func(s Session) {
			select {
			case updates <- s:
			default:
			}
		},
	})
	c := srv.dial(t)
	require.Equal(t, 1, srv.red.Len())

	_, events, _, err := srv.mgr.Subscribe(c.id)
	require.NoError(t, err)

	c.conn.Close()

	require.Eventually(t, func() bool {
		return srv.mgr.Count() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, srv.red.Len())

	_, err = srv.mgr.Get(c.id)
	assert.ErrorIs(t, err, ErrNotFound)

	var last OutputEvent
	for ev := range events {
		last = ev
	}
	assert.Equal(t, OutputClosed, last.Type)
	assert.Equal(t, reasonDisconnected, last.Data)

	var sawClosed bool
	for len(updates) > 0 {
		if (<-updates).State == StateClosed {
			sawClosed = true
		}
	}
	assert.True(t, sawClosed)
}

func TestManager_TeardownOnDisconnectDuringCommand(t *testing.T) {
	srv := newTestServer(t, Options{})
	c := srv.dial(t)

	c.send("sleep(30)")
	require.Eventually(t, func() bool {
		s, err := srv.mgr.Get(c.id)
		return err == nil && s.State == StateRunning
	}, 5*time.Second, 10*time.Millisecond)

	_, events, _, err := srv.mgr.Subscribe(c.id)
	require.NoError(t, err)

	c.conn.Close()

	require.Eventually(t, func() bool {
		return srv.mgr.Count() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, srv.red.Len())

	var last OutputEvent
	for ev := range events {
		last = ev
	}
	assert.Equal(t, OutputClosed, last.Type)
	assert.Equal(t, reasonDisconnected, last.Data)
}

func TestManager_Kill(t *testing.T) {
	srv := newTestServer(t, Options{})
	c := srv.dial(t)

	require.NoError(t, srv.mgr.Kill(c.id))

	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := io.ReadAll(c.r)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return srv.mgr.Count() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestManager_MaxSessions(t *testing.T) {
	srv := newTestServer(t, Options{MaxSessions: 1})
	srv.dial(t)

	conn, err := net.Dial("tcp", srv.addr)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "error: maximum session limit reached (1)\n", string(data))
	assert.Equal(t, 1, srv.mgr.Count())
}

func TestManager_FactoryFailure(t *testing.T) {
	srv := newTestServer(t, Options{
		Factory: func(*namespace.Namespace, *redirect.Redirector) (console.Evaluator, error) {
			return nil, errors.New("boom")
		},
	})

	conn, err := net.Dial("tcp", srv.addr)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "error: cannot start evaluator: boom\n", string(data))
	assert.Equal(t, 0, srv.mgr.Count())
	assert.Equal(t, 0, srv.red.Len())
}

func TestManager_SlowFactoryDoesNotBlockLookups(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := newTestServer(t, Options{
		Factory: func(ns *namespace.Namespace, out *redirect.Redirector) (console.Evaluator, error) {
			entered <- struct{}{}
			<-release
			return console.New(ns, out)
		},
	})
	unblock := sync.OnceFunc(func() { close(release) })
	t.Cleanup(unblock)

	conn, err := net.Dial("tcp", srv.addr)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("factory was not called")
	}

	listed := make(chan int, 1)
	go func() { listed <- len(srv.mgr.List()) }()
	select {
	case n := <-listed:
		assert.Equal(t, 0, n)
	case <-time.After(time.Second):
		t.Fatal("List blocked while the factory was running")
	}
	_, err = srv.mgr.Interrupt("nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)

	unblock()
	require.Eventually(t, func() bool {
		return srv.mgr.Count() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

// TestManager_OutputIsolation drives two sessions' writes in a fixed
// interleaving and checks each client only sees its own output.
func TestManager_OutputIsolation(t *testing.T) {
	orders := map[string][]string{
		"a-b-a": {"a", "b", "a"},
		"b-a-b": {"b", "a", "b"},
	}

	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			srv := newTestServer(t, Options{})
			gates := map[string]chan struct{}{"a": make(chan struct{}), "b": make(chan struct{})}
			written := make(chan struct{})

			// emit(tag, n) writes tag n times, one line per turn it is given.
			console.Register(srv.ns, "emit", func(ctx context.Context, args []any) (any, error) {
				tag, n := args[0].(string), args[1].(int64)
				w := srv.red.Writer(ctx)
				for i := int64(0); i < n; i++ {
					select {
					case <-gates[tag]:
					case <-ctx.Done():
						return nil, ctx.Err()
					}
					if _, err := fmt.Fprintln(w, tag); err != nil {
						return nil, err
					}
					written <- struct{}{}
				}
				return nil, nil
			})

			counts := map[string]int{}
			for _, tag := range order {
				counts[tag]++
			}

			a := srv.dial(t)
			b := srv.dial(t)
			a.send(fmt.Sprintf("emit(%q, %d)", "a", counts["a"]))
			b.send(fmt.Sprintf("emit(%q, %d)", "b", counts["b"]))

			for _, tag := range order {
				select {
				case gates[tag] <- struct{}{}:
				case <-time.After(5 * time.Second):
					t.Fatalf("emit(%q) never waited for its turn", tag)
				}
				<-written
			}

			outA := strings.TrimSuffix(a.readUntil(PromptMain), PromptMain)
			outB := strings.TrimSuffix(b.readUntil(PromptMain), PromptMain)
			assert.Equal(t, strings.Repeat("a\n", counts["a"]), outA)
			assert.Equal(t, strings.Repeat("b\n", counts["b"]), outB)
		})
	}
}

func TestManager_CompleteCommand(t *testing.T) {
	srv := newTestServer(t, Options{})
	c := srv.dial(t)

	c.eval("counter = 1")
	assert.Equal(t, "counter\n", c.eval("complete cou"))

	got, err := srv.mgr.Complete(c.id, "pri")
	require.NoError(t, err)
	assert.Equal(t, []string{"print"}, got)
}

func TestManager_InBandFrames(t *testing.T) {
	srv := newTestServer(t, Options{})
	c := srv.dial(t)

	msg, err := protocol.NewMessage(protocol.TypeComplete, protocol.CompletePayload{Text: "sle"})
	require.NoError(t, err)
	data, err := msg.EncodeFrame()
	require.NoError(t, err)
	_, err = c.conn.Write(data)
	require.NoError(t, err)

	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	demux := frame.NewDemux(c.r, 0)
	chunk, err := demux.Next()
	require.NoError(t, err)
	require.True(t, chunk.Frame)

	var reply protocol.Message
	require.NoError(t, json.Unmarshal(chunk.Data, &reply))
	assert.Equal(t, protocol.TypeCompletions, reply.Type)

	var p protocol.CompletionsPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &p))
	assert.Equal(t, c.id, p.SessionID)
	assert.Equal(t, []string{"sleep"}, p.Candidates)
}

func TestManager_HistoryRecordsTranscript(t *testing.T) {
	srv := newTestServer(t, Options{})
	c := srv.dial(t)
	c.eval("6 * 7")

	history, err := srv.mgr.History(c.id)
	require.NoError(t, err)

	var inputs, outputs []string
	for _, ev := range history {
		switch ev.Type {
		case OutputInput:
			inputs = append(inputs, ev.Data)
		case OutputText:
			outputs = append(outputs, ev.Data)
		}
	}
	assert.Equal(t, []string{"6 * 7\n"}, inputs)
	assert.Contains(t, outputs, "42\n")
}

func TestManager_Shutdown(t *testing.T) {
	srv := newTestServer(t, Options{})
	srv.dial(t)
	srv.dial(t)
	require.Equal(t, 2, srv.mgr.Count())

	srv.mgr.Shutdown()
	assert.Equal(t, 0, srv.mgr.Count())
	assert.Equal(t, 0, srv.red.Len())
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: x", ErrNotFound), protocol.ErrSessionNotFound},
		{fmt.Errorf("%w: x", ErrClosed), protocol.ErrSessionClosed},
		{fmt.Errorf("%w: x", ErrUnsupported), protocol.ErrUnsupported},
		{ErrMaxSessions, protocol.ErrMaxSessions},
		{errors.New("other"), protocol.ErrInternal},
	}
	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.want {
			t.Errorf("ErrorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
