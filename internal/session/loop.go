package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"hotpatch/internal/console"
	"hotpatch/internal/frame"
	"hotpatch/internal/protocol"
	"hotpatch/internal/redirect"
)

const (
	reasonDisconnected = "client disconnected"
	reasonKilled       = "killed"
	reasonGrace        = "interrupt not observed within grace period"
	reasonShutdown     = "server shutdown"
)

// run drives one session until its client goes away or it is killed.
func (m *Manager) run(ctx context.Context, ms *managedSession) {
	reason := reasonDisconnected
	defer func() { m.teardown(ms, reason) }()

	if err := ms.out.writeString(OutputText, BannerPrefix+ms.info.ID+"\n"+PromptMain); err != nil {
		ms.logger.Debug("banner write failed", "err", err)
		return
	}

	lines := make(chan string, defaultInputQueue)
	go m.readInput(ms, lines)

	more := false
	for {
		select {
		case <-ctx.Done():
			reason = reasonShutdown
			return
		case <-ms.killed:
			reason = reasonKilled
			return
		case <-ms.inputInterrupt:
			m.interruptInput(ms)
			more = false
		case line, ok := <-lines:
			if !ok {
				return
			}
			if text, ok := strings.CutPrefix(line, CompleteCommand); ok && !more {
				m.writeCompletions(ms, text)
				continue
			}
			var r string
			more, r = m.execute(ctx, ms, line)
			if r != "" {
				reason = r
				return
			}
			prompt := PromptMain
			if more {
				prompt = PromptMore
			}
			ms.out.writeString(OutputText, prompt)
		}
	}
}

// execute runs one line through the evaluator. It returns a non-empty
// reason when the session must be closed.
func (m *Manager) execute(ctx context.Context, ms *managedSession, line string) (more bool, reason string) {
	ms.record(OutputInput, line+"\n")

	evalCtx, cancel := context.WithCancelCause(redirect.WithKey(ctx, ms.key))
	defer cancel(nil)

	// An interrupt that arrived while the line was in flight applies to the
	// pending input, not to this command.
	for !ms.beginRunning(cancel) {
		select {
		case <-ms.inputInterrupt:
			m.interruptInput(ms)
		case <-ms.killed:
			return false, reasonKilled
		case <-ms.disconnected:
			return false, reasonDisconnected
		}
	}
	m.notify(ms)

	type result struct {
		more bool
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("evaluator panic: %v", r)}
			}
		}()
		more, err := ms.ev.Push(evalCtx, line)
		done <- result{more: more, err: err}
	}()

	var grace <-chan time.Time
	cancelled := evalCtx.Done()
	for {
		select {
		case res := <-done:
			m.finishCommand(ms, evalCtx, res.more, res.err)
			return res.more, ""
		case <-cancelled:
			cancelled = nil
			if m.opts.InterruptGrace > 0 {
				timer := time.NewTimer(m.opts.InterruptGrace)
				defer timer.Stop()
				grace = timer.C
			}
		case <-grace:
			ms.logger.Warn("interrupt not observed, closing session", "grace", m.opts.InterruptGrace)
			ms.out.writeString(OutputNotice, "\n"+InterruptNotice+": command did not stop, closing session\n")
			return false, reasonGrace
		case <-ms.killed:
			cancel(context.Canceled)
			return false, reasonKilled
		case <-ms.disconnected:
			// Nobody is left to read the result.
			cancel(context.Canceled)
			return false, reasonDisconnected
		}
	}
}

func (m *Manager) finishCommand(ms *managedSession, evalCtx context.Context, more bool, err error) {
	switch {
	case err == nil:
	case errors.Is(err, console.ErrInterrupted) || errors.Is(context.Cause(evalCtx), console.ErrInterrupted):
		ms.ev.Reset()
		ms.out.writeString(OutputNotice, InterruptNotice+"\n")
	default:
		ms.ev.Reset()
		ms.out.writeString(OutputText, "error: "+err.Error()+"\n")
	}

	ms.mu.Lock()
	ms.cancelEval = nil
	ms.info.State = StateAwaitingInput
	if !more {
		ms.info.Commands++
	}
	ms.mu.Unlock()
	m.notify(ms)
}

// beginRunning moves the session to running. It fails while an interrupt
// aimed at pending input has not been handled yet.
func (ms *managedSession) beginRunning(cancel context.CancelCauseFunc) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.info.State != StateAwaitingInput {
		return false
	}
	ms.info.State = StateRunning
	ms.cancelEval = cancel
	return true
}

// interruptInput discards partially entered input.
func (m *Manager) interruptInput(ms *managedSession) {
	ms.ev.Reset()
	ms.out.writeString(OutputNotice, "\n"+InterruptNotice+"\n")
	ms.out.writeString(OutputText, PromptMain)

	ms.mu.Lock()
	if ms.info.State == StateInterrupting {
		ms.info.State = StateAwaitingInput
	}
	ms.mu.Unlock()
	m.notify(ms)
}

func (m *Manager) writeCompletions(ms *managedSession, text string) {
	var b strings.Builder
	for _, c := range ms.ev.Complete(text) {
		b.WriteString(c)
		b.WriteByte('\n')
	}
	b.WriteString(PromptMain)
	ms.out.writeString(OutputText, b.String())
}

// readInput splits the client stream into lines and answers frames sent
// in-band. lines and ms.disconnected are closed when the stream ends.
func (m *Manager) readInput(ms *managedSession, lines chan<- string) {
	defer close(ms.disconnected)
	defer close(lines)

	demux := frame.NewDemux(ms.conn, m.opts.MaxFrameSize)
	var partial strings.Builder
	for {
		chunk, err := demux.Next()
		if err != nil {
			return
		}
		if chunk.Frame {
			m.handleFrame(ms, chunk.Data)
			continue
		}

		data := string(chunk.Data)
		for {
			i := strings.IndexByte(data, '\n')
			if i < 0 {
				partial.WriteString(data)
				break
			}
			partial.WriteString(data[:i])
			line := strings.TrimRight(partial.String(), "\r")
			partial.Reset()
			data = data[i+1:]

			select {
			case lines <- line:
			case <-ms.killed:
				return
			}
		}
	}
}

// handleFrame answers a framed request received on the main channel. The
// request always targets the connection's own session.
func (m *Manager) handleFrame(ms *managedSession, raw []byte) {
	reply := func(msgType string, payload any) {
		msg, err := protocol.NewMessage(msgType, payload)
		if err != nil {
			ms.logger.Error("failed to build reply", "type", msgType, "err", err)
			return
		}
		if err := ms.out.writeMessage(msg); err != nil {
			ms.logger.Debug("reply write failed", "err", err)
		}
	}
	replyError := func(code, message string) {
		reply(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
	}

	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		replyError(protocol.ErrInvalidMessage, err.Error())
		return
	}

	id := ms.info.ID
	switch msg.Type {
	case protocol.TypeInterrupt:
		pending, err := m.Interrupt(id)
		if err != nil {
			replyError(ErrorCode(err), err.Error())
			return
		}
		reply(protocol.TypeAck, protocol.AckPayload{Request: msg.Type, SessionID: id, Pending: pending})

	case protocol.TypeComplete:
		var p protocol.CompletePayload
		json.Unmarshal(msg.Payload, &p)
		reply(protocol.TypeCompletions, protocol.CompletionsPayload{
			SessionID:  id,
			Text:       p.Text,
			Candidates: nonNil(ms.ev.Complete(p.Text)),
		})

	default:
		replyError(protocol.ErrUnsupported, msg.Type+" is not available on the main channel")
	}
}

// ErrorCode maps a manager error to a protocol error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return protocol.ErrSessionNotFound
	case errors.Is(err, ErrClosed):
		return protocol.ErrSessionClosed
	case errors.Is(err, ErrUnsupported):
		return protocol.ErrUnsupported
	case errors.Is(err, ErrMaxSessions):
		return protocol.ErrMaxSessions
	default:
		return protocol.ErrInternal
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// teardown releases everything a session holds. It runs exactly once, on
// the session's own goroutine.
func (m *Manager) teardown(ms *managedSession, reason string) {
	ms.kill()
	m.opts.Redirector.Unbind(ms.key)

	ms.mu.Lock()
	ms.info.State = StateClosed
	if ms.cancelEval != nil {
		ms.cancelEval(context.Canceled)
		ms.cancelEval = nil
	}
	ms.mu.Unlock()

	m.mu.Lock()
	delete(m.sessions, ms.info.ID)
	m.mu.Unlock()

	ms.closeSubscribers(reason)
	ms.logger.Info("session closed", "reason", reason)
	m.notify(ms)
}
