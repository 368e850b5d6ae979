package session

import (
	"io"
	"sync"
	"time"

	"hotpatch/internal/protocol"
)

// output serializes everything written to a session's connection: prompts,
// notices, command output arriving through the redirector and in-band
// replies. Text writes are recorded in the transcript.
type output struct {
	mu      sync.Mutex
	ms      *managedSession
	timeout time.Duration
}

func newOutput(ms *managedSession, timeout time.Duration) *output {
	return &output{ms: ms, timeout: timeout}
}

func (o *output) write(typ OutputEventType, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	o.ms.conn.SetWriteDeadline(time.Now().Add(o.timeout))
	_, err := o.ms.conn.Write(data)
	o.ms.record(typ, string(data))
	return err
}

func (o *output) writeString(typ OutputEventType, s string) error {
	return o.write(typ, []byte(s))
}

func (o *output) writeMessage(msg *protocol.Message) error {
	data, err := msg.EncodeFrame()
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	o.ms.conn.SetWriteDeadline(time.Now().Add(o.timeout))
	_, err = o.ms.conn.Write(data)
	return err
}

func (o *output) writer(typ OutputEventType) io.Writer {
	return outputWriter{o: o, typ: typ}
}

type outputWriter struct {
	o   *output
	typ OutputEventType
}

func (w outputWriter) Write(p []byte) (int, error) {
	if err := w.o.write(w.typ, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// record appends an event to the transcript and fans it out to subscribers.
func (ms *managedSession) record(typ OutputEventType, data string) {
	ev := OutputEvent{
		SessionID: ms.info.ID,
		Type:      typ,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	ms.ringBuf.Write(ev)
	ms.fanOut(ev)
}

// fanOut sends an event to all subscribers. Slow subscribers miss events
// instead of blocking the session.
func (ms *managedSession) fanOut(ev OutputEvent) {
	ms.subMu.RLock()
	defer ms.subMu.RUnlock()

	for _, ch := range ms.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// closeSubscribers delivers a final closed event and closes every
// subscriber channel. Later Subscribe calls fail with ErrClosed.
func (ms *managedSession) closeSubscribers(reason string) {
	ev := OutputEvent{
		SessionID: ms.info.ID,
		Type:      OutputClosed,
		Data:      reason,
		Timestamp: time.Now().UTC(),
	}
	ms.ringBuf.Write(ev)

	ms.subMu.Lock()
	defer ms.subMu.Unlock()
	for id, ch := range ms.subscribers {
		select {
		case ch <- ev:
		default:
		}
		close(ch)
		delete(ms.subscribers, id)
	}
	ms.subsClosed = true
}
