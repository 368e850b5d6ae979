// Package client connects to a hot-patch server: a main connection carrying
// console lines and an optional control connection for interrupts,
// completion and server queries.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"hotpatch/internal/frame"
	"hotpatch/internal/protocol"
	"hotpatch/internal/session"
)

// ErrNoControl is returned by requests that need the control channel when
// the client was dialed without one.
var ErrNoControl = errors.New("no control connection")

const defaultRequestTimeout = 10 * time.Second

// RemoteError is an error response from the server.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Options configures Dial.
type Options struct {
	// ControlAddr enables the control connection when non-empty.
	ControlAddr  string
	MaxFrameSize int
	Logger       *log.Logger
}

// Client is one attached session.
type Client struct {
	main    net.Conn
	demux   *frame.Demux
	id      string
	pending []byte

	ctl    net.Conn
	ctlDec *frame.Decoder
	ctlMu  sync.Mutex

	logger *log.Logger
}

// Dial opens a session on the main channel at addr and, when configured,
// pairs a control connection with it.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	var d net.Dialer
	mainConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial main channel: %w", err)
	}
	c := &Client{
		main:   mainConn,
		demux:  frame.NewDemux(mainConn, opts.MaxFrameSize),
		logger: logger,
	}
	if err := c.readBanner(ctx); err != nil {
		mainConn.Close()
		return nil, err
	}
	c.logger = logger.With("session", c.id)

	if opts.ControlAddr == "" {
		return c, nil
	}
	ctlConn, err := d.DialContext(ctx, "tcp", opts.ControlAddr)
	if err != nil {
		mainConn.Close()
		return nil, fmt.Errorf("dial control channel: %w", err)
	}
	c.ctl = ctlConn
	c.ctlDec = frame.NewDecoder(frame.NewReaderSource(ctlConn), opts.MaxFrameSize)

	if _, err := c.request(ctx, protocol.TypePair, protocol.SessionIDPayload{SessionID: c.id}); err != nil {
		c.Close()
		return nil, fmt.Errorf("pair control channel: %w", err)
	}
	c.logger.Debug("control channel paired")
	return c, nil
}

// readBanner consumes the first line of the main channel and extracts the
// session id. Anything after the banner is kept for ReadReply.
func (c *Client) readBanner(ctx context.Context) error {
	stop := deadlineFromContext(ctx, c.main)
	defer stop()

	var buf []byte
	for {
		chunk, err := c.demux.Next()
		if err != nil {
			if len(buf) > 0 {
				return fmt.Errorf("server: %s", strings.TrimSpace(string(buf)))
			}
			return fmt.Errorf("read banner: %w", err)
		}
		if chunk.Frame {
			continue
		}
		buf = append(buf, chunk.Data...)
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			continue
		}
		line := strings.TrimRight(string(buf[:i]), "\r")
		id, ok := strings.CutPrefix(line, session.BannerPrefix)
		if !ok {
			return fmt.Errorf("server: %s", strings.TrimSpace(line))
		}
		c.id = strings.TrimSpace(id)
		c.pending = append(c.pending, buf[i+1:]...)
		return nil
	}
}

// ID returns the session id announced in the banner.
func (c *Client) ID() string {
	return c.id
}

// Send writes one input line.
func (c *Client) Send(line string) error {
	_, err := io.WriteString(c.main, line+"\n")
	return err
}

// ReadReply copies session output to w until the server prints a prompt,
// and returns that prompt. Frames interleaved with the output are dropped.
func (c *Client) ReadReply(w io.Writer) (string, error) {
	for {
		if prompt, ok := cutPrompt(&c.pending, w); ok {
			return prompt, nil
		}
		chunk, err := c.demux.Next()
		if err != nil {
			if len(c.pending) > 0 {
				w.Write(c.pending)
				c.pending = nil
			}
			return "", err
		}
		if chunk.Frame {
			continue
		}
		c.pending = append(c.pending, chunk.Data...)
	}
}

var prompts = []string{session.PromptMain, session.PromptMore}

// cutPrompt flushes pending output to w. It reports the prompt when
// pending ends with one and otherwise keeps back any tail that could be the
// start of a prompt.
func cutPrompt(pending *[]byte, w io.Writer) (string, bool) {
	buf := *pending
	for _, p := range prompts {
		if bytes.HasSuffix(buf, []byte(p)) {
			w.Write(buf[:len(buf)-len(p)])
			*pending = nil
			return p, true
		}
	}
	keep := 0
	for _, p := range prompts {
		for n := len(p) - 1; n > keep; n-- {
			if bytes.HasSuffix(buf, []byte(p[:n])) {
				keep = n
				break
			}
		}
	}
	if len(buf)-keep > 0 {
		w.Write(buf[:len(buf)-keep])
	}
	*pending = append([]byte(nil), buf[len(buf)-keep:]...)
	return "", false
}

// Interrupt asks the server to interrupt the session. pending is true when
// an earlier interrupt had not been observed yet.
func (c *Client) Interrupt(ctx context.Context) (pending bool, err error) {
	msg, err := c.request(ctx, protocol.TypeInterrupt, protocol.SessionIDPayload{})
	if err != nil {
		return false, err
	}
	var ack protocol.AckPayload
	if err := json.Unmarshal(msg.Payload, &ack); err != nil {
		return false, fmt.Errorf("decode ack: %w", err)
	}
	return ack.Pending, nil
}

// Complete returns candidate completions of text, each a full replacement
// for it.
func (c *Client) Complete(ctx context.Context, text string) ([]string, error) {
	msg, err := c.request(ctx, protocol.TypeComplete, protocol.CompletePayload{Text: text})
	if err != nil {
		return nil, err
	}
	var payload protocol.CompletionsPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode completions: %w", err)
	}
	return payload.Candidates, nil
}

// List returns every open session on the server.
func (c *Client) List(ctx context.Context) ([]protocol.SessionInfo, error) {
	msg, err := c.request(ctx, protocol.TypeList, struct{}{})
	if err != nil {
		return nil, err
	}
	var payload protocol.SessionsPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode session list: %w", err)
	}
	return payload.Sessions, nil
}

// Describe returns the server description.
func (c *Client) Describe(ctx context.Context) (protocol.ServerInfoPayload, error) {
	var payload protocol.ServerInfoPayload
	msg, err := c.request(ctx, protocol.TypeDescribe, struct{}{})
	if err != nil {
		return payload, err
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decode server info: %w", err)
	}
	return payload, nil
}

// request sends one control request and reads its response. The control
// channel answers requests in order, so requests are serialized.
func (c *Client) request(ctx context.Context, msgType string, payload any) (*protocol.Message, error) {
	if c.ctl == nil {
		return nil, ErrNoControl
	}
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	data, err := msg.EncodeFrame()
	if err != nil {
		return nil, err
	}

	c.ctlMu.Lock()
	defer c.ctlMu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRequestTimeout)
		defer cancel()
	}
	stop := deadlineFromContext(ctx, c.ctl)
	defer stop()

	if _, err := c.ctl.Write(data); err != nil {
		return nil, fmt.Errorf("send %s: %w", msgType, err)
	}
	raw, err := c.ctlDec.Decode()
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", msgType, err)
	}
	var resp protocol.Message
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", msgType, err)
	}
	if resp.Type == protocol.TypeError {
		var e protocol.ErrorPayload
		json.Unmarshal(resp.Payload, &e)
		return nil, &RemoteError{Code: e.Code, Message: e.Message}
	}
	return &resp, nil
}

// Close closes both connections.
func (c *Client) Close() error {
	var errs []error
	if c.ctl != nil {
		errs = append(errs, c.ctl.Close())
	}
	errs = append(errs, c.main.Close())
	return errors.Join(errs...)
}

// deadlineFromContext applies ctx's deadline to conn and unblocks pending
// I/O when ctx is cancelled. The returned func clears both.
func deadlineFromContext(ctx context.Context, conn net.Conn) func() {
	if d, ok := ctx.Deadline(); ok {
		conn.SetDeadline(d)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		conn.SetDeadline(time.Time{})
	}
}
