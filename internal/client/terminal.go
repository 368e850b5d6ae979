package client

import (
	"context"
	"fmt"
	"net"
	"sync"

	"hotpatch/internal/protocol"
)

// Terminal is a raw connection to the PTY proxy. Reads return child output;
// writes go to the child's terminal. Resize and Interrupt are sent as
// frames in the same stream.
type Terminal struct {
	conn    net.Conn
	writeMu sync.Mutex
}

// DialTerminal connects to the PTY proxy at addr.
func DialTerminal(ctx context.Context, addr string) (*Terminal, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial pty proxy: %w", err)
	}
	return &Terminal{conn: conn}, nil
}

func (t *Terminal) Read(p []byte) (int, error) {
	return t.conn.Read(p)
}

func (t *Terminal) Write(p []byte) (int, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.Write(p)
}

// Resize tells the proxy the local window size.
func (t *Terminal) Resize(cols, rows uint16) error {
	return t.send(protocol.TypeResize, protocol.ResizePayload{Cols: cols, Rows: rows})
}

// Interrupt asks the proxy to signal the child's process group.
func (t *Terminal) Interrupt() error {
	return t.send(protocol.TypeInterrupt, protocol.SessionIDPayload{})
}

func (t *Terminal) send(msgType string, payload any) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	data, err := msg.EncodeFrame()
	if err != nil {
		return err
	}
	if _, err := t.Write(data); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	return nil
}

// CloseWrite half-closes the connection so the child sees end of input.
func (t *Terminal) CloseWrite() error {
	if tcp, ok := t.conn.(*net.TCPConn); ok {
		return tcp.CloseWrite()
	}
	return t.conn.Close()
}

// Close closes the connection; the proxy hangs up the child.
func (t *Terminal) Close() error {
	return t.conn.Close()
}
