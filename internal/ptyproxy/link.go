// Package ptyproxy bridges socket clients to programs running on a
// pseudoterminal.
package ptyproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/creack/pty"

	"hotpatch/internal/frame"
	"hotpatch/internal/protocol"
)

// ErrUnsupported is returned where the platform has no pseudoterminals or
// process groups.
var ErrUnsupported = errors.New("ptyproxy: not supported on this platform")

// hangupGrace is how long a child may take to exit after SIGHUP before its
// process group is killed.
const hangupGrace = 2 * time.Second

// Size is a terminal size in character cells.
type Size struct {
	Cols uint16
	Rows uint16
}

func (s Size) winsize() *pty.Winsize {
	if s.Cols == 0 || s.Rows == 0 {
		return nil
	}
	return &pty.Winsize{Cols: s.Cols, Rows: s.Rows}
}

// LinkOptions tunes a spawned link.
type LinkOptions struct {
	// Raw puts the pseudoterminal line discipline into raw mode before the
	// child starts.
	Raw          bool
	Dir          string
	Env          []string
	MaxFrameSize int
	Logger       *log.Logger
}

// Link is one child process attached to a pseudoterminal.
type Link struct {
	cmd      *exec.Cmd
	ptmx     *os.File
	maxFrame int
	logger   *log.Logger

	exited    chan struct{}
	waitErr   error
	closeOnce sync.Once
}

// Spawn starts command on a new pseudoterminal of the given size. The child
// leads its own session and process group. Cancelling ctx hangs up the
// child.
func Spawn(ctx context.Context, command string, args []string, size Size, opts LinkOptions) (*Link, error) {
	if command == "" {
		return nil, errors.New("ptyproxy: command is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env

	ptmx, err := start(cmd, size, opts.Raw)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", command, err)
	}

	l := &Link{
		cmd:      cmd,
		ptmx:     ptmx,
		maxFrame: opts.MaxFrameSize,
		logger:   logger.With("pid", cmd.Process.Pid, "command", command),
		exited:   make(chan struct{}),
	}
	go func() {
		l.waitErr = cmd.Wait()
		close(l.exited)
	}()
	context.AfterFunc(ctx, func() { l.Close() })

	l.logger.Debug("child started")
	return l, nil
}

// Pid returns the child's process id.
func (l *Link) Pid() int {
	return l.cmd.Process.Pid
}

// Exited is closed once the child has been reaped.
func (l *Link) Exited() <-chan struct{} {
	return l.exited
}

// Wait blocks until the child has been reaped and returns its exit status.
func (l *Link) Wait() error {
	<-l.exited
	return l.waitErr
}

// Resize changes the pseudoterminal window size.
func (l *Link) Resize(size Size) error {
	ws := size.winsize()
	if ws == nil {
		return fmt.Errorf("invalid terminal size %dx%d", size.Cols, size.Rows)
	}
	return pty.Setsize(l.ptmx, ws)
}

// Interrupt sends SIGINT to the child's process group.
func (l *Link) Interrupt() error {
	return interruptGroup(l.cmd.Process.Pid)
}

// Close hangs up the child: SIGHUP to its process group, SIGKILL if it is
// still alive after a grace period, then the pseudoterminal is closed and
// the child reaped.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		pid := l.cmd.Process.Pid
		select {
		case <-l.exited:
		default:
			if err := hangupGroup(pid); err != nil {
				l.logger.Debug("hangup failed", "err", err)
			}
			select {
			case <-l.exited:
			case <-time.After(hangupGrace):
				l.logger.Warn("child ignored hangup, killing process group")
				killGroup(pid)
				<-l.exited
			}
		}
		l.ptmx.Close()
	})
	return nil
}

// Pump copies between conn and the pseudoterminal until either side ends.
// Framed pty.resize requests in the client stream resize the terminal;
// everything else is passed to the child verbatim. When the child exits its
// remaining output is drained before conn is closed. When conn closes first
// the child is hung up. Pump returns after the child has been reaped.
func (l *Link) Pump(conn io.ReadWriteCloser) error {
	outDone := make(chan struct{})
	go func() {
		defer close(outDone)
		// Reading the master fails with EIO once the child and every other
		// holder of the slave side are gone and the buffer is empty.
		if _, err := io.Copy(writerOnly{conn}, readerOnly{l.ptmx}); err != nil && !isClosedErr(err) {
			l.logger.Debug("pty output ended", "err", err)
		}
		conn.Close()
	}()

	demux := frame.NewDemux(conn, l.maxFrame)
	for {
		chunk, err := demux.Next()
		if err != nil {
			break
		}
		if chunk.Frame {
			l.handleFrame(chunk.Data)
			continue
		}
		if _, err := l.ptmx.Write(chunk.Data); err != nil {
			break
		}
	}

	l.Close()
	<-outDone
	return l.Wait()
}

func (l *Link) handleFrame(raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		l.logger.Debug("ignoring invalid frame", "err", err)
		return
	}
	switch msg.Type {
	case protocol.TypeResize:
		var p protocol.ResizePayload
		json.Unmarshal(msg.Payload, &p)
		if err := l.Resize(Size{Cols: p.Cols, Rows: p.Rows}); err != nil {
			l.logger.Warn("resize failed", "err", err)
		}
	case protocol.TypeInterrupt:
		if err := l.Interrupt(); err != nil {
			l.logger.Warn("interrupt failed", "err", err)
		}
	default:
		l.logger.Debug("ignoring frame", "type", msg.Type)
	}
}

// writerOnly and readerOnly hide ReadFrom and WriteTo so io.Copy does not
// attempt sendfile or splice on a terminal device.
type writerOnly struct{ io.Writer }

type readerOnly struct{ io.Reader }

func isClosedErr(err error) bool {
	return errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
