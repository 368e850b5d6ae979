package ptyproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

// Options configures a Proxy.
type Options struct {
	Command      string
	Args         []string
	Size         Size
	Raw          bool
	MaxFrameSize int
	Logger       *log.Logger
}

// Proxy spawns one child per client connection.
type Proxy struct {
	opts   Options
	logger *log.Logger
	active atomic.Int64
	wg     sync.WaitGroup
}

// New creates a proxy.
func New(opts Options) *Proxy {
	if opts.Size == (Size{}) {
		opts.Size = Size{Cols: 80, Rows: 24}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Proxy{opts: opts, logger: logger.With("component", "pty")}
}

// Active reports the number of attached clients.
func (p *Proxy) Active() int {
	return int(p.active.Load())
}

// Serve accepts connections from ln until ctx is done. Children still
// running when Serve returns are hung up.
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer p.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			remote := conn.RemoteAddr().String()
			if err := p.Attach(ctx, conn); err != nil {
				p.logger.Warn("pty link failed", "remote", remote, "err", err)
			}
		}()
	}
}

// Attach spawns the configured command and pumps rw until the link ends.
// rw is closed on return.
func (p *Proxy) Attach(ctx context.Context, rw io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	link, err := Spawn(ctx, p.opts.Command, p.opts.Args, p.opts.Size, LinkOptions{
		Raw:          p.opts.Raw,
		MaxFrameSize: p.opts.MaxFrameSize,
		Logger:       p.logger,
	})
	if err != nil {
		fmt.Fprintf(rw, "error: %v\r\n", err)
		rw.Close()
		return err
	}

	p.active.Add(1)
	defer p.active.Add(-1)
	p.logger.Info("pty link opened", "pid", link.Pid())

	status := link.Pump(rw)
	p.logger.Info("pty link closed", "pid", link.Pid(), "status", statusString(status))
	return nil
}

func statusString(err error) string {
	if err == nil {
		return "exit 0"
	}
	return err.Error()
}
