// Package server wires the hot-patch listeners together: the main channel,
// the control channel, the PTY proxy and the admin surface, plus the
// autoload watcher and the single-instance lock.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofrs/flock"

	"hotpatch/internal/config"
	"hotpatch/internal/console"
	"hotpatch/internal/control"
	"hotpatch/internal/namespace"
	"hotpatch/internal/ptyproxy"
	"hotpatch/internal/realtime"
	"hotpatch/internal/redirect"
	"hotpatch/internal/session"
	"hotpatch/internal/watcher"
)

// ErrLocked is returned by Listen when another server holds the lock file.
var ErrLocked = errors.New("lock file held by another server")

const shutdownTimeout = 5 * time.Second

// Options lets a host process embed the server. Zero values select the
// process-wide namespace and redirector and the built-in console.
type Options struct {
	Version    string
	Logger     *log.Logger
	Namespace  *namespace.Namespace
	Redirector *redirect.Redirector
	Factory    console.Factory
}

// Server owns every listener of one hot-patch instance.
type Server struct {
	cfg     *config.Config
	opts    Options
	logger  *log.Logger
	ns      *namespace.Namespace
	out     *redirect.Redirector
	factory console.Factory

	sessions *session.Manager
	control  *control.Server
	proxy    *ptyproxy.Proxy
	realtime *realtime.Server
	autoload *watcher.Watcher

	lock    *flock.Flock
	mainLn  net.Listener
	ctlLn   net.Listener
	ptyLn   net.Listener
	adminLn net.Listener

	mu      sync.Mutex
	serving bool
}

// New builds a server from cfg. Nothing is bound until Listen.
func New(cfg *config.Config, opts Options) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	ns := opts.Namespace
	if ns == nil {
		ns = namespace.Global()
	}
	out := opts.Redirector
	if out == nil {
		out = redirect.Default()
	}
	factory := opts.Factory
	if factory == nil {
		factory = console.New
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	s := &Server{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		ns:      ns,
		out:     out,
		factory: factory,
	}

	// A zero grace in the config file means "never force-close".
	grace := cfg.InterruptGrace
	if grace == 0 {
		grace = -1
	}
	s.sessions = session.NewManager(session.Options{
		MaxSessions:    cfg.MaxSessions,
		Factory:        factory,
		Namespace:      ns,
		Redirector:     out,
		HistorySize:    cfg.HistorySize,
		InterruptGrace: grace,
		MaxFrameSize:   cfg.MaxFrameSize,
		OnUpdate:       s.onSessionUpdate,
		Logger:         logger,
	})
	s.control = control.New(s.sessions, opts.Version, cfg.MaxFrameSize, logger)

	if cfg.PTYAddr != "" || cfg.AdminAddr != "" {
		s.proxy = ptyproxy.New(ptyproxy.Options{
			Command:      cfg.PTYCommand,
			Args:         cfg.PTYArgs,
			Raw:          cfg.PTYRaw,
			MaxFrameSize: cfg.MaxFrameSize,
			Logger:       logger,
		})
	}
	if cfg.AdminAddr != "" {
		s.realtime = realtime.New(s.sessions, s.proxy, logger)
	}
	return s, nil
}

// Sessions returns the session manager.
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// Namespace returns the namespace sessions evaluate against.
func (s *Server) Namespace() *namespace.Namespace {
	return s.ns
}

func (s *Server) onSessionUpdate(sess session.Session) {
	if s.realtime != nil {
		s.realtime.OnSessionUpdate(sess)
	}
}

func (s *Server) onScriptApplied(res watcher.Result) {
	if res.Err != nil {
		s.logger.Warn("autoload script failed", "path", res.Path, "err", res.Err)
	} else {
		s.logger.Info("autoload script applied", "path", res.Path)
	}
	if s.realtime != nil {
		s.realtime.OnScriptApplied(res)
	}
}

// Listen takes the lock file and binds every enabled listener. Any failure
// releases whatever was already acquired.
func (s *Server) Listen() (err error) {
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	if s.cfg.LockFile != "" {
		s.lock = flock.New(s.cfg.LockFile)
		locked, lockErr := s.lock.TryLock()
		if lockErr != nil {
			return fmt.Errorf("lock %s: %w", s.cfg.LockFile, lockErr)
		}
		if !locked {
			s.lock = nil
			return fmt.Errorf("%s: %w", s.cfg.LockFile, ErrLocked)
		}
	}

	if s.mainLn, err = listen("main", s.cfg.MainAddr); err != nil {
		return err
	}
	if s.ctlLn, err = listen("control", s.cfg.ControlAddr); err != nil {
		return err
	}
	if s.cfg.PTYAddr != "" {
		if s.ptyLn, err = listen("pty", s.cfg.PTYAddr); err != nil {
			return err
		}
	}
	if s.cfg.AdminAddr != "" {
		if s.adminLn, err = listen("admin", s.cfg.AdminAddr); err != nil {
			return err
		}
	}
	return nil
}

func listen(name, addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s on %s: %w", name, addr, err)
	}
	return ln, nil
}

func (s *Server) release() {
	for _, ln := range []net.Listener{s.mainLn, s.ctlLn, s.ptyLn, s.adminLn} {
		if ln != nil {
			ln.Close()
		}
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("release lock file", "path", s.cfg.LockFile, "err", err)
		}
		s.lock = nil
	}
}

// MainAddr returns the bound main-channel address, or "" before Listen.
func (s *Server) MainAddr() string { return addrOf(s.mainLn) }

// ControlAddr returns the bound control-channel address.
func (s *Server) ControlAddr() string { return addrOf(s.ctlLn) }

// PTYAddr returns the bound PTY proxy address, or "" when disabled.
func (s *Server) PTYAddr() string { return addrOf(s.ptyLn) }

// AdminAddr returns the bound admin HTTP address, or "" when disabled.
func (s *Server) AdminAddr() string { return addrOf(s.adminLn) }

func addrOf(ln net.Listener) string {
	if ln == nil {
		return ""
	}
	return ln.Addr().String()
}

// Serve runs every listener bound by Listen until ctx is done, then shuts
// down: listeners close, sessions are terminated, PTY children are killed
// and the lock file is released.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.mainLn == nil {
		s.mu.Unlock()
		return errors.New("server: Serve called before Listen")
	}
	if s.serving {
		s.mu.Unlock()
		return errors.New("server: already serving")
	}
	s.serving = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.cfg.AutoloadDir != "" {
		if err := s.startAutoload(ctx); err != nil {
			s.release()
			return err
		}
	}

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		first   error
	)
	fail := func(err error) {
		if err == nil {
			return
		}
		errOnce.Do(func() {
			first = err
			cancel()
		})
	}

	s.logger.Info("main channel listening", "addr", s.MainAddr())
	s.logger.Info("control channel listening", "addr", s.ControlAddr())

	wg.Add(2)
	go func() {
		defer wg.Done()
		fail(s.sessions.Serve(ctx, s.mainLn))
	}()
	go func() {
		defer wg.Done()
		fail(s.control.Serve(ctx, s.ctlLn))
	}()

	if s.ptyLn != nil {
		s.logger.Info("pty proxy listening", "addr", s.PTYAddr(), "command", s.cfg.PTYCommand)
		wg.Add(1)
		go func() {
			defer wg.Done()
			fail(s.proxy.Serve(ctx, s.ptyLn))
		}()
	}

	var httpServer *http.Server
	if s.adminLn != nil {
		s.logger.Info("admin surface listening", "addr", s.AdminAddr())
		httpServer = &http.Server{Handler: s.realtime.Handler()}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := httpServer.Serve(s.adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fail(fmt.Errorf("admin: %w", err))
			}
		}()
	}

	<-ctx.Done()
	s.logger.Info("shutting down")

	if s.autoload != nil {
		s.autoload.Close()
	}
	if httpServer != nil {
		// Hijacked websockets are not tracked by Shutdown; realtime closes them.
		s.realtime.Close()
		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			httpServer.Close()
		}
		stop()
	}
	s.sessions.Shutdown()
	wg.Wait()
	s.release()
	return first
}

// startAutoload applies the autoload directory with a dedicated evaluator
// bound to the shared namespace.
func (s *Server) startAutoload(ctx context.Context) error {
	ev, err := s.factory(s.ns, s.out)
	if err != nil {
		return fmt.Errorf("autoload evaluator: %w", err)
	}
	apply := func(ctx context.Context, _ string, src string) error {
		return console.RunSource(ctx, ev, src)
	}
	s.autoload = watcher.New(s.cfg.AutoloadDir, apply, s.onScriptApplied, s.logger)
	if err := s.autoload.Start(ctx); err != nil {
		s.autoload = nil
		return err
	}
	return nil
}

// Run is Listen followed by Serve.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}
