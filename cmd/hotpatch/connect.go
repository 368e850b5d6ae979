package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"hotpatch/internal/client"
	"hotpatch/internal/config"
)

const historyFile = ".hotpatch_history"

type connectOptions struct {
	addr      string
	control   string
	noControl bool
}

func newConnectCommand(root *rootOptions) *cobra.Command {
	opts := &connectOptions{}
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Open an interactive session on a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if opts.addr == "" {
				opts.addr = cfg.MainAddr
			}
			if opts.control == "" && !opts.noControl {
				opts.control = cfg.ControlAddr
			}
			if opts.noControl {
				opts.control = ""
			}
			return runConnect(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.addr, "addr", "a", "", "main channel address (default from config)")
	cmd.Flags().StringVar(&opts.control, "control", "", "control channel address (default from config)")
	cmd.Flags().BoolVar(&opts.noControl, "no-control", false, "do not open a control connection")
	return cmd
}

// lineReader is the prompt source: liner on a terminal, a plain scanner
// otherwise.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(line string)
	Close() error
}

func runConnect(cmd *cobra.Command, opts *connectOptions) error {
	ctx := cmd.Context()
	logger := log.NewWithOptions(cmd.ErrOrStderr(), log.Options{Level: log.WarnLevel, Prefix: "hotpatch"})

	c, err := client.Dial(ctx, opts.addr, client.Options{ControlAddr: opts.control, Logger: logger})
	if err != nil {
		return err
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	prompt, err := c.ReadReply(out)
	if err != nil {
		return fmt.Errorf("read prompt: %w", err)
	}

	// Outside the line editor Ctrl-C arrives as SIGINT: forward it so a
	// running command is interrupted instead of the client exiting.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			interrupt(cmd, c, logger)
		}
	}()

	lines := newLineReader(cmd, c)
	defer lines.Close()

	for {
		line, err := lines.Prompt(prompt)
		switch {
		case errors.Is(err, liner.ErrPromptAborted):
			if !interrupt(cmd, c, logger) {
				continue
			}
			if prompt, err = c.ReadReply(out); err != nil {
				return nil
			}
			continue
		case errors.Is(err, io.EOF):
			fmt.Fprintln(out)
			return nil
		case err != nil:
			return err
		}

		if strings.TrimSpace(line) != "" {
			lines.AppendHistory(line)
		}
		if err := c.Send(line); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		if prompt, err = c.ReadReply(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// interrupt reports whether an interrupt reached the server.
func interrupt(cmd *cobra.Command, c *client.Client, logger *log.Logger) bool {
	if _, err := c.Interrupt(cmd.Context()); err != nil {
		if errors.Is(err, client.ErrNoControl) {
			logger.Warn("interrupt needs a control connection")
		} else {
			logger.Warn("interrupt failed", "err", err)
		}
		return false
	}
	return true
}

func newLineReader(cmd *cobra.Command, c *client.Client) lineReader {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		return &scanReader{scanner: bufio.NewScanner(in), out: cmd.OutOrStdout()}
	}

	ln := liner.NewLiner()
	ln.SetCtrlCAborts(true)
	ln.SetCompleter(func(line string) []string {
		candidates, err := c.Complete(cmd.Context(), line)
		if err != nil {
			return nil
		}
		return candidates
	})

	histPath := ""
	if home, err := os.UserHomeDir(); err == nil {
		histPath = filepath.Join(home, historyFile)
		if f, err := os.Open(histPath); err == nil {
			ln.ReadHistory(f)
			f.Close()
		}
	}
	return &linerReader{State: ln, histPath: histPath}
}

type linerReader struct {
	*liner.State
	histPath string
}

func (r *linerReader) Close() error {
	if r.histPath != "" {
		if f, err := os.Create(r.histPath); err == nil {
			r.WriteHistory(f)
			f.Close()
		}
	}
	return r.State.Close()
}

type scanReader struct {
	scanner *bufio.Scanner
	out     io.Writer
}

func (r *scanReader) Prompt(prompt string) (string, error) {
	fmt.Fprint(r.out, prompt)
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.scanner.Text(), nil
}

func (r *scanReader) AppendHistory(string) {}

func (r *scanReader) Close() error { return nil }
