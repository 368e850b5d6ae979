package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"hotpatch/internal/client"
	"hotpatch/internal/config"
)

func newTermCommand(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "term",
		Short: "Attach the local terminal to the server's PTY proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				cfg, err := config.Load(root.configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				addr = cfg.PTYAddr
			}
			if addr == "" {
				return fmt.Errorf("pty proxy is disabled in the config; pass --addr")
			}
			return runTerm(cmd, addr)
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "PTY proxy address (default from config)")
	return cmd
}

func runTerm(cmd *cobra.Command, addr string) error {
	t, err := client.DialTerminal(cmd.Context(), addr)
	if err != nil {
		return err
	}
	defer t.Close()

	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(fd, state)

		if cols, rows, err := term.GetSize(fd); err == nil {
			t.Resize(uint16(cols), uint16(rows))
		}
		stop := watchResize(fd, t)
		defer stop()
	}

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(cmd.OutOrStdout(), t)
		done <- err
	}()
	go func() {
		io.Copy(t, in)
		t.CloseWrite()
	}()
	return <-done
}
