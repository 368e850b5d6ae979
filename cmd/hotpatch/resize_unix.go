//go:build unix

package main

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"hotpatch/internal/client"
)

// watchResize forwards SIGWINCH as resize requests until the returned func
// is called.
func watchResize(fd int, t *client.Terminal) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGWINCH)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-sigCh:
				if cols, rows, err := term.GetSize(fd); err == nil {
					t.Resize(uint16(cols), uint16(rows))
				}
			}
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
