//go:build unix

package ptyproxy

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

func start(cmd *exec.Cmd, size Size, raw bool) (*os.File, error) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, err
	}
	// The parent's copy of the slave side must be closed once the child
	// holds it, or reads from the master never report the child's exit.
	defer tty.Close()

	if ws := size.winsize(); ws != nil {
		if err := pty.Setsize(ptmx, ws); err != nil {
			ptmx.Close()
			return nil, err
		}
	}
	if raw {
		if _, err := term.MakeRaw(int(tty.Fd())); err != nil {
			ptmx.Close()
			return nil, err
		}
	}

	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}
	if err := cmd.Start(); err != nil {
		ptmx.Close()
		return nil, err
	}
	return ptmx, nil
}

// The child leads its own session, so its process group id is its pid.

func hangupGroup(pid int) error {
	return signalGroup(pid, unix.SIGHUP)
}

func killGroup(pid int) error {
	return signalGroup(pid, unix.SIGKILL)
}

func interruptGroup(pid int) error {
	return signalGroup(pid, unix.SIGINT)
}

func signalGroup(pid int, sig unix.Signal) error {
	err := unix.Kill(-pid, sig)
	if err == unix.ESRCH {
		return nil
	}
	return err
}
