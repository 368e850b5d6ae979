//go:build !unix

package ptyproxy

import (
	"os"
	"os/exec"
)

func start(*exec.Cmd, Size, bool) (*os.File, error) {
	return nil, ErrUnsupported
}

func hangupGroup(int) error    { return ErrUnsupported }
func killGroup(int) error      { return ErrUnsupported }
func interruptGroup(int) error { return ErrUnsupported }
