// Package console defines the evaluator a session drives and ships the
// default one: a small expression console over Go expression syntax that
// evaluates against the shared namespace.
package console

import (
	"context"
	"errors"
	"strings"

	"hotpatch/internal/namespace"
	"hotpatch/internal/redirect"
)

var (
	// ErrInterrupted is returned by Push when the command observed an
	// interrupt at one of its safe points.
	ErrInterrupted = errors.New("KeyboardInterrupt")

	// ErrIncomplete marks input that needs more lines before it can run.
	ErrIncomplete = errors.New("incomplete input")
)

// Evaluator is an interactive console fed one line at a time. Output a
// command produces is written through the redirector handed to the Factory,
// using the context passed to Push.
type Evaluator interface {
	// Push feeds one line of input. more reports that the evaluator is
	// buffering and wants a continuation line before running anything.
	Push(ctx context.Context, line string) (more bool, err error)

	// Reset discards any buffered partial input.
	Reset()

	// Complete returns candidate completions of text.
	Complete(text string) []string
}

// Interruptible is implemented by evaluators that watch ctx.Done at safe
// points while running a command. Evaluators that do not implement it, or
// return false, cannot be interrupted.
type Interruptible interface {
	Interruptible() bool
}

// Factory constructs an evaluator bound to ns that writes through out.
type Factory func(ns *namespace.Namespace, out *redirect.Redirector) (Evaluator, error)

// CanInterrupt reports whether ev observes cancellation.
func CanInterrupt(ev Evaluator) bool {
	i, ok := ev.(Interruptible)
	return ok && i.Interruptible()
}

// RunSource feeds src to ev line by line, as if typed into a session. It
// stops at the first failing command. Source that ends while ev still wants
// more input returns ErrIncomplete and leaves ev reset.
func RunSource(ctx context.Context, ev Evaluator, src string) error {
	more := false
	for _, line := range strings.Split(src, "\n") {
		var err error
		more, err = ev.Push(ctx, strings.TrimRight(line, "\r"))
		if err != nil {
			ev.Reset()
			return err
		}
	}
	if more {
		ev.Reset()
		return ErrIncomplete
	}
	return nil
}
