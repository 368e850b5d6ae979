// Package logging builds the structured logger shared by server components.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Options selects the logger's output.
type Options struct {
	Level  string
	Format string // "text" or "json"
	Output io.Writer
}

// New returns a logger writing to Output (stderr by default).
func New(opts Options) (*log.Logger, error) {
	level := log.InfoLevel
	if s := strings.TrimSpace(opts.Level); s != "" {
		parsed, err := log.ParseLevel(s)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	logger := log.NewWithOptions(out, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          "hotpatch",
	})

	switch opts.Format {
	case "", "text":
		logger.SetFormatter(log.TextFormatter)
	case "json":
		logger.SetFormatter(log.JSONFormatter)
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
	return logger, nil
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard)
}
