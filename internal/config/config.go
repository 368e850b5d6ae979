// Package config loads server settings from defaults, an optional TOML file
// and HOTPATCH_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultMainAddr    = "127.0.0.1:1337"
	DefaultControlAddr = "127.0.0.1:8128"
	DefaultPTYAddr     = "127.0.0.1:1338"
	DefaultAdminAddr   = "127.0.0.1:8420"

	defaultMaxSessions    = 10
	defaultMaxFrameSize   = 1 << 20
	defaultInterruptGrace = 10 * time.Second
	defaultHistorySize    = 1000
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
)

// Config holds server configuration.
type Config struct {
	MainAddr    string
	ControlAddr string
	// PTYAddr and AdminAddr may be empty to disable those listeners.
	PTYAddr        string
	AdminAddr      string
	MaxSessions    int
	MaxFrameSize   int
	InterruptGrace time.Duration
	HistorySize    int
	PTYCommand     string
	PTYArgs        []string
	PTYRaw         bool
	AutoloadDir    string
	LockFile       string
	LogLevel       string
	LogFormat      string
}

type fileConfig struct {
	MainAddr       *string   `toml:"main_addr"`
	ControlAddr    *string   `toml:"control_addr"`
	PTYAddr        *string   `toml:"pty_addr"`
	AdminAddr      *string   `toml:"admin_addr"`
	MaxSessions    *int      `toml:"max_sessions"`
	MaxFrameSize   *int      `toml:"max_frame_size"`
	InterruptGrace *string   `toml:"interrupt_grace"`
	HistorySize    *int      `toml:"history_size"`
	PTYCommand     *string   `toml:"pty_command"`
	PTYArgs        *[]string `toml:"pty_args"`
	PTYRaw         *bool     `toml:"pty_raw"`
	AutoloadDir    *string   `toml:"autoload_dir"`
	LockFile       *string   `toml:"lock_file"`
	LogLevel       *string   `toml:"log_level"`
	LogFormat      *string   `toml:"log_format"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return Config{
		MainAddr:       DefaultMainAddr,
		ControlAddr:    DefaultControlAddr,
		PTYAddr:        DefaultPTYAddr,
		AdminAddr:      DefaultAdminAddr,
		MaxSessions:    defaultMaxSessions,
		MaxFrameSize:   defaultMaxFrameSize,
		InterruptGrace: defaultInterruptGrace,
		HistorySize:    defaultHistorySize,
		PTYCommand:     shell,
		PTYRaw:         true,
		LogLevel:       defaultLogLevel,
		LogFormat:      defaultLogFormat,
	}
}

// Load builds the configuration. path may be empty; a path that does not
// exist is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	if err := overlayFromEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func overlayFromFile(cfg *Config, path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	md, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys in %q: %s", path, strings.Join(keys, ", "))
	}

	setString(&cfg.MainAddr, decoded.MainAddr)
	setString(&cfg.ControlAddr, decoded.ControlAddr)
	setString(&cfg.PTYAddr, decoded.PTYAddr)
	setString(&cfg.AdminAddr, decoded.AdminAddr)
	setString(&cfg.PTYCommand, decoded.PTYCommand)
	setString(&cfg.AutoloadDir, decoded.AutoloadDir)
	setString(&cfg.LockFile, decoded.LockFile)
	setString(&cfg.LogLevel, decoded.LogLevel)
	setString(&cfg.LogFormat, decoded.LogFormat)
	if decoded.MaxSessions != nil {
		cfg.MaxSessions = *decoded.MaxSessions
	}
	if decoded.MaxFrameSize != nil {
		cfg.MaxFrameSize = *decoded.MaxFrameSize
	}
	if decoded.HistorySize != nil {
		cfg.HistorySize = *decoded.HistorySize
	}
	if decoded.PTYArgs != nil {
		cfg.PTYArgs = append([]string(nil), (*decoded.PTYArgs)...)
	}
	if decoded.PTYRaw != nil {
		cfg.PTYRaw = *decoded.PTYRaw
	}
	if decoded.InterruptGrace != nil {
		d, err := parseDuration(*decoded.InterruptGrace, "interrupt_grace", path)
		if err != nil {
			return err
		}
		cfg.InterruptGrace = d
	}
	return nil
}

// overlayFromEnv applies HOTPATCH_* variables looked up through lookup.
func overlayFromEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"HOTPATCH_MAIN_ADDR":    &cfg.MainAddr,
		"HOTPATCH_CONTROL_ADDR": &cfg.ControlAddr,
		"HOTPATCH_PTY_ADDR":     &cfg.PTYAddr,
		"HOTPATCH_ADMIN_ADDR":   &cfg.AdminAddr,
		"HOTPATCH_AUTOLOAD_DIR": &cfg.AutoloadDir,
		"HOTPATCH_LOG_LEVEL":    &cfg.LogLevel,
		"HOTPATCH_LOG_FORMAT":   &cfg.LogFormat,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}

	if v, ok := lookup("HOTPATCH_MAX_SESSIONS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse HOTPATCH_MAX_SESSIONS: %w", err)
		}
		cfg.MaxSessions = n
	}
	if v, ok := lookup("HOTPATCH_INTERRUPT_GRACE"); ok {
		d, err := parseDuration(v, "HOTPATCH_INTERRUPT_GRACE", "environment")
		if err != nil {
			return err
		}
		cfg.InterruptGrace = d
	}
	return nil
}

// Validate reports settings the server cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	var errs []error
	if strings.TrimSpace(c.MainAddr) == "" {
		errs = append(errs, errors.New("main_addr must not be empty"))
	}
	if strings.TrimSpace(c.ControlAddr) == "" {
		errs = append(errs, errors.New("control_addr must not be empty"))
	}
	if c.MaxSessions <= 0 {
		errs = append(errs, fmt.Errorf("max_sessions must be positive, got %d", c.MaxSessions))
	}
	if c.MaxFrameSize <= 0 {
		errs = append(errs, fmt.Errorf("max_frame_size must be positive, got %d", c.MaxFrameSize))
	}
	if c.HistorySize <= 0 {
		errs = append(errs, fmt.Errorf("history_size must be positive, got %d", c.HistorySize))
	}
	if c.InterruptGrace < 0 {
		errs = append(errs, fmt.Errorf("interrupt_grace must not be negative, got %s", c.InterruptGrace))
	}
	if c.PTYAddr != "" && strings.TrimSpace(c.PTYCommand) == "" {
		errs = append(errs, errors.New("pty_command must be set when pty_addr is enabled"))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}

func parseDuration(value, key, source string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, source, err)
	}
	return parsed, nil
}
