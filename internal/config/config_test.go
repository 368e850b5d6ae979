package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"HOTPATCH_MAIN_ADDR", "HOTPATCH_CONTROL_ADDR", "HOTPATCH_PTY_ADDR",
		"HOTPATCH_ADMIN_ADDR", "HOTPATCH_AUTOLOAD_DIR", "HOTPATCH_LOG_LEVEL",
		"HOTPATCH_LOG_FORMAT", "HOTPATCH_MAX_SESSIONS", "HOTPATCH_INTERRUPT_GRACE",
	} {
		if v, ok := os.LookupEnv(name); ok {
			os.Unsetenv(name)
			t.Cleanup(func() { os.Setenv(name, v) })
		}
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hotpatch.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultMainAddr, cfg.MainAddr)
	assert.Equal(t, DefaultControlAddr, cfg.ControlAddr)
	assert.Equal(t, DefaultPTYAddr, cfg.PTYAddr)
	assert.Equal(t, DefaultAdminAddr, cfg.AdminAddr)
	assert.Equal(t, 10, cfg.MaxSessions)
	assert.Equal(t, 1<<20, cfg.MaxFrameSize)
	assert.Equal(t, 10*time.Second, cfg.InterruptGrace)
	assert.Equal(t, 1000, cfg.HistorySize)
	assert.NotEmpty(t, cfg.PTYCommand)
	assert.True(t, cfg.PTYRaw)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultMainAddr, cfg.MainAddr)
}

func TestLoadFileOverlay(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
main_addr = "0.0.0.0:2000"
admin_addr = ""
max_sessions = 3
interrupt_grace = "250ms"
pty_command = "/bin/bash"
pty_args = ["-l"]
pty_raw = false
autoload_dir = "/srv/patches"
log_format = "json"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:2000", cfg.MainAddr)
	assert.Equal(t, DefaultControlAddr, cfg.ControlAddr, "absent keys keep defaults")
	assert.Equal(t, "", cfg.AdminAddr)
	assert.Equal(t, 3, cfg.MaxSessions)
	assert.Equal(t, 250*time.Millisecond, cfg.InterruptGrace)
	assert.Equal(t, "/bin/bash", cfg.PTYCommand)
	assert.Equal(t, []string{"-l"}, cfg.PTYArgs)
	assert.False(t, cfg.PTYRaw, "pty_raw = false opts out of raw mode")
	assert.Equal(t, "/srv/patches", cfg.AutoloadDir)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `max_sessions = 3`)
	t.Setenv("HOTPATCH_MAX_SESSIONS", "7")
	t.Setenv("HOTPATCH_MAIN_ADDR", "127.0.0.1:9999")
	t.Setenv("HOTPATCH_INTERRUPT_GRACE", "1s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxSessions)
	assert.Equal(t, "127.0.0.1:9999", cfg.MainAddr)
	assert.Equal(t, time.Second, cfg.InterruptGrace)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOTPATCH_MAX_SESSIONS", "many")
	_, err := Load("")
	assert.ErrorContains(t, err, "HOTPATCH_MAX_SESSIONS")
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `mian_addr = "typo"`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "mian_addr")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `interrupt_grace = "soon"`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "interrupt_grace")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"empty main", func(c *Config) { c.MainAddr = " " }, "main_addr"},
		{"empty control", func(c *Config) { c.ControlAddr = "" }, "control_addr"},
		{"zero sessions", func(c *Config) { c.MaxSessions = 0 }, "max_sessions"},
		{"zero frame", func(c *Config) { c.MaxFrameSize = 0 }, "max_frame_size"},
		{"zero history", func(c *Config) { c.HistorySize = 0 }, "history_size"},
		{"negative grace", func(c *Config) { c.InterruptGrace = -time.Second }, "interrupt_grace"},
		{"pty without command", func(c *Config) { c.PTYCommand = "" }, "pty_command"},
		{"pty disabled without command", func(c *Config) { c.PTYAddr = ""; c.PTYCommand = "" }, ""},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
