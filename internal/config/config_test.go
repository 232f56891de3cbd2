package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flitsinc/agent-relay/internal/eventbus"
	"github.com/flitsinc/agent-relay/internal/sessions"
	"github.com/flitsinc/agent-relay/internal/tasks"
	"github.com/flitsinc/agent-relay/internal/upstream"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := writeFile(t, "relay.yaml", `
addr: ":9090"
default_agent: weather
agents:
  weather: http://weather.internal/a2a
upstream:
  mode: send
  frame_timeout: 15s
sessions:
  buffer_size: 32
  overflow: drop_oldest
  verbosity: final
  busy_policy: queue
  queue_depth: 3
  cancel_grace: 2s
`)
	t.Setenv("RELAY_ADDR", ":7070")
	t.Setenv("RELAY_AGENTS", "billing=http://billing.internal/a2a")
	t.Setenv("RELAY_FAIL_ON_VIOLATION", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.HTTPAddr)
	assert.Equal(t, map[string]string{
		"weather": "http://weather.internal/a2a",
		"billing": "http://billing.internal/a2a",
	}, cfg.Agents)
	assert.Equal(t, 15*time.Second, cfg.Upstream.FrameTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Sessions.IdleTimeout, "unset keys keep defaults")

	sc := cfg.SessionConfig()
	assert.Equal(t, "weather", sc.DefaultAgent)
	assert.Equal(t, 32, sc.BufferSize)
	assert.Equal(t, eventbus.OverflowDropOldest, sc.Overflow)
	assert.Equal(t, tasks.VerbosityFinal, sc.Policy.Verbosity)
	assert.True(t, sc.Policy.FailOnViolation)
	assert.Equal(t, sessions.BusyQueue, sc.BusyPolicy)
	assert.Equal(t, 3, sc.QueueDepth)
	assert.Equal(t, 2*time.Second, sc.CancelGrace)

	uo := cfg.UpstreamOptions()
	assert.Equal(t, upstream.ModeSend, uo.Mode)
	assert.Equal(t, 15*time.Second, uo.FrameTimeout)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "relay.yaml", "sessions:\n  buffer: 10\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strict config parse error")
}

func TestLoadEmptyFile(t *testing.T) {
	path := writeFile(t, "relay.yaml", "")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().HTTPAddr, cfg.HTTPAddr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestBadEnvValues(t *testing.T) {
	t.Setenv("RELAY_BUFFER_SIZE", "lots")
	t.Setenv("RELAY_CANCEL_GRACE", "soon")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELAY_BUFFER_SIZE")
	assert.Contains(t, err.Error(), "RELAY_CANCEL_GRACE")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"mode":        func(c *Config) { c.Upstream.Mode = "poll" },
		"overflow":    func(c *Config) { c.Sessions.Overflow = "spill" },
		"verbosity":   func(c *Config) { c.Sessions.Verbosity = "chatty" },
		"busy":        func(c *Config) { c.Sessions.BusyPolicy = "ignore" },
		"buffer":      func(c *Config) { c.Sessions.BufferSize = 0 },
		"grace":       func(c *Config) { c.Sessions.CancelGrace = 0 },
		"timeout":     func(c *Config) { c.Upstream.FrameTimeout = -time.Second },
		"addr":        func(c *Config) { c.HTTPAddr = " " },
		"agent entry": func(c *Config) { c.Agents = map[string]string{"weather": ""} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseAgents(t *testing.T) {
	got, err := parseAgents(" a=http://a , b=http://b,")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "http://a", "b": "http://b"}, got)

	_, err = parseAgents("just-a-name")
	require.Error(t, err)
}

func TestLoadDotEnvKeepsExistingValues(t *testing.T) {
	const fresh = "RELAY_TEST_DOTENV_FRESH"
	t.Cleanup(func() { os.Unsetenv(fresh) })
	t.Setenv("RELAY_TEST_DOTENV_SET", "from-env")

	path := writeFile(t, ".env", "# comment\nexport RELAY_TEST_DOTENV_FRESH=\"hello\"\nRELAY_TEST_DOTENV_SET=from-file\nnot a pair\n")
	loadDotEnv(path)

	assert.Equal(t, "hello", os.Getenv(fresh))
	assert.Equal(t, "from-env", os.Getenv("RELAY_TEST_DOTENV_SET"))
}
