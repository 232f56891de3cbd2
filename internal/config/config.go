package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/flitsinc/agent-relay/internal/eventbus"
	"github.com/flitsinc/agent-relay/internal/sessions"
	"github.com/flitsinc/agent-relay/internal/tasks"
	"github.com/flitsinc/agent-relay/internal/upstream"
)

type Config struct {
	HTTPAddr     string            `yaml:"addr"`
	LogLevel     string            `yaml:"log_level"`
	DBPath       string            `yaml:"db_path"`
	DefaultAgent string            `yaml:"default_agent"`
	Agents       map[string]string `yaml:"agents"`

	Upstream Upstream `yaml:"upstream"`
	Sessions Sessions `yaml:"sessions"`
	API      API      `yaml:"api"`
}

type Upstream struct {
	Mode         string        `yaml:"mode"`
	FrameTimeout time.Duration `yaml:"frame_timeout"`
	// RateLimit is requests per second across all agents. Zero disables it.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
	UserAgent string  `yaml:"user_agent"`
}

type Sessions struct {
	BufferSize      int           `yaml:"buffer_size"`
	Overflow        string        `yaml:"overflow"`
	Verbosity       string        `yaml:"verbosity"`
	FailOnViolation bool          `yaml:"fail_on_violation"`
	BusyPolicy      string        `yaml:"busy_policy"`
	QueueDepth      int           `yaml:"queue_depth"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	CancelGrace     time.Duration `yaml:"cancel_grace"`
	DrainWindow     time.Duration `yaml:"drain_window"`
}

type API struct {
	// StartRateLimit caps new messages per client IP per minute. Zero
	// disables it.
	StartRateLimit  int           `yaml:"start_rate_limit"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		LogLevel: "info",
		DBPath:   "data/agent-relay.db",
		Upstream: Upstream{
			Mode:         string(upstream.ModeStream),
			FrameTimeout: 60 * time.Second,
			RateBurst:    10,
			UserAgent:    "agent-relay",
		},
		Sessions: Sessions{
			BufferSize:    256,
			Overflow:      string(eventbus.OverflowBlock),
			Verbosity:     string(tasks.VerbosityAll),
			BusyPolicy:    string(sessions.BusyReject),
			QueueDepth:    1,
			IdleTimeout:   30 * time.Minute,
			SweepInterval: time.Minute,
			CancelGrace:   5 * time.Second,
			DrainWindow:   250 * time.Millisecond,
		},
		API: API{
			StartRateLimit:  120,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (if any), then a .env file in the working directory, then RELAY_*
// environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	loadDotEnv(".env")
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.HTTPAddr, "RELAY_ADDR")
	setString(&cfg.LogLevel, "RELAY_LOG_LEVEL")
	setString(&cfg.DBPath, "RELAY_DB_PATH")
	setString(&cfg.DefaultAgent, "RELAY_DEFAULT_AGENT")
	if raw := os.Getenv("RELAY_AGENTS"); raw != "" {
		agents, err := parseAgents(raw)
		if err != nil {
			return fmt.Errorf("RELAY_AGENTS: %w", err)
		}
		if cfg.Agents == nil {
			cfg.Agents = map[string]string{}
		}
		for name, url := range agents {
			cfg.Agents[name] = url
		}
	}

	setString(&cfg.Upstream.Mode, "RELAY_UPSTREAM_MODE")
	setString(&cfg.Upstream.UserAgent, "RELAY_USER_AGENT")
	setString(&cfg.Sessions.Overflow, "RELAY_OVERFLOW")
	setString(&cfg.Sessions.Verbosity, "RELAY_VERBOSITY")
	setString(&cfg.Sessions.BusyPolicy, "RELAY_BUSY_POLICY")

	var errs []error
	errs = append(errs,
		setDuration(&cfg.Upstream.FrameTimeout, "RELAY_FRAME_TIMEOUT"),
		setFloat(&cfg.Upstream.RateLimit, "RELAY_UPSTREAM_RATE_LIMIT"),
		setInt(&cfg.Upstream.RateBurst, "RELAY_UPSTREAM_RATE_BURST"),
		setInt(&cfg.Sessions.BufferSize, "RELAY_BUFFER_SIZE"),
		setBool(&cfg.Sessions.FailOnViolation, "RELAY_FAIL_ON_VIOLATION"),
		setInt(&cfg.Sessions.QueueDepth, "RELAY_QUEUE_DEPTH"),
		setDuration(&cfg.Sessions.IdleTimeout, "RELAY_IDLE_TIMEOUT"),
		setDuration(&cfg.Sessions.SweepInterval, "RELAY_SWEEP_INTERVAL"),
		setDuration(&cfg.Sessions.CancelGrace, "RELAY_CANCEL_GRACE"),
		setDuration(&cfg.Sessions.DrainWindow, "RELAY_DRAIN_WINDOW"),
		setInt(&cfg.API.StartRateLimit, "RELAY_START_RATE_LIMIT"),
		setDuration(&cfg.API.ShutdownTimeout, "RELAY_SHUTDOWN_TIMEOUT"),
	)
	return errors.Join(errs...)
}

// parseAgents reads "name=url,name=url".
func parseAgents(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, url, ok := strings.Cut(pair, "=")
		name, url = strings.TrimSpace(name), strings.TrimSpace(url)
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("invalid agent entry %q, want name=url", pair)
		}
		out[name] = url
	}
	return out, nil
}

// Validate rejects unknown policy names and non-positive sizes and
// durations.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if _, err := upstream.ParseMode(c.Upstream.Mode); err != nil {
		errs = append(errs, fmt.Errorf("upstream.mode: %w", err))
	}
	if _, err := eventbus.ParseOverflow(c.Sessions.Overflow); err != nil {
		errs = append(errs, fmt.Errorf("sessions.overflow: %w", err))
	}
	if _, err := tasks.ParseVerbosity(c.Sessions.Verbosity); err != nil {
		errs = append(errs, fmt.Errorf("sessions.verbosity: %w", err))
	}
	if _, err := sessions.ParseBusyPolicy(c.Sessions.BusyPolicy); err != nil {
		errs = append(errs, fmt.Errorf("sessions.busy_policy: %w", err))
	}
	if c.Upstream.FrameTimeout <= 0 {
		errs = append(errs, errors.New("upstream.frame_timeout must be positive"))
	}
	if c.Upstream.RateLimit < 0 {
		errs = append(errs, errors.New("upstream.rate_limit must not be negative"))
	}
	if c.Sessions.BufferSize <= 0 {
		errs = append(errs, errors.New("sessions.buffer_size must be positive"))
	}
	if c.Sessions.QueueDepth < 0 {
		errs = append(errs, errors.New("sessions.queue_depth must not be negative"))
	}
	for name, d := range map[string]time.Duration{
		"sessions.idle_timeout":   c.Sessions.IdleTimeout,
		"sessions.sweep_interval": c.Sessions.SweepInterval,
		"sessions.cancel_grace":   c.Sessions.CancelGrace,
		"sessions.drain_window":   c.Sessions.DrainWindow,
		"api.shutdown_timeout":    c.API.ShutdownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.API.StartRateLimit < 0 {
		errs = append(errs, errors.New("api.start_rate_limit must not be negative"))
	}
	for name, url := range c.Agents {
		if strings.TrimSpace(name) == "" || strings.TrimSpace(url) == "" {
			errs = append(errs, fmt.Errorf("agents: entry %q needs a name and a url", name))
		}
	}
	return errors.Join(errs...)
}

// SessionConfig maps the sessions section onto the manager configuration.
// Call it only on a validated Config.
func (c Config) SessionConfig() sessions.Config {
	overflow, _ := eventbus.ParseOverflow(c.Sessions.Overflow)
	verbosity, _ := tasks.ParseVerbosity(c.Sessions.Verbosity)
	busy, _ := sessions.ParseBusyPolicy(c.Sessions.BusyPolicy)
	return sessions.Config{
		DefaultAgent: c.DefaultAgent,
		IdleTimeout:  c.Sessions.IdleTimeout,
		CancelGrace:  c.Sessions.CancelGrace,
		DrainWindow:  c.Sessions.DrainWindow,
		BufferSize:   c.Sessions.BufferSize,
		Overflow:     overflow,
		Policy: tasks.Policy{
			Verbosity:       verbosity,
			FailOnViolation: c.Sessions.FailOnViolation,
		},
		BusyPolicy: busy,
		QueueDepth: c.Sessions.QueueDepth,
	}
}

// UpstreamOptions maps the upstream section onto client options. Call it
// only on a validated Config.
func (c Config) UpstreamOptions() upstream.Options {
	mode, _ := upstream.ParseMode(c.Upstream.Mode)
	return upstream.Options{
		Mode:           mode,
		FrameTimeout:   c.Upstream.FrameTimeout,
		RateLimit:      rate.Limit(c.Upstream.RateLimit),
		RateLimitBurst: c.Upstream.RateBurst,
		UserAgent:      c.Upstream.UserAgent,
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

// loadDotEnv sets variables from a .env file without overriding ones that
// are already set.
func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
