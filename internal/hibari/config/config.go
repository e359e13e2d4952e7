// Package config loads Hibari's configuration: a YAML file, then environment
// overrides, then validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Hibari/common/environment"
	"github.com/bdobrica/Hibari/common/redact"
)

// Config is the root document.
type Config struct {
	Assistant AssistantConfig `yaml:"assistant"`
	LLM       LLMConfig       `yaml:"llm"`
	Database  DatabaseConfig  `yaml:"database"`
	Session   SessionConfig   `yaml:"session"`
	Memory    MemoryConfig    `yaml:"memory"`
	Matrix    MatrixConfig    `yaml:"matrix"`
	Discord   DiscordConfig   `yaml:"discord"`
	Control   ControlConfig   `yaml:"control"`
	Log       LogConfig       `yaml:"log"`
}

type AssistantConfig struct {
	Name string `yaml:"name"`
}

type LLMConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SessionConfig mirrors session.Config and session.RegistryConfig. Zero
// values take the session package defaults.
type SessionConfig struct {
	WindowSize     int           `yaml:"window_size"`
	Cooldown       time.Duration `yaml:"cooldown"`
	MuteDuration   time.Duration `yaml:"mute_duration"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	PrivateHotness float64       `yaml:"private_hotness"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	TypingDelay    time.Duration `yaml:"typing_delay"`
	MaxTypingDelay time.Duration `yaml:"max_typing_delay"`
	ProactiveAfter time.Duration `yaml:"proactive_after"`
	ActivityWindow time.Duration `yaml:"activity_window"`
}

type MemoryConfig struct {
	ForgetRatio    float64 `yaml:"forget_ratio"`
	ForgetSchedule string  `yaml:"forget_schedule"`
	CompressRate   float64 `yaml:"compress_rate"`
	BuildEvery     int     `yaml:"build_every"`
}

type MatrixConfig struct {
	Homeserver          string   `yaml:"homeserver"`
	UserID              string   `yaml:"user_id"`
	AccessToken         string   `yaml:"access_token"`
	Rooms               []string `yaml:"rooms"`
	ReactionProbability float64  `yaml:"reaction_probability"`
}

// Enabled reports whether the Matrix adapter should run.
func (m MatrixConfig) Enabled() bool { return m.Homeserver != "" && m.AccessToken != "" }

type DiscordConfig struct {
	Token               string   `yaml:"token"`
	AllowedGuilds       []string `yaml:"allowed_guilds"`
	AllowedChannels     []string `yaml:"allowed_channels"`
	ReactionProbability float64  `yaml:"reaction_probability"`
}

// Enabled reports whether the Discord adapter should run.
func (d DiscordConfig) Enabled() bool { return d.Token != "" }

// ControlConfig configures the operator HTTP API. It is off unless Addr is
// set.
type ControlConfig struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"`
	// URL is where the CLI reaches a running server. Defaults to
	// http://<addr>.
	URL string `yaml:"url"`
}

// Enabled reports whether the control API should listen.
func (c ControlConfig) Enabled() bool { return c.Addr != "" }

// BaseURL returns the URL clients use to reach the control API.
func (c ControlConfig) BaseURL() string {
	if c.URL != "" {
		return strings.TrimRight(c.URL, "/")
	}
	addr := c.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Assistant: AssistantConfig{Name: "Hibari"},
		LLM:       LLMConfig{Timeout: 120 * time.Second},
		Database:  DatabaseConfig{Path: "hibari.db"},
		Memory:    MemoryConfig{ForgetRatio: 0.1, ForgetSchedule: "0 4 * * *"},
		Matrix:    MatrixConfig{ReactionProbability: 0.3},
		Discord:   DiscordConfig{ReactionProbability: 0.3},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Read is Load without validation, for maintenance commands that only need
// the database.
func Read(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config yaml: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Assistant.Name = environment.StringOr("HIBARI_NAME", c.Assistant.Name)
	c.Database.Path = environment.StringOr("HIBARI_DB_PATH", c.Database.Path)

	c.LLM.BaseURL = environment.StringOr("LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.APIKey = environment.StringOr("LLM_API_KEY", c.LLM.APIKey)
	c.LLM.Model = environment.StringOr("LLM_MODEL", c.LLM.Model)
	c.LLM.Timeout = environment.DurationOr("LLM_TIMEOUT", c.LLM.Timeout)

	c.Session.Cooldown = environment.DurationOr("HIBARI_COOLDOWN", c.Session.Cooldown)
	c.Session.IdleTimeout = environment.DurationOr("HIBARI_IDLE_TIMEOUT", c.Session.IdleTimeout)
	c.Memory.ForgetRatio = environment.Float64Or("HIBARI_FORGET_RATIO", c.Memory.ForgetRatio)
	c.Memory.ForgetSchedule = environment.StringOr("HIBARI_FORGET_SCHEDULE", c.Memory.ForgetSchedule)

	c.Matrix.Homeserver = environment.StringOr("MATRIX_HOMESERVER", c.Matrix.Homeserver)
	c.Matrix.UserID = environment.StringOr("MATRIX_USER_ID", c.Matrix.UserID)
	c.Matrix.AccessToken = environment.StringOr("MATRIX_ACCESS_TOKEN", c.Matrix.AccessToken)
	c.Matrix.Rooms = environment.StringSliceOr("MATRIX_ROOMS", c.Matrix.Rooms)

	c.Discord.Token = environment.StringOr("DISCORD_TOKEN", c.Discord.Token)
	c.Discord.AllowedGuilds = environment.StringSliceOr("DISCORD_ALLOWED_GUILDS", c.Discord.AllowedGuilds)
	c.Discord.AllowedChannels = environment.StringSliceOr("DISCORD_ALLOWED_CHANNELS", c.Discord.AllowedChannels)

	c.Control.Addr = environment.StringOr("HIBARI_CONTROL_ADDR", c.Control.Addr)
	c.Control.Token = environment.StringOr("HIBARI_CONTROL_TOKEN", c.Control.Token)
	c.Control.URL = environment.StringOr("HIBARI_CONTROL_URL", c.Control.URL)

	c.Log.Level = environment.StringOr("LOG_LEVEL", c.Log.Level)
	c.Log.Format = environment.StringOr("LOG_FORMAT", c.Log.Format)
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	// ── Assistant ────────────────────────────────────────────────────────────
	if strings.TrimSpace(c.Assistant.Name) == "" {
		add("assistant.name must not be empty")
	}

	// ── LLM ──────────────────────────────────────────────────────────────────
	if c.LLM.APIKey == "" && c.LLM.BaseURL == "" {
		add("llm.api_key is required unless llm.base_url points at a local endpoint")
	}
	if c.LLM.Timeout < 0 {
		add("llm.timeout must not be negative")
	}

	if c.Database.Path == "" {
		add("database.path must not be empty")
	}

	// ── Session ──────────────────────────────────────────────────────────────
	for name, d := range map[string]time.Duration{
		"cooldown":         c.Session.Cooldown,
		"mute_duration":    c.Session.MuteDuration,
		"idle_timeout":     c.Session.IdleTimeout,
		"poll_interval":    c.Session.PollInterval,
		"typing_delay":     c.Session.TypingDelay,
		"max_typing_delay": c.Session.MaxTypingDelay,
		"proactive_after":  c.Session.ProactiveAfter,
		"activity_window":  c.Session.ActivityWindow,
	} {
		if d < 0 {
			add("session.%s must not be negative", name)
		}
	}
	if c.Session.WindowSize < 0 {
		add("session.window_size must not be negative")
	}
	if c.Session.PrivateHotness < 0 {
		add("session.private_hotness must not be negative")
	}

	// ── Memory ───────────────────────────────────────────────────────────────
	if c.Memory.ForgetRatio < 0 || c.Memory.ForgetRatio > 1 {
		add("memory.forget_ratio must be within [0, 1], got %v", c.Memory.ForgetRatio)
	}
	if c.Memory.CompressRate < 0 || c.Memory.CompressRate > 1 {
		add("memory.compress_rate must be within [0, 1], got %v", c.Memory.CompressRate)
	}

	// ── Platforms ────────────────────────────────────────────────────────────
	if !c.Matrix.Enabled() && !c.Discord.Enabled() {
		add("at least one of matrix or discord must be configured")
	}
	if c.Matrix.Enabled() && c.Matrix.UserID == "" {
		add("matrix.user_id is required when matrix is enabled")
	}
	for name, p := range map[string]float64{
		"matrix.reaction_probability":  c.Matrix.ReactionProbability,
		"discord.reaction_probability": c.Discord.ReactionProbability,
	} {
		if p < 0 || p > 1 {
			add("%s must be within [0, 1], got %v", name, p)
		}
	}

	// ── Control ──────────────────────────────────────────────────────────────
	if c.Control.Enabled() && c.Control.Token == "" {
		add("control.token is required when control.addr is set")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		add("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		add("log.format %q is not one of text, json", c.Log.Format)
	}
	return errors.Join(errs...)
}

// LogValue renders the configuration with credentials redacted.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("assistant", c.Assistant.Name),
		slog.String("database", c.Database.Path),
		slog.Group("llm",
			slog.String("base_url", c.LLM.BaseURL),
			slog.String("model", c.LLM.Model),
			slog.String("api_key", redact.Secret(c.LLM.APIKey)),
		),
		slog.Group("matrix",
			slog.String("homeserver", c.Matrix.Homeserver),
			slog.String("user_id", c.Matrix.UserID),
			slog.String("access_token", redact.Secret(c.Matrix.AccessToken)),
			slog.Int("rooms", len(c.Matrix.Rooms)),
		),
		slog.Group("discord",
			slog.Bool("enabled", c.Discord.Enabled()),
			slog.String("token", redact.Secret(c.Discord.Token)),
		),
		slog.Group("control",
			slog.String("addr", c.Control.Addr),
			slog.String("token", redact.Secret(c.Control.Token)),
		),
		slog.String("log_level", c.Log.Level),
	)
}
