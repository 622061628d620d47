// Package config loads broker configuration.
//
// Values are layered: built-in defaults, then an optional config file
// (YAML, TOML or JSON with comments, chosen by extension), then AWARE_*
// environment variables, then command-line flags.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/aware-engine/backend/internal/model"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AWARE_"

// Config is the broker configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server" json:"server"`
	Session SessionConfig `yaml:"session" toml:"session" json:"session"`
	Agent   AgentConfig   `yaml:"agent" toml:"agent" json:"agent"`
	LLM     LLMConfig     `yaml:"llm" toml:"llm" json:"llm"`
	Caption CaptionConfig `yaml:"caption" toml:"caption" json:"caption"`
	Archive ArchiveConfig `yaml:"archive" toml:"archive" json:"archive"`
	Log     LogConfig     `yaml:"log" toml:"log" json:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address.
	// Default: 127.0.0.1:5500
	Addr string `yaml:"addr" toml:"addr" json:"addr"`

	// AgentPath is the websocket path agents connect to.
	// Default: /vscode
	AgentPath string `yaml:"agent_path" toml:"agent_path" json:"agent_path"`

	// AllowedOrigins restricts browser origins for CORS and the agent
	// channel. Empty or ["*"] allows any.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins" json:"allowed_origins"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 10s
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" json:"shutdown_timeout"`
}

// SessionConfig configures the session lifecycle.
type SessionConfig struct {
	// SourceTimeout is how long a request waits for an agent reply.
	// Default: 30s
	SourceTimeout Duration `yaml:"source_timeout" toml:"source_timeout" json:"source_timeout"`

	// WaitMode is one of required, best_effort or none.
	// Default: required
	WaitMode string `yaml:"wait_mode" toml:"wait_mode" json:"wait_mode"`

	// TTL is how long finished sessions stay in memory.
	// Default: 15m
	TTL Duration `yaml:"ttl" toml:"ttl" json:"ttl"`

	// SweepInterval is how often expired sessions are evicted.
	// Default: 1m
	SweepInterval Duration `yaml:"sweep_interval" toml:"sweep_interval" json:"sweep_interval"`
}

// AgentConfig configures agent channels.
type AgentConfig struct {
	PingInterval   Duration `yaml:"ping_interval" toml:"ping_interval" json:"ping_interval"`
	PongTimeout    Duration `yaml:"pong_timeout" toml:"pong_timeout" json:"pong_timeout"`
	MaxMessageSize int64    `yaml:"max_message_size" toml:"max_message_size" json:"max_message_size"`

	// JournalDir, when set, records every agent channel's frames there.
	JournalDir string `yaml:"journal_dir" toml:"journal_dir" json:"journal_dir"`
}

// LLMConfig configures the suggestion model.
type LLMConfig struct {
	Model           string   `yaml:"model" toml:"model" json:"model"`
	APIKey          string   `yaml:"api_key" toml:"api_key" json:"api_key"`
	BaseURL         string   `yaml:"base_url" toml:"base_url" json:"base_url"`
	Temperature     float64  `yaml:"temperature" toml:"temperature" json:"temperature"`
	TopP            float64  `yaml:"top_p" toml:"top_p" json:"top_p"`
	MaxOutputTokens int      `yaml:"max_output_tokens" toml:"max_output_tokens" json:"max_output_tokens"`
	Timeout         Duration `yaml:"timeout" toml:"timeout" json:"timeout"`
}

// CaptionConfig configures image captioning for image-alt violations.
type CaptionConfig struct {
	// Endpoint is an image-to-text inference URL. Empty disables captioning.
	Endpoint     string   `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
	APIKey       string   `yaml:"api_key" toml:"api_key" json:"api_key"`
	FetchTimeout Duration `yaml:"fetch_timeout" toml:"fetch_timeout" json:"fetch_timeout"`
}

// ArchiveConfig configures the session history database.
type ArchiveConfig struct {
	// Path is the sqlite database file. Default: in-memory.
	Path string `yaml:"path" toml:"path" json:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" toml:"level" json:"level"`
	// Format is text, json or auto (text on a terminal).
	Format string `yaml:"format" toml:"format" json:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:5500",
			AgentPath:       "/vscode",
			ShutdownTimeout: Seconds(10),
		},
		Session: SessionConfig{
			SourceTimeout: Seconds(30),
			WaitMode:      string(model.WaitModeRequired),
			TTL:           Seconds(15 * 60),
			SweepInterval: Seconds(60),
		},
		Agent: AgentConfig{
			PingInterval:   Seconds(20),
			PongTimeout:    Seconds(10),
			MaxMessageSize: 16 << 20,
		},
		LLM: LLMConfig{
			Model:           "gemini-2.5-flash",
			BaseURL:         "https://generativelanguage.googleapis.com/v1beta",
			Temperature:     0.2,
			TopP:            0.1,
			MaxOutputTokens: 65535,
			Timeout:         Seconds(120),
		},
		Caption: CaptionConfig{
			FetchTimeout: Seconds(15),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load builds the configuration from defaults, the optional file at path
// and the environment. Flags are applied by the caller afterwards.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile merges a config file into c.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, c)
	case ".toml":
		return toml.Unmarshal(data, c)
	case ".json", ".jsonc":
		return json.Unmarshal(jsonc.ToJSON(data), c)
	}
	return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
}

// applyEnv overrides fields from AWARE_* variables. GEMINI_API_KEY is also
// honoured for the model key.
func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *Duration) error {
		v := getenv(EnvPrefix + key)
		if v == "" {
			return nil
		}
		if err := dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		return nil
	}

	str("ADDR", &c.Server.Addr)
	str("AGENT_PATH", &c.Server.AgentPath)
	if v := getenv(EnvPrefix + "ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	str("WAIT_MODE", &c.Session.WaitMode)
	str("JOURNAL_DIR", &c.Agent.JournalDir)
	str("LLM_MODEL", &c.LLM.Model)
	str("LLM_BASE_URL", &c.LLM.BaseURL)
	if v := getenv("GEMINI_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	str("LLM_API_KEY", &c.LLM.APIKey)
	str("CAPTION_ENDPOINT", &c.Caption.Endpoint)
	str("CAPTION_API_KEY", &c.Caption.APIKey)
	str("ARCHIVE_PATH", &c.Archive.Path)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	for key, dst := range map[string]*Duration{
		"SOURCE_TIMEOUT":   &c.Session.SourceTimeout,
		"SESSION_TTL":      &c.Session.TTL,
		"SHUTDOWN_TIMEOUT": &c.Server.ShutdownTimeout,
		"LLM_TIMEOUT":      &c.LLM.Timeout,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}

	if v := getenv(EnvPrefix + "MAX_MESSAGE_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sMAX_MESSAGE_SIZE: %w", EnvPrefix, err)
		}
		c.Agent.MaxMessageSize = n
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if !strings.HasPrefix(c.Server.AgentPath, "/") {
		errs = append(errs, fmt.Errorf("server.agent_path must start with /: %q", c.Server.AgentPath))
	}
	if !model.WaitMode(c.Session.WaitMode).Valid() {
		errs = append(errs, fmt.Errorf("invalid session.wait_mode: %q (want one of %v)", c.Session.WaitMode, model.WaitModes()))
	}
	if c.Session.SourceTimeout.Duration <= 0 {
		errs = append(errs, errors.New("session.source_timeout must be positive"))
	}
	if c.Session.TTL.Duration <= 0 {
		errs = append(errs, errors.New("session.ttl must be positive"))
	}
	if c.Session.SweepInterval.Duration <= 0 {
		errs = append(errs, errors.New("session.sweep_interval must be positive"))
	}
	if c.Agent.PingInterval.Duration <= 0 || c.Agent.PongTimeout.Duration <= 0 {
		errs = append(errs, errors.New("agent ping_interval and pong_timeout must be positive"))
	}
	if c.Agent.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("agent.max_message_size must be positive"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log.level: %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log.format: %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
