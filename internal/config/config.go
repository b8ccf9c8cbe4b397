package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/yagent/agent-bridge/internal/target"
)

type Config struct {
	Channels  map[string]ChannelConfig `yaml:"channels"`
	Defaults  Defaults                 `yaml:"defaults"`
	VM        VMConfig                 `yaml:"vm"`
	Providers ProviderConfigs          `yaml:"providers"`
}

// ChannelConfig binds a provider channel to a persisted chat. An empty
// ChatID gets a new chat on first use.
type ChannelConfig struct {
	Provider  string `yaml:"provider"`
	ChannelID string `yaml:"channel_id"`
	ChatID    string `yaml:"chat_id,omitempty"`
	WorkDir   string `yaml:"work_dir,omitempty"`
}

type Defaults struct {
	LLM             string          `yaml:"llm"`
	ClaudePath      string          `yaml:"claude_path"`
	Model           string          `yaml:"model,omitempty"`
	MaxTurns        int             `yaml:"max_turns,omitempty"`
	SystemPrompt    string          `yaml:"system_prompt,omitempty"`
	AllowedTools    []string        `yaml:"allowed_tools,omitempty"`
	WorkDir         string          `yaml:"work_dir,omitempty"`
	DBPath          string          `yaml:"db_path"`
	RemoteTimeout   string          `yaml:"remote_timeout"`
	PollInterval    string          `yaml:"poll_interval"`
	OutputThreshold int             `yaml:"output_threshold"`
	LogLevel        string          `yaml:"log_level,omitempty"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// NewDefaults returns the defaults written into a fresh config file.
func NewDefaults() Defaults {
	return Defaults{
		LLM:             "claude",
		ClaudePath:      "claude",
		DBPath:          "agent-bridge.db",
		RemoteTimeout:   "30m",
		PollInterval:    "200ms",
		OutputThreshold: 1500,
	}
}

// RateLimitConfig holds per-user and per-channel rate limit settings.
type RateLimitConfig struct {
	UserRate     float64 `yaml:"user_rate"`     // prompts per second per user (default: 0.5)
	UserBurst    int     `yaml:"user_burst"`    // default: 3
	ChannelRate  float64 `yaml:"channel_rate"`  // prompts per second per channel (default: 2.0)
	ChannelBurst int     `yaml:"channel_burst"` // default: 10
	Enabled      *bool   `yaml:"enabled"`       // default: true
}

// GetRateLimitEnabled defaults to true if not explicitly set.
func (r RateLimitConfig) GetRateLimitEnabled() bool {
	if r.Enabled == nil {
		return true
	}
	return *r.Enabled
}

func (r RateLimitConfig) GetUserRate() float64 {
	if r.UserRate == 0 {
		return 0.5
	}
	return r.UserRate
}

func (r RateLimitConfig) GetUserBurst() int {
	if r.UserBurst == 0 {
		return 3
	}
	return r.UserBurst
}

func (r RateLimitConfig) GetChannelRate() float64 {
	if r.ChannelRate == 0 {
		return 2.0
	}
	return r.ChannelRate
}

func (r RateLimitConfig) GetChannelBurst() int {
	if r.ChannelBurst == 0 {
		return 10
	}
	return r.ChannelBurst
}

func (d Defaults) GetClaudePath() string {
	if d.ClaudePath == "" {
		return "claude"
	}
	return d.ClaudePath
}

func (d Defaults) GetDBPath() string {
	if d.DBPath == "" {
		return "agent-bridge.db"
	}
	return d.DBPath
}

func (d Defaults) GetRemoteTimeoutDuration() time.Duration {
	dur, err := time.ParseDuration(d.RemoteTimeout)
	if err != nil || dur <= 0 {
		return 30 * time.Minute
	}
	return dur
}

func (d Defaults) GetPollIntervalDuration() time.Duration {
	dur, err := time.ParseDuration(d.PollInterval)
	if err != nil || dur <= 0 {
		return 200 * time.Millisecond
	}
	return dur
}

// GetLogLevel maps log_level to a slog level, info when unset.
func (d Defaults) GetLogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(d.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// VMConfig says where rounds run. See target.VM.Kind for the rules.
type VMConfig struct {
	Name     string `yaml:"name,omitempty"`
	APIToken string `yaml:"api_token,omitempty"`
	WorkDir  string `yaml:"work_dir,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

func (v VMConfig) Target() target.VM {
	return target.VM{
		Name:     v.Name,
		APIToken: v.APIToken,
		WorkDir:  v.WorkDir,
		Endpoint: v.Endpoint,
	}
}

type ProviderConfigs struct {
	Discord DiscordConfig `yaml:"discord"`
}

type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// Validate checks the config for consistency errors.
func (c *Config) Validate() error {
	channelIDs := make(map[string]string) // provider/channel_id -> channel name
	for name, ch := range c.Channels {
		if ch.ChannelID == "" {
			return fmt.Errorf("channel %q has empty channel_id", name)
		}
		key := ch.Provider + "/" + ch.ChannelID
		if existing, ok := channelIDs[key]; ok {
			return fmt.Errorf("duplicate channel_id %q in channels %q and %q", ch.ChannelID, existing, name)
		}
		channelIDs[key] = name
	}

	if c.Defaults.MaxTurns < 0 {
		return fmt.Errorf("max_turns must not be negative, got %d", c.Defaults.MaxTurns)
	}
	if c.Defaults.LogLevel != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(c.Defaults.LogLevel)); err != nil {
			return fmt.Errorf("invalid log_level %q", c.Defaults.LogLevel)
		}
	}

	vm := c.VM.Target()
	if vm.Kind() == target.KindSSH {
		if _, err := target.ParseSSHTarget(vm.Name); err != nil {
			return fmt.Errorf("vm: %w", err)
		}
	}
	if vm.Kind() == target.KindSprites && vm.Name == "" {
		return errors.New("vm: api_token is set but name is empty")
	}
	return nil
}

// Load reads the YAML config at path. Variables from a .env file in the
// working directory are loaded first so ${VAR} references can use them.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg, err := loadRaw(path)
	if err != nil {
		return nil, err
	}

	if cfg.Defaults.LLM == "" {
		cfg.Defaults.LLM = "claude"
	}
	if cfg.Defaults.OutputThreshold == 0 {
		cfg.Defaults.OutputThreshold = 1500
	}
	if cfg.Channels == nil {
		cfg.Channels = make(map[string]ChannelConfig)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// loadRaw parses the file with environment expansion but without defaults,
// so that rewriting it does not bake defaults in.
func loadRaw(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func DefaultPath() string {
	return filepath.Join(".", "agent-bridge.yaml")
}

// ChannelFor returns the name and config of the channel bound to a
// provider channel id.
func (c *Config) ChannelFor(provider, channelID string) (string, ChannelConfig, bool) {
	for name, ch := range c.Channels {
		if ch.ChannelID == channelID && strings.EqualFold(ch.Provider, provider) {
			return name, ch, true
		}
	}
	return "", ChannelConfig{}, false
}
