// Package config loads and exposes application configuration (TOML).
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Default configuration values used when a field is missing in TOML.
const (
	DefaultConfigPath    = "config.toml"
	DefaultDriver        = DriverSQLite
	DefaultSQLitePath    = "data/deepmax.db"
	DefaultPGHost        = "127.0.0.1"
	DefaultPGPort        = 5432
	DefaultPGUser        = "postgres"
	DefaultPGDatabase    = "deepmax"
	DefaultPGSSLMode     = "disable"
	DefaultModel         = "anthropic:claude-sonnet-4-5-20250929"
	DefaultSystemPrompt  = "You are a helpful and concise personal assistant."
	DefaultGatewayURL    = "http://127.0.0.1:8081"
	DefaultTerminalUser  = "user"
	DefaultShutdownDrain = 30
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Environment overrides.
const (
	EnvConfigPath    = "CONFIG_PATH"
	EnvTelegramToken = "TELEGRAM_BOT_TOKEN"
	EnvDiscordToken  = "DISCORD_BOT_TOKEN"
	EnvDatabasePath  = "DEEPMAX_DATABASE_PATH"
)

var (
	// ErrNoChannels is returned by Validate when every channel is disabled.
	ErrNoChannels = errors.New("no channels enabled")
	// ErrInvalid wraps every other validation failure.
	ErrInvalid = errors.New("invalid config")
)

// Config is the root application configuration loaded from TOML.
type Config struct {
	Log      LogConfig      `toml:"log"`
	Database DatabaseConfig `toml:"database"`
	Postgres PostgresConfig `toml:"postgres"`
	Provider ProviderConfig `toml:"provider"`
	Agent    AgentConfig    `toml:"agent"`
	Channels ChannelsConfig `toml:"channels"`
	Identity IdentityConfig `toml:"identity"`
	Limits   LimitsConfig   `toml:"limits"`
}

// LogConfig holds logging level, format and destination.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// ProviderConfig holds defaults applied to new conversations.
type ProviderConfig struct {
	Model        string `toml:"model"`
	SystemPrompt string `toml:"system_prompt"`
}

// AgentConfig points at the agent gateway that produces token streams.
type AgentConfig struct {
	GatewayURL     string `toml:"gateway_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Timeout returns the per-turn stream timeout; zero means none.
func (c AgentConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ChannelsConfig holds per-adapter settings.
type ChannelsConfig struct {
	Terminal TerminalConfig `toml:"terminal"`
	Telegram TelegramConfig `toml:"telegram"`
	Discord  DiscordConfig  `toml:"discord"`
}

// TerminalConfig configures the interactive terminal adapter.
type TerminalConfig struct {
	Enabled  bool   `toml:"enabled"`
	UserName string `toml:"user_name"`
}

// TelegramConfig configures the telegram adapter. An empty AllowedUsers
// admits every sender to identity resolution.
type TelegramConfig struct {
	Enabled      bool    `toml:"enabled"`
	BotToken     string  `toml:"bot_token"`
	AllowedUsers []int64 `toml:"allowed_users"`
}

// DiscordConfig configures the discord adapter.
type DiscordConfig struct {
	Enabled      bool     `toml:"enabled"`
	BotToken     string   `toml:"bot_token"`
	AllowedUsers []string `toml:"allowed_users"`
}

// IdentityConfig holds the static identity links, keyed by user name and
// then by channel name. Values may be TOML strings or integers.
type IdentityConfig struct {
	Links map[string]map[string]any `toml:"links"`
}

// Link is one normalized (user, channel, uid) entry.
type Link struct {
	UserName   string
	Channel    string
	ChannelUID string
}

// LinkList flattens Links into a deterministic slice.
func (c IdentityConfig) LinkList() ([]Link, error) {
	names := make([]string, 0, len(c.Links))
	for name := range c.Links {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Link
	for _, name := range names {
		channels := c.Links[name]
		keys := make([]string, 0, len(channels))
		for ch := range channels {
			keys = append(keys, ch)
		}
		sort.Strings(keys)
		for _, ch := range keys {
			uid, err := uidString(channels[ch])
			if err != nil {
				return nil, fmt.Errorf("%w: identity.links.%s.%s: %v", ErrInvalid, name, ch, err)
			}
			if uid == "" {
				return nil, fmt.Errorf("%w: identity.links.%s.%s is empty", ErrInvalid, name, ch)
			}
			out = append(out, Link{UserName: name, Channel: ch, ChannelUID: uid})
		}
	}
	return out, nil
}

func uidString(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case int:
		return strconv.Itoa(val), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

// LimitsConfig holds process limits.
type LimitsConfig struct {
	ShutdownDrain int `toml:"shutdown_drain"`
}

// ShutdownDrain returns the drain timeout as a duration.
func (c Config) ShutdownDrain() time.Duration {
	return time.Duration(c.Limits.ShutdownDrain) * time.Second
}

// Validate reports configuration the process cannot serve with.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("%w: database.path is required for sqlite", ErrInvalid)
		}
	case DriverPostgres:
	default:
		return fmt.Errorf("%w: unknown database driver %q", ErrInvalid, c.Database.Driver)
	}
	if c.Limits.ShutdownDrain <= 0 {
		return fmt.Errorf("%w: limits.shutdown_drain must be positive", ErrInvalid)
	}
	if !c.Channels.Terminal.Enabled && !c.Channels.Telegram.Enabled && !c.Channels.Discord.Enabled {
		return ErrNoChannels
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.BotToken == "" {
		return fmt.Errorf("%w: telegram enabled without bot token (set %s)", ErrInvalid, EnvTelegramToken)
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.BotToken == "" {
		return fmt.Errorf("%w: discord enabled without bot token (set %s)", ErrInvalid, EnvDiscordToken)
	}
	if _, err := c.Identity.LinkList(); err != nil {
		return err
	}
	return nil
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Database: DatabaseConfig{
			Driver: DefaultDriver,
			Path:   DefaultSQLitePath,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Provider: ProviderConfig{
			Model:        DefaultModel,
			SystemPrompt: DefaultSystemPrompt,
		},
		Agent: AgentConfig{
			GatewayURL: DefaultGatewayURL,
		},
		Channels: ChannelsConfig{
			Terminal: TerminalConfig{Enabled: true, UserName: DefaultTerminalUser},
		},
		Limits: LimitsConfig{ShutdownDrain: DefaultShutdownDrain},
	}
}

// ResolvePath picks the config path: explicit flag, then CONFIG_PATH, then the default.
func ResolvePath(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Load reads and parses the TOML config file at path, applies defaults for
// missing fields and environment overrides. A missing file yields defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if cfg.Channels.Telegram.BotToken == "" {
		cfg.Channels.Telegram.BotToken = strings.TrimSpace(os.Getenv(EnvTelegramToken))
	}
	if cfg.Channels.Discord.BotToken == "" {
		cfg.Channels.Discord.BotToken = strings.TrimSpace(os.Getenv(EnvDiscordToken))
	}
	if p := strings.TrimSpace(os.Getenv(EnvDatabasePath)); p != "" {
		cfg.Database.Path = p
	}
	if cfg.Channels.Terminal.UserName == "" {
		cfg.Channels.Terminal.UserName = DefaultTerminalUser
	}
}
