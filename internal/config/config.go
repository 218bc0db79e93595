// Package config loads the runtime configuration: defaults, then an
// optional YAML file, then CROSSBOT_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the full runtime configuration.
type Config struct {
	Addr     string `koanf:"addr"`
	DataDir  string `koanf:"data_dir"`
	LogLevel string `koanf:"log_level"`

	// UserName is the bot handle used for mention detection on
	// platforms that do not override it. It is matched literally,
	// suffixes included ("my-bot[bot]" keeps the brackets).
	UserName string `koanf:"user_name"`

	State    StateConfig    `koanf:"state"`
	Adapters AdaptersConfig `koanf:"adapters"`
}

// StateConfig selects and parameterizes the state store backend.
type StateConfig struct {
	Backend string `koanf:"backend"` // "memory" | "sqlite"
	Path    string `koanf:"path"`    // sqlite file; default <data_dir>/crossbot.db
}

// AdaptersConfig carries one optional block per platform. An adapter
// is enabled when its block is present and Enabled is not false.
type AdaptersConfig struct {
	Slack   *SlackConfig   `koanf:"slack"`
	GChat   *GChatConfig   `koanf:"gchat"`
	Teams   *TeamsConfig   `koanf:"teams"`
	Discord *DiscordConfig `koanf:"discord"`
	GitHub  *GitHubConfig  `koanf:"github"`
	Linear  *LinearConfig  `koanf:"linear"`
}

type SlackConfig struct {
	BotToken      string `koanf:"bot_token"`
	AppToken      string `koanf:"app_token"`
	SigningSecret string `koanf:"signing_secret"`
	BotUserID     string `koanf:"bot_user_id"`
	UserName      string `koanf:"user_name"`
	SocketMode    bool   `koanf:"socket_mode"`
}

type GChatConfig struct {
	VerificationToken string `koanf:"verification_token"`
	APIToken          string `koanf:"api_token"`
	BotUser           string `koanf:"bot_user"`
	UserName          string `koanf:"user_name"`
}

type TeamsConfig struct {
	AppID       string `koanf:"app_id"`
	AppPassword string `koanf:"app_password"`
	TenantID    string `koanf:"tenant_id"`
	UserName    string `koanf:"user_name"`
}

type DiscordConfig struct {
	BotToken  string `koanf:"bot_token"`
	PublicKey string `koanf:"public_key"`
	BotUserID string `koanf:"bot_user_id"`
	UserName  string `koanf:"user_name"`
}

type GitHubConfig struct {
	WebhookSecret  string `koanf:"webhook_secret"`
	AppID          int64  `koanf:"app_id"`
	PrivateKey     string `koanf:"private_key"`      // PEM, inline
	PrivateKeyFile string `koanf:"private_key_file"` // or a path to it
	Token          string `koanf:"token"`            // PAT alternative to App auth
	BotUserID      string `koanf:"bot_user_id"`
	UserName       string `koanf:"user_name"`
}

type LinearConfig struct {
	WebhookSecret string `koanf:"webhook_secret"`
	APIKey        string `koanf:"api_key"`
	BotUserID     string `koanf:"bot_user_id"`
	UserName      string `koanf:"user_name"`
}

func defaults() map[string]any {
	return map[string]any{
		"addr":          ":8080",
		"data_dir":      defaultDataDir(),
		"log_level":     "info",
		"user_name":     "crossbot",
		"state.backend": "sqlite",
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "crossbot")
	}
	return filepath.Join(home, ".config", "crossbot")
}

// Load builds the configuration. path may be empty; a missing file at
// the given path is an error, so deployments notice typos.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	// CROSSBOT_ADAPTERS_SLACK_BOT_TOKEN → adapters.slack.bot_token.
	// Underscore-separated words inside a key keep their underscores
	// only where a known two-word key exists, so the mapping goes
	// through a fixed table instead of guessing.
	err := k.Load(env.Provider("CROSSBOT_", ".", func(s string) string {
		return envToKey(strings.TrimPrefix(s, "CROSSBOT_"))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// compoundWords are key fragments that contain an underscore of their
// own and must not be split into path segments.
var compoundWords = []string{
	"data_dir", "log_level", "user_name",
	"bot_token", "app_token", "signing_secret", "bot_user_id", "bot_user",
	"socket_mode", "verification_token", "api_token", "app_id",
	"app_password", "tenant_id", "public_key", "webhook_secret",
	"private_key_file", "private_key", "api_key",
}

func envToKey(s string) string {
	s = strings.ToLower(s)
	for _, w := range compoundWords {
		flat := strings.ReplaceAll(w, "_", "\x00")
		s = strings.ReplaceAll(s, w, flat)
	}
	s = strings.ReplaceAll(s, "_", ".")
	return strings.ReplaceAll(s, "\x00", "_")
}

// Validate checks the configuration and creates the data directory.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	switch c.State.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown state backend %q", c.State.Backend)
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// DBPath returns the sqlite database path.
func (c *Config) DBPath() string {
	if c.State.Path != "" {
		return c.State.Path
	}
	return filepath.Join(c.DataDir, "crossbot.db")
}
