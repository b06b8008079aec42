// Package config holds the process-wide configuration: a JSON5 file
// overlaid with GIGI_* environment variables. Secrets are env-only and
// never written back to the file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Config is the root configuration.
type Config struct {
	Workspace string          `json:"workspace"`
	Database  DatabaseConfig  `json:"database"`
	Gateway   GatewayConfig   `json:"gateway"`
	Agent     AgentConfig     `json:"agent"`
	Providers ProvidersConfig `json:"providers"`
	Channels  ChannelsConfig  `json:"channels"`
	Forge     ForgeConfig     `json:"forge"`
	Tools     ToolsConfig     `json:"tools"`
	Cron      CronConfig      `json:"cron"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

type DatabaseConfig struct {
	Path string `json:"path"` // SQLite file; ":memory:" for tests
}

type GatewayConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`
	RateLimitRPS    float64  `json:"rate_limit_rps"` // per client IP; 0 disables
	MaxMessageChars int      `json:"max_message_chars"`
}

type AgentConfig struct {
	Provider          string  `json:"provider"` // "anthropic" or "openai"
	Model             string  `json:"model,omitempty"`
	MaxTokens         int     `json:"max_tokens"`
	Temperature       float64 `json:"temperature"`
	MaxToolIterations int     `json:"max_tool_iterations"`
	TurnTimeoutMin    int     `json:"turn_timeout_minutes"`
}

type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
}

// ProviderConfig holds one upstream LLM endpoint. APIKey comes from env
// only (GIGI_ANTHROPIC_API_KEY, GIGI_OPENAI_API_KEY).
type ProviderConfig struct {
	APIKey  string `json:"-"`
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig binds the bot to a single operator chat. Token from env
// GIGI_TELEGRAM_TOKEN only.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"-"`
	ChatID  int64  `json:"chat_id"`
}

// ForgeConfig points at the Gitea instance. Token from env
// GIGI_FORGE_TOKEN only; the webhook secret lives in the store's config
// table (set by `gigi setup`), with GIGI_WEBHOOK_SECRET as an override.
type ForgeConfig struct {
	BaseURL       string `json:"base_url,omitempty"`
	Token         string `json:"-"`
	WebhookSecret string `json:"-"`
}

type ToolsConfig struct {
	Browser BrowserConfig `json:"browser"`
	Exec    ExecConfig    `json:"exec"`
}

type BrowserConfig struct {
	Enabled bool `json:"enabled"`
}

type ExecConfig struct {
	Enabled        bool `json:"enabled"`
	TimeoutSeconds int  `json:"timeout_seconds"`
}

// CronConfig holds the background job schedules in cron syntax.
type CronConfig struct {
	StaleTaskCheck string `json:"stale_task_check"`
	DeliveryPrune  string `json:"delivery_prune"`
}

type TelemetryConfig struct {
	Enabled      bool   `json:"enabled"`
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Workspace: filepath.Join(home, ".gigi", "workspace"),
		Database: DatabaseConfig{
			Path: filepath.Join(home, ".gigi", "gigi.db"),
		},
		Gateway: GatewayConfig{
			Host:            "127.0.0.1",
			Port:            18990,
			RateLimitRPS:    10,
			MaxMessageChars: 32000,
		},
		Agent: AgentConfig{
			Provider:          "anthropic",
			MaxTokens:         8192,
			Temperature:       0.7,
			MaxToolIterations: 20,
			TurnTimeoutMin:    10,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{},
		},
		Tools: ToolsConfig{
			Browser: BrowserConfig{Enabled: true},
			Exec:    ExecConfig{Enabled: true, TimeoutSeconds: 300},
		},
		Cron: CronConfig{
			StaleTaskCheck: "0 * * * *",
			DeliveryPrune:  "30 3 * * *",
		},
	}
}

// DefaultPath is where Load looks when no --config flag is given.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".gigi", "config.json")
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values; secrets are only ever read here.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("GIGI_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("GIGI_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("GIGI_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("GIGI_FORGE_TOKEN", &c.Forge.Token)
	envStr("GIGI_FORGE_URL", &c.Forge.BaseURL)
	envStr("GIGI_WEBHOOK_SECRET", &c.Forge.WebhookSecret)
	envStr("GIGI_WORKSPACE", &c.Workspace)
	envStr("GIGI_DB_PATH", &c.Database.Path)

	if v := os.Getenv("GIGI_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Gateway.Port = port
		}
	}
	if v := os.Getenv("GIGI_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Channels.Telegram.ChatID = id
		}
	}
	if c.Channels.Telegram.Token != "" && c.Channels.Telegram.ChatID != 0 {
		c.Channels.Telegram.Enabled = true
	}
}

// Validate reports configuration states the process cannot start from.
func (c *Config) Validate() error {
	switch c.Agent.Provider {
	case "anthropic":
		if c.Providers.Anthropic.APIKey == "" {
			return fmt.Errorf("anthropic provider selected but GIGI_ANTHROPIC_API_KEY is not set")
		}
	case "openai":
		if c.Providers.OpenAI.APIKey == "" {
			return fmt.Errorf("openai provider selected but GIGI_OPENAI_API_KEY is not set")
		}
	default:
		return fmt.Errorf("unknown provider %q", c.Agent.Provider)
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port %d", c.Gateway.Port)
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.ChatID == 0 {
		return fmt.Errorf("telegram enabled but chat_id is not set")
	}
	return nil
}

// Save writes the non-secret part of the config back to path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
