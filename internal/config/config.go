// Package config loads typed service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/botchat/botchat-backend/internal/provider/contracts"
)

// Config is the full service configuration.
type Config struct {
	ListenAddr  string   `env:"BOTCHAT_LISTEN_ADDR" envDefault:":8080"`
	CORSOrigins []string `env:"BOTCHAT_CORS_ORIGINS" envSeparator:"," envDefault:"*"`

	// APIKey is the static service credential accepted by the gate
	// middleware alongside session tokens.
	APIKey        string   `env:"BOTCHAT_API_KEY"`
	JWTSecret     string   `env:"BOTCHAT_JWT_SECRET"`
	AllowedEmails []string `env:"BOTCHAT_ALLOWED_EMAILS" envSeparator:","`

	RunTTL             time.Duration `env:"BOTCHAT_RUN_TTL" envDefault:"60s"`
	SweepInterval      time.Duration `env:"BOTCHAT_SWEEP_INTERVAL" envDefault:"60s"`
	DefaultMaxParallel int           `env:"BOTCHAT_DEFAULT_MAX_PARALLEL" envDefault:"3"`
	ProviderTimeout    time.Duration `env:"BOTCHAT_PROVIDER_TIMEOUT" envDefault:"5m"`

	SQLitePath  string `env:"BOTCHAT_SQLITE_PATH" envDefault:"botchat.db"`
	KeystoreDir string `env:"BOTCHAT_KEYSTORE_DIR" envDefault:"keystore"`

	PlatformOpenAIKey    string `env:"PLATFORM_OPENAI_API_KEY"`
	PlatformAnthropicKey string `env:"PLATFORM_ANTHROPIC_API_KEY"`
	PlatformGeminiKey    string `env:"PLATFORM_GEMINI_API_KEY"`

	LogLevel  string `env:"BOTCHAT_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"BOTCHAT_LOG_FORMAT" envDefault:"json"`
}

// Load parses and normalizes configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	if c.RunTTL < 10*time.Second {
		c.RunTTL = 10 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 60 * time.Second
	}
	if c.DefaultMaxParallel < 1 {
		c.DefaultMaxParallel = 1
	}
	if c.DefaultMaxParallel > 10 {
		c.DefaultMaxParallel = 10
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 5 * time.Minute
	}
}

// PlatformKeys maps backend kinds to configured platform credentials,
// omitting kinds without one.
func (c Config) PlatformKeys() map[contracts.Kind]string {
	keys := make(map[contracts.Kind]string, 3)
	if c.PlatformOpenAIKey != "" {
		keys[contracts.KindOpenAI] = c.PlatformOpenAIKey
	}
	if c.PlatformAnthropicKey != "" {
		keys[contracts.KindAnthropic] = c.PlatformAnthropicKey
	}
	if c.PlatformGeminiKey != "" {
		keys[contracts.KindGemini] = c.PlatformGeminiKey
	}
	return keys
}
