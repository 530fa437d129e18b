package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. LOGOS_RELAY_CONTEXT_LIMIT_TOKENS.
const EnvPrefix = "LOGOS"

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `mapstructure:"basic_config"`
	Providers   map[string]ProviderConfig `mapstructure:"providers"`
	Relay       RelayConfig               `mapstructure:"relay"`
	Session     SessionConfig             `mapstructure:"session"`
	RateLimit   RateLimitConfig           `mapstructure:"rate_limit"`
	Databases   map[string]DatabaseConfig `mapstructure:"databases"`
	Redis       RedisConfig               `mapstructure:"redis"`
}

// BasicConfig holds server settings. TrustedProxies lists the proxy addresses
// or CIDRs whose X-Forwarded-For header is believed; when empty the socket peer
// is the client.
type BasicConfig struct {
	ServerAddress         string   `mapstructure:"server_address"`
	Provider              string   `mapstructure:"provider"`
	FrontendURL           string   `mapstructure:"frontend_url"`
	RequestTimeoutSeconds int      `mapstructure:"request_timeout_seconds"`
	TrustedProxies        []string `mapstructure:"trusted_proxies"`
}

type ProviderConfig struct {
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	Temperature float32 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

type RelayConfig struct {
	ContextLimitTokens int    `mapstructure:"context_limit_tokens"`
	PromptTurns        int    `mapstructure:"prompt_turns"`
	HistoryMode        string `mapstructure:"history_mode"`
	HistoryLimit       int    `mapstructure:"history_limit"`
	MinQuestionLength  int    `mapstructure:"min_question_length"`
	MaxQuestionChars   int    `mapstructure:"max_question_chars"`
	MaxAnswerChars     int    `mapstructure:"max_answer_chars"`
}

type SessionConfig struct {
	KeyMode                string `mapstructure:"key_mode"`
	Store                  string `mapstructure:"store"`
	TTLMinutes             int    `mapstructure:"ttl_minutes"`
	CookieName             string `mapstructure:"cookie_name"`
	CleanupIntervalMinutes int    `mapstructure:"cleanup_interval_minutes"`
	CookieSameSite         string `mapstructure:"cookie_same_site"`
}

type RateLimitConfig struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Params   string `mapstructure:"params"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("basic_config.server_address", ":10000")
	v.SetDefault("basic_config.provider", "deepseek")
	v.SetDefault("basic_config.frontend_url", "")
	v.SetDefault("basic_config.request_timeout_seconds", 90)
	v.SetDefault("basic_config.trusted_proxies", []string{})

	v.SetDefault("providers.deepseek.base_url", "https://api.deepseek.com")
	v.SetDefault("providers.deepseek.model", "deepseek-chat")
	v.SetDefault("providers.deepseek.api_key", "")

	v.SetDefault("relay.context_limit_tokens", 128000)
	v.SetDefault("relay.prompt_turns", 4)
	v.SetDefault("relay.history_mode", "turns")
	v.SetDefault("relay.history_limit", 10)
	v.SetDefault("relay.min_question_length", 2)
	v.SetDefault("relay.max_question_chars", 500)
	v.SetDefault("relay.max_answer_chars", 2000)

	v.SetDefault("session.key_mode", "cookie")
	v.SetDefault("session.store", "memory")
	v.SetDefault("session.ttl_minutes", 180)
	v.SetDefault("session.cookie_name", "relay_session")
	v.SetDefault("session.cleanup_interval_minutes", 30)
	v.SetDefault("session.cookie_same_site", "lax")

	v.SetDefault("rate_limit.per_second", 0)
	v.SetDefault("rate_limit.burst", 5)

	v.SetDefault("databases.sqlite3.dsn", "file:logosrelay.db?_busy_timeout=5000")
	v.SetDefault("databases.mysql.host", "127.0.0.1")
	v.SetDefault("databases.mysql.port", 3306)
	v.SetDefault("databases.mysql.params", "parseTime=true&loc=UTC&charset=utf8mb4")

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
}

// Load reads configuration from defaults, the optional JSON file at path
// (config.json in the working directory when empty) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		v.SetConfigFile(absPath)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", absPath, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	applyConventionalEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyConventionalEnv honours the un-prefixed variables hosting platforms set:
// PORT and <PROVIDER>_API_KEY (e.g. DEEPSEEK_API_KEY).
func applyConventionalEnv(cfg *Config) {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" && os.Getenv(EnvPrefix+"_BASIC_CONFIG_SERVER_ADDRESS") == "" {
		cfg.BasicConfig.ServerAddress = ":" + port
	}
	name := cfg.BasicConfig.Provider
	prov, ok := cfg.Providers[name]
	if !ok {
		return
	}
	if prov.APIKey == "" {
		envName := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name)) + "_API_KEY"
		prov.APIKey = strings.TrimSpace(os.Getenv(envName))
	}
	cfg.Providers[name] = prov
}

// Validate checks the values the service cannot start without. A missing API
// key is not an error here: the relay reports it per request.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BasicConfig.Provider) == "" {
		return errors.New("basic_config.provider must be configured")
	}
	if _, ok := c.Providers[c.BasicConfig.Provider]; !ok {
		return fmt.Errorf("provider %s not configured", c.BasicConfig.Provider)
	}
	if c.BasicConfig.RequestTimeoutSeconds <= 0 {
		return errors.New("basic_config.request_timeout_seconds must be positive")
	}
	if c.Relay.ContextLimitTokens <= 0 {
		return errors.New("relay.context_limit_tokens must be positive")
	}
	if c.Relay.PromptTurns < 0 {
		return errors.New("relay.prompt_turns cannot be negative")
	}
	switch strings.ToLower(c.Session.KeyMode) {
	case "cookie", "address":
	default:
		return fmt.Errorf("unsupported session.key_mode: %s", c.Session.KeyMode)
	}
	switch strings.ToLower(c.Session.CookieSameSite) {
	case "", "lax", "strict", "none":
	default:
		return fmt.Errorf("unsupported session.cookie_same_site: %s", c.Session.CookieSameSite)
	}
	switch strings.ToLower(c.Session.Store) {
	case "memory", "redis", "sqlite", "sqlite3", "mysql":
	default:
		return fmt.Errorf("unsupported session.store: %s", c.Session.Store)
	}
	if c.RateLimit.PerSecond < 0 {
		return errors.New("rate_limit.per_second cannot be negative")
	}
	return nil
}

// ActiveProvider returns the name and settings of the selected provider.
func (c *Config) ActiveProvider() (string, ProviderConfig) {
	name := c.BasicConfig.Provider
	return name, c.Providers[name]
}
