package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Exchange     ExchangeConfig     `json:"exchange"`
	Trading      TradingConfig      `json:"trading"`
	Database     DatabaseConfig     `json:"database"`
	Redis        RedisConfig        `json:"redis"`
	Vault        VaultConfig        `json:"vault"`
	PriceFeed    PriceFeedConfig    `json:"price_feed"`
	Notification NotificationConfig `json:"notification"`
	Server       ServerConfig       `json:"server"`
	Auth         AuthConfig         `json:"auth"`
	Logging      LoggingConfig      `json:"logging"`
}

// ExchangeConfig holds the REST gateway connection. Credentials come from
// the environment or Vault, never from the JSON file.
type ExchangeConfig struct {
	BaseURL   string        `json:"base_url"`
	APIKey    string        `json:"-"`
	SecretKey string        `json:"-"`
	Timeout   time.Duration `json:"timeout"`
}

// TradingConfig holds the order pipeline knobs. LiveTrading here is the
// boot default; the monitor re-reads the LIVE_TRADING runtime setting every
// cycle so the gate can flip without a restart.
type TradingConfig struct {
	LiveTrading          bool    `json:"live_trading"`
	MaxOpenPerSymbol     int     `json:"max_open_per_symbol"`
	MaxOpenGlobal        int     `json:"max_open_global"`
	EnforceGlobalCap     bool    `json:"enforce_global_cap"`
	MinPriceChangePct    float64 `json:"min_price_change_pct"`
	AlertCooldownMinutes int     `json:"alert_cooldown_minutes"`
	DefaultLeverage      int     `json:"default_configured_leverage"`
	EquityFieldOverride  string  `json:"portfolio_equity_field_override"`

	MonitorIntervalSeconds int    `json:"monitor_interval_seconds"`
	CandleInterval         string `json:"candle_interval"`
	SyncIntervalSeconds    int    `json:"sync_interval_seconds"`
	CheckIntervalMinutes   int    `json:"check_interval_minutes"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"-"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds the optional quote cache backend. Disabled keeps the
// price cache memory-only.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

// VaultConfig holds the optional HashiCorp Vault credential source.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"-"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type PriceFeedConfig struct {
	IndicatorURL string        `json:"indicator_url"`
	FallbackURL  string        `json:"fallback_url"`
	Timeout      time.Duration `json:"timeout"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"-"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"-"`
}

type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`     // Seconds
	WriteTimeout    int    `json:"write_timeout"`    // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// AuthConfig guards the read-model API. Single operator: one username, one
// bcrypt hash, JWT bearer tokens.
type AuthConfig struct {
	Enabled          bool          `json:"enabled"`
	JWTSecret        string        `json:"-"`
	TokenDuration    time.Duration `json:"token_duration"`
	OperatorUser     string        `json:"operator_user"`
	OperatorPassHash string        `json:"-"`
}

type LoggingConfig struct {
	Level      string `json:"level"`  // debug, info, warn, error
	Output     string `json:"output"` // stdout, stderr, or file path
	Pretty     bool   `json:"pretty"` // console writer instead of JSON
	WithCaller bool   `json:"with_caller"`
}

// Load reads an optional JSON file then applies environment overrides,
// which always win. An empty path means ./config.json; a missing file is
// not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	cfg, err := loadFromFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Exchange. Credentials may instead come from Vault; main prefers
	// Vault when it is enabled.
	cfg.Exchange.BaseURL = getEnvOrDefault("EXCHANGE_BASE_URL", cfg.Exchange.BaseURL)
	if cfg.Exchange.BaseURL == "" {
		cfg.Exchange.BaseURL = "https://api.crypto.com/exchange/v1"
	}
	cfg.Exchange.APIKey = getEnvOrDefault("EXCHANGE_API_KEY", cfg.Exchange.APIKey)
	cfg.Exchange.SecretKey = getEnvOrDefault("EXCHANGE_SECRET_KEY", cfg.Exchange.SecretKey)
	cfg.Exchange.Timeout = getEnvDurationOrDefault("EXCHANGE_TIMEOUT", 30*time.Second)

	// Trading pipeline.
	cfg.Trading.LiveTrading = getEnvBoolOrDefault("LIVE_TRADING", cfg.Trading.LiveTrading)
	cfg.Trading.MaxOpenPerSymbol = getEnvIntOrDefault("MAX_OPEN_PER_SYMBOL", defaultInt(cfg.Trading.MaxOpenPerSymbol, 3))
	cfg.Trading.MaxOpenGlobal = getEnvIntOrDefault("MAX_OPEN_GLOBAL", cfg.Trading.MaxOpenGlobal)
	cfg.Trading.EnforceGlobalCap = getEnvBoolOrDefault("ENFORCE_GLOBAL_CAP", cfg.Trading.EnforceGlobalCap)
	cfg.Trading.MinPriceChangePct = getEnvFloatOrDefault("MIN_PRICE_CHANGE_PCT", defaultFloat(cfg.Trading.MinPriceChangePct, 1.0))
	cfg.Trading.AlertCooldownMinutes = getEnvIntOrDefault("ALERT_COOLDOWN_MINUTES", defaultInt(cfg.Trading.AlertCooldownMinutes, 5))
	cfg.Trading.DefaultLeverage = getEnvIntOrDefault("DEFAULT_CONFIGURED_LEVERAGE", defaultInt(cfg.Trading.DefaultLeverage, 10))
	cfg.Trading.EquityFieldOverride = getEnvOrDefault("PORTFOLIO_EQUITY_FIELD_OVERRIDE", cfg.Trading.EquityFieldOverride)
	cfg.Trading.MonitorIntervalSeconds = getEnvIntOrDefault("MONITOR_INTERVAL_SECONDS", defaultInt(cfg.Trading.MonitorIntervalSeconds, 30))
	cfg.Trading.CandleInterval = getEnvOrDefault("CANDLE_INTERVAL", defaultStr(cfg.Trading.CandleInterval, "1h"))
	cfg.Trading.SyncIntervalSeconds = getEnvIntOrDefault("SYNC_INTERVAL_SECONDS", defaultInt(cfg.Trading.SyncIntervalSeconds, 60))
	cfg.Trading.CheckIntervalMinutes = getEnvIntOrDefault("CHECK_INTERVAL_MINUTES", defaultInt(cfg.Trading.CheckIntervalMinutes, 60))

	// Database.
	cfg.Database.Host = getEnvOrDefault("DB_HOST", defaultStr(cfg.Database.Host, "localhost"))
	cfg.Database.Port = getEnvIntOrDefault("DB_PORT", defaultInt(cfg.Database.Port, 5432))
	cfg.Database.User = getEnvOrDefault("DB_USER", defaultStr(cfg.Database.User, "trading"))
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnvOrDefault("DB_NAME", defaultStr(cfg.Database.Database, "trading_agent"))
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", defaultStr(cfg.Database.SSLMode, "disable"))

	// Redis quote cache.
	cfg.Redis.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", defaultStr(cfg.Redis.Address, "localhost:6379"))
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvIntOrDefault("REDIS_DB", cfg.Redis.DB)

	// Vault credential source.
	cfg.Vault.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.Vault.Enabled)
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", defaultStr(cfg.Vault.Address, "http://localhost:8200"))
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)
	cfg.Vault.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", defaultStr(cfg.Vault.MountPath, "secret"))
	cfg.Vault.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", defaultStr(cfg.Vault.SecretPath, "trading-agent/exchange-keys"))
	cfg.Vault.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.Vault.TLSEnabled)
	cfg.Vault.CACert = getEnvOrDefault("VAULT_CACERT", cfg.Vault.CACert)

	// Price feed.
	cfg.PriceFeed.IndicatorURL = getEnvOrDefault("INDICATOR_SERVICE_URL", cfg.PriceFeed.IndicatorURL)
	cfg.PriceFeed.FallbackURL = getEnvOrDefault("PRICE_FALLBACK_URL", cfg.PriceFeed.FallbackURL)
	cfg.PriceFeed.Timeout = getEnvDurationOrDefault("PRICE_FEED_TIMEOUT", 10*time.Second)

	// Notifications.
	cfg.Notification.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.Notification.Enabled)
	cfg.Notification.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.Notification.Telegram.Enabled)
	cfg.Notification.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.Notification.Telegram.BotToken)
	cfg.Notification.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.Notification.Telegram.ChatID)
	cfg.Notification.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", cfg.Notification.Discord.Enabled)
	cfg.Notification.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.Notification.Discord.WebhookURL)

	// API server.
	cfg.Server.Port = getEnvIntOrDefault("WEB_PORT", defaultInt(cfg.Server.Port, 8080))
	cfg.Server.Host = getEnvOrDefault("WEB_HOST", defaultStr(cfg.Server.Host, "0.0.0.0"))
	cfg.Server.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", defaultStr(cfg.Server.AllowedOrigins, "*"))
	cfg.Server.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", defaultInt(cfg.Server.ReadTimeout, 30))
	cfg.Server.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", defaultInt(cfg.Server.WriteTimeout, 30))
	cfg.Server.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", defaultInt(cfg.Server.ShutdownTimeout, 30))

	// Auth.
	cfg.Auth.Enabled = getEnvBoolOrDefault("AUTH_ENABLED", cfg.Auth.Enabled)
	cfg.Auth.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.TokenDuration = getEnvDurationOrDefault("AUTH_TOKEN_DURATION", 12*time.Hour)
	cfg.Auth.OperatorUser = getEnvOrDefault("AUTH_OPERATOR_USER", defaultStr(cfg.Auth.OperatorUser, "operator"))
	cfg.Auth.OperatorPassHash = getEnvOrDefault("AUTH_OPERATOR_PASSWORD_HASH", cfg.Auth.OperatorPassHash)

	// Logging.
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", defaultStr(cfg.Logging.Level, "info"))
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", defaultStr(cfg.Logging.Output, "stdout"))
	cfg.Logging.Pretty = getEnvBoolOrDefault("LOG_PRETTY", cfg.Logging.Pretty)
	cfg.Logging.WithCaller = getEnvBoolOrDefault("LOG_CALLER", cfg.Logging.WithCaller)
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Trading.LiveTrading && c.Exchange.APIKey == "" && !c.Vault.Enabled {
		return fmt.Errorf("live trading requires exchange credentials (env or Vault)")
	}
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("AUTH_JWT_SECRET is required when auth is enabled")
		}
		if c.Auth.OperatorPassHash == "" {
			return fmt.Errorf("AUTH_OPERATOR_PASSWORD_HASH is required when auth is enabled")
		}
	}
	if c.Trading.MaxOpenPerSymbol < 0 || c.Trading.MinPriceChangePct < 0 {
		return fmt.Errorf("trading limits must not be negative")
	}
	return nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// defaultStr and friends let a JSON-file value survive when no env override
// exists, while still backfilling a default when both are absent.
func defaultStr(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func defaultInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

func defaultFloat(v, def float64) float64 {
	if v != 0 {
		return v
	}
	return def
}

// GenerateSampleConfig writes a starter configuration file. Secrets are
// intentionally absent: they come from the environment or Vault.
func GenerateSampleConfig(filename string) error {
	config := Config{
		Exchange: ExchangeConfig{
			BaseURL: "https://api.crypto.com/exchange/v1",
			Timeout: 30 * time.Second,
		},
		Trading: TradingConfig{
			LiveTrading:            false,
			MaxOpenPerSymbol:       3,
			MinPriceChangePct:      1.0,
			AlertCooldownMinutes:   5,
			DefaultLeverage:        10,
			MonitorIntervalSeconds: 30,
			CandleInterval:         "1h",
			SyncIntervalSeconds:    60,
			CheckIntervalMinutes:   60,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "trading",
			Database: "trading_agent",
			SSLMode:  "disable",
		},
		Redis: RedisConfig{
			Enabled: false,
			Address: "localhost:6379",
		},
		Notification: NotificationConfig{
			Enabled: false,
			Telegram: TelegramConfig{
				Enabled: false,
				ChatID:  "",
			},
		},
		Server: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			AllowedOrigins:  "*",
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
