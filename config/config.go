package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	BrokerConfig       BrokerConfig       `json:"broker"`
	EngineConfig       EngineConfig       `json:"engine"`
	TrendConfig        TrendConfig        `json:"trend"`
	OrderConfig        OrderConfig        `json:"orders"`
	ReentryConfig      ReentryConfig      `json:"reentry"`
	ProfitBookConfig   ProfitBookConfig   `json:"profit_booking"`
	SafetyConfig       SafetyConfig       `json:"safety"`
	NotificationConfig NotificationConfig `json:"notification"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	VaultConfig        VaultConfig        `json:"vault"`
	ServerConfig       ServerConfig       `json:"server"`
}

// BrokerConfig holds broker connectivity settings. Credentials come from
// Vault when enabled; the plain fields are a local-development fallback.
type BrokerConfig struct {
	BaseURL        string        `json:"base_url"`
	StreamURL      string        `json:"stream_url"`
	APIKey         string        `json:"api_key"`
	SecretKey      string        `json:"secret_key"`
	CallTimeout    time.Duration `json:"call_timeout"`
	PaperMode      bool          `json:"paper_mode"`
	PaperSlippage  float64       `json:"paper_slippage"`
	ReconnectDelay time.Duration `json:"reconnect_delay"`
}

// EngineConfig holds top-level signal engine settings
type EngineConfig struct {
	ShadowMode     bool `json:"shadow_mode"`      // Run the full pipeline without broker calls
	QueueSize      int  `json:"queue_size"`       // Per-stream signal buffer
	DropStaleAfter int  `json:"drop_stale_after"` // Seconds after which a queued signal is stale
}

type TrendConfig struct {
	FailOpen      bool          `json:"fail_open"`      // Approve when the trend service is unavailable
	QuorumPillars int           `json:"quorum_pillars"` // Pillars that must agree (of 4)
	CacheTTL      time.Duration `json:"cache_ttl"`
}

type OrderConfig struct {
	RewardRatio       float64 `json:"reward_ratio"`        // Role A TP multiple of risk distance
	TrailActivateFrac float64 `json:"trail_activate_frac"` // Fraction of risk distance before trailing starts
	TrailStepFrac     float64 `json:"trail_step_frac"`     // Tighten step as fraction of risk distance
	FixedRiskUSD      float64 `json:"fixed_risk_usd"`      // Role B dollar loss at SL
	LotStep           float64 `json:"lot_step"`            // Broker lot rounding step
	MinLot            float64 `json:"min_lot"`
	MaxLot            float64 `json:"max_lot"`
	RiskPercent       float64 `json:"risk_percent"`        // Account % risked per role A order
	StructuralSLFrac  float64 `json:"structural_sl_frac"`  // Stop distance as fraction of entry when the alert carries no level
}

type ReentryConfig struct {
	SLHuntEnabled           bool          `json:"sl_hunt_enabled"`
	MaxChainLevels          int           `json:"max_chain_levels"`
	RiskReductionFactor     float64       `json:"risk_reduction_factor"` // SL distance multiplier per level
	TPContinuationEnabled   bool          `json:"tp_continuation_enabled"`
	ExitContinuationEnabled bool          `json:"exit_continuation_enabled"`
	ContinuationWindow      time.Duration `json:"continuation_window"`
}

type ProfitBookConfig struct {
	Enabled      bool    `json:"enabled"`
	MinProfitUSD float64 `json:"min_profit_usd"` // Per-order profit target
	MaxLevel     int     `json:"max_level"`      // Levels 0..MaxLevel, 2^n orders per level
}

type SafetyConfig struct {
	DailyLossCapUSD     float64       `json:"daily_loss_cap_usd"`
	LifetimeLossCapUSD  float64       `json:"lifetime_loss_cap_usd"`
	MaxConcurrentOrders int           `json:"max_concurrent_orders"`
	MaxDailyTrades      int           `json:"max_daily_trades"`
	LockoutDuration     time.Duration `json:"lockout_duration"`    // Reverse Shield cooldown
	ProfitRetraceFrac   float64       `json:"profit_retrace_frac"` // Lock out once day profit gives back this fraction of its peak
	ResetHourUTC        int           `json:"reset_hour_utc"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Output     string `json:"output"`      // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"` // Console writer when false
}

type NotificationConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
	MinLevel   string `json:"min_level"` // low, medium, high
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url"`
	MaxConns int    `json:"max_conns"`
}

// RedisConfig holds Redis settings used for continuation-intent windows
// and safety-state snapshots.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`
	WriteTimeout    int    `json:"write_timeout"`
	ShutdownTimeout int    `json:"shutdown_timeout"`
	WebhookSecret   string `json:"webhook_secret"` // Shared token on the alert endpoint
}

func Load() (*Config, error) {
	// Base config from file, environment overrides on top
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Broker
	cfg.BrokerConfig.BaseURL = getEnvOrDefault("BROKER_BASE_URL", cfg.BrokerConfig.BaseURL)
	cfg.BrokerConfig.StreamURL = getEnvOrDefault("BROKER_STREAM_URL", cfg.BrokerConfig.StreamURL)
	cfg.BrokerConfig.APIKey = getEnvOrDefault("BROKER_API_KEY", cfg.BrokerConfig.APIKey)
	cfg.BrokerConfig.SecretKey = getEnvOrDefault("BROKER_SECRET_KEY", cfg.BrokerConfig.SecretKey)
	cfg.BrokerConfig.PaperMode = getEnvOrDefault("BROKER_PAPER_MODE", "true") == "true"
	cfg.BrokerConfig.CallTimeout = getEnvDurationOrDefault("BROKER_CALL_TIMEOUT", 5*time.Second)
	cfg.BrokerConfig.ReconnectDelay = getEnvDurationOrDefault("BROKER_RECONNECT_DELAY", 5*time.Second)
	if cfg.BrokerConfig.PaperSlippage == 0 {
		cfg.BrokerConfig.PaperSlippage = getEnvFloatOrDefault("BROKER_PAPER_SLIPPAGE", 0.0)
	}

	// Engine
	cfg.EngineConfig.ShadowMode = getEnvOrDefault("ENGINE_SHADOW_MODE", "false") == "true"
	cfg.EngineConfig.QueueSize = getEnvIntOrDefault("ENGINE_QUEUE_SIZE", 64)
	cfg.EngineConfig.DropStaleAfter = getEnvIntOrDefault("ENGINE_DROP_STALE_AFTER", 120)

	// Trend gate
	cfg.TrendConfig.FailOpen = getEnvOrDefault("TREND_FAIL_OPEN", "true") == "true"
	cfg.TrendConfig.QuorumPillars = getEnvIntOrDefault("TREND_QUORUM_PILLARS", 3)
	cfg.TrendConfig.CacheTTL = getEnvDurationOrDefault("TREND_CACHE_TTL", 30*time.Second)

	// Orders
	cfg.OrderConfig.RewardRatio = getEnvFloatOrDefault("ORDER_REWARD_RATIO", 2.0)
	cfg.OrderConfig.TrailActivateFrac = getEnvFloatOrDefault("ORDER_TRAIL_ACTIVATE_FRAC", 0.5)
	cfg.OrderConfig.TrailStepFrac = getEnvFloatOrDefault("ORDER_TRAIL_STEP_FRAC", 0.25)
	cfg.OrderConfig.FixedRiskUSD = getEnvFloatOrDefault("ORDER_FIXED_RISK_USD", 10.0)
	cfg.OrderConfig.LotStep = getEnvFloatOrDefault("ORDER_LOT_STEP", 0.01)
	cfg.OrderConfig.MinLot = getEnvFloatOrDefault("ORDER_MIN_LOT", 0.01)
	cfg.OrderConfig.MaxLot = getEnvFloatOrDefault("ORDER_MAX_LOT", 10.0)
	cfg.OrderConfig.RiskPercent = getEnvFloatOrDefault("ORDER_RISK_PERCENT", 1.0)
	cfg.OrderConfig.StructuralSLFrac = getEnvFloatOrDefault("ORDER_STRUCTURAL_SL_FRAC", 0.005)

	// Re-entry chains
	cfg.ReentryConfig.SLHuntEnabled = getEnvOrDefault("REENTRY_SL_HUNT_ENABLED", "true") == "true"
	cfg.ReentryConfig.MaxChainLevels = getEnvIntOrDefault("REENTRY_MAX_CHAIN_LEVELS", 3)
	cfg.ReentryConfig.RiskReductionFactor = getEnvFloatOrDefault("REENTRY_RISK_REDUCTION", 0.5)
	cfg.ReentryConfig.TPContinuationEnabled = getEnvOrDefault("REENTRY_TP_CONTINUATION", "true") == "true"
	cfg.ReentryConfig.ExitContinuationEnabled = getEnvOrDefault("REENTRY_EXIT_CONTINUATION", "true") == "true"
	cfg.ReentryConfig.ContinuationWindow = getEnvDurationOrDefault("REENTRY_CONTINUATION_WINDOW", 30*time.Minute)

	// Profit booking
	cfg.ProfitBookConfig.Enabled = getEnvOrDefault("PROFIT_BOOKING_ENABLED", "true") == "true"
	cfg.ProfitBookConfig.MinProfitUSD = getEnvFloatOrDefault("PROFIT_BOOKING_MIN_USD", 7.0)
	cfg.ProfitBookConfig.MaxLevel = getEnvIntOrDefault("PROFIT_BOOKING_MAX_LEVEL", 4)

	// Safety governor
	cfg.SafetyConfig.DailyLossCapUSD = getEnvFloatOrDefault("SAFETY_DAILY_LOSS_CAP", 100.0)
	cfg.SafetyConfig.LifetimeLossCapUSD = getEnvFloatOrDefault("SAFETY_LIFETIME_LOSS_CAP", 1000.0)
	cfg.SafetyConfig.MaxConcurrentOrders = getEnvIntOrDefault("SAFETY_MAX_CONCURRENT", 40)
	cfg.SafetyConfig.MaxDailyTrades = getEnvIntOrDefault("SAFETY_MAX_DAILY_TRADES", 100)
	cfg.SafetyConfig.LockoutDuration = getEnvDurationOrDefault("SAFETY_LOCKOUT_DURATION", 30*time.Minute)
	cfg.SafetyConfig.ProfitRetraceFrac = getEnvFloatOrDefault("SAFETY_PROFIT_RETRACE_FRAC", 0.5)
	cfg.SafetyConfig.ResetHourUTC = getEnvIntOrDefault("SAFETY_RESET_HOUR_UTC", 0)

	// Notification
	cfg.NotificationConfig.Enabled = getEnvOrDefault("NOTIFICATIONS_ENABLED", "false") == "true"
	cfg.NotificationConfig.WebhookURL = getEnvOrDefault("NOTIFICATION_WEBHOOK_URL", cfg.NotificationConfig.WebhookURL)
	cfg.NotificationConfig.MinLevel = getEnvOrDefault("NOTIFICATION_MIN_LEVEL", "medium")

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"

	// Database
	cfg.DatabaseConfig.Enabled = getEnvOrDefault("DATABASE_ENABLED", "true") == "true"
	cfg.DatabaseConfig.URL = getEnvOrDefault("DATABASE_URL", cfg.DatabaseConfig.URL)
	cfg.DatabaseConfig.MaxConns = getEnvIntOrDefault("DATABASE_MAX_CONNS", 10)

	// Redis
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "false") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", "localhost:6379")
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", 0)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)

	// Vault
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "signal-engine/broker-keys")
	cfg.VaultConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true"

	// Server
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", 8080)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", "0.0.0.0")
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*")
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", 30)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", 30)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10)
	cfg.ServerConfig.WebhookSecret = getEnvOrDefault("WEBHOOK_SECRET", cfg.ServerConfig.WebhookSecret)
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
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

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
