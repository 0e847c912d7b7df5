package config

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// TelegramConfig holds bot credentials and the optional ops chat for system logs.
type TelegramConfig struct {
	BotToken        string  `mapstructure:"bot_token"`
	OpsChatID       int64   `mapstructure:"ops_chat_id"`
	SendRatePerSec  float64 `mapstructure:"send_rate_per_sec"`
	SendBurst       int     `mapstructure:"send_burst"`
	MaxSendAttempts int     `mapstructure:"max_send_attempts"`
	CommandsEnabled bool    `mapstructure:"commands_enabled"`
}

// ProviderConfig configures the price data providers in fallback order.
type ProviderConfig struct {
	Order           []string      `mapstructure:"order"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	DexScreenerURL  string        `mapstructure:"dexscreener_url"`
	DexScreenerRate float64       `mapstructure:"dexscreener_rate"`
	BirdeyeURL      string        `mapstructure:"birdeye_url"`
	BirdeyeAPIKey   string        `mapstructure:"birdeye_api_key"`
	BirdeyeRate     float64       `mapstructure:"birdeye_rate"`
}

// RetryConfig is an explicit bounded retry policy.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// TrackerConfig is the recognized configuration surface of the monitoring engine.
type TrackerConfig struct {
	RefreshInterval       time.Duration `mapstructure:"refresh_interval"`
	MultiplierLevels      []float64     `mapstructure:"multiplier_levels"`
	LossLevels            []float64     `mapstructure:"loss_levels"`
	RugLevel              float64       `mapstructure:"rug_level"`
	AutoRemoveLoss        float64       `mapstructure:"auto_remove_loss"`
	ZeroLiquidityRemoval  bool          `mapstructure:"zero_liquidity_removal"`
	LiquidityFloorUSD     float64       `mapstructure:"liquidity_floor_usd"`
	SmallCapFloorUSD      float64       `mapstructure:"small_cap_floor_usd"`
	AlertCooldown         time.Duration `mapstructure:"alert_cooldown"`
	BaselineConfirmations int           `mapstructure:"baseline_confirmations"`
	FetchBatchSize        int           `mapstructure:"fetch_batch_size"`
	FetchTimeout          time.Duration `mapstructure:"fetch_timeout"`
	DispatchParallelism   int           `mapstructure:"dispatch_parallelism"`
	MaxTokensPerGroup     int           `mapstructure:"max_tokens_per_group"`
	DelistAfterMisses     int           `mapstructure:"delist_after_misses"`
	RegistrationRetry     RetryConfig   `mapstructure:"registration_retry"`
}

// Config defines the global configuration structure
type Config struct {
	App struct {
		Port              string        `mapstructure:"port"`
		Environment       string        `mapstructure:"environment"`
		APISecret         string        `mapstructure:"api_secret"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	} `mapstructure:"app"`

	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`

	Database struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"database"`

	Telegram  TelegramConfig `mapstructure:"telegram"`
	Providers ProviderConfig `mapstructure:"providers"`
	Tracker   TrackerConfig  `mapstructure:"tracker"`
}

var (
	globalConfig *Config
	configLock   sync.RWMutex
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.heartbeat_interval", 8*time.Minute)
	v.SetDefault("logging.level", "info")

	v.SetDefault("telegram.send_rate_per_sec", 20.0)
	v.SetDefault("telegram.send_burst", 5)
	v.SetDefault("telegram.max_send_attempts", 3)
	v.SetDefault("telegram.commands_enabled", true)

	v.SetDefault("providers.order", []string{"dexscreener", "birdeye"})
	v.SetDefault("providers.request_timeout", 10*time.Second)
	v.SetDefault("providers.dexscreener_url", "https://api.dexscreener.com/tokens/v1/solana")
	v.SetDefault("providers.dexscreener_rate", 4.66)
	v.SetDefault("providers.birdeye_url", "https://public-api.birdeye.so")
	v.SetDefault("providers.birdeye_rate", 1.0)

	v.SetDefault("tracker.refresh_interval", 10*time.Second)
	v.SetDefault("tracker.multiplier_levels", []float64{2, 3, 5, 8, 10, 15, 20, 25, 30, 40, 50, 75, 100})
	v.SetDefault("tracker.loss_levels", []float64{-30, -50, -70})
	v.SetDefault("tracker.rug_level", -75.0)
	v.SetDefault("tracker.auto_remove_loss", -80.0)
	v.SetDefault("tracker.zero_liquidity_removal", true)
	v.SetDefault("tracker.liquidity_floor_usd", 100.0)
	v.SetDefault("tracker.small_cap_floor_usd", 10000.0)
	v.SetDefault("tracker.alert_cooldown", 60*time.Second)
	v.SetDefault("tracker.baseline_confirmations", 3)
	v.SetDefault("tracker.fetch_batch_size", 20)
	v.SetDefault("tracker.fetch_timeout", 8*time.Second)
	v.SetDefault("tracker.dispatch_parallelism", 10)
	v.SetDefault("tracker.max_tokens_per_group", 100)
	v.SetDefault("tracker.delist_after_misses", 30)
	v.SetDefault("tracker.registration_retry.max_attempts", 3)
	v.SetDefault("tracker.registration_retry.initial_interval", 500*time.Millisecond)
	v.SetDefault("tracker.registration_retry.max_interval", 3*time.Second)
}

// LoadConfig loads configuration from the specified file path and merges it with environment variables.
// A missing file is tolerated; defaults and the environment still apply.
func LoadConfig(path string) (*Config, error) {
	log.Printf("Starting to load configuration from file: %s", path)

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("APP")
	v.AutomaticEnv()

	bindings := map[string]string{
		"app.port":                  "PORT",
		"app.environment":           "ENVIRONMENT",
		"app.api_secret":            "API_SECRET",
		"logging.level":             "LOG_LEVEL",
		"database.url":              "DATABASE_URL",
		"telegram.bot_token":        "TELEGRAM_BOT_TOKEN",
		"telegram.ops_chat_id":      "OPS_CHAT_ID",
		"providers.birdeye_api_key": "BIRDEYE_API_KEY",
		"tracker.refresh_interval":  "PRICE_CHECK_INTERVAL",
		"tracker.alert_cooldown":    "ALERT_COOLDOWN",
	}
	for key, envVar := range bindings {
		if err := v.BindEnv(key, envVar); err != nil {
			return nil, fmt.Errorf("failed to bind %s to %s: %w", key, envVar, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Printf("Warning: Could not read config file: %v", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		log.Printf("Error unmarshalling configuration: %v", err)
		return nil, err
	}

	log.Printf("Loaded configuration (environment: %s, refresh interval: %s)", cfg.App.Environment, cfg.Tracker.RefreshInterval)
	return &cfg, nil
}

// SetGlobalConfig sets the loaded configuration globally
func SetGlobalConfig(cfg *Config) {
	configLock.Lock()
	defer configLock.Unlock()
	globalConfig = cfg
}

// GetGlobalConfig retrieves the globally set configuration
func GetGlobalConfig() *Config {
	configLock.RLock()
	defer configLock.RUnlock()
	if globalConfig == nil {
		log.Println("GetGlobalConfig: Global configuration is nil.")
	}
	return globalConfig
}
