package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string         `mapstructure:"environment"`
	LogLevel    string         `mapstructure:"log_level"`
	Server      ServerConfig   `mapstructure:"server"`
	Database    DatabaseConfig `mapstructure:"database"`
	Redis       RedisConfig    `mapstructure:"redis"`
	API         APIConfig      `mapstructure:"api"`
	Harvest     HarvestConfig  `mapstructure:"harvest"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	DBName         string `mapstructure:"dbname"`
	SSLMode        string `mapstructure:"sslmode"`
	PoolSize       int    `mapstructure:"pool_size"`
	AcquireTimeout string `mapstructure:"acquire_timeout"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// APIConfig describes the upstream market-data API: data endpoints, the
// OAuth2 token endpoint, and the retry/pacing behavior applied to calls.
type APIConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	TokenURL          string  `mapstructure:"token_url"`
	Key               string  `mapstructure:"key"`
	ClientID          string  `mapstructure:"client_id"`
	ClientSecret      string  `mapstructure:"client_secret"`
	Timeout           int     `mapstructure:"timeout"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	MaxAttempts       int     `mapstructure:"max_attempts"`
	InitialDelay      string  `mapstructure:"initial_delay"`
	MaxDelay          string  `mapstructure:"max_delay"`
	ResultLimit       int     `mapstructure:"result_limit"`
}

type HarvestConfig struct {
	CycleInterval     string   `mapstructure:"cycle_interval"`
	Workers           int      `mapstructure:"workers"`
	Timeframes        []string `mapstructure:"timeframes"`
	CompatibilityFile string   `mapstructure:"compatibility_file"`
	CatalogFile       string   `mapstructure:"catalog_file"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Credentials only ever come from the environment.
	if err := viper.BindEnv("api.key", "MARKET_API_KEY"); err != nil {
		return nil, fmt.Errorf("failed to bind MARKET_API_KEY environment variable: %w", err)
	}
	if err := viper.BindEnv("api.client_id", "MARKET_CLIENT_ID"); err != nil {
		return nil, fmt.Errorf("failed to bind MARKET_CLIENT_ID environment variable: %w", err)
	}
	if err := viper.BindEnv("api.client_secret", "MARKET_CLIENT_SECRET"); err != nil {
		return nil, fmt.Errorf("failed to bind MARKET_CLIENT_SECRET environment variable: %w", err)
	}

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, use defaults and environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Environment = strings.ToLower(config.Environment)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate enforces the invariants main relies on before wiring components.
func (c *Config) Validate() error {
	if c.API.Key == "" {
		return errors.New("MARKET_API_KEY environment variable is required")
	}
	if c.API.ClientID == "" {
		return errors.New("MARKET_CLIENT_ID environment variable is required")
	}
	if c.API.ClientSecret == "" {
		return errors.New("MARKET_CLIENT_SECRET environment variable is required")
	}
	if c.Harvest.Workers <= 0 {
		return fmt.Errorf("harvest workers must be positive, got %d", c.Harvest.Workers)
	}
	if _, err := time.ParseDuration(c.Harvest.CycleInterval); err != nil {
		return fmt.Errorf("invalid harvest cycle interval: %w", err)
	}
	if _, err := time.ParseDuration(c.Database.AcquireTimeout); err != nil {
		return fmt.Errorf("invalid database acquire timeout: %w", err)
	}
	return nil
}

// CycleInterval returns the parsed harvest cycle interval. Validate has
// already rejected unparsable values.
func (c *Config) CycleInterval() time.Duration {
	d, _ := time.ParseDuration(c.Harvest.CycleInterval)
	return d
}

// AcquireTimeout returns the parsed connection pool acquire timeout.
func (c *Config) AcquireTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Database.AcquireTimeout)
	return d
}

func setDefaults() {
	// Environment
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	// Server
	viper.SetDefault("server.port", 8080)

	// Database
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "fundarb")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.pool_size", 10)
	viper.SetDefault("database.acquire_timeout", "3s")

	// Redis
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Market data API
	viper.SetDefault("api.base_url", "https://api.coinalyze.net/v1")
	viper.SetDefault("api.token_url", "https://api.coinalyze.net/oauth/token")
	viper.SetDefault("api.key", "")
	viper.SetDefault("api.client_id", "")
	viper.SetDefault("api.client_secret", "")
	viper.SetDefault("api.timeout", 15)
	viper.SetDefault("api.requests_per_second", 2.0)
	viper.SetDefault("api.max_attempts", 4)
	viper.SetDefault("api.initial_delay", "500ms")
	viper.SetDefault("api.max_delay", "30s")
	viper.SetDefault("api.result_limit", 500)

	// Harvest cycle
	viper.SetDefault("harvest.cycle_interval", "15m")
	viper.SetDefault("harvest.workers", 8)
	viper.SetDefault("harvest.timeframes", []string{"1m", "5m", "15m", "1h", "4h", "1d"})
	viper.SetDefault("harvest.compatibility_file", "configs/compatibility.json")
	viper.SetDefault("harvest.catalog_file", "configs/catalog.json")
}
