package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the engine configuration
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Polling   PollingConfig    `mapstructure:"polling"`
	WorkRules WorkRulesConfig  `mapstructure:"work_rules"`
	Identity  IdentityConfig   `mapstructure:"identity"`
	Ingestion IngestionConfig  `mapstructure:"ingestion"`
	Terminals []TerminalConfig `mapstructure:"terminals"`
	// TerminalsFile optionally points to a standalone YAML fleet file.
	// Entries from the file are appended to the inline list.
	TerminalsFile string           `mapstructure:"terminals_file"`
	Monitoring    MonitoringConfig `mapstructure:"monitoring"`
	Logging       LoggingConfig    `mapstructure:"logging"`
	Shutdown      ShutdownConfig   `mapstructure:"shutdown"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// TerminalConfig describes one physical attendance terminal
type TerminalConfig struct {
	ID       string `mapstructure:"id" yaml:"id"`
	Address  string `mapstructure:"address" yaml:"address"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Location string `mapstructure:"location" yaml:"location"`
}

// PollingConfig contains scheduler settings
type PollingConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	FetchTimeout       time.Duration `mapstructure:"fetch_timeout"`
	BackoffInitial     time.Duration `mapstructure:"backoff_initial"`
	BackoffMax         time.Duration `mapstructure:"backoff_max"`
	DegradedThreshold  int           `mapstructure:"degraded_threshold"`
	DegradedInterval   time.Duration `mapstructure:"degraded_interval"`
	HeldReplayInterval time.Duration `mapstructure:"held_replay_interval"`
}

// WorkRulesConfig contains the attendance classification rules
type WorkRulesConfig struct {
	// ShiftStart is a wall-clock time in 15:04 format.
	ShiftStart       string  `mapstructure:"shift_start"`
	GraceMinutes     int     `mapstructure:"grace_minutes"`
	StandardHours    float64 `mapstructure:"standard_hours"`
	HalfDayThreshold float64 `mapstructure:"half_day_threshold"`
	ToleranceMinutes int     `mapstructure:"tolerance_minutes"`
	Timezone         string  `mapstructure:"timezone"`
}

// IdentityConfig contains employee mapping settings
type IdentityConfig struct {
	AutoProvision bool `mapstructure:"auto_provision"`
}

// IngestionConfig bounds the dedup cache and the plausible timestamp range
type IngestionConfig struct {
	DedupWindow     time.Duration `mapstructure:"dedup_window"`
	DedupMaxKeys    int           `mapstructure:"dedup_max_keys"`
	MaxFutureSkew   time.Duration `mapstructure:"max_future_skew"`
	MaxPastSkew     time.Duration `mapstructure:"max_past_skew"`
	PushBatchLimit  int           `mapstructure:"push_batch_limit"`
	FetchBatchLimit int           `mapstructure:"fetch_batch_limit"`
}

// MonitoringConfig contains monitoring and metrics settings
type MonitoringConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// ShutdownConfig contains graceful shutdown settings
type ShutdownConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.TerminalsFile != "" {
		fleet, err := LoadTerminalsFile(config.TerminalsFile)
		if err != nil {
			return nil, err
		}
		config.Terminals = append(config.Terminals, fleet...)
	}

	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// LoadTerminalsFile reads a standalone YAML terminal fleet file
func LoadTerminalsFile(path string) ([]TerminalConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read terminals file: %w", err)
	}

	var fleet struct {
		Terminals []TerminalConfig `yaml:"terminals"`
	}
	if err := yaml.Unmarshal(data, &fleet); err != nil {
		return nil, fmt.Errorf("failed to parse terminals file: %w", err)
	}
	return fleet.Terminals, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.database", "attendance")

	// Polling defaults
	viper.SetDefault("polling.interval", "30s")
	viper.SetDefault("polling.connect_timeout", "5s")
	viper.SetDefault("polling.fetch_timeout", "20s")
	viper.SetDefault("polling.backoff_initial", "10s")
	viper.SetDefault("polling.backoff_max", "5m")
	viper.SetDefault("polling.degraded_threshold", 5)
	viper.SetDefault("polling.degraded_interval", "5m")
	viper.SetDefault("polling.held_replay_interval", "2m")

	// Work rule defaults
	viper.SetDefault("work_rules.shift_start", "09:00")
	viper.SetDefault("work_rules.grace_minutes", 10)
	viper.SetDefault("work_rules.standard_hours", 9)
	viper.SetDefault("work_rules.half_day_threshold", 4.5)
	viper.SetDefault("work_rules.tolerance_minutes", 15)
	viper.SetDefault("work_rules.timezone", "Local")

	// Identity defaults
	viper.SetDefault("identity.auto_provision", true)

	// Ingestion defaults
	viper.SetDefault("ingestion.dedup_window", "24h")
	viper.SetDefault("ingestion.dedup_max_keys", 10000)
	viper.SetDefault("ingestion.max_future_skew", "24h")
	viper.SetDefault("ingestion.max_past_skew", "168h")
	viper.SetDefault("ingestion.push_batch_limit", 1000)
	viper.SetDefault("ingestion.fetch_batch_limit", 5000)

	// Monitoring defaults
	viper.SetDefault("monitoring.enabled", true)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output_path", "stdout")

	// Shutdown defaults
	viper.SetDefault("shutdown.timeout", "30s")
	viper.SetDefault("shutdown.drain_timeout", "15s")
}

// Validate rejects configurations the engine cannot run with.
// These are startup-fatal: the service refuses to start rather than
// run with undefined behavior.
func Validate(config *Config) error {
	if config.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if len(config.Terminals) == 0 {
		return fmt.Errorf("at least one terminal must be configured")
	}
	seen := make(map[string]bool, len(config.Terminals))
	for _, t := range config.Terminals {
		if t.ID == "" {
			return fmt.Errorf("terminal id is required")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate terminal id %q", t.ID)
		}
		seen[t.ID] = true
		if t.Address == "" {
			return fmt.Errorf("terminal %s: address is required", t.ID)
		}
		if t.Port <= 0 || t.Port > 65535 {
			return fmt.Errorf("terminal %s: invalid port %d", t.ID, t.Port)
		}
	}
	if config.Polling.Interval <= 0 {
		return fmt.Errorf("polling.interval must be positive")
	}
	if config.Polling.ConnectTimeout <= 0 || config.Polling.FetchTimeout <= 0 {
		return fmt.Errorf("polling timeouts must be positive")
	}
	if config.Polling.BackoffInitial <= 0 || config.Polling.BackoffMax < config.Polling.BackoffInitial {
		return fmt.Errorf("invalid polling backoff configuration")
	}
	if _, err := time.Parse("15:04", config.WorkRules.ShiftStart); err != nil {
		return fmt.Errorf("work_rules.shift_start must be in HH:MM format: %w", err)
	}
	if config.WorkRules.StandardHours <= 0 {
		return fmt.Errorf("work_rules.standard_hours must be positive")
	}
	if config.WorkRules.HalfDayThreshold <= 0 || config.WorkRules.HalfDayThreshold > config.WorkRules.StandardHours {
		return fmt.Errorf("work_rules.half_day_threshold must be positive and below standard_hours")
	}
	if config.WorkRules.GraceMinutes < 0 || config.WorkRules.ToleranceMinutes < 0 {
		return fmt.Errorf("work_rules minutes must not be negative")
	}
	if _, err := time.LoadLocation(config.WorkRules.Timezone); err != nil {
		return fmt.Errorf("work_rules.timezone is invalid: %w", err)
	}
	if config.Ingestion.DedupWindow <= 0 || config.Ingestion.DedupMaxKeys <= 0 {
		return fmt.Errorf("invalid ingestion dedup configuration")
	}
	return nil
}

// GetConnectionString returns a PostgreSQL connection string
func (c *DatabaseConfig) GetConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
