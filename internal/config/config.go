// Package config loads service configuration from the environment.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Port                string `mapstructure:"PORT"`
	Env                 string `mapstructure:"ENV"`
	BaseURL             string `mapstructure:"BASE_URL"`
	DatabaseURL         string `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL            string `mapstructure:"REDIS_URL"`
	SourceBucket        string `mapstructure:"SOURCE_BUCKET_NAME"`
	AckBucket           string `mapstructure:"ACK_BUCKET_NAME"`
	ConfigBucket        string `mapstructure:"CONFIG_BUCKET_NAME"`
	FileQueueName       string `mapstructure:"FILE_QUEUE_NAME"`
	AuditTTLDays        int    `mapstructure:"AUDIT_TABLE_TTL_DAYS"`
	QueueWorkers        int    `mapstructure:"QUEUE_WORKERS"`
	FileWatchdogMinutes int    `mapstructure:"FILE_WATCHDOG_MINUTES"`
	AckFlushRows        int    `mapstructure:"ACK_FLUSH_ROWS"`
	SupplierJWTSecret   string `mapstructure:"SUPPLIER_JWT_SECRET"`
}

// settings lists every environment key the service reads, with its
// development default. A nil default means the key has none.
var settings = []struct {
	key string
	def any
}{
	{"PORT", "8000"},
	{"ENV", "development"},
	{"BASE_URL", "http://localhost:8000"},
	{"DATABASE_URL", nil},
	{"DB_MAX_CONNS", 20},
	{"DB_MIN_CONNS", 5},
	{"REDIS_URL", nil},
	{"SOURCE_BUCKET_NAME", "imms-batch-sources"},
	{"ACK_BUCKET_NAME", "imms-batch-destinations"},
	{"CONFIG_BUCKET_NAME", "imms-batch-configs"},
	{"FILE_QUEUE_NAME", "imms-batch-files"},
	{"AUDIT_TABLE_TTL_DAYS", 60},
	{"QUEUE_WORKERS", 10},
	{"FILE_WATCHDOG_MINUTES", 60},
	{"ACK_FLUSH_ROWS", 100},
	{"SUPPLIER_JWT_SECRET", nil},
}

// Load reads configuration from the environment, with optional overrides
// from a .env file in the working directory. DATABASE_URL is the only key
// without a default and must be provided.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	for _, s := range settings {
		// Unmarshal only sees keys viper knows, so bind each one.
		v.BindEnv(s.key)
		if s.def != nil {
			v.SetDefault(s.key, s.def)
		}
	}
	_ = v.ReadInConfig() // the .env file is optional

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the service is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Worker and flush
// settings must be positive, and in production the supplier JWT secret is
// required so that write attribution cannot be spoofed.
func (c *Config) Validate() error {
	if c.QueueWorkers < 1 {
		return fmt.Errorf("QUEUE_WORKERS must be at least 1, got %d", c.QueueWorkers)
	}
	if c.AckFlushRows < 1 {
		return fmt.Errorf("ACK_FLUSH_ROWS must be at least 1, got %d", c.AckFlushRows)
	}
	if c.FileWatchdogMinutes < 1 {
		return fmt.Errorf("FILE_WATCHDOG_MINUTES must be at least 1, got %d", c.FileWatchdogMinutes)
	}
	if c.AuditTTLDays < 1 {
		return fmt.Errorf("AUDIT_TABLE_TTL_DAYS must be at least 1, got %d", c.AuditTTLDays)
	}
	if c.IsProduction() && c.SupplierJWTSecret == "" {
		return fmt.Errorf("SUPPLIER_JWT_SECRET is required in production")
	}
	return nil
}
