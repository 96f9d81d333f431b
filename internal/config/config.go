/**
 * @description
 * This package handles configuration management for the lifecycle service.
 * Settings come from environment variables through Viper; main may load a
 * .env file first with godotenv.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvDevelopment = "development"

// Config holds all configuration for the server and scheduler binaries.
type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	ServerPort string `mapstructure:"SERVER_PORT"`

	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	RunMigrations bool   `mapstructure:"RUN_MIGRATIONS"`

	RedisURL string        `mapstructure:"REDIS_URL"`
	LockKey  string        `mapstructure:"LOCK_KEY"`
	LockTTL  time.Duration `mapstructure:"LOCK_TTL"`

	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	ProvisioningExchange string `mapstructure:"PROVISIONING_EXCHANGE"`
	EventsExchange       string `mapstructure:"EVENTS_EXCHANGE"`

	CronSecret     string `mapstructure:"CRON_SECRET"`
	AdminJWTSecret string `mapstructure:"ADMIN_JWT_SECRET"`

	ReconcileSchedule    string        `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcilePassTimeout time.Duration `mapstructure:"RECONCILE_PASS_TIMEOUT"`
	BackfillBatchSize    int           `mapstructure:"BACKFILL_BATCH_SIZE"`
	BillingBatchSize     int           `mapstructure:"BILLING_BATCH_SIZE"`
	DeleteBatchSize      int           `mapstructure:"DELETE_BATCH_SIZE"`
	MaxChargesPerServer  int           `mapstructure:"MAX_CHARGES_PER_SERVER"`
	GracePeriod          time.Duration `mapstructure:"GRACE_PERIOD"`

	AllowNegativeBalance  bool          `mapstructure:"ALLOW_NEGATIVE_BALANCE"`
	LedgerMaxPostAttempts int           `mapstructure:"LEDGER_MAX_POST_ATTEMPTS"`
	LedgerRetryBackoff    time.Duration `mapstructure:"LEDGER_RETRY_BACKOFF"`
}

// IsDevelopment reports whether local-only conveniences may be enabled.
func (c Config) IsDevelopment() bool {
	return strings.EqualFold(strings.TrimSpace(c.AppEnv), EnvDevelopment)
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	viper.SetDefault("APP_ENV", "production")
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("DB_MAX_CONNS", 20)
	viper.SetDefault("DB_MIN_CONNS", 2)
	viper.SetDefault("RUN_MIGRATIONS", true)
	viper.SetDefault("LOCK_KEY", "hostpanel:lifecycle:reconcile")
	viper.SetDefault("LOCK_TTL", "15m")
	viper.SetDefault("PROVISIONING_EXCHANGE", "hosting.provisioning")
	viper.SetDefault("EVENTS_EXCHANGE", "hosting.events")
	viper.SetDefault("RECONCILE_SCHEDULE", "@every 1m")
	viper.SetDefault("RECONCILE_PASS_TIMEOUT", "0s")
	viper.SetDefault("BACKFILL_BATCH_SIZE", 100)
	viper.SetDefault("BILLING_BATCH_SIZE", 100)
	viper.SetDefault("DELETE_BATCH_SIZE", 100)
	viper.SetDefault("MAX_CHARGES_PER_SERVER", 100)
	viper.SetDefault("GRACE_PERIOD", "72h")
	viper.SetDefault("ALLOW_NEGATIVE_BALANCE", false)
	viper.SetDefault("LEDGER_MAX_POST_ATTEMPTS", 3)
	viper.SetDefault("LEDGER_RETRY_BACKOFF", "25ms")
	viper.AutomaticEnv()

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("APP_ENV")
	_ = viper.BindEnv("SERVER_PORT", "SERVER_PORT", "PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("DB_MAX_CONNS")
	_ = viper.BindEnv("DB_MIN_CONNS")
	_ = viper.BindEnv("RUN_MIGRATIONS")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("LOCK_KEY")
	_ = viper.BindEnv("LOCK_TTL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PROVISIONING_EXCHANGE")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("CRON_SECRET", "CRON_SECRET", "INTERNAL_API_KEY")
	_ = viper.BindEnv("ADMIN_JWT_SECRET")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_PASS_TIMEOUT")
	_ = viper.BindEnv("BACKFILL_BATCH_SIZE")
	_ = viper.BindEnv("BILLING_BATCH_SIZE")
	_ = viper.BindEnv("DELETE_BATCH_SIZE")
	_ = viper.BindEnv("MAX_CHARGES_PER_SERVER")
	_ = viper.BindEnv("GRACE_PERIOD")
	_ = viper.BindEnv("ALLOW_NEGATIVE_BALANCE")
	_ = viper.BindEnv("LEDGER_MAX_POST_ATTEMPTS")
	_ = viper.BindEnv("LEDGER_RETRY_BACKOFF")

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.CronSecret = strings.TrimSpace(config.CronSecret)
	config.AdminJWTSecret = strings.TrimSpace(config.AdminJWTSecret)
	config.RedisURL = strings.TrimSpace(config.RedisURL)

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	if !c.IsDevelopment() {
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("DATABASE_URL is required outside development")
		}
		if strings.TrimSpace(c.RabbitMQURL) == "" {
			return fmt.Errorf("RABBITMQ_URL is required outside development")
		}
	}

	positive := map[string]int{
		"BACKFILL_BATCH_SIZE":      c.BackfillBatchSize,
		"BILLING_BATCH_SIZE":       c.BillingBatchSize,
		"DELETE_BATCH_SIZE":        c.DeleteBatchSize,
		"MAX_CHARGES_PER_SERVER":   c.MaxChargesPerServer,
		"LEDGER_MAX_POST_ATTEMPTS": c.LedgerMaxPostAttempts,
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, value)
		}
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("GRACE_PERIOD must be positive, got %s", c.GracePeriod)
	}
	if c.ReconcilePassTimeout < 0 {
		return fmt.Errorf("RECONCILE_PASS_TIMEOUT must not be negative, got %s", c.ReconcilePassTimeout)
	}

	if c.RedisURL != "" {
		if c.LockTTL <= 0 {
			return fmt.Errorf("LOCK_TTL must be positive when REDIS_URL is set, got %s", c.LockTTL)
		}
		// A pass that outlives the lock TTL could overlap another replica's pass.
		if c.ReconcilePassTimeout == 0 {
			c.ReconcilePassTimeout = c.LockTTL * 9 / 10
		}
		if c.ReconcilePassTimeout >= c.LockTTL {
			return fmt.Errorf("RECONCILE_PASS_TIMEOUT (%s) must be shorter than LOCK_TTL (%s)", c.ReconcilePassTimeout, c.LockTTL)
		}
	}
	return nil
}
