package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// All knobs come in as environment variables so the same image runs
// unchanged in compose, EKS and bare localstack setups. Defaults describe
// a single-office deployment with the stock grace and sweep timings.

type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`

	DBHost     string `mapstructure:"DB_HOST"`
	DBPort     string `mapstructure:"DB_PORT"`
	DBUser     string `mapstructure:"DB_USER"`
	DBPassword string `mapstructure:"DB_PASSWORD"`
	DBName     string `mapstructure:"DB_NAME"`

	OfficeLatitude     float64 `mapstructure:"OFFICE_LATITUDE"`
	OfficeLongitude    float64 `mapstructure:"OFFICE_LONGITUDE"`
	OfficeRadiusMeters float64 `mapstructure:"OFFICE_RADIUS_METERS"`
	OfficeTimezone     string  `mapstructure:"OFFICE_TIMEZONE"`

	GracePeriodMinutes     int `mapstructure:"GRACE_PERIOD_MINUTES"`
	SweepIntervalSeconds   int `mapstructure:"SWEEP_INTERVAL_SECONDS"`
	CleanupIntervalMinutes int `mapstructure:"CLEANUP_INTERVAL_MINUTES"`
	PendingActionTTLMin    int `mapstructure:"PENDING_ACTION_TTL_MINUTES"`
	PendingHighWater       int `mapstructure:"PENDING_HIGH_WATER"`

	DeliveryMaxAttempts    int `mapstructure:"DELIVERY_MAX_ATTEMPTS"`
	DeliveryBackoffBaseSec int `mapstructure:"DELIVERY_BACKOFF_BASE_SECONDS"`
	DeliveryTimeoutSeconds int `mapstructure:"DELIVERY_TIMEOUT_SECONDS"`
	FallbackThreshold      int `mapstructure:"FALLBACK_THRESHOLD"`
	FallbackDegradedAfter  int `mapstructure:"FALLBACK_DEGRADED_AFTER_MINUTES"`

	BotAPIURL        string `mapstructure:"BOT_API_URL"`
	BotToken         string `mapstructure:"BOT_TOKEN"`
	AdminChatID      int64  `mapstructure:"ADMIN_CHAT_ID"`
	WebhookPublicURL string `mapstructure:"WEBHOOK_PUBLIC_URL"`

	AdminEmail  string `mapstructure:"ADMIN_EMAIL"`
	SenderEmail string `mapstructure:"SENDER_EMAIL"`

	AWSRegion     string `mapstructure:"AWS_REGION"`
	AWSEndpoint   string `mapstructure:"AWS_ENDPOINT"`
	AlertQueueURL string `mapstructure:"ALERT_QUEUE_URL"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	IsLocalDev   bool   `mapstructure:"IS_LOCAL_DEV"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (config Config, err error) {
	viper.SetDefault("SERVER_PORT", "8080")

	viper.SetDefault("DB_HOST", "db")
	viper.SetDefault("DB_PORT", "5432")
	viper.SetDefault("DB_USER", "user")
	viper.SetDefault("DB_PASSWORD", "password")
	viper.SetDefault("DB_NAME", "shiftwatch_db")

	viper.SetDefault("OFFICE_LATITUDE", 37.909411)
	viper.SetDefault("OFFICE_LONGITUDE", 23.871109)
	viper.SetDefault("OFFICE_RADIUS_METERS", 300.0)
	viper.SetDefault("OFFICE_TIMEZONE", "Local")

	viper.SetDefault("GRACE_PERIOD_MINUTES", 10)
	viper.SetDefault("SWEEP_INTERVAL_SECONDS", 60)
	viper.SetDefault("CLEANUP_INTERVAL_MINUTES", 15)
	viper.SetDefault("PENDING_ACTION_TTL_MINUTES", 30)
	viper.SetDefault("PENDING_HIGH_WATER", 512)

	viper.SetDefault("DELIVERY_MAX_ATTEMPTS", 3)
	viper.SetDefault("DELIVERY_BACKOFF_BASE_SECONDS", 1)
	viper.SetDefault("DELIVERY_TIMEOUT_SECONDS", 30)
	viper.SetDefault("FALLBACK_THRESHOLD", 3)
	viper.SetDefault("FALLBACK_DEGRADED_AFTER_MINUTES", 10)

	viper.SetDefault("BOT_API_URL", "http://localhost:8081")
	viper.SetDefault("BOT_TOKEN", "")
	viper.SetDefault("ADMIN_CHAT_ID", 0)
	viper.SetDefault("WEBHOOK_PUBLIC_URL", "")

	viper.SetDefault("ADMIN_EMAIL", "supervisor@shiftwatch.local")
	viper.SetDefault("SENDER_EMAIL", "alerts@shiftwatch.local")

	viper.SetDefault("AWS_REGION", "us-east-1")
	viper.SetDefault("AWS_ENDPOINT", "http://localstack:4566")
	viper.SetDefault("ALERT_QUEUE_URL", "http://localstack:4566/000000000000/alert-retry-queue")

	viper.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	viper.SetDefault("IS_LOCAL_DEV", false)

	// Read in environment variables that match the keys.
	viper.AutomaticEnv()

	if err = viper.Unmarshal(&config); err != nil {
		return config, err
	}
	return config, config.validate()
}

// validate collects every bad value into one error so a broken deployment
// reports all of its problems at once instead of one per restart.
func (c Config) validate() error {
	var problems []string

	if c.OfficeLatitude < -90 || c.OfficeLatitude > 90 {
		problems = append(problems, fmt.Sprintf("OFFICE_LATITUDE %v outside [-90,90]", c.OfficeLatitude))
	}
	if c.OfficeLongitude < -180 || c.OfficeLongitude > 180 {
		problems = append(problems, fmt.Sprintf("OFFICE_LONGITUDE %v outside [-180,180]", c.OfficeLongitude))
	}
	if c.OfficeRadiusMeters <= 0 {
		problems = append(problems, "OFFICE_RADIUS_METERS must be positive")
	}
	if _, err := time.LoadLocation(c.OfficeTimezone); err != nil {
		problems = append(problems, fmt.Sprintf("OFFICE_TIMEZONE %q: %v", c.OfficeTimezone, err))
	}
	for name, v := range map[string]int{
		"GRACE_PERIOD_MINUTES":       c.GracePeriodMinutes,
		"SWEEP_INTERVAL_SECONDS":     c.SweepIntervalSeconds,
		"CLEANUP_INTERVAL_MINUTES":   c.CleanupIntervalMinutes,
		"PENDING_ACTION_TTL_MINUTES": c.PendingActionTTLMin,
		"DELIVERY_MAX_ATTEMPTS":      c.DeliveryMaxAttempts,
		"DELIVERY_TIMEOUT_SECONDS":   c.DeliveryTimeoutSeconds,
		"FALLBACK_THRESHOLD":         c.FallbackThreshold,
	} {
		if v <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
}

// OfficeLocation resolves the configured timezone. validate has already
// checked it, so failures here only happen on a hand-built Config.
func (c Config) OfficeLocation() (*time.Location, error) {
	return time.LoadLocation(c.OfficeTimezone)
}

func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodMinutes) * time.Minute
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMinutes) * time.Minute
}

func (c Config) PendingActionTTL() time.Duration {
	return time.Duration(c.PendingActionTTLMin) * time.Minute
}

func (c Config) DeliveryBackoffBase() time.Duration {
	return time.Duration(c.DeliveryBackoffBaseSec) * time.Second
}

func (c Config) DeliveryTimeout() time.Duration {
	return time.Duration(c.DeliveryTimeoutSeconds) * time.Second
}

func (c Config) FallbackDegradedThreshold() time.Duration {
	return time.Duration(c.FallbackDegradedAfter) * time.Minute
}
