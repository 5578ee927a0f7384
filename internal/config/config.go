package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host               string
	Port               int
	CORSAllowedOrigins []string
}

type DBConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime string
}

type AggregationConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	FoldTimeout    time.Duration
}

type MaintenanceConfig struct {
	AnalyticsWindowDays  int
	AnalyticsRefreshCron string
	ModeRefreshCron      string
	RetentionMonths      int
	RetentionCron        string
	RedriveCron          string
	RedriveMinAge        time.Duration
	RedriveBatchSize     int
}

type QueueConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Concurrency   int
}

type Config struct {
	Environment string
	HTTP        HTTPConfig
	DB          DBConfig
	Aggregation AggregationConfig
	Maintenance MaintenanceConfig
	Queue       QueueConfig
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("./deploy")
	v.AddConfigPath("./internal/config")

	v.AutomaticEnv()

	_ = v.ReadInConfig()

	cfg := &Config{
		Environment: v.GetString("APP_ENV"),
		HTTP: HTTPConfig{
			Host:               v.GetString("HTTP_HOST"),
			Port:               v.GetInt("HTTP_PORT"),
			CORSAllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		},
		DB: DBConfig{
			DSN:             v.GetString("DB_DSN"),
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetString("DB_CONN_MAX_LIFETIME"),
		},
		Aggregation: AggregationConfig{
			MaxAttempts:    v.GetInt("AGGREGATION_MAX_ATTEMPTS"),
			InitialBackoff: v.GetDuration("AGGREGATION_INITIAL_BACKOFF"),
			MaxBackoff:     v.GetDuration("AGGREGATION_MAX_BACKOFF"),
			FoldTimeout:    v.GetDuration("AGGREGATION_FOLD_TIMEOUT"),
		},
		Maintenance: MaintenanceConfig{
			AnalyticsWindowDays:  v.GetInt("ANALYTICS_WINDOW_DAYS"),
			AnalyticsRefreshCron: v.GetString("ANALYTICS_REFRESH_CRON"),
			ModeRefreshCron:      v.GetString("MODE_REFRESH_CRON"),
			RetentionMonths:      v.GetInt("RETENTION_MONTHS"),
			RetentionCron:        v.GetString("RETENTION_CRON"),
			RedriveCron:          v.GetString("REDRIVE_CRON"),
			RedriveMinAge:        v.GetDuration("REDRIVE_MIN_AGE"),
			RedriveBatchSize:     v.GetInt("REDRIVE_BATCH_SIZE"),
		},
		Queue: QueueConfig{
			Enabled:       v.GetBool("QUEUE_ENABLED"),
			RedisAddr:     v.GetString("REDIS_ADDR"),
			RedisPassword: v.GetString("REDIS_PASSWORD"),
			RedisDB:       v.GetInt("REDIS_DB"),
			Concurrency:   v.GetInt("QUEUE_CONCURRENCY"),
		},
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "0.0.0.0"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 7090
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Aggregation.MaxAttempts <= 0 {
		cfg.Aggregation.MaxAttempts = 5
	}
	if cfg.Aggregation.InitialBackoff <= 0 {
		cfg.Aggregation.InitialBackoff = 10 * time.Millisecond
	}
	if cfg.Aggregation.MaxBackoff <= 0 {
		cfg.Aggregation.MaxBackoff = 250 * time.Millisecond
	}
	if cfg.Aggregation.FoldTimeout <= 0 {
		cfg.Aggregation.FoldTimeout = 5 * time.Second
	}
	if cfg.Maintenance.AnalyticsWindowDays <= 0 {
		cfg.Maintenance.AnalyticsWindowDays = 30
	}
	if cfg.Maintenance.AnalyticsRefreshCron == "" {
		cfg.Maintenance.AnalyticsRefreshCron = "@every 15m"
	}
	if cfg.Maintenance.ModeRefreshCron == "" {
		cfg.Maintenance.ModeRefreshCron = "@hourly"
	}
	if cfg.Maintenance.RetentionCron == "" {
		cfg.Maintenance.RetentionCron = "0 3 * * *"
	}
	if cfg.Maintenance.RedriveCron == "" {
		cfg.Maintenance.RedriveCron = "@every 1m"
	}
	if cfg.Maintenance.RedriveMinAge <= 0 {
		cfg.Maintenance.RedriveMinAge = 2 * time.Minute
	}
	if cfg.Maintenance.RedriveBatchSize <= 0 {
		cfg.Maintenance.RedriveBatchSize = 500
	}
	if cfg.Queue.RedisAddr == "" {
		cfg.Queue.RedisAddr = "localhost:6379"
	}
	if cfg.Queue.Concurrency <= 0 {
		cfg.Queue.Concurrency = 10
	}
}

func validate(cfg *Config) error {
	if cfg.DB.DSN == "" {
		return fmt.Errorf("DB_DSN is required")
	}
	if cfg.Aggregation.MaxBackoff < cfg.Aggregation.InitialBackoff {
		return fmt.Errorf("AGGREGATION_MAX_BACKOFF must not be lower than AGGREGATION_INITIAL_BACKOFF")
	}
	if cfg.Maintenance.RetentionMonths < 0 {
		return fmt.Errorf("RETENTION_MONTHS must not be negative")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
