// --- File: notificationservice/config/yaml_config.go ---
package config

import (
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Enabled  bool          `yaml:"enabled"`
	TTL      time.Duration `yaml:"ttl"`
}

type YamlFCMConfig struct {
	CredentialsFile   string        `yaml:"credentials_file"`
	Endpoint          string        `yaml:"endpoint"`
	MaxInFlight       int           `yaml:"max_in_flight"`
	AttemptTimeout    time.Duration `yaml:"attempt_timeout"`
	BatchTimeout      time.Duration `yaml:"batch_timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	TokenSafetyMargin    time.Duration `yaml:"token_safety_margin"`
	TokenExchangeTimeout time.Duration `yaml:"token_exchange_timeout"`
	MaxDataBytes         int           `yaml:"max_data_bytes"`
}

type YamlDeliveryLogConfig struct {
	Backend      string        `yaml:"backend"`
	SQLitePath   string        `yaml:"sqlite_path"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type YamlRegistrationsConfig struct {
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlite_path"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID              string                  `yaml:"project_id"`
	ListenAddr             string                  `yaml:"listen_addr"`
	TopicID                string                  `yaml:"topic_id"`
	SubscriptionID         string                  `yaml:"subscription_id"`
	SubscriptionDLQTopicID string                  `yaml:"subscription_dlq_topic_id"`
	CorsConfig             YamlCorsConfig          `yaml:"cors"`
	RedisConfig            YamlRedisConfig         `yaml:"redis"`
	FCMConfig              YamlFCMConfig           `yaml:"fcm"`
	DeliveryLogConfig      YamlDeliveryLogConfig   `yaml:"delivery_log"`
	RegistrationsConfig    YamlRegistrationsConfig `yaml:"registrations"`
	NumPipelineWorkers     int                     `yaml:"num_pipeline_workers"`
	AdminUsers             []string                `yaml:"admin_users"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		ProjectID:      baseCfg.ProjectID,
		ListenAddr:     baseCfg.ListenAddr,
		TopicID:        baseCfg.TopicID,
		SubscriptionID: baseCfg.SubscriptionID,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
			TTL:      baseCfg.RedisConfig.TTL,
		},
		FCM: FCMConfig{
			CredentialsFile:   baseCfg.FCMConfig.CredentialsFile,
			Endpoint:          baseCfg.FCMConfig.Endpoint,
			MaxInFlight:       baseCfg.FCMConfig.MaxInFlight,
			AttemptTimeout:    baseCfg.FCMConfig.AttemptTimeout,
			BatchTimeout:      baseCfg.FCMConfig.BatchTimeout,
			MaxAttempts:       baseCfg.FCMConfig.MaxAttempts,
			BackoffBase:       baseCfg.FCMConfig.BackoffBase,
			BackoffMax:        baseCfg.FCMConfig.BackoffMax,
			TokenSafetyMargin:    baseCfg.FCMConfig.TokenSafetyMargin,
			TokenExchangeTimeout: baseCfg.FCMConfig.TokenExchangeTimeout,
			MaxDataBytes:         baseCfg.FCMConfig.MaxDataBytes,
		},
		DeliveryLog: DeliveryLogConfig{
			Backend:      baseCfg.DeliveryLogConfig.Backend,
			SQLitePath:   baseCfg.DeliveryLogConfig.SQLitePath,
			WriteTimeout: baseCfg.DeliveryLogConfig.WriteTimeout,
		},
		Registrations: RegistrationsConfig{
			Backend:    baseCfg.RegistrationsConfig.Backend,
			SQLitePath: baseCfg.RegistrationsConfig.SQLitePath,
		},
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
		AdminUsers:             baseCfg.AdminUsers,
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"subscription_id", cfg.SubscriptionID,
		"delivery_log_backend", cfg.DeliveryLog.Backend,
		"registrations_backend", cfg.Registrations.Backend,
	)

	return cfg, nil
}
