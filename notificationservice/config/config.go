// --- File: notificationservice/config/config.go ---
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

// Storage backends.
const (
	BackendFirestore = "firestore"
	BackendSQLite    = "sqlite"
)

const (
	DefaultFCMEndpoint = "https://fcm.googleapis.com"
	maxAttemptsCap     = 5
)

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// FCMConfig covers the gateway, the credential and the dispatch tuning.
type FCMConfig struct {
	CredentialsFile   string
	Endpoint          string
	MaxInFlight       int
	AttemptTimeout    time.Duration
	BatchTimeout      time.Duration
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	TokenSafetyMargin time.Duration
	// TokenExchangeTimeout bounds one OAuth2 exchange with the token endpoint.
	TokenExchangeTimeout time.Duration
	MaxDataBytes         int
}

type DeliveryLogConfig struct {
	Backend      string
	SQLitePath   string
	WriteTimeout time.Duration
}

type RegistrationsConfig struct {
	Backend    string
	SQLitePath string
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID              string
	ListenAddr             string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumPipelineWorkers     int

	// AdminUsers are the user URNs allowed on the admin routes.
	AdminUsers []string

	CorsConfig    middleware.CorsConfig
	Redis         RedisConfig
	FCM           FCMConfig
	DeliveryLog   DeliveryLogConfig
	Registrations RegistrationsConfig

	TopicID              string
	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig
}

// UpdateConfigWithEnvOverrides applies environment variables, defaults and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PROJECT_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PROJECT_ID", "source", "env")
		cfg.ProjectID = val
	}
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("SUBSCRIPTION_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_ID", "source", "env")
		cfg.SubscriptionID = val
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(val)
	}
	if val := os.Getenv("SUBSCRIPTION_DLQ_TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_DLQ_TOPIC_ID", "source", "env")
		cfg.SubscriptionDLQTopicID = val
	}
	if val := os.Getenv("NUM_PIPELINE_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil && workers > 0 {
			logger.Debug("Overriding config value", "key", "NUM_PIPELINE_WORKERS", "source", "env")
			cfg.NumPipelineWorkers = workers
		}
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}

	// FCM Overrides
	if val := os.Getenv("FCM_SERVICE_ACCOUNT_PATH"); val != "" {
		logger.Debug("Overriding config value", "key", "FCM_SERVICE_ACCOUNT_PATH", "source", "env")
		cfg.FCM.CredentialsFile = val
	}
	if val := os.Getenv("FCM_ENDPOINT"); val != "" {
		logger.Debug("Overriding config value", "key", "FCM_ENDPOINT", "source", "env")
		cfg.FCM.Endpoint = val
	}
	if val := os.Getenv("FCM_MAX_IN_FLIGHT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			logger.Debug("Overriding config value", "key", "FCM_MAX_IN_FLIGHT", "source", "env")
			cfg.FCM.MaxInFlight = n
		}
	}
	if val := os.Getenv("FCM_MAX_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			logger.Debug("Overriding config value", "key", "FCM_MAX_ATTEMPTS", "source", "env")
			cfg.FCM.MaxAttempts = n
		}
	}
	if val := os.Getenv("FCM_BATCH_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			logger.Debug("Overriding config value", "key", "FCM_BATCH_TIMEOUT", "source", "env")
			cfg.FCM.BatchTimeout = d
		}
	}

	if val := os.Getenv("FCM_TOKEN_EXCHANGE_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			logger.Debug("Overriding config value", "key", "FCM_TOKEN_EXCHANGE_TIMEOUT", "source", "env")
			cfg.FCM.TokenExchangeTimeout = d
		}
	}

	// Storage Overrides
	if val := os.Getenv("DELIVERY_LOG_BACKEND"); val != "" {
		logger.Debug("Overriding config value", "key", "DELIVERY_LOG_BACKEND", "source", "env")
		cfg.DeliveryLog.Backend = val
	}
	if val := os.Getenv("DELIVERY_LOG_SQLITE_PATH"); val != "" {
		cfg.DeliveryLog.SQLitePath = val
	}
	if val := os.Getenv("REGISTRATIONS_BACKEND"); val != "" {
		logger.Debug("Overriding config value", "key", "REGISTRATIONS_BACKEND", "source", "env")
		cfg.Registrations.Backend = val
	}
	if val := os.Getenv("REGISTRATIONS_SQLITE_PATH"); val != "" {
		cfg.Registrations.SQLitePath = val
	}

	if val := os.Getenv("ADMIN_USERS"); val != "" {
		logger.Debug("Overriding config value", "key", "ADMIN_USERS", "source", "env")
		cfg.AdminUsers = splitList(val)
	}

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		cfg.CorsConfig.AllowedOrigins = splitList(corsOrigins)
	}

	// 2. Defaults
	applyDefaults(cfg)

	// 3. Final Validation
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	if cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("subscription_id is required (set via YAML or SUBSCRIPTION_ID env var)")
	}
	if cfg.FCM.CredentialsFile == "" {
		return nil, fmt.Errorf("fcm.credentials_file is required (set via YAML or FCM_SERVICE_ACCOUNT_PATH env var)")
	}
	if cfg.FCM.BackoffMax < cfg.FCM.BackoffBase {
		return nil, fmt.Errorf("fcm.backoff_max (%s) must not be below fcm.backoff_base (%s)", cfg.FCM.BackoffMax, cfg.FCM.BackoffBase)
	}
	if err := validateBackend("delivery_log", cfg.DeliveryLog.Backend, cfg.DeliveryLog.SQLitePath); err != nil {
		return nil, err
	}
	if err := validateBackend("registrations", cfg.Registrations.Backend, cfg.Registrations.SQLitePath); err != nil {
		return nil, err
	}

	if cfg.PubsubConsumerConfig == nil && cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = 24 * time.Hour
	}

	f := &cfg.FCM
	if f.Endpoint == "" {
		f.Endpoint = DefaultFCMEndpoint
	}
	if f.MaxInFlight <= 0 {
		f.MaxInFlight = 8
	}
	if f.AttemptTimeout <= 0 {
		f.AttemptTimeout = 10 * time.Second
	}
	if f.BatchTimeout <= 0 {
		f.BatchTimeout = 60 * time.Second
	}
	if f.MaxAttempts <= 0 {
		f.MaxAttempts = 4
	}
	f.MaxAttempts = min(f.MaxAttempts, maxAttemptsCap)
	if f.BackoffBase <= 0 {
		f.BackoffBase = 500 * time.Millisecond
	}
	if f.BackoffMax <= 0 {
		f.BackoffMax = 8 * time.Second
	}
	if f.TokenSafetyMargin <= 0 {
		f.TokenSafetyMargin = 60 * time.Second
	}
	if f.TokenExchangeTimeout <= 0 {
		f.TokenExchangeTimeout = 15 * time.Second
	}
	if f.MaxDataBytes <= 0 {
		f.MaxDataBytes = 4096
	}

	if cfg.DeliveryLog.Backend == "" {
		cfg.DeliveryLog.Backend = BackendFirestore
	}
	if cfg.DeliveryLog.WriteTimeout <= 0 {
		cfg.DeliveryLog.WriteTimeout = 2 * time.Second
	}
	if cfg.Registrations.Backend == "" {
		cfg.Registrations.Backend = BackendFirestore
	}
}

func validateBackend(section, backend, sqlitePath string) error {
	switch backend {
	case BackendFirestore:
		return nil
	case BackendSQLite:
		if sqlitePath == "" {
			return fmt.Errorf("%s.sqlite_path is required for the sqlite backend", section)
		}
		return nil
	}
	return fmt.Errorf("%s.backend %q is not one of %q, %q", section, backend, BackendFirestore, BackendSQLite)
}

// splitList parses a comma separated env value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
