// --- File: cmd/notificationservice/runnotificationservice.go ---
package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/joho/godotenv"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-delivery/internal/auth"
	"github.com/tinywideclouds/go-push-delivery/internal/credential"
	"github.com/tinywideclouds/go-push-delivery/internal/deliverylog"
	"github.com/tinywideclouds/go-push-delivery/internal/notifier"
	"github.com/tinywideclouds/go-push-delivery/internal/platform/fcm"

	"github.com/tinywideclouds/go-push-delivery/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-push-delivery/internal/storage/firestore"
	"github.com/tinywideclouds/go-push-delivery/internal/storage/sqlite"
	"github.com/tinywideclouds/go-push-delivery/pkg/dispatch"

	"github.com/tinywideclouds/go-push-delivery/notificationservice"
	"github.com/tinywideclouds/go-push-delivery/notificationservice/config"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

//go:embed local.yaml
var configFile []byte

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-push-delivery")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, _ := config.NewConfigFromYaml(&yamlCfg, logger)
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Credential & Gateway ---
	cred, err := credential.LoadFile(cfg.FCM.CredentialsFile)
	if err != nil {
		logger.Error("Service account credential is unusable", "path", cfg.FCM.CredentialsFile, "err", err)
		os.Exit(1)
	}
	logger.Info("Service account loaded", "client_email", cred.ClientEmail(), "project_id", cred.ProjectID())

	tokens := auth.NewTokenProvider(cred, logger,
		auth.WithSafetyMargin(cfg.FCM.TokenSafetyMargin),
		auth.WithExchangeTimeout(cfg.FCM.TokenExchangeTimeout),
	)
	dispatcher := fcm.NewDispatcher(fcm.Config{
		Endpoint:       cfg.FCM.Endpoint,
		ProjectID:      cred.ProjectID(),
		AttemptTimeout: cfg.FCM.AttemptTimeout,
		Retry: fcm.RetryPolicy{
			MaxAttempts: cfg.FCM.MaxAttempts,
			BaseDelay:   cfg.FCM.BackoffBase,
			MaxDelay:    cfg.FCM.BackoffMax,
		},
	}, tokens, logger)

	// --- Infrastructure Clients ---
	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("PubSub client failed", "err", err)
		os.Exit(1)
	}
	defer psClient.Close()

	stores := newStoreSet(cfg, logger)
	defer stores.Close()

	// --- Registration Store (Decorated) ---
	registrations, err := stores.registrations(ctx)
	if err != nil {
		logger.Error("Registration store failed", "err", err)
		os.Exit(1)
	}
	logger.Info("RegistrationStore initialized", "type", cfg.Registrations.Backend)

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		registrations = cache.NewCachedRegistrationStore(registrations, redisClient, cfg.Redis.TTL)
		logger.Info("RegistrationStore upgraded", "type", "redis_cached_"+cfg.Registrations.Backend)
	}

	// --- Delivery Log ---
	logStore, err := stores.deliveryLog(ctx)
	if err != nil {
		logger.Error("Delivery log store failed", "err", err)
		os.Exit(1)
	}
	deliveries := deliverylog.NewLogger(logStore, cfg.DeliveryLog.WriteTimeout, logger)
	logger.Info("DeliveryLog initialized", "type", cfg.DeliveryLog.Backend)

	svc := notifier.New(
		notifier.Config{MaxInFlight: cfg.FCM.MaxInFlight, BatchTimeout: cfg.FCM.BatchTimeout},
		registrations,
		fcm.NewBuilder(cfg.FCM.MaxDataBytes),
		tokens,
		dispatcher,
		deliveries,
		logger,
	)

	// --- Auth ---
	identityURL := os.Getenv("IDENTITY_SERVICE_URL")
	if identityURL == "" {
		identityURL = "http://localhost:3000"
	}
	jwksURL, err := middleware.DiscoverAndValidateJWTConfig(identityURL, middleware.RSA256, logger)
	if err != nil {
		logger.Error("JWT discovery failed", "identity_url", identityURL, "err", err)
		os.Exit(1)
	}
	authMiddleware, err := middleware.NewJWKSAuthMiddleware(jwksURL, logger)
	if err != nil {
		logger.Error("JWKS middleware failed", "err", err)
		os.Exit(1)
	}

	// --- Consumer & Service ---
	consumer, err := newIngestionConsumer(ctx, cfg, psClient, logger)
	if err != nil {
		logger.Error("Consumer creation failed", "err", err)
		os.Exit(1)
	}

	service, err := notificationservice.New(cfg, consumer, svc, registrations, authMiddleware, logger)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := service.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown failed", "err", err)
		}
	}()

	logger.Info("Starting service...")
	if err := service.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
}

// storeSet opens each backend once, so both stores can share a firestore
// client or a sqlite file.
type storeSet struct {
	cfg      *config.Config
	logger   *slog.Logger
	fsClient *firestore.Client
	sqlite   map[string]*sqlite.Store
}

func newStoreSet(cfg *config.Config, logger *slog.Logger) *storeSet {
	return &storeSet{cfg: cfg, logger: logger, sqlite: map[string]*sqlite.Store{}}
}

func (s *storeSet) registrations(ctx context.Context) (dispatch.RegistrationStore, error) {
	if s.cfg.Registrations.Backend == config.BackendSQLite {
		return s.openSQLite(ctx, s.cfg.Registrations.SQLitePath)
	}
	client, err := s.firestore(ctx)
	if err != nil {
		return nil, err
	}
	return fsStore.NewRegistrationStore(client), nil
}

func (s *storeSet) deliveryLog(ctx context.Context) (dispatch.DeliveryLogStore, error) {
	if s.cfg.DeliveryLog.Backend == config.BackendSQLite {
		return s.openSQLite(ctx, s.cfg.DeliveryLog.SQLitePath)
	}
	client, err := s.firestore(ctx)
	if err != nil {
		return nil, err
	}
	return fsStore.NewDeliveryLogStore(client), nil
}

func (s *storeSet) firestore(ctx context.Context) (*firestore.Client, error) {
	if s.fsClient != nil {
		return s.fsClient, nil
	}
	client, err := firestore.NewClient(ctx, s.cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	s.fsClient = client
	return client, nil
}

func (s *storeSet) openSQLite(ctx context.Context, path string) (*sqlite.Store, error) {
	if st, ok := s.sqlite[path]; ok {
		return st, nil
	}
	st, err := sqlite.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Opened sqlite store", "path", path)
	s.sqlite[path] = st
	return st, nil
}

func (s *storeSet) Close() {
	if s.fsClient != nil {
		_ = s.fsClient.Close()
	}
	for path, st := range s.sqlite {
		if err := st.Close(); err != nil {
			s.logger.Warn("Closing sqlite store failed", "path", path, "err", err)
		}
	}
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := convertPubsub(cfg.ProjectID, cfg.PubsubConsumerConfig.SubscriptionID, "subscriptions")
	topicID := convertPubsub(cfg.ProjectID, cfg.TopicID, "topics")
	dlt := convertPubsub(cfg.ProjectID, cfg.SubscriptionDLQTopicID, "topics")

	subConfig := &pubsubpb.Subscription{
		Name:               sub,
		Topic:              topicID,
		AckDeadlineSeconds: 10,
		DeadLetterPolicy: &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     dlt,
			MaxDeliveryAttempts: 5,
		},
		EnableMessageOrdering: false,
	}
	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
		} else {
			logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
			return nil, fmt.Errorf("could not create sub: %s", sub)
		}
	}

	return messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(subConfig.Name), psClient, logger,
	)
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
