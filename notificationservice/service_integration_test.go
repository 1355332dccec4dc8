// --- File: notificationservice/service_integration_test.go ---
//go:build integration

package notificationservice_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-delivery/internal/deliverylog"
	"github.com/tinywideclouds/go-push-delivery/internal/notifier"
	"github.com/tinywideclouds/go-push-delivery/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-delivery/notificationservice"
	"github.com/tinywideclouds/go-push-delivery/notificationservice/config"
	"github.com/tinywideclouds/go-push-delivery/pkg/dispatch"
	"golang.org/x/oauth2"
	"google.golang.org/protobuf/types/known/durationpb"

	fsStore "github.com/tinywideclouds/go-push-delivery/internal/storage/firestore"
)

// --- FAKES ---

type staticTokens struct{ tok *oauth2.Token }

func (s staticTokens) Token(context.Context) (*oauth2.Token, error) { return s.tok, nil }
func (s staticTokens) Refresh(context.Context, *oauth2.Token) (*oauth2.Token, error) {
	return s.tok, nil
}

// fakeGateway accepts every message and remembers the device tokens it saw.
type fakeGateway struct {
	*httptest.Server
	mu     sync.Mutex
	tokens []string
}

func newFakeGateway(t *testing.T) *fakeGateway {
	g := &fakeGateway{}
	g.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Message struct {
				Token string `json:"token"`
			} `json:"message"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		g.mu.Lock()
		g.tokens = append(g.tokens, body.Message.Token)
		n := len(g.tokens)
		g.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"name":"projects/p/messages/%d"}`, n)
	}))
	t.Cleanup(g.Close)
	return g
}

func (g *fakeGateway) Tokens() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.tokens...)
}

func newNotifier(projectID string, gatewayURL string, regs dispatch.RegistrationStore, logStore dispatch.DeliveryLogStore, logger *slog.Logger) *notifier.Service {
	tokens := staticTokens{tok: &oauth2.Token{AccessToken: "ya29.test", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)}}
	dispatcher := fcm.NewDispatcher(fcm.Config{Endpoint: gatewayURL, ProjectID: projectID}, tokens, logger)
	return notifier.New(
		notifier.Config{},
		regs,
		fcm.NewBuilder(0),
		tokens,
		dispatcher,
		deliverylog.NewLogger(logStore, 0, logger),
		logger,
	)
}

// --- TEST ---

func TestNotificationService_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	projectID := "test-project-integ"

	// 1. Emulators
	pubsubConn := emulators.SetupPubsubEmulator(t, ctx, emulators.GetDefaultPubsubConfig(projectID))
	psClient, err := pubsub.NewClient(ctx, projectID, pubsubConn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { psClient.Close() })

	fsConn := emulators.SetupFirestoreEmulator(t, ctx, emulators.GetDefaultFirestoreConfig(projectID))
	fsClient, err := firestore.NewClient(ctx, projectID, fsConn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { fsClient.Close() })

	// 2. Stores (Firestore Implementation)
	registrations := fsStore.NewRegistrationStore(fsClient)
	deliveries := fsStore.NewDeliveryLogStore(fsClient)

	t.Run("Full Lifecycle: Register -> Process -> Dispatch -> Log", func(t *testing.T) {
		// Arrange
		topicID := "push-success-" + uuid.NewString()
		subID := topicID + "-sub"
		createPubsubResources(t, ctx, psClient, projectID, topicID, subID)

		gateway := newFakeGateway(t)
		svc := newNotifier(projectID, gateway.URL, registrations, deliveries, logger)

		consumerCfg := *messagepipeline.NewGooglePubsubConsumerDefaults(subID)
		consumer, err := messagepipeline.NewGooglePubsubConsumer(&consumerCfg, psClient, logger)
		require.NoError(t, err)

		wrapper, err := notificationservice.New(
			&config.Config{ListenAddr: ":0", NumPipelineWorkers: 2},
			consumer,
			svc,
			registrations,
			func(h http.Handler) http.Handler { return h }, // No-op Auth
			logger,
		)
		require.NoError(t, err)

		svcCtx, svcCancel := context.WithCancel(ctx)
		defer svcCancel()
		go func() { _ = wrapper.Start(svcCtx) }()
		t.Cleanup(func() { _ = wrapper.Shutdown(context.Background()) })

		// Step A: Register a device
		recipient := "urn:sm:user:integ-" + uuid.NewString()
		err = registrations.Register(ctx, dispatch.DeviceRegistration{
			RecipientID: recipient,
			Token:       "android-token-999",
			Platform:    dispatch.PlatformAndroid,
		})
		require.NoError(t, err)

		// Step B: Publish a job that names only the recipient
		payload, _ := json.Marshal(map[string]any{
			"recipients": []string{recipient},
			"title":      "Hello",
			"body":       "World",
			"data":       map[string]any{"order_id": 42},
		})
		_, err = psClient.Publisher(topicID).Publish(ctx, &pubsub.Message{Data: payload}).Get(ctx)
		require.NoError(t, err)

		// Assert: the gateway saw the registered token
		require.Eventually(t, func() bool {
			return len(gateway.Tokens()) == 1
		}, 10*time.Second, 100*time.Millisecond)
		assert.Equal(t, []string{"android-token-999"}, gateway.Tokens())

		// Assert: exactly one delivery record
		var records []dispatch.DeliveryRecord
		require.Eventually(t, func() bool {
			records, err = svc.QueryDeliveryLog(ctx, dispatch.LogFilter{RecipientID: recipient})
			return err == nil && len(records) == 1
		}, 10*time.Second, 100*time.Millisecond)
		assert.True(t, records[0].Success)
		assert.Equal(t, dispatch.ClassSuccess, records[0].Class)
		assert.Equal(t, "42", records[0].Data["order_id"])
	})
}

func createPubsubResources(t *testing.T, ctx context.Context, client *pubsub.Client, projectID, topicID, subID string) {
	t.Helper()
	topicName := fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
	_, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topicName})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.TopicAdminClient.DeleteTopic(context.Background(), &pubsubpb.DeleteTopicRequest{Topic: topicName})
	})

	subName := fmt.Sprintf("projects/%s/subscriptions/%s", projectID, subID)
	sub := &pubsubpb.Subscription{
		Name:               subName,
		Topic:              topicName,
		AckDeadlineSeconds: 10,
		RetryPolicy: &pubsubpb.RetryPolicy{
			MinimumBackoff: &durationpb.Duration{Seconds: 1},
		},
	}
	_, err = client.SubscriptionAdminClient.CreateSubscription(ctx, sub)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.SubscriptionAdminClient.DeleteSubscription(context.Background(), &pubsubpb.DeleteSubscriptionRequest{Subscription: subName})
	})
}
