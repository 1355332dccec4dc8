// --- File: notificationservice/poison_test.go ---
//go:build integration

package notificationservice_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-delivery/internal/storage/sqlite"
	"github.com/tinywideclouds/go-push-delivery/notificationservice"
	"github.com/tinywideclouds/go-push-delivery/notificationservice/config"
	"google.golang.org/protobuf/types/known/durationpb"
)

func TestNotificationService_PoisonPill(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	t.Cleanup(cancel)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	projectID := "test-project-dlq"

	pubsubConn := emulators.SetupPubsubEmulator(t, ctx, emulators.GetDefaultPubsubConfig(projectID))
	psClient, err := pubsub.NewClient(ctx, projectID, pubsubConn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = psClient.Close() })

	runID := uuid.NewString()
	jobsTopicID := "push-jobs-" + runID
	deadTopicID := "push-dead-" + runID
	deadSubID := deadTopicID + "-sub"

	createPubsubResources(t, ctx, psClient, projectID, deadTopicID, deadSubID)
	jobsSubID := createDeadLetteringSubscription(t, ctx, psClient, projectID, jobsTopicID, deadTopicID)

	// The gateway must stay idle: nothing in the job reaches a recipient.
	store, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	gateway := newFakeGateway(t)
	svc := newNotifier(projectID, gateway.URL, store, store, logger)

	consumer, err := messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(jobsSubID), psClient, logger,
	)
	require.NoError(t, err)

	cfg := &config.Config{
		ProjectID:          projectID,
		ListenAddr:         ":0",
		SubscriptionID:     jobsSubID,
		NumPipelineWorkers: 2,
	}
	noopAuth := func(h http.Handler) http.Handler { return h }

	wrapper, err := notificationservice.New(cfg, consumer, svc, store, noopAuth, logger)
	require.NoError(t, err)

	serviceCtx, serviceCancel := context.WithCancel(ctx)
	defer serviceCancel()
	go func() {
		if err := wrapper.Start(serviceCtx); err != nil && !errors.Is(err, context.Canceled) {
			t.Logf("wrapper.Start() returned an error: %v", err)
		}
	}()
	t.Cleanup(func() { _ = wrapper.Shutdown(context.Background()) })

	testCases := []struct {
		name    string
		payload []byte
	}{
		{name: "malformed json", payload: []byte(`{"recipients": [`)},
		{name: "recipient is not a urn", payload: []byte(`{"recipients":["bob"],"title":"hi"}`)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := psClient.Publisher(jobsTopicID).Publish(ctx, &pubsub.Message{Data: tc.payload}).Get(ctx)
			require.NoError(t, err)

			dead := receiveOne(t, ctx, psClient.Subscriber(deadSubID), 20*time.Second)
			require.NotNil(t, dead, "job was not dead-lettered")
			assert.Equal(t, tc.payload, dead.Data)
		})
	}

	assert.Empty(t, gateway.Tokens(), "gateway must not be called for a rejected job")
}

// createDeadLetteringSubscription creates topicID and a subscription on it that
// dead-letters to deadTopicID after a few fast redeliveries.
func createDeadLetteringSubscription(t *testing.T, ctx context.Context, client *pubsub.Client, projectID, topicID, deadTopicID string) string {
	t.Helper()
	topicName := fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
	_, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topicName})
	require.NoError(t, err)

	subID := topicID + "-sub"
	_, err = client.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:  fmt.Sprintf("projects/%s/subscriptions/%s", projectID, subID),
		Topic: topicName,
		DeadLetterPolicy: &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     fmt.Sprintf("projects/%s/topics/%s", projectID, deadTopicID),
			MaxDeliveryAttempts: 5,
		},
		RetryPolicy: &pubsubpb.RetryPolicy{
			MinimumBackoff: &durationpb.Duration{Seconds: 1},
		},
	})
	require.NoError(t, err)
	return subID
}

// receiveOne acks and returns the first message, or nil when wait elapses.
func receiveOne(t *testing.T, ctx context.Context, sub *pubsub.Subscriber, wait time.Duration) *pubsub.Message {
	t.Helper()
	rctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	var (
		mu  sync.Mutex
		got *pubsub.Message
	)
	err := sub.Receive(rctx, func(_ context.Context, msg *pubsub.Message) {
		msg.Ack()
		mu.Lock()
		if got == nil {
			got = msg
		}
		mu.Unlock()
		cancel()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("Receive returned an unexpected error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	return got
}
