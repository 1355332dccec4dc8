package pipeline_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-delivery/internal/notifier"
	"github.com/tinywideclouds/go-push-delivery/internal/pipeline"
	"github.com/tinywideclouds/go-push-delivery/pkg/dispatch"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) SendTo(ctx context.Context, recipients []string, n dispatch.Notification) notifier.BatchResult {
	return m.Called(ctx, recipients, n).Get(0).(notifier.BatchResult)
}

func TestProcessor(t *testing.T) {
	ctx := context.Background()
	n, err := dispatch.NewNotification("Hello", "World", "", nil, dispatch.PlatformUnspecified)
	require.NoError(t, err)
	job := &pipeline.NotificationJob{Recipients: []string{"urn:sm:user:a", "urn:sm:user:b"}, Notification: n}
	msg := messagepipeline.Message{MessageData: messagepipeline.MessageData{ID: "msg-1"}}

	t.Run("Hands the job to the sender", func(t *testing.T) {
		sender := new(mockSender)
		sender.On("SendTo", mock.Anything, job.Recipients, n).Return(notifier.BatchResult{
			Sent: []notifier.RecipientResult{{RecipientID: "urn:sm:user:a"}, {RecipientID: "urn:sm:user:b"}},
		}).Once()

		err := pipeline.NewProcessor(sender, newTestLogger())(ctx, msg, job)

		require.NoError(t, err)
		sender.AssertExpectations(t)
	})

	t.Run("Recipient failures still ack the message", func(t *testing.T) {
		sender := new(mockSender)
		sender.On("SendTo", mock.Anything, job.Recipients, n).Return(notifier.BatchResult{
			Sent: []notifier.RecipientResult{{RecipientID: "urn:sm:user:a"}},
			Failed: []notifier.RecipientResult{{
				RecipientID: "urn:sm:user:b",
				Outcome:     dispatch.Outcome{Class: dispatch.ClassUnregistered},
			}},
		})

		err := pipeline.NewProcessor(sender, newTestLogger())(ctx, msg, job)

		require.NoError(t, err)
	})
}
