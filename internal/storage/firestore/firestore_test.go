//go:build integration

package firestore_test

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fs "github.com/tinywideclouds/go-push-delivery/internal/storage/firestore"
	"github.com/tinywideclouds/go-push-delivery/pkg/dispatch"
)

func setupClient(t *testing.T, projectID string) (context.Context, *firestore.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	conn := emulators.SetupFirestoreEmulator(t, ctx, emulators.GetDefaultFirestoreConfig(projectID))
	client, err := firestore.NewClient(ctx, projectID, conn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return ctx, client
}

func TestRegistrationStore_Integration(t *testing.T) {
	ctx, client := setupClient(t, "test-registration-store")
	store := fs.NewRegistrationStore(client)
	recipient := "urn:contacts:user:test-user"
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	t.Run("Lookup without devices", func(t *testing.T) {
		_, err := store.Lookup(ctx, "urn:contacts:user:nobody")
		assert.ErrorIs(t, err, dispatch.ErrNoDevice)
	})

	t.Run("Newest valid device wins", func(t *testing.T) {
		require.NoError(t, store.Register(ctx, dispatch.DeviceRegistration{RecipientID: recipient, Token: "token-old", Platform: dispatch.PlatformAndroid, UpdatedAt: base}))
		require.NoError(t, store.Register(ctx, dispatch.DeviceRegistration{RecipientID: recipient, Token: "token-new", Platform: dispatch.PlatformIOS, UpdatedAt: base.Add(time.Hour)}))

		reg, err := store.Lookup(ctx, recipient)
		require.NoError(t, err)
		assert.Equal(t, "token-new", reg.Token)
		assert.Equal(t, dispatch.PlatformIOS, reg.Platform)
		assert.True(t, reg.Valid)
	})

	t.Run("Invalidated device is skipped", func(t *testing.T) {
		require.NoError(t, store.MarkInvalid(ctx, dispatch.DeviceRegistration{RecipientID: recipient, Token: "token-new"}))

		reg, err := store.Lookup(ctx, recipient)
		require.NoError(t, err)
		assert.Equal(t, "token-old", reg.Token)
	})

	t.Run("ListActive returns one valid device per recipient", func(t *testing.T) {
		other := "urn:contacts:user:a-first"
		require.NoError(t, store.Register(ctx, dispatch.DeviceRegistration{RecipientID: other, Token: "token-a", Platform: dispatch.PlatformWeb, UpdatedAt: base}))

		regs, err := store.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, regs, 2)
		assert.Equal(t, other, regs[0].RecipientID)
		assert.Equal(t, "token-a", regs[0].Token)
		assert.Equal(t, recipient, regs[1].RecipientID)
		assert.Equal(t, "token-old", regs[1].Token)

		require.NoError(t, store.Unregister(ctx, other, "token-a"))
	})

	t.Run("Invalidating a removed device is not an error", func(t *testing.T) {
		assert.NoError(t, store.MarkInvalid(ctx, dispatch.DeviceRegistration{RecipientID: recipient, Token: "never-registered"}))
	})

	t.Run("Unregister removes the device", func(t *testing.T) {
		require.NoError(t, store.Unregister(ctx, recipient, "token-old"))

		_, err := store.Lookup(ctx, recipient)
		assert.ErrorIs(t, err, dispatch.ErrNoDevice)
	})
}

func TestDeliveryLogStore_Integration(t *testing.T) {
	ctx, client := setupClient(t, "test-delivery-log")
	store := fs.NewDeliveryLogStore(client)
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	records := []dispatch.DeliveryRecord{
		{ID: "rec-1", RecipientID: "alice", Title: "t1", Class: dispatch.ClassSuccess, Success: true, MessageID: "m1", Attempts: 1, CreatedAt: base},
		{ID: "rec-2", RecipientID: "bob", Title: "t2", Class: dispatch.ClassUnregistered, Error: "gone", Attempts: 1, CreatedAt: base.Add(time.Minute)},
		{ID: "rec-3", RecipientID: "alice", Title: "t3", Class: dispatch.ClassTransient, Data: map[string]string{"k": "v"}, Attempts: 4, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, rec := range records {
		require.NoError(t, store.Append(ctx, rec))
	}

	t.Run("Records are append only", func(t *testing.T) {
		assert.Error(t, store.Append(ctx, records[0]))
	})

	t.Run("All records newest first", func(t *testing.T) {
		got, err := store.Query(ctx, dispatch.LogFilter{})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "rec-3", got[0].ID)
		assert.Equal(t, "rec-1", got[2].ID)
		assert.Equal(t, map[string]string{"k": "v"}, got[0].Data)
	})

	t.Run("Time range is half open", func(t *testing.T) {
		got, err := store.Query(ctx, dispatch.LogFilter{Since: base, Until: base.Add(2 * time.Minute)})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "rec-2", got[0].ID)
	})

	t.Run("Limit applies after ordering", func(t *testing.T) {
		got, err := store.Query(ctx, dispatch.LogFilter{Limit: 1})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "rec-3", got[0].ID)
	})

	t.Run("Filter by recipient", func(t *testing.T) {
		got, err := store.Query(ctx, dispatch.LogFilter{RecipientID: "bob"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, dispatch.ClassUnregistered, got[0].Class)
	})
}
