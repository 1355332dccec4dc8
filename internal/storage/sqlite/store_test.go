package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-delivery/internal/storage/sqlite"
	"github.com/tinywideclouds/go-push-delivery/pkg/dispatch"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "push.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_Registrations(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	recipient := "urn:contacts:user:alice"
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	_, err := store.Lookup(ctx, recipient)
	assert.ErrorIs(t, err, dispatch.ErrNoDevice)

	require.NoError(t, store.Register(ctx, dispatch.DeviceRegistration{RecipientID: recipient, Token: "token-old", Platform: dispatch.PlatformAndroid, UpdatedAt: base}))
	require.NoError(t, store.Register(ctx, dispatch.DeviceRegistration{RecipientID: recipient, Token: "token-new", Platform: dispatch.PlatformWeb, UpdatedAt: base.Add(time.Hour)}))

	reg, err := store.Lookup(ctx, recipient)
	require.NoError(t, err)
	assert.Equal(t, "token-new", reg.Token)
	assert.Equal(t, dispatch.PlatformWeb, reg.Platform)
	assert.Equal(t, base.Add(time.Hour), reg.UpdatedAt)

	require.NoError(t, store.MarkInvalid(ctx, *reg))
	reg, err = store.Lookup(ctx, recipient)
	require.NoError(t, err)
	assert.Equal(t, "token-old", reg.Token)

	// Re-registering an invalidated token revives it.
	require.NoError(t, store.Register(ctx, dispatch.DeviceRegistration{RecipientID: recipient, Token: "token-new", Platform: dispatch.PlatformWeb, UpdatedAt: base.Add(2 * time.Hour)}))
	reg, err = store.Lookup(ctx, recipient)
	require.NoError(t, err)
	assert.Equal(t, "token-new", reg.Token)

	require.NoError(t, store.Unregister(ctx, recipient, "token-new"))
	require.NoError(t, store.Unregister(ctx, recipient, "token-old"))
	_, err = store.Lookup(ctx, recipient)
	assert.ErrorIs(t, err, dispatch.ErrNoDevice)

	err = store.Register(ctx, dispatch.DeviceRegistration{RecipientID: recipient})
	assert.ErrorIs(t, err, dispatch.ErrInvalidArgument)
}

func TestStore_ListActive(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	regs, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, regs)

	for _, reg := range []dispatch.DeviceRegistration{
		{RecipientID: "urn:contacts:user:bob", Token: "bob-old", Platform: dispatch.PlatformAndroid, UpdatedAt: base},
		{RecipientID: "urn:contacts:user:bob", Token: "bob-new", Platform: dispatch.PlatformIOS, UpdatedAt: base.Add(time.Hour)},
		{RecipientID: "urn:contacts:user:alice", Token: "alice-1", Platform: dispatch.PlatformWeb, UpdatedAt: base},
		{RecipientID: "urn:contacts:user:carol", Token: "carol-1", UpdatedAt: base},
	} {
		require.NoError(t, store.Register(ctx, reg))
	}
	require.NoError(t, store.MarkInvalid(ctx, dispatch.DeviceRegistration{RecipientID: "urn:contacts:user:carol", Token: "carol-1"}))

	regs, err = store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, regs, 2)
	assert.Equal(t, "urn:contacts:user:alice", regs[0].RecipientID)
	assert.Equal(t, "alice-1", regs[0].Token)
	assert.Equal(t, "urn:contacts:user:bob", regs[1].RecipientID)
	assert.Equal(t, "bob-new", regs[1].Token)
	assert.Equal(t, dispatch.PlatformIOS, regs[1].Platform)
	assert.Equal(t, base.Add(time.Hour), regs[1].UpdatedAt)
	assert.True(t, regs[1].Valid)
}

func TestStore_DeliveryLog(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	records := []dispatch.DeliveryRecord{
		{ID: "rec-1", RecipientID: "alice", Title: "t1", Body: "b", Type: "x", Class: dispatch.ClassSuccess, Success: true, MessageID: "m1", Attempts: 1, CreatedAt: base},
		{ID: "rec-2", RecipientID: "bob", Title: "t2", Body: "b", Type: "x", Class: dispatch.ClassUnregistered, Error: "gone", Attempts: 1, CreatedAt: base.Add(time.Minute)},
		{ID: "rec-3", RecipientID: "alice", Title: "t3", Body: "b", Type: "x", Class: dispatch.ClassTransient, Data: map[string]string{"k": "v"}, Attempts: 4, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, rec := range records {
		require.NoError(t, store.Append(ctx, rec))
	}

	t.Run("Duplicate id is rejected", func(t *testing.T) {
		assert.Error(t, store.Append(ctx, records[0]))
	})

	t.Run("Round trip keeps every field", func(t *testing.T) {
		got, err := store.Query(ctx, dispatch.LogFilter{})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, records[2], got[0])
		assert.Equal(t, records[1], got[1])
		assert.Equal(t, records[0], got[2])
	})

	t.Run("Filters combine", func(t *testing.T) {
		got, err := store.Query(ctx, dispatch.LogFilter{RecipientID: "alice", Since: base, Until: base.Add(2 * time.Minute)})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "rec-1", got[0].ID)
	})

	t.Run("Limit", func(t *testing.T) {
		got, err := store.Query(ctx, dispatch.LogFilter{Limit: 2})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "rec-3", got[0].ID)
	})

	t.Run("Empty result is not nil", func(t *testing.T) {
		got, err := store.Query(ctx, dispatch.LogFilter{RecipientID: "nobody"})
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})
}
