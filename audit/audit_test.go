package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/darkauth/darkauth/storage"
	"github.com/darkauth/darkauth/storage/memory"
)

func newTestSink(t *testing.T) (*StorageSink, storage.Storage) {
	t.Helper()
	store := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStorageSink(store, logger), store
}

func TestRecordStampsCreatedAtAndPersists(t *testing.T) {
	ctx := context.Background()
	sink, store := newTestSink(t)

	e := Event("user.login", storage.ActorUser, "user1")
	sink.Record(ctx, e)

	events, total, err := store.ListAuditEvents(ctx, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, events, 1)
	require.Equal(t, "user.login", events[0].EventType)
	require.False(t, events[0].CreatedAt.IsZero())
}

func TestEventBuilders(t *testing.T) {
	e := Event("client.update", storage.ActorAdmin, "admin1")
	e = WithResource(e, "client", "client1")
	e = WithRequest(e, "PUT", "/admin/clients/client1", 200, "127.0.0.1", "test-agent")
	require.True(t, e.Success)
	require.Equal(t, "client", e.ResourceType)
	require.Equal(t, "client1", e.ResourceID)
	require.Equal(t, 200, e.StatusCode)

	e = WithError(e, errors.New("boom"))
	require.False(t, e.Success)
	require.Equal(t, "boom", e.ErrorMessage)
}
