package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinical-kb-platform/internal/database"
	"clinical-kb-platform/models"
)

func newTestLogger() (*Logger, *database.MemoryStore) {
	store := database.NewMemoryStore()
	l := NewLogger(store, nil)
	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	return l, store
}

func TestLogChainsPerActor(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLogger()

	for _, action := range []string{models.AuditDelete, models.AuditFlagChanged, models.AuditJobRetried} {
		require.NoError(t, l.Log(ctx, &models.AuditEvent{ActorID: "admin-1", Action: action, Resource: "document", Success: true}))
	}
	require.NoError(t, l.Log(ctx, &models.AuditEvent{ActorID: "user-2", Action: models.AuditForbidden, Resource: "document"}))

	events, err := store.ListAuditEvents(ctx, "admin-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Empty(t, events[0].PreviousHash)
	assert.Equal(t, events[0].CurrentHash, events[1].PreviousHash)
	assert.Equal(t, events[1].CurrentHash, events[2].PreviousHash)

	other, err := store.ListAuditEvents(ctx, "user-2", 0)
	require.NoError(t, err)
	assert.Empty(t, other[0].PreviousHash)

	n, broken, err := l.VerifyChain(ctx, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, broken)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLogger()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Log(ctx, &models.AuditEvent{ActorID: "admin-1", Action: models.AuditDelete, Resource: "document"}))
	}
	events, _ := store.ListAuditEvents(ctx, "admin-1", 0)
	tampered := *events[1]
	tampered.ResourceID = "someone-else"
	tampered.ID = "tampered"
	require.NoError(t, store.InsertAuditEvent(ctx, &tampered))

	_, broken, err := l.VerifyChain(ctx, "admin-1")
	require.NoError(t, err)
	assert.NotEmpty(t, broken)
}

func TestChainResumesAfterRestart(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLogger()
	require.NoError(t, l.Log(ctx, &models.AuditEvent{ActorID: "admin-1", Action: models.AuditDelete}))

	restarted := NewLogger(store, nil)
	restarted.now = func() time.Time { return time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC) }
	require.NoError(t, restarted.Log(ctx, &models.AuditEvent{ActorID: "admin-1", Action: models.AuditJobRetried}))

	n, broken, err := restarted.VerifyChain(ctx, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, broken)
}

func TestAsyncWriterDrainsOnClose(t *testing.T) {
	l, store := newTestLogger()
	l.Start(4)
	for i := 0; i < 10; i++ {
		l.Record("admin-1", models.AuditFlagChanged, "flag", "remote_model_enabled", "req-1", true, nil)
	}
	l.Close()

	events, err := store.ListAuditEvents(context.Background(), "admin-1", 0)
	require.NoError(t, err)
	assert.Len(t, events, 10)
}
