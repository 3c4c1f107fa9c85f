package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md2gost/studio/backend/internal/model/session"
	"github.com/md2gost/studio/backend/internal/model/session/sessiontest"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreContract(t *testing.T) {
	sessiontest.Run(t, func(t *testing.T) session.Store {
		return openMemory(t)
	})
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "sessions.db")
	ctx := context.Background()
	now := time.Now().UTC()

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, session.Session{ID: "s-1", ShortID: "keep0000", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, store.SaveDocument(ctx, "s-1", session.Document{Markdown: "kept"}, now))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	id, err := reopened.ResolveShortID(ctx, "keep0000")
	require.NoError(t, err)
	got, err := reopened.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "kept", got.Document.Markdown)
}

func TestStoreClosedIsUnavailable(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = store.ResolveShortID(context.Background(), "abcd1234")
	assert.ErrorIs(t, err, session.ErrStorageUnavailable)
}
