// Package sessiontest holds the behaviour every session.Store backend must share.
package sessiontest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md2gost/studio/backend/internal/model/session"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) session.Store

// Run exercises a Store implementation against the shared contract.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("CreateAndGet", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		require.NoError(t, store.Create(ctx, session.Session{ID: "s-1", ShortID: "abc12345", CreatedAt: now, UpdatedAt: now}))

		got, err := store.Get(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, "abc12345", got.ShortID)
		assert.Nil(t, got.Document)
		assert.True(t, got.CreatedAt.Equal(now))
	})

	t.Run("ShortIDCollision", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC()

		require.NoError(t, store.Create(ctx, session.Session{ID: "s-1", ShortID: "dup00000", CreatedAt: now, UpdatedAt: now}))
		err := store.Create(ctx, session.Session{ID: "s-2", ShortID: "dup00000", CreatedAt: now, UpdatedAt: now})
		assert.ErrorIs(t, err, session.ErrShortIDTaken)

		id, err := store.ResolveShortID(ctx, "dup00000")
		require.NoError(t, err)
		assert.Equal(t, "s-1", id)
	})

	t.Run("ResolveUnknown", func(t *testing.T) {
		store := newStore(t)
		_, err := store.ResolveShortID(context.Background(), "xyz")
		assert.ErrorIs(t, err, session.ErrNotFound)
	})

	t.Run("ResolveIsStable", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC()
		require.NoError(t, store.Create(ctx, session.Session{ID: "s-1", ShortID: "stable00", CreatedAt: now, UpdatedAt: now}))

		first, err := store.ResolveShortID(ctx, "stable00")
		require.NoError(t, err)
		second, err := store.ResolveShortID(ctx, "stable00")
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("SaveLoadRoundTrip", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC()
		require.NoError(t, store.Create(ctx, session.Session{ID: "s-1", ShortID: "round000", CreatedAt: now, UpdatedAt: now}))

		doc := session.Document{Markdown: "# Title\n\nБыстрый текст", Options: session.RenderOptions{SyntaxHighlighting: true}}
		later := now.Add(time.Minute).Truncate(time.Millisecond)
		require.NoError(t, store.SaveDocument(ctx, "s-1", doc, later))

		got, err := store.Get(ctx, "s-1")
		require.NoError(t, err)
		require.NotNil(t, got.Document)
		assert.Equal(t, doc, *got.Document)
		assert.True(t, got.UpdatedAt.Equal(later))
	})

	t.Run("SaveOverwritesWholesale", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC()
		require.NoError(t, store.Create(ctx, session.Session{ID: "s-1", ShortID: "over0000", CreatedAt: now, UpdatedAt: now}))

		require.NoError(t, store.SaveDocument(ctx, "s-1", session.Document{Markdown: "first", Options: session.RenderOptions{SyntaxHighlighting: true}}, now))
		require.NoError(t, store.SaveDocument(ctx, "s-1", session.Document{Markdown: "second"}, now))

		got, err := store.Get(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, session.Document{Markdown: "second"}, *got.Document)
	})

	t.Run("SaveUnknown", func(t *testing.T) {
		store := newStore(t)
		err := store.SaveDocument(context.Background(), "missing", session.Document{Markdown: "x"}, time.Now())
		assert.ErrorIs(t, err, session.ErrNotFound)
	})

	t.Run("DeleteRemovesAlias", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC()
		require.NoError(t, store.Create(ctx, session.Session{ID: "s-1", ShortID: "gone0000", CreatedAt: now, UpdatedAt: now}))
		require.NoError(t, store.Delete(ctx, "s-1"))

		_, err := store.Get(ctx, "s-1")
		assert.ErrorIs(t, err, session.ErrNotFound)
		_, err = store.ResolveShortID(ctx, "gone0000")
		assert.ErrorIs(t, err, session.ErrNotFound)
		assert.NoError(t, store.Delete(ctx, "s-1"))
	})

	t.Run("ExpiredBefore", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		base := time.Now().UTC().Add(-48 * time.Hour)
		require.NoError(t, store.Create(ctx, session.Session{ID: "old", ShortID: "old00000", CreatedAt: base, UpdatedAt: base}))
		require.NoError(t, store.Create(ctx, session.Session{ID: "fresh", ShortID: "fresh000", CreatedAt: base, UpdatedAt: base}))
		require.NoError(t, store.SaveDocument(ctx, "fresh", session.Document{Markdown: "x"}, time.Now().UTC()))

		ids, err := store.ExpiredBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, []string{"old"}, ids)
	})

	t.Run("ConcurrentSaves", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC()
		require.NoError(t, store.Create(ctx, session.Session{ID: "s-1", ShortID: "race0000", CreatedAt: now, UpdatedAt: now}))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_ = store.SaveDocument(ctx, "s-1", session.Document{Markdown: string(rune('a' + i))}, now)
			}(i)
		}
		wg.Wait()

		got, err := store.Get(ctx, "s-1")
		require.NoError(t, err)
		require.NotNil(t, got.Document)
		assert.Len(t, got.Document.Markdown, 1)
	})
}
