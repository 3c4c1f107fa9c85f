package session_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/md2gost/studio/backend/internal/model/session"
	"github.com/md2gost/studio/backend/internal/model/session/sessiontest"
)

func TestMemoryStore(t *testing.T) {
	sessiontest.Run(t, func(t *testing.T) session.Store {
		return session.NewMemoryStore()
	})
}

func TestMemoryStoreClosed(t *testing.T) {
	store := session.NewMemoryStore()
	_ = store.Close()

	_, err := store.ResolveShortID(context.Background(), "abc")
	assert.ErrorIs(t, err, session.ErrStorageUnavailable)
	assert.ErrorIs(t, store.Ping(context.Background()), session.ErrStorageUnavailable)
}

func TestSessionCloneDetachesDocument(t *testing.T) {
	doc := &session.Document{Markdown: "a"}
	orig := session.Session{ID: "s", Document: doc}

	cp := orig.Clone()
	cp.Document.Markdown = "b"

	assert.Equal(t, "a", orig.Document.Markdown)
}
