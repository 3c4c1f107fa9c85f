package syncer

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"

	"github.com/md2gost/studio/backend/internal/model/session"
)

//go:embed example.md
var exampleMarkdown string

// Example returns the document shown in sessions that have nothing saved yet.
func Example() session.Document {
	return session.Document{
		Markdown: exampleMarkdown,
		Options:  session.RenderOptions{SyntaxHighlighting: true},
	}
}

// Backend is the session store as seen by an editing context. It is satisfied
// by the session service and by the HTTP client.
type Backend interface {
	CreateSession(ctx context.Context) (session.Session, error)
	ResolveShortID(ctx context.Context, shortID string) (string, error)
	LoadDocument(ctx context.Context, sessionID string) (*session.Document, error)
	SaveDocument(ctx context.Context, sessionID string, doc session.Document) error
}

// Bootstrap is the initial state of an editing context.
type Bootstrap struct {
	SessionID string           `json:"sessionId"`
	ShortID   string           `json:"shortId"`
	Document  session.Document `json:"document"`
	// Persisted is set when Document came from the store rather than Example.
	Persisted bool `json:"persisted"`
	// Created is set when shortID did not resolve and a new session was made.
	// Callers redirect to the new alias.
	Created bool `json:"created"`
}

// Open resolves shortID into an editing context. An empty or unresolvable
// alias creates a fresh session instead of failing. A resolved session whose
// document cannot be read is an error: the example document is only used when
// nothing was ever saved.
func Open(ctx context.Context, backend Backend, shortID string) (Bootstrap, error) {
	if shortID != "" {
		sessionID, err := backend.ResolveShortID(ctx, shortID)
		if err == nil {
			b, err := hydrate(ctx, backend, sessionID, shortID)
			if err == nil {
				return b, nil
			}
			if !errors.Is(err, session.ErrNotFound) {
				return Bootstrap{}, err
			}
			log.Printf("[sync] session=%s expired before load, starting a new session", sessionID)
		} else if !errors.Is(err, session.ErrNotFound) {
			log.Printf("[sync] resolve %s failed, starting a new session: %v", shortID, err)
		}
	}

	sess, err := backend.CreateSession(ctx)
	if err != nil {
		return Bootstrap{}, fmt.Errorf("create session: %w", err)
	}
	return Bootstrap{
		SessionID: sess.ID,
		ShortID:   sess.ShortID,
		Document:  Example(),
		Created:   true,
	}, nil
}

func hydrate(ctx context.Context, backend Backend, sessionID, shortID string) (Bootstrap, error) {
	doc, err := backend.LoadDocument(ctx, sessionID)
	if err != nil {
		return Bootstrap{}, fmt.Errorf("load document for session %s: %w", sessionID, err)
	}

	b := Bootstrap{SessionID: sessionID, ShortID: shortID, Document: Example()}
	if doc != nil {
		b.Document = *doc
		b.Persisted = true
	}
	return b, nil
}
