package session

import (
	"errors"
	"time"
)

var (
	ErrNotFound           = errors.New("session not found")
	ErrShortIDTaken       = errors.New("short id already issued")
	ErrStorageUnavailable = errors.New("session storage unavailable")
)

// RenderOptions are the user-facing toggles forwarded to the rendering engine.
type RenderOptions struct {
	SyntaxHighlighting bool `json:"syntaxHighlighting"`
}

// Document is the full persisted editor state of a session.
type Document struct {
	Markdown string        `json:"markdown"`
	Options  RenderOptions `json:"options"`
}

// Session is a durable, addressable editing context.
// Document is nil until the first save.
type Session struct {
	ID        string    `json:"sessionId"`
	ShortID   string    `json:"shortId"`
	Document  *Document `json:"document,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a copy that shares no memory with s.
func (s Session) Clone() Session {
	if s.Document != nil {
		doc := *s.Document
		s.Document = &doc
	}
	return s
}
