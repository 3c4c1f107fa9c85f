// Package editor hosts one live editing context: the document the user sees,
// its debounced preview cycle and its mirror in the session store.
package editor

import (
	"context"
	"sync"
	"time"

	"github.com/md2gost/studio/backend/internal/editor/clock"
	"github.com/md2gost/studio/backend/internal/editor/preview"
	"github.com/md2gost/studio/backend/internal/editor/syncer"
	"github.com/md2gost/studio/backend/internal/model/session"
)

// Config for an editing context.
type Config struct {
	PreviewDebounce time.Duration
	SyncDebounce    time.Duration
	Clock           clock.Clock
}

// Session is one editing context. Local state is the source of truth; the
// store copy is best effort.
type Session struct {
	boot      syncer.Bootstrap
	scheduler *preview.Scheduler
	syncer    *syncer.Syncer

	mu  sync.Mutex
	doc session.Document
}

// Open bootstraps the context for shortID and requests the first preview.
func Open(ctx context.Context, backend syncer.Backend, renderer preview.Renderer, shortID string, cfg Config) (*Session, error) {
	boot, err := syncer.Open(ctx, backend, shortID)
	if err != nil {
		return nil, err
	}

	s := &Session{
		boot: boot,
		doc:  boot.Document,
		scheduler: preview.New(renderer, preview.Config{
			SessionID: boot.SessionID,
			Debounce:  cfg.PreviewDebounce,
			Clock:     cfg.Clock,
		}),
		syncer: syncer.New(backend, boot.SessionID, syncer.Config{
			Debounce: cfg.SyncDebounce,
			Clock:    cfg.Clock,
		}),
	}

	s.scheduler.SetOptions(boot.Document.Options)
	s.scheduler.Edit(boot.Document.Markdown)
	return s, nil
}

// Bootstrap returns how the context was opened.
func (s *Session) Bootstrap() syncer.Bootstrap {
	return s.boot
}

// Document returns the local document.
func (s *Session) Document() session.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

// Edit replaces the markdown content.
func (s *Session) Edit(markdown string) {
	s.mu.Lock()
	s.doc.Markdown = markdown
	doc := s.doc
	s.mu.Unlock()

	s.scheduler.Edit(markdown)
	s.syncer.Edit(doc)
}

// SetOptions replaces the render options.
func (s *Session) SetOptions(opts session.RenderOptions) {
	s.mu.Lock()
	s.doc.Options = opts
	doc := s.doc
	s.mu.Unlock()

	s.scheduler.SetOptions(opts)
	s.syncer.Edit(doc)
}

// Updates delivers preview changes. It is closed by Close.
func (s *Session) Updates() <-chan preview.Update {
	return s.scheduler.Updates()
}

// SaveErrors reports failed background saves.
func (s *Session) SaveErrors() <-chan error {
	return s.syncer.Errors()
}

// PreviewState reports the preview scheduler state.
func (s *Session) PreviewState() preview.State {
	return s.scheduler.State()
}

// Close flushes unsaved edits and tears the context down. The returned error
// is the flush failure, if any; teardown happens regardless.
func (s *Session) Close(ctx context.Context) error {
	err := s.syncer.Flush(ctx)
	s.syncer.Close()
	s.scheduler.Close()
	return err
}
