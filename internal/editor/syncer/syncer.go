package syncer

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/md2gost/studio/backend/internal/editor/clock"
	"github.com/md2gost/studio/backend/internal/model/session"
)

const (
	DefaultDebounce    = 2 * time.Second
	DefaultSaveTimeout = 30 * time.Second
)

// Config for a Syncer.
type Config struct {
	Debounce    time.Duration
	SaveTimeout time.Duration
	Clock       clock.Clock
}

type version struct {
	doc session.Document
	n   uint64
}

// Syncer mirrors local edits of one session into the store. Saves run in the
// background after a quiet period and never block Edit. Saves are applied in
// edit order; a save never overwrites a newer one.
type Syncer struct {
	backend   Backend
	sessionID string
	cfg       Config

	mu       sync.Mutex
	timer    clock.Timer
	timerGen uint64
	edits    uint64
	pending  *version // waiting for the debounce window
	queued   *version // handed to the save worker
	draining bool
	closed   bool

	saveMu sync.Mutex
	saved  uint64

	errs chan error
	wg   sync.WaitGroup
}

// New creates a syncer for sessionID.
func New(backend Backend, sessionID string, cfg Config) *Syncer {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = DefaultSaveTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real
	}
	return &Syncer{
		backend:   backend,
		sessionID: sessionID,
		cfg:       cfg,
		errs:      make(chan error, 8),
	}
}

// Edit records doc as the latest local state and restarts the debounce window.
func (s *Syncer) Edit(doc session.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.edits++
	s.pending = &version{doc: doc, n: s.edits}

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerGen++
	gen := s.timerGen
	s.timer = s.cfg.Clock.AfterFunc(s.cfg.Debounce, func() {
		s.expire(gen)
	})
}

// Errors reports failed background saves. Delivery is best effort; errors are
// also logged.
func (s *Syncer) Errors() <-chan error {
	return s.errs
}

// Flush saves any edit that has not been written yet and waits for it.
func (s *Syncer) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
	v := s.pending
	s.pending = nil
	if v == nil {
		v = s.queued
		s.queued = nil
	}
	s.mu.Unlock()

	if v == nil {
		return nil
	}
	return s.save(ctx, v)
}

// Close stops the debounce timer and waits for a running save. Edits that were
// not flushed are dropped.
func (s *Syncer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.wg.Wait()
	close(s.errs)
}

func (s *Syncer) expire(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.timerGen || s.pending == nil {
		s.mu.Unlock()
		return
	}
	s.queued = s.pending
	s.pending = nil
	s.timer = nil

	start := !s.draining
	if start {
		s.draining = true
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if start {
		go s.drain()
	}
}

func (s *Syncer) drain() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		v := s.queued
		s.queued = nil
		if v == nil {
			s.draining = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SaveTimeout)
		s.save(ctx, v)
		cancel()
	}
}

func (s *Syncer) save(ctx context.Context, v *version) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if v.n <= s.saved {
		return nil
	}
	if err := s.backend.SaveDocument(ctx, s.sessionID, v.doc); err != nil {
		log.Printf("[sync] save session=%s failed: %v", s.sessionID, err)
		s.report(err)
		return err
	}
	s.saved = v.n
	return nil
}

func (s *Syncer) report(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}
