package preview

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/md2gost/studio/backend/internal/editor/clock"
	"github.com/md2gost/studio/backend/internal/model/render"
	"github.com/md2gost/studio/backend/internal/model/session"
)

// DefaultDebounce is the quiet period after the last edit before a preview is requested.
const DefaultDebounce = time.Second

// State of a scheduler.
type State int

const (
	Idle State = iota
	Pending
	InFlight
	Stale
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case InFlight:
		return "in_flight"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// UpdateKind tells the consumer what changed on screen.
type UpdateKind int

const (
	// UpdatePreview carries a rendering of the latest content.
	UpdatePreview UpdateKind = iota
	// UpdateError carries the failure of the latest attempt.
	UpdateError
	// UpdateLoading toggles the loading indicator.
	UpdateLoading
	// UpdateEmpty means the content is blank and the preview should be cleared.
	UpdateEmpty
)

func (k UpdateKind) String() string {
	switch k {
	case UpdatePreview:
		return "preview"
	case UpdateError:
		return "preview_error"
	case UpdateLoading:
		return "loading"
	case UpdateEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// Update is emitted on the Updates channel.
type Update struct {
	Kind    UpdateKind
	Seq     uint64
	Preview *render.Preview
	Err     error
	Loading bool
}

// Renderer is the part of the conversion gateway the scheduler dispatches to.
type Renderer interface {
	RenderPreview(ctx context.Context, req render.Request) (*render.Preview, error)
}

// Config for a Scheduler.
type Config struct {
	SessionID string
	Debounce  time.Duration
	Clock     clock.Clock
	// UpdateBuffer is the capacity of the Updates channel.
	UpdateBuffer int
}

type editEvent struct{ markdown string }

type optionsEvent struct{ opts session.RenderOptions }

type timerEvent struct{ gen uint64 }

type resultEvent struct {
	seq     uint64
	preview *render.Preview
	err     error
}

type stateQuery struct{ reply chan State }

// Scheduler debounces edits of one editing context into preview requests and
// discards results that no longer match the latest content. All mutable state
// is owned by a single event loop goroutine.
type Scheduler struct {
	renderer Renderer
	cfg      Config

	events  chan any
	updates chan Update

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// loopState is only touched by the event loop.
type loopState struct {
	state    State
	markdown string
	opts     session.RenderOptions

	version uint64 // bumped by every edit or options change

	timer    clock.Timer
	timerGen uint64

	lastSeq           uint64
	dispatchedVersion uint64
	awaiting          bool // the latest dispatch has not resolved yet

	shown   bool // a preview is on screen
	loading bool
}

// New starts a scheduler. Close must be called to release it.
func New(renderer Renderer, cfg Config) *Scheduler {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = 16
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		renderer: renderer,
		cfg:      cfg,
		events:   make(chan any),
		updates:  make(chan Update, cfg.UpdateBuffer),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.loop()
	return s
}

// Edit records new content and restarts the debounce window.
func (s *Scheduler) Edit(markdown string) {
	s.send(editEvent{markdown: markdown})
}

// SetOptions changes render options; it restarts the debounce window like an edit.
func (s *Scheduler) SetOptions(opts session.RenderOptions) {
	s.send(optionsEvent{opts: opts})
}

// State reports the current state, or Idle once closed.
func (s *Scheduler) State() State {
	reply := make(chan State, 1)
	if !s.send(stateQuery{reply: reply}) {
		return Idle
	}
	select {
	case st := <-reply:
		return st
	case <-s.done:
		return Idle
	}
}

// Updates delivers screen changes in order. It is closed by Close.
func (s *Scheduler) Updates() <-chan Update {
	return s.updates
}

// Close stops the debounce timer and the event loop. Results of requests still
// in flight are dropped.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.done)
		s.wg.Wait()
		close(s.updates)
	})
}

func (s *Scheduler) send(ev any) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	var st loopState
	for {
		select {
		case <-s.done:
			if st.timer != nil {
				st.timer.Stop()
			}
			return
		case ev := <-s.events:
			switch ev := ev.(type) {
			case editEvent:
				st.markdown = ev.markdown
				s.onEdit(&st)
			case optionsEvent:
				st.opts = ev.opts
				s.onEdit(&st)
			case timerEvent:
				if ev.gen == st.timerGen {
					st.timer = nil
					s.onDebounceExpired(&st)
				}
			case resultEvent:
				s.onResult(&st, ev)
			case stateQuery:
				ev.reply <- st.state
			}
		}
	}
}

func (s *Scheduler) onEdit(st *loopState) {
	st.version++
	s.restartTimer(st)

	switch st.state {
	case InFlight, Stale:
		st.state = Stale
	default:
		st.state = Pending
	}
}

func (s *Scheduler) restartTimer(st *loopState) {
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timerGen++
	gen := st.timerGen
	st.timer = s.cfg.Clock.AfterFunc(s.cfg.Debounce, func() {
		s.send(timerEvent{gen: gen})
	})
}

func (s *Scheduler) onDebounceExpired(st *loopState) {
	if strings.TrimSpace(st.markdown) == "" {
		st.state = Idle
		st.awaiting = false
		st.shown = false
		s.emit(Update{Kind: UpdateEmpty})
		s.refreshLoading(st)
		return
	}

	st.lastSeq++
	st.dispatchedVersion = st.version
	st.awaiting = true
	st.state = InFlight

	req := render.Request{
		Markdown:           st.markdown,
		SyntaxHighlighting: st.opts.SyntaxHighlighting,
		SessionID:          s.cfg.SessionID,
	}
	s.dispatch(st.lastSeq, req)
	s.refreshLoading(st)
}

func (s *Scheduler) dispatch(seq uint64, req render.Request) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		preview, err := s.renderer.RenderPreview(s.ctx, req)
		s.send(resultEvent{seq: seq, preview: preview, err: err})
	}()
}

func (s *Scheduler) onResult(st *loopState, ev resultEvent) {
	current := ev.seq == st.lastSeq && st.awaiting && st.version == st.dispatchedVersion
	if !current {
		// The superseded request was the only one out; the debounce timer
		// still decides what happens next.
		if st.state == Stale && ev.seq == st.lastSeq {
			st.state = Pending
			st.awaiting = false
			s.refreshLoading(st)
		}
		return
	}

	st.awaiting = false
	st.state = Idle

	if ev.err != nil {
		log.Printf("[preview] session=%s seq=%d failed: %v", s.cfg.SessionID, ev.seq, ev.err)
		s.emit(Update{Kind: UpdateError, Seq: ev.seq, Err: ev.err})
	} else {
		st.shown = true
		s.emit(Update{Kind: UpdatePreview, Seq: ev.seq, Preview: ev.preview})
	}
	s.refreshLoading(st)
}

func (s *Scheduler) refreshLoading(st *loopState) {
	loading := st.awaiting && !st.shown
	if loading == st.loading {
		return
	}
	st.loading = loading
	s.emit(Update{Kind: UpdateLoading, Loading: loading})
}

func (s *Scheduler) emit(u Update) {
	select {
	case s.updates <- u:
	case <-s.done:
	}
}
