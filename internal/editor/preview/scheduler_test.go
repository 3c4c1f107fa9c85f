package preview

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md2gost/studio/backend/internal/editor/clock"
	"github.com/md2gost/studio/backend/internal/model/render"
	"github.com/md2gost/studio/backend/internal/model/session"
)

type result struct {
	preview *render.Preview
	err     error
}

type call struct {
	req   render.Request
	reply chan result
}

type fakeRenderer struct {
	calls chan call
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{calls: make(chan call, 16)}
}

func (f *fakeRenderer) RenderPreview(ctx context.Context, req render.Request) (*render.Preview, error) {
	c := call{req: req, reply: make(chan result, 1)}
	f.calls <- c
	select {
	case r := <-c.reply:
		return r.preview, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeRenderer) next(t *testing.T) call {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(time.Second):
		t.Fatal("expected a preview request")
		return call{}
	}
}

func (f *fakeRenderer) none(t *testing.T) {
	t.Helper()
	select {
	case c := <-f.calls:
		t.Fatalf("unexpected preview request for %q", c.req.Markdown)
	case <-time.After(50 * time.Millisecond):
	}
}

func pdf(data string) *render.Preview {
	return &render.Preview{Format: render.FormatPDF, Data: data}
}

func setup(t *testing.T) (*Scheduler, *clock.Manual, *fakeRenderer) {
	t.Helper()
	clk := &clock.Manual{}
	renderer := newFakeRenderer()
	s := New(renderer, Config{SessionID: "s1", Clock: clk})
	t.Cleanup(s.Close)
	return s, clk, renderer
}

func nextUpdate(t *testing.T, s *Scheduler) Update {
	t.Helper()
	select {
	case u, ok := <-s.Updates():
		require.True(t, ok, "updates channel closed")
		return u
	case <-time.After(time.Second):
		t.Fatal("expected an update")
		return Update{}
	}
}

func noUpdate(t *testing.T, s *Scheduler) {
	t.Helper()
	select {
	case u := <-s.Updates():
		t.Fatalf("unexpected update %s seq=%d", u.Kind, u.Seq)
	case <-time.After(50 * time.Millisecond):
	}
}

// settle waits until the event loop has handled everything sent so far.
func settle(s *Scheduler) State {
	return s.State()
}

func TestSingleEditDispatchesOnceAndShowsResult(t *testing.T) {
	s, clk, renderer := setup(t)

	s.Edit("Hello")
	assert.Equal(t, Pending, settle(s))
	renderer.none(t)

	require.Equal(t, 1, clk.Fire())
	c := renderer.next(t)
	assert.Equal(t, "Hello", c.req.Markdown)
	assert.Equal(t, "s1", c.req.SessionID)
	assert.Equal(t, InFlight, settle(s))

	u := nextUpdate(t, s)
	assert.Equal(t, UpdateLoading, u.Kind)
	assert.True(t, u.Loading)

	c.reply <- result{preview: pdf("hello")}

	u = nextUpdate(t, s)
	require.Equal(t, UpdatePreview, u.Kind)
	assert.Equal(t, "hello", u.Preview.Data)
	assert.Equal(t, uint64(1), u.Seq)

	u = nextUpdate(t, s)
	assert.Equal(t, UpdateLoading, u.Kind)
	assert.False(t, u.Loading)

	assert.Equal(t, Idle, settle(s))
	renderer.none(t)
}

func TestEditsWithinWindowDispatchOnlyFinalContent(t *testing.T) {
	s, clk, renderer := setup(t)

	s.Edit("Hello")
	s.Edit("Hello world")
	settle(s)

	timers := clk.Timers()
	require.Len(t, timers, 2)
	assert.True(t, timers[0].Stopped())

	// A callback of the replaced timer that raced its Stop is ignored.
	timers[0].Run()
	assert.Equal(t, Pending, settle(s))
	renderer.none(t)

	require.Equal(t, 1, clk.Fire())
	c := renderer.next(t)
	assert.Equal(t, "Hello world", c.req.Markdown)
	renderer.none(t)
}

func TestEditDuringFlightDiscardsOldResult(t *testing.T) {
	s, clk, renderer := setup(t)

	s.Edit("Hello")
	settle(s)
	clk.Fire()
	first := renderer.next(t)
	assert.True(t, nextUpdate(t, s).Loading)

	s.Edit("Hello world")
	assert.Equal(t, Stale, settle(s))

	first.reply <- result{preview: pdf("hello")}
	require.Eventually(t, func() bool { return s.State() == Pending }, time.Second, 5*time.Millisecond)

	u := nextUpdate(t, s)
	assert.Equal(t, UpdateLoading, u.Kind)
	assert.False(t, u.Loading)

	clk.Fire()
	second := renderer.next(t)
	assert.Equal(t, "Hello world", second.req.Markdown)
	assert.True(t, nextUpdate(t, s).Loading)

	second.reply <- result{preview: pdf("hello world")}
	u = nextUpdate(t, s)
	require.Equal(t, UpdatePreview, u.Kind)
	assert.Equal(t, "hello world", u.Preview.Data)
	assert.Equal(t, uint64(2), u.Seq)
}

func TestOlderResultArrivingLateIsNeverShown(t *testing.T) {
	s, clk, renderer := setup(t)

	s.Edit("one")
	settle(s)
	clk.Fire()
	first := renderer.next(t)
	nextUpdate(t, s) // loading on

	s.Edit("two")
	settle(s)
	clk.Fire()
	second := renderer.next(t)
	assert.Equal(t, InFlight, settle(s))

	second.reply <- result{preview: pdf("two")}
	u := nextUpdate(t, s)
	require.Equal(t, UpdatePreview, u.Kind)
	assert.Equal(t, "two", u.Preview.Data)
	nextUpdate(t, s) // loading off

	first.reply <- result{preview: pdf("one")}
	noUpdate(t, s)
	assert.Equal(t, Idle, settle(s))
}

func TestFailureIsSurfacedAndNextEditStillDispatches(t *testing.T) {
	s, clk, renderer := setup(t)

	s.Edit("# broken")
	settle(s)
	clk.Fire()
	c := renderer.next(t)
	nextUpdate(t, s)

	engineErr := &render.EngineError{StatusCode: 500, Message: "unknown directive"}
	c.reply <- result{err: engineErr}

	u := nextUpdate(t, s)
	require.Equal(t, UpdateError, u.Kind)
	assert.ErrorIs(t, u.Err, render.ErrRenderingFailed)
	assert.Contains(t, u.Err.Error(), "unknown directive")
	assert.False(t, nextUpdate(t, s).Loading)
	assert.Equal(t, Idle, settle(s))

	s.Edit("# fixed")
	settle(s)
	clk.Fire()
	c = renderer.next(t)
	assert.Equal(t, "# fixed", c.req.Markdown)
	nextUpdate(t, s)

	c.reply <- result{preview: pdf("fixed")}
	u = nextUpdate(t, s)
	assert.Equal(t, UpdatePreview, u.Kind)
	assert.Equal(t, uint64(2), u.Seq)
}

func TestStaleFailureIsDropped(t *testing.T) {
	s, clk, renderer := setup(t)

	s.Edit("a")
	settle(s)
	clk.Fire()
	c := renderer.next(t)
	nextUpdate(t, s)

	s.Edit("ab")
	settle(s)
	c.reply <- result{err: &render.EngineError{StatusCode: 500, Message: "boom"}}

	require.Eventually(t, func() bool { return s.State() == Pending }, time.Second, 5*time.Millisecond)
	u := nextUpdate(t, s)
	assert.Equal(t, UpdateLoading, u.Kind)
	noUpdate(t, s)
}

func TestLoadingSuppressedOncePreviewShown(t *testing.T) {
	s, clk, renderer := setup(t)

	s.Edit("first")
	settle(s)
	clk.Fire()
	c := renderer.next(t)
	nextUpdate(t, s)
	c.reply <- result{preview: pdf("first")}
	nextUpdate(t, s)
	nextUpdate(t, s)

	s.Edit("second")
	settle(s)
	clk.Fire()
	c = renderer.next(t)
	noUpdate(t, s)

	c.reply <- result{preview: pdf("second")}
	u := nextUpdate(t, s)
	assert.Equal(t, UpdatePreview, u.Kind)
	noUpdate(t, s)
}

func TestBlankContentNeverDispatches(t *testing.T) {
	s, clk, renderer := setup(t)

	s.Edit("  \n\t")
	settle(s)
	clk.Fire()

	u := nextUpdate(t, s)
	assert.Equal(t, UpdateEmpty, u.Kind)
	renderer.none(t)
	assert.Equal(t, Idle, settle(s))
}

func TestOptionsChangeRestartsCycle(t *testing.T) {
	s, clk, renderer := setup(t)

	s.Edit("```go\nx := 1\n```")
	s.SetOptions(session.RenderOptions{SyntaxHighlighting: true})
	settle(s)
	require.Equal(t, 1, clk.Fire())

	c := renderer.next(t)
	assert.True(t, c.req.SyntaxHighlighting)
}

func TestCloseReleasesScheduler(t *testing.T) {
	clk := &clock.Manual{}
	renderer := newFakeRenderer()
	s := New(renderer, Config{Clock: clk})

	s.Edit("Hello")
	settle(s)
	clk.Fire()
	renderer.next(t)

	done := make(chan struct{})
	go func() {
		s.Close()
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}

	s.Edit("after close")
	assert.Equal(t, Idle, s.State())
	for range s.Updates() {
	}
}
