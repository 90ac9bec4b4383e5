package stream

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualOpts keeps the background tasks from firing so tests drive Tick and Flush by hand.
var manualOpts = Options{TickInterval: time.Hour, Debounce: time.Hour}

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) sink(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) all() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.updates...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = nil
}

func newManualRenderer(t *testing.T) (*Renderer, *recorder) {
	t.Helper()
	rec := &recorder{}
	return NewRenderer("thread-1", manualOpts, rec.sink), rec
}

func TestRendererTickRevealsPrefix(t *testing.T) {
	r, rec := newManualRenderer(t)
	s, _ := r.Begin(context.Background(), "s1")
	t.Cleanup(s.Cancel)

	require.True(t, s.Feed(ChannelAnswer, "Hello, world"))
	target := r.Target()
	require.Equal(t, "Hello, world", target)

	prev := 0
	for r.Tick(s.Generation) {
		d := r.Display()
		assert.True(t, strings.HasPrefix(target, d))
		assert.Greater(t, utf8.RuneCountInString(d), prev)
		assert.LessOrEqual(t, utf8.RuneCountInString(d)-prev, DefaultTickStep)
		prev = utf8.RuneCountInString(d)
	}
	assert.Equal(t, target, r.Display())
	assert.False(t, r.Tick(s.Generation), "nothing left to reveal")

	for _, u := range rec.all() {
		assert.Equal(t, "thread-1", u.ThreadID)
		assert.Equal(t, "s1", u.SessionID)
		assert.False(t, u.Final)
	}
}

func TestRendererDisplayStaysPrefixWhileReasoningGrows(t *testing.T) {
	r, _ := newManualRenderer(t)
	s, _ := r.Begin(context.Background(), "")
	t.Cleanup(s.Cancel)

	s.Feed(ChannelReasoning, "think")
	s.Feed(ChannelAnswer, "A")
	for r.Tick(s.Generation) {
	}
	require.Equal(t, r.Target(), r.Display())

	s.Feed(ChannelReasoning, " harder")
	for r.Tick(s.Generation) {
		assert.True(t, strings.HasPrefix(r.Target(), r.Display()))
	}
	assert.Equal(t, "<thinking>think harder</thinking>\n\nA", r.Display())
}

func TestRendererFlushGate(t *testing.T) {
	r, _ := newManualRenderer(t)
	clock := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return clock }

	s, _ := r.Begin(context.Background(), "s1")
	t.Cleanup(s.Cancel)
	s.Feed(ChannelAnswer, strings.Repeat("x", 40))

	assert.True(t, r.Flush(s.Generation, false))
	assert.Equal(t, DefaultFlushStep, len(r.Display()))

	clock = clock.Add(10 * time.Millisecond)
	assert.False(t, r.Flush(s.Generation, false), "within the minimum interval")
	assert.Equal(t, DefaultFlushStep, len(r.Display()))

	clock = clock.Add(50 * time.Millisecond)
	assert.True(t, r.Flush(s.Generation, false))
	assert.Equal(t, 2*DefaultFlushStep, len(r.Display()))
}

func TestRendererFlushWithNothingPendingKeepsToken(t *testing.T) {
	r, _ := newManualRenderer(t)
	clock := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return clock }

	s, _ := r.Begin(context.Background(), "s1")
	t.Cleanup(s.Cancel)

	assert.False(t, r.Flush(s.Generation, false))
	s.Feed(ChannelAnswer, "abc")
	assert.True(t, r.Flush(s.Generation, false))
}

func TestRendererForcedFlushCopiesTarget(t *testing.T) {
	r, rec := newManualRenderer(t)
	s, _ := r.Begin(context.Background(), "s1")
	t.Cleanup(s.Cancel)

	s.Feed(ChannelReasoning, "считаю ")
	s.Feed(ChannelAnswer, "42 🎉")

	require.True(t, r.Flush(s.Generation, true))
	assert.Equal(t, r.Target(), r.Display())
	assert.Equal(t, "<thinking>считаю</thinking>\n\n42 🎉", r.Display())

	updates := rec.all()
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Equal(t, r.Target(), last.Display)
	assert.Equal(t, PhaseReasoningDone, last.Phase)
}

func TestRendererUnicodeSteps(t *testing.T) {
	r, rec := newManualRenderer(t)
	s, _ := r.Begin(context.Background(), "s1")
	t.Cleanup(s.Cancel)

	s.Feed(ChannelAnswer, "héllo 🌍 мир 日本語")
	for r.Tick(s.Generation) {
	}
	for i := 0; r.Flush(s.Generation, false); i++ {
		require.Less(t, i, 100)
	}

	for _, u := range rec.all() {
		assert.True(t, utf8.ValidString(u.Display), "display %q", u.Display)
	}
	assert.Equal(t, r.Target(), r.Display())
}

func TestRendererStaleSessionIsSuppressed(t *testing.T) {
	r, rec := newManualRenderer(t)

	s1, ctx1 := r.Begin(context.Background(), "s1")
	s1.Feed(ChannelAnswer, "old answer")
	r.Tick(s1.Generation)

	s2, _ := r.Begin(context.Background(), "s2")
	t.Cleanup(s2.Cancel)
	rec.reset()

	assert.Equal(t, StateCancelled, s1.State())
	assert.ErrorIs(t, ctx1.Err(), context.Canceled)
	assert.Empty(t, r.Display(), "display resets for the new session")

	assert.False(t, r.Tick(s1.Generation))
	assert.False(t, r.Flush(s1.Generation, false))
	assert.False(t, r.Flush(s1.Generation, true))
	assert.False(t, r.SetTarget(s1.Generation, "stale", PhaseIdle))
	assert.False(t, s1.Feed(ChannelAnswer, "more"))

	s2.Feed(ChannelAnswer, "new")
	r.Tick(s2.Generation)

	updates := rec.all()
	require.NotEmpty(t, updates)
	for _, u := range updates {
		assert.Equal(t, "s2", u.SessionID)
	}
	assert.Same(t, s2, r.Active())
}

func TestSessionFinishSettles(t *testing.T) {
	r, rec := newManualRenderer(t)
	s, ctx := r.Begin(context.Background(), "s1")
	assert.Equal(t, StateCreated, s.State())

	s.Feed(ChannelReasoning, "step one. ")
	assert.Equal(t, StateStreaming, s.State())
	assert.Equal(t, PhaseReasoning, s.Phase())
	s.Feed(ChannelAnswer, "Answer.")

	combined := s.Finish()
	assert.Equal(t, "<thinking>step one.</thinking>\n\nAnswer.", combined)
	assert.Equal(t, StateSettled, s.State())
	assert.Nil(t, r.Active())
	assert.Equal(t, combined, r.Display())
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	updates := rec.all()
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.True(t, last.Final)
	assert.Equal(t, combined, last.Display)

	rec.reset()
	assert.False(t, r.Tick(s.Generation))
	assert.False(t, r.Flush(s.Generation, true))
	assert.False(t, s.Feed(ChannelAnswer, "late"))
	assert.Empty(t, rec.all())

	assert.Equal(t, combined, s.Finish(), "finish is idempotent")
	s.Cancel()
	assert.Equal(t, StateSettled, s.State())
}

func TestSessionFinishReasoningOnly(t *testing.T) {
	r, _ := newManualRenderer(t)
	s, _ := r.Begin(context.Background(), "s1")

	s.Feed(ChannelReasoning, "only thinking")
	s.Finish()

	assert.Equal(t, PhaseReasoningDone, s.Phase())
	assert.Equal(t, "<thinking>only thinking</thinking>\n\n", r.Display())
}

func TestSessionCancelKeepsPartialText(t *testing.T) {
	r, rec := newManualRenderer(t)
	s, ctx := r.Begin(context.Background(), "s1")

	s.Feed(ChannelAnswer, "partial")
	s.Cancel()

	assert.Equal(t, StateCancelled, s.State())
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.Nil(t, r.Active())

	rec.reset()
	assert.Equal(t, "partial", s.Finish())
	assert.Equal(t, StateCancelled, s.State())
	assert.Empty(t, rec.all(), "no final sync after cancel")
}

func TestSessionCancelledByContext(t *testing.T) {
	r, _ := newManualRenderer(t)
	parent, cancel := context.WithCancel(context.Background())

	s, _ := r.Begin(parent, "")
	require.NotEmpty(t, s.ID)
	cancel()

	require.Eventually(t, func() bool {
		return s.State() == StateCancelled
	}, time.Second, 5*time.Millisecond)
	assert.Nil(t, r.Active())
}

func TestSessionConsume(t *testing.T) {
	r, _ := newManualRenderer(t)
	s, ctx := r.Begin(context.Background(), "s1")

	require.NoError(t, s.Consume(ctx, strings.NewReader(sampleStream)))
	assert.Equal(t, "Hello wörld 🌍tail without newline", s.Answer())
	assert.Equal(t, "думаю…aux", s.Reasoning())

	s.Finish()
	assert.Equal(t, s.Combined(), r.Display())
}

func TestSessionConsumeStopsWhenCancelled(t *testing.T) {
	r, _ := newManualRenderer(t)
	s, ctx := r.Begin(context.Background(), "s1")
	s.Cancel()

	err := s.Consume(ctx, strings.NewReader(sampleStream))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, s.Combined())
}

func TestRendererConvergesWithTimers(t *testing.T) {
	rec := &recorder{}
	r := NewRenderer("thread-1", Options{
		TickInterval:     time.Millisecond,
		Debounce:         time.Millisecond,
		MinFlushInterval: time.Millisecond,
	}, rec.sink)

	s, _ := r.Begin(context.Background(), "s1")
	t.Cleanup(s.Cancel)

	for _, w := range strings.Fields("the quick brown fox jumps over the lazy dog") {
		s.Feed(ChannelAnswer, w+" ")
	}

	require.Eventually(t, func() bool {
		return r.Display() == r.Target()
	}, 2*time.Second, 5*time.Millisecond)

	prev := 0
	for _, u := range rec.all() {
		assert.GreaterOrEqual(t, len(u.Display), prev)
		prev = len(u.Display)
	}
}

func TestRegistry(t *testing.T) {
	rec := &recorder{}
	g := NewRegistry(manualOpts, rec.sink)

	assert.Nil(t, g.Active("a"))
	assert.False(t, g.Cancel("a"))

	a1, _ := g.Begin(context.Background(), "a", "a1")
	a2, _ := g.Begin(context.Background(), "a", "a2")
	b1, _ := g.Begin(context.Background(), "b", "b1")

	assert.Same(t, g.Renderer("a"), g.Renderer("a"))
	assert.Equal(t, StateCancelled, a1.State(), "one active session per thread")
	assert.Same(t, a2, g.Active("a"))
	assert.Same(t, b1, g.Active("b"))

	assert.True(t, g.Cancel("a"))
	assert.Equal(t, StateCancelled, a2.State())
	assert.Nil(t, g.Active("a"))

	g.Forget("b")
	assert.Equal(t, StateCancelled, b1.State())
	assert.Nil(t, g.Active("b"))

	c1, _ := g.Begin(context.Background(), "c", "c1")
	d1, _ := g.Begin(context.Background(), "d", "d1")
	g.CancelAll()
	assert.Equal(t, StateCancelled, c1.State())
	assert.Equal(t, StateCancelled, d1.State())
}

func TestRegistryRelease(t *testing.T) {
	g := NewRegistry(manualOpts, nil)
	tracked := func(threadID string) bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		_, ok := g.renderers[threadID]
		return ok
	}

	a1, _ := g.Begin(context.Background(), "a", "a1")
	g.Release("a")
	assert.True(t, tracked("a"), "a thread with an active session is kept")

	a1.Feed(ChannelAnswer, "done")
	a1.Finish()
	g.Release("a")
	assert.False(t, tracked("a"), "a settled thread is dropped")

	b1, _ := g.Begin(context.Background(), "b", "b1")
	b1.Cancel()
	g.Release("b")
	assert.False(t, tracked("b"), "a cancelled thread is dropped")

	c1, _ := g.Begin(context.Background(), "c", "c1")
	c2, _ := g.Begin(context.Background(), "c", "c2")
	assert.Equal(t, StateCancelled, c1.State())
	g.Release("c")
	assert.True(t, tracked("c"), "a replaced session leaves the new one running")
	assert.Same(t, c2, g.Active("c"))
	c2.Cancel()

	g.Release("missing")
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "draining", StateDraining.String())
	assert.True(t, StateSettled.Terminal())
	assert.False(t, StateStreaming.Terminal())
	assert.Equal(t, "reasoning-finished", PhaseReasoningDone.String())
}
