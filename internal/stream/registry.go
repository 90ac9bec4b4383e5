package stream

import (
	"context"
	"sync"
)

// Registry owns one Renderer per conversation thread, so at most one session is active per
// thread at any time.
type Registry struct {
	opts Options
	sink Sink

	mu        sync.Mutex
	renderers map[string]*Renderer
}

// NewRegistry creates a Registry whose renderers share opts and report to sink.
func NewRegistry(opts Options, sink Sink) *Registry {
	return &Registry{
		opts:      opts,
		sink:      sink,
		renderers: make(map[string]*Renderer),
	}
}

// Renderer returns the renderer of the thread, creating it on first use.
func (g *Registry) Renderer(threadID string) *Renderer {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rendererLocked(threadID)
}

func (g *Registry) rendererLocked(threadID string) *Renderer {
	r, ok := g.renderers[threadID]
	if !ok {
		r = NewRenderer(threadID, g.opts, g.sink)
		g.renderers[threadID] = r
	}
	return r
}

// Begin starts a session on the thread, replacing the active one.
func (g *Registry) Begin(ctx context.Context, threadID, sessionID string) (*Session, context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// The registry lock is held until the session is active, so Release cannot drop the
	// renderer in between.
	return g.rendererLocked(threadID).Begin(ctx, sessionID)
}

// Release drops the renderer of the thread when it has no active session. Callers release
// the thread once the session they began has settled or was cancelled.
func (g *Registry) Release(threadID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.renderers[threadID]
	if ok && r.Active() == nil {
		delete(g.renderers, threadID)
	}
}

// Active returns the active session of the thread, or nil.
func (g *Registry) Active(threadID string) *Session {
	g.mu.Lock()
	r, ok := g.renderers[threadID]
	g.mu.Unlock()
	if !ok {
		return nil
	}
	return r.Active()
}

// Cancel cancels the active session of the thread. It reports whether there was one.
func (g *Registry) Cancel(threadID string) bool {
	s := g.Active(threadID)
	if s == nil {
		return false
	}
	s.Cancel()
	return true
}

// Forget cancels the thread's active session and drops its renderer.
func (g *Registry) Forget(threadID string) {
	g.Cancel(threadID)

	g.mu.Lock()
	delete(g.renderers, threadID)
	g.mu.Unlock()
}

// CancelAll cancels every active session, typically on shutdown.
func (g *Registry) CancelAll() {
	g.mu.Lock()
	renderers := make([]*Renderer, 0, len(g.renderers))
	for _, r := range g.renderers {
		renderers = append(renderers, r)
	}
	g.mu.Unlock()

	for _, r := range renderers {
		if s := r.Active(); s != nil {
			s.Cancel()
		}
	}
}
