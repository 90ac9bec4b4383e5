package stream

import (
	"context"
	"io"
	"time"
)

// State is the lifecycle state of a Session.
type State int

// Session states. Settled and cancelled are terminal.
const (
	StateCreated State = iota
	StateStreaming
	StateDraining
	StateSettled
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateSettled:
		return "settled"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateCancelled
}

// Session is one response lifecycle on a Renderer. Feed, FeedFrame, Consume, Finish and the
// buffer accessors must be called from the goroutine reading the response; Cancel and State
// are safe from any goroutine.
type Session struct {
	ID         string
	Generation uint64
	StartedAt  time.Time

	renderer *Renderer
	cancel   context.CancelFunc
	acc      Accumulator

	// state is guarded by renderer.mu.
	state State
}

// Feed accumulates text received on channel and retargets the animation. It reports false
// when the text was empty or the session no longer accepts input.
func (s *Session) Feed(channel int, text string) bool {
	r := s.renderer

	r.mu.Lock()
	switch s.state {
	case StateCreated:
		s.state = StateStreaming
	case StateStreaming:
	default:
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()

	if !s.acc.Add(channel, text) {
		return false
	}
	return r.SetTarget(s.Generation, s.acc.Combined(), s.acc.Phase())
}

// FeedFrame feeds the normalized text of f.
func (s *Session) FeedFrame(f Frame) bool {
	return s.Feed(f.Channel, f.Text())
}

// Consume decodes the data stream from rd and feeds every frame until EOF. It returns the
// transport error that ended the stream, or the context error on cancellation.
func (s *Session) Consume(ctx context.Context, rd io.Reader) error {
	for f, err := range Read(ctx, rd) {
		if err != nil {
			return err
		}
		s.FeedFrame(f)
	}
	return ctx.Err()
}

// Finish ends the stream: the session drains with one forced sync that makes the display
// equal the combined text, then settles. It returns the combined text. Finishing a cancelled
// session only returns the text accumulated so far.
func (s *Session) Finish() string {
	r := s.renderer

	r.mu.Lock()
	if s.state.Terminal() {
		r.mu.Unlock()
		return s.acc.Combined()
	}
	s.state = StateDraining
	r.mu.Unlock()

	s.acc.Finish()
	combined := s.acc.Combined()

	r.mu.Lock()
	if s.state == StateDraining && r.settleLocked(s, combined, s.acc.Phase()) {
		s.state = StateSettled
	}
	r.mu.Unlock()

	s.cancel()
	return combined
}

// Cancel stops the session from any non-terminal state. Pending animation work of the
// session is suppressed and the context returned by Begin is cancelled.
func (s *Session) Cancel() {
	r := s.renderer
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.state.Terminal() {
		return
	}
	s.markCancelledLocked()
	r.retireLocked(s)
}

func (s *Session) markCancelledLocked() {
	s.state = StateCancelled
	s.cancel()
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.renderer.mu.Lock()
	defer s.renderer.mu.Unlock()
	return s.state
}

// Phase returns the reasoning phase of the response.
func (s *Session) Phase() Phase { return s.acc.Phase() }

// Answer returns the answer buffer.
func (s *Session) Answer() string { return s.acc.Answer() }

// Reasoning returns the reasoning buffer.
func (s *Session) Reasoning() string { return s.acc.Reasoning() }

// Combined returns the current combined text.
func (s *Session) Combined() string { return s.acc.Combined() }
