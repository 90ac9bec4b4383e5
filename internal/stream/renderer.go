package stream

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Default animation settings.
const (
	DefaultTickInterval     = 20 * time.Millisecond
	DefaultTickStep         = 3
	DefaultFlushStep        = 5
	DefaultDebounce         = 20 * time.Millisecond
	DefaultMinFlushInterval = 50 * time.Millisecond
)

// Options configures the typing animation of a Renderer. Zero fields take the defaults.
type Options struct {
	// TickInterval is the period of the typing loop.
	TickInterval time.Duration `yaml:"tickInterval"`
	// TickStep is the maximum number of runes a tick reveals.
	TickStep int `yaml:"tickStep"`
	// FlushStep is the maximum number of runes a debounced flush reveals.
	FlushStep int `yaml:"flushStep"`
	// Debounce is the quiet window after a frame before a flush runs.
	Debounce time.Duration `yaml:"debounce"`
	// MinFlushInterval bounds how often non-forced flushes may run.
	MinFlushInterval time.Duration `yaml:"minFlushInterval"`
}

func (o Options) withDefaults() Options {
	if o.TickInterval <= 0 {
		o.TickInterval = DefaultTickInterval
	}
	if o.TickStep <= 0 {
		o.TickStep = DefaultTickStep
	}
	if o.FlushStep <= 0 {
		o.FlushStep = DefaultFlushStep
	}
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.MinFlushInterval <= 0 {
		o.MinFlushInterval = DefaultMinFlushInterval
	}
	return o
}

// Update is a change of the display text of a thread.
type Update struct {
	ThreadID  string
	SessionID string
	Display   string
	Phase     Phase
	// Final is set on the forced sync that settles a session.
	Final bool
}

// Sink receives display updates. It is called with the renderer lock held, so updates of one
// thread arrive in order; a Sink must not call back into the Renderer.
type Sink func(Update)

// Renderer animates the display text of one conversation thread toward the combined text
// of its active session. Two tasks advance the display: a periodic tick and a debounced,
// rate-gated flush. Both only act when their generation is still the active one, so work
// scheduled by a replaced or cancelled session becomes a no-op.
type Renderer struct {
	threadID string
	opts     Options
	sink     Sink
	now      func() time.Time

	mu         sync.Mutex
	generation uint64
	active     *Session
	target     string
	display    string
	phase      Phase
	gate       *rate.Limiter
	debounce   *time.Timer
	stopTick   chan struct{}
}

// NewRenderer creates a Renderer for the given thread. A nil sink discards updates.
func NewRenderer(threadID string, opts Options, sink Sink) *Renderer {
	if sink == nil {
		sink = func(Update) {}
	}
	return &Renderer{
		threadID: threadID,
		opts:     opts.withDefaults(),
		sink:     sink,
		now:      time.Now,
	}
}

// Begin starts a new session on the thread, cancelling the active one if any. The display
// text is reset and the typing loop starts. The returned context is cancelled when the
// session is cancelled or replaced; transports reading the response should use it.
func (r *Renderer) Begin(ctx context.Context, sessionID string) (*Session, context.Context) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	ctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		r.active.markCancelledLocked()
	}
	r.stopTasksLocked()

	r.generation++
	s := &Session{
		ID:         sessionID,
		Generation: r.generation,
		StartedAt:  r.now(),
		renderer:   r,
		cancel:     cancel,
		state:      StateCreated,
	}
	r.active = s
	r.target = ""
	r.display = ""
	r.phase = PhaseIdle
	r.gate = rate.NewLimiter(rate.Every(r.opts.MinFlushInterval), 1)

	stop := make(chan struct{})
	r.stopTick = stop
	go r.tickLoop(s.Generation, stop)

	// Stopping the context from outside cancels the session as well.
	go func() {
		select {
		case <-ctx.Done():
			s.Cancel()
		case <-stop:
		}
	}()

	return s, ctx
}

func (r *Renderer) tickLoop(gen uint64, stop <-chan struct{}) {
	t := time.NewTicker(r.opts.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			r.Tick(gen)
		}
	}
}

// SetTarget records a new combined text for the session of generation gen and re-arms the
// debounced flush. Bursts of calls within the debounce window produce a single flush.
func (r *Renderer) SetTarget(gen uint64, target string, phase Phase) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if gen != r.generation {
		return false
	}
	r.target = target
	r.phase = phase

	if r.debounce != nil {
		r.debounce.Stop()
	}
	r.debounce = time.AfterFunc(r.opts.Debounce, func() {
		r.Flush(gen, false)
	})
	return true
}

// Tick advances the display by at most TickStep runes toward the target. It reports whether
// the display changed.
func (r *Renderer) Tick(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if gen != r.generation || len(r.display) >= len(r.target) {
		return false
	}
	r.advanceLocked(r.opts.TickStep)
	return true
}

// Flush advances the display by at most FlushStep runes, unless a flush already ran within
// MinFlushInterval. A forced flush bypasses the gate and copies the target verbatim. Flush
// reports whether an update was emitted.
func (r *Renderer) Flush(gen uint64, force bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if gen != r.generation {
		return false
	}
	if force {
		r.display = r.target
		r.emitLocked(false)
		return true
	}
	if len(r.display) >= len(r.target) {
		return false
	}
	if !r.gate.AllowN(r.now(), 1) {
		return false
	}
	r.advanceLocked(r.opts.FlushStep)
	return true
}

// Display returns the current display text.
func (r *Renderer) Display() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.display
}

// Target returns the combined text the display converges to.
func (r *Renderer) Target() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target
}

// Active returns the active session, or nil when the thread is idle.
func (r *Renderer) Active() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// advanceLocked reveals up to step more runes of the target. The display is re-derived from
// the target so it stays a prefix of it even when reasoning grew in front of the answer.
func (r *Renderer) advanceLocked(step int) {
	from := len(r.display)
	for from < len(r.target) && !utf8.RuneStart(r.target[from]) {
		from++
	}
	to := from
	for i := 0; i < step && to < len(r.target); i++ {
		_, size := utf8.DecodeRuneInString(r.target[to:])
		to += size
	}
	r.display = r.target[:to]
	r.emitLocked(false)
}

func (r *Renderer) emitLocked(final bool) {
	sessionID := ""
	if r.active != nil {
		sessionID = r.active.ID
	}
	r.sink(Update{
		ThreadID:  r.threadID,
		SessionID: sessionID,
		Display:   r.display,
		Phase:     r.phase,
		Final:     final,
	})
}

func (r *Renderer) stopTasksLocked() {
	if r.stopTick != nil {
		close(r.stopTick)
		r.stopTick = nil
	}
	if r.debounce != nil {
		r.debounce.Stop()
		r.debounce = nil
	}
}

// settleLocked performs the final forced sync of s and retires it. It reports false when s is
// no longer the active session.
func (r *Renderer) settleLocked(s *Session, target string, phase Phase) bool {
	if s.Generation != r.generation {
		return false
	}
	r.stopTasksLocked()
	r.target = target
	r.phase = phase
	r.display = target
	r.emitLocked(true)

	// Bump the generation so late timer callbacks of the settled session are dropped.
	r.generation++
	r.active = nil
	return true
}

// retireLocked stops the tasks of s without a final sync, if s is still the active session.
func (r *Renderer) retireLocked(s *Session) {
	if s.Generation != r.generation {
		return
	}
	r.stopTasksLocked()
	r.generation++
	r.active = nil
}
