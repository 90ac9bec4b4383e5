package stream

import "strings"

// Phase tracks reasoning progress of a response, for UI affordances such as a "thinking"
// indicator.
type Phase int

const (
	// PhaseIdle means no reasoning text has arrived yet.
	PhaseIdle Phase = iota
	// PhaseReasoning means reasoning text is arriving and no answer text has followed it yet.
	PhaseReasoning
	// PhaseReasoningDone means answer text arrived after reasoning, or the stream ended.
	PhaseReasoningDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseReasoning:
		return "reasoning"
	case PhaseReasoningDone:
		return "reasoning-finished"
	default:
		return "unknown"
	}
}

// Accumulator routes decoded text to the answer or reasoning buffer of a single response.
// The zero value is ready to use.
type Accumulator struct {
	answer    strings.Builder
	reasoning strings.Builder
	phase     Phase
}

// Add appends text to the buffer selected by channel. Empty text is rejected and reported
// as false.
func (a *Accumulator) Add(channel int, text string) bool {
	if text == "" {
		return false
	}

	if channel == ChannelAnswer {
		a.answer.WriteString(text)
		if a.phase == PhaseReasoning {
			a.phase = PhaseReasoningDone
		}
		return true
	}

	a.reasoning.WriteString(text)
	if a.phase == PhaseIdle {
		a.phase = PhaseReasoning
	}
	return true
}

// Finish closes a reasoning phase that is still open when the stream ends.
func (a *Accumulator) Finish() {
	if a.phase == PhaseReasoning {
		a.phase = PhaseReasoningDone
	}
}

// Reset empties both buffers for a new response.
func (a *Accumulator) Reset() {
	a.answer.Reset()
	a.reasoning.Reset()
	a.phase = PhaseIdle
}

// Answer returns the answer buffer.
func (a *Accumulator) Answer() string { return a.answer.String() }

// Reasoning returns the raw, untrimmed reasoning buffer.
func (a *Accumulator) Reasoning() string { return a.reasoning.String() }

// Phase returns the current reasoning phase.
func (a *Accumulator) Phase() Phase { return a.phase }

// Combined returns the CombinedText of both buffers.
func (a *Accumulator) Combined() string {
	return Combine(a.answer.String(), a.reasoning.String())
}
