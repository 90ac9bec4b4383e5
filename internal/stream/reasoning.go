package stream

import "strings"

// Delimiters embedding reasoning into a combined text.
const (
	ReasoningOpen  = "<thinking>"
	ReasoningClose = "</thinking>"

	reasoningSeparator = "\n\n"
)

// delimiterPairs are the recognized open/close pairs. Models prompted to think out loud
// commonly emit the shorter <think> form, so it is accepted when splitting.
var delimiterPairs = [][2]string{
	{ReasoningOpen, ReasoningClose},
	{"<think>", "</think>"},
}

// TrimPartialDelimiter drops the longest suffix of text that is an incomplete prefix of any
// recognized delimiter, so a tag revealed only in part never shows up as answer text.
func TrimPartialDelimiter(text string) string {
	trim := 0
	for _, p := range delimiterPairs {
		for _, tag := range p {
			for i := len(tag) - 1; i > trim; i-- {
				if strings.HasSuffix(text, tag[:i]) {
					trim = i
					break
				}
			}
		}
	}
	return text[:len(text)-trim]
}

// Combine builds the combined text of a response. Non-blank reasoning is trimmed, wrapped in
// the reasoning delimiters and placed before the answer, separated by a blank line.
func Combine(answer, reasoning string) string {
	r := strings.TrimSpace(reasoning)
	if r == "" {
		return answer
	}

	var sb strings.Builder
	sb.Grow(len(ReasoningOpen) + len(r) + len(ReasoningClose) + len(reasoningSeparator) + len(answer))
	sb.WriteString(ReasoningOpen)
	sb.WriteString(r)
	sb.WriteString(ReasoningClose)
	sb.WriteString(reasoningSeparator)
	sb.WriteString(answer)
	return sb.String()
}

// Parsed is a combined text split back into its reasoning and answer parts.
type Parsed struct {
	Reasoning string
	Answer    string

	// HasReasoning reports whether an open delimiter was found.
	HasReasoning bool
	// Closed reports whether the reasoning block was terminated by its close delimiter.
	Closed bool
}

// Split parses content with the grammar
//
//	content = [ prefix ] open reasoning ( close answer | EOF ) | answer
//
// where open/close is a matching delimiter pair. The first open delimiter in content starts
// the reasoning block; any prefix before it is kept at the head of the answer. An
// unterminated block makes everything after the open delimiter reasoning, with an empty
// answer. Reasoning and answer are trimmed.
func Split(content string) Parsed {
	openIdx := -1
	var pair [2]string
	for _, p := range delimiterPairs {
		idx := strings.Index(content, p[0])
		if idx < 0 {
			continue
		}
		if openIdx < 0 || idx < openIdx {
			openIdx = idx
			pair = p
		}
	}
	if openIdx < 0 {
		return Parsed{Answer: strings.TrimSpace(content)}
	}

	prefix := strings.TrimSpace(content[:openIdx])
	rest := content[openIdx+len(pair[0]):]

	closeIdx := strings.Index(rest, pair[1])
	if closeIdx < 0 {
		return Parsed{
			Reasoning:    strings.TrimSpace(rest),
			Answer:       prefix,
			HasReasoning: true,
		}
	}

	answer := strings.TrimSpace(rest[closeIdx+len(pair[1]):])
	if prefix != "" {
		answer = strings.TrimSpace(prefix + reasoningSeparator + answer)
	}
	return Parsed{
		Reasoning:    strings.TrimSpace(rest[:closeIdx]),
		Answer:       answer,
		HasReasoning: true,
		Closed:       true,
	}
}
