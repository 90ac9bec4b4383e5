package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MegaGrindStone/reasonchat/internal/stream"
)

// ThinkingInstruction asks the model to reason out loud before answering, inside delimiters that
// stream.Split understands.
const ThinkingInstruction = "Before answering, write out your reasoning inside " +
	stream.ReasoningOpen + "..." + stream.ReasoningClose + " tags."

const (
	personaTemplate = "YOUR IDENTITY AND ROLE: %s\n\n" +
		"This is not just an instruction, it is who you are. Stay in this role completely, " +
		"and answer and think as this character."

	searchTemplate = "You have up-to-date data from the internet. It is concrete information the user " +
		"needs, not just links. Use it to answer the question directly.\n\n%s\n\n" +
		"IMPORTANT:\n" +
		"- Give a concrete answer based on this data\n" +
		"- Do not send the user to other websites\n" +
		"- If the data is not enough, say exactly what is missing"
)

const (
	minPersonaWords  = 4
	maxSearchSources = 6
)

// ErrPersonaTooShort is returned by ValidatePersona for a persona prompt with too few words.
var ErrPersonaTooShort = errors.New("persona prompt needs at least 4 words")

// PromptOptions selects the system messages BuildPrompt places in front of the conversation.
type PromptOptions struct {
	ShowThinking bool
	Persona      string
	File         *AttachedFile
	SearchLog    string
}

// ValidatePersona checks a persona prompt. An empty prompt clears the persona and is valid.
func ValidatePersona(persona string) error {
	words := strings.Fields(persona)
	if len(words) == 0 || len(words) >= minPersonaWords {
		return nil
	}
	return ErrPersonaTooShort
}

// BuildPrompt assembles the messages sent to the model: the system messages selected by opts (thinking
// instruction, persona, attached file, search log, in that order), the visible history, and the new
// user input. System messages and empty entries of the history are skipped, and only the answer part
// of earlier assistant responses is replayed.
func BuildPrompt(opts PromptOptions, history []Message, input string) []Message {
	var msgs []Message

	if opts.ShowThinking {
		msgs = append(msgs, Message{Role: RoleSystem, Content: ThinkingInstruction})
	}
	if p := strings.TrimSpace(opts.Persona); p != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: fmt.Sprintf(personaTemplate, p)})
	}
	if opts.File != nil {
		msgs = append(msgs, Message{
			Role:    RoleSystem,
			Content: fmt.Sprintf("File (%s):\n%s", opts.File.Name, opts.File.Text),
		})
	}
	if opts.SearchLog != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: fmt.Sprintf(searchTemplate, opts.SearchLog)})
	}

	for _, m := range history {
		content := m.Content
		switch m.Role {
		case RoleSystem:
			continue
		case RoleAssistant:
			content = stream.Split(content).Answer
		}
		if content == "" {
			continue
		}
		msgs = append(msgs, Message{ID: m.ID, Role: m.Role, Content: content, Timestamp: m.Timestamp})
	}

	return append(msgs, Message{Role: RoleUser, Content: input})
}

// SystemPrompt joins the content of the system messages with blank lines and returns it along with the
// remaining messages.
func SystemPrompt(messages []Message) (string, []Message) {
	var parts []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role != RoleSystem {
			rest = append(rest, m)
			continue
		}
		if m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n")), rest
}

// ContextualQuery prefixes a search query with the earlier questions of the conversation so the search
// engine sees what the query refers to.
func ContextualQuery(query string, previous []string) string {
	if len(previous) == 0 {
		return query
	}

	lines := make([]string, len(previous))
	for i, q := range previous {
		lines[i] = "Previous question: " + q
	}
	return strings.Join(lines, "\n") + "\n\nNow answer the question: " + query
}

// FormatSearchLog renders up to six search results as numbered sources for the search system message.
// It returns an empty string when there are no results.
func FormatSearchLog(results []SearchResult) string {
	if len(results) > maxSearchSources {
		results = results[:maxSearchSources]
	}

	entries := make([]string, len(results))
	for i, r := range results {
		entries[i] = fmt.Sprintf("[Source %d] %s\nURL: %s\nData: %s\n", i+1, r.Title, r.URL, r.Text)
	}
	return strings.Join(entries, "\n")
}
