package models

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrChatNotFound reports a chat ID that no chat has.
var ErrChatNotFound = errors.New("chat not found")

// Chat represents a conversation container in the chat system. Besides identification and labeling it
// carries the per-chat persona prompt and at most one attached file that is sent with the next message.
type Chat struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	SystemPrompt string        `json:"systemPrompt,omitempty"`
	AttachedFile *AttachedFile `json:"attachedFile,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// AttachedFile is a user supplied file whose text is injected into the prompt as a system message.
type AttachedFile struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Text string `json:"text"`
}

// SearchResult is one web search hit used to ground an answer.
type SearchResult struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	Text          string `json:"text"`
	Author        string `json:"author,omitempty"`
	PublishedDate string `json:"publishedDate,omitempty"`
	Favicon       string `json:"favicon,omitempty"`
}

// DefaultChatTitle is the title of a chat created without any text to derive one from.
const DefaultChatTitle = "New chat"

const maxTitleRunes = 50

// ChatTitle derives a chat title from the first message of a conversation: the first 50 runes of the
// trimmed message, or DefaultChatTitle when the message is blank.
func ChatTitle(message string) string {
	message = strings.TrimSpace(message)
	if message == "" {
		return DefaultChatTitle
	}
	if utf8.RuneCountInString(message) <= maxTitleRunes {
		return message
	}
	return strings.TrimSpace(string([]rune(message)[:maxTitleRunes]))
}
