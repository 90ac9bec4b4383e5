package handlers

import (
	"bytes"
	"fmt"
	"html/template"
	"log/slog"
	"strings"
	"time"

	"github.com/MegaGrindStone/reasonchat/internal/stream"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Streaming states of an assistant message as seen by the browser.
const (
	streamingLoading = "loading"
	streamingActive  = "streaming"
	streamingEnded   = "ended"
	streamingStopped = "stopped"
	streamingError   = "error"
)

// messageContent is the rendered body of an assistant message: the reasoning block is shown as plain
// text, the answer as markdown.
type messageContent struct {
	ID        string
	Reasoning string
	Thinking  bool
	Answer    template.HTML
	Error     string
}

var templateFuncs = template.FuncMap{
	"formatTime": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Format("15:04")
	},
}

func newMarkdown() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(highlighting.WithStyle("github")),
		),
		goldmark.WithRendererOptions(html.WithHardWraps()),
	)
}

func (m Main) renderMarkdown(text string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := m.markdown.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}
	// Raw HTML in the source is omitted by the goldmark renderer, so the output is safe to embed.
	return template.HTML(buf.String()), nil //nolint:gosec
}

// renderContent splits text into its reasoning and answer parts and renders the answer. phase tells
// whether the reasoning block is still being written.
func (m Main) renderContent(id, text string, phase stream.Phase) (messageContent, error) {
	parsed := stream.Split(text)
	answer, err := m.renderMarkdown(parsed.Answer)
	if err != nil {
		return messageContent{}, err
	}
	thinking := phase == stream.PhaseReasoning
	if parsed.HasReasoning && !parsed.Closed {
		thinking = true
	}
	return messageContent{
		ID:        id,
		Reasoning: parsed.Reasoning,
		Thinking:  thinking,
		Answer:    answer,
	}, nil
}

func (m Main) executeToString(name string, data any) (string, error) {
	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, name, data); err != nil {
		return "", fmt.Errorf("failed to execute %s template: %w", name, err)
	}
	return sb.String(), nil
}

// publishDisplay is the renderer sink: it renders the animated display text of a response and pushes
// it to the browsers watching that message.
func (m Main) publishDisplay(u stream.Update) {
	if u.SessionID == "" {
		return
	}
	display := u.Display
	if !u.Final {
		display = stream.TrimPartialDelimiter(display)
	}
	content, err := m.renderContent(u.SessionID, display, u.Phase)
	if err != nil {
		m.logger.Error("Failed to render display",
			slog.String("messageID", u.SessionID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	body, err := m.executeToString("ai_message_content", content)
	if err != nil {
		m.logger.Error("Failed to render display",
			slog.String("messageID", u.SessionID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: messagesSSEType}
	msg.AppendData(body)
	if err := m.sseSrv.Publish(&msg, messageIDTopic(u.SessionID)); err != nil {
		m.logger.Error("Failed to publish message",
			slog.String("messageID", u.SessionID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// publishMessageState tells the browsers watching a message that its streaming state changed. An
// ended, stopped or failed message also closes their event stream.
func (m Main) publishMessageState(messageID, state string) {
	msg := sse.Message{Type: messageStateSSEType}
	msg.AppendData(state)
	if err := m.sseSrv.Publish(&msg, messageIDTopic(messageID)); err != nil {
		m.logger.Error("Failed to publish message state",
			slog.String("messageID", messageID),
			slog.String(errLoggerKey, err.Error()))
	}
	if state == streamingLoading || state == streamingActive {
		return
	}

	e := &sse.Message{Type: sse.Type("closeMessage")}
	e.AppendData("bye")
	_ = m.sseSrv.Publish(e, messageIDTopic(messageID))
}

func (m Main) publishError(messageID, display string, cause error) {
	content, err := m.renderContent(messageID, display, stream.PhaseIdle)
	if err != nil {
		content = messageContent{ID: messageID}
	}
	content.Error = cause.Error()

	body, err := m.executeToString("ai_message_content", content)
	if err != nil {
		m.logger.Error("Failed to render error", slog.String(errLoggerKey, err.Error()))
		return
	}
	msg := sse.Message{Type: messagesSSEType}
	msg.AppendData(body)
	_ = m.sseSrv.Publish(&msg, messageIDTopic(messageID))
}
