package handlers

import (
	"context"
	"fmt"
	"html/template"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/reasonchat"
	"github.com/MegaGrindStone/reasonchat/internal/models"
	"github.com/MegaGrindStone/reasonchat/internal/stream"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
)

// LLM represents a large language model interface that provides chat functionality. It accepts a context
// and a sequence of messages, returning an iterator that yields response chunks and potential errors.
// Chunks on a non-zero channel carry reasoning text.
type LLM interface {
	Chat(ctx context.Context, messages []models.Message) iter.Seq2[models.Chunk, error]
}

// TitleGenerator represents an interface for generating a title for a given message.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, message string) (string, error)
}

// Searcher represents a web search provider used to ground answers. An empty result list is valid.
type Searcher interface {
	Search(ctx context.Context, query string, previous []string) ([]models.SearchResult, error)
}

// Store defines the interface for managing chat and message persistence. It provides methods for
// creating, reading, updating and deleting chats and their associated messages.
type Store interface {
	Chats(ctx context.Context) ([]models.Chat, error)
	Chat(ctx context.Context, chatID string) (models.Chat, error)
	AddChat(ctx context.Context, chat models.Chat) (string, error)
	UpdateChat(ctx context.Context, chat models.Chat) error
	DeleteChat(ctx context.Context, chatID string) error
	DeleteAllChats(ctx context.Context) error

	Messages(ctx context.Context, chatID string) ([]models.Message, error)
	AddMessage(ctx context.Context, chatID string, message models.Message) (string, error)
	UpdateMessage(ctx context.Context, chatID string, message models.Message) error
}

// Options tunes the response streaming of Main.
type Options struct {
	// Renderer configures the typing animation of streamed responses.
	Renderer stream.Options
	// MaxDuration bounds a single response. Zero means no limit.
	MaxDuration time.Duration
}

// Main handles the core functionality of the chat application, managing server-sent events,
// HTML templates, and interactions between the LLM, search and Store components.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	markdown  goldmark.Markdown
	renderers *stream.Registry

	llm            LLM
	titleGenerator TitleGenerator
	searcher       Searcher
	store          Store

	maxDuration time.Duration

	logger *slog.Logger
}

const (
	chatsSSETopic = "chats"

	errLoggerKey = "err"
)

// NewMain creates a new Main instance with the provided LLM, TitleGenerator, Searcher and Store
// implementations. titleGen and searcher may be nil, which disables LLM title generation and web search.
// It initializes the SSE server and parses the required HTML templates from the embedded filesystem.
func NewMain(
	llm LLM,
	titleGen TitleGenerator,
	searcher Searcher,
	store Store,
	opts Options,
	logger *slog.Logger,
) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.New("").Funcs(templateFuncs).ParseFS(
		reasonchat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, fmt.Errorf("failed to parse templates: %w", err)
	}

	m := Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				// We start with default topics that all clients should subscribe to
				topics := []string{sse.DefaultTopic, chatsSSETopic}

				// We create a message-specific topic if the client requests updates for a particular message
				messageID := s.Req.URL.Query().Get("message_id")
				if messageID != "" {
					topics = append(topics, messageIDTopic(messageID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates:      tmpl,
		markdown:       newMarkdown(),
		llm:            llm,
		titleGenerator: titleGen,
		searcher:       searcher,
		store:          store,
		maxDuration:    opts.MaxDuration,
		logger:         logger.With(slog.String("module", "main")),
	}
	m.renderers = stream.NewRegistry(opts.Renderer, m.publishDisplay)

	return m, nil
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

// HandleSSE serves the event stream the browser subscribes to for chat list and message updates.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown gracefully terminates the Main instance. It stops every streaming response, broadcasts a
// close message to all connected clients and waits up to 5 seconds for connections to terminate. After
// the timeout, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	m.renderers.CancelAll()

	e := &sse.Message{Type: sse.Type("closeChat")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
