package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/reasonchat/internal/models"
	"github.com/MegaGrindStone/reasonchat/internal/stream"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

type chat struct {
	ID    string
	Title string

	Active bool
}

type message struct {
	ID        string
	Role      string
	Text      string
	Content   messageContent
	Timestamp time.Time

	StreamingState string
}

// submitOptions are the per-message switches of the chat form.
type submitOptions struct {
	search   bool
	thinking bool
}

// SSE event types for real-time updates.
var (
	chatsSSEType        = sse.Type("chats")
	messagesSSEType     = sse.Type("messages")
	messageStateSSEType = sse.Type("messageState")
)

const maxAttachmentSize = 10 << 20

// HandleChats processes chat interactions through HTTP POST requests,
// managing both new chat creation and message handling. It accepts user messages through form data,
// creates appropriate chat contexts, and initiates asynchronous processing for AI responses and chat title generation.
//
// The handler expects a "message" form field and an optional "chat_id" field. The "search" and "thinking"
// checkboxes ground the answer on a web search and ask the model to reason out loud. For a new chat an
// optional "system_prompt" field sets its persona.
// If no chat_id is provided, it creates a new chat session. The handler streams AI responses through
// Server-Sent Events (SSE) and updates the UI accordingly through template rendering.
//
// The function returns appropriate HTTP error responses for invalid methods, missing required fields,
// or internal processing errors. For successful requests, it renders either a complete chatbox template
// for new chats or individual message templates for existing chats.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := strings.TrimSpace(r.FormValue("message"))
	if msg == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	opts := submitOptions{
		search:   r.FormValue("search") == "on",
		thinking: r.FormValue("thinking") == "on",
	}

	var err error
	var ch models.Chat

	chatID := r.FormValue("chat_id")
	// We track if this is a new chat to determine the appropriate template rendering strategy
	isNewChat := false
	if chatID == "" {
		persona := strings.TrimSpace(r.FormValue("system_prompt"))
		if err := models.ValidatePersona(persona); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ch, err = m.newChat(r.Context(), models.ChatTitle(msg), persona)
		if err != nil {
			m.logger.Error("Failed to create new chat", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		chatID = ch.ID
		isNewChat = true
	} else {
		ch, err = m.store.Chat(r.Context(), chatID)
		if err != nil {
			m.logger.Error("Failed to get chat",
				slog.String("chatID", chatID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
	}

	history, err := m.store.Messages(r.Context(), chatID)
	if err != nil {
		m.logger.Error("Failed to get messages",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// We create two messages: user's input and a placeholder for AI response
	um := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Content:   msg,
		Timestamp: time.Now(),
	}
	um.ID, err = m.store.AddMessage(r.Context(), chatID, um)
	if err != nil {
		m.logger.Error("Failed to add user message",
			slog.String("message", fmt.Sprintf("%+v", um)),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Initialize empty AI message to be streamed later
	am := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		Timestamp: time.Now(),
	}
	am.ID, err = m.store.AddMessage(r.Context(), chatID, am)
	if err != nil {
		m.logger.Error("Failed to add AI message",
			slog.String("message", fmt.Sprintf("%+v", am)),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Start async processes for chat response and title generation
	go m.chat(ch, history, msg, am, opts)

	if isNewChat {
		if m.titleGenerator != nil {
			go m.generateChatTitle(chatID, msg)
		}

		data := homePageData{
			CurrentChatID: chatID,
			CurrentChat:   ch,
			SearchEnabled: m.searcher != nil,
			Messages: []message{
				m.userMessage(um),
				{ID: am.ID, Role: string(am.Role), Timestamp: am.Timestamp, StreamingState: streamingLoading},
			},
		}
		w.Header().Set("HX-Push-Url", "/?chat_id="+chatID)
		if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	if err := m.templates.ExecuteTemplate(w, "user_message", m.userMessage(um)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	err = m.templates.ExecuteTemplate(w, "ai_message", message{
		ID:             am.ID,
		Role:           string(am.Role),
		Content:        messageContent{ID: am.ID},
		Timestamp:      am.Timestamp,
		StreamingState: streamingLoading,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleStop stops the response that is streaming in the chat named by the "id" path value. The text
// received so far is kept.
func (m Main) HandleStop(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	if !m.renderers.Cancel(chatID) {
		m.logger.Debug("No active response to stop", slog.String("chatID", chatID))
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDeleteChat removes a chat with its messages and refreshes the chat list of every client.
func (m Main) HandleDeleteChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	m.renderers.Forget(chatID)

	if err := m.store.DeleteChat(r.Context(), chatID); err != nil {
		m.logger.Error("Failed to delete chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	m.publishChats(r.Context(), "")

	w.Header().Set("HX-Redirect", "/")
	w.WriteHeader(http.StatusOK)
}

// HandlePersona sets the persona prompt of a chat from the "system_prompt" form field. An empty value
// clears it.
func (m Main) HandlePersona(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	persona := strings.TrimSpace(r.FormValue("system_prompt"))
	if err := models.ValidatePersona(persona); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ch, err := m.store.Chat(r.Context(), chatID)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	ch.SystemPrompt = persona
	ch.UpdatedAt = time.Now()
	if err := m.store.UpdateChat(r.Context(), ch); err != nil {
		m.logger.Error("Failed to update persona",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := m.templates.ExecuteTemplate(w, "persona", ch); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleAttach stores the uploaded "file" form field as the attachment of a chat. The attachment is
// sent along with the next message only.
func (m Main) HandleAttach(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	r.Body = http.MaxBytesReader(w, r.Body, maxAttachmentSize)

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "File is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ch, err := m.store.Chat(r.Context(), chatID)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	attached := models.FileText(header.Filename, header.Header.Get("Content-Type"), data)
	ch.AttachedFile = &attached
	if err := m.store.UpdateChat(r.Context(), ch); err != nil {
		m.logger.Error("Failed to attach file",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	m.logger.Info("File attached",
		slog.String("chatID", chatID),
		slog.String("name", attached.Name),
		slog.String("type", attached.Type))

	if err := m.templates.ExecuteTemplate(w, "attachment", ch); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) newChat(ctx context.Context, title, persona string) (models.Chat, error) {
	now := time.Now()
	newChat := models.Chat{
		ID:           uuid.New().String(),
		Title:        title,
		SystemPrompt: persona,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	newChatID, err := m.store.AddChat(ctx, newChat)
	if err != nil {
		return models.Chat{}, fmt.Errorf("failed to add chat: %w", err)
	}
	newChat.ID = newChatID

	m.publishChats(ctx, newChat.ID)

	return newChat, nil
}

// chat produces the assistant response aiMsg of ch. It runs detached from the request that submitted
// the input, streams the response through the thread renderer and persists the result.
func (m Main) chat(ch models.Chat, history []models.Message, input string, aiMsg models.Message, opts submitOptions) {
	ctx := context.Background()
	if m.maxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.maxDuration)
		defer cancel()
	}
	session, ctx := m.renderers.Begin(ctx, ch.ID, aiMsg.ID)
	defer m.renderers.Release(ch.ID)
	logger := m.logger.With(slog.String("chatID", ch.ID), slog.String("messageID", aiMsg.ID))

	var searchLog string
	if opts.search && m.searcher != nil {
		results, err := m.searcher.Search(ctx, input, previousQueries(history))
		if err != nil {
			logger.Warn("Search failed, answering without it", slog.String(errLoggerKey, err.Error()))
		} else {
			searchLog = models.FormatSearchLog(results)
			logger.Debug("Search results", slog.Int("count", len(results)))
		}
	}

	prompt := models.BuildPrompt(models.PromptOptions{
		ShowThinking: opts.thinking,
		Persona:      ch.SystemPrompt,
		File:         ch.AttachedFile,
		SearchLog:    searchLog,
	}, history, input)

	if ch.AttachedFile != nil {
		if err := m.clearAttachedFile(ch.ID); err != nil {
			logger.Error("Failed to clear attached file", slog.String(errLoggerKey, err.Error()))
		}
	}

	m.publishMessageState(aiMsg.ID, streamingActive)

	var llmErr error
	for chunk, err := range m.llm.Chat(ctx, prompt) {
		if err != nil {
			llmErr = err
			break
		}
		session.Feed(chunk.Channel, chunk.Text)
	}

	// Providers may end their stream silently when the context is done.
	if llmErr == nil {
		llmErr = ctx.Err()
	}
	switch {
	case errors.Is(llmErr, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded):
		llmErr = fmt.Errorf("response took longer than %s", m.maxDuration)
	case errors.Is(llmErr, context.Canceled):
		session.Cancel()
		llmErr = nil
	case llmErr != nil && session.State() == stream.StateCancelled:
		llmErr = nil
	}

	state := streamingEnded
	switch {
	case llmErr != nil:
		session.Cancel()
		aiMsg.Content = session.Combined()
		state = streamingError
		logger.Error("Error from llm provider", slog.String(errLoggerKey, llmErr.Error()))
		m.publishError(aiMsg.ID, aiMsg.Content, llmErr)
	case session.State() == stream.StateCancelled:
		aiMsg.Content = session.Combined()
		state = streamingStopped
		logger.Info("Response stopped")
	default:
		aiMsg.Content = session.Finish()
	}

	// The request context is gone by now, and a stopped response is still saved.
	if err := m.store.UpdateMessage(context.Background(), ch.ID, aiMsg); err != nil {
		logger.Error("Failed to update message",
			slog.String("message", fmt.Sprintf("%+v", aiMsg)),
			slog.String(errLoggerKey, err.Error()))
	}

	m.publishMessageState(aiMsg.ID, state)
}

// clearAttachedFile drops the attachment of the stored chat. The chat is read again so writes made
// since the submission, like the UpdatedAt bump of the new messages, are kept.
func (m Main) clearAttachedFile(chatID string) error {
	ch, err := m.store.Chat(context.Background(), chatID)
	if err != nil {
		return fmt.Errorf("failed to get chat: %w", err)
	}
	if ch.AttachedFile == nil {
		return nil
	}
	ch.AttachedFile = nil
	return m.store.UpdateChat(context.Background(), ch)
}

func (m Main) generateChatTitle(chatID string, message string) {
	title, err := m.titleGenerator.GenerateTitle(context.Background(), message)
	if err != nil {
		m.logger.Error("Error generating chat title",
			slog.String("message", message),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	title = models.ChatTitle(title)

	ch, err := m.store.Chat(context.Background(), chatID)
	if err != nil {
		m.logger.Error("Failed to get chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	ch.Title = title
	if err := m.store.UpdateChat(context.Background(), ch); err != nil {
		m.logger.Error("Failed to update chat title",
			slog.String(errLoggerKey, err.Error()))
		return
	}

	m.publishChats(context.Background(), chatID)
}

func (m Main) publishChats(ctx context.Context, activeID string) {
	divs, err := m.chatDivs(ctx, activeID)
	if err != nil {
		m.logger.Error("Failed to generate chat divs",
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{
		Type: chatsSSEType,
	}
	msg.AppendData(divs)
	if err := m.sseSrv.Publish(&msg, chatsSSETopic); err != nil {
		m.logger.Error("Failed to publish chats",
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) chatDivs(ctx context.Context, activeID string) (string, error) {
	chats, err := m.store.Chats(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get chats: %w", err)
	}

	var sb strings.Builder
	for _, ch := range chats {
		err := m.templates.ExecuteTemplate(&sb, "chat_title", chat{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == activeID,
		})
		if err != nil {
			return "", fmt.Errorf("failed to execute chat_title template: %w", err)
		}
	}
	return sb.String(), nil
}

func (m Main) userMessage(msg models.Message) message {
	return message{
		ID:             msg.ID,
		Role:           string(msg.Role),
		Text:           msg.Content,
		Timestamp:      msg.Timestamp,
		StreamingState: streamingEnded,
	}
}

// assistantMessage renders a stored assistant message. streaming tells whether its response is still
// being produced.
func (m Main) assistantMessage(msg models.Message, streaming bool) (message, error) {
	content, err := m.renderContent(msg.ID, msg.Content, stream.PhaseIdle)
	if err != nil {
		return message{}, err
	}
	state := streamingEnded
	if streaming {
		state = streamingLoading
	}
	return message{
		ID:             msg.ID,
		Role:           string(msg.Role),
		Content:        content,
		Timestamp:      msg.Timestamp,
		StreamingState: state,
	}, nil
}

func previousQueries(history []models.Message) []string {
	var queries []string
	for _, msg := range history {
		if msg.Role == models.RoleUser {
			queries = append(queries, msg.Content)
		}
	}
	return queries
}
