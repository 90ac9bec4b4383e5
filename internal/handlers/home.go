package handlers

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/reasonchat/internal/models"
)

type homePageData struct {
	Chats         []chat
	Messages      []message
	CurrentChatID string
	CurrentChat   models.Chat
	SearchEnabled bool
}

// HandleHome renders the chat list and, when the "chat_id" query parameter names a chat, its
// conversation. A message whose response is still streaming is rendered in the loading state so the
// browser subscribes to its updates.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	chats, err := m.store.Chats(r.Context())
	if err != nil {
		m.logger.Error("Failed to get chats", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := homePageData{
		SearchEnabled: m.searcher != nil,
	}

	chatID := r.URL.Query().Get("chat_id")
	for _, ch := range chats {
		data.Chats = append(data.Chats, chat{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == chatID,
		})
		if ch.ID == chatID {
			data.CurrentChatID = ch.ID
			data.CurrentChat = ch
		}
	}

	if data.CurrentChatID != "" {
		msgs, err := m.messages(r, data.CurrentChatID)
		if err != nil {
			m.logger.Error("Failed to get messages",
				slog.String("chatID", chatID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data.Messages = msgs
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (m Main) messages(r *http.Request, chatID string) ([]message, error) {
	messages, err := m.store.Messages(r.Context(), chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}

	streamingID := ""
	if s := m.renderers.Active(chatID); s != nil {
		streamingID = s.ID
	}

	msgs := make([]message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			msgs = append(msgs, m.userMessage(msg))
		case models.RoleAssistant:
			am, err := m.assistantMessage(msg, msg.ID == streamingID)
			if err != nil {
				return nil, fmt.Errorf("failed to render message %s: %w", msg.ID, err)
			}
			msgs = append(msgs, am)
		}
	}
	return msgs, nil
}
