package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/reasonchat/internal/models"
	"github.com/MegaGrindStone/reasonchat/internal/stream"
	"github.com/go-chi/chi/v5"
)

const maxRequestBody = 1 << 20

type createChatRequest struct {
	Title        string `json:"title"`
	SystemPrompt string `json:"systemPrompt"`
}

type updateChatRequest struct {
	Title        *string `json:"title"`
	SystemPrompt *string `json:"systemPrompt"`
}

type chatResponse struct {
	Chat     models.Chat      `json:"chat"`
	Messages []models.Message `json:"messages"`
}

type searchRequest struct {
	Query           string   `json:"query"`
	PreviousQueries []string `json:"previousQueries"`
}

type dataStreamRequest struct {
	Messages []models.Message `json:"messages"`
}

// ListChats handles GET /api/chats
func (m Main) ListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := m.store.Chats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if chats == nil {
		chats = []models.Chat{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chats": chats,
	})
}

// CreateChat handles POST /api/chats
func (m Main) CreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := models.ValidatePersona(req.SystemPrompt); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = models.DefaultChatTitle
	}
	ch, err := m.newChat(r.Context(), models.ChatTitle(title), strings.TrimSpace(req.SystemPrompt))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, ch)
}

// DeleteAllChats handles DELETE /api/chats
func (m Main) DeleteAllChats(w http.ResponseWriter, r *http.Request) {
	m.renderers.CancelAll()
	if err := m.store.DeleteAllChats(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	m.publishChats(r.Context(), "")
	w.WriteHeader(http.StatusNoContent)
}

// GetChat handles GET /api/chats/{id}
func (m Main) GetChat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ch, err := m.store.Chat(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	msgs, err := m.store.Messages(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	writeJSON(w, http.StatusOK, chatResponse{Chat: ch, Messages: msgs})
}

// UpdateChat handles PUT /api/chats/{id}
func (m Main) UpdateChat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ch, err := m.store.Chat(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			writeError(w, http.StatusBadRequest, "title must not be empty")
			return
		}
		ch.Title = models.ChatTitle(title)
	}
	if req.SystemPrompt != nil {
		persona := strings.TrimSpace(*req.SystemPrompt)
		if err := models.ValidatePersona(persona); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ch.SystemPrompt = persona
	}
	ch.UpdatedAt = time.Now()

	if err := m.store.UpdateChat(r.Context(), ch); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	m.publishChats(r.Context(), "")

	writeJSON(w, http.StatusOK, ch)
}

// DeleteChat handles DELETE /api/chats/{id}
func (m Main) DeleteChat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m.renderers.Forget(id)

	if err := m.store.DeleteChat(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	m.publishChats(r.Context(), "")
	w.WriteHeader(http.StatusNoContent)
}

// Search handles POST /api/search
func (m Main) Search(w http.ResponseWriter, r *http.Request) {
	if m.searcher == nil {
		writeError(w, http.StatusServiceUnavailable, "search is not configured")
		return
	}

	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	results, err := m.searcher.Search(r.Context(), req.Query, req.PreviousQueries)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
	})
}

// HandleDataStream handles POST /api/chat. It answers the conversation in the request body with a
// data stream: one "<channel>:<json string>" line per chunk, channel 0 for the answer and 1 for the
// reasoning. The stream ends when the model is done or the client goes away.
func (m Main) HandleDataStream(w http.ResponseWriter, r *http.Request) {
	var req dataStreamRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages are required")
		return
	}
	for _, msg := range req.Messages {
		if !msg.Role.Valid() {
			writeError(w, http.StatusBadRequest, "invalid role: "+string(msg.Role))
			return
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	enc := stream.NewEncoder(w)
	for chunk, err := range m.llm.Chat(r.Context(), req.Messages) {
		if err != nil {
			if !errors.Is(err, r.Context().Err()) {
				m.logger.Error("Error from llm provider", slog.String(errLoggerKey, err.Error()))
			}
			return
		}
		channel := stream.ChannelAnswer
		if chunk.Channel != stream.ChannelAnswer {
			channel = stream.ChannelReasoning
		}
		if err := enc.Encode(channel, chunk.Text); err != nil {
			m.logger.Debug("Client went away", slog.String(errLoggerKey, err.Error()))
			return
		}
	}
}

func statusFor(err error) int {
	if errors.Is(err, models.ErrChatNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}
