package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/reasonchat/internal/models"
	"github.com/MegaGrindStone/reasonchat/internal/stream"
	"github.com/ollama/ollama/api"
)

// Ollama provides an implementation of the LLM interface for interacting with Ollama's language models.
// It manages connections to an Ollama server instance and handles streaming chat completions. Reasoning
// models served by Ollama emit their reasoning inline as <think> blocks, which stream.Split recognizes.
type Ollama struct {
	host         string
	model        string
	systemPrompt string

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates a new Ollama instance with the specified host URL and model name. The host
// parameter should be a valid URL pointing to an Ollama server.
func NewOllama(host, model, systemPrompt string, logger *slog.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		host:         host,
		model:        model,
		systemPrompt: systemPrompt,
		client:       api.NewClient(u, &http.Client{}),
		logger:       logger.With(slog.String("module", "ollama")),
	}, nil
}

func ollamaMessages(systemPrompt string, messages []models.Message) []api.Message {
	system, rest := splitSystem(systemPrompt, messages)

	msgs := make([]api.Message, 0, len(rest)+1)
	if system != "" {
		msgs = append(msgs, api.Message{
			Role:    string(models.RoleSystem),
			Content: system,
		})
	}
	for _, msg := range rest {
		msgs = append(msgs, api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return msgs
}

// Chat implements the LLM interface by streaming responses from the Ollama model. It accepts a context
// for cancellation and a slice of messages representing the conversation history. The function returns
// an iterator that yields response chunks and potential errors. The response is streamed
// incrementally, allowing for real-time processing of model outputs.
func (o Ollama) Chat(ctx context.Context, messages []models.Message) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: ollamaMessages(o.systemPrompt, messages),
			Stream:   &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if stopped || res.Message.Content == "" {
				return nil
			}
			if !yield(models.Chunk{
				Channel: stream.ChannelAnswer,
				Text:    res.Message.Content,
			}, nil) {
				stopped = true
				cancel()
			}
			return nil
		}); err != nil {
			if stopped || errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Chunk{}, fmt.Errorf("error sending request: %w", err))
		}
	}
}

// GenerateTitle generates a title for a given message using the Ollama API. It sends a single message to the
// Ollama API and returns the first response content as the title. The context can be used to cancel ongoing
// requests.
func (o Ollama) GenerateTitle(ctx context.Context, message string) (string, error) {
	f := false
	req := api.ChatRequest{
		Model: o.model,
		Messages: ollamaMessages(o.systemPrompt, []models.Message{
			{Role: models.RoleUser, Content: message},
		}),
		Stream: &f,
	}

	var title string

	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		title += res.Message.Content
		return nil
	}); err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	o.logger.Debug("Generated title", slog.String("title", title))

	return stream.Split(title).Answer, nil
}
