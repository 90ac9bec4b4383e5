package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/reasonchat/internal/models"
	"github.com/MegaGrindStone/reasonchat/internal/stream"
	"github.com/tmaxmax/go-sse"
)

// OpenRouter provides an implementation of the LLM interface for interacting with OpenRouter's language models.
// Reasoning tokens of models that expose them are requested and yielded on the reasoning channel.
type OpenRouter struct {
	apiKey       string
	model        string
	systemPrompt string
	endpoint     string

	client *http.Client

	logger *slog.Logger
}

type openRouterChatRequest struct {
	Model            string              `json:"model"`
	Messages         []openRouterMessage `json:"messages"`
	Stream           bool                `json:"stream"`
	IncludeReasoning bool                `json:"include_reasoning,omitempty"`
}

type openRouterMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

type openRouterStreamingResponse struct {
	Choices []openRouterStreamingChoice `json:"choices"`
	Error   *openRouterError            `json:"error,omitempty"`
}

type openRouterStreamingChoice struct {
	Delta openRouterMessage `json:"delta"`
}

type openRouterResponse struct {
	Choices []openRouterChoice `json:"choices"`
}

type openRouterChoice struct {
	Message openRouterMessage `json:"message"`
}

type openRouterError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	openRouterAPIEndpoint = "https://openrouter.ai/api/v1"
)

// NewOpenRouter creates a new OpenRouter instance with the specified API key, model name, and system prompt.
func NewOpenRouter(apiKey, model, systemPrompt string, logger *slog.Logger) OpenRouter {
	return OpenRouter{
		apiKey:       apiKey,
		model:        model,
		systemPrompt: systemPrompt,
		endpoint:     openRouterAPIEndpoint,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "openrouter")),
	}
}

// WithEndpoint returns a copy of o that sends requests to the given API base URL.
func (o OpenRouter) WithEndpoint(endpoint string) OpenRouter {
	o.endpoint = strings.TrimSuffix(endpoint, "/")
	return o
}

// Chat streams responses from the OpenRouter API for a given sequence of messages. It processes system
// messages separately and returns an iterator that yields response chunks and potential errors. The
// context can be used to cancel ongoing requests.
func (o OpenRouter) Chat(ctx context.Context, messages []models.Message) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		resp, err := o.doRequest(ctx, messages, true)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Chunk{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if ctx.Err() != nil {
					yieldDeadline(ctx, yield)
					return
				}
				yield(models.Chunk{}, fmt.Errorf("error reading response: %w", err))
				return
			}

			o.logger.Debug("Received event",
				slog.String("event", ev.Data),
			)

			if ev.Data == "[DONE]" {
				return
			}

			var res openRouterStreamingResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				yield(models.Chunk{}, fmt.Errorf("error unmarshaling response: %w", err))
				return
			}
			if res.Error != nil {
				yield(models.Chunk{}, fmt.Errorf("openrouter error %d: %s", res.Error.Code, res.Error.Message))
				return
			}

			if len(res.Choices) == 0 {
				continue
			}
			delta := res.Choices[0].Delta

			if delta.Reasoning != "" {
				if !yield(models.Chunk{Channel: stream.ChannelReasoning, Text: delta.Reasoning}, nil) {
					return
				}
			}
			if delta.Content != "" {
				if !yield(models.Chunk{Channel: stream.ChannelAnswer, Text: delta.Content}, nil) {
					return
				}
			}
		}
		yieldDeadline(ctx, yield)
	}
}

// GenerateTitle generates a title for a given message using the OpenRouter API. It sends a single message to the
// OpenRouter API and returns the first response content as the title. The context can be used to cancel ongoing
// requests.
func (o OpenRouter) GenerateTitle(ctx context.Context, message string) (string, error) {
	msgs := []models.Message{
		{
			Role:    models.RoleUser,
			Content: message,
		},
	}

	resp, err := o.doRequest(ctx, msgs, false)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	var res openRouterResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}

	if len(res.Choices) == 0 {
		return "", errors.New("no choices found")
	}

	return stream.Split(res.Choices[0].Message.Content).Answer, nil
}

func (o OpenRouter) doRequest(
	ctx context.Context,
	messages []models.Message,
	streaming bool,
) (*http.Response, error) {
	system, rest := splitSystem(o.systemPrompt, messages)

	msgs := make([]openRouterMessage, 0, len(rest)+1)
	if system != "" {
		msgs = append(msgs, openRouterMessage{
			Role:    string(models.RoleSystem),
			Content: system,
		})
	}
	for _, msg := range rest {
		msgs = append(msgs, openRouterMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	reqBody := openRouterChatRequest{
		Model:            o.model,
		Messages:         msgs,
		Stream:           streaming,
		IncludeReasoning: streaming,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	o.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.endpoint+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("HTTP-Referer", "https://github.com/MegaGrindStone/reasonchat/")
	req.Header.Set("X-Title", "Reasonchat")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}
