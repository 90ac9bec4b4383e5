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

// Anthropic provides an interface to the Anthropic API for large language model interactions. It implements
// the LLM interface and handles streaming chat completions using Claude models. With a thinking budget,
// extended thinking is enabled and thinking deltas are yielded on the reasoning channel.
type Anthropic struct {
	apiKey         string
	model          string
	systemPrompt   string
	maxTokens      int
	thinkingBudget int
	endpoint       string

	client *http.Client

	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens,omitempty"`
	Thinking  *anthropicThinking `json:"thinking,omitempty"`
	Stream    bool               `json:"stream"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"delta"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicAPIEndpoint = "https://api.anthropic.com/v1"
	anthropicAPIVersion  = "2023-06-01"
)

// NewAnthropic creates a new Anthropic instance with the specified API key, model name, maximum token
// limit and thinking budget. A thinking budget of zero disables extended thinking.
func NewAnthropic(apiKey, model, systemPrompt string, maxTokens, thinkingBudget int, logger *slog.Logger) Anthropic {
	return Anthropic{
		apiKey:         apiKey,
		model:          model,
		systemPrompt:   systemPrompt,
		maxTokens:      maxTokens,
		thinkingBudget: thinkingBudget,
		endpoint:       anthropicAPIEndpoint,
		client:         &http.Client{},
		logger:         logger.With(slog.String("module", "anthropic")),
	}
}

// WithEndpoint returns a copy of a that sends requests to the given API base URL.
func (a Anthropic) WithEndpoint(endpoint string) Anthropic {
	a.endpoint = strings.TrimSuffix(endpoint, "/")
	return a
}

// Chat streams responses from the Anthropic API for a given sequence of messages. It processes system
// messages separately and returns an iterator that yields response chunks and potential errors. The
// context can be used to cancel ongoing requests.
func (a Anthropic) Chat(ctx context.Context, messages []models.Message) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		resp, err := a.doRequest(ctx, messages, true)
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
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield(models.Chunk{}, fmt.Errorf("error unmarshaling error: %w", err))
					return
				}
				yield(models.Chunk{}, fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message))
				return
			case "message_stop":
				return
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield(models.Chunk{}, fmt.Errorf("error unmarshaling response: %w", err))
					return
				}

				chunk := models.Chunk{Channel: stream.ChannelAnswer, Text: res.Delta.Text}
				if res.Delta.Type == "thinking_delta" {
					chunk = models.Chunk{Channel: stream.ChannelReasoning, Text: res.Delta.Thinking}
				}
				if chunk.Text == "" {
					continue
				}
				if !yield(chunk, nil) {
					return
				}
			default:
				continue
			}
		}
		yieldDeadline(ctx, yield)
	}
}

// GenerateTitle generates a title for a given message with a single non-streaming request.
func (a Anthropic) GenerateTitle(ctx context.Context, message string) (string, error) {
	title := a
	title.thinkingBudget = 0

	resp, err := title.doRequest(ctx, []models.Message{{Role: models.RoleUser, Content: message}}, false)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	var res anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}

	var sb strings.Builder
	for _, c := range res.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("no text content found")
	}
	return stream.Split(sb.String()).Answer, nil
}

func (a Anthropic) doRequest(ctx context.Context, messages []models.Message, streaming bool) (*http.Response, error) {
	system, rest := splitSystem(a.systemPrompt, messages)

	msgs := make([]anthropicMessage, len(rest))
	for i, msg := range rest {
		msgs[i] = anthropicMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}

	reqBody := anthropicChatRequest{
		Model:     a.model,
		Messages:  msgs,
		Stream:    streaming,
		System:    system,
		MaxTokens: a.maxTokens,
	}
	if a.thinkingBudget > 0 {
		reqBody.Thinking = &anthropicThinking{
			Type:         "enabled",
			BudgetTokens: a.thinkingBudget,
		}
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	a.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.endpoint+"/messages", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := a.client.Do(req)
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
