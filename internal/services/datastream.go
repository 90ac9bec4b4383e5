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
)

// DataStream is an LLM backed by any endpoint that answers a chat request with the line-oriented data
// stream format (`<channel>:<json>` lines), including the /api/chat endpoint of this server.
type DataStream struct {
	url          string
	apiKey       string
	systemPrompt string

	client *http.Client

	logger *slog.Logger
}

// DataStreamRequest is the body of a data stream chat request.
type DataStreamRequest struct {
	Messages []DataStreamMessage `json:"messages"`
}

// DataStreamMessage is one message of a DataStreamRequest.
type DataStreamMessage struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// NewDataStream creates a DataStream client posting to url. A non-empty apiKey is sent as a bearer token.
func NewDataStream(url, apiKey, systemPrompt string, logger *slog.Logger) DataStream {
	return DataStream{
		url:          url,
		apiKey:       apiKey,
		systemPrompt: systemPrompt,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "datastream")),
	}
}

// Chat posts the conversation and yields the decoded frames of the response as chunks. Malformed lines
// of the response are skipped.
func (d DataStream) Chat(ctx context.Context, messages []models.Message) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		resp, err := d.doRequest(ctx, messages)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Chunk{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		for f, err := range stream.Read(ctx, resp.Body) {
			if err != nil {
				yield(models.Chunk{}, err)
				return
			}
			text := f.Text()
			if text == "" {
				continue
			}
			if !yield(models.Chunk{Channel: f.Channel, Text: text}, nil) {
				return
			}
		}
		yieldDeadline(ctx, yield)
	}
}

// GenerateTitle sends message as a single user message and returns the answer text of the response.
func (d DataStream) GenerateTitle(ctx context.Context, message string) (string, error) {
	var acc stream.Accumulator
	for chunk, err := range d.Chat(ctx, []models.Message{{Role: models.RoleUser, Content: message}}) {
		if err != nil {
			return "", err
		}
		acc.Add(chunk.Channel, chunk.Text)
	}
	return stream.Split(acc.Answer()).Answer, nil
}

func (d DataStream) doRequest(ctx context.Context, messages []models.Message) (*http.Response, error) {
	system, rest := splitSystem(d.systemPrompt, messages)

	body := DataStreamRequest{Messages: make([]DataStreamMessage, 0, len(rest)+1)}
	if system != "" {
		body.Messages = append(body.Messages, DataStreamMessage{Role: models.RoleSystem, Content: system})
	}
	for _, m := range rest {
		body.Messages = append(body.Messages, DataStreamMessage{Role: m.Role, Content: m.Content})
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	d.logger.Debug("Data stream opened", slog.String("url", d.url), slog.Int("messages", len(body.Messages)))

	return resp, nil
}
