package services_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MegaGrindStone/reasonchat/internal/models"
	"github.com/MegaGrindStone/reasonchat/internal/services"
	"github.com/MegaGrindStone/reasonchat/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testConversation = []models.Message{
	{Role: models.RoleSystem, Content: "be brief"},
	{Role: models.RoleUser, Content: "hi"},
}

func collectChunks(t *testing.T, seq iter.Seq2[models.Chunk, error]) stream.Accumulator {
	t.Helper()
	var acc stream.Accumulator
	for chunk, err := range seq {
		require.NoError(t, err)
		acc.Add(chunk.Channel, chunk.Text)
	}
	return acc
}

func writeSSE(w http.ResponseWriter, event, data string) {
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func TestAnthropicChatWithThinking(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, "message_start", `{"type":"message_start"}`)
		writeSSE(w, "content_block_delta", `{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"step one. "}}`)
		writeSSE(w, "content_block_delta", `{"type":"content_block_delta","delta":{"type":"text_delta","text":"Answer."}}`)
		writeSSE(w, "message_stop", `{"type":"message_stop"}`)
	}))
	defer srv.Close()

	llm := services.NewAnthropic("key", "claude", "base", 2048, 1024, discardLogger()).WithEndpoint(srv.URL)
	acc := collectChunks(t, llm.Chat(context.Background(), testConversation))

	assert.Equal(t, "<thinking>step one.</thinking>\n\nAnswer.", acc.Combined())
	assert.Equal(t, "base\n\nbe brief", got["system"])
	assert.Equal(t, map[string]any{"type": "enabled", "budget_tokens": float64(1024)}, got["thinking"])
	assert.Len(t, got["messages"], 1)
}

func TestAnthropicChatError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeSSE(w, "error", `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	}))
	defer srv.Close()

	llm := services.NewAnthropic("key", "claude", "", 1024, 0, discardLogger()).WithEndpoint(srv.URL)

	var gotErr error
	for _, err := range llm.Chat(context.Background(), testConversation) {
		gotErr = err
	}
	require.Error(t, gotErr)
	assert.Contains(t, gotErr.Error(), "overloaded_error")
}

func TestOpenRouterChatWithReasoning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		writeSSE(w, "", `{"choices":[{"delta":{"reasoning":"thinking"}}]}`)
		writeSSE(w, "", `{"choices":[{"delta":{"content":"Hello"}}]}`)
		writeSSE(w, "", `{"choices":[]}`)
		writeSSE(w, "", `{"choices":[{"delta":{"content":" world"}}]}`)
		writeSSE(w, "", `[DONE]`)
	}))
	defer srv.Close()

	llm := services.NewOpenRouter("key", "model", "", discardLogger()).WithEndpoint(srv.URL)
	acc := collectChunks(t, llm.Chat(context.Background(), testConversation))

	assert.Equal(t, "thinking", acc.Reasoning())
	assert.Equal(t, "Hello world", acc.Answer())
}

func TestOpenRouterGenerateTitle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"<think>hm</think> Greeting"}}]}`)
	}))
	defer srv.Close()

	llm := services.NewOpenRouter("key", "model", "title prompt", discardLogger()).WithEndpoint(srv.URL)
	title, err := llm.GenerateTitle(context.Background(), "hello there")
	require.NoError(t, err)
	assert.Equal(t, "Greeting", title)
}

func TestOpenAIChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range []string{"Hel", "lo"} {
			writeSSE(w, "", fmt.Sprintf(
				`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":%q}}]}`, c))
		}
		writeSSE(w, "", "[DONE]")
	}))
	defer srv.Close()

	llm := services.NewOpenAI("key", srv.URL+"/v1", "m", "", services.LLMParameters{}, discardLogger())
	acc := collectChunks(t, llm.Chat(context.Background(), testConversation))
	assert.Equal(t, "Hello", acc.Combined())
}

func TestOpenAIChatWithReasoningContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{
			`{"role":"assistant","reasoning_content":"step one."}`,
			`{"content":"Answer."}`,
		} {
			writeSSE(w, "", fmt.Sprintf(
				`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":%s}]}`, delta))
		}
		writeSSE(w, "", "[DONE]")
	}))
	defer srv.Close()

	llm := services.NewOpenAI("key", srv.URL+"/v1", "deepseek-reasoner", "", services.LLMParameters{}, discardLogger())
	acc := collectChunks(t, llm.Chat(context.Background(), testConversation))

	assert.Equal(t, "step one.", acc.Reasoning())
	assert.Equal(t, "Answer.", acc.Answer())
	assert.Equal(t, "<thinking>step one.</thinking>\n\nAnswer.", acc.Combined())
}

func TestOllamaChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, c := range []string{"<think>hmm</think>", "Hi", ""} {
			fmt.Fprintf(w, `{"model":"m","message":{"role":"assistant","content":%q},"done":%t}`+"\n", c, c == "")
		}
	}))
	defer srv.Close()

	llm, err := services.NewOllama(srv.URL, "m", "", discardLogger())
	require.NoError(t, err)
	acc := collectChunks(t, llm.Chat(context.Background(), testConversation))

	parsed := stream.Split(acc.Answer())
	assert.Equal(t, "hmm", parsed.Reasoning)
	assert.Equal(t, "Hi", parsed.Answer)
}

func TestDataStreamChat(t *testing.T) {
	var got services.DataStreamRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, "1:\"step one. \"\nnoise\n0:{\"content\":\"Answer.\"}\n")
	}))
	defer srv.Close()

	llm := services.NewDataStream(srv.URL, "", "", discardLogger())
	acc := collectChunks(t, llm.Chat(context.Background(), testConversation))

	assert.Equal(t, "<thinking>step one.</thinking>\n\nAnswer.", acc.Combined())
	require.Len(t, got.Messages, 2)
	assert.Equal(t, models.RoleSystem, got.Messages[0].Role)
	assert.Equal(t, "be brief", got.Messages[0].Content)

	title, err := llm.GenerateTitle(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "Answer.", title)
}

func TestDataStreamStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	llm := services.NewDataStream(srv.URL, "", "", discardLogger())
	var gotErr error
	for _, err := range llm.Chat(context.Background(), testConversation) {
		gotErr = err
	}
	require.Error(t, gotErr)
	assert.Contains(t, gotErr.Error(), "502")
}

type chatStreamer interface {
	Chat(ctx context.Context, messages []models.Message) iter.Seq2[models.Chunk, error]
}

func TestChatDeadlineIsReported(t *testing.T) {
	hang := func(first string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, first)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			<-r.Context().Done()
		}
	}

	tests := []struct {
		name  string
		first string
		llm   func(url string) chatStreamer
	}{
		{
			name:  "datastream",
			first: "0:\"partial\"\n",
			llm: func(url string) chatStreamer {
				return services.NewDataStream(url, "", "", discardLogger())
			},
		},
		{
			name:  "anthropic",
			first: "event: content_block_delta\ndata: {\"delta\":{\"type\":\"text_delta\",\"text\":\"partial\"}}\n\n",
			llm: func(url string) chatStreamer {
				return services.NewAnthropic("key", "m", "", 1024, 0, discardLogger()).WithEndpoint(url)
			},
		},
		{
			name:  "openrouter",
			first: "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n",
			llm: func(url string) chatStreamer {
				return services.NewOpenRouter("key", "m", "", discardLogger()).WithEndpoint(url)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(hang(tt.first))
			defer srv.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()

			var text string
			var gotErr error
			for chunk, err := range tt.llm(srv.URL).Chat(ctx, testConversation) {
				if err != nil {
					gotErr = err
					break
				}
				text += chunk.Text
			}

			assert.Equal(t, "partial", text)
			require.Error(t, gotErr)
			assert.ErrorIs(t, gotErr, context.DeadlineExceeded)
		})
	}
}

func TestChatCancellationIsSilent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "0:\"partial\"\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	llm := services.NewDataStream(srv.URL, "", "", discardLogger())
	for chunk, err := range llm.Chat(ctx, testConversation) {
		require.NoError(t, err)
		assert.Equal(t, "partial", chunk.Text)
		cancel()
	}
}
