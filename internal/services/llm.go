package services

import (
	"context"
	"errors"
	"strings"

	"github.com/MegaGrindStone/reasonchat/internal/models"
)

// LLMParameters holds optional sampling parameters shared by the OpenAI-compatible providers. Nil
// fields are left to the provider defaults.
type LLMParameters struct {
	Temperature      *float32       `yaml:"temperature"`
	TopP             *float32       `yaml:"topP"`
	Stop             []string       `yaml:"stop"`
	PresencePenalty  *float32       `yaml:"presencePenalty"`
	Seed             *int           `yaml:"seed"`
	FrequencyPenalty *float32       `yaml:"frequencyPenalty"`
	LogitBias        map[string]int `yaml:"logitBias"`
	Logprobs         *bool          `yaml:"logprobs"`
	TopLogprobs      *int           `yaml:"topLogprobs"`
	MaxTokens        *int           `yaml:"maxTokens"`
}

// splitSystem merges the configured system prompt with the system messages of a conversation. The
// configured prompt comes first; the joined prompt and the non-system messages are returned.
func splitSystem(base string, messages []models.Message) (string, []models.Message) {
	system, rest := models.SystemPrompt(messages)
	base = strings.TrimSpace(base)
	switch {
	case base == "":
		return system, rest
	case system == "":
		return base, rest
	default:
		return base + "\n\n" + system, rest
	}
}

// yieldDeadline reports an expired deadline of ctx as the last error of a chat stream. Plain
// cancellation ends the stream without an error.
func yieldDeadline(ctx context.Context, yield func(models.Chunk, error) bool) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		yield(models.Chunk{}, ctx.Err())
	}
}
