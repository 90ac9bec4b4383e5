package models_test

import (
	"strings"
	"testing"

	"github.com/MegaGrindStone/reasonchat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPromptOrder(t *testing.T) {
	history := []models.Message{
		{ID: "1", Role: models.RoleUser, Content: "What is Go?"},
		{ID: "2", Role: models.RoleAssistant, Content: "<thinking>recall</thinking>\n\nA language."},
		{ID: "3", Role: models.RoleSystem, Content: "stale instruction"},
		{ID: "4", Role: models.RoleAssistant, Content: ""},
	}
	opts := models.PromptOptions{
		ShowThinking: true,
		Persona:      "  a patient programming tutor  ",
		File:         &models.AttachedFile{Name: "notes.txt", Text: "line one"},
		SearchLog:    "[Source 1] Go\nURL: https://go.dev\nData: The Go language\n",
	}

	msgs := models.BuildPrompt(opts, history, "And Rust?")
	require.Len(t, msgs, 7)

	assert.Equal(t, models.ThinkingInstruction, msgs[0].Content)
	assert.True(t, strings.HasPrefix(msgs[1].Content, "YOUR IDENTITY AND ROLE: a patient programming tutor\n\n"))
	assert.Equal(t, "File (notes.txt):\nline one", msgs[2].Content)
	assert.Contains(t, msgs[3].Content, "[Source 1] Go")
	for _, m := range msgs[:4] {
		assert.Equal(t, models.RoleSystem, m.Role)
	}

	assert.Equal(t, "What is Go?", msgs[4].Content)
	assert.Equal(t, models.RoleAssistant, msgs[5].Role)
	assert.Equal(t, "A language.", msgs[5].Content)
	assert.Equal(t, models.Message{Role: models.RoleUser, Content: "And Rust?"}, msgs[6])
}

func TestBuildPromptWithoutOptions(t *testing.T) {
	msgs := models.BuildPrompt(models.PromptOptions{Persona: "   "}, nil, "hi")
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
}

func TestSystemPrompt(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: "one"},
		{Role: models.RoleSystem, Content: ""},
		{Role: models.RoleUser, Content: "q"},
		{Role: models.RoleSystem, Content: "two"},
	}

	system, rest := models.SystemPrompt(msgs)
	assert.Equal(t, "one\n\ntwo", system)
	require.Len(t, rest, 1)
	assert.Equal(t, "q", rest[0].Content)

	system, rest = models.SystemPrompt([]models.Message{{Role: models.RoleUser, Content: "q"}})
	assert.Empty(t, system)
	assert.Len(t, rest, 1)
}

func TestValidatePersona(t *testing.T) {
	assert.NoError(t, models.ValidatePersona(""))
	assert.NoError(t, models.ValidatePersona("   "))
	assert.NoError(t, models.ValidatePersona("you are a pirate"))
	assert.ErrorIs(t, models.ValidatePersona("be a pirate"), models.ErrPersonaTooShort)
}

func TestContextualQuery(t *testing.T) {
	assert.Equal(t, "weather", models.ContextualQuery("weather", nil))
	assert.Equal(t,
		"Previous question: where is Oslo\nPrevious question: how big is it\n\nNow answer the question: weather",
		models.ContextualQuery("weather", []string{"where is Oslo", "how big is it"}))
}

func TestFormatSearchLog(t *testing.T) {
	assert.Empty(t, models.FormatSearchLog(nil))

	results := make([]models.SearchResult, 8)
	for i := range results {
		results[i] = models.SearchResult{Title: "T", URL: "https://example.com", Text: "body"}
	}
	log := models.FormatSearchLog(results)
	assert.Equal(t, 6, strings.Count(log, "[Source "))
	assert.True(t, strings.HasPrefix(log, "[Source 1] T\nURL: https://example.com\nData: body\n\n[Source 2]"))
	assert.NotContains(t, log, "[Source 7]")
}

func TestChatTitle(t *testing.T) {
	assert.Equal(t, models.DefaultChatTitle, models.ChatTitle("  "))
	assert.Equal(t, "short", models.ChatTitle(" short "))

	long := strings.Repeat("я", 60)
	assert.Equal(t, strings.Repeat("я", 50), models.ChatTitle(long))
}

func TestFileText(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		mime     string
		data     string
		wantType string
		wantText string
	}{
		{name: "typed text", file: "a.txt", mime: "text/plain", data: "hello", wantType: "text/plain", wantText: "hello"},
		{name: "extension fallback", file: "README.MD", data: "# hi", wantType: "text/md", wantText: "# hi"},
		{name: "no extension", file: "Makefile", data: "all:", wantType: "text/plain", wantText: "all:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := models.FileText(tt.file, tt.mime, []byte(tt.data))
			assert.Equal(t, tt.file, f.Name)
			assert.Equal(t, tt.wantType, f.Type)
			assert.Equal(t, tt.wantText, f.Text)
		})
	}

	pdf := models.FileText("paper.pdf", "", []byte("%PDF-1.7"))
	assert.Equal(t, "application/pdf", pdf.Type)
	assert.True(t, strings.HasPrefix(pdf.Text, "[PDF file: paper.pdf]"))
}
