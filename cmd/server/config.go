package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/reasonchat/internal/handlers"
	"github.com/MegaGrindStone/reasonchat/internal/services"
	"github.com/MegaGrindStone/reasonchat/internal/stream"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error)
	titleGen(systemPrompt string, logger *slog.Logger) (handlers.TitleGenerator, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port                 string
	SystemPrompt         string
	TitleGeneratorPrompt string
	LLM                  llmConfig
	Search               *searchConfig
	Store                storeConfig
	Renderer             rendererConfig
	Log                  services.LogConfig
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openaiConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string                 `yaml:"apiKey"`
	BaseURL       string                 `yaml:"baseURL"`
	Parameters    services.LLMParameters `yaml:"parameters"`
}

type anthropicConfig struct {
	BaseLLMConfig  `yaml:",inline"`
	APIKey         string `yaml:"apiKey"`
	MaxTokens      int    `yaml:"maxTokens"`
	ThinkingBudget int    `yaml:"thinkingBudget"`
}

type openrouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
}

type dataStreamConfig struct {
	BaseLLMConfig `yaml:",inline"`
	URL           string `yaml:"url"`
	APIKey        string `yaml:"apiKey"`
}

type searchConfig struct {
	Provider   string                 `yaml:"provider"`
	APIKey     string                 `yaml:"apiKey"`
	NumResults int                    `yaml:"numResults"`
	Breaker    services.BreakerConfig `yaml:"breaker"`
}

type storeConfig struct {
	Type     string `yaml:"type"`
	Path     string `yaml:"path"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type rendererConfig struct {
	stream.Options `yaml:",inline"`
	MaxDuration    time.Duration `yaml:"maxDuration"`
}

const (
	defaultPort      = "8080"
	defaultStoreFile = "store.db"
)

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port                 string             `yaml:"port"`
		SystemPrompt         string             `yaml:"systemPrompt"`
		TitleGeneratorPrompt string             `yaml:"titleGeneratorPrompt"`
		LLM                  map[string]any     `yaml:"llm"`
		Search               *searchConfig      `yaml:"search"`
		Store                storeConfig        `yaml:"store"`
		Renderer             rendererConfig     `yaml:"renderer"`
		Log                  services.LogConfig `yaml:"log"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.SystemPrompt = rawConfig.SystemPrompt
	c.TitleGeneratorPrompt = rawConfig.TitleGeneratorPrompt
	c.Search = rawConfig.Search
	c.Store = rawConfig.Store
	c.Renderer = rawConfig.Renderer
	c.Log = rawConfig.Log

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "ollama":
		llm = &ollamaConfig{}
	case "openai":
		llm = &openaiConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	case "openrouter":
		llm = &openrouterConfig{}
	case "datastream":
		llm = &dataStreamConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

// applyDefaults fills the settings the file left out. cfgDir is the directory holding the config file.
func (c *config) applyDefaults(cfgDir string) {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.Store.Type == "" {
		c.Store.Type = "bolt"
	}
	if c.Store.Type == "bolt" && c.Store.Path == "" {
		c.Store.Path = filepath.Join(cfgDir, defaultStoreFile)
	}
}

func (s storeConfig) open(ctx context.Context) (store, error) {
	switch s.Type {
	case "bolt":
		return services.NewBoltDB(s.Path)
	case "redis":
		return services.NewRedis(ctx, services.RedisConfig{
			Addr:     s.Addr,
			Password: s.Password,
			DB:       s.DB,
			Prefix:   s.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown store type: %s", s.Type)
	}
}

// searcher returns nil when web search is not configured.
func (s *searchConfig) searcher(logger *slog.Logger) (handlers.Searcher, error) {
	if s == nil {
		return nil, nil
	}
	if s.Provider != "" && s.Provider != "exa" {
		return nil, fmt.Errorf("unknown search provider: %s", s.Provider)
	}

	apiKey := s.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("EXA_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("search apiKey is required")
	}

	exa := services.NewExa(apiKey, s.NumResults, logger)
	return services.NewBreakerSearch(exa, s.Breaker, logger), nil
}

func (o ollamaConfig) newOllama(systemPrompt string, logger *slog.Logger) (services.Ollama, error) {
	if o.Model == "" {
		return services.Ollama{}, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, o.Model, systemPrompt, logger)
}

func (o ollamaConfig) llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	return o.newOllama(systemPrompt, logger)
}

func (o ollamaConfig) titleGen(systemPrompt string, logger *slog.Logger) (handlers.TitleGenerator, error) {
	return o.newOllama(systemPrompt, logger)
}

func (o openaiConfig) newOpenAI(systemPrompt string, logger *slog.Logger) (services.OpenAI, error) {
	if o.Model == "" {
		return services.OpenAI{}, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (o openaiConfig) llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	return o.newOpenAI(systemPrompt, logger)
}

func (o openaiConfig) titleGen(systemPrompt string, logger *slog.Logger) (handlers.TitleGenerator, error) {
	return o.newOpenAI(systemPrompt, logger)
}

func (a anthropicConfig) newAnthropic(systemPrompt string, logger *slog.Logger) (services.Anthropic, error) {
	if a.Model == "" {
		return services.Anthropic{}, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return services.Anthropic{}, fmt.Errorf("maxTokens is required")
	}
	if a.ThinkingBudget > 0 && a.ThinkingBudget >= a.MaxTokens {
		return services.Anthropic{}, fmt.Errorf("thinkingBudget must be less than maxTokens")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.Model, systemPrompt, a.MaxTokens, a.ThinkingBudget, logger), nil
}

func (a anthropicConfig) llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	return a.newAnthropic(systemPrompt, logger)
}

func (a anthropicConfig) titleGen(systemPrompt string, logger *slog.Logger) (handlers.TitleGenerator, error) {
	// Titles are short, reasoning would only delay them.
	a.ThinkingBudget = 0
	return a.newAnthropic(systemPrompt, logger)
}

func (o openrouterConfig) newOpenRouter(systemPrompt string, logger *slog.Logger) (services.OpenRouter, error) {
	if o.Model == "" {
		return services.OpenRouter{}, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	return services.NewOpenRouter(apiKey, o.Model, systemPrompt, logger), nil
}

func (o openrouterConfig) llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	return o.newOpenRouter(systemPrompt, logger)
}

func (o openrouterConfig) titleGen(systemPrompt string, logger *slog.Logger) (handlers.TitleGenerator, error) {
	return o.newOpenRouter(systemPrompt, logger)
}

func (d dataStreamConfig) newDataStream(systemPrompt string, logger *slog.Logger) (services.DataStream, error) {
	if d.URL == "" {
		return services.DataStream{}, fmt.Errorf("url is required")
	}
	return services.NewDataStream(d.URL, d.APIKey, systemPrompt, logger), nil
}

func (d dataStreamConfig) llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	return d.newDataStream(systemPrompt, logger)
}

func (d dataStreamConfig) titleGen(systemPrompt string, logger *slog.Logger) (handlers.TitleGenerator, error) {
	return d.newDataStream(systemPrompt, logger)
}
