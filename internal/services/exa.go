package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/reasonchat/internal/models"
)

// Exa searches the web through the Exa search API, returning results together with their page text.
type Exa struct {
	apiKey     string
	numResults int
	endpoint   string

	client *http.Client

	logger *slog.Logger
}

type exaSearchRequest struct {
	Query      string      `json:"query"`
	NumResults int         `json:"numResults"`
	Contents   exaContents `json:"contents"`
}

type exaContents struct {
	Text bool `json:"text"`
}

type exaSearchResponse struct {
	Results []models.SearchResult `json:"results"`
}

const (
	exaAPIEndpoint       = "https://api.exa.ai"
	defaultExaNumResults = 5
)

// NewExa creates an Exa client. A non-positive numResults takes the default of five.
func NewExa(apiKey string, numResults int, logger *slog.Logger) Exa {
	if numResults <= 0 {
		numResults = defaultExaNumResults
	}
	return Exa{
		apiKey:     apiKey,
		numResults: numResults,
		endpoint:   exaAPIEndpoint,
		client:     &http.Client{},
		logger:     logger.With(slog.String("module", "exa")),
	}
}

// WithEndpoint returns a copy of e that sends requests to the given API base URL.
func (e Exa) WithEndpoint(endpoint string) Exa {
	e.endpoint = strings.TrimSuffix(endpoint, "/")
	return e
}

// Search runs query, prefixed with the previous questions of the conversation, and returns the results.
// An empty result list is valid.
func (e Exa) Search(ctx context.Context, query string, previous []string) ([]models.SearchResult, error) {
	reqBody := exaSearchRequest{
		Query:      models.ContextualQuery(query, previous),
		NumResults: e.numResults,
		Contents:   exaContents{Text: true},
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/search", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	var res exaSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}

	e.logger.Debug("Search done",
		slog.String("query", reqBody.Query),
		slog.Int("results", len(res.Results)))

	if res.Results == nil {
		res.Results = []models.SearchResult{}
	}
	return res.Results, nil
}
