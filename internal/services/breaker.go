package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/reasonchat/internal/models"
	"github.com/sony/gobreaker/v2"
)

// Default circuit breaker settings.
const (
	defaultBreakerMaxFailures uint32        = 3
	defaultBreakerTimeout     time.Duration = 30 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the circuit breaker in front of the search provider.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `yaml:"maxFailures"`
	// Timeout is how long the circuit stays open before a trial request is let through.
	Timeout time.Duration `yaml:"timeout"`
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration `yaml:"interval"`
}

// Searcher is a web search provider.
type Searcher interface {
	Search(ctx context.Context, query string, previous []string) ([]models.SearchResult, error)
}

// BreakerSearch wraps a Searcher with a circuit breaker, so a failing search backend is skipped quickly
// instead of delaying every prompt.
type BreakerSearch struct {
	inner   Searcher
	breaker *gobreaker.CircuitBreaker[[]models.SearchResult]
}

// NewBreakerSearch wraps inner with a circuit breaker. Zero config fields take the defaults.
func NewBreakerSearch(inner Searcher, cfg BreakerConfig, logger *slog.Logger) *BreakerSearch {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	logger = logger.With(slog.String("module", "breaker"))

	cb := gobreaker.NewCircuitBreaker[[]models.SearchResult](gobreaker.Settings{
		Name:        "search",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// The user stopping a request says nothing about the backend.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &BreakerSearch{inner: inner, breaker: cb}
}

// Search implements Searcher through the circuit breaker.
func (b *BreakerSearch) Search(ctx context.Context, query string, previous []string) ([]models.SearchResult, error) {
	res, err := b.breaker.Execute(func() ([]models.SearchResult, error) {
		return b.inner.Search(ctx, query, previous)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("search circuit open: %w", err)
		}
		return nil, err
	}
	return res, nil
}

// State returns the current circuit breaker state.
func (b *BreakerSearch) State() gobreaker.State {
	return b.breaker.State()
}
