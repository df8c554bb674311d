// Package ai asks a large language model to triage the records flagged by
// the detector.
package ai

import (
	"context"
	"time"

	"github.com/olegiv/accesslog-anomaly-go/internal/retry"
)

// Provider defines the interface for LLM providers (Anthropic, Ollama)
type Provider interface {
	// Assess triages flagged records using the provided prompts
	Assess(ctx context.Context, systemPrompt, userPrompt string) (*Triage, *Stats, error)

	// GetModelInfo returns information about the configured model
	GetModelInfo() map[string]interface{}

	// GetProviderName returns the name of the provider (e.g., "Anthropic", "Ollama")
	GetProviderName() string
}

// ProviderType represents the type of LLM provider
type ProviderType string

const (
	ProviderNone      ProviderType = "none"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderOllama    ProviderType = "ollama"
)

// ValidProviderTypes returns a list of valid provider types
func ValidProviderTypes() []ProviderType {
	return []ProviderType{ProviderNone, ProviderAnthropic, ProviderOllama}
}

// IsValidProviderType checks if the given provider type is valid
func IsValidProviderType(pt string) bool {
	for _, valid := range ValidProviderTypes() {
		if string(valid) == pt {
			return true
		}
	}
	return false
}

// Stats holds statistics about the API call
type Stats struct {
	Provider            string
	Model               string
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
	CostUSD             float64
	DurationSeconds     float64
}

// defaultMaxRetries is the default number of attempts per LLM call
const defaultMaxRetries = 3

// defaultRetryPolicy waits 2^n seconds between attempts, and a minute or more
// after rate-limit and overload errors.
func defaultRetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: defaultMaxRetries,
		BaseDelay:   2 * time.Second,
		MaxDelay:    rateLimitMaxBackoff,
		Backoff:     getBackoffDuration,
	}
}
