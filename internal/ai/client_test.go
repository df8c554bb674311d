package ai

import (
	"math"
	"testing"

	"github.com/liushuangls/go-anthropic/v2"
)

func TestNewClient(t *testing.T) {
	tests := []struct {
		name        string
		proxyURL    string
		expectError bool
	}{
		{name: "Valid client without proxy", proxyURL: ""},
		{name: "Valid client with proxy", proxyURL: "http://proxy.example.com:8080"},
		{name: "Valid client with https proxy", proxyURL: "https://proxy.example.com:8080"},
		{name: "Invalid proxy URL", proxyURL: "://invalid-url", expectError: true},
		{name: "Unsupported proxy scheme", proxyURL: "socks5://proxy.example.com:1080", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient("sk-ant-test-key", "claude-sonnet-4-5", tt.proxyURL, 30, 4000)

			if tt.expectError {
				if err == nil {
					t.Error("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if client.model != "claude-sonnet-4-5" {
				t.Errorf("Expected model claude-sonnet-4-5, got %s", client.model)
			}
			if client.client == nil {
				t.Error("Expected Anthropic client to be initialized")
			}
			if client.retry.MaxAttempts != defaultMaxRetries {
				t.Errorf("retry.MaxAttempts = %d, want %d", client.retry.MaxAttempts, defaultMaxRetries)
			}
		})
	}
}

func TestNewClientOptions(t *testing.T) {
	client, err := NewClient("sk-ant-test-key", "claude-sonnet-4-5", "", 30, 4000,
		WithBaseURL("http://127.0.0.1:9/v1/"),
		WithRetryPolicy(fastRetryPolicy(1)),
	)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if client.retry.MaxAttempts != 1 {
		t.Errorf("retry.MaxAttempts = %d, want 1", client.retry.MaxAttempts)
	}
}

func TestEstimateCost(t *testing.T) {
	tests := []struct {
		name        string
		input       int
		output      int
		cacheCreate int
		cacheRead   int
		want        float64
	}{
		{name: "Basic calculation without cache", input: 1000, output: 500, want: 0.0105},
		{name: "With cache creation", input: 1000, output: 500, cacheCreate: 2000, want: 0.018},
		{name: "With cache read", input: 1000, output: 500, cacheRead: 5000, want: 0.012},
		{name: "Large tokens", input: 100000, output: 50000, cacheCreate: 10000, cacheRead: 80000, want: 1.1115},
		{name: "Zero tokens", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := estimateCost(tt.input, tt.output, tt.cacheCreate, tt.cacheRead)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("estimateCost() = %.6f, want %.6f", got, tt.want)
			}
		})
	}
}

func TestCalculateStats(t *testing.T) {
	client := &Client{model: "claude-sonnet-4-5"}
	var resp anthropic.MessagesResponse
	resp.Usage.InputTokens = 1000
	resp.Usage.OutputTokens = 500

	stats := client.calculateStats(resp, 2.5)

	if stats.Provider != "Anthropic" || stats.Model != "claude-sonnet-4-5" {
		t.Errorf("Provider/Model = %s/%s", stats.Provider, stats.Model)
	}
	if stats.InputTokens != 1000 || stats.OutputTokens != 500 {
		t.Errorf("tokens = %d/%d, want 1000/500", stats.InputTokens, stats.OutputTokens)
	}
	if math.Abs(stats.CostUSD-0.0105) > 1e-9 {
		t.Errorf("CostUSD = %f, want 0.0105", stats.CostUSD)
	}
	if stats.DurationSeconds != 2.5 {
		t.Errorf("DurationSeconds = %f, want 2.5", stats.DurationSeconds)
	}
}

func TestIsClientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "authentication", err: &anthropic.APIError{Type: anthropic.ErrTypeAuthentication}, want: true},
		{name: "invalid request", err: &anthropic.APIError{Type: anthropic.ErrTypeInvalidRequest}, want: true},
		{name: "rate limit", err: &anthropic.APIError{Type: anthropic.ErrTypeRateLimit}, want: false},
		{name: "overloaded", err: &anthropic.APIError{Type: anthropic.ErrTypeOverloaded}, want: false},
		{name: "not an API error", err: errTest, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isClientError(tt.err); got != tt.want {
				t.Errorf("isClientError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetModelInfo(t *testing.T) {
	client := &Client{model: "claude-sonnet-4-5", maxTokens: 8000}

	info := client.GetModelInfo()

	if info["model"] != "claude-sonnet-4-5" {
		t.Errorf("model = %v", info["model"])
	}
	if info["provider"] != "Anthropic" {
		t.Errorf("provider = %v, want Anthropic", info["provider"])
	}
	if info["max_tokens"] != 8000 {
		t.Errorf("max_tokens = %v, want 8000", info["max_tokens"])
	}
	if info["context_limit"] != 200000 {
		t.Errorf("context_limit = %v, want 200000", info["context_limit"])
	}
	if client.GetProviderName() != "Anthropic" {
		t.Errorf("GetProviderName() = %s", client.GetProviderName())
	}
}

func TestAssessCancelledContext(t *testing.T) {
	client, err := NewClient("sk-ant-test-key", "claude-sonnet-4-5", "", 5, 4000,
		WithBaseURL("http://127.0.0.1:9/v1"),
		WithRetryPolicy(fastRetryPolicy(3)),
	)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	triage, stats, err := client.Assess(cancelledContext(), GetSystemPrompt(), "records")
	if err == nil {
		t.Fatal("Assess() with cancelled context should fail")
	}
	if triage != nil || stats != nil {
		t.Error("Assess() should return nil results on error")
	}
}

func TestProviderTypes(t *testing.T) {
	for _, pt := range []string{"none", "anthropic", "ollama"} {
		if !IsValidProviderType(pt) {
			t.Errorf("IsValidProviderType(%q) = false", pt)
		}
	}
	for _, pt := range []string{"", "lmstudio", "openai"} {
		if IsValidProviderType(pt) {
			t.Errorf("IsValidProviderType(%q) = true", pt)
		}
	}
}
