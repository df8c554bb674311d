package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/liushuangls/go-anthropic/v2"
	internalerrors "github.com/olegiv/accesslog-anomaly-go/internal/errors"
	"github.com/olegiv/accesslog-anomaly-go/internal/retry"
)

// Client wraps the Anthropic API client
type Client struct {
	client    *anthropic.Client
	model     string
	maxTokens int
	retry     retry.Policy
}

// ClientOption customizes a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	baseURL string
	retry   *retry.Policy
}

// WithBaseURL points the client at a different API endpoint.
func WithBaseURL(baseURL string) ClientOption {
	return func(o *clientOptions) { o.baseURL = baseURL }
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p retry.Policy) ClientOption {
	return func(o *clientOptions) { o.retry = &p }
}

// NewClient creates a new Claude AI client
func NewClient(apiKey, model, proxyURL string, timeoutSeconds, maxTokens int, opts ...ClientOption) (*Client, error) {
	var options clientOptions
	for _, opt := range opts {
		opt(&options)
	}

	var httpClient *http.Client
	timeout := time.Duration(timeoutSeconds) * time.Second

	// Configure proxy if provided
	if proxyURL != "" {
		proxyURLParsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, internalerrors.Wrapf(err, "invalid proxy URL")
		}

		// Validate proxy URL scheme for security
		if proxyURLParsed.Scheme != "http" && proxyURLParsed.Scheme != "https" {
			return nil, fmt.Errorf("proxy URL must use http or https scheme, got: %s", proxyURLParsed.Scheme)
		}

		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURLParsed),
			},
			Timeout: timeout,
		}
	} else {
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	anthropicOpts := []anthropic.ClientOption{anthropic.WithHTTPClient(httpClient)}
	if options.baseURL != "" {
		anthropicOpts = append(anthropicOpts, anthropic.WithBaseURL(strings.TrimSuffix(options.baseURL, "/")))
	}

	policy := defaultRetryPolicy()
	if options.retry != nil {
		policy = *options.retry
	}

	return &Client{
		client:    anthropic.NewClient(apiKey, anthropicOpts...),
		model:     model,
		maxTokens: maxTokens,
		retry:     policy,
	}, nil
}

// Assess triages the flagged records described by the prompts.
func (c *Client) Assess(ctx context.Context, systemPrompt, userPrompt string) (*Triage, *Stats, error) {
	startTime := time.Now()

	response, err := retry.Do(ctx, c.retry, func(ctx context.Context) (anthropic.MessagesResponse, error) {
		return c.callAPI(ctx, systemPrompt, userPrompt)
	})
	if err != nil {
		return nil, nil, err
	}

	if len(response.Content) == 0 {
		return nil, nil, fmt.Errorf("empty response from Claude")
	}

	var responseText strings.Builder
	for _, content := range response.Content {
		if content.Type == "text" && content.Text != nil {
			responseText.WriteString(*content.Text)
		}
	}

	triage, err := ParseTriage(responseText.String())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse triage: %w", err)
	}

	stats := c.calculateStats(response, time.Since(startTime).Seconds())

	return triage, stats, nil
}

// callAPI makes the actual API call to Claude
func (c *Client) callAPI(ctx context.Context, systemPrompt, userPrompt string) (anthropic.MessagesResponse, error) {
	request := anthropic.MessagesRequest{
		Model: anthropic.Model(c.model),
		Messages: []anthropic.Message{
			{
				Role: anthropic.RoleUser,
				Content: []anthropic.MessageContent{
					anthropic.NewTextMessageContent(userPrompt),
				},
			},
		},
		System:    systemPrompt,
		MaxTokens: c.maxTokens,
	}

	response, err := c.client.CreateMessages(ctx, request)
	if err != nil {
		wrapped := internalerrors.Wrapf(err, "API call failed")
		if ctx.Err() != nil || isClientError(err) {
			return anthropic.MessagesResponse{}, retry.Permanent(wrapped)
		}
		return anthropic.MessagesResponse{}, wrapped
	}

	return response, nil
}

// isClientError reports API errors that another attempt cannot fix.
func isClientError(err error) bool {
	var apiErr *anthropic.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Type == anthropic.ErrTypeAuthentication || apiErr.Type == anthropic.ErrTypeInvalidRequest
}

// calculateStats calculates cost and token statistics
func (c *Client) calculateStats(response anthropic.MessagesResponse, durationSeconds float64) *Stats {
	inputTokens := response.Usage.InputTokens
	outputTokens := response.Usage.OutputTokens

	cacheCreationTokens := response.Usage.CacheCreationInputTokens
	cacheReadTokens := response.Usage.CacheReadInputTokens

	return &Stats{
		Provider:            "Anthropic",
		Model:               c.model,
		InputTokens:         inputTokens,
		OutputTokens:        outputTokens,
		CacheCreationTokens: cacheCreationTokens,
		CacheReadTokens:     cacheReadTokens,
		CostUSD:             estimateCost(inputTokens, outputTokens, cacheCreationTokens, cacheReadTokens),
		DurationSeconds:     durationSeconds,
	}
}

// estimateCost applies Claude Sonnet 4.5 pricing.
// Input: $3/MTok, Output: $15/MTok, cache write: $3.75/MTok, cache read: $0.30/MTok
func estimateCost(inputTokens, outputTokens, cacheCreationTokens, cacheReadTokens int) float64 {
	inputCost := float64(inputTokens) / 1000000 * 3.0
	outputCost := float64(outputTokens) / 1000000 * 15.0
	cacheWriteCost := float64(cacheCreationTokens) / 1000000 * 3.75
	cacheReadCost := float64(cacheReadTokens) / 1000000 * 0.30

	return inputCost + outputCost + cacheWriteCost + cacheReadCost
}

// GetModelInfo returns information about the configured model
func (c *Client) GetModelInfo() map[string]interface{} {
	return map[string]interface{}{
		"model":         c.model,
		"provider":      "Anthropic",
		"max_tokens":    c.maxTokens,
		"context_limit": 200000,
	}
}

// GetProviderName returns the name of the provider
func (c *Client) GetProviderName() string {
	return "Anthropic"
}

// Ensure Client implements Provider interface
var _ Provider = (*Client)(nil)
