package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/olegiv/accesslog-anomaly-go/internal/retry"
)

var errTest = errors.New("test error")

// fastRetryPolicy retries without real waits.
func fastRetryPolicy(attempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
	}
}

// verifyOllamaChatRequest validates an Ollama chat request.
// It decodes the request body and verifies the structure is well-formed.
func verifyOllamaChatRequest(t *testing.T, r *http.Request, w http.ResponseWriter) *ollamaChatRequest {
	t.Helper()

	var req ollamaChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Errorf("failed to decode request: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}

	if req.Model == "" {
		t.Error("model is empty")
	}
	if len(req.Messages) != 2 {
		t.Errorf("expected 2 messages, got %d", len(req.Messages))
		return &req
	}
	if req.Messages[0].Role != "system" {
		t.Errorf("first message should be system, got %s", req.Messages[0].Role)
	}
	if req.Messages[1].Role != "user" {
		t.Errorf("second message should be user, got %s", req.Messages[1].Role)
	}

	return &req
}

// verifyTriageResult checks a triage parsed from sampleTriageJSON.
func verifyTriageResult(t *testing.T, triage *Triage) {
	t.Helper()

	if triage.Status != StatusSuspicious {
		t.Errorf("Status = %v, want %s", triage.Status, StatusSuspicious)
	}
	if len(triage.Findings) != 1 {
		t.Errorf("len(Findings) = %v, want 1", len(triage.Findings))
	}
	if len(triage.SuspiciousClients) != 1 || triage.SuspiciousClients[0] != "203.0.113.9" {
		t.Errorf("SuspiciousClients = %v, want [203.0.113.9]", triage.SuspiciousClients)
	}
	if len(triage.Recommendations) != 1 {
		t.Errorf("len(Recommendations) = %v, want 1", len(triage.Recommendations))
	}
}

// verifyLocalProviderStats checks stats from local LLM providers.
// Local providers have zero cost and expected token counts.
func verifyLocalProviderStats(t *testing.T, stats *Stats, provider string) {
	t.Helper()

	if stats.InputTokens != 1500 {
		t.Errorf("InputTokens = %v, want 1500", stats.InputTokens)
	}
	if stats.OutputTokens != 250 {
		t.Errorf("OutputTokens = %v, want 250", stats.OutputTokens)
	}
	if stats.CostUSD != 0 {
		t.Errorf("CostUSD = %v, want 0 (local inference)", stats.CostUSD)
	}
	if provider != "" && stats.Provider != provider {
		t.Errorf("Provider = %v, want %s", stats.Provider, provider)
	}
}

const sampleTriageJSON = `{
  "status": "Suspicious",
  "summary": "One client downloaded several very large archives at 03:00.",
  "findings": ["203.0.113.9 fetched 4 backups over 1 GB between 03:00 and 03:10"],
  "suspiciousClients": ["203.0.113.9"],
  "recommendations": ["Restrict /backup to the internal network"],
  "metrics": {"oversizedResponses": 4}
}`

func cancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}
