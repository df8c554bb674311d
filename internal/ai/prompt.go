package ai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/dustin/go-humanize"
	"github.com/olegiv/accesslog-anomaly-go/internal/report"
)

// Triage statuses, from least to most severe.
const (
	StatusBenign     = "Benign"
	StatusUnusual    = "Unusual"
	StatusSuspicious = "Suspicious"
	StatusMalicious  = "Malicious"
)

// DefaultMaxPromptRecords caps the flagged records sent to the model.
const DefaultMaxPromptRecords = 200

// Triage is the structured assessment of a run's flagged records.
type Triage struct {
	Status            string                 `json:"status"`
	Summary           string                 `json:"summary"`
	Findings          []string               `json:"findings"`
	SuspiciousClients []string               `json:"suspiciousClients"`
	Recommendations   []string               `json:"recommendations"`
	Metrics           map[string]interface{} `json:"metrics"`
}

// GetSystemPrompt returns the triage instructions.
func GetSystemPrompt() string {
	return `You are a senior web operations and security analyst. An unsupervised outlier detector has flagged a small fraction of HTTP access-log records as anomalous, based only on the hour of day and the response size of each request. Your role is to explain what the flagged records most likely represent.

**Triage Framework:**

1. **Overall Status** - Classify the flagged set:
   - "Benign" - Expected outliers (backups, large downloads, scheduled jobs)
   - "Unusual" - Unexplained but harmless-looking traffic worth a glance
   - "Suspicious" - Patterns consistent with scanning, scraping or data exfiltration
   - "Malicious" - Clear attack traffic (exploitation attempts, injection payloads, credential stuffing)

2. **Findings** - Group the flagged records:
   - Oversized responses and which paths served them
   - Off-hours activity and its clients
   - Error bursts (4xx/5xx) in the flagged set
   - Request lines carrying traversal, injection or probing payloads

3. **Suspicious Clients** - List client addresses that deserve follow-up.

4. **Recommendations** - Specific, actionable steps (rate limits, WAF rules, log retention, detector tuning).

**Output Requirements:**

You MUST respond with a valid JSON object (and ONLY JSON) in this exact format:

{
  "status": "Benign|Unusual|Suspicious|Malicious",
  "summary": "2-3 sentence overview of the flagged traffic",
  "findings": ["Grouped observation"],
  "suspiciousClients": ["10.0.0.1"],
  "recommendations": ["Specific actionable recommendation"],
  "metrics": {"oversizedResponses": 0, "offHoursRequests": 0}
}

**Triage Principles:**
- Only report what the records show
- The detector sees no paths or status codes, so some flags are false positives; say so
- Consider historical context when provided
- Empty arrays are acceptable`
}

// GetUserPrompt lists the highest-scoring flagged records of rep together with
// the run summary and the history of previous runs.
func GetUserPrompt(rep *report.Report, summary report.Summary, historicalContext string, maxRecords int) string {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxPromptRecords
	}

	var prompt strings.Builder

	prompt.WriteString("RUN SUMMARY:\n")
	prompt.WriteString(summary.String())
	prompt.WriteString("\n")

	top := rep.TopAnomalies(maxRecords)
	fmt.Fprintf(&prompt, "FLAGGED RECORDS (%d of %d, highest score first):\n", len(top), rep.AnomalyCount())
	var records strings.Builder
	for _, rec := range top {
		fmt.Fprintf(&records, "%s (%s)\n", rec.String(), humanize.Bytes(uint64(max(rec.ResponseSize, 0))))
	}
	prompt.WriteString(SanitizeLogContent(records.String()))
	prompt.WriteString("\n")

	if historicalContext != "" {
		prompt.WriteString("HISTORICAL CONTEXT:\n")
		prompt.WriteString(SanitizeLogContent(historicalContext))
		prompt.WriteString("\n\n")
	}

	prompt.WriteString("Please triage the flagged records above and provide your assessment in JSON format as specified.")

	return prompt.String()
}

// promptInjectionPatterns contains regex patterns for common prompt injection attempts.
// Request lines are attacker-controlled, so they are filtered before reaching the model.
var promptInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+a`),
	regexp.MustCompile(`(?i)new\s+instructions?:`),
	regexp.MustCompile(`(?i)system\s*prompt\s*:`),
	regexp.MustCompile(`(?i)\bASSISTANT\s*:`),
	regexp.MustCompile(`(?i)\bHUMAN\s*:`),
	regexp.MustCompile(`(?i)\bUSER\s*:`),
	regexp.MustCompile(`(?i)\bSYSTEM\s*:`),
}

var excessiveNewlines = regexp.MustCompile(`\n{4,}`)

// SanitizeLogContent strips non-printable characters, known prompt injection
// phrases and runs of blank lines from log text.
func SanitizeLogContent(content string) string {
	var sanitized strings.Builder
	sanitized.Grow(len(content))

	for _, r := range content {
		if unicode.IsPrint(r) || r == '\n' || r == '\t' || r == '\r' {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	for _, pattern := range promptInjectionPatterns {
		result = pattern.ReplaceAllString(result, "[FILTERED]")
	}

	return excessiveNewlines.ReplaceAllString(result, "\n\n\n")
}

// Maximum allowed JSON response size (1MB)
const maxJSONResponseSize = 1024 * 1024

// sanitizeJSONEscapes drops the backslash of escape sequences JSON does not
// allow, such as \. or \(, which models sometimes emit.
func sanitizeJSONEscapes(s string) string {
	var result strings.Builder
	result.Grow(len(s))

	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			result.WriteByte(s[i])
			continue
		}
		next := s[i+1]
		if strings.IndexByte(`"\/bfnrtu`, next) >= 0 {
			result.WriteByte('\\')
		}
		result.WriteByte(next)
		i++
	}
	return result.String()
}

// ParseTriage extracts and validates the JSON assessment from a model response.
func ParseTriage(response string) (*Triage, error) {
	jsonMatch := extractJSON(response)

	if jsonMatch == "" {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	if len(jsonMatch) > maxJSONResponseSize {
		return nil, fmt.Errorf("JSON response too large: %d bytes (max: %d)", len(jsonMatch), maxJSONResponseSize)
	}

	var triage Triage
	if err := json.Unmarshal([]byte(sanitizeJSONEscapes(jsonMatch)), &triage); err != nil {
		return nil, fmt.Errorf("failed to parse JSON response: %w", err)
	}

	if err := validateTriage(&triage); err != nil {
		return nil, fmt.Errorf("triage validation failed: %w", err)
	}

	return &triage, nil
}

var validStatuses = map[string]bool{
	StatusBenign:     true,
	StatusUnusual:    true,
	StatusSuspicious: true,
	StatusMalicious:  true,
}

// validateTriage checks required fields and replaces nil collections with empty ones
func validateTriage(triage *Triage) error {
	if triage.Status == "" {
		return fmt.Errorf("status is required")
	}
	if !validStatuses[triage.Status] {
		return fmt.Errorf("invalid status: %s", triage.Status)
	}
	if triage.Summary == "" {
		return fmt.Errorf("summary is required")
	}

	if triage.Findings == nil {
		triage.Findings = []string{}
	}
	if triage.SuspiciousClients == nil {
		triage.SuspiciousClients = []string{}
	}
	if triage.Recommendations == nil {
		triage.Recommendations = []string{}
	}
	if triage.Metrics == nil {
		triage.Metrics = make(map[string]interface{})
	}

	return nil
}

// GetStatusEmoji returns the emoji for a given triage status
func GetStatusEmoji(status string) string {
	switch status {
	case StatusBenign:
		return "🟢"
	case StatusUnusual:
		return "🟡"
	case StatusSuspicious:
		return "🟠"
	case StatusMalicious:
		return "🔴"
	default:
		return "⚪"
	}
}

// ShouldTriggerAlert reports whether a triage status warrants the alerts channel
func ShouldTriggerAlert(status string) bool {
	return status == StatusSuspicious || status == StatusMalicious
}

// extractJSON extracts the first balanced JSON object from a response string.
func extractJSON(response string) string {
	startIdx := strings.Index(response, "{")
	if startIdx == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := startIdx; i < len(response); i++ {
		char := response[i]

		switch {
		case escaped:
			escaped = false
		case char == '\\' && inString:
			escaped = true
		case char == '"':
			inString = !inString
		case inString:
		case char == '{':
			depth++
		case char == '}':
			depth--
			if depth == 0 {
				return response[startIdx : i+1]
			}
		}
	}

	return ""
}
