// Package notification delivers run summaries to Telegram channels.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/olegiv/accesslog-anomaly-go/internal/accesslog"
	"github.com/olegiv/accesslog-anomaly-go/internal/ai"
	internalerrors "github.com/olegiv/accesslog-anomaly-go/internal/errors"
	"github.com/olegiv/accesslog-anomaly-go/internal/report"
	"github.com/olegiv/accesslog-anomaly-go/internal/retry"
	"github.com/zoobzio/clockz"
)

const (
	maxMessageLength = 4096
	// minMessageInterval is the minimum time between messages to stay under
	// Telegram's per-chat rate limit
	minMessageInterval = 1 * time.Second
	// maxRetries is the maximum number of attempts per message
	maxRetries = 3
	// baseRetryDelay is the initial delay between attempts (doubles each attempt)
	baseRetryDelay = 2 * time.Second
	// defaultRetryAfter is used when a 429 carries no retry_after hint
	defaultRetryAfter = 30
	// maxListedRecords caps the flagged records included in a message
	maxListedRecords = 10
)

// TelegramClient handles Telegram notifications
type TelegramClient struct {
	bot             *tgbotapi.BotAPI
	archiveChannel  int64
	alertsChannel   int64
	hostname        string
	retry           retry.Policy
	clock           clockz.Clock
	minInterval     time.Duration
	lastMessageTime time.Time
}

// Option customizes a TelegramClient.
type Option func(*options)

type options struct {
	endpoint    string
	retry       *retry.Policy
	clock       clockz.Clock
	minInterval *time.Duration
}

// WithAPIEndpoint points the bot at a different Bot API server. The endpoint
// is a format string taking the token and the method, like tgbotapi.APIEndpoint.
func WithAPIEndpoint(endpoint string) Option {
	return func(o *options) { o.endpoint = endpoint }
}

// WithRetryPolicy replaces the default send retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *options) { o.retry = &p }
}

// WithClock sets the clock used for rate limiting and retries.
func WithClock(c clockz.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMinInterval overrides the pause between consecutive messages.
func WithMinInterval(d time.Duration) Option {
	return func(o *options) { o.minInterval = &d }
}

// NewTelegramClient creates a new Telegram client. alertsChannel may be 0.
func NewTelegramClient(botToken string, archiveChannel, alertsChannel int64, opts ...Option) (*TelegramClient, error) {
	o := options{endpoint: tgbotapi.APIEndpoint, clock: clockz.RealClock}
	for _, opt := range opts {
		opt(&o)
	}

	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(botToken, o.endpoint)
	if err != nil {
		// The token is part of every request URL
		return nil, internalerrors.Wrapf(err, "failed to create Telegram bot")
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	policy := retry.Policy{MaxAttempts: maxRetries, BaseDelay: baseRetryDelay, MaxDelay: 8 * baseRetryDelay}
	if o.retry != nil {
		policy = *o.retry
	}
	policy.Clock = o.clock
	policy.Backoff = rateLimitBackoff(policy)

	minInterval := minMessageInterval
	if o.minInterval != nil {
		minInterval = *o.minInterval
	}

	return &TelegramClient{
		bot:            bot,
		archiveChannel: archiveChannel,
		alertsChannel:  alertsChannel,
		hostname:       hostname,
		retry:          policy,
		clock:          o.clock,
		minInterval:    minInterval,
	}, nil
}

// SendAnomalyReport posts the run summary, the top flagged records and the
// optional triage to the archive channel. The alerts channel also receives it
// when the triage status warrants an alert.
func (t *TelegramClient) SendAnomalyReport(ctx context.Context, source string, summary report.Summary, top []accesslog.Record, triage *ai.Triage, aiStats *ai.Stats) error {
	message := t.formatMessage(source, summary, top, triage, aiStats)

	if err := t.sendToChannel(ctx, t.archiveChannel, message); err != nil {
		return fmt.Errorf("failed to send to archive channel: %w", err)
	}

	if t.alertsChannel != 0 && triage != nil && ai.ShouldTriggerAlert(triage.Status) {
		if err := t.sendToChannel(ctx, t.alertsChannel, message); err != nil {
			return fmt.Errorf("failed to send to alerts channel: %w", err)
		}
	}

	return nil
}

// formatMessage renders the report as MarkdownV2.
func (t *TelegramClient) formatMessage(source string, summary report.Summary, top []accesslog.Record, triage *ai.Triage, aiStats *ai.Stats) string {
	const formattedListTemplate = "%d\\. %s\n"

	var msg strings.Builder

	msg.WriteString("🔍 *Access Log Anomaly Report*\n")
	fmt.Fprintf(&msg, "🖥 Host\\: %s\n", escapeMarkdown(t.hostname))
	fmt.Fprintf(&msg, "📂 Source\\: %s\n", escapeMarkdown(source))
	fmt.Fprintf(&msg, "📅 Date\\: %s\n", escapeMarkdown(t.clock.Now().Format("2006-01-02 15:04:05 MST")))
	if triage != nil {
		fmt.Fprintf(&msg, "%s *Status\\:* %s\n", ai.GetStatusEmoji(triage.Status), escapeMarkdown(triage.Status))
	}
	msg.WriteString("\n")

	msg.WriteString("📋 *Run Stats*\n")
	fmt.Fprintf(&msg, "• Records\\: %s\n", escapeMarkdown(humanize.Comma(int64(summary.Records))))
	fmt.Fprintf(&msg, "• Anomalies\\: %s \\(%s\\)\n",
		escapeMarkdown(humanize.Comma(int64(summary.Anomalies))),
		escapeMarkdown(fmt.Sprintf("%.2f%%", summary.AnomalyRate()*100)))
	if !summary.First.IsZero() {
		fmt.Fprintf(&msg, "• Period\\: %s \\- %s\n",
			escapeMarkdown(summary.First.Format(time.DateTime)),
			escapeMarkdown(summary.Last.Format(time.DateTime)))
	}
	fmt.Fprintf(&msg, "• Median size\\: %s, p99\\: %s\n",
		escapeMarkdown(humanize.Bytes(uint64(summary.MedianSize))),
		escapeMarkdown(humanize.Bytes(uint64(summary.P99Size))))
	if summary.Untimed > 0 {
		fmt.Fprintf(&msg, "• Without timestamp\\: %s\n", escapeMarkdown(humanize.Comma(int64(summary.Untimed))))
	}
	if aiStats != nil {
		fmt.Fprintf(&msg, "• Triage\\: %s, %s, %s\n",
			escapeMarkdown(aiStats.Provider),
			escapeMarkdown(fmt.Sprintf("$%.4f", aiStats.CostUSD)),
			escapeMarkdown(fmt.Sprintf("%.2fs", aiStats.DurationSeconds)))
	}
	msg.WriteString("\n")

	if len(top) > 0 {
		n := min(len(top), maxListedRecords)
		fmt.Fprintf(&msg, "🚩 *Top Flagged Records* \\(%d\\)\n", n)
		for i, rec := range top[:n] {
			line := fmt.Sprintf("%s %s %s %d %s", rec.ClientAddress, rec.RawTimestamp, rec.RequestLine,
				rec.StatusCode, humanize.Bytes(uint64(max(rec.ResponseSize, 0))))
			fmt.Fprintf(&msg, formattedListTemplate, i+1, escapeMarkdown(line))
		}
		msg.WriteString("\n")
	}

	if triage == nil {
		return msg.String()
	}

	msg.WriteString("📊 *Summary*\n")
	msg.WriteString(escapeMarkdown(triage.Summary))
	msg.WriteString("\n\n")

	if len(triage.Findings) > 0 {
		fmt.Fprintf(&msg, "⚡ *Findings* \\(%d\\)\n", len(triage.Findings))
		for i, finding := range triage.Findings {
			fmt.Fprintf(&msg, formattedListTemplate, i+1, escapeMarkdown(finding))
		}
		msg.WriteString("\n")
	}

	if len(triage.SuspiciousClients) > 0 {
		msg.WriteString("🕵 *Suspicious Clients*\n")
		for _, client := range triage.SuspiciousClients {
			fmt.Fprintf(&msg, "• %s\n", escapeMarkdown(client))
		}
		msg.WriteString("\n")
	}

	if len(triage.Recommendations) > 0 {
		msg.WriteString("💡 *Recommendations*\n")
		for i, rec := range triage.Recommendations {
			fmt.Fprintf(&msg, formattedListTemplate, i+1, escapeMarkdown(rec))
		}
		msg.WriteString("\n")
	}

	return msg.String()
}

// sendToChannel sends a message, split as needed, with rate limiting
func (t *TelegramClient) sendToChannel(ctx context.Context, channelID int64, message string) error {
	for _, part := range t.splitMessage(message) {
		if err := t.waitForRateLimit(ctx); err != nil {
			return err
		}

		msgConfig := tgbotapi.NewMessage(channelID, part)
		msgConfig.ParseMode = tgbotapi.ModeMarkdownV2

		if _, err := retry.Do(ctx, t.retry, func(context.Context) (tgbotapi.Message, error) {
			return t.send(msgConfig)
		}); err != nil {
			// Bot API URLs embed the token
			return internalerrors.Wrapf(err, "failed to send message")
		}

		t.lastMessageTime = t.clock.Now()
	}

	return nil
}

// send performs one Bot API call. Rejections other than rate limits and
// server errors are permanent.
func (t *TelegramClient) send(msgConfig tgbotapi.MessageConfig) (tgbotapi.Message, error) {
	sent, err := t.bot.Send(msgConfig)
	if err == nil {
		return sent, nil
	}

	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code != 0 &&
		apiErr.Code != http.StatusTooManyRequests && apiErr.Code < http.StatusInternalServerError {
		return tgbotapi.Message{}, retry.Permanent(err)
	}
	return tgbotapi.Message{}, err
}

// waitForRateLimit ensures the minimum interval between messages
func (t *TelegramClient) waitForRateLimit(ctx context.Context) error {
	if t.lastMessageTime.IsZero() {
		return nil
	}

	elapsed := t.clock.Now().Sub(t.lastMessageTime)
	if elapsed >= t.minInterval {
		return nil
	}

	select {
	case <-t.clock.After(t.minInterval - elapsed):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rateLimitBackoff waits as long as Telegram asks after a 429 and falls back
// to the policy's exponential delay otherwise.
func rateLimitBackoff(p retry.Policy) func(int, error) time.Duration {
	return func(attempt int, err error) time.Duration {
		if isRateLimitError(err) {
			if seconds := extractRetryAfter(err); seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
		return p.Delay(attempt)
	}
}

// isRateLimitError checks if the error is a Telegram rate limit error (429)
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "429") || strings.Contains(errStr, "Too Many Requests")
}

// extractRetryAfter returns the wait Telegram requested, in seconds
func extractRetryAfter(err error) int {
	if err == nil {
		return 0
	}

	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter
	}

	// "Too Many Requests: retry after 30"
	errStr := err.Error()
	if idx := strings.Index(strings.ToLower(errStr), "retry after "); idx != -1 {
		var seconds int
		if _, err := fmt.Sscanf(errStr[idx+len("retry after "):], "%d", &seconds); err == nil {
			return seconds
		}
	}

	return defaultRetryAfter
}

// splitMessage splits a long message on line boundaries
func (t *TelegramClient) splitMessage(message string) []string {
	if len(message) <= maxMessageLength {
		return []string{message}
	}

	var messages []string
	var currentMsg strings.Builder

	for _, line := range strings.Split(message, "\n") {
		if currentMsg.Len()+len(line)+1 > maxMessageLength {
			if currentMsg.Len() > 0 {
				messages = append(messages, currentMsg.String())
				currentMsg.Reset()
			}

			// A single line over the limit is cut into chunks
			if len(line) > maxMessageLength {
				for i := 0; i < len(line); i += maxMessageLength {
					end := min(i+maxMessageLength, len(line))
					messages = append(messages, line[i:end])
				}
				continue
			}
		}

		currentMsg.WriteString(line)
		currentMsg.WriteString("\n")
	}

	if currentMsg.Len() > 0 {
		messages = append(messages, currentMsg.String())
	}

	return messages
}

// markdownReplacer escapes the MarkdownV2 special characters, see
// https://core.telegram.org/bots/api#markdownv2-style
var markdownReplacer = func() *strings.Replacer {
	var pairs []string
	for _, c := range `\_*[]()~` + "`" + `>#+-=|{}.!:` {
		pairs = append(pairs, string(c), `\`+string(c))
	}
	return strings.NewReplacer(pairs...)
}()

// escapeMarkdown escapes special characters for Telegram MarkdownV2
func escapeMarkdown(text string) string {
	return markdownReplacer.Replace(text)
}

// GetBotInfo returns information about the bot
func (t *TelegramClient) GetBotInfo() map[string]interface{} {
	return map[string]interface{}{
		"username":        t.bot.Self.UserName,
		"archive_channel": t.archiveChannel,
		"alerts_channel":  t.alertsChannel,
		"hostname":        t.hostname,
	}
}

// Close closes the Telegram client
func (t *TelegramClient) Close() error {
	t.bot.StopReceivingUpdates()
	return nil
}
