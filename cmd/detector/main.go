package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/olegiv/accesslog-anomaly-go/internal/accesslog"
	"github.com/olegiv/accesslog-anomaly-go/internal/ai"
	"github.com/olegiv/accesslog-anomaly-go/internal/config"
	"github.com/olegiv/accesslog-anomaly-go/internal/detector"
	internalerrors "github.com/olegiv/accesslog-anomaly-go/internal/errors"
	"github.com/olegiv/accesslog-anomaly-go/internal/logging"
	"github.com/olegiv/accesslog-anomaly-go/internal/notification"
	"github.com/olegiv/accesslog-anomaly-go/internal/pipeline"
	"github.com/olegiv/accesslog-anomaly-go/internal/report"
	"github.com/olegiv/accesslog-anomaly-go/internal/source"
	"github.com/olegiv/accesslog-anomaly-go/internal/storage"
	"github.com/olegiv/go-logger"
)

const (
	exitSuccess = 0
	exitFailure = 1
)

// historyDays is how far back run history is summarized for triage.
const historyDays = 7

// notifyRecords is the number of top records listed in notifications.
const notifyRecords = 10

// Version information - injected at build time via ldflags
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	cli := config.ParseCLI()

	if cli.ShowHelp {
		config.PrintUsage()
		return exitSuccess
	}

	if cli.ShowVersion {
		fmt.Printf("accesslog-anomaly %s\n", version)
		if gitCommit != "unknown" {
			fmt.Printf("  commit: %s\n", gitCommit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
		return exitSuccess
	}

	if cli.ListSources {
		return listSources(cli.SourcesConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWithCLI(cli)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return exitFailure
	}

	log := newLogger(cfg)
	defer func() {
		if err := log.Close(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Failed to close logger: %v\n", err)
		}
	}()

	log.Info().
		Str("source_type", cfg.LogSourceType).
		Str("scorer", cfg.Scorer).
		Float64("contamination", cfg.Contamination).
		Msg("Starting access log anomaly detector")

	if err := runDetector(ctx, cfg, log); err != nil {
		log.Error().Str("stage", internalerrors.StageOf(err)).Err(err).Msg("Detection failed")
		return exitFailure
	}

	log.Info().Msg("Detection completed successfully")
	return exitSuccess
}

// newLogger creates the rotating file and console logger. go-logger writes
// go.log inside cfg.LogDir.
func newLogger(cfg *config.Config) *logging.SecureLogger {
	return logging.NewSecure(logger.New(logger.Config{
		Level:      cfg.LogLevel,
		LogDir:     cfg.LogDir,
		MaxSizeMB:  10,
		MaxBackups: 5,
		Console:    true,
	}))
}

// listSources prints the sources.json profiles.
func listSources(path string) int {
	sources, found, err := config.LoadSourcesConfig(path)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	if sources == nil {
		_, _ = fmt.Fprintln(os.Stderr, "No sources.json found")
		return exitFailure
	}
	fmt.Printf("Sources from %s (* = default):\n", found)
	fmt.Print(sources.FormatSourceList())
	return exitSuccess
}

func runDetector(ctx context.Context, cfg *config.Config, log *logging.SecureLogger) error {
	startTime := time.Now()

	src, err := source.DefaultRegistry().New(cfg.SourceDescriptor())
	if err != nil {
		return internalerrors.InStage(internalerrors.StageSource, err)
	}

	scorer, err := detector.New(cfg.Scorer, cfg.DetectorOptions())
	if err != nil {
		return internalerrors.InStage(internalerrors.StageConfig, err)
	}

	log.Info().
		Str("source", src.Describe()).
		Str("scorer", scorer.Name()).
		Msg("Running detection pipeline...")

	result, err := pipeline.Run(ctx, pipeline.Options{
		Source:        src,
		Scorer:        scorer,
		Contamination: cfg.Contamination,
		ParseWorkers:  cfg.ParseWorkers,
		Logger:        log,
	})
	if err != nil {
		return err
	}

	if err := result.Report.WriteListing(os.Stdout); err != nil {
		return internalerrors.InStage(internalerrors.StageReport, fmt.Errorf("failed to write listing: %w", err))
	}

	if cfg.EnableChart {
		err := report.RenderChart(result.Report, cfg.ChartPath, report.DefaultChartOptions())
		switch {
		case errors.Is(err, report.ErrNothingToPlot):
			log.Warn().Msg("No timestamped records, chart skipped")
		case err != nil:
			return internalerrors.InStage(internalerrors.StageReport, err)
		default:
			log.Info().Str("path", cfg.ChartPath).Msg("Chart saved")
		}
	}

	summary, err := result.Report.Summarize()
	if err != nil {
		return internalerrors.InStage(internalerrors.StageReport, err)
	}
	log.Info().Msg(summary.String())

	sourceType, sourceName := cfg.SourceFilter()
	label := sourceName
	if cfg.SourceName != "" {
		label = cfg.SourceName
	}

	// Everything below is optional and never fails the run
	store := openStorage(cfg, log)
	if store != nil {
		defer func() {
			if err := store.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close database")
			}
		}()
	}

	var historicalContext string
	if store != nil {
		historicalContext, err = store.GetHistoricalContext(historyDays, &storage.SourceFilter{
			SourceType: sourceType,
			SourceName: sourceName,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to get historical context, continuing without it")
		}
	}

	triage, aiStats := assess(ctx, cfg, log, result.Report, summary, historicalContext)

	if store != nil {
		run := newRun(cfg, sourceType, sourceName, result, summary, triage, aiStats)
		if err := store.SaveRun(run); err != nil {
			log.Warn().Err(err).Msg("Failed to save run to database")
		} else {
			log.Info().Int64("id", run.ID).Msg("Run saved to database")
		}

		deleted, err := store.CleanupOldRuns(cfg.RetentionDays)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to cleanup old runs")
		} else if deleted > 0 {
			log.Info().Int64("deleted", deleted).Msg("Old runs cleaned up")
		}

		if stats, err := store.GetStatistics(&storage.SourceFilter{SourceType: sourceType, SourceName: sourceName}); err == nil {
			log.Debug().
				Int("total_runs", stats["total_runs"].(int)).
				Int("total_anomalies", stats["total_anomalies"].(int)).
				Msg("Run history statistics")
		}
	}

	if cfg.HasTelegram() {
		notify(ctx, cfg, log, label, summary, result.Report.TopAnomalies(notifyRecords), triage, aiStats)
	}

	log.Info().
		Int("records", result.Stats.RecordsParsed).
		Int("anomalies", result.Stats.Anomalies).
		Dur("elapsed", time.Since(startTime)).
		Msg("All operations completed")

	return nil
}

func openStorage(cfg *config.Config, log *logging.SecureLogger) *storage.Storage {
	if !cfg.EnableDatabase {
		return nil
	}
	store, err := storage.New(cfg.DatabasePath, storage.WithLogger(log))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize storage, run history disabled")
		return nil
	}
	log.Info().Str("path", filepath.Clean(cfg.DatabasePath)).Msg("Database initialized")
	return store
}

// assess asks the configured LLM to triage the flagged records. It returns
// nil results when triage is disabled, nothing was flagged or the call failed.
func assess(ctx context.Context, cfg *config.Config, log *logging.SecureLogger, rep *report.Report,
	summary report.Summary, historicalContext string) (*ai.Triage, *ai.Stats) {
	if !cfg.HasLLM() || rep.AnomalyCount() == 0 {
		return nil, nil
	}

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize LLM provider, skipping triage")
		return nil, nil
	}

	log.Info().
		Str("provider", provider.GetProviderName()).
		Str("model", cfg.GetLLMModel()).
		Int("flagged", rep.AnomalyCount()).
		Msg("Triaging flagged records...")

	userPrompt := ai.GetUserPrompt(rep, summary, historicalContext, ai.DefaultMaxPromptRecords)
	triage, stats, err := provider.Assess(ctx, ai.GetSystemPrompt(), userPrompt)
	if err != nil {
		log.Warn().Err(err).Msg("Triage failed, continuing without it")
		return nil, nil
	}

	log.Info().
		Str("status", triage.Status).
		Int("findings", len(triage.Findings)).
		Int("suspicious_clients", len(triage.SuspiciousClients)).
		Float64("cost_usd", stats.CostUSD).
		Float64("duration_s", stats.DurationSeconds).
		Msg("Triage completed")
	log.Debug().
		Int("input_tokens", stats.InputTokens).
		Int("output_tokens", stats.OutputTokens).
		Int("cache_read_tokens", stats.CacheReadTokens).
		Msg("Token usage details")

	return triage, stats
}

func newProvider(ctx context.Context, cfg *config.Config) (ai.Provider, error) {
	if cfg.IsOllama() {
		client, err := ai.NewOllamaClient(ai.OllamaConfig{
			BaseURL:        cfg.OllamaBaseURL,
			Model:          cfg.OllamaModel,
			TimeoutSeconds: cfg.AITimeoutSeconds,
			MaxTokens:      cfg.AIMaxTokens,
		})
		if err != nil {
			return nil, err
		}
		if err := client.CheckConnection(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}
	client, err := ai.NewClient(cfg.AnthropicAPIKey, cfg.ClaudeModel, cfg.GetProxyURL(true), cfg.AITimeoutSeconds, cfg.AIMaxTokens)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func newRun(cfg *config.Config, sourceType, sourceName string, result *pipeline.Result,
	summary report.Summary, triage *ai.Triage, aiStats *ai.Stats) *storage.Run {
	run := &storage.Run{
		Timestamp:           time.Now(),
		SourceType:          sourceType,
		SourceName:          sourceName,
		Scorer:              cfg.Scorer,
		Contamination:       cfg.Contamination,
		Seed:                cfg.RandomSeed,
		LinesRead:           result.Stats.LinesRead,
		RecordsParsed:       result.Stats.RecordsParsed,
		LinesDropped:        result.Stats.LinesDropped,
		ConversionErrors:    result.Stats.ConversionErrors,
		TimestampsDefaulted: result.Stats.TimestampsDefaulted,
		AnomalyCount:        result.Stats.Anomalies,
		Duration:            result.Stats.Duration,
		Metrics: map[string]interface{}{
			"mean_size":    summary.MeanSize,
			"median_size":  summary.MedianSize,
			"p99_size":     summary.P99Size,
			"max_size":     summary.MaxSize,
			"anomaly_mean": summary.AnomalyMean,
			"untimed":      summary.Untimed,
		},
	}

	for i, rec := range result.Report.AnomalousRecords {
		run.Flagged = append(run.Flagged, storage.FlaggedRecord{
			Seq:           rec.Seq,
			ClientAddress: rec.ClientAddress,
			Timestamp:     rec.RawTimestamp,
			RequestLine:   rec.RequestLine,
			StatusCode:    rec.StatusCode,
			ResponseSize:  rec.ResponseSize,
			Score:         result.Report.Scores[i],
		})
	}

	if triage != nil {
		run.TriageStatus = triage.Status
		run.TriageSummary = triage.Summary
	}
	if aiStats != nil {
		run.InputTokens = aiStats.InputTokens
		run.OutputTokens = aiStats.OutputTokens
		run.CostUSD = aiStats.CostUSD
	}
	return run
}

func notify(ctx context.Context, cfg *config.Config, log *logging.SecureLogger, label string,
	summary report.Summary, top []accesslog.Record, triage *ai.Triage, aiStats *ai.Stats) {
	client, err := notification.NewTelegramClient(cfg.TelegramBotToken, cfg.TelegramArchiveChannel, cfg.TelegramAlertsChannel)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Telegram client")
		return
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Telegram client")
		}
	}()

	log.Debug().Str("username", client.GetBotInfo()["username"].(string)).Msg("Telegram bot initialized")

	if err := client.SendAnomalyReport(ctx, label, summary, top, triage, aiStats); err != nil {
		log.Warn().Err(err).Msg("Failed to send Telegram notification")
		return
	}
	log.Info().Bool("alert", cfg.HasAlertsChannel() && triage != nil && ai.ShouldTriggerAlert(triage.Status)).
		Msg("Telegram notification sent")
}
