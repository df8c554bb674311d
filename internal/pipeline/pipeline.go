// Package pipeline runs one detection pass:
// source -> parser -> feature extractor -> scorer -> report.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/olegiv/accesslog-anomaly-go/internal/accesslog"
	"github.com/olegiv/accesslog-anomaly-go/internal/detector"
	internalerrors "github.com/olegiv/accesslog-anomaly-go/internal/errors"
	"github.com/olegiv/accesslog-anomaly-go/internal/features"
	"github.com/olegiv/accesslog-anomaly-go/internal/logging"
	"github.com/olegiv/accesslog-anomaly-go/internal/report"
	"github.com/olegiv/accesslog-anomaly-go/internal/source"
	"golang.org/x/sync/errgroup"
)

// parseBatchSize is the number of raw records parsed per concurrent batch.
const parseBatchSize = 4096

// Options configures Run.
type Options struct {
	Source        source.Source
	Scorer        detector.Scorer
	Contamination float64
	// ParseWorkers above 1 parses each batch of raw records concurrently.
	ParseWorkers int
	Logger       *logging.SecureLogger
}

// Stats counts what happened to the input.
type Stats struct {
	LinesRead           int
	RecordsParsed       int
	LinesDropped        int
	ConversionErrors    int
	TimestampsDefaulted int
	Anomalies           int
	Duration            time.Duration
}

// Result is the output of a successful run. Records, Vectors and Verdicts
// correspond by index and by sequence number.
type Result struct {
	Records  []accesslog.Record
	Vectors  []features.Vector
	Verdicts []detector.Verdict
	Report   *report.Report
	Stats    Stats
}

// Run executes one pass. Fatal errors are wrapped in a StageError naming the
// failing stage; malformed individual records are counted and skipped.
func Run(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()
	log := opts.Logger
	if log == nil {
		log = logging.NewNop()
	}
	if opts.Source == nil {
		return nil, internalerrors.InStage(internalerrors.StageConfig, errors.New("no record source configured"))
	}
	if opts.Scorer == nil {
		return nil, internalerrors.InStage(internalerrors.StageConfig, errors.New("no scorer configured"))
	}
	if err := detector.ValidateContamination(opts.Contamination); err != nil {
		return nil, internalerrors.InStage(internalerrors.StageConfig, err)
	}

	res := &Result{}

	records, err := ingest(ctx, opts, log, &res.Stats)
	if err != nil {
		return nil, err
	}
	res.Records = records

	// Everything upstream is materialized; stop here before the expensive fit
	if err := ctx.Err(); err != nil {
		return nil, internalerrors.InStage(internalerrors.StageParse, err)
	}

	extractor := features.NewExtractor()
	res.Vectors = extractor.ExtractAll(records)
	res.Stats.TimestampsDefaulted = extractor.Stats().TimestampsDefaulted
	log.Stage(internalerrors.StageFeatures).Info().
		Int("vectors", len(res.Vectors)).
		Int("timestamps_defaulted", res.Stats.TimestampsDefaulted).
		Msg("Features extracted")

	scoreLog := log.Stage(internalerrors.StageScore)
	scoreLog.Info().
		Str("scorer", opts.Scorer.Name()).
		Int("vectors", len(res.Vectors)).
		Float64("contamination", opts.Contamination).
		Msg("Scoring records")
	fitStart := time.Now()
	res.Verdicts, err = opts.Scorer.FitScore(ctx, res.Vectors, opts.Contamination)
	if err != nil {
		return nil, internalerrors.InStage(internalerrors.StageScore, err)
	}
	if len(res.Verdicts) != len(res.Vectors) {
		return nil, internalerrors.InStage(internalerrors.StageScore,
			fmt.Errorf("scorer returned %d verdicts for %d vectors", len(res.Verdicts), len(res.Vectors)))
	}

	res.Report, err = report.Build(records, res.Verdicts)
	if err != nil {
		return nil, internalerrors.InStage(internalerrors.StageReport, err)
	}
	res.Stats.Anomalies = res.Report.AnomalyCount()
	res.Stats.Duration = time.Since(start)

	scoreLog.Info().
		Int("anomalies", res.Stats.Anomalies).
		Dur("fit_duration", time.Since(fitStart)).
		Msg("Scoring complete")

	return res, nil
}

// ingest reads the source to the end and parses every raw record.
func ingest(ctx context.Context, opts Options, log *logging.SecureLogger, stats *Stats) ([]accesslog.Record, error) {
	srcLog := log.Stage(internalerrors.StageSource)
	parseLog := log.Stage(internalerrors.StageParse)

	srcLog.Info().
		Str("type", string(opts.Source.Type())).
		Str("source", opts.Source.Describe()).
		Msg("Opening record source")

	it, err := opts.Source.Open(ctx)
	if err != nil {
		return nil, internalerrors.InStage(internalerrors.StageSource, err)
	}
	defer func() {
		if closeErr := it.Close(); closeErr != nil {
			srcLog.Warn().Err(closeErr).Msg("Failed to close record source")
		}
	}()

	var records []accesslog.Record
	batch := make([]accesslog.Raw, 0, parseBatchSize)

	flush := func() error {
		parsed, err := parseBatch(ctx, batch, stats.LinesRead-len(batch), opts.ParseWorkers)
		if err != nil {
			return err
		}
		for _, p := range parsed {
			switch {
			case p.err != nil:
				stats.ConversionErrors++
				parseLog.Warn().Int("seq", p.seq).Err(p.err).Msg("Dropping record with unconvertible field")
			case !p.ok:
				stats.LinesDropped++
			default:
				records = append(records, p.rec)
			}
		}
		batch = batch[:0]
		return nil
	}

	for it.Next(ctx) {
		batch = append(batch, it.Raw())
		stats.LinesRead++
		if len(batch) == parseBatchSize {
			if err := flush(); err != nil {
				return nil, internalerrors.InStage(internalerrors.StageParse, err)
			}
		}
	}
	if err := it.Err(); err != nil {
		return nil, internalerrors.InStage(internalerrors.StageSource, err)
	}
	if err := flush(); err != nil {
		return nil, internalerrors.InStage(internalerrors.StageParse, err)
	}

	stats.RecordsParsed = len(records)
	parseLog.Info().
		Int("lines_read", stats.LinesRead).
		Int("records_parsed", stats.RecordsParsed).
		Int("lines_dropped", stats.LinesDropped).
		Int("conversion_errors", stats.ConversionErrors).
		Msg("Parsing complete")

	return records, nil
}

type parsed struct {
	seq int
	rec accesslog.Record
	ok  bool
	err error
}

// parseBatch parses raws whose first element has sequence number base.
// Results keep the input order regardless of the number of workers.
func parseBatch(ctx context.Context, raws []accesslog.Raw, base, workers int) ([]parsed, error) {
	out := make([]parsed, len(raws))
	parseOne := func(i int) {
		rec, ok, err := accesslog.Parse(base+i, raws[i])
		out[i] = parsed{seq: base + i, rec: rec, ok: ok, err: err}
	}

	if workers <= 1 || len(raws) < 2 {
		for i := range raws {
			parseOne(i)
		}
		return out, nil
	}

	chunk := (len(raws) + workers - 1) / workers
	g, gctx := errgroup.WithContext(ctx)
	for lo := 0; lo < len(raws); lo += chunk {
		hi := min(lo+chunk, len(raws))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for i := lo; i < hi; i++ {
				parseOne(i)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
