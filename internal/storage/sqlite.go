// Package storage keeps a history of detection runs and their flagged records
// in SQLite.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olegiv/accesslog-anomaly-go/internal/logging"
	_ "modernc.org/sqlite"
)

// Storage handles database operations
type Storage struct {
	db  *sql.DB
	log *logging.SecureLogger
}

// Run is one persisted detection run.
type Run struct {
	ID                  int64
	Timestamp           time.Time
	SourceType          string // "file" or "elasticsearch"
	SourceName          string // file path, index name or profile id
	Scorer              string
	Contamination       float64
	Seed                uint64
	LinesRead           int
	RecordsParsed       int
	LinesDropped        int
	ConversionErrors    int
	TimestampsDefaulted int
	AnomalyCount        int
	Duration            time.Duration
	// Metrics holds free-form figures such as response-size statistics.
	Metrics map[string]interface{}
	// Triage fields are set when an LLM reviewed the run.
	TriageStatus  string
	TriageSummary string
	InputTokens   int
	OutputTokens  int
	CostUSD       float64
	Flagged       []FlaggedRecord
}

// FlaggedRecord is one anomalous record of a run.
type FlaggedRecord struct {
	Seq           int
	ClientAddress string
	Timestamp     string
	RequestLine   string
	StatusCode    int
	ResponseSize  int64
	Score         float64
}

// SourceFilter specifies filtering criteria for source type and name
type SourceFilter struct {
	SourceType string // Required: "file" or "elasticsearch"
	SourceName string // Optional: path or index; empty matches runs with no name
}

// Option configures New.
type Option func(*Storage)

// WithLogger sets the logger used for migration messages.
func WithLogger(log *logging.SecureLogger) Option {
	return func(s *Storage) { s.log = log }
}

// Database configuration constants
const (
	// busyTimeoutMs is how long SQLite waits when database is locked (5 seconds)
	busyTimeoutMs = 5000
	// maxOpenConns limits concurrent connections (SQLite works best with 1)
	maxOpenConns = 1
	// maxIdleConns is the number of idle connections to keep
	maxIdleConns = 1
	// connMaxLifetime is how long a connection can be reused
	connMaxLifetime = 30 * time.Minute
)

// New creates a new storage instance
func New(dbPath string, opts ...Option) (*Storage, error) {
	// Create directory if it doesn't exist (0700, owner only)
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=%d", dbPath, busyTimeoutMs)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	storage := &Storage{db: db, log: logging.NewNop()}
	for _, opt := range opts {
		opt(storage)
	}
	if storage.log == nil {
		storage.log = logging.NewNop()
	}

	if err := storage.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// Schema version constants
const (
	// currentSchemaVersion is the latest schema version
	// Increment this when adding new migrations
	currentSchemaVersion = 2
)

// initSchema creates the database schema if it doesn't exist
func (s *Storage) initSchema() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	version := s.getSchemaVersion()

	if err := s.migrateSchema(version); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	return nil
}

// getSchemaVersion returns the current schema version (0 if not set)
func (s *Storage) getSchemaVersion() int {
	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if err != nil {
		return 0 // No version set, needs full migration
	}
	return version
}

// setSchemaVersion updates the schema version
func (s *Storage) setSchemaVersion(version int) error {
	if _, err := s.db.Exec(`DELETE FROM schema_version`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, version); err != nil {
		return err
	}
	return nil
}

// migrateSchema runs migrations from currentVersion to latest
func (s *Storage) migrateSchema(currentVersion int) error {
	if currentVersion >= currentSchemaVersion {
		return nil // Already up to date
	}

	s.log.Info().
		Int("from", currentVersion).
		Int("to", currentSchemaVersion).
		Msg("Migrating storage schema")

	// Migration 0 -> 1: runs and flagged records
	if currentVersion < 1 {
		if err := s.migrateV1(); err != nil {
			return fmt.Errorf("migration v1 failed: %w", err)
		}
	}

	// Migration 1 -> 2: LLM triage columns
	if currentVersion < 2 {
		if err := s.migrateV2(); err != nil {
			return fmt.Errorf("migration v2 failed: %w", err)
		}
	}

	if err := s.setSchemaVersion(currentSchemaVersion); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	s.log.Info().Int("version", currentSchemaVersion).Msg("Storage schema migration completed")
	return nil
}

// migrateV1 creates the runs and anomalies tables
func (s *Storage) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		source_type TEXT NOT NULL,
		source_name TEXT NOT NULL DEFAULT '',
		scorer TEXT NOT NULL,
		contamination REAL NOT NULL,
		seed INTEGER NOT NULL DEFAULT 0,
		lines_read INTEGER DEFAULT 0,
		records_parsed INTEGER DEFAULT 0,
		lines_dropped INTEGER DEFAULT 0,
		conversion_errors INTEGER DEFAULT 0,
		timestamps_defaulted INTEGER DEFAULT 0,
		anomaly_count INTEGER DEFAULT 0,
		duration_ms INTEGER DEFAULT 0,
		metrics TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_timestamp ON runs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_runs_source ON runs(source_type, source_name);

	CREATE TABLE IF NOT EXISTS anomalies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES runs(id),
		seq INTEGER NOT NULL,
		client_address TEXT NOT NULL,
		log_timestamp TEXT NOT NULL,
		request_line TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		response_size INTEGER NOT NULL,
		score REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_anomalies_run ON anomalies(run_id);
	CREATE INDEX IF NOT EXISTS idx_anomalies_client ON anomalies(client_address);
	`

	_, err := s.db.Exec(schema)
	return err
}

// migrateV2 adds the triage columns to runs
func (s *Storage) migrateV2() error {
	columns := []string{
		`ALTER TABLE runs ADD COLUMN triage_status TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE runs ADD COLUMN triage_summary TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE runs ADD COLUMN input_tokens INTEGER DEFAULT 0`,
		`ALTER TABLE runs ADD COLUMN output_tokens INTEGER DEFAULT 0`,
		`ALTER TABLE runs ADD COLUMN cost_usd REAL DEFAULT 0.0`,
	}

	existing, err := s.columnNames("runs")
	if err != nil {
		return err
	}

	for _, stmt := range columns {
		name := strings.Fields(stmt)[5]
		if existing[name] {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to add %s column: %w", name, err)
		}
	}
	return nil
}

// columnNames returns the column names of table
func (s *Storage) columnNames(table string) (map[string]bool, error) {
	rows, err := s.db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return nil, fmt.Errorf("failed to get table info: %w", err)
	}
	defer func() { _ = rows.Close() }()

	names := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		names[name] = true
	}
	return names, rows.Err()
}

// SaveRun saves a run and its flagged records in one transaction and sets run.ID.
func (s *Storage) SaveRun(run *Run) error {
	metricsJSON, err := json.Marshal(run.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.Exec(`
		INSERT INTO runs (
			timestamp, source_type, source_name, scorer, contamination, seed,
			lines_read, records_parsed, lines_dropped, conversion_errors,
			timestamps_defaulted, anomaly_count, duration_ms, metrics,
			triage_status, triage_summary, input_tokens, output_tokens, cost_usd
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.Timestamp.UTC().Format(time.RFC3339),
		run.SourceType,
		run.SourceName,
		run.Scorer,
		run.Contamination,
		int64(run.Seed),
		run.LinesRead,
		run.RecordsParsed,
		run.LinesDropped,
		run.ConversionErrors,
		run.TimestampsDefaulted,
		run.AnomalyCount,
		run.Duration.Milliseconds(),
		string(metricsJSON),
		run.TriageStatus,
		run.TriageSummary,
		run.InputTokens,
		run.OutputTokens,
		run.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	if len(run.Flagged) > 0 {
		stmt, err := tx.Prepare(`
			INSERT INTO anomalies (
				run_id, seq, client_address, log_timestamp, request_line,
				status_code, response_size, score
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare anomaly insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, f := range run.Flagged {
			if _, err := stmt.Exec(id, f.Seq, f.ClientAddress, f.Timestamp, f.RequestLine,
				f.StatusCode, f.ResponseSize, f.Score); err != nil {
				return fmt.Errorf("failed to insert anomaly %d: %w", f.Seq, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}

	run.ID = id
	return nil
}

// GetRecentRuns retrieves runs from the last N days, newest first, filtered by
// source. Flagged records are not loaded; use GetFlagged.
func (s *Storage) GetRecentRuns(days int, filter *SourceFilter) ([]*Run, error) {
	cutoffDate := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339)

	query := `
		SELECT id, timestamp, source_type, source_name, scorer, contamination, seed,
		       lines_read, records_parsed, lines_dropped, conversion_errors,
		       timestamps_defaulted, anomaly_count, duration_ms, metrics,
		       triage_status, triage_summary, input_tokens, output_tokens, cost_usd
		FROM runs
		WHERE timestamp >= ?
	`
	args := []interface{}{cutoffDate}

	if filter != nil && filter.SourceType != "" {
		query += ` AND source_type = ? AND source_name = ?`
		args = append(args, filter.SourceType, filter.SourceName)
	}

	query += ` ORDER BY timestamp DESC, id DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close database rows")
		}
	}(rows)

	var runs []*Run
	for rows.Next() {
		run, err := s.scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// GetFlagged returns the flagged records of a run in ingestion order.
func (s *Storage) GetFlagged(runID int64) ([]FlaggedRecord, error) {
	rows, err := s.db.Query(`
		SELECT seq, client_address, log_timestamp, request_line, status_code, response_size, score
		FROM anomalies
		WHERE run_id = ?
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query anomalies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var flagged []FlaggedRecord
	for rows.Next() {
		var f FlaggedRecord
		if err := rows.Scan(&f.Seq, &f.ClientAddress, &f.Timestamp, &f.RequestLine,
			&f.StatusCode, &f.ResponseSize, &f.Score); err != nil {
			return nil, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		flagged = append(flagged, f)
	}
	return flagged, rows.Err()
}

// RecurringClients returns client addresses flagged in at least minRuns
// distinct runs of the last N days, with their run counts.
func (s *Storage) RecurringClients(days, minRuns int) (map[string]int, error) {
	cutoffDate := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339)

	rows, err := s.db.Query(`
		SELECT a.client_address, COUNT(DISTINCT a.run_id) AS run_count
		FROM anomalies a
		JOIN runs r ON r.id = a.run_id
		WHERE r.timestamp >= ?
		GROUP BY a.client_address
		HAVING run_count >= ?
	`, cutoffDate, minRuns)
	if err != nil {
		return nil, fmt.Errorf("failed to query recurring clients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	clients := make(map[string]int)
	for rows.Next() {
		var addr string
		var runs int
		if err := rows.Scan(&addr, &runs); err != nil {
			return nil, fmt.Errorf("failed to scan recurring client: %w", err)
		}
		clients[addr] = runs
	}
	return clients, rows.Err()
}

// GetHistoricalContext retrieves recent runs formatted as context for LLM triage.
// If filter is provided, only runs matching the source are included.
func (s *Storage) GetHistoricalContext(days int, filter *SourceFilter) (string, error) {
	runs, err := s.GetRecentRuns(days, filter)
	if err != nil {
		return "", err
	}

	if len(runs) == 0 {
		return "", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Previous %d detection runs:\n\n", len(runs))

	for i, run := range runs {
		rate := 0.0
		if run.RecordsParsed > 0 {
			rate = float64(run.AnomalyCount) / float64(run.RecordsParsed) * 100
		}
		fmt.Fprintf(&sb, "%d. %s - %s anomalies in %s records (%.2f%%)\n",
			i+1,
			run.Timestamp.Format("2006-01-02 15:04"),
			humanize.Comma(int64(run.AnomalyCount)),
			humanize.Comma(int64(run.RecordsParsed)),
			rate,
		)
		if run.TriageStatus != "" {
			fmt.Fprintf(&sb, "   Triage: %s\n", run.TriageStatus)
		}
		if run.TriageSummary != "" {
			fmt.Fprintf(&sb, "   Summary: %s\n", run.TriageSummary)
		}
		if run.LinesDropped > 0 || run.ConversionErrors > 0 {
			fmt.Fprintf(&sb, "   Dropped: %d lines, %d conversion errors\n", run.LinesDropped, run.ConversionErrors)
		}
		sb.WriteString("\n")
	}

	return sb.String(), nil
}

// CleanupOldRuns deletes runs older than N days together with their flagged records.
func (s *Storage) CleanupOldRuns(days int) (int64, error) {
	cutoffDate := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM anomalies WHERE run_id IN (SELECT id FROM runs WHERE timestamp < ?)`, cutoffDate); err != nil {
		return 0, fmt.Errorf("failed to cleanup old anomalies: %w", err)
	}

	result, err := tx.Exec(`DELETE FROM runs WHERE timestamp < ?`, cutoffDate)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old runs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup: %w", err)
	}
	return affected, nil
}

// GetStatistics returns database statistics, optionally filtered by source
func (s *Storage) GetStatistics(filter *SourceFilter) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	whereClause := ""
	var args []interface{}
	if filter != nil && filter.SourceType != "" {
		whereClause = " WHERE source_type = ? AND source_name = ?"
		args = []interface{}{filter.SourceType, filter.SourceName}
	}

	var total, totalAnomalies, totalRecords int
	countQuery := `SELECT COUNT(*), COALESCE(SUM(anomaly_count), 0), COALESCE(SUM(records_parsed), 0) FROM runs` + whereClause
	if err := s.db.QueryRow(countQuery, args...).Scan(&total, &totalAnomalies, &totalRecords); err != nil {
		return nil, err
	}
	stats["total_runs"] = total
	stats["total_anomalies"] = totalAnomalies
	stats["total_records"] = totalRecords

	scorerQuery := `SELECT scorer, COUNT(*) FROM runs` + whereClause + ` GROUP BY scorer`
	rows, err := s.db.Query(scorerQuery, args...)
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close database rows")
		}
	}(rows)

	scorerDist := make(map[string]int)
	for rows.Next() {
		var scorer string
		var count int
		if err := rows.Scan(&scorer, &count); err != nil {
			return nil, err
		}
		scorerDist[scorer] = count
	}
	stats["scorer_distribution"] = scorerDist

	var totalCost float64
	costQuery := `SELECT COALESCE(SUM(cost_usd), 0) FROM runs` + whereClause
	if err := s.db.QueryRow(costQuery, args...).Scan(&totalCost); err != nil {
		return nil, err
	}
	stats["total_cost_usd"] = totalCost

	return stats, nil
}

// scanRun scans a database row into a Run struct
func (s *Storage) scanRun(rows *sql.Rows) (*Run, error) {
	var (
		run         Run
		timestamp   string
		seed        int64
		durationMs  int64
		metricsJSON sql.NullString
	)

	err := rows.Scan(
		&run.ID, &timestamp, &run.SourceType, &run.SourceName, &run.Scorer,
		&run.Contamination, &seed, &run.LinesRead, &run.RecordsParsed,
		&run.LinesDropped, &run.ConversionErrors, &run.TimestampsDefaulted,
		&run.AnomalyCount, &durationMs, &metricsJSON,
		&run.TriageStatus, &run.TriageSummary, &run.InputTokens, &run.OutputTokens, &run.CostUSD,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp: %w", err)
	}
	run.Timestamp = ts
	run.Seed = uint64(seed)
	run.Duration = time.Duration(durationMs) * time.Millisecond

	if metricsJSON.Valid && metricsJSON.String != "" {
		if err := json.Unmarshal([]byte(metricsJSON.String), &run.Metrics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
		}
	}

	return &run, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
