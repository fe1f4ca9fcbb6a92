// Package audit persists an append-only trail of operational events:
// monitor lifecycle transitions, investigation dispatch and sealing, and
// configuration reloads.
//
// Responsibilities:
//   - Own the embedded SQLite database and its schema migrations
//   - Append immutable audit records with a correlation id per investigation
//   - Serve filtered queries for the audit REST endpoint
//
// Integration points:
//   - internal/monitor and internal/scheduler append lifecycle events
//   - internal/server exposes Query via GET /api/audit/events
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/kubeinquest/kubeinquest/internal/config"
)

// Event types recorded in the audit trail.
const (
	EventProcessStarted         = "process_started"
	EventMonitorStarted         = "monitor_started"
	EventMonitorStopped         = "monitor_stopped"
	EventIssueDetected          = "issue_detected"
	EventInvestigationQueued    = "investigation_queued"
	EventInvestigationStarted   = "investigation_started"
	EventInvestigationSealed    = "investigation_sealed"
	EventInvestigationCancelled = "investigation_cancelled"
	EventReportEvicted          = "report_evicted"
	EventConfigReloaded         = "config_reloaded"
)

// Record is a single immutable audit event.
type Record struct {
	ID            int64     `json:"id" db:"id"`
	CorrelationID string    `json:"correlation_id" db:"correlation_id"`
	EventType     string    `json:"event_type" db:"event_type"`
	Description   string    `json:"description" db:"description"`
	Resource      string    `json:"resource" db:"resource"`
	Result        string    `json:"result" db:"result"`
	Metadata      string    `json:"metadata" db:"metadata"` // JSON blob
	Timestamp     time.Time `json:"timestamp" db:"-"`
}

// Query filters audit event lookups. Zero fields match everything.
type Query struct {
	EventType     string
	CorrelationID string
	Resource      string
	From          time.Time
	To            time.Time
	Limit         int
	Offset        int
}

// Store persists audit events.
type Store interface {
	// Append appends an immutable audit event.
	Append(ctx context.Context, rec *Record) error

	// Query retrieves audit events with optional filters, newest first.
	Query(ctx context.Context, q Query) ([]*Record, error)

	// Close releases the underlying database handle.
	Close() error
}

// sqliteTimeLayout is zero-padded so stored timestamps sort
// lexicographically in chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// migrations are applied in order; schema_versions tracks the applied set.
var migrations = []struct {
	version int
	sql     string
}{
	{1, `
        CREATE TABLE IF NOT EXISTS audit_events (
            id             INTEGER PRIMARY KEY AUTOINCREMENT,
            correlation_id TEXT NOT NULL DEFAULT '',
            event_type     TEXT NOT NULL,
            description    TEXT NOT NULL DEFAULT '',
            resource       TEXT NOT NULL DEFAULT '',
            result         TEXT NOT NULL DEFAULT '',
            metadata       TEXT NOT NULL DEFAULT '{}',
            timestamp      DATETIME NOT NULL
        );
        CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp DESC);
        CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_events(correlation_id);
    `},
}

// SQLiteStore is the embedded Store implementation.
type SQLiteStore struct {
	db         *sqlx.DB
	queryLimit int
	logger     *zap.Logger
}

var _ Store = (*SQLiteStore)(nil)

// Open opens (or creates) the audit database at cfg.DBPath and applies
// pending migrations.
func Open(cfg config.AuditConfig, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := cfg.DBPath
	if path == "" {
		path = "./kubeinquest.db"
	}
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db %s: %w", path, err)
	}
	// A single writer keeps "database is locked" errors out of the hot path.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit db pragma: %w", err)
		}
	}
	s := &SQLiteStore{
		db:         db,
		queryLimit: cfg.QueryLimit,
		logger:     logger,
	}
	if s.queryLimit <= 0 {
		s.queryLimit = 200
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`
        CREATE TABLE IF NOT EXISTS schema_versions (
            version    INTEGER PRIMARY KEY,
            applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
        )
    `); err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}
	applied := map[int]bool{}
	var versions []int
	if err := s.db.Select(&versions, `SELECT version FROM schema_versions`); err != nil {
		return fmt.Errorf("read schema_versions: %w", err)
	}
	for _, v := range versions {
		applied[v] = true
	}
	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		s.logger.Info("audit schema migration applied", zap.Int("version", m.version))
	}
	return nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, rec *Record) error {
	if rec.EventType == "" {
		return fmt.Errorf("audit append: event_type is required")
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	meta := rec.Metadata
	if meta == "" {
		meta = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO audit_events(correlation_id, event_type, description, resource, result, metadata, timestamp)
        VALUES(?,?,?,?,?,?,?)
    `,
		rec.CorrelationID, rec.EventType, rec.Description, rec.Resource,
		rec.Result, meta, ts.UTC().Format(sqliteTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("audit append: %w", err)
	}
	return nil
}

// auditRow mirrors Record with the raw timestamp column for scanning.
type auditRow struct {
	Record
	RawTimestamp string `db:"timestamp"`
}

// Query implements Store.
func (s *SQLiteStore) Query(ctx context.Context, q Query) ([]*Record, error) {
	query := `SELECT id, correlation_id, event_type, description, resource, result, metadata, timestamp FROM audit_events WHERE 1=1`
	args := []any{}

	if q.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, q.EventType)
	}
	if q.CorrelationID != "" {
		query += ` AND correlation_id = ?`
		args = append(args, q.CorrelationID)
	}
	if q.Resource != "" {
		query += ` AND resource = ?`
		args = append(args, q.Resource)
	}
	if !q.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, q.From.UTC().Format(sqliteTimeLayout))
	}
	if !q.To.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, q.To.UTC().Format(sqliteTimeLayout))
	}
	limit := q.Limit
	if limit <= 0 || limit > s.queryLimit {
		limit = s.queryLimit
	}
	query += ` ORDER BY timestamp DESC, id DESC`
	query += fmt.Sprintf(` LIMIT %d OFFSET %d`, limit, maxInt(q.Offset, 0))

	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("audit query: %w", err)
	}
	out := make([]*Record, 0, len(rows))
	for i := range rows {
		rec := rows[i].Record
		ts, err := parseTime(rows[i].RawTimestamp)
		if err != nil {
			s.logger.Warn("audit record with unparseable timestamp",
				zap.Int64("id", rec.ID), zap.String("raw", rows[i].RawTimestamp))
		}
		rec.Timestamp = ts
		out = append(out, &rec)
	}
	return out, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// parseTime handles multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
