package errors

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists diagnostics to SQLite
type Store struct {
	db            *sql.DB
	path          string
	mu            sync.RWMutex
	retentionDays int
}

// StoreConfig configures the diagnostics store
type StoreConfig struct {
	Path          string // Path to SQLite database file
	RetentionDays int    // Days to keep resolved errors (0 = default 30)
}

// NewStore opens (and migrates) the diagnostics database
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{
		db:            db,
		path:          cfg.Path,
		retentionDays: cfg.RetentionDays,
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS diagnostics (
			trace_id     TEXT PRIMARY KEY,
			code         TEXT NOT NULL,
			conn_id      TEXT NOT NULL DEFAULT '',
			category     TEXT NOT NULL,
			severity     TEXT NOT NULL,
			message      TEXT NOT NULL,
			trace_json   TEXT NOT NULL,
			first_seen   TIMESTAMP NOT NULL,
			last_seen    TIMESTAMP NOT NULL,
			occurrences  INTEGER DEFAULT 1,
			resolved     BOOLEAN DEFAULT FALSE,
			resolved_at  TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_diagnostics_code ON diagnostics(code);
		CREATE INDEX IF NOT EXISTS idx_diagnostics_conn ON diagnostics(conn_id);
		CREATE INDEX IF NOT EXISTS idx_diagnostics_resolved ON diagnostics(resolved);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// StoredError represents a diagnostic retrieved from the store
type StoredError struct {
	TraceID     string       `json:"trace_id"`
	Code        string       `json:"code"`
	ConnID      string       `json:"conn_id,omitempty"`
	Category    string       `json:"category"`
	Severity    Severity     `json:"severity"`
	Message     string       `json:"message"`
	Trace       *TracedError `json:"trace,omitempty"`
	FirstSeen   time.Time    `json:"first_seen"`
	LastSeen    time.Time    `json:"last_seen"`
	Occurrences int          `json:"occurrences"`
	Resolved    bool         `json:"resolved"`
	ResolvedAt  *time.Time   `json:"resolved_at,omitempty"`
}

// Save persists a traced error. An unresolved row with the same code and
// connection is updated in place and its occurrence count incremented.
func (s *Store) Save(ctx context.Context, tracedErr *TracedError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	traceJSON, err := json.Marshal(tracedErr)
	if err != nil {
		return fmt.Errorf("failed to serialize trace: %w", err)
	}

	var existing string
	queryErr := s.db.QueryRowContext(ctx,
		"SELECT trace_id FROM diagnostics WHERE code = ? AND conn_id = ? AND resolved = FALSE ORDER BY last_seen DESC LIMIT 1",
		tracedErr.Code, tracedErr.ConnID(),
	).Scan(&existing)

	if queryErr == nil && existing != "" {
		_, err = s.db.ExecContext(ctx, `
			UPDATE diagnostics SET
				trace_json = ?,
				last_seen = ?,
				occurrences = occurrences + 1
			WHERE trace_id = ?
		`, string(traceJSON), tracedErr.Timestamp, existing)
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO diagnostics (trace_id, code, conn_id, category, severity, message, trace_json, first_seen, last_seen, occurrences)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`,
		tracedErr.TraceID,
		tracedErr.Code,
		tracedErr.ConnID(),
		tracedErr.Category,
		string(tracedErr.Severity),
		tracedErr.Message,
		string(traceJSON),
		tracedErr.Timestamp,
		tracedErr.Timestamp,
	)
	return err
}

// ErrorQuery defines parameters for querying diagnostics
type ErrorQuery struct {
	TraceID  string
	Code     string
	ConnID   string
	Category string
	Resolved *bool
	Limit    int // default 20, max 1000
}

// Query retrieves diagnostics ordered by most recent occurrence
func (s *Store) Query(ctx context.Context, q ErrorQuery) ([]StoredError, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}

	query := "SELECT trace_id, code, conn_id, category, severity, message, trace_json, first_seen, last_seen, occurrences, resolved, resolved_at FROM diagnostics WHERE 1=1"
	args := []interface{}{}

	if q.TraceID != "" {
		query += " AND trace_id = ?"
		args = append(args, q.TraceID)
	}
	if q.Code != "" {
		query += " AND code = ?"
		args = append(args, q.Code)
	}
	if q.ConnID != "" {
		query += " AND conn_id = ?"
		args = append(args, q.ConnID)
	}
	if q.Category != "" {
		query += " AND category = ?"
		args = append(args, q.Category)
	}
	if q.Resolved != nil {
		query += " AND resolved = ?"
		args = append(args, *q.Resolved)
	}
	query += " ORDER BY last_seen DESC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var results []StoredError
	for rows.Next() {
		var se StoredError
		var traceJSON string
		var resolvedAt sql.NullTime

		if err := rows.Scan(
			&se.TraceID,
			&se.Code,
			&se.ConnID,
			&se.Category,
			&se.Severity,
			&se.Message,
			&traceJSON,
			&se.FirstSeen,
			&se.LastSeen,
			&se.Occurrences,
			&se.Resolved,
			&resolvedAt,
		); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		var trace TracedError
		if json.Unmarshal([]byte(traceJSON), &trace) == nil {
			se.Trace = &trace
		}
		if resolvedAt.Valid {
			se.ResolvedAt = &resolvedAt.Time
		}

		results = append(results, se)
	}

	return results, rows.Err()
}

// Get retrieves a single diagnostic by trace ID
func (s *Store) Get(ctx context.Context, traceID string) (*StoredError, error) {
	results, err := s.Query(ctx, ErrorQuery{TraceID: traceID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("diagnostic not found: %s", traceID)
	}
	return &results[0], nil
}

// Resolve marks a diagnostic as resolved
func (s *Store) Resolve(ctx context.Context, traceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		"UPDATE diagnostics SET resolved = TRUE, resolved_at = ? WHERE trace_id = ?",
		time.Now(), traceID,
	)
	if err != nil {
		return fmt.Errorf("resolve failed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("diagnostic not found: %s", traceID)
	}
	return nil
}

// Cleanup removes resolved diagnostics older than the retention period
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM diagnostics WHERE resolved = TRUE AND resolved_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return result.RowsAffected()
}

// StoreStats holds statistics about the diagnostics store
type StoreStats struct {
	Total      int            `json:"total"`
	Unresolved int            `json:"unresolved"`
	ByCode     map[string]int `json:"by_code"`
}

// Stats returns occurrence totals grouped by code
func (s *Store) Stats(ctx context.Context) (StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats StoreStats
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM diagnostics").Scan(&stats.Total); err != nil {
		return stats, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM diagnostics WHERE resolved = FALSE").Scan(&stats.Unresolved); err != nil {
		return stats, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT code, SUM(occurrences) FROM diagnostics GROUP BY code")
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	stats.ByCode = make(map[string]int)
	for rows.Next() {
		var code string
		var n int
		if err := rows.Scan(&code, &n); err != nil {
			return stats, err
		}
		stats.ByCode[code] = n
	}
	return stats, rows.Err()
}

// Close closes the database connection
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}
