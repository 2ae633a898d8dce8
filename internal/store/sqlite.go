// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent snapshot and transition persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Pragmas are per connection, so they go in the DSN for every pooled conn.
	// Bus workers write concurrently; busy_timeout makes them queue on the lock.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			kind         TEXT NOT NULL,
			version      TEXT NOT NULL,
			description  TEXT,
			status       TEXT NOT NULL,
			permissions  TEXT NOT NULL DEFAULT '[]',
			config_json  TEXT NOT NULL DEFAULT '{}',
			restarts     INTEGER NOT NULL DEFAULT 0,
			last_error   TEXT,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_agents_name ON agents(name);
		CREATE INDEX IF NOT EXISTS idx_agents_created ON agents(created_at);

		CREATE TABLE IF NOT EXISTS agent_transitions (
			transition_id TEXT PRIMARY KEY,
			agent_id      TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			from_status   TEXT,
			to_status     TEXT NOT NULL,
			error         TEXT,
			ts            TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transitions_agent ON agent_transitions(agent_id, ts);
		CREATE INDEX IF NOT EXISTS idx_transitions_ts ON agent_transitions(ts DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// SaveAgent inserts or replaces an agent snapshot. CreatedAt of an existing
// row is preserved.
func (s *SQLiteStore) SaveAgent(ctx context.Context, r *AgentRecord) error {
	if r.ID == "" {
		return errors.New("agent id required")
	}

	perms := r.Permissions
	if perms == nil {
		perms = []string{}
	}
	permsJSON, err := json.Marshal(perms)
	if err != nil {
		return fmt.Errorf("encoding permissions: %w", err)
	}
	cfg := r.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	query := `
		INSERT INTO agents (
			id, name, kind, version, description, status, permissions, config_json,
			restarts, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			version = excluded.version,
			description = excluded.description,
			status = excluded.status,
			permissions = excluded.permissions,
			config_json = excluded.config_json,
			restarts = excluded.restarts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		r.ID,
		r.Name,
		r.Kind,
		r.Version,
		nullString(r.Description),
		r.Status,
		string(permsJSON),
		string(cfgJSON),
		r.Restarts,
		nullString(r.LastError),
		formatTime(r.CreatedAt),
		formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving agent: %w", err)
	}

	s.logger.Debug("saved agent", "id", r.ID, "status", r.Status)
	return nil
}

// GetAgent retrieves an agent snapshot by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	query := `
		SELECT id, name, kind, version, description, status, permissions, config_json,
		       restarts, last_error, created_at, updated_at
		FROM agents
		WHERE id = ?
	`

	r, err := scanAgent(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return r, nil
}

// ListAgents returns every agent snapshot ordered by creation time, then ID.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	query := `
		SELECT id, name, kind, version, description, status, permissions, config_json,
		       restarts, last_error, created_at, updated_at
		FROM agents
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var records []*AgentRecord
	for rows.Next() {
		r, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}
	return records, nil
}

// DeleteAgent removes an agent snapshot and its transitions.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordTransition appends a status change to the audit trail. A missing ID
// is generated and a zero Timestamp becomes now.
func (s *SQLiteStore) RecordTransition(ctx context.Context, t *Transition) error {
	if t.AgentID == "" || t.To == "" {
		return errors.New("agent id and target status required")
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}

	query := `
		INSERT INTO agent_transitions (transition_id, agent_id, from_status, to_status, error, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		t.ID,
		t.AgentID,
		nullString(t.From),
		t.To,
		nullString(t.Error),
		formatTime(t.Timestamp),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("recording transition for %s: %w", t.AgentID, ErrNotFound)
		}
		return fmt.Errorf("recording transition: %w", err)
	}
	return nil
}

// ListTransitions returns transitions matching f, newest first.
func (s *SQLiteStore) ListTransitions(ctx context.Context, f TransitionFilter) ([]*Transition, error) {
	var (
		where []string
		args  []any
	)
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Since != nil {
		where = append(where, "ts >= ?")
		args = append(args, formatTime(*f.Since))
	}
	if f.Until != nil {
		where = append(where, "ts <= ?")
		args = append(args, formatTime(*f.Until))
	}

	query := `
		SELECT transition_id, agent_id, from_status, to_status, error, ts
		FROM agent_transitions
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	// rowid breaks ties between transitions recorded in the same instant
	query += " ORDER BY ts DESC, rowid DESC LIMIT ?"
	args = append(args, f.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying transitions: %w", err)
	}
	defer rows.Close()

	var out []*Transition
	for rows.Next() {
		var (
			t        Transition
			from     sql.NullString
			errText  sql.NullString
			tsString string
		)
		if err := rows.Scan(&t.ID, &t.AgentID, &from, &t.To, &errText, &tsString); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		t.From = from.String
		t.Error = errText.String
		if t.Timestamp, err = parseTime(tsString); err != nil {
			return nil, fmt.Errorf("parsing ts: %w", err)
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transitions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*AgentRecord, error) {
	var (
		r                    AgentRecord
		description, lastErr sql.NullString
		permsJSON, cfgJSON   string
		createdAt, updatedAt string
	)
	err := row.Scan(
		&r.ID,
		&r.Name,
		&r.Kind,
		&r.Version,
		&description,
		&r.Status,
		&permsJSON,
		&cfgJSON,
		&r.Restarts,
		&lastErr,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Description = description.String
	r.LastError = lastErr.String

	if err := json.Unmarshal([]byte(permsJSON), &r.Permissions); err != nil {
		return nil, fmt.Errorf("decoding permissions: %w", err)
	}
	if err := json.Unmarshal([]byte(cfgJSON), &r.Config); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &r, nil
}

// timeLayout keeps nanoseconds at a fixed width so stored strings sort in
// time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// nullString returns nil for empty strings so optional columns stay NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "constraint failed")
}
