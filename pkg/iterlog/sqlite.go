package iterlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/microsoft/microsoft-bonsai-api/pkg/core"
)

// SQLiteWriter stores iterations in a SQLite database.
type SQLiteWriter struct {
	db *sql.DB
}

// NewSQLiteWriter opens or creates the database at path.
func NewSQLiteWriter(path string) (*SQLiteWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &SQLiteWriter{db: db}
	if err := w.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return w, nil
}

func (w *SQLiteWriter) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS iterations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		episode INTEGER NOT NULL,
		iteration INTEGER NOT NULL,
		state_json TEXT NOT NULL,
		action_json TEXT NOT NULL,
		config_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_iterations_episode ON iterations(session_id, episode, iteration);
	`
	if _, err := w.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (w *SQLiteWriter) Write(ctx context.Context, it core.Iteration) error {
	state, err := marshalMap(it.State)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	action, err := marshalMap(it.Action)
	if err != nil {
		return fmt.Errorf("encode action: %w", err)
	}
	config, err := marshalMap(it.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	ts := it.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	query := `
		INSERT INTO iterations (session_id, episode, iteration, state_json, action_json, config_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := w.db.ExecContext(ctx, query, it.SessionID, it.Episode, it.Iteration, state, action, config, ts.UnixMilli()); err != nil {
		return fmt.Errorf("insert iteration: %w", err)
	}
	return nil
}

// Iterations returns the stored iterations of an episode in order.
func (w *SQLiteWriter) Iterations(ctx context.Context, sessionID string, episode int) ([]core.Iteration, error) {
	query := `
		SELECT session_id, episode, iteration, state_json, action_json, config_json, created_at
		FROM iterations WHERE session_id = ? AND episode = ? ORDER BY iteration`

	rows, err := w.db.QueryContext(ctx, query, sessionID, episode)
	if err != nil {
		return nil, fmt.Errorf("query iterations: %w", err)
	}
	defer rows.Close()

	var out []core.Iteration
	for rows.Next() {
		var it core.Iteration
		var state, action, config string
		var created int64
		if err := rows.Scan(&it.SessionID, &it.Episode, &it.Iteration, &state, &action, &config, &created); err != nil {
			return nil, fmt.Errorf("scan iteration row: %w", err)
		}
		if err := json.Unmarshal([]byte(state), &it.State); err != nil {
			return nil, fmt.Errorf("decode state: %w", err)
		}
		if err := json.Unmarshal([]byte(action), &it.Action); err != nil {
			return nil, fmt.Errorf("decode action: %w", err)
		}
		if err := json.Unmarshal([]byte(config), &it.Config); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		it.Timestamp = time.UnixMilli(created)
		out = append(out, it)
	}
	return out, rows.Err()
}

// Count returns the number of stored iterations.
func (w *SQLiteWriter) Count(ctx context.Context) (int, error) {
	var n int
	if err := w.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM iterations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count iterations: %w", err)
	}
	return n, nil
}

func (w *SQLiteWriter) Close() error {
	return w.db.Close()
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	buf, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}
