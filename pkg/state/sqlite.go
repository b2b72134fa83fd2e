// DotLore - Ultra-lightweight conversational memory agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 DotLore contributors

package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dotsetgreg/dotlore/pkg/chain"
	"github.com/dotsetgreg/dotlore/pkg/logger"
	"github.com/dotsetgreg/dotlore/pkg/memory"
)

// SQLiteStore persists actor state: memory rows, named JSON blobs and the
// chain journal.
type SQLiteStore struct {
	db *sql.DB
}

var _ chain.Journal = (*SQLiteStore)(nil)

// NewSQLiteStore creates/opens the state database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection avoids writer lock contention between actors.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS memory_records (
			actor TEXT NOT NULL,
			item_key TEXT NOT NULL,
			value TEXT NOT NULL DEFAULT '',
			author TEXT NOT NULL DEFAULT '',
			location INTEGER NOT NULL DEFAULT 0,
			updated_at_ms INTEGER NOT NULL,
			deleted_at_ms INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(actor, item_key)
		);`,
		`CREATE INDEX IF NOT EXISTS memory_records_live_idx ON memory_records(actor, deleted_at_ms);`,
		`CREATE TABLE IF NOT EXISTS blobs (
			actor TEXT NOT NULL,
			name TEXT NOT NULL,
			data TEXT NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY(actor, name)
		);`,
		`CREATE TABLE IF NOT EXISTS chain_lines (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			section TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chain_sections (
			name TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL DEFAULT 1
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema (%s): %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

// SaveMemory writes a memory delta for actor in one transaction. Cut keys
// are tombstoned so a later load does not resurrect them.
func (s *SQLiteStore) SaveMemory(ctx context.Context, actor string, delta memory.Delta) error {
	if delta.Empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save memory begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nowMS()
	for _, row := range delta.Upserts {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO memory_records(actor, item_key, value, author, location, updated_at_ms, deleted_at_ms)
VALUES(?, ?, ?, ?, ?, ?, 0)
ON CONFLICT(actor, item_key) DO UPDATE SET
	value = excluded.value,
	author = excluded.author,
	location = excluded.location,
	updated_at_ms = excluded.updated_at_ms,
	deleted_at_ms = 0`, actor, row.Key, row.Value, row.Author, row.Location, now); err != nil {
			return fmt.Errorf("save memory upsert %q: %w", row.Key, err)
		}
	}
	for _, key := range delta.Cuts {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO memory_records(actor, item_key, value, author, location, updated_at_ms, deleted_at_ms)
VALUES(?, ?, '', '', 0, ?, ?)
ON CONFLICT(actor, item_key) DO UPDATE SET
	value = '',
	updated_at_ms = excluded.updated_at_ms,
	deleted_at_ms = excluded.deleted_at_ms`, actor, key, now, now); err != nil {
			return fmt.Errorf("save memory cut %q: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save memory commit: %w", err)
	}
	logger.DebugCF("state", "Memory delta saved", map[string]interface{}{
		"actor":   actor,
		"upserts": len(delta.Upserts),
		"cuts":    len(delta.Cuts),
	})
	return nil
}

// LoadMemory returns the live rows and the tombstoned keys of actor.
func (s *SQLiteStore) LoadMemory(ctx context.Context, actor string) ([]memory.Row, []string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT item_key, value, author, location, deleted_at_ms
FROM memory_records
WHERE actor = ?
ORDER BY item_key`, actor)
	if err != nil {
		return nil, nil, fmt.Errorf("load memory: %w", err)
	}
	defer rows.Close()

	var live []memory.Row
	var deleted []string
	for rows.Next() {
		var row memory.Row
		var deletedMS int64
		if err := rows.Scan(&row.Key, &row.Value, &row.Author, &row.Location, &deletedMS); err != nil {
			return nil, nil, fmt.Errorf("scan memory record: %w", err)
		}
		if deletedMS != 0 {
			deleted = append(deleted, row.Key)
			continue
		}
		live = append(live, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate memory records: %w", err)
	}
	return live, deleted, nil
}

// PutBlob stores v as JSON under (actor, name).
func (s *SQLiteStore) PutBlob(ctx context.Context, actor, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode blob %s/%s: %w", actor, name, err)
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO blobs(actor, name, data, updated_at_ms)
VALUES(?, ?, ?, ?)
ON CONFLICT(actor, name) DO UPDATE SET data = excluded.data, updated_at_ms = excluded.updated_at_ms`,
		actor, name, string(data), nowMS()); err != nil {
		return fmt.Errorf("put blob %s/%s: %w", actor, name, err)
	}
	return nil
}

// GetBlob decodes the blob stored under (actor, name) into out. It reports
// false when no blob exists.
func (s *SQLiteStore) GetBlob(ctx context.Context, actor, name string, out any) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE actor = ? AND name = ?`, actor, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get blob %s/%s: %w", actor, name, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("decode blob %s/%s: %w", actor, name, err)
	}
	return true, nil
}

func (s *SQLiteStore) AppendLine(ctx context.Context, section, text string) error {
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO chain_lines(section, text, created_at_ms) VALUES(?, ?, ?)`, section, text, nowMS()); err != nil {
		return fmt.Errorf("append chain line: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Lines(ctx context.Context) ([]chain.Line, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT section, text FROM chain_lines ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list chain lines: %w", err)
	}
	defer rows.Close()

	var out []chain.Line
	for rows.Next() {
		var line chain.Line
		if err := rows.Scan(&line.Section, &line.Text); err != nil {
			return nil, fmt.Errorf("scan chain line: %w", err)
		}
		out = append(out, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chain lines: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) SaveToggles(ctx context.Context, toggles map[string]bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save toggles begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for name, enabled := range toggles {
		on := 0
		if enabled {
			on = 1
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO chain_sections(name, enabled) VALUES(?, ?)
ON CONFLICT(name) DO UPDATE SET enabled = excluded.enabled`, name, on); err != nil {
			return fmt.Errorf("save toggle %q: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save toggles commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Toggles(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, enabled FROM chain_sections`)
	if err != nil {
		return nil, fmt.Errorf("list toggles: %w", err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var name string
		var on int
		if err := rows.Scan(&name, &on); err != nil {
			return nil, fmt.Errorf("scan toggle: %w", err)
		}
		out[name] = on != 0
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate toggles: %w", err)
	}
	return out, nil
}

// Stats summarizes what is stored, for the status command.
type Stats struct {
	Actors     int
	Records    int
	Deleted    int
	Blobs      int
	ChainLines int
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	row := s.db.QueryRowContext(ctx, `
SELECT
	(SELECT COUNT(DISTINCT actor) FROM memory_records),
	(SELECT COUNT(*) FROM memory_records WHERE deleted_at_ms = 0),
	(SELECT COUNT(*) FROM memory_records WHERE deleted_at_ms != 0),
	(SELECT COUNT(*) FROM blobs),
	(SELECT COUNT(*) FROM chain_lines)`)
	if err := row.Scan(&st.Actors, &st.Records, &st.Deleted, &st.Blobs, &st.ChainLines); err != nil {
		return Stats{}, fmt.Errorf("read stats: %w", err)
	}
	return st, nil
}
