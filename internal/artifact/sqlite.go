package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aristath/autopilot/internal/redact"
)

// queryTimeout bounds every statement.
const queryTimeout = 5 * time.Second

const timeLayout = time.RFC3339Nano

// SQLiteStore keeps artifacts in a SQLite database, one table per
// document kind plus a meta table.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at dbPath. Parent
// directories are created as needed. WAL mode and a busy timeout let the
// CLI read while a run writes.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return openSQLite(ctx, connStr)
}

// NewMemoryStore creates an in-memory store. Stores opened with the same
// name share one database.
func NewMemoryStore(ctx context.Context, name string) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	return openSQLite(ctx, connStr)
}

func openSQLite(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(2)

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// document tables
const (
	tableTasks    = "tasks"
	tableAudits   = "audits"
	tableProgress = "progress"
)

func (s *SQLiteStore) upsert(ctx context.Context, table, slug, content string) error {
	if err := ValidSlug(slug); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO `+table+` (slug, content, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET
			content = excluded.content,
			updated_at = excluded.updated_at
	`, slug, redact.String(content), s.now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to write %s for %q: %w", table, slug, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) get(ctx context.Context, table, slug string) (string, error) {
	if err := ValidSlug(slug); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var content string
	err := s.db.QueryRowContext(ctx, `SELECT content FROM `+table+` WHERE slug = ?`, slug).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s for %q: %w", table, slug, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to query %s: %w", table, err)
	}
	return content, nil
}

// WriteTask implements Store.
func (s *SQLiteStore) WriteTask(ctx context.Context, slug, content string) error {
	return s.upsert(ctx, tableTasks, slug, content)
}

// ReadTask implements Store.
func (s *SQLiteStore) ReadTask(ctx context.Context, slug string) (string, error) {
	return s.get(ctx, tableTasks, slug)
}

// WriteAudit implements Store.
func (s *SQLiteStore) WriteAudit(ctx context.Context, slug, content string) error {
	return s.upsert(ctx, tableAudits, slug, content)
}

// ReadAudit implements Store.
func (s *SQLiteStore) ReadAudit(ctx context.Context, slug string) (string, error) {
	return s.get(ctx, tableAudits, slug)
}

// WriteProgress implements Store.
func (s *SQLiteStore) WriteProgress(ctx context.Context, slug, content string) error {
	return s.upsert(ctx, tableProgress, slug, content)
}

// ReadProgress implements Store.
func (s *SQLiteStore) ReadProgress(ctx context.Context, slug string) (string, error) {
	return s.get(ctx, tableProgress, slug)
}

// WriteMeta implements Store. created_at survives updates.
func (s *SQLiteStore) WriteMeta(ctx context.Context, meta Meta) error {
	if err := ValidSlug(meta.Slug); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC().Format(timeLayout)
	created := now
	if !meta.CreatedAt.IsZero() {
		created = meta.CreatedAt.UTC().Format(timeLayout)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO meta (slug, status, retry_count, run_id, goal, message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET
			status = excluded.status,
			retry_count = excluded.retry_count,
			run_id = excluded.run_id,
			goal = excluded.goal,
			message = excluded.message,
			updated_at = excluded.updated_at
	`, meta.Slug, string(meta.Status), meta.RetryCount, meta.RunID,
		redact.String(meta.Goal), redact.String(meta.Message), created, now)
	if err != nil {
		return fmt.Errorf("failed to write meta for %q: %w", meta.Slug, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMeta(row scanner) (Meta, error) {
	var (
		m                Meta
		status           string
		created, updated string
	)
	if err := row.Scan(&m.Slug, &status, &m.RetryCount, &m.RunID, &m.Goal, &m.Message, &created, &updated); err != nil {
		return Meta{}, err
	}
	m.Status = Status(status)

	var err error
	if m.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return Meta{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if m.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return Meta{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return m, nil
}

const metaColumns = `slug, status, retry_count, run_id, goal, message, created_at, updated_at`

// ReadMeta implements Store.
func (s *SQLiteStore) ReadMeta(ctx context.Context, slug string) (Meta, error) {
	if err := ValidSlug(slug); err != nil {
		return Meta{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	m, err := scanMeta(s.db.QueryRowContext(ctx, `SELECT `+metaColumns+` FROM meta WHERE slug = ?`, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return Meta{}, fmt.Errorf("meta for %q: %w", slug, ErrNotFound)
	}
	if err != nil {
		return Meta{}, fmt.Errorf("failed to query meta: %w", err)
	}
	return m, nil
}

// ListMeta implements Store. Records are sorted by slug.
func (s *SQLiteStore) ListMeta(ctx context.Context) ([]Meta, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT `+metaColumns+` FROM meta ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("failed to query meta: %w", err)
	}
	defer rows.Close()

	var metas []Meta
	for rows.Next() {
		m, err := scanMeta(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan meta: %w", err)
		}
		metas = append(metas, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating meta: %w", err)
	}
	return metas, nil
}

// initSchema creates all tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		slug TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audits (
		slug TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS progress (
		slug TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		slug TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		run_id TEXT NOT NULL DEFAULT '',
		goal TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_meta_status ON meta(status);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
