package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/pickle/internal/models"
	"github.com/joescharf/pickle/internal/session"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Hooks from several agent processes can write at once; one connection
	// per process plus a busy timeout keeps them from failing on a lock.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", strings.ToLower(strings.TrimPrefix(pragma, "PRAGMA ")), err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Open opens the ledger at dbPath and applies pending migrations.
func Open(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func newULID() string {
	return ulid.Make().String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

// UpsertSession inserts the row or refreshes its mutable columns. CreatedAt
// is only written on insert.
func (s *SQLiteStore) UpsertSession(ctx context.Context, row *models.Session) error {
	if row.ID == "" {
		return errors.New("upsert session: id is required")
	}
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, session_dir, working_dir, prompt, active, step, iteration, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_dir = excluded.session_dir,
			working_dir = excluded.working_dir,
			prompt = excluded.prompt,
			active = excluded.active,
			step = excluded.step,
			iteration = excluded.iteration,
			updated_at = excluded.updated_at`,
		row.ID, row.SessionDir, row.WorkingDir, row.Prompt, boolToInt(row.Active), row.Step, row.Iteration, row.CreatedAt, row.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := &models.Session{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_dir, working_dir, prompt, active, step, iteration, created_at, updated_at
		FROM sessions WHERE id = ?`, id,
	).Scan(&row.ID, &row.SessionDir, &row.WorkingDir, &row.Prompt, &row.Active, &row.Step, &row.Iteration, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return row, nil
}

// ListSessions returns the most recently updated sessions first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*models.Session, error) {
	query := `SELECT id, session_dir, working_dir, prompt, active, step, iteration, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Session
	for rows.Next() {
		row := &models.Session{}
		if err := rows.Scan(&row.ID, &row.SessionDir, &row.WorkingDir, &row.Prompt, &row.Active, &row.Step, &row.Iteration, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// --- Events ---

func (s *SQLiteStore) AddEvent(ctx context.Context, e *models.Event) error {
	if e.ID == "" {
		e.ID = newULID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, session_id, kind, name, decision, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, string(e.Kind), e.Name, e.Decision, e.Message, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("add event: %w", err)
	}
	return nil
}

// ListEvents returns matching events newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, f EventFilter) ([]*models.Event, error) {
	query := "SELECT id, session_id, kind, name, decision, message, created_at FROM events"
	var conds []string
	var args []any
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Event
	for rows.Next() {
		e := &models.Event{}
		var kind string
		if err := rows.Scan(&e.ID, &e.SessionID, &kind, &e.Name, &e.Decision, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = models.EventKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneEvents deletes events older than before.
func (s *SQLiteStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE created_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

// --- Session records ---

// SessionRow converts a state.json record into its ledger row.
func SessionRow(sess *session.Session) *models.Session {
	row := &models.Session{
		ID:         sess.ID(),
		SessionDir: sess.SessionDir,
		WorkingDir: sess.WorkingDir,
		Prompt:     sess.OriginalPrompt,
		Active:     sess.Active,
		Step:       sess.Step,
		Iteration:  sess.Iteration,
	}
	if t, err := time.Parse(time.RFC3339, sess.StartedAt); err == nil {
		row.CreatedAt = t.UTC()
	}
	return row
}

// Record refreshes the session row and appends one event to it.
func (s *SQLiteStore) Record(ctx context.Context, sess *session.Session, kind models.EventKind, name, decision, message string) error {
	row := SessionRow(sess)
	if row.ID == "" {
		return errors.New("record event: session has no directory")
	}
	if err := s.UpsertSession(ctx, row); err != nil {
		return err
	}
	return s.AddEvent(ctx, &models.Event{
		SessionID: row.ID,
		Kind:      kind,
		Name:      name,
		Decision:  decision,
		Message:   message,
	})
}

// RecordHook records a hook verdict.
func (s *SQLiteStore) RecordHook(ctx context.Context, sess *session.Session, hook, verdict, message string) error {
	return s.Record(ctx, sess, models.EventKindHook, hook, verdict, message)
}
