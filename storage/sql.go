package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver

	"taskboard/domain"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var (
	_ domain.TaskStore       = (*SQL)(nil)
	_ domain.CredentialStore = (*SQL)(nil)
)

// Schema is applied on open and by cmd/storage-init.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id          TEXT PRIMARY KEY,
		title       TEXT NOT NULL,
		description TEXT NOT NULL,
		priority    TEXT NOT NULL,
		version     BIGINT NOT NULL,
		created_at  BIGINT NOT NULL,
		updated_at  BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS tasks_created_at ON tasks (created_at, id)`,
	`CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		name          TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		created_at    BIGINT NOT NULL
	)`,
}

// SQL persists tasks and users through database/sql. Timestamps are stored
// as unix microseconds so both drivers round-trip them identically.
type SQL struct {
	db     *sql.DB
	driver string
}

// OpenSQL opens a Postgres (pgx) or SQLite database and applies the schema.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQL, error) {
	var name string
	switch driver {
	case DriverPostgres:
		name = "pgx"
	case DriverSQLite:
		name = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	s := &SQL{db: db, driver: driver}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates missing tables.
func (s *SQL) Migrate(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQL) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func toMicros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func (s *SQL) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Version = 1
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO tasks (id, title, description, priority, version, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.Title, t.Description, string(t.Priority), t.Version, toMicros(t.CreatedAt), toMicros(t.UpdatedAt))
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	t.CreatedAt = fromMicros(toMicros(t.CreatedAt))
	t.UpdatedAt = fromMicros(toMicros(t.UpdatedAt))
	return t, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.Task, error) {
	var (
		t                domain.Task
		priority         string
		created, updated int64
	)
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &priority, &t.Version, &created, &updated); err != nil {
		return domain.Task{}, err
	}
	t.Priority = domain.Priority(priority)
	t.CreatedAt = fromMicros(created)
	t.UpdatedAt = fromMicros(updated)
	return t, nil
}

const taskColumns = `id, title, description, priority, version, created_at, updated_at`

func (s *SQL) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}
	return &t, nil
}

func (s *SQL) UpdateTask(ctx context.Context, t domain.Task, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE tasks SET title = ?, description = ?, priority = ?, version = ?, updated_at = ? WHERE id = ? AND version = ?`),
		t.Title, t.Description, string(t.Priority), t.Version, toMicros(t.UpdatedAt), t.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n == 0 {
		return domain.ErrConcurrencyConflict
	}
	return nil
}

func (s *SQL) DeleteTask(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	return n > 0, nil
}

func (s *SQL) ListTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("select tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQL) InsertUser(ctx context.Context, u domain.User) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO users (id, email, name, password_hash, created_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT (email) DO NOTHING`),
		u.ID, u.Email, u.Name, u.PasswordHash, toMicros(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	if n == 0 {
		return domain.ErrDuplicate
	}
	return nil
}

func (s *SQL) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var (
		u       domain.User
		created int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, email, name, password_hash, created_at FROM users WHERE email = ?`), email).
		Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	u.CreatedAt = fromMicros(created)
	return &u, nil
}

func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQL) Close() error { return s.db.Close() }
