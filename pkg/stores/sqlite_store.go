package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ Store = (*SQLiteStore)(nil)

var errNotInitialized = errors.New("database not initialized")

// SQLiteStore keeps run history in a single SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore returns an unopened store; call Init and Migrate next.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}

	switch {
	case cfg.Path == ":memory:":
		// Every connection to :memory: is a separate database.
		cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime = 1, 1, 0
	default:
		if cfg.MaxOpenConns == 0 {
			cfg.MaxOpenConns = 4
		}
		if cfg.MaxIdleConns == 0 {
			cfg.MaxIdleConns = 2
		}
		if cfg.ConnMaxLifetime == 0 {
			cfg.ConnMaxLifetime = 5 * time.Minute
		}
	}
	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store at path.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// dsn enables foreign keys, which the cascading deletes depend on, and WAL
// so that `netstate history` can read while a watch loop writes.
func (s *SQLiteStore) dsn() string {
	return "file:" + s.cfg.Path +
		"?_pragma=foreign_keys(1)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_txlock=immediate"
}

// Init opens the connection pool and checks that the file is usable.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("open history database %s: %w", s.cfg.Path, err)
	}
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("open history database %s: %w", s.cfg.Path, err)
	}
	s.db = db
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate applies the embedded schema migrations. Running it on an up to
// date database is a no-op.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate history database: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}
	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

// queryAll runs query and scans every row with scan. It never returns a
// nil slice, so empty results encode as [] rather than null.
func queryAll[T any](ctx context.Context, db *sql.DB, scan func(scanner) (*T, error), query string, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*T{}
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// execRun runs a statement that must touch exactly the run named id.
func (s *SQLiteStore) execRun(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// withTx runs fn in a transaction, committing when fn returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const runColumns = `id, command, desired_path, desired_hash, target, status, outcome, started_at, completed_at, error, metadata`

func scanRun(row scanner) (*Run, error) {
	r := &Run{}
	err := row.Scan(&r.ID, &r.Command, &r.DesiredPath, &r.DesiredHash, &r.Target,
		&r.Status, &r.Outcome, &r.StartedAt, &r.CompletedAt, &r.Error, &r.Metadata)
	return r, err
}

// CreateRun inserts run. Empty Metadata and Target default to "{}" and
// "local".
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	if run.Metadata == "" {
		run.Metadata = "{}"
	}
	if run.Target == "" {
		run.Target = "local"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Command, run.DesiredPath, run.DesiredHash, run.Target,
		run.Status, run.Outcome, run.StartedAt.UTC(), utcPtr(run.CompletedAt), run.Error, run.Metadata,
	)
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

// CompleteRun sets the terminal status and outcome of a run.
func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, status RunStatus, outcome string, errMsg *string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	err := s.execRun(ctx, id,
		`UPDATE runs SET status = ?, outcome = ?, error = ?, completed_at = ? WHERE id = ?`,
		status, outcome, errMsg, time.Now().UTC(), id,
	)
	if err != nil && !errors.Is(err, ErrRunNotFound) {
		return fmt.Errorf("complete run %s: %w", id, err)
	}
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns runs newest first. A limit of zero or less means all.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	runs, err := queryAll(ctx, s.db, scanRun,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		limitOrAll(limit), offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// DeleteRun deletes a run and, through cascading, everything recorded for it.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	err := s.execRun(ctx, id, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil && !errors.Is(err, ErrRunNotFound) {
		return fmt.Errorf("delete run %s: %w", id, err)
	}
	return err
}

// SavePluginResult appends the result of one plugin phase and sets its ID.
func (s *SQLiteStore) SavePluginResult(ctx context.Context, result *PluginResult) error {
	if result.ChangesApplied == "" {
		result.ChangesApplied = "[]"
	}
	if result.Errors == "" {
		result.Errors = "[]"
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO plugin_results (run_id, plugin, phase, success, actions, changes_applied, errors, diff, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.RunID, result.Plugin, result.Phase, result.Success, result.Actions,
		result.ChangesApplied, result.Errors, result.Diff, result.CreatedAt.UTC(),
	)
	if err == nil {
		result.ID, err = res.LastInsertId()
	}
	if err != nil {
		return fmt.Errorf("save %s result for %s: %w", result.Phase, result.Plugin, err)
	}
	return nil
}

func scanPluginResult(row scanner) (*PluginResult, error) {
	r := &PluginResult{}
	err := row.Scan(&r.ID, &r.RunID, &r.Plugin, &r.Phase, &r.Success, &r.Actions,
		&r.ChangesApplied, &r.Errors, &r.Diff, &r.CreatedAt)
	return r, err
}

// ListPluginResults returns a run's plugin results in insertion order.
func (s *SQLiteStore) ListPluginResults(ctx context.Context, runID string) ([]*PluginResult, error) {
	results, err := queryAll(ctx, s.db, scanPluginResult,
		`SELECT id, run_id, plugin, phase, success, actions, changes_applied, errors, diff, created_at
		FROM plugin_results WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list plugin results for %s: %w", runID, err)
	}
	return results, nil
}

// SaveCheckpoints stores the checkpoints of a run atomically.
func (s *SQLiteStore) SaveCheckpoints(ctx context.Context, checkpoints []*CheckpointRecord) error {
	if len(checkpoints) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO checkpoints (id, run_id, plugin, seq, taken_at, snapshot, backend) VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare checkpoint insert: %w", err)
		}
		defer stmt.Close()

		for _, cp := range checkpoints {
			if _, err := stmt.ExecContext(ctx, cp.ID, cp.RunID, cp.Plugin, cp.Seq, cp.TakenAt.UTC(), cp.Snapshot, cp.Backend); err != nil {
				return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
			}
		}
		return nil
	})
}

func scanCheckpoint(row scanner) (*CheckpointRecord, error) {
	cp := &CheckpointRecord{}
	err := row.Scan(&cp.ID, &cp.RunID, &cp.Plugin, &cp.Seq, &cp.TakenAt, &cp.Snapshot, &cp.Backend)
	return cp, err
}

// ListCheckpoints returns a run's checkpoints in the order they were taken.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, runID string) ([]*CheckpointRecord, error) {
	cps, err := queryAll(ctx, s.db, scanCheckpoint,
		`SELECT id, run_id, plugin, seq, taken_at, snapshot, backend FROM checkpoints WHERE run_id = ? ORDER BY seq`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for %s: %w", runID, err)
	}
	return cps, nil
}

// AppendEvent appends event to the log and sets its ID.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, plugin, type, level, message, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, event.Plugin, event.Type, event.Level, event.Message, event.Details, event.Timestamp.UTC(),
	)
	if err == nil {
		event.ID, err = res.LastInsertId()
	}
	if err != nil {
		return fmt.Errorf("append %s event: %w", event.Type, err)
	}
	return nil
}

func scanEvent(row scanner) (*Event, error) {
	e := &Event{}
	err := row.Scan(&e.ID, &e.RunID, &e.Plugin, &e.Type, &e.Level, &e.Message, &e.Details, &e.Timestamp)
	return e, err
}

// ListEvents returns events in append order. Nil filters match everything.
func (s *SQLiteStore) ListEvents(ctx context.Context, q EventQuery) ([]*Event, error) {
	var level *string
	if q.Level != nil {
		l := string(*q.Level)
		level = &l
	}

	events, err := queryAll(ctx, s.db, scanEvent,
		`SELECT id, run_id, plugin, type, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR plugin = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY id
		LIMIT ? OFFSET ?`,
		q.RunID, q.RunID, q.Plugin, q.Plugin, level, level,
		limitOrAll(q.Limit), q.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// limitOrAll maps a non-positive limit to SQLite's "no limit".
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
