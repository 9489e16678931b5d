package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"runsched/internal/domain"
	logx "runsched/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer connection: CreateRun's insert + counter bump is a single
	// transaction and SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout.Milliseconds()
	if busy <= 0 {
		busy = 5000
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutTask(ctx context.Context, t domain.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, participant, duration_ns, anytime, exclusive, tool, test, run_count, created_ns)
		 VALUES(?,?,?,?,?,?,?,0,?)
		 ON CONFLICT(id) DO UPDATE SET participant=excluded.participant, duration_ns=excluded.duration_ns,
		   anytime=excluded.anytime, exclusive=excluded.exclusive, tool=excluded.tool, test=excluded.test`,
		t.ID, t.Participant, int64(t.Duration), boolInt(t.Class.Anytime), boolInt(t.Class.Exclusive),
		t.Tool, rawOrNil(t.Test), t.Created.UnixNano(),
	)
	return err
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	var (
		t                  domain.Task
		durNS, createdNS   int64
		anytime, exclusive int
		test               *string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, participant, duration_ns, anytime, exclusive, tool, test, run_count, created_ns FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.Participant, &durNS, &anytime, &exclusive, &t.Tool, &test, &t.RunCount, &createdNS)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	if err != nil {
		return domain.Task{}, err
	}
	t.Duration = time.Duration(durNS)
	t.Class = domain.SchedulingClass{Anytime: anytime != 0, Exclusive: exclusive != 0}
	t.Test = rawPtr(test)
	t.Created = fromNS(createdNS)
	return t, nil
}

func (s *sqliteStore) CreateRun(ctx context.Context, r domain.Run) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE tasks SET run_count = run_count + 1 WHERE id = ?`, r.TaskID)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}

	res, err = tx.ExecContext(ctx,
		`INSERT INTO runs(uuid, task_id, participant, anytime, exclusive, start_ns, end_ns, state,
		   errors, status, result, participant_data, participant_data_full, result_full, result_merged,
		   created_ns, updated_ns)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		runArgs(r)...,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicate
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *sqliteStore) GetRun(ctx context.Context, id int64) (domain.Run, error) {
	return s.getRun(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
}

func (s *sqliteStore) GetRunByExternalID(ctx context.Context, externalID string) (domain.Run, error) {
	return s.getRun(ctx, `SELECT `+runColumns+` FROM runs WHERE uuid = ?`, externalID)
}

func (s *sqliteStore) getRun(ctx context.Context, q string, arg any) (domain.Run, error) {
	var row runRow
	err := s.db.QueryRowContext(ctx, q, arg).Scan(row.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Run{}, ErrNotFound
	}
	if err != nil {
		return domain.Run{}, err
	}
	return row.run(), nil
}

func (s *sqliteStore) UpdateRun(ctx context.Context, r domain.Run) error {
	args := append(runArgs(r), r.ID)
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET uuid=?, task_id=?, participant=?, anytime=?, exclusive=?, start_ns=?, end_ns=?, state=?,
		   errors=?, status=?, result=?, participant_data=?, participant_data_full=?, result_full=?, result_merged=?,
		   created_ns=?, updated_ns=?
		 WHERE id = ?`,
		args...,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListRuns(ctx context.Context, f RunFilter) ([]domain.Run, error) {
	tail, args := buildRunFilter(f, questionMark)
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs`+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Run, 0)
	for rows.Next() {
		var row runRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, err
		}
		out = append(out, row.run())
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	// modernc reports "constraint failed: UNIQUE constraint failed: runs.uuid (2067)".
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
