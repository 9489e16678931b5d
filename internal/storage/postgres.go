package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"runsched/internal/domain"
	logx "runsched/pkg/logx"
)

type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id          TEXT PRIMARY KEY,
		participant INT NOT NULL,
		duration_ns BIGINT NOT NULL,
		anytime     INT NOT NULL DEFAULT 0,
		exclusive   INT NOT NULL DEFAULT 0,
		tool        TEXT NOT NULL,
		test        JSONB,
		run_count   BIGINT NOT NULL DEFAULT 0,
		created_ns  BIGINT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS runs (
		id                    BIGSERIAL PRIMARY KEY,
		uuid                  TEXT UNIQUE,
		task_id               TEXT NOT NULL REFERENCES tasks(id),
		participant           INT NOT NULL,
		anytime               INT NOT NULL DEFAULT 0,
		exclusive             INT NOT NULL DEFAULT 0,
		start_ns              BIGINT NOT NULL,
		end_ns                BIGINT NOT NULL,
		state                 TEXT NOT NULL,
		errors                TEXT,
		status                BIGINT,
		result                JSONB,
		participant_data      JSONB,
		participant_data_full JSONB,
		result_full           JSONB,
		result_merged         JSONB,
		created_ns            BIGINT NOT NULL,
		updated_ns            BIGINT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS runs_state_start ON runs(state, start_ns);`,
	`CREATE INDEX IF NOT EXISTS runs_end ON runs(end_ns);`,
	`CREATE INDEX IF NOT EXISTS runs_task ON runs(task_id);`,
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	for _, q := range pgSchema {
		if _, err := pool.Exec(ctx, q); err != nil {
			pool.Close()
			return nil, err
		}
	}
	log.Info("postgres store opened", logx.String("host", pcfg.ConnConfig.Host), logx.String("database", pcfg.ConnConfig.Database))
	return &pgStore{pool: pool, log: log}, nil
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *pgStore) PutTask(ctx context.Context, t domain.Task) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks(id, participant, duration_ns, anytime, exclusive, tool, test, run_count, created_ns)
		VALUES($1,$2,$3,$4,$5,$6,$7,0,$8)
		ON CONFLICT(id) DO UPDATE SET participant=excluded.participant, duration_ns=excluded.duration_ns,
			anytime=excluded.anytime, exclusive=excluded.exclusive, tool=excluded.tool, test=excluded.test
	`, t.ID, t.Participant, int64(t.Duration), boolInt(t.Class.Anytime), boolInt(t.Class.Exclusive),
		t.Tool, rawOrNil(t.Test), t.Created.UnixNano())
	return err
}

func (s *pgStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	var (
		t                  domain.Task
		durNS, createdNS   int64
		anytime, exclusive int
		test               *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, participant, duration_ns, anytime, exclusive, tool, test, run_count, created_ns
		FROM tasks WHERE id=$1
	`, id).Scan(&t.ID, &t.Participant, &durNS, &anytime, &exclusive, &t.Tool, &test, &t.RunCount, &createdNS)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *pgStore) CreateRun(ctx context.Context, r domain.Run) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE tasks SET run_count = run_count + 1 WHERE id=$1`, r.TaskID)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrNotFound
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO runs(uuid, task_id, participant, anytime, exclusive, start_ns, end_ns, state,
			errors, status, result, participant_data, participant_data_full, result_full, result_merged,
			created_ns, updated_ns)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING id
	`, runArgs(r)...).Scan(&id)
	if err != nil {
		if pgUniqueViolation(err) {
			return 0, ErrDuplicate
		}
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *pgStore) GetRun(ctx context.Context, id int64) (domain.Run, error) {
	return s.getRun(ctx, `SELECT `+runColumns+` FROM runs WHERE id=$1`, id)
}

func (s *pgStore) GetRunByExternalID(ctx context.Context, externalID string) (domain.Run, error) {
	return s.getRun(ctx, `SELECT `+runColumns+` FROM runs WHERE uuid=$1`, externalID)
}

func (s *pgStore) getRun(ctx context.Context, q string, arg any) (domain.Run, error) {
	var row runRow
	err := s.pool.QueryRow(ctx, q, arg).Scan(row.dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Run{}, ErrNotFound
	}
	if err != nil {
		return domain.Run{}, err
	}
	return row.run(), nil
}

func (s *pgStore) UpdateRun(ctx context.Context, r domain.Run) error {
	args := append(runArgs(r), r.ID)
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET uuid=$1, task_id=$2, participant=$3, anytime=$4, exclusive=$5, start_ns=$6, end_ns=$7,
			state=$8, errors=$9, status=$10, result=$11, participant_data=$12, participant_data_full=$13,
			result_full=$14, result_merged=$15, created_ns=$16, updated_ns=$17
		WHERE id=$18
	`, args...)
	if err != nil {
		if pgUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) ListRuns(ctx context.Context, f RunFilter) ([]domain.Run, error) {
	tail, args := buildRunFilter(f, dollar)
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM runs`+tail, args...)
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

func pgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
