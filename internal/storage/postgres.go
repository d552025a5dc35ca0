package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/evertask/evertask/internal/models"
	"github.com/evertask/evertask/internal/task"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver used only for running migrations
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// PostgresStorage is the durable pgx/v5-backed TaskStorage. Queries are
// hand-written and parameterized rather than generated, since there is no
// sqlc toolchain available to run here; the connection pooling and migration
// setup otherwise mirror the teacher's persistence layer.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// PostgresConfig configures the Postgres connection, including an optional
// non-default schema per deployment (spec §6 "configurable schema name").
type PostgresConfig struct {
	DSN    string
	Schema string
}

// NewPostgresStorage runs pending migrations then opens a connection pool
// sized from the available CPUs, same as the teacher's NewPostgresStoreWithPoolConfig.
func NewPostgresStorage(cfg PostgresConfig) (*PostgresStorage, error) {
	ctx := context.Background()

	if err := runMigrations(cfg.DSN); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	cpus := runtime.GOMAXPROCS(0)
	poolConfig.MaxConns = int32(cpus * 4)
	poolConfig.MinConns = int32(cpus)
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = time.Minute

	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, "SET TIMEZONE='UTC'"); err != nil {
			return err
		}
		if cfg.Schema != "" {
			_, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", pgx.Identifier{cfg.Schema}.Sanitize()))
			return err
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PostgresStorage{pool: pool}, nil
}

// runMigrations applies embedded goose migrations using a short-lived
// database/sql connection, since goose drives its own transactions.
func runMigrations(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping migration connection: %w", err)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	goose.SetBaseFS(embedMigrations)
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (p *PostgresStorage) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresStorage) Persist(ctx context.Context, t *models.QueuedTask) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO queued_tasks (
			id, created_at_utc, last_execution_utc, scheduled_execution_utc, next_run_utc,
			type, request, handler, status, exception,
			is_recurring, recurring_task, recurring_info, current_run_count, max_runs, run_until,
			queue_name, task_key, audit_level
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`, t.ID, t.CreatedAtUtc, t.LastExecutionUtc, t.ScheduledExecutionUtc, t.NextRunUtc,
		t.Type, t.Request, t.Handler, t.Status, t.Exception,
		t.IsRecurring, t.RecurringTask, t.RecurringInfo, t.CurrentRunCount, t.MaxRuns, t.RunUntil,
		t.QueueName, nullIfEmpty(t.TaskKey), t.AuditLevel)
	if err != nil {
		return fmt.Errorf("persist task %s: %w", t.ID, err)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

var queuedTaskColumns = `
	id, created_at_utc, last_execution_utc, scheduled_execution_utc, next_run_utc,
	type, request, handler, status, exception,
	is_recurring, recurring_task, recurring_info, current_run_count, max_runs, run_until,
	queue_name, coalesce(task_key, ''), audit_level
`

func scanQueuedTask(row pgx.Row) (*models.QueuedTask, error) {
	var t models.QueuedTask
	err := row.Scan(
		&t.ID, &t.CreatedAtUtc, &t.LastExecutionUtc, &t.ScheduledExecutionUtc, &t.NextRunUtc,
		&t.Type, &t.Request, &t.Handler, &t.Status, &t.Exception,
		&t.IsRecurring, &t.RecurringTask, &t.RecurringInfo, &t.CurrentRunCount, &t.MaxRuns, &t.RunUntil,
		&t.QueueName, &t.TaskKey, &t.AuditLevel,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *PostgresStorage) GetByTaskKey(ctx context.Context, key string) (*models.QueuedTask, error) {
	row := p.pool.QueryRow(ctx, "SELECT "+queuedTaskColumns+" FROM queued_tasks WHERE task_key = $1", key)
	t, err := scanQueuedTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get by task key: %w", err)
	}
	return t, nil
}

func (p *PostgresStorage) GetByID(ctx context.Context, id uuid.UUID) (*models.QueuedTask, error) {
	row := p.pool.QueryRow(ctx, "SELECT "+queuedTaskColumns+" FROM queued_tasks WHERE id = $1", id)
	t, err := scanQueuedTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, task.ErrPersistence)
	}
	if err != nil {
		return nil, fmt.Errorf("get by id: %w", err)
	}
	return t, nil
}

func (p *PostgresStorage) UpdateTask(ctx context.Context, t *models.QueuedTask) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE queued_tasks SET
			created_at_utc=$2, last_execution_utc=$3, scheduled_execution_utc=$4, next_run_utc=$5,
			type=$6, request=$7, handler=$8, status=$9, exception=$10,
			is_recurring=$11, recurring_task=$12, recurring_info=$13, current_run_count=$14,
			max_runs=$15, run_until=$16, queue_name=$17, task_key=$18, audit_level=$19
		WHERE id=$1
	`, t.ID, t.CreatedAtUtc, t.LastExecutionUtc, t.ScheduledExecutionUtc, t.NextRunUtc,
		t.Type, t.Request, t.Handler, t.Status, t.Exception,
		t.IsRecurring, t.RecurringTask, t.RecurringInfo, t.CurrentRunCount, t.MaxRuns, t.RunUntil,
		t.QueueName, nullIfEmpty(t.TaskKey), t.AuditLevel)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", t.ID, task.ErrPersistence)
	}
	return nil
}

func (p *PostgresStorage) Remove(ctx context.Context, id uuid.UUID) error {
	if _, err := p.pool.Exec(ctx, "DELETE FROM queued_tasks WHERE id = $1", id); err != nil {
		return fmt.Errorf("remove task %s: %w", id, err)
	}
	return nil
}

func (p *PostgresStorage) RetrievePending(ctx context.Context, lastCreatedAt *time.Time, lastID *uuid.UUID, take int) ([]models.QueuedTask, error) {
	statuses := []models.Status{models.StatusQueued, models.StatusPending, models.StatusInProgress, models.StatusServiceStopped}

	var rows pgx.Rows
	var err error
	if lastCreatedAt != nil && lastID != nil {
		rows, err = p.pool.Query(ctx, "SELECT "+queuedTaskColumns+` FROM queued_tasks
			WHERE status = ANY($1) AND (created_at_utc, id) > ($2, $3)
			ORDER BY created_at_utc, id LIMIT $4`, statuses, *lastCreatedAt, *lastID, take)
	} else {
		rows, err = p.pool.Query(ctx, "SELECT "+queuedTaskColumns+` FROM queued_tasks
			WHERE status = ANY($1)
			ORDER BY created_at_utc, id LIMIT $2`, statuses, take)
	}
	if err != nil {
		return nil, fmt.Errorf("retrieve pending: %w", err)
	}
	defer rows.Close()

	var out []models.QueuedTask
	for rows.Next() {
		t, err := scanQueuedTask(rows)
		if err != nil {
			return nil, fmt.Errorf("retrieve pending: scan: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (p *PostgresStorage) setStatus(ctx context.Context, id uuid.UUID, status models.Status, exception string, level models.AuditLevel) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, "UPDATE queued_tasks SET status=$2, exception=$3 WHERE id=$1", id, status, exception)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", id, task.ErrPersistence)
	}

	if level.ShouldRecordStatus(status) {
		_, err = tx.Exec(ctx, `INSERT INTO status_audits (queued_task_id, updated_at_utc, new_status, exception)
			VALUES ($1,$2,$3,$4)`, id, time.Now().UTC(), status, exception)
		if err != nil {
			return fmt.Errorf("insert status audit: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (p *PostgresStorage) SetQueued(ctx context.Context, id uuid.UUID, level models.AuditLevel) error {
	return p.setStatus(ctx, id, models.StatusQueued, "", level)
}

func (p *PostgresStorage) SetInProgress(ctx context.Context, id uuid.UUID, level models.AuditLevel) error {
	return p.setStatus(ctx, id, models.StatusInProgress, "", level)
}

func (p *PostgresStorage) SetCompleted(ctx context.Context, id uuid.UUID, level models.AuditLevel) error {
	return p.setStatus(ctx, id, models.StatusCompleted, "", level)
}

func (p *PostgresStorage) SetCancelledByUser(ctx context.Context, id uuid.UUID, level models.AuditLevel) error {
	return p.setStatus(ctx, id, models.StatusCancelled, "", level)
}

func (p *PostgresStorage) SetCancelledByService(ctx context.Context, id uuid.UUID, level models.AuditLevel) error {
	return p.setStatus(ctx, id, models.StatusServiceStopped, "", level)
}

func (p *PostgresStorage) SetStatus(ctx context.Context, id uuid.UUID, status models.Status, exception string, level models.AuditLevel) error {
	return p.setStatus(ctx, id, status, exception, level)
}

func (p *PostgresStorage) GetCurrentRunCount(ctx context.Context, id uuid.UUID) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, "SELECT current_run_count FROM queued_tasks WHERE id = $1", id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("get current run count: %w", err)
	}
	return count, nil
}

func (p *PostgresStorage) UpdateCurrentRun(ctx context.Context, id uuid.UUID, nextRun *time.Time, level models.AuditLevel) error {
	now := time.Now().UTC()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE queued_tasks SET
			current_run_count = current_run_count + 1, next_run_utc = $2, last_execution_utc = $3
		WHERE id = $1`, id, nextRun, now)
	if err != nil {
		return fmt.Errorf("update current run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", id, task.ErrPersistence)
	}

	if level.ShouldRecordRun(false) {
		_, err = tx.Exec(ctx, `INSERT INTO runs_audits (queued_task_id, executed_at, status)
			VALUES ($1,$2,$3)`, id, now, models.StatusCompleted)
		if err != nil {
			return fmt.Errorf("insert run audit: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (p *PostgresStorage) RecordSkippedOccurrences(ctx context.Context, id uuid.UUID, skipped int) error {
	if skipped <= 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx, `INSERT INTO runs_audits (queued_task_id, executed_at, status, skipped_count)
		VALUES ($1,$2,$3,$4)`, id, time.Now().UTC(), models.StatusPending, skipped)
	if err != nil {
		return fmt.Errorf("record skipped occurrences: %w", err)
	}
	return nil
}

func (p *PostgresStorage) SaveExecutionLogs(ctx context.Context, id uuid.UUID, logs []models.TaskExecutionLog) error {
	if len(logs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, l := range logs {
		batch.Queue(`INSERT INTO task_execution_logs
			(task_id, timestamp_utc, level, message, exception_details, sequence_number)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			id, l.TimestampUtc, l.Level, l.Message, l.ExceptionDetails, l.SequenceNumber)
	}
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range logs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("save execution logs: %w", err)
		}
	}
	return nil
}

func (p *PostgresStorage) GetExecutionLogs(ctx context.Context, id uuid.UUID, skip, take int) ([]models.TaskExecutionLog, error) {
	query := `SELECT id, task_id, timestamp_utc, level, message, exception_details, sequence_number
		FROM task_execution_logs WHERE task_id = $1 ORDER BY sequence_number OFFSET $2`
	args := []interface{}{id, skip}
	if take > 0 {
		query += " LIMIT $3"
		args = append(args, take)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get execution logs: %w", err)
	}
	defer rows.Close()

	var out []models.TaskExecutionLog
	for rows.Next() {
		var l models.TaskExecutionLog
		if err := rows.Scan(&l.ID, &l.TaskID, &l.TimestampUtc, &l.Level, &l.Message, &l.ExceptionDetails, &l.SequenceNumber); err != nil {
			return nil, fmt.Errorf("get execution logs: scan: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *PostgresStorage) Stats(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := p.pool.Query(ctx, "SELECT status, count(*) FROM queued_tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	out := make(map[models.Status]int64)
	for rows.Next() {
		var status models.Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("stats: scan: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}
