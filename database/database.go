// Package database persists tasks, their executions and incremental sync
// tokens in PostgreSQL.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"f0oster/idsync/connector"
	"f0oster/idsync/task"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DBClient implements task.Store and the pull engine's token store.
type DBClient struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// Connect opens a pool on dsn and makes sure the schema exists.
func Connect(ctx context.Context, log zerolog.Logger, dsn string) (*DBClient, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	if err := InitSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return NewDBClient(log, pool), nil
}

func NewDBClient(log zerolog.Logger, pool *pgxpool.Pool) *DBClient {
	return &DBClient{
		pool: pool,
		log:  log.With().Str("component", "database").Logger(),
	}
}

func (r *DBClient) Close() { r.pool.Close() }

func (r *DBClient) PutTask(ctx context.Context, t *task.Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", t.Key, err)
	}
	_, err = r.pool.Exec(ctx, UpsertTask, t.Key, string(t.Type), t.Name, textToPgtype(t.Resource()), body, t.Created)
	if err != nil {
		return fmt.Errorf("upsert task query failed: %w", err)
	}
	return nil
}

func (r *DBClient) GetTask(ctx context.Context, key string) (*task.Task, error) {
	var body []byte
	err := r.pool.QueryRow(ctx, GetTask, key).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get task query failed: %w", err)
	}
	return decodeTask(body)
}

func (r *DBClient) ListTasks(ctx context.Context) ([]*task.Task, error) {
	rows, err := r.pool.Query(ctx, ListTasks)
	if err != nil {
		return nil, fmt.Errorf("list tasks query failed: %w", err)
	}
	bodies, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("failed to read tasks: %w", err)
	}
	out := make([]*task.Task, 0, len(bodies))
	for _, body := range bodies {
		t, err := decodeTask(body)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// DeleteTask removes the task; its executions go with it.
func (r *DBClient) DeleteTask(ctx context.Context, key string) error {
	tag, err := r.pool.Exec(ctx, DeleteTask, key)
	if err != nil {
		return fmt.Errorf("delete task query failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", task.ErrTaskNotFound, key)
	}
	return nil
}

func decodeTask(body []byte) (*task.Task, error) {
	var t task.Task
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &t, nil
}

func (r *DBClient) CreateExecution(ctx context.Context, e *task.Execution) error {
	_, err := r.pool.Exec(ctx, InsertExecution,
		e.Key,
		e.TaskKey,
		string(e.Status),
		e.Message,
		e.DryRun,
		e.Start,
		timeToPgtype(e.End),
		e.ExternalStatus,
	)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: %s", task.ErrTaskNotFound, e.TaskKey)
	}
	if err != nil {
		return fmt.Errorf("insert execution query failed: %w", err)
	}
	return nil
}

func (r *DBClient) UpdateExecution(ctx context.Context, e *task.Execution) error {
	tag, err := r.pool.Exec(ctx, UpdateExecution,
		e.Key,
		string(e.Status),
		e.Message,
		timeToPgtype(e.End),
		e.ExternalStatus,
	)
	if err != nil {
		return fmt.Errorf("update execution query failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", task.ErrExecutionNotFound, e.Key)
	}
	return nil
}

func (r *DBClient) GetExecution(ctx context.Context, key string) (*task.Execution, error) {
	rows, err := r.pool.Query(ctx, GetExecution, key)
	if err != nil {
		return nil, fmt.Errorf("get execution query failed: %w", err)
	}
	e, err := pgx.CollectExactlyOneRow(rows, scanExecution)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", task.ErrExecutionNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read execution: %w", err)
	}
	return e, nil
}

func (r *DBClient) ListExecutions(ctx context.Context, taskKey string) ([]*task.Execution, error) {
	rows, err := r.pool.Query(ctx, ListExecutions, taskKey)
	if err != nil {
		return nil, fmt.Errorf("list executions query failed: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanExecution)
	if err != nil {
		return nil, fmt.Errorf("failed to read executions: %w", err)
	}
	return out, nil
}

func (r *DBClient) DeleteExecution(ctx context.Context, key string) error {
	tag, err := r.pool.Exec(ctx, DeleteExecution, key)
	if err != nil {
		return fmt.Errorf("delete execution query failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", task.ErrExecutionNotFound, key)
	}
	return nil
}

func scanExecution(row pgx.CollectableRow) (*task.Execution, error) {
	var (
		e      task.Execution
		status string
		end    pgtype.Timestamptz
	)
	err := row.Scan(&e.Key, &e.TaskKey, &status, &e.Message, &e.DryRun, &e.Start, &end, &e.ExternalStatus)
	if err != nil {
		return nil, err
	}
	e.Status = task.Status(status)
	e.End = pgtypeToTime(end)
	return &e, nil
}

// GetToken returns the stored sync position, empty when none was stored.
func (r *DBClient) GetToken(ctx context.Context, resource string, oc connector.ObjectClass) (string, error) {
	var token string
	err := r.pool.QueryRow(ctx, GetSyncToken, strings.ToLower(resource), string(oc)).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get sync token query failed: %w", err)
	}
	return token, nil
}

func (r *DBClient) PutToken(ctx context.Context, resource string, oc connector.ObjectClass, token string) error {
	if _, err := r.pool.Exec(ctx, UpsertSyncToken, strings.ToLower(resource), string(oc), token); err != nil {
		return fmt.Errorf("upsert sync token query failed: %w", err)
	}
	r.log.Debug().Str("resource", resource).Str("object_class", string(oc)).Msg("stored sync token")
	return nil
}
