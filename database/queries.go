package database

// SQL query constants for the task, execution and sync token tables.

const (
	UpsertTask = `
		INSERT INTO tasks (task_key, task_type, name, resource, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (task_key)
		DO UPDATE SET
			task_type = EXCLUDED.task_type,
			name = EXCLUDED.name,
			resource = EXCLUDED.resource,
			body = EXCLUDED.body,
			updated_at = NOW()`

	GetTask = `
		SELECT body
		FROM tasks
		WHERE task_key = $1`

	ListTasks = `
		SELECT body
		FROM tasks
		ORDER BY task_key`

	DeleteTask = `
		DELETE FROM tasks
		WHERE task_key = $1`

	InsertExecution = `
		INSERT INTO executions (execution_key, task_key, status, message, dry_run, start_time, end_time, external_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	UpdateExecution = `
		UPDATE executions
		SET status = $2,
			message = $3,
			end_time = $4,
			external_status = $5
		WHERE execution_key = $1`

	executionColumns = `execution_key, task_key, status, message, dry_run, start_time, end_time, external_status`

	GetExecution = `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE execution_key = $1`

	ListExecutions = `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE task_key = $1
		ORDER BY start_time, execution_key`

	DeleteExecution = `
		DELETE FROM executions
		WHERE execution_key = $1`

	GetSyncToken = `
		SELECT token
		FROM sync_tokens
		WHERE resource = $1 AND object_class = $2`

	UpsertSyncToken = `
		INSERT INTO sync_tokens (resource, object_class, token)
		VALUES ($1, $2, $3)
		ON CONFLICT (resource, object_class)
		DO UPDATE SET token = EXCLUDED.token, updated_at = NOW()`
)
