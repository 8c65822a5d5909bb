package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/loomworks/loom/pkg/schema"
)

// LibSQLStore implements Repository using libSQL (embedded SQLite fork).
// Full records are stored as JSON documents with the columns the queries
// need lifted out and indexed.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Executions ---

func (s *LibSQLStore) SaveExecution(ctx context.Context, exec *schema.Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, workflow_version, status, started_at, ended_at, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, ended_at=excluded.ended_at, data=excluded.data`,
		exec.ID, exec.WorkflowID, exec.WorkflowVersion, string(exec.Status),
		exec.StartedAt, nullTime(exec.EndedAt), string(data),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM executions WHERE id = ?`, id,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	exec := &schema.Execution{}
	if err := json.Unmarshal([]byte(data), exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	return exec, nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, limit, offset int) ([]*schema.Execution, error) {
	query := `SELECT data FROM executions ORDER BY started_at DESC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
		if offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", offset)
		}
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*schema.Execution
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		exec := &schema.Execution{}
		if err := json.Unmarshal([]byte(data), exec); err != nil {
			return nil, fmt.Errorf("unmarshal execution: %w", err)
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

// --- Workflows ---

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, version, name, data, created_at)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id, version) DO UPDATE SET name=excluded.name, data=excluded.data`,
		wf.ID, wf.Version, nullStr(wf.Name), string(data),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string, version int) (*schema.Workflow, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM workflows WHERE id = ? AND version = ?`, id, version,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", workflowKey(id, version))
	}
	if err != nil {
		return nil, err
	}
	wf := &schema.Workflow{}
	if err := json.Unmarshal([]byte(data), wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return wf, nil
}

// --- Timers ---

func (s *LibSQLStore) SaveTimer(ctx context.Context, timer schema.Timer) error {
	metadata, err := nullableJSONMap(timer.Metadata)
	if err != nil {
		return fmt.Errorf("marshal timer metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO timers (id, execution_id, node_id, fire_at, reason, port, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET fire_at=excluded.fire_at, reason=excluded.reason,
		   port=excluded.port, metadata=excluded.metadata`,
		timer.ID, timer.ExecutionID, timer.NodeID, timer.FireAt,
		timer.Reason, nullStr(timer.Port), metadata,
	)
	return err
}

func (s *LibSQLStore) DueTimers(ctx context.Context, now time.Time) ([]schema.Timer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, fire_at, reason, port, metadata
		 FROM timers WHERE fire_at <= ? ORDER BY fire_at ASC, id ASC`, now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var timers []schema.Timer
	for rows.Next() {
		var timer schema.Timer
		var port, metadata sql.NullString
		if err := rows.Scan(&timer.ID, &timer.ExecutionID, &timer.NodeID,
			&timer.FireAt, &timer.Reason, &port, &metadata); err != nil {
			return nil, err
		}
		timer.Port = port.String
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &timer.Metadata)
		}
		timers = append(timers, timer)
	}
	return timers, rows.Err()
}

func (s *LibSQLStore) DeleteTimer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM timers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "timer", id)
}

// --- Schedules ---

func (s *LibSQLStore) SaveSchedule(ctx context.Context, sched *schema.Schedule) error {
	data, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, workflow_id, enabled, next_run_at, data)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET workflow_id=excluded.workflow_id,
		   enabled=excluded.enabled, next_run_at=excluded.next_run_at, data=excluded.data`,
		sched.ID, sched.WorkflowID, boolInt(sched.Enabled), nullTime(sched.NextRunAt), string(data),
	)
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*schema.Schedule, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM schedules WHERE id = ?`, id,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	if err != nil {
		return nil, err
	}
	sched := &schema.Schedule{}
	if err := json.Unmarshal([]byte(data), sched); err != nil {
		return nil, fmt.Errorf("unmarshal schedule: %w", err)
	}
	return sched, nil
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, enabledOnly bool) ([]*schema.Schedule, error) {
	query := `SELECT data FROM schedules`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*schema.Schedule
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		sched := &schema.Schedule{}
		if err := json.Unmarshal([]byte(data), sched); err != nil {
			return nil, fmt.Errorf("unmarshal schedule: %w", err)
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM secrets WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// --- Event log ---

// AppendEvent appends an event with a monotonically increasing per-execution
// sequence. The transaction serializes sequence reads and writes.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *schema.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := nullableJSONMap(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, workflow_id, node_id, event_type, data, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.WorkflowID), nullStr(event.NodeID),
		event.Type, data, event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListEvents(ctx context.Context, executionID string, since int64) ([]schema.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, workflow_id, node_id, event_type, data, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []schema.Event
	for rows.Next() {
		var e schema.Event
		var workflowID, nodeID, data sql.NullString
		if err := rows.Scan(&e.ExecutionID, &workflowID, &nodeID, &e.Type, &data, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.WorkflowID = workflowID.String
		e.NodeID = nodeID.String
		if data.Valid && data.String != "" {
			_ = json.Unmarshal([]byte(data.String), &e.Data)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSONMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
