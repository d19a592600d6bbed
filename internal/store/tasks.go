package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/HyphaGroup/portcullis/internal/a2a"
	"github.com/HyphaGroup/portcullis/internal/auth"
)

// ErrTaskNotFound covers both genuinely missing tasks and tasks the caller
// does not own. Callers must not be able to tell the two apart.
var ErrTaskNotFound = errors.New("task not found")

// TaskStore persists A2A task records with per-tenant ownership.
type TaskStore struct {
	db *sql.DB
}

// NewTaskStore creates a task store over the shared database
func NewTaskStore(s *Store) *TaskStore {
	return &TaskStore{db: s.db}
}

// Save upserts a task. On insert the caller's client identity is stamped as
// the owning client (null for internal server calls); on update the stored
// owner is never changed, whoever the caller is.
func (ts *TaskStore) Save(task *a2a.Task, caller *auth.Context) error {
	statusMsg, err := marshalNullable(task.Status.Message)
	if err != nil {
		return fmt.Errorf("failed to serialize status message: %w", err)
	}
	artifacts, err := marshalNullable(task.Artifacts)
	if err != nil {
		return fmt.Errorf("failed to serialize artifacts: %w", err)
	}
	history, err := marshalNullable(task.History)
	if err != nil {
		return fmt.Errorf("failed to serialize history: %w", err)
	}
	metadata, err := marshalNullable(task.Metadata)
	if err != nil {
		return fmt.Errorf("failed to serialize metadata: %w", err)
	}

	var owner sql.NullString
	if caller != nil && caller.ClientName != "" {
		owner = sql.NullString{String: caller.ClientName, Valid: true}
	}

	_, err = ts.db.Exec(`
		INSERT INTO tasks (id, context_id, status_state, status_timestamp, status_message_json,
			artifacts_json, history_json, metadata_json, client_name, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			context_id = excluded.context_id,
			status_state = excluded.status_state,
			status_timestamp = excluded.status_timestamp,
			status_message_json = excluded.status_message_json,
			artifacts_json = excluded.artifacts_json,
			history_json = excluded.history_json,
			metadata_json = excluded.metadata_json,
			updated_at = excluded.updated_at`,
		task.ID, task.ContextID, task.Status.State, nullString(task.Status.Timestamp),
		statusMsg, artifacts, history, metadata, owner, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// Load returns a task if the caller may see it. Internal calls (nil caller)
// and the shared-secret tier see everything; token callers only see their
// own tasks and legacy rows with no owner. Denied reads report not-found.
func (ts *TaskStore) Load(taskID string, caller *auth.Context) (*a2a.Task, error) {
	var (
		task      a2a.Task
		timestamp sql.NullString
		statusMsg sql.NullString
		artifacts sql.NullString
		history   sql.NullString
		metadata  sql.NullString
		owner     sql.NullString
	)
	err := ts.db.QueryRow(`
		SELECT id, context_id, status_state, status_timestamp, status_message_json,
			artifacts_json, history_json, metadata_json, client_name
		FROM tasks WHERE id = ?`, taskID).
		Scan(&task.ID, &task.ContextID, &task.Status.State, &timestamp,
			&statusMsg, &artifacts, &history, &metadata, &owner)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	if !callerMayAccess(caller, owner) {
		return nil, ErrTaskNotFound
	}

	task.Kind = "task"
	task.Status.Timestamp = timestamp.String
	if err := unmarshalNullable(statusMsg, &task.Status.Message); err != nil {
		return nil, fmt.Errorf("failed to decode status message: %w", err)
	}
	if err := unmarshalNullable(artifacts, &task.Artifacts); err != nil {
		return nil, fmt.Errorf("failed to decode artifacts: %w", err)
	}
	if err := unmarshalNullable(history, &task.History); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	if err := unmarshalNullable(metadata, &task.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return &task, nil
}

// Owner returns the stored owning client for a task ("" when unowned)
func (ts *TaskStore) Owner(taskID string) (string, error) {
	var owner sql.NullString
	err := ts.db.QueryRow(`SELECT client_name FROM tasks WHERE id = ?`, taskID).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", ErrTaskNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query task owner: %w", err)
	}
	return owner.String, nil
}

// ListWorking returns the ids and context ids of tasks still in the working
// state. Used by the shutdown path to stamp the restart notice.
func (ts *TaskStore) ListWorking() ([]*a2a.Task, error) {
	rows, err := ts.db.Query(`SELECT id, context_id FROM tasks WHERE status_state = ?`, a2a.TaskStateWorking)
	if err != nil {
		return nil, fmt.Errorf("failed to list working tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*a2a.Task
	for rows.Next() {
		var t a2a.Task
		if err := rows.Scan(&t.ID, &t.ContextID); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.Status.State = a2a.TaskStateWorking
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

func callerMayAccess(caller *auth.Context, owner sql.NullString) bool {
	if caller == nil {
		return true // trusted internal path
	}
	if caller.IsMaster() {
		return true
	}
	if !owner.Valid || owner.String == "" {
		return true // legacy/internal row
	}
	return caller.ClientName == owner.String
}

func marshalNullable(v interface{}) (sql.NullString, error) {
	if v == nil || isNilPointer(v) {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalNullable(s sql.NullString, dst interface{}) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dst)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isNilPointer(v interface{}) bool {
	switch t := v.(type) {
	case *a2a.Message:
		return t == nil
	case []a2a.Artifact:
		return t == nil
	case []a2a.Message:
		return t == nil
	case map[string]interface{}:
		return t == nil
	}
	return false
}
