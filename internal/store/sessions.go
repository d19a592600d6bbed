package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned when no session row matches
var ErrSessionNotFound = errors.New("session not found")

// SessionRecord is the durable metadata of one worker session. The live
// process handle lives in the session pool; this row survives restarts so
// orphaned workers can be found and conversations resumed.
type SessionRecord struct {
	SessionID      string
	AgentName      string
	ClientName     string
	ContextID      string
	TaskID         string
	CreatedAt      time.Time
	LastAccessedAt time.Time
	TotalCostUSD   float64
	MessageCount   int
	ProcessAlive   bool
	LastPid        int
}

// SessionStore persists worker session metadata
type SessionStore struct {
	db           *sql.DB
	maxPerClient int
	// onEvict lets the session pool destroy the live worker when the
	// store evicts a row. Receives the evicted context id.
	onEvict func(contextID string)
}

// NewSessionStore creates a session store over the shared database
func NewSessionStore(s *Store) *SessionStore {
	return &SessionStore{db: s.db}
}

// SetEvictionPolicy installs the per-client cap and the callback run for
// each evicted session. Called once during wiring, before any Create.
func (ss *SessionStore) SetEvictionPolicy(maxPerClient int, onEvict func(contextID string)) {
	ss.maxPerClient = maxPerClient
	ss.onEvict = onEvict
}

// Create inserts a new session row. If the owning client is at its session
// cap, the client's least recently used session is evicted first.
func (ss *SessionStore) Create(rec *SessionRecord) error {
	if ss.maxPerClient > 0 && rec.ClientName != "" {
		if err := ss.enforceClientCap(rec.ClientName); err != nil {
			return err
		}
	}
	return ss.insert(rec)
}

func (ss *SessionStore) insert(rec *SessionRecord) error {
	_, err := ss.db.Exec(`
		INSERT INTO sessions (session_id, agent_name, client_name, context_id, task_id,
			created_at, last_accessed_at, total_cost_usd, message_count, process_alive, last_pid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.AgentName, nullString(rec.ClientName), rec.ContextID,
		nullString(rec.TaskID), rec.CreatedAt.UnixMilli(), rec.LastAccessedAt.UnixMilli(),
		rec.TotalCostUSD, rec.MessageCount, boolInt(rec.ProcessAlive), nullInt(rec.LastPid))
	if err != nil {
		return fmt.Errorf("failed to create session record: %w", err)
	}
	return nil
}

// GetByContextID looks a session up by its conversation id
func (ss *SessionStore) GetByContextID(contextID string) (*SessionRecord, error) {
	return ss.queryOne(`WHERE context_id = ?`, contextID)
}

// GetByTaskID looks a session up by the task currently bound to it
func (ss *SessionStore) GetByTaskID(taskID string) (*SessionRecord, error) {
	return ss.queryOne(`WHERE task_id = ?`, taskID)
}

// Get looks a session up by the worker's own session id
func (ss *SessionStore) Get(sessionID string) (*SessionRecord, error) {
	return ss.queryOne(`WHERE session_id = ?`, sessionID)
}

// ListForClient returns the client's sessions oldest-first
func (ss *SessionStore) ListForClient(clientName string) ([]*SessionRecord, error) {
	return ss.queryAll(`WHERE client_name = ? ORDER BY created_at ASC`, clientName)
}

// ListAll returns every session row, newest-first
func (ss *SessionStore) ListAll() ([]*SessionRecord, error) {
	return ss.queryAll(`ORDER BY created_at DESC`)
}

// CountForClient returns how many sessions a client currently holds
func (ss *SessionStore) CountForClient(clientName string) (int, error) {
	var n int
	err := ss.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE client_name = ?`, clientName).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

// OldestForClient returns the client's least recently used session
func (ss *SessionStore) OldestForClient(clientName string) (*SessionRecord, error) {
	return ss.queryOne(`WHERE client_name = ? ORDER BY last_accessed_at ASC`, clientName)
}

func (ss *SessionStore) enforceClientCap(clientName string) error {
	n, err := ss.CountForClient(clientName)
	if err != nil {
		return err
	}
	for ; n >= ss.maxPerClient; n-- {
		victim, err := ss.OldestForClient(clientName)
		if err != nil {
			return err
		}
		if ss.onEvict != nil {
			ss.onEvict(victim.ContextID)
		}
		if err := ss.Delete(victim.ContextID); err != nil {
			return err
		}
	}
	return nil
}

// Touch bumps last_accessed_at for a conversation
func (ss *SessionStore) Touch(contextID string, at time.Time) error {
	if _, err := ss.db.Exec(`UPDATE sessions SET last_accessed_at = ? WHERE context_id = ?`, at.UnixMilli(), contextID); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// Delete removes the session row for a conversation. Missing rows are not
// an error; delete is idempotent.
func (ss *SessionStore) Delete(contextID string) error {
	if _, err := ss.db.Exec(`DELETE FROM sessions WHERE context_id = ?`, contextID); err != nil {
		return fmt.Errorf("failed to delete session record: %w", err)
	}
	return nil
}

// UpdateUsage bumps the session's access time, cost, and message count after
// a completed exchange, and records the worker's current session id (the CLI
// may rotate it between turns).
func (ss *SessionStore) UpdateUsage(contextID, sessionID string, cost float64, at time.Time) error {
	res, err := ss.db.Exec(`
		UPDATE sessions SET session_id = ?, last_accessed_at = ?,
			total_cost_usd = total_cost_usd + ?, message_count = message_count + 1
		WHERE context_id = ?`,
		sessionID, at.UnixMilli(), cost, contextID)
	if err != nil {
		return fmt.Errorf("failed to update session usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// BindTask points the session at the task it is currently serving
func (ss *SessionStore) BindTask(contextID, taskID string) error {
	// Only one session may reference a task id at a time
	if _, err := ss.db.Exec(`UPDATE sessions SET task_id = NULL WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("failed to clear task binding: %w", err)
	}
	if _, err := ss.db.Exec(`UPDATE sessions SET task_id = ? WHERE context_id = ?`, taskID, contextID); err != nil {
		return fmt.Errorf("failed to bind task: %w", err)
	}
	return nil
}

// SavePid records the live worker process id for a conversation
func (ss *SessionStore) SavePid(contextID string, pid int) error {
	if _, err := ss.db.Exec(`UPDATE sessions SET last_pid = ?, process_alive = 1 WHERE context_id = ?`, pid, contextID); err != nil {
		return fmt.Errorf("failed to save pid: %w", err)
	}
	return nil
}

// MarkProcessDead records that the worker for a conversation has exited
func (ss *SessionStore) MarkProcessDead(contextID string) error {
	if _, err := ss.db.Exec(`UPDATE sessions SET process_alive = 0 WHERE context_id = ?`, contextID); err != nil {
		return fmt.Errorf("failed to mark process dead: %w", err)
	}
	return nil
}

// MarkAllProcessesDead clears every alive flag. Run at startup: any row
// still alive with a recorded pid belonged to the previous server process
// and its worker is an orphan candidate.
func (ss *SessionStore) MarkAllProcessesDead() ([]*SessionRecord, error) {
	orphans, err := ss.queryAll(`WHERE process_alive = 1 AND last_pid IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	if _, err := ss.db.Exec(`UPDATE sessions SET process_alive = 0`); err != nil {
		return nil, fmt.Errorf("failed to clear alive flags: %w", err)
	}
	return orphans, nil
}

// SweepExpired returns the context ids of sessions past their idle or
// lifetime limit. A zero duration disables that limit.
func (ss *SessionStore) SweepExpired(maxIdle, maxLifetime time.Duration, now time.Time) ([]string, error) {
	var expired []string
	rows, err := ss.db.Query(`SELECT context_id, created_at, last_accessed_at FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var contextID string
		var createdMs, accessedMs int64
		if err := rows.Scan(&contextID, &createdMs, &accessedMs); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		created := time.UnixMilli(createdMs)
		accessed := time.UnixMilli(accessedMs)
		if maxIdle > 0 && now.Sub(accessed) > maxIdle {
			expired = append(expired, contextID)
			continue
		}
		if maxLifetime > 0 && now.Sub(created) > maxLifetime {
			expired = append(expired, contextID)
		}
	}
	return expired, rows.Err()
}

func (ss *SessionStore) queryOne(where string, args ...interface{}) (*SessionRecord, error) {
	recs, err := ss.queryAll(where+` LIMIT 1`, args...)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrSessionNotFound
	}
	return recs[0], nil
}

func (ss *SessionStore) queryAll(where string, args ...interface{}) ([]*SessionRecord, error) {
	rows, err := ss.db.Query(`
		SELECT session_id, agent_name, client_name, task_id, context_id,
			created_at, last_accessed_at, total_cost_usd, message_count, process_alive, last_pid
		FROM sessions `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []*SessionRecord
	for rows.Next() {
		var (
			rec        SessionRecord
			client     sql.NullString
			taskID     sql.NullString
			createdMs  int64
			accessedMs int64
			alive      int
			pid        sql.NullInt64
		)
		if err := rows.Scan(&rec.SessionID, &rec.AgentName, &client, &taskID, &rec.ContextID,
			&createdMs, &accessedMs, &rec.TotalCostUSD, &rec.MessageCount, &alive, &pid); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		rec.ClientName = client.String
		rec.TaskID = taskID.String
		rec.CreatedAt = time.UnixMilli(createdMs)
		rec.LastAccessedAt = time.UnixMilli(accessedMs)
		rec.ProcessAlive = alive != 0
		rec.LastPid = int(pid.Int64)
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}
