// Package orchestrator runs the request pipeline between the protocol
// surface and the worker pool: content conversion, agent resolution,
// scope and budget checks, dispatch, and bookkeeping.
package orchestrator

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/portcullis/internal/a2a"
	"github.com/HyphaGroup/portcullis/internal/auth"
	"github.com/HyphaGroup/portcullis/internal/config"
	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/metrics"
	"github.com/HyphaGroup/portcullis/internal/session"
	"github.com/HyphaGroup/portcullis/internal/store"
	"github.com/HyphaGroup/portcullis/internal/worker"
)

// Orchestrator implements a2a.Service over the session pool and stores
type Orchestrator struct {
	cfg      *config.Config
	pool     *session.Pool
	sessions *store.SessionStore
	tasks    *store.TaskStore
	budget   *store.BudgetTracker

	// pidAlive is swappable for tests; defaults to a signal-0 probe
	pidAlive func(pid int) bool
}

// New creates the orchestrator
func New(cfg *config.Config, pool *session.Pool, sessions *store.SessionStore, tasks *store.TaskStore, budget *store.BudgetTracker) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		pool:     pool,
		sessions: sessions,
		tasks:    tasks,
		budget:   budget,
		pidAlive: func(pid int) bool { return syscall.Kill(pid, 0) == nil },
	}
}

// SendMessage handles one user message end to end
func (o *Orchestrator) SendMessage(ctx context.Context, params *a2a.MessageSendParams) (*a2a.Task, error) {
	caller := auth.FromContext(ctx)

	content, err := a2a.ConvertParts(params.Message.Parts)
	if err != nil {
		return nil, err
	}

	contextID := params.Message.ContextID
	if contextID == "" {
		contextID = uuid.NewString()
	}
	taskID := params.Message.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}

	agent, err := o.resolveAgent(params.Message.Metadata, caller)
	if err != nil {
		return o.errorTask(taskID, contextID, agentNameFrom(params.Message.Metadata), err, nil, caller)
	}

	if err := o.budget.Check(clientName(caller), budgetOverride(caller), time.Now()); err != nil {
		return o.errorTask(taskID, contextID, agent.Name, err, nil, caller)
	}

	rec, recErr := o.sessions.GetByContextID(contextID)
	haveRecord := recErr == nil

	// A context is permanently bound to the agent that created it
	if haveRecord && rec.AgentName != agent.Name {
		return o.errorTask(taskID, contextID, agent.Name, ErrAgentMismatch, nil, caller)
	}

	// A worker from a previous server run may still hold this
	// conversation; do not spawn a competitor.
	if haveRecord && !rec.ProcessAlive && rec.LastPid > 0 && o.pool.Get(contextID) == nil {
		if o.pidAlive(rec.LastPid) {
			return o.errorTask(taskID, contextID, agent.Name, nil, map[string]interface{}{
				"error_type": "orphan_still_running",
				"orphan_pid": rec.LastPid,
			}, caller)
		}
	}

	if haveRecord {
		// Keep the idle sweep away while the exchange runs
		if err := o.sessions.Touch(contextID, time.Now()); err != nil {
			logger.Error("Failed to touch session %s: %v", contextID, err)
		}
	} else {
		// The row must exist before the worker spawns so the pid lands
		// on it even when the first exchange fails. The placeholder
		// session id is rotated to the worker's on the first result.
		now := time.Now()
		rec = &store.SessionRecord{
			SessionID:      uuid.NewString(),
			AgentName:      agent.Name,
			ClientName:     clientName(caller),
			ContextID:      contextID,
			TaskID:         taskID,
			CreatedAt:      now,
			LastAccessedAt: now,
		}
		if err := o.sessions.Create(rec); err != nil {
			return nil, err
		}
	}

	// Only a session id the worker actually issued can be resumed
	resumeHint := ""
	if rec.MessageCount > 0 && o.pool.Get(contextID) == nil {
		resumeHint = rec.SessionID
	}

	task := &a2a.Task{
		ID:        taskID,
		Kind:      "task",
		ContextID: contextID,
		Status:    a2a.TaskStatus{State: a2a.TaskStateWorking, Timestamp: rfc3339Now()},
		History:   []a2a.Message{params.Message},
	}
	if err := o.tasks.Save(task, caller); err != nil {
		return nil, err
	}

	started := time.Now()
	result, err := o.pool.SendMessage(agent, content, contextID, taskID, resumeHint)
	if err != nil {
		logger.Error("Dispatch failed for agent %s context %s: %v", agent.Name, contextID, err)
		if s := o.pool.Get(contextID); s != nil && s.StderrTail() != "" {
			logger.Error("Worker stderr tail: %s", truncateTail(s.StderrTail()))
		}
		metrics.RecordMessage(agent.Name, "error", time.Since(started).Seconds())
		return o.errorTask(taskID, contextID, agent.Name, err, nil, caller)
	}

	if err := o.recordExchange(rec, caller, contextID, taskID, result); err != nil {
		logger.Error("Failed to record exchange for context %s: %v", contextID, err)
	}
	metrics.RecordMessage(agent.Name, "ok", time.Since(started).Seconds())
	metrics.RecordSpend(clientName(caller), result.TotalCostUSD)
	metrics.SetWorkersRunning(float64(o.pool.Count()))

	reply := o.buildReply(agent, contextID, taskID, result)
	task.Status = a2a.TaskStatus{State: a2a.TaskStateCompleted, Timestamp: rfc3339Now(), Message: reply}
	if result.IsError {
		task.Status.State = a2a.TaskStateFailed
	}
	task.History = append(task.History, *reply)
	if err := o.tasks.Save(task, caller); err != nil {
		return nil, err
	}
	return task, nil
}

// GetTask returns a task visible to the caller
func (o *Orchestrator) GetTask(ctx context.Context, id string) (*a2a.Task, error) {
	task, err := o.tasks.Load(id, auth.FromContext(ctx))
	if err == store.ErrTaskNotFound {
		return nil, a2a.ErrTaskNotFound
	}
	return task, err
}

// CancelTask stops the worker serving a task and marks the task canceled
func (o *Orchestrator) CancelTask(ctx context.Context, id string) (*a2a.Task, error) {
	caller := auth.FromContext(ctx)
	task, err := o.tasks.Load(id, caller)
	if err == store.ErrTaskNotFound {
		return nil, a2a.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}

	if !o.pool.CancelByTaskID(id, o.sessions) {
		return nil, a2a.ErrNotCancelable
	}
	if rec, err := o.sessions.GetByTaskID(id); err == nil {
		_ = o.sessions.Delete(rec.ContextID)
	}
	metrics.RecordEviction("cancel")

	task.Status = a2a.TaskStatus{State: a2a.TaskStateCanceled, Timestamp: rfc3339Now()}
	if err := o.tasks.Save(task, caller); err != nil {
		return nil, err
	}
	return task, nil
}

// resolveAgent picks the agent from message metadata, defaulting to the
// first enabled one, and applies scope and model restrictions.
func (o *Orchestrator) resolveAgent(metadata map[string]interface{}, caller *auth.Context) (config.AgentDefinition, error) {
	name := agentNameFrom(metadata)
	var agent config.AgentDefinition
	if name == "" {
		enabled := o.cfg.EnabledAgents()
		if len(enabled) == 0 {
			return agent, ErrAgentNotFound
		}
		agent = enabled[0]
	} else {
		var ok bool
		agent, ok = o.cfg.Agent(name)
		if !ok {
			return agent, ErrAgentNotFound
		}
		if !agent.Enabled {
			return agent, ErrAgentDisabled
		}
	}

	if len(agent.RequiredScopes) > 0 && !callerHasScope(caller, agent.RequiredScopes) {
		return agent, ErrScopeDenied
	}
	if caller != nil && len(caller.AllowedModels) > 0 && agent.Model != "" {
		if !contains(caller.AllowedModels, agent.Model) {
			return agent, ErrModelDenied
		}
	}
	return agent, nil
}

// recordExchange updates the session row after a successful dispatch.
// The row always exists by now; SendMessage created it before spawning.
func (o *Orchestrator) recordExchange(rec *store.SessionRecord, caller *auth.Context, contextID, taskID string, result *worker.Result) error {
	now := time.Now()

	sessionID := result.SessionID
	if sessionID == "" {
		sessionID = rec.SessionID
	}
	if err := o.sessions.UpdateUsage(contextID, sessionID, result.TotalCostUSD, now); err != nil {
		return err
	}
	if err := o.sessions.BindTask(contextID, taskID); err != nil {
		return err
	}
	if live := o.pool.Get(contextID); live != nil {
		if err := o.sessions.SavePid(contextID, live.Pid()); err != nil {
			return err
		}
	}

	return o.budget.RecordCost(clientName(caller), result.TotalCostUSD, now)
}

// buildReply renders the worker result as an A2A agent message with the
// metadata envelope clients rely on.
func (o *Orchestrator) buildReply(agent config.AgentDefinition, contextID, taskID string, result *worker.Result) *a2a.Message {
	model := agent.Model
	if live := o.pool.Get(contextID); live != nil && live.Model() != "" {
		model = live.Model()
	}

	envelope := map[string]interface{}{
		"agent":           agent.Name,
		"session_id":      result.SessionID,
		"cost_usd":        result.TotalCostUSD,
		"duration_ms":     result.DurationMS,
		"duration_api_ms": result.DurationAPIMS,
		"model_used":      model,
		"num_turns":       result.NumTurns,
		"usage": map[string]interface{}{
			"input_tokens":                result.Usage.InputTokens,
			"output_tokens":               result.Usage.OutputTokens,
			"cache_creation_input_tokens": result.Usage.CacheCreationInputTokens,
			"cache_read_input_tokens":     result.Usage.CacheReadInputTokens,
		},
		"context": contextID,
	}
	metadata := map[string]interface{}{"claude": envelope}
	if len(result.PermissionDenials) > 0 {
		envelope["permission_denials"] = result.PermissionDenials
		metadata["error_type"] = "permission_denied"
	}
	if result.IsError {
		metadata["error_type"] = "worker_error"
	}

	return &a2a.Message{
		Kind:      "message",
		MessageID: uuid.NewString(),
		Role:      "agent",
		Parts:     []a2a.Part{{Kind: "text", Text: result.Text}},
		ContextID: contextID,
		TaskID:    taskID,
		Metadata:  metadata,
	}
}

// errorTask renders a rejection as a readable task reply. extraMetadata
// overrides the default error envelope (orphan replies carry the pid).
func (o *Orchestrator) errorTask(taskID, contextID, agentName string, cause error, extraMetadata map[string]interface{}, caller *auth.Context) (*a2a.Task, error) {
	state := a2a.TaskStateFailed
	var text string
	metadata := extraMetadata

	if metadata == nil {
		reply := describeError(cause, agentName, o.cfg.RequestTimeout())
		text = reply.text
		metadata = map[string]interface{}{"error_type": reply.errorType}
		if !reply.terminal {
			state = a2a.TaskStateWorking
		}
	} else {
		pid := metadata["orphan_pid"]
		text = fmt.Sprintf("A worker from a previous server run (pid %v) still holds this conversation. Cancel the task or wait for it to finish.", pid)
	}

	task := &a2a.Task{
		ID:        taskID,
		Kind:      "task",
		ContextID: contextID,
		Status: a2a.TaskStatus{
			State:     state,
			Timestamp: rfc3339Now(),
			Message: &a2a.Message{
				Kind:      "message",
				MessageID: uuid.NewString(),
				Role:      "agent",
				Parts:     []a2a.Part{{Kind: "text", Text: text}},
				ContextID: contextID,
				TaskID:    taskID,
				Metadata:  metadata,
			},
		},
	}
	if err := o.tasks.Save(task, caller); err != nil {
		logger.Error("Failed to persist rejection for task %s: %v", taskID, err)
	}
	return task, nil
}

func agentNameFrom(metadata map[string]interface{}) string {
	if metadata == nil {
		return ""
	}
	name, _ := metadata["agent"].(string)
	return name
}

func callerHasScope(caller *auth.Context, required []string) bool {
	if caller == nil {
		return false
	}
	if caller.IsMaster() || caller.Kind == auth.KindAnonymous {
		return true
	}
	for _, scope := range caller.Scopes {
		if scope == auth.ScopeWildcard {
			return true
		}
		if contains(required, scope) {
			return true
		}
	}
	return false
}

func clientName(caller *auth.Context) string {
	if caller == nil || caller.ClientName == "" {
		return "anonymous"
	}
	return caller.ClientName
}

func budgetOverride(caller *auth.Context) *float64 {
	if caller == nil {
		return nil
	}
	return caller.BudgetDailyUSD
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func rfc3339Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
