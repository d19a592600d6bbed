// Package session multiplexes conversations onto live worker processes.
// The pool is the exclusive owner of every running worker session.
package session

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/HyphaGroup/portcullis/internal/a2a"
	"github.com/HyphaGroup/portcullis/internal/config"
	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/store"
	"github.com/HyphaGroup/portcullis/internal/worker"
)

// ErrCapacity is returned when the pool is at max_concurrent and the
// request needs a new session.
var ErrCapacity = errors.New("session pool at capacity")

// restartNotice is stamped on in-flight tasks at graceful shutdown
const restartNotice = "server restarting, reconnect with the same context to retrieve results"

// Config snapshots the pool limits and worker spawn settings
type Config struct {
	Binary           string
	WorkDir          string
	MaxConcurrent    int
	RequestTimeout   time.Duration
	BufferLimitBytes int64
	// KillGrace overrides the SIGTERM→SIGKILL delay, zero for the default
	KillGrace time.Duration
	// OnSpawn runs after each worker spawn, before the first message
	OnSpawn func(contextID string, pid int)
}

// Pool binds context ids to worker sessions and enforces capacity
type Pool struct {
	cfg Config

	mu            sync.Mutex
	sessions      map[string]*worker.Session
	taskToContext map[string]string
}

// NewPool creates an empty session pool
func NewPool(cfg Config) *Pool {
	return &Pool{
		cfg:           cfg,
		sessions:      make(map[string]*worker.Session),
		taskToContext: make(map[string]string),
	}
}

// SendMessage routes one message to the conversation's worker, spawning a
// session if needed. content must be a string or a []worker.ContentBlock.
// resumeSessionID is a recovery hint passed to newly spawned workers.
func (p *Pool) SendMessage(agent config.AgentDefinition, content interface{}, contextID, taskID, resumeSessionID string) (*worker.Result, error) {
	s, err := p.acquire(agent, contextID, taskID, resumeSessionID)
	if err != nil {
		return nil, err
	}
	return s.SendMessage(content, p.cfg.RequestTimeout)
}

func (p *Pool) acquire(agent config.AgentDefinition, contextID, taskID, resumeSessionID string) (*worker.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[contextID]; ok {
		if s.State() != worker.StateDead {
			if taskID != "" {
				p.taskToContext[taskID] = contextID
			}
			return s, nil
		}
		delete(p.sessions, contextID)
	}

	if p.cfg.MaxConcurrent > 0 && len(p.sessions) >= p.cfg.MaxConcurrent {
		return nil, fmt.Errorf("%w (%d sessions live)", ErrCapacity, len(p.sessions))
	}

	s, err := worker.Spawn(agent, worker.Options{
		Binary:           p.cfg.Binary,
		WorkDir:          p.cfg.WorkDir,
		ResumeSessionID:  resumeSessionID,
		BufferLimitBytes: p.cfg.BufferLimitBytes,
		KillGrace:        p.cfg.KillGrace,
		OnDeath:          func() { p.forget(contextID) },
	})
	if err != nil {
		return nil, err
	}

	p.sessions[contextID] = s
	if taskID != "" {
		p.taskToContext[taskID] = contextID
	}
	if p.cfg.OnSpawn != nil {
		p.cfg.OnSpawn(contextID, s.Pid())
	}
	return s, nil
}

// forget removes a dead session. The check guards against removing a
// replacement spawned for the same context after the old worker died.
func (p *Pool) forget(contextID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[contextID]; ok && s.State() == worker.StateDead {
		delete(p.sessions, contextID)
	}
}

// Get returns the live session for a conversation, or nil
func (p *Pool) Get(contextID string) *worker.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[contextID]
}

// Count returns the number of live sessions
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// DestroySession terminates the worker for a conversation. Returns false
// when no session exists.
func (p *Pool) DestroySession(contextID string) bool {
	p.mu.Lock()
	s, ok := p.sessions[contextID]
	delete(p.sessions, contextID)
	p.mu.Unlock()

	if !ok {
		return false
	}
	s.Destroy()
	return true
}

// KillAll destroys every session and clears the indices
func (p *Pool) KillAll() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*worker.Session)
	p.taskToContext = make(map[string]string)
	p.mu.Unlock()

	for _, s := range sessions {
		s.Destroy()
	}
	if len(sessions) > 0 {
		logger.Info("Killed %d worker session(s)", len(sessions))
	}
}

// CancelByTaskID terminates the worker serving a task. When no live
// session exists it falls back to the recorded PID, which reaches orphans
// left by a previous server run. Returns true when something was killed.
func (p *Pool) CancelByTaskID(taskID string, sessions *store.SessionStore) bool {
	p.mu.Lock()
	contextID, ok := p.taskToContext[taskID]
	var live *worker.Session
	if ok {
		live = p.sessions[contextID]
		delete(p.sessions, contextID)
		delete(p.taskToContext, taskID)
	}
	p.mu.Unlock()

	if live != nil {
		live.Destroy()
		return true
	}

	rec, err := sessions.GetByTaskID(taskID)
	if err != nil {
		return false
	}
	if rec.LastPid == 0 {
		return false
	}
	return p.killOrphan(rec.LastPid)
}

// killOrphan terminates a process from a previous server run. Signal 0
// probes existence first; a dead PID must not be signaled, it may have
// been reused.
func (p *Pool) killOrphan(pid int) bool {
	if err := syscall.Kill(pid, 0); err != nil {
		return false
	}
	logger.Info("Terminating orphaned worker process %d", pid)
	_ = syscall.Kill(pid, syscall.SIGTERM)
	grace := p.cfg.KillGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	time.AfterFunc(grace, func() {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	})
	return true
}

// ReleaseAll implements the graceful-shutdown handoff: in-flight tasks
// get a restart notice (state stays working), every worker is released
// without being killed, and the pool empties. The orphaned workers keep
// running and persist their conversations.
func (p *Pool) ReleaseAll(tasks *store.TaskStore) {
	p.mu.Lock()
	sessions := p.sessions
	taskToContext := p.taskToContext
	p.sessions = make(map[string]*worker.Session)
	p.taskToContext = make(map[string]string)
	p.mu.Unlock()

	for taskID, contextID := range taskToContext {
		s, ok := sessions[contextID]
		if !ok || s.State() != worker.StateProcessing {
			continue
		}
		task, err := tasks.Load(taskID, nil)
		if err != nil {
			continue
		}
		task.Status.Message = &a2a.Message{
			Kind:      "message",
			MessageID: taskID + "-restart",
			Role:      "agent",
			Parts:     []a2a.Part{{Kind: "text", Text: restartNotice}},
		}
		task.Status.Timestamp = time.Now().UTC().Format(time.RFC3339)
		if err := tasks.Save(task, nil); err != nil {
			logger.Error("Failed to stamp restart notice on task %s: %v", taskID, err)
		}
	}

	for _, s := range sessions {
		s.Release()
	}
	if len(sessions) > 0 {
		logger.Info("Released %d worker session(s) for restart", len(sessions))
	}
}
