package worker

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/HyphaGroup/portcullis/internal/config"
	"github.com/HyphaGroup/portcullis/internal/logger"
)

// Session lifecycle errors
var (
	ErrBusy     = errors.New("session is processing another message")
	ErrDead     = errors.New("session is dead")
	ErrReleased = errors.New("session released")
	ErrTimeout  = errors.New("request timed out")
)

// State of a worker session
type State int

const (
	StateInitializing State = iota
	StateIdle
	StateProcessing
	StateDead
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	default:
		return "dead"
	}
}

// stderrTailSize bounds how much recent stderr we keep for error reports
const stderrTailSize = 4096

// defaultKillGrace is how long destroy waits between SIGTERM and SIGKILL
const defaultKillGrace = 5 * time.Second

// Options configures session spawn behavior
type Options struct {
	// Binary is the worker CLI executable
	Binary string
	// WorkDir is the process working directory
	WorkDir string
	// ResumeSessionID asks the worker to continue a prior conversation
	ResumeSessionID string
	// BufferLimitBytes caps one stdout line; overflow destroys the session
	BufferLimitBytes int64
	// KillGrace overrides the SIGTERM→SIGKILL escalation delay
	KillGrace time.Duration
	// OnDeath runs once when the process closes unexpectedly
	OnDeath func()
}

type pendingCall struct {
	ch chan callOutcome
}

type callOutcome struct {
	result *Result
	err    error
}

// Session wraps one worker CLI child process. All exported methods are
// safe for concurrent use; the NDJSON read loop runs on its own goroutine.
type Session struct {
	agentName string

	mu        sync.Mutex
	state     State
	sessionID string
	model     string
	pending   *pendingCall
	// resultsOwed counts frames written whose caller timed out; the
	// worker's eventual replies to them are discarded, never delivered
	// to a later request.
	resultsOwed int
	released    bool
	onDeath     func()
	deathOnce   sync.Once

	cmd       *exec.Cmd
	stdin     io.WriteCloser
	killGrace time.Duration

	stderrMu   sync.Mutex
	stderrTail []byte
}

// Spawn starts a worker process for the given agent definition. The
// returned session is in the initializing state; the worker emits its init
// line only after the first stdin write, so callers may send immediately.
func Spawn(agent config.AgentDefinition, opts Options) (*Session, error) {
	workDir := agent.WorkDir
	if workDir == "" {
		workDir = opts.WorkDir
	}

	cmd := exec.Command(opts.Binary, buildArgs(agent, opts.ResumeSessionID)...)
	cmd.Dir = workDir
	cmd.Env = buildEnv()
	// Own process group so destroy can signal the worker and anything it
	// spawned, and so the worker survives our exit on release.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn worker %s: %w", opts.Binary, err)
	}

	killGrace := opts.KillGrace
	if killGrace <= 0 {
		killGrace = defaultKillGrace
	}

	s := &Session{
		agentName: agent.Name,
		state:     StateInitializing,
		onDeath:   opts.OnDeath,
		cmd:       cmd,
		stdin:     stdin,
		killGrace: killGrace,
	}

	bufferLimit := opts.BufferLimitBytes
	if bufferLimit <= 0 {
		bufferLimit = 10 * 1024 * 1024
	}

	go s.readLoop(stdout, int(bufferLimit))
	go s.drainStderr(stderr)

	logger.Info("Spawned worker for agent %s (pid %d)", agent.Name, cmd.Process.Pid)
	return s, nil
}

// Pid returns the worker process id
func (s *Session) Pid() int {
	return s.cmd.Process.Pid
}

// State returns the current session state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the worker-assigned session identifier, empty until
// the init line has arrived.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Model returns the model the worker reported at init
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// StderrTail returns the most recent stderr output, for error reports
func (s *Session) StderrTail() string {
	s.stderrMu.Lock()
	defer s.stderrMu.Unlock()
	return string(s.stderrTail)
}

// SendMessage writes one user message and waits for the worker's result
// line. content must be a string or a []ContentBlock. On timeout the
// session returns to idle without killing the process; a late result is
// consumed silently so the worker stays usable.
func (s *Session) SendMessage(content interface{}, timeout time.Duration) (*Result, error) {
	frame, err := encodeUserFrame(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	s.mu.Lock()
	switch s.state {
	case StateDead:
		s.mu.Unlock()
		return nil, ErrDead
	case StateProcessing:
		s.mu.Unlock()
		return nil, ErrBusy
	}
	// A send issued during initializing holds the pending slot before
	// the state reaches processing; it must not be clobbered.
	if s.pending != nil {
		s.mu.Unlock()
		return nil, ErrBusy
	}

	pending := &pendingCall{ch: make(chan callOutcome, 1)}
	s.pending = pending
	// During initializing we stay put: the init line this write triggers
	// moves us to processing.
	if s.state == StateIdle {
		s.state = StateProcessing
	}
	stdin := s.stdin
	s.mu.Unlock()

	if _, err := stdin.Write(frame); err != nil {
		s.mu.Lock()
		if s.pending == pending {
			s.pending = nil
		}
		s.mu.Unlock()
		s.Destroy()
		return nil, fmt.Errorf("failed to write to worker: %w", err)
	}

	timer := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		if s.pending != pending {
			s.mu.Unlock()
			return
		}
		s.pending = nil
		// The frame was written, so the worker still owes a reply for
		// it; that reply belongs to nobody.
		s.resultsOwed++
		if s.state == StateProcessing {
			s.state = StateIdle
		}
		s.mu.Unlock()
		pending.ch <- callOutcome{err: ErrTimeout}
	})
	defer timer.Stop()

	outcome := <-pending.ch
	return outcome.result, outcome.err
}

// Destroy kills the worker: SIGTERM to the process group, SIGKILL after
// the grace period. Pending calls fail. Idempotent.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.state == StateDead {
		s.mu.Unlock()
		return
	}
	s.state = StateDead
	pending := s.pending
	s.pending = nil
	pid := s.cmd.Process.Pid
	s.mu.Unlock()

	if pending != nil {
		pending.ch <- callOutcome{err: ErrDead}
	}

	_ = s.stdin.Close()
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	time.AfterFunc(s.killGrace, func() {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	})

	logger.Info("Destroyed worker for agent %s (pid %d)", s.agentName, pid)
}

// Release abandons the worker without killing it: pending calls fail with
// ErrReleased, stdin closes so the worker sees EOF, and the process keeps
// running as an orphan to persist its conversation. Idempotent.
func (s *Session) Release() {
	s.mu.Lock()
	if s.state == StateDead {
		s.mu.Unlock()
		return
	}
	s.state = StateDead
	s.released = true
	s.onDeath = nil
	pending := s.pending
	s.pending = nil
	pid := s.cmd.Process.Pid
	s.mu.Unlock()

	if pending != nil {
		pending.ch <- callOutcome{err: ErrReleased}
	}

	_ = s.stdin.Close()
	_ = s.cmd.Process.Release()

	logger.Info("Released worker for agent %s (pid %d), leaving it running", s.agentName, pid)
}

func (s *Session) readLoop(stdout io.Reader, bufferLimit int) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), bufferLimit)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event StreamEvent
		if err := json.Unmarshal(line, &event); err != nil {
			logger.Error("Discarding unparseable worker line (%d bytes): %v", len(line), err)
			continue
		}
		s.dispatch(&event)
	}

	if err := scanner.Err(); err != nil {
		s.mu.Lock()
		released := s.released
		dead := s.state == StateDead
		s.mu.Unlock()
		if !released && !dead {
			if errors.Is(err, bufio.ErrTooLong) {
				logger.Error("Worker for agent %s exceeded the %d byte line limit, destroying", s.agentName, bufferLimit)
			} else {
				logger.Error("Worker stdout read failed for agent %s: %v", s.agentName, err)
			}
			s.Destroy()
		}
	}
	s.handleProcessClosed()
}

// dispatch handles one parsed NDJSON event
func (s *Session) dispatch(event *StreamEvent) {
	switch {
	case event.Type == "system" && event.Subtype == "init":
		s.handleInit(event)
	case event.Type == "result":
		s.handleResult(event)
	}
	// assistant, user, rate_limit_event, stream_event: ignored
}

func (s *Session) handleInit(event *StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDead {
		return
	}
	s.sessionID = event.SessionID
	s.model = event.Model
	if s.state == StateInitializing {
		// A send issued before init is now in flight
		if s.pending != nil {
			s.state = StateProcessing
		} else {
			s.state = StateIdle
		}
	}
}

func (s *Session) handleResult(event *StreamEvent) {
	s.mu.Lock()
	if s.state == StateDead {
		s.mu.Unlock()
		return
	}
	if event.SessionID != "" {
		s.sessionID = event.SessionID
	}
	// Replies owed to timed-out requests are consumed here, before the
	// pending slot is considered; a later request must never receive a
	// stale answer.
	if s.resultsOwed > 0 {
		s.resultsOwed--
		s.mu.Unlock()
		logger.Info("Consumed late result from agent %s worker", s.agentName)
		return
	}
	pending := s.pending
	s.pending = nil
	if s.state == StateProcessing {
		s.state = StateIdle
	}
	s.mu.Unlock()

	if pending == nil {
		logger.Info("Discarding unsolicited result from agent %s worker", s.agentName)
		return
	}

	result := &Result{
		Text:              event.Result,
		SessionID:         event.SessionID,
		IsError:           event.IsError,
		DurationMS:        event.DurationMS,
		DurationAPIMS:     event.DurationAPIMS,
		NumTurns:          event.NumTurns,
		TotalCostUSD:      event.TotalCostUSD,
		PermissionDenials: event.PermissionDenials,
	}
	if event.Usage != nil {
		result.Usage = *event.Usage
	}
	pending.ch <- callOutcome{result: result}
}

// handleProcessClosed runs when stdout closes. For released sessions the
// orphan is still alive and there is nothing to do.
func (s *Session) handleProcessClosed() {
	s.mu.Lock()
	released := s.released
	wasDead := s.state == StateDead
	s.state = StateDead
	pending := s.pending
	s.pending = nil
	onDeath := s.onDeath
	s.mu.Unlock()

	if released {
		return
	}
	if pending != nil {
		pending.ch <- callOutcome{err: ErrDead}
	}
	_ = s.cmd.Wait()
	if !wasDead {
		logger.Info("Worker process for agent %s exited", s.agentName)
	}
	if onDeath != nil {
		s.deathOnce.Do(onDeath)
	}
}

func (s *Session) drainStderr(stderr io.Reader) {
	buf := make([]byte, 2048)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			s.stderrMu.Lock()
			s.stderrTail = append(s.stderrTail, buf[:n]...)
			if len(s.stderrTail) > stderrTailSize {
				s.stderrTail = s.stderrTail[len(s.stderrTail)-stderrTailSize:]
			}
			s.stderrMu.Unlock()
		}
		if err != nil {
			return
		}
	}
}
