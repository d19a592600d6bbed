package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/HyphaGroup/portcullis/internal/session"
	"github.com/HyphaGroup/portcullis/internal/store"
	"github.com/HyphaGroup/portcullis/internal/worker"
)

// Request rejection errors. These are normal protocol outcomes and are
// surfaced to the caller as readable replies, never as stack traces.
var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrAgentDisabled = errors.New("agent disabled")
	ErrAgentMismatch = errors.New("context bound to a different agent")
	ErrScopeDenied   = errors.New("scope denied")
	ErrModelDenied   = errors.New("model not allowed for this token")
)

// stderrTailLimit bounds how much worker stderr goes to the log
const stderrTailLimit = 500

// errorReply is the user-visible rendering of a failed dispatch
type errorReply struct {
	// text shown to the caller
	text string
	// errorType tags the reply metadata
	errorType string
	// terminal marks the task failed; otherwise it stays working
	terminal bool
}

// describeError maps an error to its reply. timeout holds the configured
// per-message timeout for the timeout message.
func describeError(err error, agentName string, timeout time.Duration) errorReply {
	switch {
	case errors.Is(err, ErrAgentNotFound):
		return errorReply{text: fmt.Sprintf("Agent %q is not configured on this server.", agentName), errorType: "agent_not_found", terminal: true}
	case errors.Is(err, ErrAgentDisabled):
		return errorReply{text: fmt.Sprintf("Agent %q is disabled.", agentName), errorType: "agent_disabled", terminal: true}
	case errors.Is(err, ErrAgentMismatch):
		return errorReply{text: "This conversation belongs to a different agent. Start a new context to talk to this one.", errorType: "agent_mismatch", terminal: true}
	case errors.Is(err, ErrScopeDenied):
		return errorReply{text: "Your credential does not grant access to this agent.", errorType: "scope_denied", terminal: true}
	case errors.Is(err, ErrModelDenied):
		return errorReply{text: "Your credential does not allow this agent's model.", errorType: "model_denied", terminal: true}
	case errors.Is(err, store.ErrBudgetExhausted):
		return errorReply{text: err.Error(), errorType: "budget_exhausted", terminal: true}
	case errors.Is(err, session.ErrCapacity):
		return errorReply{text: "The server is at capacity. Try again shortly.", errorType: "capacity", terminal: true}
	case errors.Is(err, worker.ErrBusy):
		return errorReply{text: "This session is processing another message, please wait.", errorType: "session_busy"}
	case errors.Is(err, worker.ErrTimeout):
		return errorReply{text: fmt.Sprintf("The request timed out after %ds. The worker is still processing; retry with the same context to pick up the result.", int(timeout.Seconds())), errorType: "timeout"}
	case errors.Is(err, worker.ErrReleased):
		return errorReply{text: "The worker was released during a server restart. Retry with the same context.", errorType: "session_released", terminal: true}
	case errors.Is(err, worker.ErrDead):
		return errorReply{text: "The worker process failed. A new one will be started on your next message.", errorType: "worker_failed", terminal: true}
	default:
		return errorReply{text: "The worker failed to process your message.", errorType: "worker_failed", terminal: true}
	}
}

// truncateTail clips worker stderr for log lines
func truncateTail(tail string) string {
	if len(tail) > stderrTailLimit {
		return tail[len(tail)-stderrTailLimit:]
	}
	return tail
}
