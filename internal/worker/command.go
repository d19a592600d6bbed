package worker

import (
	"fmt"
	"os"
	"strings"

	"github.com/HyphaGroup/portcullis/internal/config"
)

// Environment variables the worker CLI uses to detect nested invocation.
// Left set, the child refuses to start inside another agent run.
var strippedEnv = []string{"CLAUDECODE", "CLAUDE_CODE_ENTRYPOINT"}

// buildArgs derives the worker CLI argument list from an agent definition.
// A non-empty resumeSessionID asks the worker to continue a prior
// conversation instead of starting fresh.
func buildArgs(agent config.AgentDefinition, resumeSessionID string) []string {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if agent.Model != "" {
		args = append(args, "--model", agent.Model)
	}
	if agent.SettingsFile != "" {
		args = append(args, "--settings", agent.SettingsFile)
	}
	if agent.PermissionMode != "" {
		args = append(args, "--permission-mode", agent.PermissionMode)
	}
	if len(agent.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(agent.AllowedTools, ","))
	}
	if agent.SystemPromptSuffix != "" {
		args = append(args, "--append-system-prompt", agent.SystemPromptSuffix)
	}
	if agent.MaxCostUSD > 0 {
		args = append(args, "--max-cost", fmt.Sprintf("%.2f", agent.MaxCostUSD))
	}
	if resumeSessionID != "" {
		args = append(args, "--resume", resumeSessionID)
	}
	return args
}

// buildEnv returns the parent environment minus the nested-invocation
// guards.
func buildEnv() []string {
	env := os.Environ()
	out := env[:0]
	for _, kv := range env {
		if isStripped(kv) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func isStripped(kv string) bool {
	for _, name := range strippedEnv {
		if strings.HasPrefix(kv, name+"=") {
			return true
		}
	}
	return false
}
