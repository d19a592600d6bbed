package worker

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/HyphaGroup/portcullis/internal/config"
)

func TestBuildArgs_FullAgentDefinition(t *testing.T) {
	agent := config.AgentDefinition{
		Name:               "reviewer",
		Model:              "test-model",
		SettingsFile:       "/etc/reviewer.json",
		PermissionMode:     "plan",
		AllowedTools:       []string{"Read", "Grep"},
		SystemPromptSuffix: "Be brief.",
		MaxCostUSD:         2.5,
	}

	args := buildArgs(agent, "prior-session")
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"--input-format stream-json",
		"--output-format stream-json",
		"--verbose",
		"--model test-model",
		"--settings /etc/reviewer.json",
		"--permission-mode plan",
		"--allowedTools Read,Grep",
		"--append-system-prompt Be brief.",
		"--max-cost 2.50",
		"--resume prior-session",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %v", want, args)
		}
	}
}

func TestBuildArgs_MinimalAgentOmitsFlags(t *testing.T) {
	args := buildArgs(config.AgentDefinition{Name: "plain"}, "")
	joined := strings.Join(args, " ")

	for _, banned := range []string{"--model", "--settings", "--permission-mode",
		"--allowedTools", "--append-system-prompt", "--max-cost", "--resume"} {
		if strings.Contains(joined, banned) {
			t.Errorf("args contain %q for minimal agent: %v", banned, args)
		}
	}
	if !strings.Contains(joined, "--input-format stream-json") {
		t.Errorf("protocol flags missing: %v", args)
	}
}

func TestBuildEnv_StripsNestedInvocationGuards(t *testing.T) {
	t.Setenv("CLAUDECODE", "1")
	t.Setenv("CLAUDE_CODE_ENTRYPOINT", "cli")
	t.Setenv("PORTCULLIS_TEST_KEEPER", "yes")

	env := buildEnv()
	for _, kv := range env {
		if strings.HasPrefix(kv, "CLAUDECODE=") || strings.HasPrefix(kv, "CLAUDE_CODE_ENTRYPOINT=") {
			t.Errorf("guard variable survived: %s", kv)
		}
	}

	found := false
	for _, kv := range env {
		if kv == "PORTCULLIS_TEST_KEEPER=yes" {
			found = true
		}
	}
	if !found {
		t.Error("unrelated variable was stripped")
	}
}

func TestEncodeUserFrame_PlainText(t *testing.T) {
	frame, err := encodeUserFrame("hello there")
	if err != nil {
		t.Fatalf("encodeUserFrame() failed: %v", err)
	}
	if frame[len(frame)-1] != '\n' {
		t.Error("frame missing trailing newline")
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	if decoded["type"] != "user" {
		t.Errorf("type = %v, want user", decoded["type"])
	}
	msg := decoded["message"].(map[string]interface{})
	if msg["role"] != "user" || msg["content"] != "hello there" {
		t.Errorf("message = %v", msg)
	}
}

func TestEncodeUserFrame_ContentBlocks(t *testing.T) {
	blocks := []ContentBlock{
		TextBlock("look at this"),
		ImageBlock("image/png", "aGVsbG8="),
		DocumentBlock("notes.pdf", "application/pdf", "ZG9j"),
	}
	frame, err := encodeUserFrame(blocks)
	if err != nil {
		t.Fatalf("encodeUserFrame() failed: %v", err)
	}

	var decoded struct {
		Message struct {
			Content []ContentBlock `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	got := decoded.Message.Content
	if len(got) != 3 {
		t.Fatalf("content has %d blocks, want 3", len(got))
	}
	if got[0].Type != "text" || got[0].Text != "look at this" {
		t.Errorf("text block = %+v", got[0])
	}
	if got[1].Type != "image" || got[1].Source == nil || got[1].Source.MediaType != "image/png" {
		t.Errorf("image block = %+v", got[1])
	}
	if got[2].Type != "document" || got[2].Title != "notes.pdf" {
		t.Errorf("document block = %+v", got[2])
	}
}
