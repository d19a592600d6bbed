// Package worker wraps the long-lived agent CLI child process and the
// NDJSON request/response protocol it speaks on stdin/stdout.
package worker

import "encoding/json"

// StreamEvent is one NDJSON line from the worker's stdout. The schema is
// parse-permissive: unknown fields and unknown types are ignored.
type StreamEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// result fields
	Result            string             `json:"result,omitempty"`
	IsError           bool               `json:"is_error,omitempty"`
	DurationMS        int64              `json:"duration_ms,omitempty"`
	DurationAPIMS     int64              `json:"duration_api_ms,omitempty"`
	NumTurns          int                `json:"num_turns,omitempty"`
	TotalCostUSD      float64            `json:"total_cost_usd,omitempty"`
	Usage             *Usage             `json:"usage,omitempty"`
	PermissionDenials []PermissionDenial `json:"permission_denials,omitempty"`
}

// Usage is the worker's token accounting for one exchange
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

// PermissionDenial records one tool call the worker refused
type PermissionDenial struct {
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_use_input,omitempty"`
}

// Result is the complete outcome of one request/response exchange
type Result struct {
	Text              string
	SessionID         string
	IsError           bool
	DurationMS        int64
	DurationAPIMS     int64
	NumTurns          int
	TotalCostUSD      float64
	Usage             Usage
	PermissionDenials []PermissionDenial
}

// ContentBlock is one element of a structured user message. Text blocks
// carry Text; image and document blocks carry a base64 Source.
type ContentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *BlockSource `json:"source,omitempty"`
	Title  string       `json:"title,omitempty"`
}

// BlockSource is inline base64 content with its MIME type
type BlockSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// TextBlock builds a text content block
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// ImageBlock builds an inline base64 image block
func ImageBlock(mediaType, data string) ContentBlock {
	return ContentBlock{Type: "image", Source: &BlockSource{Type: "base64", MediaType: mediaType, Data: data}}
}

// DocumentBlock builds an inline base64 document block
func DocumentBlock(title, mediaType, data string) ContentBlock {
	return ContentBlock{Type: "document", Title: title, Source: &BlockSource{Type: "base64", MediaType: mediaType, Data: data}}
}

type userMessage struct {
	Role string `json:"role"`
	// string for plain text, []ContentBlock for structured content
	Content interface{} `json:"content"`
}

type inputFrame struct {
	Type    string      `json:"type"`
	Message userMessage `json:"message"`
}

// encodeUserFrame serializes a user message as one NDJSON input line.
// content must be a string or a []ContentBlock.
func encodeUserFrame(content interface{}) ([]byte, error) {
	frame := inputFrame{Type: "user", Message: userMessage{Role: "user", Content: content}}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
