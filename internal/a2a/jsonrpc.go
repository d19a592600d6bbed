package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/HyphaGroup/portcullis/internal/logger"
)

// JSON-RPC error codes. The -32001/-32002 codes follow the A2A error
// numbering for task operations.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeTaskNotFound   = -32001
	CodeNotCancelable  = -32002
)

// ErrTaskNotFound is surfaced for missing tasks and for tasks the caller
// does not own; the two are indistinguishable on the wire.
var ErrTaskNotFound = errors.New("task not found")

// ErrNotCancelable is returned when a cancel target has no worker to stop
var ErrNotCancelable = errors.New("task cannot be canceled")

// Service is the application behind the protocol surface. The
// orchestrator implements it.
type Service interface {
	// SendMessage handles one user message and returns the resulting task
	SendMessage(ctx context.Context, params *MessageSendParams) (*Task, error)
	// GetTask returns a task visible to the caller
	GetTask(ctx context.Context, id string) (*Task, error)
	// CancelTask stops the worker serving a task
	CancelTask(ctx context.Context, id string) (*Task, error)
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// JSONRPCHandler serves POST /a2a/jsonrpc
func JSONRPCHandler(svc Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: CodeParseError, Message: "failed to read request body"}})
			return
		}

		var req rpcRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: CodeParseError, Message: "invalid JSON"}})
			return
		}
		if req.JSONRPC != "2.0" || req.Method == "" {
			writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: CodeInvalidRequest, Message: "not a JSON-RPC 2.0 request"}})
			return
		}

		result, rpcErr := dispatch(r.Context(), svc, req.Method, req.Params)
		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr}
		writeRPC(w, resp)
	})
}

func dispatch(ctx context.Context, svc Service, method string, params json.RawMessage) (interface{}, *rpcError) {
	switch method {
	case "message/send":
		var p MessageSendParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &rpcError{Code: CodeInvalidParams, Message: "invalid message/send params"}
		}
		task, err := svc.SendMessage(ctx, &p)
		if err != nil {
			return nil, mapError(err)
		}
		return task, nil

	case "tasks/get":
		id, rpcErr := taskID(params)
		if rpcErr != nil {
			return nil, rpcErr
		}
		task, err := svc.GetTask(ctx, id)
		if err != nil {
			return nil, mapError(err)
		}
		return task, nil

	case "tasks/cancel":
		id, rpcErr := taskID(params)
		if rpcErr != nil {
			return nil, rpcErr
		}
		task, err := svc.CancelTask(ctx, id)
		if err != nil {
			return nil, mapError(err)
		}
		return task, nil

	default:
		return nil, &rpcError{Code: CodeMethodNotFound, Message: "method not found: " + method}
	}
}

func taskID(params json.RawMessage) (string, *rpcError) {
	var p TaskQueryParams
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return "", &rpcError{Code: CodeInvalidParams, Message: "task id required"}
	}
	return p.ID, nil
}

func mapError(err error) *rpcError {
	switch {
	case errors.Is(err, ErrTaskNotFound):
		return &rpcError{Code: CodeTaskNotFound, Message: "task not found"}
	case errors.Is(err, ErrNotCancelable):
		return &rpcError{Code: CodeNotCancelable, Message: "task cannot be canceled"}
	case errors.Is(err, ErrEmptyContent):
		return &rpcError{Code: CodeInvalidParams, Message: "message has no content"}
	default:
		logger.Error("Request failed: %v", err)
		return &rpcError{Code: CodeInternalError, Message: "internal error"}
	}
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error("Failed to write JSON-RPC response: %v", err)
	}
}
