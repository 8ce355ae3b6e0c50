package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
)

const protocolVersion = "2024-11-05"
const serverName = "xiaozhi-core"
const serverVersion = "1.0.0"

// BackgroundResult is produced when a background-mode tool finishes
// (spec.md §3, §4.6). The Dispatcher formats it into a natural-language
// notification (spec.md §4.7).
type BackgroundResult struct {
	ToolName string
	Success  bool
	Message  string
}

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Server is a registry of named tools plus the JSON-RPC 2.0 handler of
// spec.md §4.6. It is safe for concurrent use by multiple cloud-link
// goroutines handling overlapping requests.
type Server struct {
	tools     map[string]ToolConfig
	bgResults chan<- BackgroundResult
	logger    *log.Logger
}

// NewServer builds a Server from the loaded tool registry. bgResults
// receives a BackgroundResult whenever a background-mode tool completes;
// the Dispatcher is the only expected consumer.
func NewServer(tools []ToolConfig, bgResults chan<- BackgroundResult) *Server {
	reg := make(map[string]ToolConfig, len(tools))
	for _, t := range tools {
		reg[t.Name] = t
	}
	return &Server{
		tools:     reg,
		bgResults: bgResults,
		logger:    log.New(log.Writer(), "[gateway] ", log.LstdFlags),
	}
}

// Tools returns the registered tool configs in registration order is not
// guaranteed; callers needing a stable listing should sort by Name.
func (s *Server) Tools() []ToolConfig {
	out := make([]ToolConfig, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t)
	}
	return out
}

// HandleMessage processes a single text payload (spec.md §4.6). handled is
// false when payload is not well-formed JSON-RPC 2.0 — the caller should
// treat it as ordinary, non-gateway traffic. When handled is true and
// response is empty, payload was a notification (no id, or a
// "notifications*" method): it was processed but no reply should be sent.
func (s *Server) HandleMessage(ctx context.Context, payload string) (response string, handled bool) {
	var req jsonrpcRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return "", false
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return "", false
	}

	if len(req.ID) == 0 || strings.HasPrefix(req.Method, "notifications") {
		s.logger.Printf("notification received, no response needed: %s", req.Method)
		return "", true
	}

	var result any
	var callErr *jsonrpcError

	switch req.Method {
	case "initialize":
		result = map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": serverName, "version": serverVersion},
		}
	case "tools/list":
		result = map[string]any{"tools": s.toolList()}
	case "tools/call":
		r, err := s.handleToolCall(ctx, req.Params)
		if err != nil {
			callErr = &jsonrpcError{Code: -32601, Message: err.Error()}
		} else {
			result = r
		}
	default:
		callErr = &jsonrpcError{Code: -32601, Message: "Method not found"}
	}

	resp := jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: callErr}
	data, err := json.Marshal(resp)
	if err != nil {
		return "", true
	}
	return string(data), true
}

type toolListEntry struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

func (s *Server) toolList() []toolListEntry {
	list := make([]toolListEntry, 0, len(s.tools))
	for _, t := range s.tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage("{}")
		}
		list = append(list, toolListEntry{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return list
}

func (s *Server) handleToolCall(ctx context.Context, params json.RawMessage) (any, error) {
	var call toolCallParams
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, fmt.Errorf("invalid tools/call params: %w", err)
	}
	tool, ok := s.tools[call.Name]
	if !ok {
		return nil, fmt.Errorf("tool %q not found", call.Name)
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	if tool.Mode == ModeBackground {
		s.runBackground(tool, args)
		return map[string]string{
			"status":  "started",
			"message": fmt.Sprintf("Task '%s' started; you will be notified on completion.", tool.Name),
		}, nil
	}

	output, err := s.runSync(ctx, tool, args)
	if err != nil {
		return nil, err
	}
	return wrapToolOutput(output), nil
}

func wrapToolOutput(output string) map[string]any {
	return map[string]any{
		"content": []map[string]string{
			{"type": "text", "text": output},
		},
	}
}

// runSync executes tool's transport synchronously up to tool.TimeoutMs
// (spec.md §4.6 "Sync mode"). The acknowledgement of a background request
// is never delayed by transport latency — that's runBackground's job.
func (s *Server) runSync(ctx context.Context, tool ToolConfig, args json.RawMessage) (string, error) {
	timeout := time.Duration(tool.TimeoutMs) * time.Millisecond
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := tool.Transport.Execute(cctx, args)
	if err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("tool %q execution timed out after %d ms", tool.Name, tool.TimeoutMs)
		}
		return "", err
	}
	return output, nil
}

// runBackground spawns a detached execution of tool's transport and reports
// its outcome on s.bgResults once it completes (spec.md §4.6 "Background
// mode", §3 BackgroundResult).
func (s *Server) runBackground(tool ToolConfig, args json.RawMessage) {
	go func() {
		output, err := s.runSync(context.Background(), tool, args)
		result := BackgroundResult{ToolName: tool.Name}
		if err != nil {
			result.Success = false
			result.Message = err.Error()
			s.logger.Printf("background tool %q failed: %v", tool.Name, err)
		} else {
			result.Success = true
			result.Message = output
			s.logger.Printf("background tool %q completed", tool.Name)
		}
		if s.bgResults != nil {
			s.bgResults <- result
		}
	}()
}
