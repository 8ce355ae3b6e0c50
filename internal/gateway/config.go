// Package gateway implements the tool gateway (spec.md §4.6): a JSON-RPC 2.0
// request/response dispatcher that multiplexes three transports (subprocess,
// HTTP, line-oriented TCP) behind a uniform sync/background execution model.
package gateway

import (
	"encoding/json"
	"fmt"
	"os"
)

// Mode is the conversational execution mode of a tool call: Sync waits for
// the transport to finish and returns its result; Background returns an
// immediate acknowledgement and reports completion out of band.
type Mode string

const (
	ModeSync       Mode = "sync"
	ModeBackground Mode = "background"
)

const defaultTimeoutMs = 5000

// ToolConfig is the on-disk shape of one entry in the tool registry file
// (spec.md §6): a JSON array of these objects. Unknown fields are tolerated
// by virtue of not being named here; mode defaults to sync and timeout_ms
// defaults to 5000 via UnmarshalJSON below.
type ToolConfig struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
	Mode        Mode            `json:"mode"`
	TimeoutMs   int             `json:"timeout_ms"`
	Transport   Transport       `json:"-"`
}

// rawToolConfig mirrors ToolConfig but with Transport left as the
// discriminated "type" envelope, so transport parsing can be applied after
// the rest of the fields decode normally.
type rawToolConfig struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
	Mode        Mode            `json:"mode"`
	TimeoutMs   int             `json:"timeout_ms"`
	Type        string          `json:"type"`
	Executable  string          `json:"executable"`
	Args        []string        `json:"args"`
	URL         string          `json:"url"`
	Method      string          `json:"method"`
	Address     string          `json:"address"`
}

// UnmarshalJSON decodes a tool registry entry, applying the mode/timeout
// defaults spec.md §6 names and building the concrete Transport from the
// "type" discriminator.
func (t *ToolConfig) UnmarshalJSON(data []byte) error {
	var raw rawToolConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	t.Name = raw.Name
	t.Description = raw.Description
	t.InputSchema = raw.InputSchema
	t.Mode = raw.Mode
	if t.Mode == "" {
		t.Mode = ModeSync
	}
	t.TimeoutMs = raw.TimeoutMs
	if t.TimeoutMs == 0 {
		t.TimeoutMs = defaultTimeoutMs
	}

	switch raw.Type {
	case "subprocess":
		t.Transport = SubprocessTransport{Executable: raw.Executable, Args: raw.Args}
	case "http":
		method := raw.Method
		if method == "" {
			method = "POST"
		}
		t.Transport = HTTPTransport{URL: raw.URL, Method: method}
	case "tcp":
		t.Transport = TCPTransport{Address: raw.Address}
	default:
		return fmt.Errorf("gateway: tool %q has unknown transport type %q", raw.Name, raw.Type)
	}
	return nil
}

// LoadRegistry reads and parses the tool registry file at path: a JSON array
// of ToolConfig objects (spec.md §6).
func LoadRegistry(path string) ([]ToolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gateway: read registry %s: %w", path, err)
	}
	var tools []ToolConfig
	if err := json.Unmarshal(data, &tools); err != nil {
		return nil, fmt.Errorf("gateway: parse registry %s: %w", path, err)
	}
	return tools, nil
}
