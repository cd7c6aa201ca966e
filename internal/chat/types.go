package chat

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

type Message struct {
	Role    Role
	Content string

	// For Assistant messages: the tool calls they made
	ToolCalls []ToolCall

	// For Tool messages: the ID of the call being answered
	ToolCallID string
	Name       string
}

// ToolCall is one function invocation requested by the model. Arguments is the
// decoded form; RawArguments keeps the blob exactly as the model produced it so
// it can be replayed to the backend unchanged.
type ToolCall struct {
	ID           string
	Name         string
	Arguments    map[string]any
	RawArguments string
}

// DecodeArguments returns the structured arguments, parsing RawArguments when
// the decoded form is not populated. An empty blob decodes to an empty object.
func (tc ToolCall) DecodeArguments() (map[string]any, error) {
	if tc.Arguments != nil {
		return tc.Arguments, nil
	}
	return ParseArguments(tc.RawArguments)
}

// ParseArguments decodes a serialized argument blob into a JSON object.
func ParseArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// EncodeArguments is the inverse of ParseArguments. RawArguments wins when set.
func (tc ToolCall) EncodeArguments() string {
	if tc.RawArguments != "" {
		return tc.RawArguments
	}
	if tc.Arguments == nil {
		return "{}"
	}
	b, err := json.Marshal(tc.Arguments)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// ToolResult is the outcome of one tool call. Err != nil marks a failure and
// Content is then ignored.
type ToolResult struct {
	ToolCallID string
	Name       string
	Content    string
	Err        error
}

func (r ToolResult) Failed() bool { return r.Err != nil }

// Text renders the result as it is stored in history. Failures are encoded as
// a small JSON object so the model can tell them apart from payloads.
func (r ToolResult) Text() string {
	if r.Err == nil {
		return r.Content
	}
	b, err := json.Marshal(map[string]string{"error": r.Err.Error()})
	if err != nil {
		return `{"error":"tool call failed"}`
	}
	return string(b)
}

// ToolResultMessage converts a result into a tool message keyed by call ID.
func ToolResultMessage(r ToolResult) Message {
	return Message{
		Role:       RoleTool,
		Content:    r.Text(),
		ToolCallID: r.ToolCallID,
		Name:       r.Name,
	}
}

func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i := range in {
		out[i] = CloneMessage(in[i])
	}
	return out
}

func CloneMessage(m Message) Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = tc
			if tc.Arguments != nil {
				out.ToolCalls[i].Arguments = cloneValue(tc.Arguments).(map[string]any)
			}
		}
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
