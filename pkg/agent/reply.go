package agent

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
)

// Reply is the parsed first completion: PlainText or ToolInvocation.
type Reply interface {
	isReply()
}

// PlainText is a final answer.
type PlainText struct {
	Text string
}

// ToolInvocation is a request to run one tool.
type ToolInvocation struct {
	Name      string
	Arguments map[string]interface{}
	// RawArguments is the compact JSON encoding of Arguments.
	RawArguments string
}

func (PlainText) isReply()      {}
func (ToolInvocation) isReply() {}

type toolCallEnvelope struct {
	ToolName  *string         `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ParseReply decides whether a completion is a tool invocation. The text
// must be a single JSON object, optionally inside a ```json fence, with a
// non-empty string tool_name and an object arguments. Anything else is
// PlainText carrying the original text.
func ParseReply(text string) Reply {
	plain := PlainText{Text: text}

	body := stripFence(strings.TrimSpace(text))
	if !strings.HasPrefix(body, "{") {
		return plain
	}

	var env toolCallEnvelope
	dec := json.NewDecoder(strings.NewReader(body))
	if err := dec.Decode(&env); err != nil {
		return plain
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return plain
	}
	if env.ToolName == nil || strings.TrimSpace(*env.ToolName) == "" {
		return plain
	}

	raw := bytes.TrimSpace(env.Arguments)
	if len(raw) == 0 || raw[0] != '{' {
		return plain
	}
	var args map[string]interface{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return plain
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return plain
	}

	return ToolInvocation{
		Name:         strings.TrimSpace(*env.ToolName),
		Arguments:    args,
		RawArguments: compact.String(),
	}
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// Drop the language tag line.
		s = s[nl+1:]
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}
