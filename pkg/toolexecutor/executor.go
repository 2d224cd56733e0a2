package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/harun/halte/internal/observability"
	"github.com/harun/halte/internal/tracing"
	"github.com/harun/halte/pkg/livestate"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/codes"
)

// DefaultTimeout bounds a single handler run when the caller sets none.
const DefaultTimeout = 10 * time.Second

const maxOutputBytes = 10 * 1024

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolHandler runs a tool against a read-only snapshot. Handlers must not
// mutate the snapshot.
type ToolHandler func(ctx context.Context, snap livestate.Snapshot, params map[string]interface{}) (interface{}, error)

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
}

// ExecutionContext provides runtime information for tool execution
type ExecutionContext struct {
	UserID   string
	Snapshot livestate.Snapshot
	Timeout  time.Duration
}

// ToolResult represents the result of a tool execution
type ToolResult struct {
	Success   bool                   `json:"success"`
	Output    interface{}            `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Truncated bool                   `json:"truncated,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Payload is the value handed back to the model as the tool message.
func (r ToolResult) Payload() interface{} {
	if !r.Success {
		return map[string]string{"error": r.Error}
	}
	return r.Output
}

// JSON serializes Payload. Serialization failures are reported as an error payload.
func (r ToolResult) JSON() string {
	data, err := json.Marshal(r.Payload())
	if err != nil {
		data, _ = json.Marshal(map[string]string{"error": fmt.Sprintf("failed to encode tool result: %v", err)})
	}
	return string(data)
}

// ToolExecutor is an immutable registry of tools.
type ToolExecutor struct {
	order   []string
	tools   map[string]*ToolDefinition
	schemas map[string]*gojsonschema.Schema
}

// New validates and registers the given tools.
func New(defs ...ToolDefinition) (*ToolExecutor, error) {
	observability.EnsureRegistered()

	te := &ToolExecutor{
		tools:   make(map[string]*ToolDefinition, len(defs)),
		schemas: make(map[string]*gojsonschema.Schema, len(defs)),
	}

	for i := range defs {
		def := defs[i]
		if err := validateToolDefinition(def); err != nil {
			return nil, fmt.Errorf("invalid tool definition: %w", err)
		}
		if _, exists := te.tools[def.Name]; exists {
			return nil, fmt.Errorf("duplicate tool name: %s", def.Name)
		}

		schema, err := generateJSONSchema(def)
		if err != nil {
			return nil, fmt.Errorf("failed to generate schema for %s: %w", def.Name, err)
		}

		te.order = append(te.order, def.Name)
		te.tools[def.Name] = &def
		te.schemas[def.Name] = schema
	}

	log.Info().Strs("tools", te.order).Msg("Tool executor initialized")

	return te, nil
}

// GetTool returns a tool definition by name
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	return te.tools[name]
}

// ListTools returns tool names in registration order.
func (te *ToolExecutor) ListTools() []string {
	return append([]string(nil), te.order...)
}

// Definitions returns copies of every definition in registration order.
func (te *ToolExecutor) Definitions() []ToolDefinition {
	out := make([]ToolDefinition, 0, len(te.order))
	for _, name := range te.order {
		out = append(out, *te.tools[name])
	}
	return out
}

// GetToolCount returns the number of registered tools
func (te *ToolExecutor) GetToolCount() int {
	return len(te.tools)
}

// Execute runs a tool. It never fails: every fault is folded into the result.
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]interface{}, execCtx *ExecutionContext) ToolResult {
	startTime := time.Now()

	ctx, span := tracing.StartSpan(ctx, tracing.TracerToolExecutor, "tool.execute",
		tracing.AttrTool.String(toolName),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("tool", toolName).Logger()

	tool := te.tools[toolName]
	if tool == nil {
		logger.Warn().Msg("Tool not found")
		span.SetStatus(codes.Error, "tool not found")
		observability.RecordToolExecution("unknown", time.Since(startTime), false)
		return ToolResult{
			Success: false,
			Error:   fmt.Sprintf("Tool '%s' not found.", toolName),
		}
	}

	args := make(map[string]interface{}, len(params))
	for k, v := range params {
		args[k] = v
	}
	params = args

	if err := validateParameters(te.schemas[toolName], params); err != nil {
		logger.Warn().Err(err).Msg("Parameter validation failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid arguments")
		observability.RecordToolExecution(toolName, time.Since(startTime), false)
		return ToolResult{
			Success: false,
			Error:   fmt.Sprintf("Invalid arguments for tool '%s': %v", toolName, err),
		}
	}
	applyDefaults(tool, params)

	var snap livestate.Snapshot
	timeout := DefaultTimeout
	if execCtx != nil {
		snap = execCtx.Snapshot
		if execCtx.Timeout > 0 {
			timeout = execCtx.Timeout
		}
	}

	timeoutCtx, cancel := context.WithTimeout(ContextWithExecContext(ctx, execCtx), timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%v", r)}
			}
		}()
		result, err := tool.Handler(timeoutCtx, snap, params)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		duration := time.Since(startTime)

		if out.err != nil {
			logger.Error().Dur("duration", duration).Err(out.err).Msg("Tool execution failed")
			span.RecordError(out.err)
			span.SetStatus(codes.Error, out.err.Error())
			observability.RecordToolExecution(toolName, duration, false)
			return ToolResult{
				Success:  false,
				Error:    out.err.Error(),
				Metadata: map[string]interface{}{"duration": duration.Milliseconds()},
			}
		}

		output, truncated := truncateOutput(out.result)

		logger.Debug().Dur("duration", duration).Bool("truncated", truncated).Msg("Tool execution completed")
		observability.RecordToolExecution(toolName, duration, true)

		return ToolResult{
			Success:   true,
			Output:    output,
			Truncated: truncated,
			Metadata:  map[string]interface{}{"duration": duration.Milliseconds()},
		}

	case <-timeoutCtx.Done():
		duration := time.Since(startTime)

		logger.Error().Dur("duration", duration).Msg("Tool execution timeout")
		span.SetStatus(codes.Error, "timeout")
		observability.RecordToolExecution(toolName, duration, false)

		return ToolResult{
			Success:  false,
			Error:    fmt.Sprintf("tool execution timeout after %v", timeout),
			Metadata: map[string]interface{}{"duration": duration.Milliseconds()},
		}
	}
}

func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// generateJSONSchema builds the argument schema. Unknown arguments are allowed
// since models routinely add extras.
func generateJSONSchema(def ToolDefinition) (*gojsonschema.Schema, error) {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%s", strings.Join(msgs, "; "))
	}

	return nil
}

func applyDefaults(def *ToolDefinition, params map[string]interface{}) {
	for _, p := range def.Parameters {
		if p.Default == nil {
			continue
		}
		if _, ok := params[p.Name]; !ok {
			params[p.Name] = p.Default
		}
	}
}

// truncateOutput bounds oversized results while keeping them valid JSON.
// Object results keep their shape: trailing elements of their longest array
// are dropped until the encoding fits, and "truncated" is set. Results that
// cannot be shrunk that way are replaced by an error object.
func truncateOutput(output interface{}) (interface{}, bool) {
	data, err := json.Marshal(output)
	if err != nil || len(data) <= maxOutputBytes {
		return output, false
	}

	log.Warn().
		Int("original", len(data)).
		Int("limit", maxOutputBytes).
		Msg("Output truncated")

	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err == nil {
		obj["truncated"] = true
		if shrinkArrays(obj) {
			return obj, true
		}
	}

	return map[string]interface{}{
		"truncated": true,
		"error":     fmt.Sprintf("tool output too large (%d bytes)", len(data)),
	}, true
}

func shrinkArrays(obj map[string]interface{}) bool {
	for {
		data, err := json.Marshal(obj)
		if err != nil {
			return false
		}
		if len(data) <= maxOutputBytes {
			return true
		}

		key, longest := "", 0
		for k, v := range obj {
			if arr, ok := v.([]interface{}); ok && len(arr) > longest {
				key, longest = k, len(arr)
			}
		}
		if longest == 0 {
			return false
		}

		keep := longest * maxOutputBytes / len(data)
		if keep >= longest {
			keep = longest - 1
		}
		obj[key] = obj[key].([]interface{})[:keep]
	}
}
