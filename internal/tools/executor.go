package tools

import (
	"context"

	"pigo/internal/llm"
)

// Executor exposes a registry to the turn scheduler.
type Executor struct {
	registry *Registry
}

// NewExecutor wraps a registry.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry}
}

// Specs lists the registered tools as provider tool specs.
func (e *Executor) Specs() []llm.ToolSpec {
	registered := e.registry.List()
	specs := make([]llm.ToolSpec, 0, len(registered))
	for _, tool := range registered {
		specs = append(specs, llm.ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	return specs
}

// Execute runs one tool call. Execution failures come back alongside the
// result so the caller can fold the error into the tool-result message.
func (e *Executor) Execute(ctx context.Context, call llm.ToolCall) (llm.ToolResult, error) {
	result, err := e.registry.Execute(ctx, call.Name, call.Arguments)
	return llm.ToolResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    result.Content,
		IsError:    err != nil,
	}, err
}
