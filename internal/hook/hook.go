// Package hook runs extension callbacks around session lifecycle points.
// Hooks execute in registration order; a failing hook is logged and skipped
// so one broken extension cannot wedge the turn loop.
package hook

import (
	"context"
	"log/slog"
	"sync"

	"pigo/internal/llm"
	"pigo/internal/tree"
)

// CompactRequest describes a pending compaction or branch summarization
// handed to before-compact hooks.
type CompactRequest struct {
	// Entries are the candidate entries about to be summarized.
	Entries []tree.Entry
	// Branching is true for branch summarization, false for compaction.
	Branching bool
	// TokensBefore is the estimated token size of the candidate range.
	TokensBefore int
}

// CompactDecision is a hook's verdict on a pending summarization. A Cancel
// aborts it; a non-empty Summary replaces the model-generated one and skips
// the summarization call entirely.
type CompactDecision struct {
	Cancel  bool
	Summary string
	Details *tree.FileDetails
}

// ToolCallDecision is a hook's verdict on a finished tool call. Block
// suppresses the result; a non-nil Result replaces it.
type ToolCallDecision struct {
	Block  bool
	Result *llm.ToolResult
}

type (
	// BeforeCompact runs before a compaction or branch summarization commits.
	BeforeCompact func(ctx context.Context, req CompactRequest) (*CompactDecision, error)
	// BeforeModelCall may rewrite the outgoing context before a model call.
	BeforeModelCall func(ctx context.Context, messages []llm.Message) ([]llm.Message, error)
	// AfterToolCall may block or rewrite a tool result before it is recorded.
	AfterToolCall func(ctx context.Context, call llm.ToolCall, result llm.ToolResult) (*ToolCallDecision, error)
)

// Registry holds registered hooks. The zero value is not usable; construct
// with NewRegistry.
type Registry struct {
	mu              sync.RWMutex
	logger          *slog.Logger
	beforeCompact   []BeforeCompact
	beforeModelCall []BeforeModelCall
	afterToolCall   []AfterToolCall
}

// NewRegistry constructs an empty registry. A nil logger uses slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// OnBeforeCompact registers a before-compact hook.
func (r *Registry) OnBeforeCompact(h BeforeCompact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeCompact = append(r.beforeCompact, h)
}

// OnBeforeModelCall registers a context-rewrite hook.
func (r *Registry) OnBeforeModelCall(h BeforeModelCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeModelCall = append(r.beforeModelCall, h)
}

// OnAfterToolCall registers a tool-result hook.
func (r *Registry) OnAfterToolCall(h AfterToolCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterToolCall = append(r.afterToolCall, h)
}

// RunBeforeCompact runs before-compact hooks in order and returns the first
// decisive verdict: a cancel or a replacement summary short-circuits the rest.
// Hook errors are logged and skipped.
func (r *Registry) RunBeforeCompact(ctx context.Context, req CompactRequest) *CompactDecision {
	r.mu.RLock()
	hooks := append([]BeforeCompact(nil), r.beforeCompact...)
	r.mu.RUnlock()

	for i, h := range hooks {
		decision, err := h(ctx, req)
		if err != nil {
			r.logger.Warn("before-compact hook failed", "hook", i, "error", err)
			continue
		}
		if decision == nil {
			continue
		}
		if decision.Cancel || decision.Summary != "" {
			return decision
		}
	}
	return nil
}

// RunBeforeModelCall threads the message slice through each rewrite hook in
// order. A failing hook leaves the accumulator untouched.
func (r *Registry) RunBeforeModelCall(ctx context.Context, messages []llm.Message) []llm.Message {
	r.mu.RLock()
	hooks := append([]BeforeModelCall(nil), r.beforeModelCall...)
	r.mu.RUnlock()

	current := messages
	for i, h := range hooks {
		rewritten, err := h(ctx, current)
		if err != nil {
			r.logger.Warn("before-model-call hook failed", "hook", i, "error", err)
			continue
		}
		if rewritten != nil {
			current = rewritten
		}
	}
	return current
}

// RunAfterToolCall threads a tool result through each hook in order. A block
// verdict wins immediately; a replacement result feeds the next hook.
func (r *Registry) RunAfterToolCall(ctx context.Context, call llm.ToolCall, result llm.ToolResult) (llm.ToolResult, bool) {
	r.mu.RLock()
	hooks := append([]AfterToolCall(nil), r.afterToolCall...)
	r.mu.RUnlock()

	current := result
	for i, h := range hooks {
		decision, err := h(ctx, call, current)
		if err != nil {
			r.logger.Warn("after-tool-call hook failed", "hook", i, "error", err)
			continue
		}
		if decision == nil {
			continue
		}
		if decision.Block {
			return current, false
		}
		if decision.Result != nil {
			current = *decision.Result
		}
	}
	return current, true
}
