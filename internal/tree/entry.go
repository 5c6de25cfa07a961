package tree

import (
	"encoding/json"
	"sort"
	"strings"

	"pigo/internal/llm"
)

// Kind identifies the entry variant stored in the session tree.
type Kind string

const (
	KindMessage             Kind = "message"
	KindModelChange         Kind = "model-change"
	KindThinkingLevelChange Kind = "thinking-level-change"
	KindCompaction          Kind = "compaction"
	KindBranchSummary       Kind = "branch-summary"
	KindCustom              Kind = "custom"
	KindCustomMessage       Kind = "custom-message"
	KindLabel               Kind = "label"
	KindSessionInfo         Kind = "session-info"
)

// Role identifies the author of a message entry.
type Role string

const (
	RoleUser          Role = "user"
	RoleAssistant     Role = "assistant"
	RoleToolResult    Role = "tool-result"
	RoleBashExecution Role = "bash-execution"
	RoleCustom        Role = "custom"
)

// MessagePayload is the kind-specific payload for message entries.
type MessagePayload struct {
	Role       Role               `json:"role"`
	Content    []llm.ContentBlock `json:"content,omitempty"`
	ToolCalls  []llm.ToolCall     `json:"tool_calls,omitempty"`
	ToolResult *llm.ToolResult    `json:"tool_result,omitempty"`
	Usage      *llm.Usage         `json:"usage,omitempty"`
}

// FileDetails is the cumulative file-operation record carried by compaction
// and branch-summary entries.
type FileDetails struct {
	ReadFiles     []string `json:"read_files,omitempty"`
	ModifiedFiles []string `json:"modified_files,omitempty"`
}

// Merge unions two detail records into a new one. Either side may be nil.
func (d *FileDetails) Merge(other *FileDetails) *FileDetails {
	if d == nil && other == nil {
		return nil
	}
	merged := &FileDetails{}
	if d != nil {
		merged.ReadFiles = append(merged.ReadFiles, d.ReadFiles...)
		merged.ModifiedFiles = append(merged.ModifiedFiles, d.ModifiedFiles...)
	}
	if other != nil {
		merged.ReadFiles = append(merged.ReadFiles, other.ReadFiles...)
		merged.ModifiedFiles = append(merged.ModifiedFiles, other.ModifiedFiles...)
	}
	merged.ReadFiles = dedupeSorted(merged.ReadFiles)
	merged.ModifiedFiles = dedupeSorted(merged.ModifiedFiles)
	if len(merged.ReadFiles) == 0 && len(merged.ModifiedFiles) == 0 {
		return nil
	}
	return merged
}

// Clone returns an independent copy.
func (d *FileDetails) Clone() *FileDetails {
	if d == nil {
		return nil
	}
	return &FileDetails{
		ReadFiles:     append([]string(nil), d.ReadFiles...),
		ModifiedFiles: append([]string(nil), d.ModifiedFiles...),
	}
}

// CompactionPayload is the kind-specific payload for compaction entries.
type CompactionPayload struct {
	Summary          string       `json:"summary"`
	FirstKeptEntryID string       `json:"first_kept_entry_id"`
	TokensBefore     int          `json:"tokens_before"`
	Details          *FileDetails `json:"details,omitempty"`
	FromExtension    bool         `json:"from_extension,omitempty"`
}

// BranchSummaryPayload is the kind-specific payload for branch-summary entries.
type BranchSummaryPayload struct {
	Summary string       `json:"summary"`
	FromID  string       `json:"from_id"`
	Details *FileDetails `json:"details,omitempty"`
}

// CustomMessagePayload carries extension-injected message content. InContext
// controls whether the content participates in model context reconstruction.
type CustomMessagePayload struct {
	Content   []llm.ContentBlock `json:"content,omitempty"`
	InContext bool               `json:"in_context"`
}

// ModelChangePayload records a model switch on the active branch.
type ModelChangePayload struct {
	Model string `json:"model"`
}

// ThinkingChangePayload records a thinking-level switch on the active branch.
type ThinkingChangePayload struct {
	Level llm.ThinkingLevel `json:"level"`
}

// Entry is one node in the append-only session tree. ParentID is "" only for
// a root entry; the parent-id graph is acyclic and validated at append time.
type Entry struct {
	ID             string                 `json:"id"`
	ParentID       string                 `json:"parent_id,omitempty"`
	Kind           Kind                   `json:"kind"`
	TS             int64                  `json:"ts"`
	Message        *MessagePayload        `json:"message,omitempty"`
	Compaction     *CompactionPayload     `json:"compaction,omitempty"`
	BranchSummary  *BranchSummaryPayload  `json:"branch_summary,omitempty"`
	CustomMessage  *CustomMessagePayload  `json:"custom_message,omitempty"`
	ModelChange    *ModelChangePayload    `json:"model_change,omitempty"`
	ThinkingChange *ThinkingChangePayload `json:"thinking_change,omitempty"`
	Label          string                 `json:"label,omitempty"`
	SessionName    string                 `json:"session_name,omitempty"`
	Custom         json.RawMessage        `json:"custom,omitempty"`
}

// IsUserMessage reports whether the entry is a user-authored message whose
// text should be surfaced for resubmission when branching to it.
func (e Entry) IsUserMessage() bool {
	return e.Kind == KindMessage && e.Message != nil && e.Message.Role == RoleUser
}

// Text returns the concatenated text content for message-like entries.
func (e Entry) Text() string {
	switch e.Kind {
	case KindMessage:
		if e.Message == nil {
			return ""
		}
		if e.Message.ToolResult != nil && len(e.Message.Content) == 0 {
			return e.Message.ToolResult.Content
		}
		return blocksText(e.Message.Content)
	case KindCustomMessage:
		if e.CustomMessage == nil {
			return ""
		}
		return blocksText(e.CustomMessage.Content)
	case KindCompaction:
		if e.Compaction == nil {
			return ""
		}
		return e.Compaction.Summary
	case KindBranchSummary:
		if e.BranchSummary == nil {
			return ""
		}
		return e.BranchSummary.Summary
	default:
		return ""
	}
}

// Clone returns a deep copy safe to hand to callers.
func (e Entry) Clone() Entry {
	cloned := e
	if e.Message != nil {
		msg := *e.Message
		msg.Content = append([]llm.ContentBlock(nil), e.Message.Content...)
		msg.ToolCalls = cloneToolCalls(e.Message.ToolCalls)
		if e.Message.ToolResult != nil {
			result := *e.Message.ToolResult
			msg.ToolResult = &result
		}
		if e.Message.Usage != nil {
			msg.Usage = e.Message.Usage.Clone()
		}
		cloned.Message = &msg
	}
	if e.Compaction != nil {
		comp := *e.Compaction
		comp.Details = e.Compaction.Details.Clone()
		cloned.Compaction = &comp
	}
	if e.BranchSummary != nil {
		bs := *e.BranchSummary
		bs.Details = e.BranchSummary.Details.Clone()
		cloned.BranchSummary = &bs
	}
	if e.CustomMessage != nil {
		cm := *e.CustomMessage
		cm.Content = append([]llm.ContentBlock(nil), e.CustomMessage.Content...)
		cloned.CustomMessage = &cm
	}
	if e.ModelChange != nil {
		mc := *e.ModelChange
		cloned.ModelChange = &mc
	}
	if e.ThinkingChange != nil {
		tc := *e.ThinkingChange
		cloned.ThinkingChange = &tc
	}
	cloned.Custom = append(json.RawMessage(nil), e.Custom...)
	return cloned
}

func cloneToolCalls(calls []llm.ToolCall) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, 0, len(calls))
	for _, call := range calls {
		cloned := call
		cloned.Arguments = append(json.RawMessage(nil), call.Arguments...)
		out = append(out, cloned)
	}
	return out
}

func blocksText(blocks []llm.ContentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		if block.Type != llm.ContentTypeText {
			continue
		}
		if text := strings.TrimSpace(block.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

func dedupeSorted(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
