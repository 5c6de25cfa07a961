package tree

import (
	"fmt"
	"strings"

	"pigo/internal/llm"
)

const (
	compactionSummaryHeader = "[Conversation summary]"
	branchSummaryHeader     = "[Abandoned branch summary]"
)

// BuildContext reconstructs the linear message sequence sent to the model
// for a given leaf. It is a pure function of tree state: walk leaf to root,
// reverse, then splice the most recent compaction (summary emitted as a
// synthetic message followed by entries from firstKeptEntryId forward, with
// everything strictly between the compaction's parent and the first kept
// entry skipped). Branch-summary and in-context custom-message entries are
// converted into plain messages.
func (t *Tree) BuildContext(leafID string) ([]llm.Message, error) {
	path, err := t.Path(leafID)
	if err != nil {
		return nil, err
	}
	if len(path) == 0 {
		return nil, nil
	}

	compactionIndex := -1
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].Kind == KindCompaction {
			compactionIndex = i
			break
		}
	}

	messages := make([]llm.Message, 0, len(path))
	appendEntry := func(entry Entry) {
		if msg, ok := entryToMessage(entry); ok {
			messages = append(messages, msg)
		}
	}

	if compactionIndex < 0 {
		for _, entry := range path {
			appendEntry(entry)
		}
		return messages, nil
	}

	compaction := path[compactionIndex].Compaction
	if compaction == nil {
		return nil, fmt.Errorf("compaction entry %s has no payload", path[compactionIndex].ID)
	}

	if summary := strings.TrimSpace(compaction.Summary); summary != "" {
		messages = append(messages, summaryMessage(compactionSummaryHeader, summary, compaction.Details))
	}

	start := compactionIndex
	if compaction.FirstKeptEntryID != "" {
		for i := 0; i < compactionIndex; i++ {
			if path[i].ID == compaction.FirstKeptEntryID {
				start = i
				break
			}
		}
	}
	for i := start; i < compactionIndex; i++ {
		appendEntry(path[i])
	}
	for i := compactionIndex + 1; i < len(path); i++ {
		appendEntry(path[i])
	}
	return messages, nil
}

// entryToMessage converts one tree entry into a model-visible message.
// Bookkeeping kinds (label, session-info, model-change, thinking-change,
// custom) and out-of-context custom messages yield nothing.
func entryToMessage(entry Entry) (llm.Message, bool) {
	switch entry.Kind {
	case KindMessage:
		return messagePayloadToMessage(entry.Message)
	case KindCustomMessage:
		if entry.CustomMessage == nil || !entry.CustomMessage.InContext {
			return llm.Message{}, false
		}
		if len(entry.CustomMessage.Content) == 0 {
			return llm.Message{}, false
		}
		return llm.Message{
			Role:    llm.RoleUser,
			Content: append([]llm.ContentBlock(nil), entry.CustomMessage.Content...),
		}, true
	case KindBranchSummary:
		if entry.BranchSummary == nil || strings.TrimSpace(entry.BranchSummary.Summary) == "" {
			return llm.Message{}, false
		}
		return summaryMessage(branchSummaryHeader, entry.BranchSummary.Summary, entry.BranchSummary.Details), true
	default:
		return llm.Message{}, false
	}
}

func messagePayloadToMessage(payload *MessagePayload) (llm.Message, bool) {
	if payload == nil {
		return llm.Message{}, false
	}

	switch payload.Role {
	case RoleUser, RoleCustom:
		if len(payload.Content) == 0 {
			return llm.Message{}, false
		}
		return llm.Message{
			Role:    llm.RoleUser,
			Content: append([]llm.ContentBlock(nil), payload.Content...),
		}, true
	case RoleAssistant:
		if len(payload.Content) == 0 && len(payload.ToolCalls) == 0 {
			return llm.Message{}, false
		}
		return llm.Message{
			Role:      llm.RoleAssistant,
			Content:   append([]llm.ContentBlock(nil), payload.Content...),
			ToolCalls: cloneToolCalls(payload.ToolCalls),
		}, true
	case RoleToolResult:
		if payload.ToolResult == nil {
			return llm.Message{}, false
		}
		result := *payload.ToolResult
		return llm.Message{Role: llm.RoleTool, ToolResult: &result}, true
	case RoleBashExecution:
		text := blocksText(payload.Content)
		if text == "" {
			return llm.Message{}, false
		}
		return llm.Message{
			Role:    llm.RoleUser,
			Content: []llm.ContentBlock{{Type: llm.ContentTypeText, Text: text}},
		}, true
	default:
		return llm.Message{}, false
	}
}

// summaryMessage renders a synthetic context message for a summary payload.
// File details are appended so the model retains the cumulative file trail.
func summaryMessage(header, summary string, details *FileDetails) llm.Message {
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(summary))
	if details != nil {
		if len(details.ReadFiles) > 0 {
			b.WriteString("\nFiles read: ")
			b.WriteString(strings.Join(details.ReadFiles, ", "))
		}
		if len(details.ModifiedFiles) > 0 {
			b.WriteString("\nFiles modified: ")
			b.WriteString(strings.Join(details.ModifiedFiles, ", "))
		}
	}
	return llm.Message{
		Role:    llm.RoleUser,
		Content: []llm.ContentBlock{{Type: llm.ContentTypeText, Text: b.String()}},
	}
}
