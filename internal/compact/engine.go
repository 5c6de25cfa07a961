// Package compact shrinks long conversation histories. The engine picks a
// cut point, asks a summarizer to fold everything before it into a compact
// summary, and commits the result as a compaction entry on the session tree.
package compact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"pigo/internal/hook"
	"pigo/internal/llm"
	"pigo/internal/tree"
)

var (
	// ErrSummarizationFailed wraps summarizer errors so callers can tell a
	// failed model call apart from a structural failure.
	ErrSummarizationFailed = errors.New("summarization failed")
	// ErrSummarizerRequired indicates an engine constructed without one.
	ErrSummarizerRequired = errors.New("summarizer is required")
)

// SummaryRequest is one summarization unit handed to a Summarizer.
type SummaryRequest struct {
	// Previous is the prior summary to extend, empty on first compaction.
	Previous string
	// Transcript is the rendered history to fold in.
	Transcript string
	// Details is the cumulative file trail for the summarized range.
	Details *tree.FileDetails
	// Instructions carries custom summarization guidance, empty for the
	// summarizer's default prompt alone.
	Instructions string
	// ReplaceInstructions substitutes Instructions for the default prompt
	// instead of appending.
	ReplaceInstructions bool
}

// Summarizer produces a conversation summary. Implementations should honor
// ctx cancellation.
type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (string, error)
}

// Config tunes the engine.
type Config struct {
	// KeepRecentTokens is the size of history preserved verbatim.
	KeepRecentTokens int
	// CustomInstructions augments the summary prompt.
	CustomInstructions string
	// ReplaceInstructions uses CustomInstructions instead of the default
	// prompt rather than in addition to it.
	ReplaceInstructions bool
	// Hooks, when set, may cancel a compaction or supply the summary.
	Hooks *hook.Registry
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Engine runs compactions against a session tree.
type Engine struct {
	summarizer Summarizer
	cfg        Config
	logger     *slog.Logger
}

// Result reports one committed (or cancelled) compaction.
type Result struct {
	// Cancelled is true when a hook vetoed the compaction. No entry was
	// committed in that case.
	Cancelled bool
	// FromHook is true when a hook supplied the summary text.
	FromHook bool
	// EntryID is the committed compaction entry id.
	EntryID string
	// Summary is the committed summary text.
	Summary string
	// FirstKeptEntryID is the oldest entry surviving verbatim.
	FirstKeptEntryID string
	// TokensBefore is the estimated size of the compacted range.
	TokensBefore int
	// Details is the cumulative file trail carried forward.
	Details *tree.FileDetails
}

// NewEngine constructs a compaction engine.
func NewEngine(summarizer Summarizer, cfg Config) (*Engine, error) {
	if summarizer == nil {
		return nil, ErrSummarizerRequired
	}
	if cfg.KeepRecentTokens <= 0 {
		cfg.KeepRecentTokens = 20000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{summarizer: summarizer, cfg: cfg, logger: logger}, nil
}

// Compact summarizes the active branch of t down to the keep-recent budget
// and commits a compaction entry at the leaf. Returns ErrNothingToCompact
// when the branch already fits.
func (e *Engine) Compact(ctx context.Context, t *tree.Tree) (*Result, error) {
	leaf := t.Leaf()
	entries, lastCompaction, err := t.ActiveBranch(leaf)
	if err != nil {
		return nil, err
	}

	cut, err := FindCut(entries, e.cfg.KeepRecentTokens)
	if err != nil {
		return nil, err
	}

	summarized := make([]tree.Entry, 0, len(cut.Summarize)+len(cut.TurnPrefix))
	summarized = append(summarized, cut.Summarize...)
	summarized = append(summarized, cut.TurnPrefix...)

	prior, err := t.PriorDetails(leaf)
	if err != nil {
		return nil, err
	}
	details := prior.Merge(ExtractFileOps(summarized))

	previous := ""
	if lastCompaction != nil && lastCompaction.Compaction != nil {
		previous = lastCompaction.Compaction.Summary
	}

	result := &Result{
		FirstKeptEntryID: cut.FirstKeptID,
		TokensBefore:     cut.TokensBefore,
		Details:          details,
	}

	if e.cfg.Hooks != nil {
		decision := e.cfg.Hooks.RunBeforeCompact(ctx, hook.CompactRequest{
			Entries:      summarized,
			TokensBefore: cut.TokensBefore,
		})
		if decision != nil {
			if decision.Cancel {
				result.Cancelled = true
				return result, nil
			}
			result.Summary = decision.Summary
			result.FromHook = true
			if decision.Details != nil {
				result.Details = details.Merge(decision.Details)
			}
		}
	}

	if !result.FromHook {
		summary, err := e.summarize(ctx, cut, previous, result.Details)
		if err != nil {
			return nil, err
		}
		result.Summary = summary
	}

	entryID, err := t.Append(tree.Entry{
		Kind: tree.KindCompaction,
		Compaction: &tree.CompactionPayload{
			Summary:          result.Summary,
			FirstKeptEntryID: result.FirstKeptEntryID,
			TokensBefore:     result.TokensBefore,
			Details:          result.Details,
			FromExtension:    result.FromHook,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("commit compaction: %w", err)
	}
	result.EntryID = entryID

	e.logger.Info("compaction committed",
		"entry", entryID,
		"first_kept", result.FirstKeptEntryID,
		"tokens_before", result.TokensBefore,
		"split_turn", cut.SplitTurn,
		"from_hook", result.FromHook)
	return result, nil
}

// summarize runs one or two summarization calls depending on the cut shape.
// A split turn gets its prior turns and its oversized-turn prefix summarized
// separately, then merged, so neither drowns out the other.
func (e *Engine) summarize(ctx context.Context, cut Cut, previous string, details *tree.FileDetails) (string, error) {
	var sections []string

	if len(cut.Summarize) > 0 {
		summary, err := e.summarizer.Summarize(ctx, SummaryRequest{
			Previous:            previous,
			Transcript:          RenderTranscript(cut.Summarize),
			Details:             details,
			Instructions:        e.cfg.CustomInstructions,
			ReplaceInstructions: e.cfg.ReplaceInstructions,
		})
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrSummarizationFailed, err)
		}
		sections = append(sections, strings.TrimSpace(summary))
	}

	if cut.SplitTurn && len(cut.TurnPrefix) > 0 {
		prev := previous
		if len(sections) > 0 {
			prev = sections[len(sections)-1]
		}
		summary, err := e.summarizer.Summarize(ctx, SummaryRequest{
			Previous:            prev,
			Transcript:          RenderTranscript(cut.TurnPrefix),
			Details:             details,
			Instructions:        e.cfg.CustomInstructions,
			ReplaceInstructions: e.cfg.ReplaceInstructions,
		})
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrSummarizationFailed, err)
		}
		sections = append(sections, "Current task in progress:\n"+strings.TrimSpace(summary))
	}

	if len(sections) == 0 {
		return "", fmt.Errorf("%w: empty cut", ErrSummarizationFailed)
	}
	return strings.Join(sections, "\n\n"), nil
}

const transcriptToolResultLimit = 2000

// RenderTranscript flattens entries into a plain-text transcript for the
// summarizer. Oversized tool results are truncated; bookkeeping entries are
// skipped.
func RenderTranscript(entries []tree.Entry) string {
	var b strings.Builder
	for _, entry := range entries {
		switch entry.Kind {
		case tree.KindMessage:
			msg := entry.Message
			if msg == nil {
				continue
			}
			switch msg.Role {
			case tree.RoleToolResult:
				if msg.ToolResult == nil {
					continue
				}
				content := msg.ToolResult.Content
				if len(content) > transcriptToolResultLimit {
					content = content[:transcriptToolResultLimit] + "\n[truncated]"
				}
				fmt.Fprintf(&b, "tool result (%s): %s\n", msg.ToolResult.ToolName, content)
			default:
				text := entry.Text()
				for _, call := range msg.ToolCalls {
					fmt.Fprintf(&b, "%s calls %s(%s)\n", msg.Role, call.Name, string(call.Arguments))
				}
				if text != "" {
					fmt.Fprintf(&b, "%s: %s\n", msg.Role, text)
				}
			}
		case tree.KindCustomMessage, tree.KindCompaction, tree.KindBranchSummary:
			if text := entry.Text(); text != "" {
				fmt.Fprintf(&b, "%s: %s\n", entry.Kind, text)
			}
		}
	}
	return b.String()
}

const summarySystemPrompt = `You summarize coding-agent conversations so work can continue in a fresh context. Produce a structured summary with these sections:

## Goal
## Constraints
## Progress
## Key decisions
## Next steps
## Critical context

Carry forward everything from the previous summary that is still relevant. Be specific: exact file paths, function names, command invocations, error messages. Omit pleasantries and dead ends that no longer matter.`

// LLMSummarizer implements Summarizer over a streaming model provider.
type LLMSummarizer struct {
	Provider  llm.Provider
	Model     string
	MaxTokens int
}

// Summarize issues one summarization request and collects the streamed text.
func (s *LLMSummarizer) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	system := summarySystemPrompt
	if instructions := strings.TrimSpace(req.Instructions); instructions != "" {
		if req.ReplaceInstructions {
			system = instructions
		} else {
			system = summarySystemPrompt + "\n\nAdditional instructions:\n" + instructions
		}
	}

	var prompt strings.Builder
	if strings.TrimSpace(req.Previous) != "" {
		prompt.WriteString("Previous summary:\n")
		prompt.WriteString(strings.TrimSpace(req.Previous))
		prompt.WriteString("\n\n")
	}
	prompt.WriteString("Conversation to summarize:\n")
	prompt.WriteString(req.Transcript)
	if req.Details != nil {
		if len(req.Details.ReadFiles) > 0 {
			prompt.WriteString("\nFiles read: " + strings.Join(req.Details.ReadFiles, ", "))
		}
		if len(req.Details.ModifiedFiles) > 0 {
			prompt.WriteString("\nFiles modified: " + strings.Join(req.Details.ModifiedFiles, ", "))
		}
	}

	maxTokens := s.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	events, err := s.Provider.Stream(ctx, &llm.Request{
		Model:     s.Model,
		System:    system,
		MaxTokens: maxTokens,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: []llm.ContentBlock{{Type: llm.ContentTypeText, Text: prompt.String()}},
		}},
	})
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for event := range events {
		switch event.Type {
		case llm.EventTextDelta:
			out.WriteString(event.TextDelta)
		case llm.EventError:
			return "", event.Err
		}
	}
	summary := strings.TrimSpace(out.String())
	if summary == "" {
		return "", errors.New("summarizer returned empty text")
	}
	return summary, nil
}
