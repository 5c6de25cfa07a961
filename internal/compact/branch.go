package compact

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pigo/internal/hook"
	"pigo/internal/tree"
)

// ErrNoOpNavigation indicates a branch request that would leave the leaf
// where it already is, with nothing to resubmit.
var ErrNoOpNavigation = errors.New("navigation is a no-op")

// NavResult reports one completed navigation.
type NavResult struct {
	// Position is the entry the conversation continues from, "" for an empty
	// conversation.
	Position string
	// Editable is the original text of the selected user message, returned
	// so it can be edited and resubmitted. Empty otherwise.
	Editable string
	// SummaryEntryID is the committed branch-summary entry, "" when the
	// abandoned path was empty or summarization was vetoed.
	SummaryEntryID string
	// Summary is the committed summary text, if any.
	Summary string
}

// Navigator moves the leaf around the session tree, summarizing the work
// abandoned by each jump so it is not silently lost.
type Navigator struct {
	summarizer Summarizer
	cfg        Config
}

// NewNavigator constructs a navigator sharing the engine's configuration.
func NewNavigator(summarizer Summarizer, cfg Config) (*Navigator, error) {
	if summarizer == nil {
		return nil, ErrSummarizerRequired
	}
	if cfg.KeepRecentTokens <= 0 {
		cfg.KeepRecentTokens = 20000
	}
	return &Navigator{summarizer: summarizer, cfg: cfg}, nil
}

// Navigate repositions the leaf on targetID (applying the user-message edit
// rule) and, when the jump abandons work, commits a branch-summary entry
// under the new position so the next turn knows what was tried there.
func (n *Navigator) Navigate(ctx context.Context, t *tree.Tree, targetID string) (*NavResult, error) {
	from := t.Leaf()

	editable, err := t.Branch(targetID)
	if err != nil {
		return nil, err
	}
	position := t.Leaf()

	if position == from && editable == "" {
		return nil, ErrNoOpNavigation
	}

	result := &NavResult{Position: position, Editable: editable}

	abandoned, err := n.abandonedPath(t, from, position)
	if err != nil {
		return nil, err
	}
	if len(abandoned) == 0 {
		return result, nil
	}

	// File history already folded into a compaction or branch summary on the
	// abandoned path stays cumulative across the jump.
	prior, err := t.PriorDetails(from)
	if err != nil {
		return nil, err
	}
	details := prior.Merge(ExtractFileOps(abandoned))
	trimmed := TakeRecent(abandoned, n.cfg.KeepRecentTokens)

	summary := ""
	fromHook := false
	if n.cfg.Hooks != nil {
		decision := n.cfg.Hooks.RunBeforeCompact(ctx, hook.CompactRequest{
			Entries:      trimmed,
			Branching:    true,
			TokensBefore: EstimateEntries(abandoned),
		})
		if decision != nil {
			if decision.Cancel {
				return result, nil
			}
			summary = decision.Summary
			fromHook = true
			if decision.Details != nil {
				details = details.Merge(decision.Details)
			}
		}
	}

	if !fromHook {
		summary, err = n.summarizer.Summarize(ctx, SummaryRequest{
			Transcript:          RenderTranscript(trimmed),
			Details:             details,
			Instructions:        n.cfg.CustomInstructions,
			ReplaceInstructions: n.cfg.ReplaceInstructions,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSummarizationFailed, err)
		}
	}
	if strings.TrimSpace(summary) == "" {
		return result, nil
	}

	summaryID, err := t.AppendChild(position, tree.Entry{
		Kind: tree.KindBranchSummary,
		BranchSummary: &tree.BranchSummaryPayload{
			Summary: summary,
			FromID:  from,
			Details: details,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("commit branch summary: %w", err)
	}
	result.SummaryEntryID = summaryID
	result.Summary = summary
	return result, nil
}

// abandonedPath returns the entries left behind by a jump from the old leaf
// to the new position: the old leaf's ancestry back to (but excluding) the
// deepest ancestor shared with the new position. The walk stops early at a
// compaction entry, whose summary already covers everything older.
func (n *Navigator) abandonedPath(t *tree.Tree, from, to string) ([]tree.Entry, error) {
	if from == "" {
		return nil, nil
	}

	shared := ""
	if to != "" {
		var err error
		shared, err = t.CommonAncestor(from, to)
		if err != nil {
			return nil, err
		}
	}
	// Jumping forward along the same line abandons nothing.
	if shared == from {
		return nil, nil
	}

	chain, err := t.WalkToRoot(from)
	if err != nil {
		return nil, err
	}

	var abandoned []tree.Entry
	for _, entry := range chain {
		if entry.ID == shared {
			break
		}
		if entry.Kind == tree.KindCompaction {
			break
		}
		abandoned = append(abandoned, entry)
	}
	// Restore oldest-first order.
	for i, j := 0, len(abandoned)-1; i < j; i, j = i+1, j-1 {
		abandoned[i], abandoned[j] = abandoned[j], abandoned[i]
	}
	return abandoned, nil
}
