package compact

import (
	"errors"

	"pigo/internal/tree"
)

var (
	// ErrNothingToCompact indicates the active branch already fits the
	// keep-recent budget.
	ErrNothingToCompact = errors.New("nothing to compact")
	// ErrNoValidCutPoint indicates no legal cut exists in the candidate range.
	ErrNoValidCutPoint = errors.New("no valid cut point")
)

// Cut describes where the history is split for compaction. Entries strictly
// before the first kept entry are summarized; the first kept entry and
// everything after it survive verbatim.
type Cut struct {
	// FirstKeptID is the id of the oldest entry kept in context.
	FirstKeptID string
	// Summarize holds the complete turns to fold into the summary.
	Summarize []tree.Entry
	// TurnPrefix holds the head of an oversized turn that must itself be
	// summarized. Empty unless SplitTurn.
	TurnPrefix []tree.Entry
	// SplitTurn is true when the newest turn alone exceeded the budget and
	// had to be cut mid-turn.
	SplitTurn bool
	// TokensBefore is the estimated size of the whole candidate range.
	TokensBefore int
}

// FindCut selects the cut point for a candidate range (oldest first),
// keeping roughly keepRecentTokens of the newest history. It prefers a clean
// cut at a user-message turn boundary; when the newest turn alone exceeds
// the budget it splits that turn at the nearest legal entry. Cutting
// directly before a tool result is never legal: the kept context would open
// with a result whose call was summarized away.
func FindCut(entries []tree.Entry, keepRecentTokens int) (Cut, error) {
	if len(entries) == 0 {
		return Cut{}, ErrNothingToCompact
	}

	tokensBefore := EstimateEntries(entries)

	// Walk newest to oldest accumulating size; remember the oldest turn
	// boundary that still fits the budget.
	turnStart := -1
	acc := 0
	for i := len(entries) - 1; i >= 0; i-- {
		acc += EstimateEntry(entries[i])
		if acc > keepRecentTokens {
			break
		}
		if isTurnBoundary(entries[i]) {
			turnStart = i
		}
	}

	if turnStart == 0 {
		return Cut{}, ErrNothingToCompact
	}
	if turnStart > 0 {
		return Cut{
			FirstKeptID:  entries[turnStart].ID,
			Summarize:    entries[:turnStart],
			TokensBefore: tokensBefore,
		}, nil
	}

	// No turn boundary fits: the newest turn alone blows the budget. Cut
	// inside it at the nearest legal entry that keeps us within budget.
	return splitTurnCut(entries, keepRecentTokens, tokensBefore)
}

func splitTurnCut(entries []tree.Entry, keepRecentTokens, tokensBefore int) (Cut, error) {
	turnStart := 0
	for i := len(entries) - 1; i >= 0; i-- {
		if isTurnBoundary(entries[i]) {
			turnStart = i
			break
		}
	}

	// Within the turn, keep the largest suffix that fits the budget and
	// starts at a legal cut entry.
	cutIdx := -1
	acc := 0
	for i := len(entries) - 1; i > turnStart; i-- {
		acc += EstimateEntry(entries[i])
		if acc > keepRecentTokens {
			break
		}
		if isLegalCut(entries[i]) {
			cutIdx = i
		}
	}
	if cutIdx < 0 {
		// Nothing fits; keep as little as possible by cutting at the last
		// legal entry in the turn.
		for i := len(entries) - 1; i > turnStart; i-- {
			if isLegalCut(entries[i]) {
				cutIdx = i
				break
			}
		}
	}
	if cutIdx < 0 {
		return Cut{}, ErrNoValidCutPoint
	}

	return Cut{
		FirstKeptID:  entries[cutIdx].ID,
		Summarize:    entries[:turnStart],
		TurnPrefix:   entries[turnStart:cutIdx],
		SplitTurn:    true,
		TokensBefore: tokensBefore,
	}, nil
}

// TakeRecent returns the newest suffix of entries that fits the budget,
// always keeping at least one entry. Branch summarization shares this with
// the compaction path so both trim history the same way.
func TakeRecent(entries []tree.Entry, budget int) []tree.Entry {
	if len(entries) == 0 {
		return nil
	}
	acc := 0
	start := len(entries) - 1
	for i := len(entries) - 1; i >= 0; i-- {
		acc += EstimateEntry(entries[i])
		if acc > budget && i < len(entries)-1 {
			break
		}
		start = i
	}
	return entries[start:]
}

// isTurnBoundary reports whether an entry starts a new conversational turn.
func isTurnBoundary(entry tree.Entry) bool {
	if entry.IsUserMessage() {
		return true
	}
	return entry.Kind == tree.KindCustomMessage && entry.CustomMessage != nil && entry.CustomMessage.InContext
}

// isLegalCut reports whether the kept context may begin at this entry.
func isLegalCut(entry tree.Entry) bool {
	switch entry.Kind {
	case tree.KindMessage:
		if entry.Message == nil {
			return false
		}
		switch entry.Message.Role {
		case tree.RoleUser, tree.RoleAssistant, tree.RoleBashExecution:
			return true
		default:
			return false
		}
	case tree.KindCustomMessage:
		return true
	default:
		return false
	}
}
