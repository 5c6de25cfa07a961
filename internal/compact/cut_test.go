package compact

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"pigo/internal/llm"
	"pigo/internal/tree"
)

var entrySeq int

func userEntry(text string) tree.Entry {
	entrySeq++
	return tree.Entry{
		ID:   fmt.Sprintf("e%02d", entrySeq),
		Kind: tree.KindMessage,
		TS:   int64(entrySeq),
		Message: &tree.MessagePayload{
			Role:    tree.RoleUser,
			Content: []llm.ContentBlock{{Type: llm.ContentTypeText, Text: text}},
		},
	}
}

func assistantEntry(text string, calls ...llm.ToolCall) tree.Entry {
	entrySeq++
	return tree.Entry{
		ID:   fmt.Sprintf("e%02d", entrySeq),
		Kind: tree.KindMessage,
		TS:   int64(entrySeq),
		Message: &tree.MessagePayload{
			Role:      tree.RoleAssistant,
			Content:   []llm.ContentBlock{{Type: llm.ContentTypeText, Text: text}},
			ToolCalls: calls,
		},
	}
}

func toolResultEntry(name, content string) tree.Entry {
	entrySeq++
	return tree.Entry{
		ID:   fmt.Sprintf("e%02d", entrySeq),
		Kind: tree.KindMessage,
		TS:   int64(entrySeq),
		Message: &tree.MessagePayload{
			Role: tree.RoleToolResult,
			ToolResult: &llm.ToolResult{
				ToolCallID: "t1",
				ToolName:   name,
				Content:    content,
			},
		},
	}
}

func TestFindCutPrefersUserTurnBoundary(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 2000)
	entries := []tree.Entry{
		userEntry(long),
		assistantEntry(long),
		userEntry("short follow-up"),
		assistantEntry("short answer"),
	}
	// Budget fits the last turn but not the first.
	budget := EstimateEntry(entries[2]) + EstimateEntry(entries[3]) + 1

	cut, err := FindCut(entries, budget)
	if err != nil {
		t.Fatalf("FindCut() error = %v", err)
	}
	if cut.SplitTurn {
		t.Fatal("SplitTurn = true, want clean cut")
	}
	if cut.FirstKeptID != entries[2].ID {
		t.Fatalf("FirstKeptID = %s, want %s", cut.FirstKeptID, entries[2].ID)
	}
	if len(cut.Summarize) != 2 {
		t.Fatalf("Summarize len = %d, want 2", len(cut.Summarize))
	}
	if cut.TokensBefore != EstimateEntries(entries) {
		t.Fatalf("TokensBefore = %d, want %d", cut.TokensBefore, EstimateEntries(entries))
	}
}

func TestFindCutNothingToCompact(t *testing.T) {
	t.Parallel()

	entries := []tree.Entry{
		userEntry("hi"),
		assistantEntry("hello"),
	}
	if _, err := FindCut(entries, 1<<20); !errors.Is(err, ErrNothingToCompact) {
		t.Fatalf("FindCut() error = %v, want ErrNothingToCompact", err)
	}
	if _, err := FindCut(nil, 100); !errors.Is(err, ErrNothingToCompact) {
		t.Fatalf("FindCut(empty) error = %v, want ErrNothingToCompact", err)
	}
}

func TestFindCutSplitsOversizedTurn(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("y", 3000)
	entries := []tree.Entry{
		userEntry("prior question"),
		assistantEntry("prior answer"),
		userEntry(long),
		assistantEntry(long, llm.ToolCall{ID: "t1", Name: "read", Arguments: json.RawMessage(`{"path":"main.go"}`)}),
		toolResultEntry("read", long),
		assistantEntry("final reasoning"),
	}
	// Budget fits only the tail of the last turn.
	budget := EstimateEntry(entries[5]) + 1

	cut, err := FindCut(entries, budget)
	if err != nil {
		t.Fatalf("FindCut() error = %v", err)
	}
	if !cut.SplitTurn {
		t.Fatal("SplitTurn = false, want split")
	}
	if cut.FirstKeptID != entries[5].ID {
		t.Fatalf("FirstKeptID = %s, want %s", cut.FirstKeptID, entries[5].ID)
	}
	if len(cut.Summarize) != 2 {
		t.Fatalf("Summarize len = %d, want 2 prior-turn entries", len(cut.Summarize))
	}
	if len(cut.TurnPrefix) != 3 {
		t.Fatalf("TurnPrefix len = %d, want 3", len(cut.TurnPrefix))
	}
}

func TestFindCutNeverCutsAtToolResult(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("z", 3000)
	entries := []tree.Entry{
		userEntry(long),
		assistantEntry(long, llm.ToolCall{ID: "t1", Name: "read", Arguments: json.RawMessage(`{"path":"a.go"}`)}),
		toolResultEntry("read", "small result"),
		assistantEntry("done"),
	}
	// Budget fits the tool result and the final answer, but the cut must
	// land on the assistant entry: context cannot open with an orphan result.
	budget := EstimateEntry(entries[2]) + EstimateEntry(entries[3]) + 1

	cut, err := FindCut(entries, budget)
	if err != nil {
		t.Fatalf("FindCut() error = %v", err)
	}
	if cut.FirstKeptID != entries[3].ID {
		t.Fatalf("FirstKeptID = %s, want assistant entry %s", cut.FirstKeptID, entries[3].ID)
	}
}

func TestFindCutNoValidCutPoint(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("w", 3000)
	entries := []tree.Entry{
		userEntry(long),
		toolResultEntry("read", long),
	}
	if _, err := FindCut(entries, 10); !errors.Is(err, ErrNoValidCutPoint) {
		t.Fatalf("FindCut() error = %v, want ErrNoValidCutPoint", err)
	}
}

func TestTakeRecentKeepsNewestSuffix(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("q", 2000)
	entries := []tree.Entry{
		userEntry(long),
		assistantEntry(long),
		assistantEntry("tail"),
	}
	budget := EstimateEntry(entries[2]) + 1

	got := TakeRecent(entries, budget)
	if len(got) != 1 || got[0].ID != entries[2].ID {
		t.Fatalf("TakeRecent() = %d entries, want just the newest", len(got))
	}

	// At least one entry is always kept, even over budget.
	got = TakeRecent(entries[:2], 1)
	if len(got) != 1 {
		t.Fatalf("TakeRecent(tiny budget) = %d entries, want 1", len(got))
	}

	// Everything fits.
	got = TakeRecent(entries, 1<<20)
	if len(got) != 3 {
		t.Fatalf("TakeRecent(huge budget) = %d entries, want 3", len(got))
	}
}

func TestExtractFileOps(t *testing.T) {
	t.Parallel()

	entries := []tree.Entry{
		assistantEntry("reading",
			llm.ToolCall{ID: "t1", Name: "read", Arguments: json.RawMessage(`{"path":"pkg/a.go"}`)},
			llm.ToolCall{ID: "t2", Name: "edit", Arguments: json.RawMessage(`{"file_path":"pkg/b.go","old":"x","new":"y"}`)},
		),
		assistantEntry("again",
			llm.ToolCall{ID: "t3", Name: "read", Arguments: json.RawMessage(`{"path":"pkg/a.go"}`)},
			llm.ToolCall{ID: "t4", Name: "bash", Arguments: json.RawMessage(`{"command":"ls"}`)},
		),
	}

	details := ExtractFileOps(entries)
	if details == nil {
		t.Fatal("details = nil, want file ops")
	}
	if len(details.ReadFiles) != 1 || details.ReadFiles[0] != "pkg/a.go" {
		t.Fatalf("ReadFiles = %v, want [pkg/a.go]", details.ReadFiles)
	}
	if len(details.ModifiedFiles) != 1 || details.ModifiedFiles[0] != "pkg/b.go" {
		t.Fatalf("ModifiedFiles = %v, want [pkg/b.go]", details.ModifiedFiles)
	}

	if got := ExtractFileOps(nil); got != nil {
		t.Fatalf("ExtractFileOps(nil) = %v, want nil", got)
	}
}
