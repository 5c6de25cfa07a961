package tree

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"pigo/internal/llm"
)

func userEntry(text string) Entry {
	return Entry{
		Kind: KindMessage,
		Message: &MessagePayload{
			Role:    RoleUser,
			Content: []llm.ContentBlock{{Type: llm.ContentTypeText, Text: text}},
		},
	}
}

func assistantEntry(text string) Entry {
	return Entry{
		Kind: KindMessage,
		Message: &MessagePayload{
			Role:    RoleAssistant,
			Content: []llm.ContentBlock{{Type: llm.ContentTypeText, Text: text}},
		},
	}
}

// recordingSink captures every persisted entry.
type recordingSink struct {
	entries []Entry
	fail    error
}

func (s *recordingSink) AppendEntry(entry Entry) error {
	if s.fail != nil {
		return s.fail
	}
	s.entries = append(s.entries, entry)
	return nil
}

func mustAppend(t *testing.T, tr *Tree, entry Entry) string {
	t.Helper()
	id, err := tr.Append(entry)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	return id
}

func TestStoreAppendValidation(t *testing.T) {
	t.Parallel()

	store := NewStore()

	if err := store.Append(Entry{Kind: KindMessage}); !errors.Is(err, ErrEntryIDRequired) {
		t.Fatalf("missing id error = %v, want ErrEntryIDRequired", err)
	}
	if err := store.Append(Entry{ID: "a"}); !errors.Is(err, ErrEntryKindRequired) {
		t.Fatalf("missing kind error = %v, want ErrEntryKindRequired", err)
	}
	if err := store.Append(Entry{ID: "a", Kind: KindMessage}); err != nil {
		t.Fatalf("Append(a) error = %v", err)
	}
	if err := store.Append(Entry{ID: "a", Kind: KindMessage}); !errors.Is(err, ErrDuplicateEntryID) {
		t.Fatalf("duplicate id error = %v, want ErrDuplicateEntryID", err)
	}
	if err := store.Append(Entry{ID: "b", ParentID: "missing", Kind: KindMessage}); !errors.Is(err, ErrOrphanEntry) {
		t.Fatalf("orphan error = %v, want ErrOrphanEntry", err)
	}
	if err := store.Append(Entry{ID: "b", ParentID: "a", Kind: KindMessage}); err != nil {
		t.Fatalf("Append(b) error = %v", err)
	}
	if got := store.Children("a"); len(got) != 1 || got[0] != "b" {
		t.Fatalf("Children(a) = %v, want [b]", got)
	}
}

func TestStoreWalkToRoot(t *testing.T) {
	t.Parallel()

	store := NewStore()
	for _, e := range []Entry{
		{ID: "r", Kind: KindMessage},
		{ID: "m", ParentID: "r", Kind: KindMessage},
		{ID: "l", ParentID: "m", Kind: KindMessage},
	} {
		if err := store.Append(e); err != nil {
			t.Fatalf("Append(%s) error = %v", e.ID, err)
		}
	}

	path, err := store.WalkToRoot("l")
	if err != nil {
		t.Fatalf("WalkToRoot() error = %v", err)
	}
	got := make([]string, 0, len(path))
	for _, e := range path {
		got = append(got, e.ID)
	}
	if strings.Join(got, ",") != "l,m,r" {
		t.Fatalf("WalkToRoot() = %v, want [l m r]", got)
	}

	if _, err := store.WalkToRoot("missing"); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("WalkToRoot(missing) error = %v, want ErrEntryNotFound", err)
	}
	if path, err := store.WalkToRoot(""); err != nil || path != nil {
		t.Fatalf("WalkToRoot(\"\") = %v, %v, want nil, nil", path, err)
	}
}

func TestTreeAppendAssignsIDsAndPersists(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	tr := New(WithSink(sink))

	first := mustAppend(t, tr, userEntry("hello"))
	second := mustAppend(t, tr, assistantEntry("hi"))

	if first == "" || second == "" || first == second {
		t.Fatalf("ids = %q, %q, want distinct non-empty", first, second)
	}
	if tr.Leaf() != second {
		t.Fatalf("Leaf() = %q, want %q", tr.Leaf(), second)
	}

	entry, err := tr.Get(second)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if entry.ParentID != first {
		t.Fatalf("ParentID = %q, want %q", entry.ParentID, first)
	}
	if entry.TS <= 0 {
		t.Fatal("timestamp was not assigned")
	}

	if len(sink.entries) != 2 {
		t.Fatalf("sink received %d entries, want 2", len(sink.entries))
	}
	if sink.entries[0].ID != first || sink.entries[1].ID != second {
		t.Fatalf("sink order = [%s %s], want [%s %s]",
			sink.entries[0].ID, sink.entries[1].ID, first, second)
	}
}

func TestTreeAppendSinkFailureLeavesLeafUnchanged(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	tr := New(WithSink(sink))
	first := mustAppend(t, tr, userEntry("hello"))

	sink.fail = errors.New("disk full")
	if _, err := tr.Append(assistantEntry("hi")); err == nil {
		t.Fatal("expected persist error")
	}
	if tr.Leaf() != first {
		t.Fatalf("Leaf() = %q after failed append, want %q", tr.Leaf(), first)
	}
}

func TestTreeAppendChildStartsNewRootLine(t *testing.T) {
	t.Parallel()

	tr := New()
	mustAppend(t, tr, userEntry("first root"))

	id, err := tr.AppendChild("", userEntry("second root"))
	if err != nil {
		t.Fatalf("AppendChild() error = %v", err)
	}
	entry, err := tr.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if entry.ParentID != "" {
		t.Fatalf("ParentID = %q, want root", entry.ParentID)
	}
	if tr.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", tr.Len())
	}
}

func TestLoadPositionsLeafOnLastEntry(t *testing.T) {
	t.Parallel()

	src := New()
	mustAppend(t, src, userEntry("hello"))
	last := mustAppend(t, src, assistantEntry("hi"))

	tr, err := Load(src.Entries())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if tr.Leaf() != last {
		t.Fatalf("Leaf() = %q, want %q", tr.Leaf(), last)
	}
	if tr.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", tr.Len())
	}
}

func TestPathReturnsRootToLeaf(t *testing.T) {
	t.Parallel()

	tr := New()
	root := mustAppend(t, tr, userEntry("q"))
	mid := mustAppend(t, tr, assistantEntry("a"))
	leaf := mustAppend(t, tr, userEntry("follow-up"))

	path, err := tr.Path(leaf)
	if err != nil {
		t.Fatalf("Path() error = %v", err)
	}
	want := []string{root, mid, leaf}
	if len(path) != len(want) {
		t.Fatalf("Path() has %d entries, want %d", len(path), len(want))
	}
	for i, e := range path {
		if e.ID != want[i] {
			t.Fatalf("path[%d] = %s, want %s", i, e.ID, want[i])
		}
	}
}

func TestBranchSemantics(t *testing.T) {
	t.Parallel()

	tr := New()
	root := mustAppend(t, tr, userEntry("first question"))
	reply := mustAppend(t, tr, assistantEntry("first answer"))
	second := mustAppend(t, tr, userEntry("second question"))

	// Selecting a user message repositions on its parent and surfaces
	// the text for editing.
	editable, err := tr.Branch(second)
	if err != nil {
		t.Fatalf("Branch(user) error = %v", err)
	}
	if editable != "second question" {
		t.Fatalf("editable = %q, want %q", editable, "second question")
	}
	if tr.Leaf() != reply {
		t.Fatalf("Leaf() = %q, want %q", tr.Leaf(), reply)
	}

	// Selecting an assistant message moves the leaf onto it.
	editable, err = tr.Branch(reply)
	if err != nil {
		t.Fatalf("Branch(assistant) error = %v", err)
	}
	if editable != "" {
		t.Fatalf("editable = %q, want empty", editable)
	}
	if tr.Leaf() != reply {
		t.Fatalf("Leaf() = %q, want %q", tr.Leaf(), reply)
	}

	// Selecting the root user message resets to an empty conversation.
	editable, err = tr.Branch(root)
	if err != nil {
		t.Fatalf("Branch(root) error = %v", err)
	}
	if editable != "first question" {
		t.Fatalf("editable = %q, want %q", editable, "first question")
	}
	if tr.Leaf() != "" {
		t.Fatalf("Leaf() = %q, want empty", tr.Leaf())
	}

	if _, err := tr.Branch("missing"); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("Branch(missing) error = %v, want ErrEntryNotFound", err)
	}
}

func TestForkCopiesOnlyLeafPath(t *testing.T) {
	t.Parallel()

	tr := New()
	root := mustAppend(t, tr, userEntry("q"))
	keptLeaf := mustAppend(t, tr, assistantEntry("a"))

	// A sibling branch off the root must not be carried over.
	if _, err := tr.AppendChild(root, assistantEntry("other branch")); err != nil {
		t.Fatalf("AppendChild() error = %v", err)
	}

	sink := &recordingSink{}
	forked, err := tr.Fork(keptLeaf, WithSink(sink))
	if err != nil {
		t.Fatalf("Fork() error = %v", err)
	}
	if forked.Len() != 2 {
		t.Fatalf("forked Len() = %d, want 2", forked.Len())
	}
	if forked.Leaf() != keptLeaf {
		t.Fatalf("forked Leaf() = %q, want %q", forked.Leaf(), keptLeaf)
	}
	if len(sink.entries) != 2 {
		t.Fatalf("sink received %d entries, want 2", len(sink.entries))
	}
	// Ids are stable across the fork.
	if _, err := forked.Get(root); err != nil {
		t.Fatalf("forked Get(root) error = %v", err)
	}

	// The fork is independent of the source tree.
	mustAppend(t, forked, userEntry("forked only"))
	if tr.Len() != 3 {
		t.Fatalf("source Len() = %d after fork append, want 3", tr.Len())
	}
}

func TestCommonAncestor(t *testing.T) {
	t.Parallel()

	tr := New()
	root := mustAppend(t, tr, userEntry("q"))
	shared := mustAppend(t, tr, assistantEntry("a"))
	left := mustAppend(t, tr, userEntry("left"))

	right, err := tr.AppendChild(shared, userEntry("right"))
	if err != nil {
		t.Fatalf("AppendChild() error = %v", err)
	}

	got, err := tr.CommonAncestor(left, right)
	if err != nil {
		t.Fatalf("CommonAncestor() error = %v", err)
	}
	if got != shared {
		t.Fatalf("CommonAncestor() = %q, want %q", got, shared)
	}

	other, err := tr.AppendChild("", userEntry("disjoint root"))
	if err != nil {
		t.Fatalf("AppendChild() error = %v", err)
	}
	got, err = tr.CommonAncestor(left, other)
	if err != nil {
		t.Fatalf("CommonAncestor() error = %v", err)
	}
	if got != "" {
		t.Fatalf("CommonAncestor() = %q, want empty for disjoint roots", got)
	}
	_ = root
}

func TestActiveBranchWithoutCompaction(t *testing.T) {
	t.Parallel()

	tr := New()
	mustAppend(t, tr, userEntry("q"))
	leaf := mustAppend(t, tr, assistantEntry("a"))

	entries, last, err := tr.ActiveBranch(leaf)
	if err != nil {
		t.Fatalf("ActiveBranch() error = %v", err)
	}
	if last != nil {
		t.Fatalf("lastCompaction = %+v, want nil", last)
	}
	if len(entries) != 2 {
		t.Fatalf("ActiveBranch() has %d entries, want 2", len(entries))
	}
}

func TestActiveBranchAfterCompaction(t *testing.T) {
	t.Parallel()

	tr := New()
	mustAppend(t, tr, userEntry("old 1"))
	mustAppend(t, tr, assistantEntry("old 2"))
	kept := mustAppend(t, tr, userEntry("kept"))
	mustAppend(t, tr, assistantEntry("kept reply"))

	compID := mustAppend(t, tr, Entry{
		Kind: KindCompaction,
		Compaction: &CompactionPayload{
			Summary:          "summary of old work",
			FirstKeptEntryID: kept,
			TokensBefore:     5000,
		},
	})
	after := mustAppend(t, tr, userEntry("after compaction"))

	entries, last, err := tr.ActiveBranch(after)
	if err != nil {
		t.Fatalf("ActiveBranch() error = %v", err)
	}
	if last == nil || last.ID != compID {
		t.Fatalf("lastCompaction = %+v, want id %s", last, compID)
	}

	got := make([]string, 0, len(entries))
	for _, e := range entries {
		got = append(got, e.Text())
	}
	want := "kept,kept reply,after compaction"
	if strings.Join(got, ",") != want {
		t.Fatalf("ActiveBranch() texts = %v, want %s", got, want)
	}
	for _, e := range entries {
		if e.Kind == KindCompaction {
			t.Fatal("compaction entry leaked into the active branch")
		}
	}
}

func TestPriorDetails(t *testing.T) {
	t.Parallel()

	tr := New()
	mustAppend(t, tr, userEntry("q"))
	mustAppend(t, tr, Entry{
		Kind: KindCompaction,
		Compaction: &CompactionPayload{
			Summary: "s",
			Details: &FileDetails{ReadFiles: []string{"a.go"}, ModifiedFiles: []string{"b.go"}},
		},
	})
	leaf := mustAppend(t, tr, userEntry("next"))

	details, err := tr.PriorDetails(leaf)
	if err != nil {
		t.Fatalf("PriorDetails() error = %v", err)
	}
	if details == nil {
		t.Fatal("PriorDetails() = nil, want details from compaction")
	}
	if len(details.ReadFiles) != 1 || details.ReadFiles[0] != "a.go" {
		t.Fatalf("ReadFiles = %v, want [a.go]", details.ReadFiles)
	}

	// Mutating the returned copy must not affect stored state.
	details.ReadFiles[0] = "mutated"
	again, err := tr.PriorDetails(leaf)
	if err != nil {
		t.Fatalf("PriorDetails() error = %v", err)
	}
	if again.ReadFiles[0] != "a.go" {
		t.Fatalf("stored details mutated: %v", again.ReadFiles)
	}
}

func TestPriorDetailsWithoutSummaries(t *testing.T) {
	t.Parallel()

	tr := New()
	leaf := mustAppend(t, tr, userEntry("q"))

	details, err := tr.PriorDetails(leaf)
	if err != nil {
		t.Fatalf("PriorDetails() error = %v", err)
	}
	if details != nil {
		t.Fatalf("PriorDetails() = %+v, want nil", details)
	}
}

func TestFileDetailsMergeDedupes(t *testing.T) {
	t.Parallel()

	a := &FileDetails{ReadFiles: []string{"b.go", "a.go"}}
	b := &FileDetails{ReadFiles: []string{"a.go", "c.go"}, ModifiedFiles: []string{"m.go"}}

	merged := a.Merge(b)
	if merged == nil {
		t.Fatal("Merge() = nil")
	}
	if strings.Join(merged.ReadFiles, ",") != "a.go,b.go,c.go" {
		t.Fatalf("ReadFiles = %v, want sorted deduped union", merged.ReadFiles)
	}
	if len(merged.ModifiedFiles) != 1 || merged.ModifiedFiles[0] != "m.go" {
		t.Fatalf("ModifiedFiles = %v, want [m.go]", merged.ModifiedFiles)
	}

	var nilDetails *FileDetails
	if got := nilDetails.Merge(nil); got != nil {
		t.Fatalf("nil.Merge(nil) = %+v, want nil", got)
	}
}

func TestEntryTextVariants(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		entry Entry
		want  string
	}{
		{"user message", userEntry("hello"), "hello"},
		{"tool result fallback", Entry{
			Kind: KindMessage,
			Message: &MessagePayload{
				Role:       RoleToolResult,
				ToolResult: &llm.ToolResult{Content: "tool output"},
			},
		}, "tool output"},
		{"compaction summary", Entry{
			Kind:       KindCompaction,
			Compaction: &CompactionPayload{Summary: "the summary"},
		}, "the summary"},
		{"bookkeeping kind", Entry{Kind: KindLabel, Label: "checkpoint"}, ""},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.entry.Text(); got != tc.want {
				t.Fatalf("Text() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestChildrenTracksSiblings(t *testing.T) {
	t.Parallel()

	tr := New()
	root := mustAppend(t, tr, userEntry("q"))
	for i := 0; i < 3; i++ {
		if _, err := tr.AppendChild(root, assistantEntry(fmt.Sprintf("answer %d", i))); err != nil {
			t.Fatalf("AppendChild() error = %v", err)
		}
	}
	if got := tr.Children(root); len(got) != 3 {
		t.Fatalf("Children() has %d ids, want 3", len(got))
	}
}
