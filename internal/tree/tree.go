package tree

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrSinkRequired indicates a persistence sink rejected an append.
	ErrSinkRequired = errors.New("entry sink is required")
)

// EntrySink receives every committed entry for persistence. The tree is the
// single choke point for writes; compaction and branch summarization commit
// through it, never directly to storage.
type EntrySink interface {
	AppendEntry(entry Entry) error
}

// Tree tracks the current leaf position over an entry arena and owns all
// leaf mutation. A "" leaf means an empty conversation.
type Tree struct {
	store  *Store
	sink   EntrySink
	leafID string
}

// Option configures tree construction.
type Option func(*Tree)

// WithSink attaches a persistence sink invoked after each arena commit.
func WithSink(sink EntrySink) Option {
	return func(t *Tree) {
		t.sink = sink
	}
}

// New returns an empty tree.
func New(opts ...Option) *Tree {
	t := &Tree{store: NewStore()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Load rebuilds a tree from previously persisted entries, in append order.
// The leaf is positioned on the last loaded entry.
func Load(entries []Entry, opts ...Option) (*Tree, error) {
	t := New(opts...)
	for _, entry := range entries {
		if err := t.store.Append(entry); err != nil {
			return nil, fmt.Errorf("load entry %s: %w", entry.ID, err)
		}
		t.leafID = entry.ID
	}
	return t, nil
}

// Leaf returns the current leaf id, "" for an empty conversation.
func (t *Tree) Leaf() string {
	return t.leafID
}

// Len returns the number of entries in the arena.
func (t *Tree) Len() int {
	return t.store.Len()
}

// Get returns one entry by id.
func (t *Tree) Get(id string) (Entry, error) {
	return t.store.Get(id)
}

// Entries returns all entries in append order.
func (t *Tree) Entries() []Entry {
	return t.store.Entries()
}

// Children returns direct child ids of an entry.
func (t *Tree) Children(id string) []string {
	return t.store.Children(id)
}

// Append commits an entry as a child of the current leaf and moves the leaf
// to it. The entry id and timestamp are assigned here.
func (t *Tree) Append(entry Entry) (string, error) {
	return t.AppendChild(t.leafID, entry)
}

// AppendChild commits an entry under an explicit parent and moves the leaf
// to the new entry. parentID "" starts a new root line.
func (t *Tree) AppendChild(parentID string, entry Entry) (string, error) {
	entry.ID = ulid.Make().String()
	entry.ParentID = strings.TrimSpace(parentID)
	if entry.TS <= 0 {
		entry.TS = time.Now().Unix()
	}

	if err := t.store.Append(entry); err != nil {
		return "", err
	}
	if t.sink != nil {
		if err := t.sink.AppendEntry(entry); err != nil {
			return "", fmt.Errorf("persist entry: %w", err)
		}
	}
	t.leafID = entry.ID
	return entry.ID, nil
}

// WalkToRoot returns the parent chain from fromID, leaf first.
func (t *Tree) WalkToRoot(fromID string) ([]Entry, error) {
	return t.store.WalkToRoot(fromID)
}

// Path returns the root-to-leaf entry sequence for leafID.
func (t *Tree) Path(leafID string) ([]Entry, error) {
	path, err := t.store.WalkToRoot(leafID)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// Branch moves the leaf for resubmission-style navigation: selecting a user
// or custom-message entry repositions the leaf on its parent and returns the
// entry's text so it can be edited and resubmitted; selecting anything else
// moves the leaf onto the entry itself. Selecting a root user message resets
// the leaf to "" (empty conversation).
func (t *Tree) Branch(entryID string) (editable string, err error) {
	id := strings.TrimSpace(entryID)
	if id == "" {
		t.leafID = ""
		return "", nil
	}

	entry, err := t.store.Get(id)
	if err != nil {
		return "", err
	}

	if entry.IsUserMessage() || entry.Kind == KindCustomMessage {
		t.leafID = entry.ParentID
		return entry.Text(), nil
	}
	t.leafID = id
	return "", nil
}

// Fork duplicates the leaf-to-root path of leafID into an independent tree.
// Entries keep their ids and parent links; siblings outside the path are not
// carried over.
func (t *Tree) Fork(leafID string, opts ...Option) (*Tree, error) {
	path, err := t.Path(leafID)
	if err != nil {
		return nil, err
	}

	forked := New(opts...)
	for _, entry := range path {
		if err := forked.store.Append(entry); err != nil {
			return nil, fmt.Errorf("fork entry %s: %w", entry.ID, err)
		}
		if forked.sink != nil {
			if err := forked.sink.AppendEntry(entry); err != nil {
				return nil, fmt.Errorf("persist forked entry: %w", err)
			}
		}
		forked.leafID = entry.ID
	}
	return forked, nil
}

// CommonAncestor returns the deepest entry shared by the root paths of a and
// b, or "" when the two positions share no ancestor.
func (t *Tree) CommonAncestor(aID, bID string) (string, error) {
	aPath, err := t.Path(aID)
	if err != nil {
		return "", err
	}
	bPath, err := t.Path(bID)
	if err != nil {
		return "", err
	}

	shared := ""
	for i := 0; i < len(aPath) && i < len(bPath); i++ {
		if aPath[i].ID != bPath[i].ID {
			break
		}
		shared = aPath[i].ID
	}
	return shared, nil
}

// ActiveBranch returns the in-context entries on the path to leafID: with no
// compaction, the whole path; otherwise the latest compaction's kept region
// (from its first kept entry up to the compaction) followed by everything
// after it. Compaction entries themselves are excluded; the latest one is
// returned separately (nil when none). This is exactly the range a future
// compaction may summarize.
func (t *Tree) ActiveBranch(leafID string) (entries []Entry, lastCompaction *Entry, err error) {
	path, err := t.Path(leafID)
	if err != nil {
		return nil, nil, err
	}

	compactionIndex := -1
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].Kind == KindCompaction {
			comp := path[i]
			lastCompaction = &comp
			compactionIndex = i
			break
		}
	}
	if compactionIndex < 0 {
		return path, nil, nil
	}

	start := compactionIndex
	firstKept := ""
	if lastCompaction.Compaction != nil {
		firstKept = lastCompaction.Compaction.FirstKeptEntryID
	}
	if firstKept != "" {
		for i := 0; i < compactionIndex; i++ {
			if path[i].ID == firstKept {
				start = i
				break
			}
		}
	}
	for i := start; i < len(path); i++ {
		if path[i].Kind == KindCompaction {
			continue
		}
		entries = append(entries, path[i])
	}
	return entries, lastCompaction, nil
}

// PriorDetails returns the cumulative file details recorded by the most
// recent compaction or branch-summary entry on the path to leafID.
func (t *Tree) PriorDetails(leafID string) (*FileDetails, error) {
	path, err := t.store.WalkToRoot(leafID)
	if err != nil {
		return nil, err
	}
	for _, entry := range path {
		switch entry.Kind {
		case KindCompaction:
			if entry.Compaction != nil {
				return entry.Compaction.Details.Clone(), nil
			}
			return nil, nil
		case KindBranchSummary:
			if entry.BranchSummary != nil {
				return entry.BranchSummary.Details.Clone(), nil
			}
			return nil, nil
		}
	}
	return nil, nil
}
