package tree

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrOrphanEntry indicates an append referencing an unknown parent id.
	ErrOrphanEntry = errors.New("orphan entry: unknown parent")
	// ErrEntryNotFound indicates a lookup for an id not present in the store.
	ErrEntryNotFound = errors.New("entry not found")
	// ErrEntryIDRequired indicates an append without a stable id.
	ErrEntryIDRequired = errors.New("entry id is required")
	// ErrDuplicateEntryID indicates an append reusing an existing id.
	ErrDuplicateEntryID = errors.New("duplicate entry id")
	// ErrEntryKindRequired indicates an append without a kind tag.
	ErrEntryKindRequired = errors.New("entry kind is required")
)

// Store is the append-only arena of tree entries indexed by id. Parent links
// are plain id strings; acyclicity is enforced once at append time (a child
// can only reference an already-stored parent), never re-validated per walk.
type Store struct {
	order    []string
	byID     map[string]Entry
	children map[string][]string
}

// NewStore returns an empty arena.
func NewStore() *Store {
	return &Store{
		byID:     make(map[string]Entry),
		children: make(map[string][]string),
	}
}

// Append stores one entry. The parent, when set, must already exist.
func (s *Store) Append(entry Entry) error {
	id := strings.TrimSpace(entry.ID)
	if id == "" {
		return ErrEntryIDRequired
	}
	if strings.TrimSpace(string(entry.Kind)) == "" {
		return ErrEntryKindRequired
	}
	if _, exists := s.byID[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateEntryID, id)
	}

	parent := strings.TrimSpace(entry.ParentID)
	if parent != "" {
		if _, ok := s.byID[parent]; !ok {
			return fmt.Errorf("%w: %s", ErrOrphanEntry, parent)
		}
	}

	entry.ID = id
	entry.ParentID = parent
	s.order = append(s.order, id)
	s.byID[id] = entry
	if parent != "" {
		s.children[parent] = append(s.children[parent], id)
	}
	return nil
}

// Get returns the entry for id.
func (s *Store) Get(id string) (Entry, error) {
	entry, ok := s.byID[strings.TrimSpace(id)]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return entry.Clone(), nil
}

// Has reports whether id is present.
func (s *Store) Has(id string) bool {
	_, ok := s.byID[strings.TrimSpace(id)]
	return ok
}

// Children returns the ids of direct children of id in append order.
func (s *Store) Children(id string) []string {
	return append([]string(nil), s.children[strings.TrimSpace(id)]...)
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	return len(s.order)
}

// Entries returns all entries in append order.
func (s *Store) Entries() []Entry {
	out := make([]Entry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].Clone())
	}
	return out
}

// WalkToRoot returns the parent chain from fromID to the root, leaf first.
// The walk is finite by construction; append-time validation guarantees no
// cycles, so revisit tracking only guards against corrupted loads.
func (s *Store) WalkToRoot(fromID string) ([]Entry, error) {
	current := strings.TrimSpace(fromID)
	if current == "" {
		return nil, nil
	}

	path := make([]Entry, 0, len(s.order))
	visited := make(map[string]struct{}, len(s.order))
	for current != "" {
		if _, seen := visited[current]; seen {
			return nil, fmt.Errorf("parent cycle detected at %s", current)
		}
		visited[current] = struct{}{}
		entry, ok := s.byID[current]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, current)
		}
		path = append(path, entry.Clone())
		current = entry.ParentID
	}
	return path, nil
}
