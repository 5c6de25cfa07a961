package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pigo/internal/tree"
)

const (
	// FormatVersion is the current on-disk entry log version.
	FormatVersion = 2

	defaultSessionDirName = ".pigo/sessions"
	sessionFileExt        = ".jsonl"
	maxJSONLLineSize      = 4 * 1024 * 1024
)

var (
	ErrSessionDirRequired = errors.New("session directory is required")
	ErrSessionIDRequired  = errors.New("session id is required")
	ErrInvalidSessionID   = errors.New("invalid session id")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionExists      = errors.New("session already exists")
	ErrMissingHeader      = errors.New("session file has no header line")
)

// Header is the first line of every session file.
type Header struct {
	Version       int       `json:"version"`
	SessionID     string    `json:"session_id"`
	CreatedAt     time.Time `json:"created_at"`
	Cwd           string    `json:"cwd"`
	ParentSession string    `json:"parent_session,omitempty"`
}

// Info describes one session file on disk.
type Info struct {
	ID        string
	Path      string
	UpdatedAt time.Time
	SizeBytes int64
}

// Log is one append-only session file: a header line followed by one tree
// entry per line. It satisfies tree.EntrySink so the session tree persists
// through it.
type Log struct {
	mu      sync.Mutex
	dir     string
	path    string
	header  Header
	entries []tree.Entry
}

// NewID returns a fresh opaque session id.
func NewID() string {
	return uuid.NewString()
}

// DefaultDir returns the canonical sessions directory under a project root.
func DefaultDir(projectRoot string) string {
	return filepath.Join(projectRoot, defaultSessionDirName)
}

// Create starts a new session file. An empty sessionID gets a generated one.
func Create(dir, sessionID, parentSession string) (*Log, error) {
	root := strings.TrimSpace(dir)
	if root == "" {
		return nil, ErrSessionDirRequired
	}
	id := strings.TrimSpace(sessionID)
	if id == "" {
		id = NewID()
	}
	path, err := sessionPath(root, id)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}

	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}
	log := &Log{
		dir:  root,
		path: path,
		header: Header{
			Version:       FormatVersion,
			SessionID:     id,
			CreatedAt:     time.Now().UTC(),
			Cwd:           cwd,
			ParentSession: strings.TrimSpace(parentSession),
		},
	}
	if err := log.writeHeader(); err != nil {
		return nil, err
	}
	return log, nil
}

// Open loads an existing session file, migrating old versions in memory.
// Files are never rewritten in place.
func Open(dir, sessionID string) (*Log, error) {
	root := strings.TrimSpace(dir)
	if root == "" {
		return nil, ErrSessionDirRequired
	}
	path, err := sessionPath(root, sessionID)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, strings.TrimSpace(sessionID))
		}
		return nil, fmt.Errorf("open session file %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxJSONLLineSize)

	log := &Log{dir: root, path: path}
	lineNum := 0
	prevID := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lineNum++

		if lineNum == 1 {
			header, err := decodeHeader(line)
			if err != nil {
				return nil, err
			}
			log.header = header
			continue
		}

		migrated, err := migrateLine(line, log.header.Version, prevID)
		if err != nil {
			return nil, fmt.Errorf("migrate session line %d: %w", lineNum, err)
		}
		var entry tree.Entry
		if err := json.Unmarshal([]byte(migrated), &entry); err != nil {
			return nil, fmt.Errorf("decode session line %d: %w", lineNum, err)
		}
		log.entries = append(log.entries, entry)
		prevID = entry.ID
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, fmt.Errorf("session line too large (> %d bytes): %w", maxJSONLLineSize, err)
		}
		if !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("scan session file: %w", err)
		}
	}
	if lineNum == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingHeader, path)
	}
	// New appends continue at the current version regardless of the version
	// on disk; migrated entries are already in current shape.
	log.header.Version = FormatVersion
	return log, nil
}

// Header returns the session header.
func (l *Log) Header() Header {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.header
}

// ID returns the session id.
func (l *Log) ID() string {
	return l.Header().SessionID
}

// Path returns the on-disk path of the session file.
func (l *Log) Path() string {
	return l.path
}

// Entries returns the entries loaded from disk plus anything appended since.
func (l *Log) Entries() []tree.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]tree.Entry, 0, len(l.entries))
	for _, entry := range l.entries {
		out = append(out, entry.Clone())
	}
	return out
}

// AppendEntry appends one entry line. Implements tree.EntrySink.
func (l *Log) AppendEntry(entry tree.Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal session entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := appendLine(l.path, raw); err != nil {
		return err
	}
	l.entries = append(l.entries, entry.Clone())
	return nil
}

// Fork writes the given root-to-leaf path into a fresh session file whose
// header records this session as the parent.
func (l *Log) Fork(newID string, path []tree.Entry) (*Log, error) {
	forked, err := Create(l.dir, newID, l.ID())
	if err != nil {
		return nil, err
	}
	for _, entry := range path {
		if err := forked.AppendEntry(entry); err != nil {
			return nil, err
		}
	}
	return forked, nil
}

// List returns known session files in dir, newest first.
func List(dir string) ([]Info, error) {
	items, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session dir %s: %w", dir, err)
	}

	out := make([]Info, 0, len(items))
	for _, item := range items {
		if item.IsDir() || filepath.Ext(item.Name()) != sessionFileExt {
			continue
		}
		info, err := item.Info()
		if err != nil {
			return nil, fmt.Errorf("read session file info %s: %w", item.Name(), err)
		}
		out = append(out, Info{
			ID:        strings.TrimSuffix(item.Name(), sessionFileExt),
			Path:      filepath.Join(dir, item.Name()),
			UpdatedAt: info.ModTime(),
			SizeBytes: info.Size(),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (l *Log) writeHeader() error {
	raw, err := json.Marshal(l.header)
	if err != nil {
		return fmt.Errorf("marshal session header: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create session dir %s: %w", l.dir, err)
	}
	return appendLine(l.path, raw)
}

func appendLine(path string, raw []byte) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open session file %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Write(raw); err != nil {
		return fmt.Errorf("append session line: %w", err)
	}
	if _, err := file.Write([]byte("\n")); err != nil {
		return fmt.Errorf("append session newline: %w", err)
	}
	return nil
}

func decodeHeader(line string) (Header, error) {
	var header Header
	if err := json.Unmarshal([]byte(line), &header); err != nil {
		return Header{}, fmt.Errorf("decode session header: %w", err)
	}
	if header.Version <= 0 || strings.TrimSpace(header.SessionID) == "" {
		return Header{}, ErrMissingHeader
	}
	return header, nil
}

func sessionPath(dir, sessionID string) (string, error) {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return "", ErrSessionIDRequired
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: %s", ErrInvalidSessionID, id)
	}
	return filepath.Join(dir, id+sessionFileExt), nil
}
