// Package eventbus records scheduler lifecycle events and fans them out to
// subscribers. Persistence is an audit log; delivery to subscribers is
// best-effort and never blocks the publisher.
package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event is one recorded lifecycle event.
type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ErrSessionIDRequired indicates a bus constructed without a session id.
var ErrSessionIDRequired = errors.New("session id is required")

const subscriberBuffer = 64

// Bus persists events for one session and fans them out to subscribers.
// Publish satisfies the scheduler's event sink contract.
type Bus struct {
	db        *sql.DB
	sessionID string
	logger    *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

// New constructs a bus over an opened event database. db may be nil, in
// which case events are fan-out only.
func New(db *sql.DB, sessionID string, logger *slog.Logger) (*Bus, error) {
	if sessionID == "" {
		return nil, ErrSessionIDRequired
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		db:        db,
		sessionID: sessionID,
		logger:    logger,
		subs:      make(map[int]chan Event),
	}, nil
}

// Publish records one event. Persistence failures are logged, not returned;
// a broken audit log must not stall the turn loop.
func (b *Bus) Publish(kind string, data map[string]any) {
	event := Event{
		ID:        ulid.Make().String(),
		SessionID: b.sessionID,
		Kind:      kind,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}

	if b.db != nil {
		payload := ""
		if len(data) > 0 {
			raw, err := json.Marshal(data)
			if err != nil {
				b.logger.Warn("encode event data", "kind", kind, "error", err)
			} else {
				payload = string(raw)
			}
		}
		_, err := b.db.Exec(
			`INSERT INTO events (id, session_id, kind, data, created_at) VALUES (?, ?, ?, ?, ?)`,
			event.ID, event.SessionID, event.Kind, payload, event.CreatedAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			b.logger.Warn("persist event", "kind", kind, "error", err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}
}

// Subscribe registers a live event channel. The returned cancel func must be
// called to release the subscription.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// List returns persisted events for this session, oldest first.
func (b *Bus) List(ctx context.Context, limit int) ([]Event, error) {
	if b.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT id, session_id, kind, data, created_at FROM events WHERE session_id = ? ORDER BY id ASC LIMIT ?`,
		b.sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var event Event
		var data sql.NullString
		var createdAt string
		if err := rows.Scan(&event.ID, &event.SessionID, &event.Kind, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &event.Data); err != nil {
				b.logger.Warn("decode event data", "id", event.ID, "error", err)
			}
		}
		event.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
