// Package calllog records one summary row per finished phone call.
//
// [MemStore] keeps records in memory and is used when no database is
// configured. [PostgresStore] persists them to a PostgreSQL calls table.
package calllog

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// ErrNotFound is returned by Get for an unknown call ID.
var ErrNotFound = errors.New("calllog: record not found")

// Record summarises a finished call.
type Record struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	Caller    string    `json:"caller,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	// Reason is why the call ended (e.g. "hangup", "replaced", "speech_ended").
	Reason string `json:"reason"`

	PacketsReceived uint64 `json:"packets_received"`
	PacketsSent     uint64 `json:"packets_sent"`
	BytesReceived   uint64 `json:"bytes_received"`
	Turns           int    `json:"turns"`
	Transcript      string `json:"transcript,omitempty"`
}

// Duration is EndedAt - StartedAt.
func (r Record) Duration() time.Duration { return r.EndedAt.Sub(r.StartedAt) }

// Store persists call records. Implementations are safe for concurrent use.
type Store interface {
	// Write stores r. Writing an existing ID replaces the record.
	Write(ctx context.Context, r Record) error

	// Get returns the record with the given ID or [ErrNotFound].
	Get(ctx context.Context, id string) (Record, error)

	// Recent returns up to limit records, most recently started first.
	Recent(ctx context.Context, limit int) ([]Record, error)
}

// Compile-time interface assertion.
var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store] bounded to the most recent max records.
type MemStore struct {
	mu      sync.Mutex
	max     int
	records []Record
}

// NewMemStore returns a MemStore holding at most max records. max <= 0
// defaults to 1000.
func NewMemStore(max int) *MemStore {
	if max <= 0 {
		max = 1000
	}
	return &MemStore{max: max}
}

// Write implements [Store].
func (m *MemStore) Write(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i := slices.IndexFunc(m.records, func(x Record) bool { return x.ID == r.ID }); i >= 0 {
		m.records[i] = r
		return nil
	}
	m.records = append(m.records, r)
	if over := len(m.records) - m.max; over > 0 {
		m.records = slices.Delete(m.records, 0, over)
	}
	return nil
}

// Get implements [Store].
func (m *MemStore) Get(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ID == id {
			return r, nil
		}
	}
	return Record{}, ErrNotFound
}

// Recent implements [Store].
func (m *MemStore) Recent(_ context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	out := slices.Clone(m.records)
	m.mu.Unlock()

	slices.SortStableFunc(out, func(a, b Record) int { return b.StartedAt.Compare(a.StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []Record{}
	}
	return out, nil
}
