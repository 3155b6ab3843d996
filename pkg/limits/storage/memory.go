package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store using an in-process map. All data is lost
// when the process exits.
//
// MemoryStore is thread-safe. A single mutex covers lookup, creation and
// increment, so the row for a key is created exactly once.
type MemoryStore struct {
	mu     sync.Mutex
	rows   map[memoryKey]*Row
	nextID int64
	closed bool
	now    func() time.Time
}

type memoryKey struct {
	kind    Kind
	subject string
	date    string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[memoryKey]*Row),
		now:  time.Now,
	}
}

// GetOrCreateAndIncrement implements Store.
func (m *MemoryStore) GetOrCreateAndIncrement(ctx context.Context, key Key, date string, d Deltas) (*Row, error) {
	row, _, err := m.ConsumeIfBelow(ctx, key, date, d, NoLimit)
	return row, err
}

// ConsumeIfBelow implements Store.
func (m *MemoryStore) ConsumeIfBelow(ctx context.Context, key Key, date string, d Deltas, limit int64) (*Row, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if err := d.validate(); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false, ErrClosed
	}

	now := m.now()
	mk := memoryKey{kind: key.Kind, subject: key.Subject, date: date}
	row, ok := m.rows[mk]
	if !ok {
		m.nextID++
		row = newRow(key, date, now)
		row.ID = m.nextID
		m.rows[mk] = row
	}

	if !below(row.RequestCount, limit) {
		return row.clone(), false, nil
	}
	row.apply(d, now)
	return row.clone(), true, nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, key Key, date string) (*Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	row, ok := m.rows[memoryKey{kind: key.Kind, subject: key.Subject, date: date}]
	if !ok {
		return nil, nil
	}
	return row.clone(), nil
}

// List implements Store.
func (m *MemoryStore) List(ctx context.Context, date string) ([]*Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	var rows []*Row
	for mk, row := range m.rows {
		if mk.date == date {
			rows = append(rows, row.clone())
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

// Cleanup implements Store.
func (m *MemoryStore) Cleanup(ctx context.Context, before string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	deleted := 0
	for mk := range m.rows {
		if mk.date < before {
			delete(m.rows, mk)
			deleted++
		}
	}
	return deleted, nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close implements Store. Close is idempotent.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.rows = nil
	return nil
}

// Len returns the number of stored rows.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
