package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is a RecordStore held entirely in process memory. Records are
// copied on the way in and out so callers cannot mutate stored state.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	records map[int64]*EditRecord
	byDoc   map[string][]int64
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:  1,
		records: make(map[int64]*EditRecord),
		byDoc:   make(map[string][]int64),
	}
}

var errMemoryClosed = errors.New("store is closed")

// Append stores a copy of r under a new id.
func (m *MemoryStore) Append(ctx context.Context, r *EditRecord) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("append", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, unavailable("append", errMemoryClosed)
	}

	c := r.Clone()
	c.EditID = m.nextID
	m.nextID++

	m.records[c.EditID] = c
	m.byDoc[c.DocumentID] = append(m.byDoc[c.DocumentID], c.EditID)
	return c.EditID, nil
}

// Get returns a copy of the record, or nil.
func (m *MemoryStore) Get(ctx context.Context, editID int64) (*EditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("get edit", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, unavailable("get edit", errMemoryClosed)
	}

	r, ok := m.records[editID]
	if !ok {
		return nil, nil
	}
	return r.Clone(), nil
}

// QueryLatest returns the newest record of a document, or nil.
func (m *MemoryStore) QueryLatest(ctx context.Context, documentID string) (*EditRecord, error) {
	all, err := m.QueryAll(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	return &all[0], nil
}

// QueryAll returns the document's records, newest first.
func (m *MemoryStore) QueryAll(ctx context.Context, documentID string) ([]EditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("query edits", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, unavailable("query edits", errMemoryClosed)
	}

	ids := m.byDoc[documentID]
	out := make([]EditRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, *m.records[id].Clone())
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TimestampNs != out[j].TimestampNs {
			return out[i].TimestampNs > out[j].TimestampNs
		}
		return out[i].EditID > out[j].EditID
	})
	return out, nil
}

// DeleteAll drops every record of a document. Ids are not reused.
func (m *MemoryStore) DeleteAll(ctx context.Context, documentID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("delete edits", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, unavailable("delete edits", errMemoryClosed)
	}

	ids := m.byDoc[documentID]
	for _, id := range ids {
		delete(m.records, id)
	}
	delete(m.byDoc, documentID)
	return int64(len(ids)), nil
}

// UpdatePreview replaces the preview blob of an existing record.
func (m *MemoryStore) UpdatePreview(ctx context.Context, editID int64, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return unavailable("update preview", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return unavailable("update preview", errMemoryClosed)
	}

	r, ok := m.records[editID]
	if !ok {
		return fmt.Errorf("update preview for edit %d: %w", editID, ErrRecordNotFound)
	}
	r.Preview = append([]byte(nil), blob...)
	return nil
}

// Stats reports record and document counts.
func (m *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Stats{}, unavailable("stats", errMemoryClosed)
	}
	return Stats{Records: int64(len(m.records)), Documents: int64(len(m.byDoc))}, nil
}

// Close marks the store closed. Subsequent calls fail with ErrUnavailable.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Corrupt replaces the stored patch of a record. It exists for tests that
// exercise corruption handling.
func (m *MemoryStore) Corrupt(editID int64, patch string, checksum *uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[editID]
	if !ok {
		return false
	}
	r.Patch = patch
	if checksum != nil {
		r.ContentChecksum = *checksum
	}
	return true
}

// Drop removes a single record, breaking its document's chain. It exists
// for tests that exercise missing-ancestor handling.
func (m *MemoryStore) Drop(editID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[editID]
	if !ok {
		return false
	}
	delete(m.records, editID)

	ids := m.byDoc[r.DocumentID]
	for i, id := range ids {
		if id == editID {
			m.byDoc[r.DocumentID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return true
}

var (
	_ RecordStore = (*MemoryStore)(nil)
	_ RecordStore = (*SQLiteStore)(nil)
	_ Inspector   = (*MemoryStore)(nil)
	_ Inspector   = (*SQLiteStore)(nil)
)
