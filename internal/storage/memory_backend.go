package storage

import (
	"context"
	"sync"
)

// MemoryBackend is an in-memory results index, used by tests and one-shot
// runs that do not need persistence.
type MemoryBackend struct {
	mu       sync.RWMutex
	byKey    map[string]FunctionSummary
	readOnly bool
}

// NewMemoryBackend creates an in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{byKey: make(map[string]FunctionSummary)}
}

// Initialize marks the backend ready; path is ignored.
func (m *MemoryBackend) Initialize(path string, readOnly bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readOnly = readOnly
	if m.byKey == nil {
		m.byKey = make(map[string]FunctionSummary)
	}
	return nil
}

// Close is a no-op.
func (m *MemoryBackend) Close() error { return nil }

// ReplaceAll replaces the entire index.
func (m *MemoryBackend) ReplaceAll(ctx context.Context, summaries []FunctionSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readOnly {
		return ErrReadOnly
	}
	m.byKey = make(map[string]FunctionSummary, len(summaries))
	for _, s := range summaries {
		m.byKey[s.Key()] = s
	}
	return nil
}

// Upsert inserts or overwrites the given summaries.
func (m *MemoryBackend) Upsert(ctx context.Context, summaries []FunctionSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readOnly {
		return ErrReadOnly
	}
	for _, s := range summaries {
		m.byKey[s.Key()] = s
	}
	return nil
}

// RemoveByFile deletes every summary defined in path.
func (m *MemoryBackend) RemoveByFile(ctx context.Context, path string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readOnly {
		return 0, ErrReadOnly
	}
	removed := 0
	for key, s := range m.byKey {
		if s.ID.File == path {
			delete(m.byKey, key)
			removed++
		}
	}
	return removed, nil
}

// Get returns the summary stored under key, or nil.
func (m *MemoryBackend) Get(ctx context.Context, key string) (*FunctionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.byKey[key]; ok {
		out := s
		return &out, nil
	}
	return nil, nil
}

// ByFile returns the summaries defined in path.
func (m *MemoryBackend) ByFile(ctx context.Context, path string) ([]FunctionSummary, error) {
	return m.filter(func(s FunctionSummary) bool { return s.ID.File == path })
}

// ByLevel returns the summaries with the given classification.
func (m *MemoryBackend) ByLevel(ctx context.Context, level string) ([]FunctionSummary, error) {
	return m.filter(func(s FunctionSummary) bool { return s.Level == level })
}

// All returns every stored summary.
func (m *MemoryBackend) All(ctx context.Context) ([]FunctionSummary, error) {
	return m.filter(func(FunctionSummary) bool { return true })
}

// Count returns the number of stored summaries.
func (m *MemoryBackend) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byKey), nil
}

func (m *MemoryBackend) filter(keep func(FunctionSummary) bool) ([]FunctionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []FunctionSummary
	for _, s := range m.byKey {
		if keep(s) {
			out = append(out, s)
		}
	}
	sortSummaries(out)
	return out, nil
}
