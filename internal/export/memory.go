package export

import (
	"context"
	"sync"
)

// MemoryStore keeps records in process.
type MemoryStore struct {
	mu   sync.RWMutex
	exps map[string][]Expectation
	cmps map[string][]Completion
	regs []Registration
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{exps: map[string][]Expectation{}, cmps: map[string][]Completion{}}
}

func (m *MemoryStore) PutExpectations(_ context.Context, recs []Expectation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		m.exps[r.CommandID] = append(m.exps[r.CommandID], r)
	}
	return nil
}

func (m *MemoryStore) PutCompletion(_ context.Context, rec Completion) error {
	m.mu.Lock()
	m.cmps[rec.CommandID] = append(m.cmps[rec.CommandID], rec)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Expectations(_ context.Context, commandID string, w Window) ([]Expectation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Expectation
	for _, r := range m.exps[commandID] {
		if w.Contains(r.CreatedAt) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) Completions(_ context.Context, commandID string, w Window) ([]Completion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Completion
	for _, r := range m.cmps[commandID] {
		if w.Contains(r.CompletedAt) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) PutRegistration(_ context.Context, rec Registration) error {
	m.mu.Lock()
	m.regs = append(m.regs, rec)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Registrations(_ context.Context, w Window) ([]Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Registration
	for _, r := range m.regs {
		if w.Contains(r.At) {
			out = append(out, r)
		}
	}
	return out, nil
}
