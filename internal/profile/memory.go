package profile

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps profiles in process memory (no persistence)
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*Profile)}
}

func (s *MemoryStore) List(ctx context.Context) ([]*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		cp := *p
		out = append(out, &cp)
	}
	sortProfiles(out)
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) Add(ctx context.Context, p *Profile) (*Profile, error) {
	stored, err := prepareNew(p)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.profiles[stored.ID] = stored
	s.mu.Unlock()
	cp := *stored
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, p *Profile) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[p.ID]; !ok {
		return fmt.Errorf("update %s: %w", p.ID, ErrNotFound)
	}
	cp := *p
	s.profiles[p.ID] = &cp
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; !ok {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	delete(s.profiles, id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func sortProfiles(ps []*Profile) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Name != ps[j].Name {
			return ps[i].Name < ps[j].Name
		}
		return ps[i].ID < ps[j].ID
	})
}
