package commitment

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu      sync.Mutex
	byIndex map[uint64][32]byte
	records map[[32]byte]Record

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byIndex: make(map[uint64][32]byte),
		records: make(map[[32]byte]Record),
		now:     time.Now,
	}
}

func (s *MemoryStore) Insert(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[r.Commitment]; ok {
		return ErrDuplicate
	}
	if _, ok := s.byIndex[r.Index]; ok {
		return ErrDuplicate
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	s.records[r.Commitment] = r.clone()
	s.byIndex[r.Index] = r.Commitment
	return nil
}

func (s *MemoryStore) GetByCommitment(_ context.Context, c [32]byte) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[c]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r.clone(), nil
}

func (s *MemoryStore) GetByIndex(_ context.Context, index uint64) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byIndex[index]
	if !ok {
		return Record{}, ErrNotFound
	}
	return s.records[c].clone(), nil
}

func (s *MemoryStore) UpdateIndex(_ context.Context, c [32]byte, newIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[c]
	if !ok {
		return ErrNotFound
	}
	if r.Index == newIndex {
		return nil
	}
	if other, ok := s.byIndex[newIndex]; ok && other != c {
		return ErrIndexTaken
	}
	delete(s.byIndex, r.Index)
	r.Index = newIndex
	s.records[c] = r
	s.byIndex[newIndex] = c
	return nil
}

func (s *MemoryStore) List(_ context.Context, start, end uint64) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0)
	for idx, c := range s.byIndex {
		if idx >= start && idx < end {
			out = append(out, s.records[c].clone())
		}
	}
	sortByIndex(out)
	return out, nil
}

func (s *MemoryStore) Count(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.records)), nil
}

func (s *MemoryStore) All(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.clone())
	}
	sortByIndex(out)
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func sortByIndex(rs []Record) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Index < rs[j].Index })
}

var _ Store = (*MemoryStore)(nil)
