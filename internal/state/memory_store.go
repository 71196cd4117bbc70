package state

import (
	"context"
	"sync"
)

// MemoryStore keeps the snapshot in process. Same transactional semantics as
// FileStore minus durability; used by tests and dry runs.
type MemoryStore struct {
	mu   sync.Mutex
	snap snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snap: newSnapshot()}
}

func (s *MemoryStore) Transact(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	draft := s.snap.clone()
	if err := fn(&txView{draft: &draft}); err != nil {
		return err
	}
	s.snap = draft
	return nil
}

func (s *MemoryStore) GetCase(ctx context.Context, id string) (CaseRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return CaseRecord{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.snap.Cases[id]
	if !ok {
		return CaseRecord{}, false, nil
	}
	return c.Clone(), true, nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (JobRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return JobRecord{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.snap.Jobs[id]
	if !ok {
		return JobRecord{}, false, nil
	}
	return j.Clone(), true, nil
}

func (s *MemoryStore) ListCases(ctx context.Context) ([]CaseRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CaseRecord, 0, len(s.snap.Cases))
	for _, c := range s.snap.Cases {
		out = append(out, c.Clone())
	}
	return out, nil
}

func (s *MemoryStore) ListJobs(ctx context.Context) ([]JobRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobRecord, 0, len(s.snap.Jobs))
	for _, j := range s.snap.Jobs {
		out = append(out, j.Clone())
	}
	return out, nil
}
