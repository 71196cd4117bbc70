package state

import (
	"context"
)

// Tx is the view handed to a transaction function. Reads observe the draft
// being built; writes land together on commit or not at all. A Tx is only
// valid for the duration of the Transact call that produced it.
type Tx interface {
	GetCase(id string) (CaseRecord, bool)
	PutCase(c CaseRecord)
	ListCases() []CaseRecord

	GetJob(id string) (JobRecord, bool)
	PutJob(j JobRecord)
	ListJobs() []JobRecord

	GetGPUSnapshot() (GPUSnapshot, bool)
	PutGPUSnapshot(s GPUSnapshot)
}

// Store is the only component that performs persistence I/O. Everything the
// scheduler and orchestrator hold in memory is a copy reconciled through it.
//
// Two variants exist, selected at construction time: FileStore commits each
// transaction to a JSON file with atomic replace, MemoryStore keeps the
// snapshot in process for tests and dry runs.
type Store interface {
	Transact(ctx context.Context, fn func(tx Tx) error) error

	GetCase(ctx context.Context, id string) (CaseRecord, bool, error)
	GetJob(ctx context.Context, id string) (JobRecord, bool, error)
	ListCases(ctx context.Context) ([]CaseRecord, error)
	ListJobs(ctx context.Context) ([]JobRecord, error)
}

type snapshot struct {
	Cases   map[string]CaseRecord `json:"cases"`
	Jobs    map[string]JobRecord  `json:"jobs"`
	GPUPool *GPUSnapshot          `json:"gpu_pool,omitempty"`
}

func newSnapshot() snapshot {
	return snapshot{
		Cases: make(map[string]CaseRecord),
		Jobs:  make(map[string]JobRecord),
	}
}

func (s snapshot) clone() snapshot {
	out := newSnapshot()
	for id, c := range s.Cases {
		out.Cases[id] = c.Clone()
	}
	for id, j := range s.Jobs {
		out.Jobs[id] = j.Clone()
	}
	if s.GPUPool != nil {
		p := s.GPUPool.Clone()
		out.GPUPool = &p
	}
	return out
}

// txView implements Tx over a draft snapshot.
type txView struct {
	draft *snapshot
}

func (v *txView) GetCase(id string) (CaseRecord, bool) {
	c, ok := v.draft.Cases[id]
	if !ok {
		return CaseRecord{}, false
	}
	return c.Clone(), true
}

func (v *txView) PutCase(c CaseRecord) {
	v.draft.Cases[c.ID] = c.Clone()
}

func (v *txView) ListCases() []CaseRecord {
	out := make([]CaseRecord, 0, len(v.draft.Cases))
	for _, c := range v.draft.Cases {
		out = append(out, c.Clone())
	}
	return out
}

func (v *txView) GetJob(id string) (JobRecord, bool) {
	j, ok := v.draft.Jobs[id]
	if !ok {
		return JobRecord{}, false
	}
	return j.Clone(), true
}

func (v *txView) PutJob(j JobRecord) {
	v.draft.Jobs[j.ID] = j.Clone()
}

func (v *txView) ListJobs() []JobRecord {
	out := make([]JobRecord, 0, len(v.draft.Jobs))
	for _, j := range v.draft.Jobs {
		out = append(out, j.Clone())
	}
	return out
}

func (v *txView) GetGPUSnapshot() (GPUSnapshot, bool) {
	if v.draft.GPUPool == nil {
		return GPUSnapshot{}, false
	}
	return v.draft.GPUPool.Clone(), true
}

func (v *txView) PutGPUSnapshot(s GPUSnapshot) {
	c := s.Clone()
	v.draft.GPUPool = &c
}
