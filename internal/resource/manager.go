package resource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jokh38/mqi-interface/internal/metrics"
	"github.com/jokh38/mqi-interface/internal/state"
)

var (
	// ErrInsufficientGPUs is backpressure, not failure: the requesting job
	// stays pending until capacity frees up.
	ErrInsufficientGPUs = errors.New("not enough free GPUs")
	// ErrInvalidRelease guards against double-release and foreign indices.
	ErrInvalidRelease = errors.New("release of GPU not allocated to job")
)

// Manager arbitrates the fixed pool of GPU indices. All mutation happens
// inside one critical section, so a release is visible to the next allocate
// and no two allocations interleave. After every change the pool snapshot is
// persisted; at startup the pool is rebuilt from committed RUNNING job
// records instead, which keeps a crashed allocation from leaking capacity.
type Manager struct {
	mu        sync.Mutex
	store     state.Store
	poolSize  int
	allocated map[int]string // gpu index -> owning job id
}

// NewManager rebuilds allocation state from the store's RUNNING jobs.
func NewManager(ctx context.Context, store state.Store, poolSize int) (*Manager, error) {
	if poolSize <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", poolSize)
	}
	m := &Manager{
		store:     store,
		poolSize:  poolSize,
		allocated: make(map[int]string),
	}
	jobs, err := store.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("rebuild GPU pool: %w", err)
	}
	for _, j := range jobs {
		if j.Status != state.JobRunning {
			continue
		}
		for _, idx := range j.GPUs {
			if idx < 0 || idx >= poolSize {
				logrus.WithFields(logrus.Fields{"job_id": j.ID, "gpu": idx}).
					Warn("persisted GPU index outside pool, ignoring")
				continue
			}
			if owner, taken := m.allocated[idx]; taken {
				return nil, fmt.Errorf("GPU %d claimed by jobs %s and %s in persisted state", idx, owner, j.ID)
			}
			m.allocated[idx] = j.ID
		}
	}
	metrics.GPUsFree.Set(float64(poolSize - len(m.allocated)))
	return m, nil
}

// Allocate reserves count free indices for jobID, first-fit, all or nothing.
func (m *Manager) Allocate(ctx context.Context, jobID string, count int) ([]int, error) {
	if count <= 0 {
		return nil, fmt.Errorf("GPU count must be positive, got %d", count)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	free := m.freeLocked()
	if count > len(free) {
		return nil, ErrInsufficientGPUs
	}
	indices := free[:count]
	for _, idx := range indices {
		m.allocated[idx] = jobID
	}
	if err := m.persistLocked(ctx); err != nil {
		for _, idx := range indices {
			delete(m.allocated, idx)
		}
		return nil, err
	}
	metrics.GPUsFree.Set(float64(m.poolSize - len(m.allocated)))
	logrus.WithFields(logrus.Fields{"job_id": jobID, "gpus": indices}).Debug("allocated GPUs")
	return indices, nil
}

// Release returns indices owned by jobID to the free set. Releasing an index
// the job does not own fails the whole call before any mutation.
func (m *Manager) Release(ctx context.Context, jobID string, indices []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, idx := range indices {
		if owner, ok := m.allocated[idx]; !ok || owner != jobID {
			return fmt.Errorf("%w: gpu=%d job=%s", ErrInvalidRelease, idx, jobID)
		}
	}
	for _, idx := range indices {
		delete(m.allocated, idx)
	}
	if err := m.persistLocked(ctx); err != nil {
		for _, idx := range indices {
			m.allocated[idx] = jobID
		}
		return err
	}
	metrics.GPUsFree.Set(float64(m.poolSize - len(m.allocated)))
	logrus.WithFields(logrus.Fields{"job_id": jobID, "gpus": indices}).Debug("released GPUs")
	return nil
}

// FreeCount reports how many indices are currently unallocated.
func (m *Manager) FreeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.poolSize - len(m.allocated)
}

func (m *Manager) freeLocked() []int {
	free := make([]int, 0, m.poolSize-len(m.allocated))
	for i := 0; i < m.poolSize; i++ {
		if _, taken := m.allocated[i]; !taken {
			free = append(free, i)
		}
	}
	return free
}

func (m *Manager) persistLocked(ctx context.Context) error {
	snap := state.GPUSnapshot{
		PoolSize:  m.poolSize,
		Allocated: make(map[string][]int),
		UpdatedAt: time.Now().UTC(),
	}
	for idx, jobID := range m.allocated {
		snap.Allocated[jobID] = append(snap.Allocated[jobID], idx)
	}
	for jobID := range snap.Allocated {
		sort.Ints(snap.Allocated[jobID])
	}
	return m.store.Transact(ctx, func(tx state.Tx) error {
		tx.PutGPUSnapshot(snap)
		return nil
	})
}
