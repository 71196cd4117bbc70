package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jokh38/mqi-interface/internal/config"
	"github.com/jokh38/mqi-interface/internal/resource"
	"github.com/jokh38/mqi-interface/internal/scheduler"
	"github.com/jokh38/mqi-interface/internal/state"
)

type fakeRunner struct {
	mu       sync.Mutex
	calls    map[string][]string // case ID -> task types in execution order
	inFlight map[string]struct{} // job IDs with a task executing
	maxJobs  int                 // most distinct jobs ever in flight at once

	block    chan struct{} // when set, every task waits on it before returning
	failType string        // task type that fails, "" for all-success
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		calls:    make(map[string][]string),
		inFlight: make(map[string]struct{}),
	}
}

func (r *fakeRunner) Run(ctx context.Context, c state.CaseRecord, job state.JobRecord, task state.TaskRecord) error {
	r.mu.Lock()
	r.inFlight[job.ID] = struct{}{}
	if n := len(r.inFlight); n > r.maxJobs {
		r.maxJobs = n
	}
	r.calls[c.ID] = append(r.calls[c.ID], task.Type)
	r.mu.Unlock()

	if r.block != nil {
		<-r.block
	}
	time.Sleep(5 * time.Millisecond)

	r.mu.Lock()
	delete(r.inFlight, job.ID)
	r.mu.Unlock()
	if task.Type == r.failType {
		return assert.AnError
	}
	return nil
}

func (r *fakeRunner) callsFor(caseID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls[caseID]...)
}

func (r *fakeRunner) maxJobsInFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxJobs
}

func testConfig(t *testing.T, gpuCount int) *config.Config {
	t.Helper()
	return &config.Config{
		Paths: config.PathsConfig{
			LocalData:       t.TempDir(),
			RemoteWorkspace: "/remote/workspace",
		},
		Processing: config.ProcessingConfig{
			ScanInterval:      config.Duration(time.Hour),
			MaxConcurrentJobs: 10,
			TaskTimeout:       config.Duration(time.Minute),
		},
		Resources: config.ResourcesConfig{
			GPUCount:      gpuCount,
			MaxGPUsPerJob: 2,
			MinFreeDisk:   1,
			DiskCheckPath: "/",
		},
	}
}

func addCaseDir(t *testing.T, cfg *config.Config, caseID string, beams int) {
	t.Helper()
	dir := filepath.Join(cfg.Paths.LocalData, caseID)
	require.NoError(t, os.Mkdir(dir, 0o755))
	for i := 0; i < beams; i++ {
		require.NoError(t, os.Mkdir(filepath.Join(dir, "beam_"+string(rune('a'+i))), 0o755))
	}
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, runner Runner) (*Orchestrator, state.Store) {
	t.Helper()
	store := state.NewMemoryStore()
	mgr, err := resource.NewManager(context.Background(), store, cfg.Resources.GPUCount)
	require.NoError(t, err)
	o := New(cfg, store, scheduler.New(store, mgr), mgr, runner)
	o.diskFree = func(string, int64) (bool, error) { return true, nil }
	o.newTicker = func() (<-chan struct{}, func()) {
		return make(chan struct{}), func() {}
	}
	return o, store
}

func runUntil(t *testing.T, o *Orchestrator, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not drain after cancellation")
	}
}

func allJobsTerminal(store state.Store, n int) func() bool {
	return func() bool {
		jobs, err := store.ListJobs(context.Background())
		if err != nil || len(jobs) != n {
			return false
		}
		for _, j := range jobs {
			if !j.Terminal() {
				return false
			}
		}
		return true
	}
}

func TestRunProcessesCasesEndToEnd(t *testing.T) {
	cfg := testConfig(t, 2)
	for _, id := range []string{"case_a", "case_b", "case_c"} {
		addCaseDir(t, cfg, id, 2)
	}
	runner := newFakeRunner()
	o, store := newTestOrchestrator(t, cfg, runner)

	runUntil(t, o, allJobsTerminal(store, 3))

	ctx := context.Background()
	jobs, err := store.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for _, j := range jobs {
		assert.Equal(t, state.JobCompleted, j.Status)
		assert.Empty(t, j.GPUs)
		assert.Equal(t, state.PipelineOrder, runner.callsFor(j.CaseID),
			"case %s must run the full pipeline in order", j.CaseID)
	}
	cases, err := store.ListCases(ctx)
	require.NoError(t, err)
	for _, c := range cases {
		assert.Equal(t, state.CaseCompleted, c.Status)
	}

	// Two beams ask for two GPUs each; with a two-device pool only one job
	// can hold an allocation, so jobs never overlap.
	assert.Equal(t, 1, runner.maxJobsInFlight())
}

func TestJobStartGatedOnGPUAllocation(t *testing.T) {
	cfg := testConfig(t, 2)
	for _, id := range []string{"case_a", "case_b", "case_c"} {
		addCaseDir(t, cfg, id, 2)
	}
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	o, store := newTestOrchestrator(t, cfg, runner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	// All three cases are queued, but the pool holds two devices and each
	// job wants two: exactly one job may start while the rest stay Pending.
	countByStatus := func() map[string]int {
		jobs, err := store.ListJobs(context.Background())
		require.NoError(t, err)
		byStatus := make(map[string]int)
		for _, j := range jobs {
			byStatus[j.Status]++
		}
		return byStatus
	}
	require.Eventually(t, func() bool {
		return countByStatus()[state.JobRunning] == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, map[string]int{state.JobRunning: 1, state.JobPending: 2}, countByStatus())

	running, err := store.ListJobs(context.Background())
	require.NoError(t, err)
	for _, j := range running {
		if j.Status == state.JobRunning {
			assert.Len(t, j.GPUs, 2, "a running job holds its full allocation")
		} else {
			assert.Empty(t, j.GPUs, "pending jobs hold no devices")
		}
	}

	close(runner.block)
	require.Eventually(t, allJobsTerminal(store, 3), 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, runner.maxJobsInFlight())
}

func TestRunTaskFailureFailsJobAndCase(t *testing.T) {
	cfg := testConfig(t, 2)
	addCaseDir(t, cfg, "case_a", 1)
	runner := newFakeRunner()
	runner.failType = state.TaskInterpret
	o, store := newTestOrchestrator(t, cfg, runner)

	runUntil(t, o, allJobsTerminal(store, 1))

	ctx := context.Background()
	jobs, err := store.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, state.JobFailed, job.Status)
	assert.Equal(t, []string{state.TaskUpload, state.TaskInterpret}, runner.callsFor("case_a"),
		"nothing downstream of the failure may run")

	c, _, err := store.GetCase(ctx, "case_a")
	require.NoError(t, err)
	assert.Equal(t, state.CaseFailed, c.Status)
}

func TestRunResumesInterruptedJob(t *testing.T) {
	cfg := testConfig(t, 2)
	store := state.NewMemoryStore()
	ctx := context.Background()

	// Simulate the state left by a crash mid-interpret.
	require.NoError(t, store.Transact(ctx, func(tx state.Tx) error {
		now := time.Now().UTC()
		tx.PutCase(state.CaseRecord{ID: "case_a", Status: state.CaseProcessing, BeamCount: 1, CreatedAt: now})
		tx.PutJob(state.JobRecord{
			ID: "job-1", CaseID: "case_a", Status: state.JobRunning, GPUs: []int{0}, CreatedAt: now,
			Tasks: []state.TaskRecord{
				{ID: "t1", JobID: "job-1", Type: state.TaskUpload, Status: state.TaskCompleted},
				{ID: "t2", JobID: "job-1", Type: state.TaskInterpret, Status: state.TaskRunning},
				{ID: "t3", JobID: "job-1", Type: state.TaskBeamCalc, Status: state.TaskPending},
				{ID: "t4", JobID: "job-1", Type: state.TaskConvert, Status: state.TaskPending},
				{ID: "t5", JobID: "job-1", Type: state.TaskDownload, Status: state.TaskPending},
			},
		})
		return nil
	}))

	mgr, err := resource.NewManager(ctx, store, cfg.Resources.GPUCount)
	require.NoError(t, err)
	runner := newFakeRunner()
	o := New(cfg, store, scheduler.New(store, mgr), mgr, runner)
	o.diskFree = func(string, int64) (bool, error) { return true, nil }
	o.newTicker = func() (<-chan struct{}, func()) { return make(chan struct{}), func() {} }

	runUntil(t, o, allJobsTerminal(store, 1))

	job, _, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, state.JobCompleted, job.Status)
	assert.Empty(t, job.GPUs, "the recovered binding is released at completion")
	// The interrupted interpret runs again, then the rest of the pipeline.
	assert.Equal(t, []string{state.TaskInterpret, state.TaskBeamCalc, state.TaskConvert, state.TaskDownload},
		runner.callsFor("case_a"))
}

func TestScanSkipsIntakeOnLowDisk(t *testing.T) {
	cfg := testConfig(t, 2)
	addCaseDir(t, cfg, "case_a", 1)
	runner := newFakeRunner()
	o, store := newTestOrchestrator(t, cfg, runner)
	o.diskFree = func(string, int64) (bool, error) { return false, nil }

	o.scanOnce(context.Background())

	cases, err := store.ListCases(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cases, "no case intake while disk space is low")
}

func TestScanCancelsMarkedCase(t *testing.T) {
	cfg := testConfig(t, 2)
	addCaseDir(t, cfg, "case_a", 1)
	o, store := newTestOrchestrator(t, cfg, newFakeRunner())
	ctx := context.Background()

	o.scanOnce(ctx)
	jobs, err := store.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, state.JobPending, jobs[0].Status)

	marker := filepath.Join(cfg.Paths.LocalData, "case_a", "cancel.request")
	require.NoError(t, os.WriteFile(marker, nil, 0o644))
	o.scanOnce(ctx)

	job, _, err := store.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.True(t, job.CancelRequested)
	assert.Equal(t, state.JobFailed, job.Status)
	assert.Equal(t, "cancelled", job.Message)

	c, _, err := store.GetCase(ctx, "case_a")
	require.NoError(t, err)
	assert.Equal(t, state.CaseFailed, c.Status)

	// Terminal cases are left alone on later sweeps.
	o.scanOnce(ctx)
	require.NoError(t, o.err())
}

func TestGPUSizingClampedToPerJobCeiling(t *testing.T) {
	cfg := testConfig(t, 4)
	cfg.Resources.MaxGPUsPerJob = 2
	o, _ := newTestOrchestrator(t, cfg, newFakeRunner())

	assert.Equal(t, 1, o.gpusFor(0))
	assert.Equal(t, 1, o.gpusFor(1))
	assert.Equal(t, 2, o.gpusFor(2))
	assert.Equal(t, 2, o.gpusFor(7))
}
