// Package orchestrator ties the pieces together: it watches the data
// directory for new cases, schedules them, dispatches tasks to a bounded
// worker pool, and survives restarts by recovering state from the store.
package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jokh38/mqi-interface/internal/config"
	"github.com/jokh38/mqi-interface/internal/metrics"
	"github.com/jokh38/mqi-interface/internal/resource"
	"github.com/jokh38/mqi-interface/internal/scanner"
	"github.com/jokh38/mqi-interface/internal/scheduler"
	"github.com/jokh38/mqi-interface/internal/state"
)

// Runner executes one task of a job. TaskRunner is the production
// implementation.
type Runner interface {
	Run(ctx context.Context, c state.CaseRecord, job state.JobRecord, task state.TaskRecord) error
}

type Orchestrator struct {
	cfg    *config.Config
	store  state.Store
	sched  *scheduler.Scheduler
	gpus   *resource.Manager
	scan   *scanner.Scanner
	runner Runner

	kick    chan struct{}
	workers chan struct{} // semaphore bounding in-flight tasks

	mu      sync.Mutex
	loopErr error

	wg sync.WaitGroup

	// test seams
	diskFree  func(path string, minFreeBytes int64) (bool, error)
	newTicker func() (<-chan struct{}, func())
}

func New(cfg *config.Config, store state.Store, sched *scheduler.Scheduler, gpus *resource.Manager, runner Runner) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		sched:    sched,
		gpus:     gpus,
		scan:     scanner.New(cfg.Paths.LocalData),
		runner:   runner,
		kick:     make(chan struct{}, 1),
		workers:  make(chan struct{}, cfg.Processing.MaxConcurrentJobs),
		diskFree: resource.CheckDiskSpace,
	}
	o.newTicker = o.intervalTicker
	return o
}

// Run drives the main loop until ctx is cancelled, then drains: no new
// tasks start, in-flight tasks run to completion and commit their
// outcomes. A store failure aborts the loop instead — better to stop than
// to keep scheduling against state that no longer persists.
func (o *Orchestrator) Run(ctx context.Context) error {
	recovered, err := Recover(ctx, o.store)
	if err != nil {
		return errors.Wrap(err, "recover state")
	}
	if recovered > 0 {
		logrus.WithField("jobs", recovered).Info("resumed interrupted jobs")
	}

	o.scanOnce(ctx)
	o.dispatch(ctx)

	ticks, stop := o.newTicker()
	defer stop()
	for {
		select {
		case <-ctx.Done():
			logrus.Info("shutting down, draining in-flight tasks")
			o.wg.Wait()
			return o.err()
		case <-ticks:
			o.scanOnce(ctx)
			o.dispatch(ctx)
		case <-o.kick:
			o.dispatch(ctx)
		}
		if err := o.err(); err != nil {
			o.wg.Wait()
			return err
		}
	}
}

// scanOnce registers every case directory the store has never seen. The
// disk gate applies to the whole sweep: with the staging volume under the
// floor, intake pauses until space is freed, while running jobs continue.
func (o *Orchestrator) scanOnce(ctx context.Context) {
	enough, err := o.diskFree(o.cfg.Resources.DiskCheckPath, o.cfg.Resources.MinFreeDisk)
	if err != nil {
		logrus.WithError(err).Warn("disk space check failed, skipping case intake")
		return
	}
	if !enough {
		logrus.WithField("min_free_bytes", o.cfg.Resources.MinFreeDisk).
			Warn("low disk space, skipping case intake")
		return
	}
	cases, err := o.scan.Scan()
	if err != nil {
		logrus.WithError(err).Warn("case scan failed")
		return
	}
	for _, c := range cases {
		existing, known, err := o.store.GetCase(ctx, c.ID)
		if err != nil {
			o.fail(err)
			return
		}
		// A case stuck in New had its scheduling interrupted; retry it.
		if known && existing.Status != state.CaseNew {
			if !existing.Terminal() && hasCancelMarker(c.Path) {
				if err := o.cancelCase(ctx, c.ID); err != nil {
					o.fail(err)
					return
				}
			}
			continue
		}
		beams := countBeams(c.Path)
		if err := o.registerCase(ctx, c.ID, beams); err != nil {
			o.fail(err)
			return
		}
		if _, err := o.sched.ScheduleCase(ctx, c.ID, beams, 0); err != nil {
			if errors.Is(err, scheduler.ErrDuplicateJob) {
				continue
			}
			o.fail(errors.Wrapf(err, "schedule case %s", c.ID))
			return
		}
		metrics.CasesDiscoveredTotal.Inc()
	}
}

// cancelMarkerFile, dropped into a case directory by an operator, asks the
// daemon to stop that case's active job after its current task.
const cancelMarkerFile = "cancel.request"

func hasCancelMarker(casePath string) bool {
	_, err := os.Stat(filepath.Join(casePath, cancelMarkerFile))
	return err == nil
}

// cancelCase forwards a cancel marker to the case's active job. Already
// cancelled jobs are left alone so repeated sweeps stay quiet.
func (o *Orchestrator) cancelCase(ctx context.Context, caseID string) error {
	jobs, err := o.store.ListJobs(ctx)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.CaseID != caseID || j.Terminal() || j.CancelRequested {
			continue
		}
		logrus.WithFields(logrus.Fields{"case": caseID, "job": j.ID}).Info("cancel requested")
		if err := o.sched.Cancel(ctx, j.ID); err != nil {
			return errors.Wrapf(err, "cancel job %s", j.ID)
		}
	}
	return nil
}

// registerCase records a freshly discovered directory as a New case before
// scheduling moves it on. Discovery and queueing stay separate transitions,
// so a scheduling failure leaves a visible New record to retry next sweep.
func (o *Orchestrator) registerCase(ctx context.Context, caseID string, beams int) error {
	return o.store.Transact(ctx, func(tx state.Tx) error {
		if _, exists := tx.GetCase(caseID); exists {
			return nil
		}
		now := time.Now().UTC()
		tx.PutCase(state.CaseRecord{
			ID:        caseID,
			Status:    state.CaseNew,
			BeamCount: beams,
			CreatedAt: now,
			UpdatedAt: now,
		})
		logrus.WithFields(logrus.Fields{"case": caseID, "beams": beams}).Info("case discovered")
		return nil
	})
}

// dispatch starts every task that can run right now. It stops on the first
// obstacle — no pending work, all workers busy, or not enough GPUs for the
// most urgent job — and is re-run on the next completion or scan. A pending
// job is admitted only once its whole GPU set is allocated; the devices
// stay bound to the job until it reaches a terminal state.
func (o *Orchestrator) dispatch(ctx context.Context) {
	for ctx.Err() == nil {
		job, task, ok, err := o.sched.NextTask(ctx)
		if err != nil {
			o.fail(err)
			return
		}
		if !ok {
			return
		}

		select {
		case o.workers <- struct{}{}:
		default:
			return
		}

		gpus := job.GPUs
		if job.Status == state.JobPending {
			c, _, err := o.store.GetCase(ctx, job.CaseID)
			if err != nil {
				<-o.workers
				o.fail(err)
				return
			}
			gpus, err = o.gpus.Allocate(ctx, job.ID, o.gpusFor(c.BeamCount))
			if errors.Is(err, resource.ErrInsufficientGPUs) {
				// The most urgent job waits for devices; nothing lower
				// priority jumps the line.
				<-o.workers
				return
			}
			if err != nil {
				<-o.workers
				o.fail(err)
				return
			}
		}

		if err := o.sched.StartTask(ctx, job.ID, task.ID, gpus); err != nil {
			<-o.workers
			o.fail(err)
			return
		}
		job.GPUs = gpus

		o.wg.Add(1)
		go o.runTask(ctx, job, task)
	}
}

// runTask executes one task and commits its outcome. The task itself runs
// detached from the loop context so a shutdown drains instead of killing
// work mid-flight.
func (o *Orchestrator) runTask(ctx context.Context, job state.JobRecord, task state.TaskRecord) {
	defer o.wg.Done()
	defer func() { <-o.workers }()

	taskCtx := context.WithoutCancel(ctx)
	c, _, err := o.store.GetCase(taskCtx, job.CaseID)
	if err != nil {
		o.fail(err)
		return
	}

	runErr := o.runner.Run(taskCtx, c, job, task)
	if err := o.sched.CompleteTask(taskCtx, job.ID, task.ID, runErr); err != nil {
		o.fail(errors.Wrapf(err, "record outcome of task %s", task.ID))
		return
	}

	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// gpusFor sizes a job's allocation from its beam count, clamped to the
// per-job ceiling so one large plan cannot monopolize the pool.
func (o *Orchestrator) gpusFor(beams int) int {
	if beams < 1 {
		return 1
	}
	if max := o.cfg.Resources.MaxGPUsPerJob; beams > max {
		return max
	}
	return beams
}

// countBeams counts the beam subdirectories of a case. A flat case
// directory still gets one beam's worth of resources.
func countBeams(casePath string) int {
	entries, err := os.ReadDir(casePath)
	if err != nil {
		return 1
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			n++
		}
	}
	if n < 1 {
		return 1
	}
	return n
}

// intervalTicker adapts time.Ticker to the seam the tests fake.
func (o *Orchestrator) intervalTicker() (<-chan struct{}, func()) {
	t := time.NewTicker(o.cfg.Processing.ScanInterval.Std())
	ch := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-t.C:
				select {
				case ch <- struct{}{}:
				default:
				}
			case <-done:
				return
			}
		}
	}()
	return ch, func() { t.Stop(); close(done) }
}

func (o *Orchestrator) fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.loopErr == nil {
		o.loopErr = err
		logrus.WithError(err).Error("orchestrator halting")
	}
}

func (o *Orchestrator) err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loopErr
}
