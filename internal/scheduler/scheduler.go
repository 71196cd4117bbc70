// Package scheduler owns the case/job/task state machines. It decides what
// runs next and records every transition through the state store; it never
// touches SSH, SFTP, or the filesystem itself.
package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jokh38/mqi-interface/internal/metrics"
	"github.com/jokh38/mqi-interface/internal/resource"
	"github.com/jokh38/mqi-interface/internal/state"
)

// ErrDuplicateJob means the case already has a non-terminal job; one case
// runs at most one pipeline at a time.
var ErrDuplicateJob = errors.New("case already has an active job")

// Scheduler drives jobs through the fixed task pipeline. All transitions
// are committed transactionally, so a crash can never leave a job between
// states.
type Scheduler struct {
	store state.Store
	gpus  *resource.Manager

	now func() time.Time
}

func New(store state.Store, gpus *resource.Manager) *Scheduler {
	return &Scheduler{store: store, gpus: gpus, now: time.Now}
}

// ScheduleCase registers the case (if new), moves it to Queued, and creates
// its job with the full task pipeline in one transaction. A case whose job
// is still running is rejected with ErrDuplicateJob; a terminal case is
// left alone.
func (s *Scheduler) ScheduleCase(ctx context.Context, caseID string, beamCount, priority int) (state.JobRecord, error) {
	var job state.JobRecord
	err := s.store.Transact(ctx, func(tx state.Tx) error {
		for _, j := range tx.ListJobs() {
			if j.CaseID == caseID && !j.Terminal() {
				return ErrDuplicateJob
			}
		}

		now := s.now().UTC()
		c, ok := tx.GetCase(caseID)
		if !ok {
			c = state.CaseRecord{ID: caseID, Status: state.CaseNew, CreatedAt: now}
		}
		if c.Terminal() {
			return errors.Errorf("case %s is already %s", caseID, c.Status)
		}
		c.Status = state.CaseQueued
		c.BeamCount = beamCount
		c.UpdatedAt = now
		tx.PutCase(c)

		job = state.JobRecord{
			ID:        uuid.NewString(),
			CaseID:    caseID,
			Status:    state.JobPending,
			Priority:  priority,
			CreatedAt: now,
		}
		for _, typ := range state.PipelineOrder {
			job.Tasks = append(job.Tasks, state.TaskRecord{
				ID:     uuid.NewString(),
				JobID:  job.ID,
				Type:   typ,
				Status: state.TaskPending,
			})
		}
		tx.PutJob(job)
		return nil
	})
	if err != nil {
		return state.JobRecord{}, err
	}
	logrus.WithFields(logrus.Fields{
		"case": caseID, "job": job.ID, "priority": priority,
	}).Info("case queued")
	return job, nil
}

// NextTask picks the task that should run next: the current task of the
// most urgent dispatchable job. Urgency is ascending priority value with
// creation time breaking ties, so equal-priority cases run first-in
// first-out. Jobs whose current task is already running, and cancelled
// pending jobs, are skipped. Returns ok=false when nothing is dispatchable;
// it never blocks.
func (s *Scheduler) NextTask(ctx context.Context) (state.JobRecord, state.TaskRecord, bool, error) {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return state.JobRecord{}, state.TaskRecord{}, false, err
	}
	var candidates []state.JobRecord
	for _, j := range jobs {
		if j.Terminal() {
			continue
		}
		task, ok := j.CurrentTask()
		if !ok || task.Status != state.TaskPending {
			continue
		}
		if j.CancelRequested && j.Status == state.JobPending {
			continue
		}
		candidates = append(candidates, j)
	}
	if len(candidates) == 0 {
		return state.JobRecord{}, state.TaskRecord{}, false, nil
	}
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority < candidates[k].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})
	job := candidates[0]
	task, _ := job.CurrentTask()
	return job, task, true, nil
}

// StartTask marks the task Running and, on a job's first task, the job and
// its case too. gpus carries the job's allocation on that first transition
// and is committed with it, so a crash after commit still accounts for the
// devices via the job record; later tasks pass the binding through.
func (s *Scheduler) StartTask(ctx context.Context, jobID, taskID string, gpus []int) error {
	var jobStarted bool
	err := s.store.Transact(ctx, func(tx state.Tx) error {
		jobStarted = false
		job, ok := tx.GetJob(jobID)
		if !ok {
			return errors.Errorf("job %s not found", jobID)
		}
		task, idx, ok := job.TaskByID(taskID)
		if !ok {
			return errors.Errorf("job %s has no task %s", jobID, taskID)
		}
		if task.Status != state.TaskPending {
			return errors.Errorf("task %s is %s, not startable", taskID, task.Status)
		}

		now := s.now().UTC()
		job.Tasks[idx].Status = state.TaskRunning
		if job.Status == state.JobPending {
			job.Status = state.JobRunning
			job.StartedAt = &now
			jobStarted = true
		}
		if len(gpus) > 0 {
			job.GPUs = append([]int(nil), gpus...)
		}
		tx.PutJob(job)

		if c, ok := tx.GetCase(job.CaseID); ok && c.Status == state.CaseQueued {
			c.Status = state.CaseProcessing
			c.UpdatedAt = now
			tx.PutCase(c)
		}
		return nil
	})
	if err == nil && jobStarted {
		metrics.JobsRunning.Inc()
	}
	return err
}

// CompleteTask records a task outcome and advances the job. Completing the
// last task finishes the job; any failure fails it. Terminal tasks are
// ignored so duplicate completions after a recovery are harmless. When the
// job reaches a terminal state its GPUs are released exactly once: the
// binding is cleared in the same transaction, so a re-delivered completion
// finds nothing left to release.
func (s *Scheduler) CompleteTask(ctx context.Context, jobID, taskID string, taskErr error) error {
	var (
		releaseGPUs []int
		finished    state.JobRecord
		terminal    bool
		taskType    string
		outcome     string
	)
	err := s.store.Transact(ctx, func(tx state.Tx) error {
		releaseGPUs, finished, terminal = nil, state.JobRecord{}, false
		taskType, outcome = "", ""

		job, ok := tx.GetJob(jobID)
		if !ok {
			return errors.Errorf("job %s not found", jobID)
		}
		task, idx, ok := job.TaskByID(taskID)
		if !ok {
			return errors.Errorf("job %s has no task %s", jobID, taskID)
		}
		if task.Terminal() {
			return nil
		}

		now := s.now().UTC()
		taskType = task.Type
		switch {
		case taskErr != nil:
			job.Tasks[idx].Status = state.TaskFailed
			job.Tasks[idx].Error = taskErr.Error()
			job.Status = state.JobFailed
			job.Message = taskErr.Error()
			outcome = "failure"
		case job.CancelRequested:
			// The finished task's work stands; the pipeline stops here.
			job.Tasks[idx].Status = state.TaskCompleted
			job.Status = state.JobFailed
			job.Message = "cancelled"
			outcome = "success"
		default:
			job.Tasks[idx].Status = state.TaskCompleted
			outcome = "success"
			if _, more := job.CurrentTask(); !more {
				job.Status = state.JobCompleted
			}
		}

		if job.Terminal() {
			job.CompletedAt = &now
			releaseGPUs = append([]int(nil), job.GPUs...)
			job.GPUs = nil
			terminal = true
		}
		tx.PutJob(job)
		finished = job

		if terminal {
			if c, ok := tx.GetCase(job.CaseID); ok {
				if job.Status == state.JobCompleted {
					c.Status = state.CaseCompleted
				} else {
					c.Status = state.CaseFailed
					if c.Metadata == nil {
						c.Metadata = make(map[string]string)
					}
					c.Metadata["failure_reason"] = job.Message
				}
				c.UpdatedAt = now
				tx.PutCase(c)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if outcome != "" {
		metrics.TasksCompletedTotal.WithLabelValues(taskType, outcome).Inc()
	}
	if terminal {
		metrics.JobsRunning.Dec()
		metrics.JobsCompletedTotal.WithLabelValues(finished.Status).Inc()
		logrus.WithFields(logrus.Fields{
			"job": jobID, "case": finished.CaseID, "status": finished.Status,
		}).Info("job finished")
		if len(releaseGPUs) > 0 && s.gpus != nil {
			if err := s.gpus.Release(ctx, jobID, releaseGPUs); err != nil {
				return errors.Wrapf(err, "release gpus for job %s", jobID)
			}
		}
	}
	return nil
}

// Cancel requests a job stop after its current task. Pending jobs fail
// immediately; a running job keeps its flag and CompleteTask acts on it.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	var cancelledNow bool
	err := s.store.Transact(ctx, func(tx state.Tx) error {
		cancelledNow = false
		job, ok := tx.GetJob(jobID)
		if !ok {
			return errors.Errorf("job %s not found", jobID)
		}
		if job.Terminal() {
			return nil
		}
		job.CancelRequested = true
		if job.Status == state.JobPending {
			now := s.now().UTC()
			job.Status = state.JobFailed
			job.Message = "cancelled"
			job.CompletedAt = &now
			cancelledNow = true
			if c, ok := tx.GetCase(job.CaseID); ok && !c.Terminal() {
				c.Status = state.CaseFailed
				c.UpdatedAt = now
				tx.PutCase(c)
			}
		}
		tx.PutJob(job)
		return nil
	})
	if err == nil && cancelledNow {
		metrics.JobsCompletedTotal.WithLabelValues(state.JobFailed).Inc()
	}
	return err
}
