package orchestrator

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/jokh38/mqi-interface/internal/metrics"
	"github.com/jokh38/mqi-interface/internal/state"
)

// Recover repairs jobs orphaned by a crash: any task left Running was
// interrupted mid-flight and is reset to Pending so the dispatcher picks it
// up again. Every task type tolerates a rerun — uploads overwrite,
// downloads stage into a temp directory, and the compute steps regenerate
// their outputs in place — so resetting is always safe. GPU bindings on the
// job records are left untouched; the resource manager rebuilds its pool
// from them before dispatch resumes.
func Recover(ctx context.Context, store state.Store) (int, error) {
	recovered := 0
	err := store.Transact(ctx, func(tx state.Tx) error {
		recovered = 0
		for _, job := range tx.ListJobs() {
			if job.Terminal() {
				continue
			}
			changed := false
			for i, task := range job.Tasks {
				if task.Status == state.TaskRunning {
					job.Tasks[i].Status = state.TaskPending
					changed = true
				}
			}
			if changed {
				tx.PutJob(job)
				recovered++
				logrus.WithFields(logrus.Fields{
					"job": job.ID, "case": job.CaseID,
				}).Warn("recovered orphaned job, interrupted task re-queued")
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	metrics.RecoveredJobsTotal.Add(float64(recovered))
	return recovered, nil
}
