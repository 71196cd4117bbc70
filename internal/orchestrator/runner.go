package orchestrator

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jokh38/mqi-interface/internal/config"
	"github.com/jokh38/mqi-interface/internal/executor"
	"github.com/jokh38/mqi-interface/internal/metrics"
	"github.com/jokh38/mqi-interface/internal/observability"
	"github.com/jokh38/mqi-interface/internal/remote"
	"github.com/jokh38/mqi-interface/internal/state"
)

// resultsSubdir is where the remote pipeline writes its output inside the
// case workspace, and where downloaded results land locally.
const resultsSubdir = "results"

// TaskRunner executes one task of a job. Transfer tasks move the case
// directory over SFTP; compute tasks run the configured command template on
// the cluster. The runner owns none of the state transitions, it only does
// the work and reports the outcome.
type TaskRunner struct {
	cfg      *config.Config
	remote   executor.Executor
	local    executor.Executor
	transfer *remote.Transfer
}

func NewTaskRunner(cfg *config.Config, remoteExec, localExec executor.Executor, transfer *remote.Transfer) *TaskRunner {
	return &TaskRunner{cfg: cfg, remote: remoteExec, local: localExec, transfer: transfer}
}

// Run executes the task and returns the error that decides the task's
// fate: nil marks it completed, anything else fails it and the job.
func (r *TaskRunner) Run(ctx context.Context, c state.CaseRecord, job state.JobRecord, task state.TaskRecord) error {
	ctx, span := observability.StartSpan(ctx, "task."+task.Type,
		attribute.String("case.id", c.ID),
		attribute.String("job.id", job.ID),
	)
	defer span.End()

	start := time.Now()
	log := logrus.WithFields(logrus.Fields{
		"case": c.ID, "job": job.ID, "task": task.Type,
	})
	log.Info("task started")

	var err error
	switch task.Type {
	case state.TaskUpload:
		err = r.upload(ctx, c)
	case state.TaskDownload:
		err = r.download(ctx, c)
	default:
		err = r.runCommand(ctx, c, job, task)
	}

	metrics.TaskDurationSeconds.WithLabelValues(task.Type).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		log.WithError(err).Error("task failed")
	} else {
		log.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Info("task completed")
	}
	return err
}

func (r *TaskRunner) localDir(caseID string) string {
	return filepath.Join(r.cfg.Paths.LocalData, caseID)
}

func (r *TaskRunner) remoteDir(caseID string) string {
	return path.Join(r.cfg.Paths.RemoteWorkspace, caseID)
}

func (r *TaskRunner) upload(ctx context.Context, c state.CaseRecord) error {
	remoteDir := r.remoteDir(c.ID)
	// The workspace parent must exist before SFTP writes into it.
	cmd := fmt.Sprintf("mkdir -p %s", shellQuote(remoteDir))
	if _, err := r.remote.Execute(ctx, cmd, r.cfg.Processing.TaskTimeout.Std()); err != nil {
		return errors.Wrap(err, "prepare remote workspace")
	}
	return r.transfer.Upload(ctx, r.localDir(c.ID), remoteDir)
}

func (r *TaskRunner) download(ctx context.Context, c state.CaseRecord) error {
	return r.transfer.Download(ctx,
		path.Join(r.remoteDir(c.ID), resultsSubdir),
		filepath.Join(r.localDir(c.ID), resultsSubdir))
}

func (r *TaskRunner) runCommand(ctx context.Context, c state.CaseRecord, job state.JobRecord, task state.TaskRecord) error {
	tmpl, ok := r.cfg.Processing.Commands[task.Type]
	if !ok {
		return errors.Errorf("no command configured for task type %q", task.Type)
	}
	cmd := r.expandCommand(tmpl, c, job)
	exec := r.remote
	if r.cfg.Processing.RunsLocally(task.Type) {
		exec = r.local
	}
	res, err := exec.Execute(ctx, cmd, r.cfg.Processing.TaskTimeout.Std())
	if err != nil {
		var exitErr *executor.ExitError
		if errors.As(err, &exitErr) {
			return errors.Errorf("%s exited with status %d: %s",
				task.Type, exitErr.ExitCode, strings.TrimSpace(exitErr.Stderr))
		}
		return err
	}
	if out := strings.TrimSpace(res.Stdout); out != "" {
		logrus.WithFields(logrus.Fields{"job": job.ID, "task": task.Type}).Debug(out)
	}
	return nil
}

// expandCommand substitutes the placeholders a command template may use:
// {case_id}, {job_id}, {local_dir}, {remote_dir}, {results_dir},
// {beam_count}, {gpus} (comma-separated device indices) and {gpu_count}.
func (r *TaskRunner) expandCommand(tmpl string, c state.CaseRecord, job state.JobRecord) string {
	gpus := make([]string, len(job.GPUs))
	for i, g := range job.GPUs {
		gpus[i] = fmt.Sprintf("%d", g)
	}
	rep := strings.NewReplacer(
		"{case_id}", c.ID,
		"{job_id}", job.ID,
		"{local_dir}", r.localDir(c.ID),
		"{remote_dir}", r.remoteDir(c.ID),
		"{results_dir}", path.Join(r.remoteDir(c.ID), resultsSubdir),
		"{beam_count}", fmt.Sprintf("%d", c.BeamCount),
		"{gpus}", strings.Join(gpus, ","),
		"{gpu_count}", fmt.Sprintf("%d", len(job.GPUs)),
	)
	return rep.Replace(tmpl)
}

// shellQuote wraps a path for the remote shell. Workspace paths come from
// configuration, not user input, so single quotes are enough.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
