package state

import "time"

// Case status state machine: New -> Queued -> Processing -> Completed|Failed.
// Completed and Failed are terminal; a case never leaves them automatically.
const (
	CaseNew        = "New"
	CaseQueued     = "Queued"
	CaseProcessing = "Processing"
	CaseCompleted  = "Completed"
	CaseFailed     = "Failed"
)

const (
	JobPending   = "Pending"
	JobRunning   = "Running"
	JobCompleted = "Completed"
	JobFailed    = "Failed"
)

const (
	TaskPending   = "Pending"
	TaskRunning   = "Running"
	TaskCompleted = "Completed"
	TaskFailed    = "Failed"
)

// Task types in their fixed pipeline order.
const (
	TaskUpload    = "upload"
	TaskInterpret = "interpret"
	TaskBeamCalc  = "beam_calc"
	TaskConvert   = "convert"
	TaskDownload  = "download"
)

// PipelineOrder is the total order every job's tasks execute in.
var PipelineOrder = []string{TaskUpload, TaskInterpret, TaskBeamCalc, TaskConvert, TaskDownload}

type CaseRecord struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	BeamCount int               `json:"beam_count"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (c CaseRecord) Terminal() bool {
	return c.Status == CaseCompleted || c.Status == CaseFailed
}

func (c CaseRecord) Clone() CaseRecord {
	out := c
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

type TaskRecord struct {
	ID         string            `json:"id"`
	JobID      string            `json:"job_id"`
	Type       string            `json:"type"`
	Status     string            `json:"status"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func (t TaskRecord) Terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

func (t TaskRecord) Clone() TaskRecord {
	out := t
	if t.Parameters != nil {
		out.Parameters = make(map[string]string, len(t.Parameters))
		for k, v := range t.Parameters {
			out.Parameters[k] = v
		}
	}
	return out
}

type JobRecord struct {
	ID              string       `json:"id"`
	CaseID          string       `json:"case_id"`
	Status          string       `json:"status"`
	GPUs            []int        `json:"gpus,omitempty"`
	Priority        int          `json:"priority"`
	CancelRequested bool         `json:"cancel_requested,omitempty"`
	Message         string       `json:"message,omitempty"`
	Tasks           []TaskRecord `json:"tasks"`
	CreatedAt       time.Time    `json:"created_at"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
}

func (j JobRecord) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// CurrentTask returns the first task that has not completed, which is the
// only task that may run next. ok is false once every task is terminal.
func (j JobRecord) CurrentTask() (TaskRecord, bool) {
	for _, t := range j.Tasks {
		if t.Status == TaskCompleted {
			continue
		}
		return t, true
	}
	return TaskRecord{}, false
}

// TaskByID looks a task up by identifier.
func (j JobRecord) TaskByID(taskID string) (TaskRecord, int, bool) {
	for i, t := range j.Tasks {
		if t.ID == taskID {
			return t, i, true
		}
	}
	return TaskRecord{}, -1, false
}

func (j JobRecord) Clone() JobRecord {
	out := j
	if j.GPUs != nil {
		out.GPUs = append([]int(nil), j.GPUs...)
	}
	out.Tasks = make([]TaskRecord, len(j.Tasks))
	for i, t := range j.Tasks {
		out.Tasks[i] = t.Clone()
	}
	if j.StartedAt != nil {
		ts := *j.StartedAt
		out.StartedAt = &ts
	}
	if j.CompletedAt != nil {
		ts := *j.CompletedAt
		out.CompletedAt = &ts
	}
	return out
}

// GPUSnapshot is the singleton record mirroring the resource manager's pool.
// It is advisory: on restart the pool is rebuilt from RUNNING job records,
// so the snapshot can never drift into authority.
type GPUSnapshot struct {
	PoolSize  int              `json:"pool_size"`
	Allocated map[string][]int `json:"allocated,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func (s GPUSnapshot) Clone() GPUSnapshot {
	out := s
	if s.Allocated != nil {
		out.Allocated = make(map[string][]int, len(s.Allocated))
		for k, v := range s.Allocated {
			out.Allocated[k] = append([]int(nil), v...)
		}
	}
	return out
}
