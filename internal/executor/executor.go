package executor

import (
	"context"
	"fmt"
	"time"
)

// Result carries what the orchestrator is allowed to observe about a
// computation: exit status and captured output. The science behind the
// command is opaque here.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ExitError reports a command that ran to completion with a non-zero
// status. It is a task failure, not a transport failure, and is never
// retried by the connection layer.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q exited with status %d: %s", e.Command, e.ExitCode, e.Stderr)
}

// Executor runs one shell command to completion. Implementations: Local
// (os/exec) and remote.Executor (pooled SSH). The variant is chosen at
// construction time by the orchestrator's task runner.
type Executor interface {
	Execute(ctx context.Context, command string, timeout time.Duration) (Result, error)
}
