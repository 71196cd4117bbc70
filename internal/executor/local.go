package executor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// Local runs commands on this host through the shell.
type Local struct{}

func NewLocal() *Local { return &Local{} }

func (l *Local) Execute(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &ExitError{Command: command, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, err
}
