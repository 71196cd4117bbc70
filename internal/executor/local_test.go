package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLocalExecuteCapturesOutput(t *testing.T) {
	res, err := NewLocal().Execute(context.Background(), "echo hello; echo warn >&2", 5*time.Second)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "warn" {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
}

func TestLocalExecuteNonZeroExit(t *testing.T) {
	res, err := NewLocal().Execute(context.Background(), "echo bad >&2; exit 3", 5*time.Second)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("want ExitError, got %v", err)
	}
	if exitErr.ExitCode != 3 || res.ExitCode != 3 {
		t.Errorf("exit codes = %d / %d, want 3", exitErr.ExitCode, res.ExitCode)
	}
}

func TestLocalExecuteTimeout(t *testing.T) {
	_, err := NewLocal().Execute(context.Background(), "sleep 5", 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode == 0 {
		t.Fatalf("timeout should not report clean exit: %v", err)
	}
}
