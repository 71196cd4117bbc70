// Package daemon guards against concurrent instances. Two orchestrators
// sharing a state file would race each other's transactions, so startup
// takes an exclusive PID-file lock first.
package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// ErrAlreadyRunning means a live process holds the PID file.
var ErrAlreadyRunning = errors.New("another instance is already running")

// PIDFile is an exclusive single-instance lock backed by a file holding the
// owner's process ID.
type PIDFile struct {
	path string
}

// Acquire claims the lock at path. A PID file left behind by a crashed or
// killed process is detected by probing its PID and reclaimed.
func Acquire(path string) (*PIDFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create pid directory")
	}
	raw, err := os.ReadFile(path)
	if err == nil {
		pid, convErr := strconv.Atoi(strings.TrimSpace(string(raw)))
		if convErr == nil && pid > 0 && processAlive(pid) {
			return nil, errors.Wrapf(ErrAlreadyRunning, "pid %d holds %s", pid, path)
		}
		// Stale file from a dead process.
		if err := os.Remove(path); err != nil {
			return nil, errors.Wrap(err, "remove stale pid file")
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "read pid file")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.Wrap(ErrAlreadyRunning, "pid file reappeared")
		}
		return nil, errors.Wrap(err, "create pid file")
	}
	if _, err := f.WriteString(strconv.Itoa(os.Getpid()) + "\n"); err != nil {
		f.Close()
		os.Remove(path)
		return nil, errors.Wrap(err, "write pid file")
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, errors.Wrap(err, "close pid file")
	}
	return &PIDFile{path: path}, nil
}

// Release removes the lock. Safe to call once at shutdown; the file is only
// removed if we still own it.
func (p *PIDFile) Release() error {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "read pid file")
	}
	if strings.TrimSpace(string(raw)) != strconv.Itoa(os.Getpid()) {
		return nil
	}
	return errors.Wrap(os.Remove(p.path), "remove pid file")
}

// processAlive probes pid with signal 0. EPERM still means the process
// exists, just owned by someone else.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
