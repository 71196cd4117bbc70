package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mqid.pid")

	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if got := strconv.Itoa(os.Getpid()) + "\n"; string(raw) != got {
		t.Fatalf("pid file holds %q, want %q", raw, got)
	}

	// Our own live PID blocks a second acquire.
	if _, err := Acquire(path); err == nil {
		t.Fatal("second acquire should fail while lock is held")
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("pid file should be gone after release")
	}
}

func TestAcquireReclaimsStalePID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mqid.pid")
	// PIDs above the default kernel ceiling never identify a live process.
	if err := os.WriteFile(path, []byte("4999999\n"), 0o644); err != nil {
		t.Fatalf("seed stale pid: %v", err)
	}

	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("acquire over stale pid: %v", err)
	}
	defer lock.Release()
}

func TestAcquireReclaimsGarbagePIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mqid.pid")
	if err := os.WriteFile(path, []byte("not-a-pid"), 0o644); err != nil {
		t.Fatalf("seed garbage: %v", err)
	}

	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("acquire over garbage: %v", err)
	}
	defer lock.Release()
}
