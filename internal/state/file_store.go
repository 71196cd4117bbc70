package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// FileStore persists the snapshot as one JSON document. Every committed
// transaction is written to a temporary file in the same directory and moved
// into place with os.Rename, so a reader (including a restarted process)
// observes either the prior snapshot or the new one, never a torn write.
type FileStore struct {
	mu   sync.Mutex
	path string
	snap snapshot
}

// OpenFileStore loads the last committed snapshot at path, creating the
// parent directory and an empty snapshot when the file does not exist yet.
func OpenFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create state directory")
	}
	s := &FileStore{path: path, snap: newSnapshot()}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read state file %s", path)
	}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.snap); err != nil {
		return nil, errors.Wrapf(err, "decode state file %s", path)
	}
	if s.snap.Cases == nil {
		s.snap.Cases = make(map[string]CaseRecord)
	}
	if s.snap.Jobs == nil {
		s.snap.Jobs = make(map[string]JobRecord)
	}
	return s, nil
}

// Transact runs fn against a draft copy of the snapshot under the store
// mutex. If fn succeeds the draft is committed to disk and becomes current;
// if fn or the disk write fails the draft is discarded.
func (s *FileStore) Transact(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	draft := s.snap.clone()
	if err := fn(&txView{draft: &draft}); err != nil {
		return err
	}
	if err := s.persist(draft); err != nil {
		return err
	}
	s.snap = draft
	return nil
}

func (s *FileStore) persist(snap snapshot) error {
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode state")
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "open temp state file")
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "write temp state file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "sync temp state file")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "close temp state file")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "replace state file")
	}
	return nil
}

func (s *FileStore) GetCase(ctx context.Context, id string) (CaseRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return CaseRecord{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.snap.Cases[id]
	if !ok {
		return CaseRecord{}, false, nil
	}
	return c.Clone(), true, nil
}

func (s *FileStore) GetJob(ctx context.Context, id string) (JobRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return JobRecord{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.snap.Jobs[id]
	if !ok {
		return JobRecord{}, false, nil
	}
	return j.Clone(), true, nil
}

func (s *FileStore) ListCases(ctx context.Context) ([]CaseRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CaseRecord, 0, len(s.snap.Cases))
	for _, c := range s.snap.Cases {
		out = append(out, c.Clone())
	}
	return out, nil
}

func (s *FileStore) ListJobs(ctx context.Context) ([]JobRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobRecord, 0, len(s.snap.Jobs))
	for _, j := range s.snap.Jobs {
		out = append(out, j.Clone())
	}
	return out, nil
}
