package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/natefinch/atomic"
)

// snapshotFile stores the whole queue as one JSON document. Each write goes
// to a temporary file that is renamed over the old one, so a crash leaves
// either the previous or the new document.
type snapshotFile struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
}

func newSnapshotFile(path string, logger *slog.Logger, now func() time.Time) *snapshotFile {
	return &snapshotFile{path: path, logger: logger, now: now}
}

func (s *snapshotFile) load() (state, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return emptyState(), nil
	}
	if err != nil {
		return emptyState(), moveAside(s.path, s.now(), fmt.Errorf("read queue file: %w", err), s.logger)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return emptyState(), nil
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return emptyState(), moveAside(s.path, s.now(), fmt.Errorf("decode queue file (%d bytes): %w", len(data), err), s.logger)
	}
	return st, nil
}

func (s *snapshotFile) write(st *state) error {
	out := state{Queue: st.Queue, NextID: st.NextID}
	if out.Queue == nil {
		out.Queue = []Item{}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write queue file: %w", err)
	}
	return nil
}

func (s *snapshotFile) enqueued(st *state, _ []Item) error { return s.write(st) }

func (s *snapshotFile) removed(st *state, _ []int64) error { return s.write(st) }

func (s *snapshotFile) sync(st *state) error { return s.write(st) }

func (s *snapshotFile) close() error { return nil }

func readSnapshot(path string) (state, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return emptyState(), nil
	}
	if err != nil {
		return state{}, err
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return state{}, fmt.Errorf("decode queue file: %w", err)
	}
	return st, nil
}

func quarantinePath(path string, at time.Time) string {
	return fmt.Sprintf("%s.corrupt-%d", path, at.Unix())
}

// moveAside renames a queue file that could not be loaded so the next write
// starts fresh beside it. The file is kept for manual recovery.
func moveAside(path string, at time.Time, cause error, logger *slog.Logger) error {
	aside := quarantinePath(path, at)
	if err := os.Rename(path, aside); err != nil {
		return fmt.Errorf("%w: %v (rename: %v)", ErrUnreadable, cause, err)
	}
	logger.Error("queue file unreadable; moved aside and starting empty",
		"error", cause,
		"moved_to", aside)
	return nil
}
