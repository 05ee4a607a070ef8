package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsed/internal/segment"
)

// =============================================================================
// Helpers
// =============================================================================

var baseTime = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

func testSegment(i int) segment.Segment {
	start := baseTime.Add(time.Duration(i) * 5 * time.Second)
	return segment.Segment{
		Start:      start,
		End:        start.Add(5 * time.Second),
		Type:       segment.TypeActive,
		AppName:    "Editor",
		Keystrokes: i,
	}
}

func testSegments(n int) []segment.Segment {
	out := make([]segment.Segment, n)
	for i := range out {
		out[i] = testSegment(i)
	}
	return out
}

func openTestQueue(t *testing.T, path string, opts Options) *Queue {
	t.Helper()
	q, err := Open(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func ids(items []Item) []int64 {
	out := make([]int64, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

// =============================================================================
// Contract
// =============================================================================

func TestQueueRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q := openTestQueue(t, path, Options{})

	q.Enqueue(testSegments(2))
	batch := q.Dequeue(2)
	require.Len(t, batch, 2)
	assert.Equal(t, []int64{1, 2}, ids(batch))

	assert.Equal(t, 2, q.MarkSent(ids(batch)))
	assert.Zero(t, q.Len())

	items, nextID, err := ReadFile(path, FormatSnapshot)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, int64(3), nextID)
}

func TestQueueDequeueIsIdempotent(t *testing.T) {
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.json"), Options{})
	q.Enqueue(testSegments(5))

	first := q.Dequeue(3)
	second := q.Dequeue(3)
	assert.Equal(t, first, second)
	assert.Equal(t, 5, q.Len())
}

func TestQueueDequeueBounds(t *testing.T) {
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.json"), Options{})
	assert.Nil(t, q.Dequeue(10), "empty queue")

	q.Enqueue(testSegments(3))
	assert.Len(t, q.Dequeue(50), 3)
	assert.Nil(t, q.Dequeue(0))
	assert.Nil(t, q.Dequeue(-1))
}

func TestQueueDequeueReturnsCopies(t *testing.T) {
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.json"), Options{})
	q.Enqueue(testSegments(1))

	batch := q.Dequeue(1)
	batch[0].Segment.AppName = "mutated"
	assert.Equal(t, "Editor", q.Dequeue(1)[0].Segment.AppName)
}

func TestQueueMarkSentUnknownIDs(t *testing.T) {
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.json"), Options{})
	q.Enqueue(testSegments(3))

	assert.Zero(t, q.MarkSent([]int64{99, 100}))
	assert.Equal(t, 1, q.MarkSent([]int64{2, 2, 42}))
	assert.Zero(t, q.MarkSent([]int64{2}), "already removed")
	assert.Equal(t, []int64{1, 3}, ids(q.Dequeue(10)))
}

func TestQueueIDsIncreaseAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")

	q, err := Open(path, Options{})
	require.NoError(t, err)
	q.Enqueue(testSegments(3))
	q.MarkSent([]int64{1, 2, 3})
	require.NoError(t, q.Close())

	q = openTestQueue(t, path, Options{})
	q.Enqueue(testSegments(1))
	assert.Equal(t, []int64{4}, ids(q.Dequeue(1)))
}

func TestQueueOverflowKeepsNewest(t *testing.T) {
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.json"), Options{})

	pruned := q.Enqueue(testSegments(10050))
	assert.Equal(t, 50, pruned)
	assert.Equal(t, DefaultMaxItems, q.Len())

	all := q.Dequeue(DefaultMaxItems)
	assert.Equal(t, int64(51), all[0].ID, "oldest 50 discarded")
	assert.Equal(t, int64(10050), all[len(all)-1].ID)
	assert.Equal(t, uint64(50), q.Stats().Pruned)
}

func TestQueueOverflowAcrossCalls(t *testing.T) {
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.json"), Options{MaxItems: 10})

	for i := 0; i < 4; i++ {
		q.Enqueue(testSegments(4))
	}
	assert.Equal(t, 10, q.Len())
	assert.Equal(t, int64(7), q.Dequeue(1)[0].ID)
}

func TestQueueOpenPrunesOversizedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q, err := Open(path, Options{})
	require.NoError(t, err)
	q.Enqueue(testSegments(20))
	require.NoError(t, q.Close())

	q = openTestQueue(t, path, Options{MaxItems: 5})
	assert.Equal(t, 5, q.Len())
	assert.Equal(t, int64(16), q.Dequeue(1)[0].ID)
}

// =============================================================================
// Snapshot file
// =============================================================================

func TestQueueFileFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q := openTestQueue(t, path, Options{})
	q.Enqueue(testSegments(1))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc struct {
		Queue []struct {
			ID      int64          `json:"id"`
			Segment map[string]any `json:"segment"`
		} `json:"queue"`
		NextID int64 `json:"nextId"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Len(t, doc.Queue, 1)
	assert.Equal(t, int64(1), doc.Queue[0].ID)
	assert.Equal(t, int64(2), doc.NextID)
	assert.Equal(t, "2025-06-02T09:00:00.000Z", doc.Queue[0].Segment["start_time"])
	assert.Equal(t, "active", doc.Queue[0].Segment["segment_type"])
}

func TestQueueEmptyFileWritesEmptyArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q := openTestQueue(t, path, Options{})
	q.Enqueue(testSegments(1))
	q.MarkSent([]int64{1})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"queue":[],"nextId":2}`, string(data))
}

func TestQueueLoadsReferenceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	ref := `{"queue":[{"id":7,"segment":{"start_time":"2025-06-02T09:00:00.000Z","end_time":"2025-06-02T09:00:05.000Z","segment_type":"idle","app_name":"","window_title":"","mouse_moves":0,"mouse_clicks":0,"keystrokes":0,"scroll_events":0}}],"nextId":8}`
	require.NoError(t, os.WriteFile(path, []byte(ref), 0o600))

	q := openTestQueue(t, path, Options{})
	items := q.Dequeue(10)
	require.Len(t, items, 1)
	assert.Equal(t, int64(7), items[0].ID)
	assert.Equal(t, segment.TypeIdle, items[0].Segment.Type)

	q.Enqueue(testSegments(1))
	assert.Equal(t, []int64{7, 8}, ids(q.Dequeue(10)))
}

func TestQueueCorruptFileMovedAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"queue":[{"id":1,`), 0o600))

	now := time.Unix(1700000000, 0)
	q := openTestQueue(t, path, Options{Now: func() time.Time { return now }})
	assert.Zero(t, q.Len())

	kept, err := os.ReadFile(path + ".corrupt-1700000000")
	require.NoError(t, err, "corrupt file is kept for recovery")
	assert.Equal(t, `{"queue":[{"id":1,`, string(kept))

	q.Enqueue(testSegments(1))
	assert.Equal(t, []int64{1}, ids(q.Dequeue(1)))
}

func TestQueueUnreadableFileMovedAside(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	// A directory where the file should be fails the read, not the decode.
	require.NoError(t, os.Mkdir(path, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(path, "segments"), []byte("keep me"), 0o600))

	now := time.Unix(1700000002, 0)
	q := openTestQueue(t, path, Options{Now: func() time.Time { return now }})
	assert.Zero(t, q.Len())

	kept, err := os.ReadFile(filepath.Join(path+".corrupt-1700000002", "segments"))
	require.NoError(t, err, "unreadable file is kept for recovery")
	assert.Equal(t, "keep me", string(kept))

	q.Enqueue(testSegments(1))
	items, _, err := ReadFile(path, FormatSnapshot)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestQueueOpenFailsWhenFileCannotBeMovedAside(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"queue":[{"id":1,`), 0o600))

	// A non-empty directory at the quarantine path makes the rename fail.
	now := time.Unix(1700000003, 0)
	blocker := path + ".corrupt-1700000003"
	require.NoError(t, os.Mkdir(blocker, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(blocker, "x"), nil, 0o600))

	_, err := Open(path, Options{Now: func() time.Time { return now }})
	require.ErrorIs(t, err, ErrUnreadable)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"queue":[{"id":1,`, string(data), "file is left untouched")

	// The lock is released so a later attempt can succeed.
	require.NoError(t, os.RemoveAll(blocker))
	q := openTestQueue(t, path, Options{Now: func() time.Time { return now }})
	assert.Zero(t, q.Len())
	_, err = os.Stat(blocker)
	assert.NoError(t, err)
}

func TestQueueMissingFileIsEmpty(t *testing.T) {
	q := openTestQueue(t, filepath.Join(t.TempDir(), "nested", "dir", "queue.json"), Options{})
	assert.Zero(t, q.Len())
	assert.Equal(t, int64(1), q.Stats().NextID)
}

func TestQueueLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	openTestQueue(t, path, Options{})

	_, err := Open(path, Options{})
	assert.ErrorIs(t, err, ErrLocked)
}

func TestQueueCloseReleasesLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q, err := Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close(), "close is idempotent")

	q2 := openTestQueue(t, path, Options{})
	assert.Zero(t, q2.Len())
}

func TestQueueClosedIgnoresMutations(t *testing.T) {
	q, err := Open(filepath.Join(t.TempDir(), "queue.json"), Options{})
	require.NoError(t, err)
	require.NoError(t, q.Close())

	assert.Zero(t, q.Enqueue(testSegments(1)))
	assert.Zero(t, q.Len())
	assert.Zero(t, q.MarkSent([]int64{1}))
}

// =============================================================================
// Persist failures
// =============================================================================

type flakyBackend struct {
	fail   bool
	writes int
	syncs  int
	last   state

	loaded  state
	loadErr error
}

func (f *flakyBackend) load() (state, error) {
	if f.loaded.Queue == nil {
		return emptyState(), f.loadErr
	}
	return f.loaded, f.loadErr
}

func (f *flakyBackend) record(st *state) error {
	if f.fail {
		return errors.New("disk full")
	}
	f.last = state{Queue: append([]Item(nil), st.Queue...), NextID: st.NextID}
	return nil
}

func (f *flakyBackend) enqueued(st *state, _ []Item) error {
	f.writes++
	return f.record(st)
}

func (f *flakyBackend) removed(st *state, _ []int64) error {
	f.writes++
	return f.record(st)
}

func (f *flakyBackend) sync(st *state) error {
	f.syncs++
	return f.record(st)
}

func (f *flakyBackend) close() error { return nil }

func TestQueuePersistFailureKeepsMemoryState(t *testing.T) {
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.json"), Options{})
	fb := &flakyBackend{fail: true}
	q.backend = fb

	q.Enqueue(testSegments(2))
	assert.Equal(t, 2, q.Len(), "in-memory state is authoritative")

	st := q.Stats()
	assert.True(t, st.Dirty)
	assert.Equal(t, uint64(1), st.PersistFailures)
	assert.Equal(t, "disk full", st.LastError)

	fb.fail = false
	q.Enqueue(testSegments(1))
	assert.Equal(t, 1, fb.syncs, "recovery writes the full state")
	assert.Len(t, fb.last.Queue, 3)
	assert.False(t, q.Stats().Dirty)

	q.MarkSent([]int64{1})
	assert.Equal(t, 2, fb.writes, "back to deltas after recovery")
	assert.Equal(t, 1, fb.syncs)
}

func TestQueuePartialLoadKeepsRecoveredItems(t *testing.T) {
	fb := &flakyBackend{
		loaded: state{Queue: []Item{
			{ID: 4, Segment: testSegment(0)},
			{ID: 5, Segment: testSegment(1)},
		}, NextID: 6},
		loadErr: errors.New("truncate queue journal: read-only file system"),
	}
	opts := Options{}.withDefaults()
	q := &Queue{opts: opts, backend: fb, logger: opts.Logger}
	require.NoError(t, q.load())

	assert.Equal(t, []int64{4, 5}, ids(q.Dequeue(10)))
	assert.True(t, q.Stats().Dirty)

	q.Enqueue(testSegments(1))
	assert.Equal(t, 1, fb.syncs, "the recovered state is rewritten in full")
	assert.Equal(t, []int64{4, 5, 6}, ids(fb.last.Queue))
}

func TestQueueLoadUnreadableFails(t *testing.T) {
	fb := &flakyBackend{loadErr: fmt.Errorf("%w: permission denied", ErrUnreadable)}
	opts := Options{}.withDefaults()
	q := &Queue{opts: opts, backend: fb, logger: opts.Logger}
	require.ErrorIs(t, q.load(), ErrUnreadable)
	assert.Zero(t, fb.writes+fb.syncs, "nothing is written over the file")
}
