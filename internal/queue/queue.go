// Package queue buffers segments on disk until the collector confirms
// delivery.
//
// The queue is loaded fully into memory on Open and written through on
// every mutation. A missing file starts an empty queue. A file that cannot
// be read or decoded is renamed to <path>.corrupt-<unix> first, and Open
// fails only when that rename fails, so undelivered segments are never
// overwritten.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-multierror"

	"pulsed/internal/segment"
)

const (
	// DefaultMaxItems is the retention cap. Beyond it the oldest items are
	// discarded.
	DefaultMaxItems = 10000

	// DefaultBatchSize is the number of items delivered per attempt.
	DefaultBatchSize = 50

	// DefaultCompactAfter is the number of journal records written before
	// the journal is rewritten as a single snapshot.
	DefaultCompactAfter = 512
)

// Format selects the on-disk representation.
type Format string

const (
	// FormatSnapshot rewrites one JSON document {queue, nextId} on every
	// mutation.
	FormatSnapshot Format = "snapshot"

	// FormatJournal appends CRC-framed records and recovers up to the last
	// intact record after a crash.
	FormatJournal Format = "journal"
)

// Errors
var (
	ErrLocked = errors.New("queue: locked by another process")
	ErrClosed = errors.New("queue: closed")

	// ErrUnreadable means the queue file could neither be loaded nor moved
	// aside. Writing would destroy it, so Open gives up.
	ErrUnreadable = errors.New("queue: file unreadable and could not be moved aside")
)

// Item is one queued segment.
type Item struct {
	ID      int64           `json:"id"`
	Segment segment.Segment `json:"segment"`
}

// state is the persisted form shared by both formats.
type state struct {
	Queue  []Item `json:"queue"`
	NextID int64  `json:"nextId"`
}

func emptyState() state {
	return state{Queue: []Item{}, NextID: 1}
}

// normalize repairs a loaded state so ids keep increasing.
func (s *state) normalize() {
	if s.Queue == nil {
		s.Queue = []Item{}
	}
	if s.NextID < 1 {
		s.NextID = 1
	}
	for _, it := range s.Queue {
		if it.ID >= s.NextID {
			s.NextID = it.ID + 1
		}
	}
}

// backend persists queue state.
type backend interface {
	load() (state, error)
	enqueued(st *state, added []Item) error
	removed(st *state, ids []int64) error
	sync(st *state) error
	close() error
}

// Options configures a Queue.
type Options struct {
	MaxItems     int
	Format       Format
	CompactAfter int
	Logger       *slog.Logger

	// Now stamps quarantined files. Defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxItems <= 0 {
		o.MaxItems = DefaultMaxItems
	}
	if o.Format == "" {
		o.Format = FormatSnapshot
	}
	if o.CompactAfter <= 0 {
		o.CompactAfter = DefaultCompactAfter
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Stats describes the queue for status output.
type Stats struct {
	Path            string    `json:"path"`
	Format          Format    `json:"format"`
	Items           int       `json:"items"`
	NextID          int64     `json:"next_id"`
	Oldest          time.Time `json:"oldest,omitempty"`
	Pruned          uint64    `json:"pruned"`
	PersistFailures uint64    `json:"persist_failures"`
	Dirty           bool      `json:"dirty"`
	LastError       string    `json:"last_error,omitempty"`
}

// Queue is a disk-backed FIFO of segments awaiting delivery. It is safe for
// concurrent use.
type Queue struct {
	mu sync.Mutex

	path    string
	opts    Options
	backend backend
	lock    *flock.Flock
	logger  *slog.Logger

	items  []Item
	nextID int64
	closed bool

	// dirty is set when the last persist failed; the next persist writes
	// the full state instead of a delta.
	dirty           bool
	pruned          uint64
	persistFailures uint64
	lastErr         error
}

// Open loads the queue at path, taking an exclusive lock on path+".lock".
// It fails if the directory cannot be created, the lock is held, or an
// unreadable file cannot be moved aside (ErrUnreadable).
func Open(path string, opts Options) (*Queue, error) {
	opts = opts.withDefaults()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock queue: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}

	logger := opts.Logger.With("component", "queue", "path", path)

	q := &Queue{
		path:   path,
		opts:   opts,
		lock:   lock,
		logger: logger,
	}
	switch opts.Format {
	case FormatJournal:
		q.backend = newJournal(path, opts.CompactAfter, logger, opts.Now)
	default:
		q.backend = newSnapshotFile(path, logger, opts.Now)
	}

	if err := q.load(); err != nil {
		q.backend.close()
		lock.Unlock()
		return nil, err
	}

	logger.Info("queue opened", "format", opts.Format, "items", len(q.items), "next_id", q.nextID)
	return q, nil
}

// load reads the persisted state into memory. When the backend recovers
// part of the state and then fails, the recovered items are kept and the
// queue is marked dirty so the next persist rewrites them in full.
func (q *Queue) load() error {
	st, err := q.backend.load()
	if errors.Is(err, ErrUnreadable) {
		q.logger.Error("queue file unreadable and could not be moved aside", "error", err)
		return err
	}
	if err != nil {
		q.logger.Error("queue load incomplete; keeping recovered items",
			"error", err,
			"items", len(st.Queue))
		q.dirty = true
	}
	st.normalize()
	q.items = st.Queue
	q.nextID = st.NextID

	if over := len(q.items) - q.opts.MaxItems; over > 0 {
		ids := q.pruneFront(over)
		q.persist(func(st *state) error { return q.backend.removed(st, ids) })
	}
	return nil
}

// Enqueue appends segments with fresh ids, prunes the oldest items beyond
// the cap, and persists. It returns the number of items pruned.
func (q *Queue) Enqueue(segs []segment.Segment) int {
	if len(segs) == 0 {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.logger.Warn("enqueue on closed queue dropped", "segments", len(segs))
		return 0
	}

	added := make([]Item, len(segs))
	for i, s := range segs {
		added[i] = Item{ID: q.nextID, Segment: s}
		q.nextID++
	}
	q.items = append(q.items, added...)

	var prunedIDs []int64
	if over := len(q.items) - q.opts.MaxItems; over > 0 {
		prunedIDs = q.pruneFront(over)
	}

	q.persist(func(st *state) error {
		if err := q.backend.enqueued(st, added); err != nil {
			return err
		}
		if len(prunedIDs) > 0 {
			return q.backend.removed(st, prunedIDs)
		}
		return nil
	})
	return len(prunedIDs)
}

// pruneFront drops the n oldest items. Caller holds mu.
func (q *Queue) pruneFront(n int) []int64 {
	ids := make([]int64, n)
	for i := 0; i < n; i++ {
		ids[i] = q.items[i].ID
	}
	q.items = append([]Item(nil), q.items[n:]...)
	q.pruned += uint64(n)
	q.logger.Warn("queue over capacity; discarded oldest segments",
		"discarded", n,
		"first_id", ids[0],
		"last_id", ids[n-1],
		"cap", q.opts.MaxItems)
	return ids
}

// Dequeue returns up to n of the oldest items without removing them.
func (q *Queue) Dequeue(n int) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 || len(q.items) == 0 {
		return nil
	}
	if n > len(q.items) {
		n = len(q.items)
	}
	out := make([]Item, n)
	copy(out, q.items[:n])
	return out
}

// MarkSent removes the items with the given ids and persists. Unknown ids
// are ignored. It returns the number of items removed.
func (q *Queue) MarkSent(ids []int64) int {
	if len(ids) == 0 {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0
	}

	sent := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		sent[id] = struct{}{}
	}

	kept := q.items[:0:0]
	var removed []int64
	for _, it := range q.items {
		if _, ok := sent[it.ID]; ok {
			removed = append(removed, it.ID)
			continue
		}
		kept = append(kept, it)
	}
	if len(removed) == 0 {
		return 0
	}
	q.items = kept

	q.persist(func(st *state) error { return q.backend.removed(st, removed) })
	return len(removed)
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Path returns the queue file path.
func (q *Queue) Path() string {
	return q.path
}

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Stats{
		Path:            q.path,
		Format:          q.opts.Format,
		Items:           len(q.items),
		NextID:          q.nextID,
		Pruned:          q.pruned,
		PersistFailures: q.persistFailures,
		Dirty:           q.dirty,
	}
	if len(q.items) > 0 {
		st.Oldest = q.items[0].Segment.Start
	}
	if q.lastErr != nil {
		st.LastError = q.lastErr.Error()
	}
	return st
}

// Close writes the full state, closes the backend and releases the lock.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true

	var result *multierror.Error
	st := &state{Queue: q.items, NextID: q.nextID}
	if err := q.backend.sync(st); err != nil {
		result = multierror.Append(result, fmt.Errorf("final persist: %w", err))
	}
	if err := q.backend.close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := q.lock.Unlock(); err != nil {
		result = multierror.Append(result, fmt.Errorf("unlock queue: %w", err))
	}
	return result.ErrorOrNil()
}

// persist writes a mutation through to disk. After a failure the in-memory
// state stays authoritative and the next persist rewrites everything.
// Caller holds mu.
func (q *Queue) persist(delta func(st *state) error) {
	st := &state{Queue: q.items, NextID: q.nextID}

	var err error
	if q.dirty {
		err = q.backend.sync(st)
	} else {
		err = delta(st)
	}
	if err != nil {
		q.persistFailures++
		q.lastErr = err
		q.dirty = true
		q.logger.Error("queue persist failed; keeping in-memory state",
			"error", err,
			"items", len(q.items))
		return
	}
	if q.dirty && q.persistFailures > 0 {
		q.logger.Info("queue persist recovered", "items", len(q.items))
	}
	q.dirty = false
	q.lastErr = nil
}

// ReadFile loads a queue file without locking or modifying it, for
// inspection while the agent is running.
func ReadFile(path string, format Format) ([]Item, int64, error) {
	var (
		st  state
		err error
	)
	switch format {
	case FormatJournal:
		st, err = readJournal(path)
	default:
		st, err = readSnapshot(path)
	}
	if err != nil {
		return nil, 0, err
	}
	st.normalize()
	return st.Queue, st.NextID, nil
}
