// Package store keeps a local SQLite history of delivered segments and
// computes daily activity rollups from it.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"pulsed/internal/segment"
)

// DefaultRetention is how long history is kept before Prune removes it.
const DefaultRetention = 30 * 24 * time.Hour

// TopAppsLimit bounds DailySummary.TopApps.
const TopAppsLimit = 10

const dayLayout = "2006-01-02"

// ErrClosed is returned by operations on a closed Store.
var ErrClosed = errors.New("store: closed")

// Store is the segment history database.
type Store struct {
	db  *sql.DB
	loc *time.Location
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLocation sets the time zone used to assign segments to days.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) { s.loc = loc }
}

// WithNow overrides the clock used for recorded_at.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens or creates the database at path and runs migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer avoids SQLITE_BUSY between the session and report paths.
	db.SetMaxOpenConns(1)

	if err := MigrateDB(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}

	s := &Store{db: db, loc: time.Local, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// Day returns the local calendar day a segment belongs to.
func (s *Store) Day(t time.Time) string {
	return t.In(s.loc).Format(dayLayout)
}

// RecordSegments appends segments to the history. Segments already
// present (same start, end and type) are skipped, so a redelivered batch
// is recorded once. It returns the number of rows inserted.
func (s *Store) RecordSegments(ctx context.Context, segs []segment.Segment) (int, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	if len(segs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO segments
			(start_ms, end_ms, segment_type, app_name, window_title,
			 mouse_moves, mouse_clicks, keystrokes, scroll_events, day, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	recordedAt := s.now().UnixMilli()
	inserted := 0
	for _, seg := range segs {
		if !seg.End.After(seg.Start) || !seg.Type.Valid() {
			continue
		}
		res, err := stmt.ExecContext(ctx,
			seg.Start.UnixMilli(), seg.End.UnixMilli(), string(seg.Type),
			seg.AppName, seg.WindowTitle,
			seg.MouseMoves, seg.MouseClicks, seg.Keystrokes, seg.ScrollEvents,
			s.Day(seg.Start), recordedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("insert segment: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return inserted, nil
}

// Recent returns up to n segments, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]segment.Segment, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT start_ms, end_ms, segment_type, app_name, window_title,
		       mouse_moves, mouse_clicks, keystrokes, scroll_events
		FROM segments ORDER BY start_ms DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	var out []segment.Segment
	for rows.Next() {
		var seg segment.Segment
		var startMs, endMs int64
		var typ string
		if err := rows.Scan(&startMs, &endMs, &typ, &seg.AppName, &seg.WindowTitle,
			&seg.MouseMoves, &seg.MouseClicks, &seg.Keystrokes, &seg.ScrollEvents); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		seg.Start = time.UnixMilli(startMs).UTC()
		seg.End = time.UnixMilli(endMs).UTC()
		seg.Type = segment.Type(typ)
		out = append(out, seg)
	}
	return out, rows.Err()
}

// Prune deletes segments that ended before cutoff and returns how many
// were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM segments WHERE end_ms < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune segments: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of stored segments.
func (s *Store) Count(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM segments").Scan(&n); err != nil {
		return 0, fmt.Errorf("count segments: %w", err)
	}
	return n, nil
}

// AppUsage is active time spent in one application.
type AppUsage struct {
	AppName       string  `json:"app_name"`
	ActiveSeconds float64 `json:"active_seconds"`
}

// DailySummary is one day's rollup.
type DailySummary struct {
	Date          string     `json:"date"`
	ActiveSeconds float64    `json:"active_seconds"`
	IdleSeconds   float64    `json:"idle_seconds"`
	MouseMoves    int64      `json:"mouse_moves"`
	MouseClicks   int64      `json:"mouse_clicks"`
	Keystrokes    int64      `json:"keystrokes"`
	ScrollEvents  int64      `json:"scroll_events"`
	Segments      int        `json:"segments"`
	TopApps       []AppUsage `json:"top_apps"`
}

// ActiveRatio is the fraction of tracked time that was active.
func (d DailySummary) ActiveRatio() float64 {
	total := d.ActiveSeconds + d.IdleSeconds
	if total == 0 {
		return 0
	}
	return d.ActiveSeconds / total
}

// Daily rolls up the segments whose start falls on date's local day.
// Input counters are summed over active segments only.
func (s *Store) Daily(ctx context.Context, date time.Time) (DailySummary, error) {
	sum := DailySummary{Date: s.Day(date), TopApps: []AppUsage{}}
	if s.db == nil {
		return sum, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT segment_type, app_name, end_ms - start_ms,
		       mouse_moves, mouse_clicks, keystrokes, scroll_events
		FROM segments WHERE day = ?`, sum.Date)
	if err != nil {
		return sum, fmt.Errorf("query day %s: %w", sum.Date, err)
	}
	defer rows.Close()

	apps := make(map[string]float64)
	for rows.Next() {
		var typ, app string
		var durMs int64
		var moves, clicks, keys, scrolls int64
		if err := rows.Scan(&typ, &app, &durMs, &moves, &clicks, &keys, &scrolls); err != nil {
			return sum, fmt.Errorf("scan day row: %w", err)
		}
		secs := float64(durMs) / 1000
		sum.Segments++
		switch segment.Type(typ) {
		case segment.TypeActive:
			sum.ActiveSeconds += secs
			sum.MouseMoves += moves
			sum.MouseClicks += clicks
			sum.Keystrokes += keys
			sum.ScrollEvents += scrolls
			apps[app] += secs
		case segment.TypeIdle:
			sum.IdleSeconds += secs
		}
	}
	if err := rows.Err(); err != nil {
		return sum, err
	}

	for app, secs := range apps {
		sum.TopApps = append(sum.TopApps, AppUsage{AppName: app, ActiveSeconds: secs})
	}
	sort.Slice(sum.TopApps, func(i, j int) bool {
		a, b := sum.TopApps[i], sum.TopApps[j]
		if a.ActiveSeconds != b.ActiveSeconds {
			return a.ActiveSeconds > b.ActiveSeconds
		}
		return a.AppName < b.AppName
	})
	if len(sum.TopApps) > TopAppsLimit {
		sum.TopApps = sum.TopApps[:TopAppsLimit]
	}
	return sum, nil
}
