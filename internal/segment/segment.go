// Package segment turns raw activity signals into typed, contiguous time
// segments.
package segment

import (
	"encoding/json"
	"fmt"
	"time"

	"pulsed/internal/input"
)

// Type labels a segment as active or idle.
type Type string

const (
	TypeActive Type = "active"
	TypeIdle   Type = "idle"
)

// Valid reports whether t is a known segment type.
func (t Type) Valid() bool {
	return t == TypeActive || t == TypeIdle
}

// TimeFormat is the wire format for segment boundaries: ISO-8601 in UTC
// with millisecond precision.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Segment is a labeled time range with the input counted during it and the
// application that was focused.
type Segment struct {
	Start        time.Time
	End          time.Time
	Type         Type
	AppName      string
	WindowTitle  string
	MouseMoves   int
	MouseClicks  int
	Keystrokes   int
	ScrollEvents int
}

// Duration returns End - Start.
func (s Segment) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Add accumulates the snapshot's counters onto the segment.
func (s *Segment) Add(snap input.Snapshot) {
	s.MouseMoves += snap.MouseMoves
	s.MouseClicks += snap.MouseClicks
	s.Keystrokes += snap.Keystrokes
	s.ScrollEvents += snap.ScrollEvents
}

// wire is the JSON shape shared by the collector API and the queue file.
type wire struct {
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	SegmentType  Type   `json:"segment_type"`
	AppName      string `json:"app_name"`
	WindowTitle  string `json:"window_title"`
	MouseMoves   int    `json:"mouse_moves"`
	MouseClicks  int    `json:"mouse_clicks"`
	Keystrokes   int    `json:"keystrokes"`
	ScrollEvents int    `json:"scroll_events"`
}

// MarshalJSON encodes the segment in its wire form.
func (s Segment) MarshalJSON() ([]byte, error) {
	return json.Marshal(wire{
		StartTime:    s.Start.UTC().Format(TimeFormat),
		EndTime:      s.End.UTC().Format(TimeFormat),
		SegmentType:  s.Type,
		AppName:      s.AppName,
		WindowTitle:  s.WindowTitle,
		MouseMoves:   s.MouseMoves,
		MouseClicks:  s.MouseClicks,
		Keystrokes:   s.Keystrokes,
		ScrollEvents: s.ScrollEvents,
	})
}

// UnmarshalJSON decodes the wire form. Any RFC 3339 timestamp is accepted.
func (s *Segment) UnmarshalJSON(data []byte) error {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	start, err := time.Parse(time.RFC3339Nano, w.StartTime)
	if err != nil {
		return fmt.Errorf("start_time: %w", err)
	}
	end, err := time.Parse(time.RFC3339Nano, w.EndTime)
	if err != nil {
		return fmt.Errorf("end_time: %w", err)
	}
	if !w.SegmentType.Valid() {
		return fmt.Errorf("segment_type: unknown value %q", w.SegmentType)
	}
	*s = Segment{
		Start:        start,
		End:          end,
		Type:         w.SegmentType,
		AppName:      w.AppName,
		WindowTitle:  w.WindowTitle,
		MouseMoves:   w.MouseMoves,
		MouseClicks:  w.MouseClicks,
		Keystrokes:   w.Keystrokes,
		ScrollEvents: w.ScrollEvents,
	}
	return nil
}
