package wal

// ============================================================================
// WAL helpers
// Used by NewWAL to resume numbering and by the CLI to inspect a log offline
// ============================================================================

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// GetLastEvent returns the last valid event in the file at path.
//
// Returns ErrEmptyWAL when the file holds no events. A torn final record is
// skipped, so the result is the last event replay would apply.
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := replayFile(path, func(event Event) error {
		e := event
		last = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents returns the number of valid events in the file.
func CountEvents(path string) (int, error) {
	n := 0
	err := replayFile(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// ValidateWAL checks that every event parses, matches its checksum and that
// sequence numbers strictly increase. Gaps are allowed: buffered progress
// events may be lost in a crash.
func ValidateWAL(path string) error {
	var lastSeq uint64
	return replayFile(path, func(event Event) error {
		if event.Seq <= lastSeq {
			return fmt.Errorf("wal: seq %d after %d is not increasing", event.Seq, lastSeq)
		}
		lastSeq = event.Seq
		return nil
	})
}

// DumpWAL writes one human readable line per event.
func DumpWAL(path string, w io.Writer) error {
	return replayFile(path, func(event Event) error {
		status := ""
		if event.Job != nil {
			status = string(event.Job.Status)
		}
		_, err := fmt.Fprintf(w, "[Seq:%d] %-8s %s %s at %s (checksum:0x%08x)\n",
			event.Seq, event.Type, event.JobID, status,
			time.UnixMilli(event.Timestamp).UTC().Format(time.RFC3339), event.Checksum)
		return err
	})
}

// Stats summarises a WAL file.
type Stats struct {
	TotalEvents int
	EventTypes  map[EventType]int
	FirstSeq    uint64
	LastSeq     uint64
	TimeRange   [2]int64 // [earliest, latest] Unix ms
}

// GetStats scans the file at path and collects Stats.
func GetStats(path string) (*Stats, error) {
	stats := &Stats{EventTypes: make(map[EventType]int)}
	err := replayFile(path, func(event Event) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = event.Seq
			stats.TimeRange[0] = event.Timestamp
		}
		stats.TotalEvents++
		stats.EventTypes[event.Type]++
		stats.LastSeq = event.Seq
		if event.Timestamp < stats.TimeRange[0] {
			stats.TimeRange[0] = event.Timestamp
		}
		if event.Timestamp > stats.TimeRange[1] {
			stats.TimeRange[1] = event.Timestamp
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrEmptyWAL) {
		return nil, err
	}
	return stats, nil
}
