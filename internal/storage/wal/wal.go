package wal

// ============================================================================
// WAL core implementation
// Responsibilities:
// 1. Append job record mutations to a log file (append-only)
// 2. Replay the log to rebuild state after a crash
// 3. Rotate the log after a snapshot and prune old backups
// 4. Guarantee durability of state transitions (forced flush + fsync)
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/studio-jobs/pkg/types"
)

var log = slog.Default()

// FileInterface describes the file operations the WAL needs.
// Tests substitute it to simulate disk failures.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options tunes buffering of non-forced appends.
type Options struct {
	BufferSize    int           // flush once this many events are buffered
	FlushInterval time.Duration // flush on the next append once this much time passed
}

// WAL is a Write-Ahead Log instance.
type WAL struct {
	mu      sync.Mutex    // protects everything below
	file    FileInterface // WAL file
	encoder *json.Encoder // JSON encoder bound to file
	path    string        // WAL file path
	seq     uint64        // last assigned sequence number
	closed  bool

	buffer        []Event // events waiting for the next flush
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

/*
NewWAL creates or opens a WAL.

Behavior:
- if the file does not exist it is created and seq starts at 0
- if it exists the last event's seq is read so numbering continues
- the file is opened with O_APPEND so writes never overwrite
*/
func NewWAL(path string, opts Options) (*WAL, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("wal: create dir: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		lastEvent, err := GetLastEvent(path)
		switch {
		case err == nil && lastEvent != nil:
			seq = lastEvent.Seq
		case err != nil:
			log.Warn("wal: could not read last event, numbering restarts", "path", path, "error", err)
		}
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		buffer:        make([]Event, 0, opts.BufferSize),
		bufferSize:    opts.BufferSize,
		lastFlushTime: time.Now(),
		flushInterval: opts.FlushInterval,
	}, nil
}

// Append adds an event for job to the log.
//
// State transitions are appended with isForceFlush so they are on disk before
// the caller commits the in-memory change. Progress events are buffered.
func (w *WAL) Append(eventType EventType, job types.Job, isForceFlush bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	w.seq++
	record := job.Clone()
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		JobID:     job.ID,
		Job:       record,
		Timestamp: time.Now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(eventType, record, w.seq)

	w.buffer = append(w.buffer, event)

	needFlush := isForceFlush || len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval
	if needFlush {
		return w.flushLocked()
	}
	return nil
}

// Replay reads every event from the start of the file, verifies checksums and
// hands each event to handler.
//
// A torn final line (crash in the middle of a write) ends the replay without
// an error; corruption anywhere else is reported as *CorruptionError.
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return err
	}
	return replayFile(w.path, handler)
}

func replayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var offset int64
	var lastSeq uint64
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var event Event
			if err := json.Unmarshal(line, &event); err != nil {
				if readErr == io.EOF {
					// Torn tail: the last write never completed.
					log.Warn("wal: ignoring torn final record", "path", path, "offset", offset)
					return nil
				}
				return &CorruptionError{Seq: lastSeq, Offset: offset, Cause: err}
			}
			if err := VerifyChecksum(event); err != nil {
				return err
			}
			if err := handler(event); err != nil {
				return fmt.Errorf("wal: apply seq=%d: %w", event.Seq, err)
			}
			lastSeq = event.Seq
		}
		offset += int64(len(line))

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
}

// Rotate moves the current log aside as a timestamped backup and starts a new
// empty file. Sequence numbers keep increasing across rotations.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	if err := w.flushLocked(); err != nil {
		return err
	}

	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000000000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()

	return nil
}

// PruneBackups removes rotated backups, keeping the keep most recent ones.
func (w *WAL) PruneBackups(keep int) error {
	if keep < 0 {
		keep = 0
	}
	backups, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return err
	}
	// Backup suffixes are timestamps, so lexical order is chronological.
	sort.Strings(backups)
	if len(backups) <= keep {
		return nil
	}
	var errs []error
	for _, b := range backups[:len(backups)-keep] {
		if err := os.Remove(b); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush writes buffered events to disk.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// Close flushes and closes the WAL. A closed WAL must not be reused.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq returns the last assigned sequence number.
//
// Snapshots record it so recovery knows which events are already covered.
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path returns the WAL file path.
func (w *WAL) Path() string {
	return w.path
}

// flushLocked writes buffered events and fsyncs. Caller holds w.mu.
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync to disk failed: %w", err)
	}
	return nil
}
