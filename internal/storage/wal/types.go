package wal

import "github.com/ChuLiYu/studio-jobs/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types. Every event carries the full job record
// as it looks after the mutation, so replay is an idempotent upsert.
type EventType string

const (
	EventSubmit   EventType = "SUBMIT"   // Job record created in pending
	EventStart    EventType = "START"    // Job moved to running
	EventProgress EventType = "PROGRESS" // Progress triple updated
	EventComplete EventType = "COMPLETE" // Job completed, artifacts imported
	EventFail     EventType = "FAIL"     // Job failed (start error, timeout, exit code, import)
	EventCancel   EventType = "CANCEL"   // Job cancelled by the operator
	EventCleanup  EventType = "CLEANUP"  // Artifacts removed, job moved to cleaned_up
	EventEvict    EventType = "EVICT"    // Record evicted from the bounded history
)

// Event represents a WAL event record
type Event struct {
	Seq       uint64      `json:"seq"`       // Event sequence number (monotonically increasing across rotations)
	Type      EventType   `json:"type"`      // Event type
	JobID     types.JobID `json:"job_id"`    // Job ID
	Job       *types.Job  `json:"job"`       // Post-mutation record
	Timestamp int64       `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32      `json:"checksum"`  // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
