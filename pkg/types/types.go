// Package types defines the core domain model shared by the studio-jobs packages.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobID uniquely identifies a job across all domains.
type JobID string

// Domain is a task category. Each domain owns one queue and one worker loop.
type Domain string

const (
	DomainGeneration  Domain = "generation"  // diffusion image generation (GPU)
	DomainScraping    Domain = "scraping"    // web image scraping (I/O)
	DomainTraining    Domain = "training"    // LoRA training (GPU)
	DomainRemediation Domain = "remediation" // containerized bug-fix agent
)

// Domains lists every known domain in a stable order.
var Domains = []Domain{DomainGeneration, DomainScraping, DomainTraining, DomainRemediation}

// Valid reports whether d is a known domain.
func (d Domain) Valid() bool {
	switch d {
	case DomainGeneration, DomainScraping, DomainTraining, DomainRemediation:
		return true
	}
	return false
}

// ParseDomain converts a user supplied string to a Domain.
func ParseDomain(s string) (Domain, error) {
	d := Domain(s)
	if !d.Valid() {
		return "", fmt.Errorf("unknown domain %q", s)
	}
	return d, nil
}

// JobStatus is the lifecycle state of a job record.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"    // created, waiting in the domain queue
	StatusRunning   JobStatus = "running"    // external process is being supervised
	StatusCompleted JobStatus = "completed"  // process exited zero and artifacts were imported
	StatusFailed    JobStatus = "failed"     // start error, timeout, non-zero exit or import error
	StatusCancelled JobStatus = "cancelled"  // operator cancelled before or during the run
	StatusCleanedUp JobStatus = "cleaned_up" // artifacts removed, record kept for audit
)

// IsTerminal reports whether no further transition is possible except to cleaned_up.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusCleanedUp:
		return true
	}
	return false
}

// transitions is the complete edge table of the job state machine.
var transitions = map[JobStatus][]JobStatus{
	StatusPending:   {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted: {StatusCleanedUp},
	StatusFailed:    {StatusCleanedUp},
	StatusCancelled: {StatusCleanedUp},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Progress is the structured view of a running job's output.
type Progress struct {
	Percent  float64        `json:"percent"`            // 0..100, never decreases while running
	Stage    string         `json:"stage,omitempty"`    // free-text stage label
	Message  string         `json:"message,omitempty"`  // last output line
	Counters map[string]int `json:"counters,omitempty"` // e.g. discovered/downloaded counts
}

// Clone returns a deep copy of p.
func (p Progress) Clone() Progress {
	if p.Counters != nil {
		counters := make(map[string]int, len(p.Counters))
		for k, v := range p.Counters {
			counters[k] = v
		}
		p.Counters = counters
	}
	return p
}

// Job is the persisted unit of work.
type Job struct {
	// Identity
	ID     JobID  `json:"id"`
	Domain Domain `json:"domain"`
	Seq    uint64 `json:"seq"` // submission order, used to rebuild queues on restart

	// State
	Status   JobStatus `json:"status"`
	Progress Progress  `json:"progress"`

	// Input
	Params  map[string]any `json:"params,omitempty"`
	Timeout time.Duration  `json:"timeout"` // wall-clock budget for the external process, 0 = adapter default

	// Timestamps (Unix milliseconds)
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
	StartedAt   *int64 `json:"started_at,omitempty"`
	CompletedAt *int64 `json:"completed_at,omitempty"`
	CleanedAt   *int64 `json:"cleaned_at,omitempty"`

	// Output
	Artifact string `json:"artifact,omitempty"` // path, directory or commit reference
	Error    string `json:"error,omitempty"`    // set only on failed
}

// Clone returns a deep copy of j so callers can read it without holding locks.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Progress = j.Progress.Clone()
	c.Params = cloneParams(j.Params)
	c.StartedAt = cloneInt64(j.StartedAt)
	c.CompletedAt = cloneInt64(j.CompletedAt)
	c.CleanedAt = cloneInt64(j.CleanedAt)
	return &c
}

// StringParam returns a string parameter or def when missing or of another type.
func (j *Job) StringParam(key, def string) string {
	if v, ok := j.Params[key].(string); ok && v != "" {
		return v
	}
	return def
}

// IntParam returns an integer parameter. JSON numbers decode as float64, so both are accepted.
func (j *Job) IntParam(key string, def int) int {
	switch v := j.Params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

// FloatParam returns a floating point parameter.
func (j *Job) FloatParam(key string, def float64) float64 {
	switch v := j.Params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return def
}

// BoolParam returns a boolean parameter.
func (j *Job) BoolParam(key string, def bool) bool {
	if v, ok := j.Params[key].(bool); ok {
		return v
	}
	return def
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// cloneParams copies the top-level map and nested maps/slices produced by JSON decoding.
func cloneParams(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneParams(t)
	case []any:
		s := make([]any, len(t))
		for i := range t {
			s[i] = cloneValue(t[i])
		}
		return s
	default:
		return v
	}
}

// SnapshotData is the persisted image of the whole system, used with the WAL for recovery.
type SnapshotData struct {
	Jobs      map[JobID]*Job     `json:"jobs"`       // every known record
	History   map[Domain][]JobID `json:"history"`    // bounded terminal lists, oldest first
	NextSeq   uint64             `json:"next_seq"`   // next submission sequence number
	SchemaVer int                `json:"schema_ver"` // data layout version
	LastSeq   uint64             `json:"last_seq"`   // last WAL sequence covered by this snapshot
}
