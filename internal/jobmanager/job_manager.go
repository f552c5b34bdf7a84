// ============================================================================
// studio-jobs 任務管理器 - Job Record 狀態機
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理任務記錄的完整生命週期和狀態轉換
//
// 任務狀態轉換 (State Machine):
//
//	pending ──► running ──► completed ─┐
//	   │           ├──────► failed ────┼──► cleaned_up
//	   └───────────┴──────► cancelled ─┘
//
// 設計要點:
//   - jobs map 是唯一真實來源；佇列順序由 internal/queue 負責
//   - 非法轉換回傳 ErrInvalidTransition，記錄保持不變
//   - 每次變更先寫入 Journal (WAL)，成功後才提交到記憶體 (write-ahead)
//   - 對外只回傳副本，呼叫端不需要持鎖
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/studio-jobs/internal/storage/wal"
	"github.com/ChuLiYu/studio-jobs/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複
	ErrDuplicateJob = errors.New("job already exists")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 狀態機不允許的轉換
	ErrInvalidTransition = errors.New("invalid transition")
	// 進度更新只允許在 running 狀態
	ErrNotRunning = errors.New("job not running")
	// 未知的 domain
	ErrUnknownDomain = errors.New("unknown domain")
)

var log = slog.Default()

// SchemaVersion is the layout version written into snapshots.
const SchemaVersion = 2

// Journal persists a record mutation before it is committed in memory.
// *wal.WAL satisfies it.
type Journal interface {
	Append(eventType wal.EventType, job types.Job, forceFlush bool) error
}

// JobManager 代表任務管理器
type JobManager struct {
	mu      sync.RWMutex
	jobs    map[types.JobID]*types.Job // 所有任務，透過 Status 欄位區分狀態
	nextSeq uint64                     // 下一個提交序號
	journal Journal                    // 可選；nil 時只保存在記憶體
}

// NewJobManager 建立新的任務管理器實例
//
// 併發安全：返回的實例是執行緒安全的
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:    make(map[types.JobID]*types.Job),
		nextSeq: 1,
	}
}

// SetJournal attaches the write-ahead journal. Recovery replays into the
// manager first and attaches the journal afterwards so replayed events are
// not written twice.
func (jm *JobManager) SetJournal(j Journal) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.journal = j
}

// ============================================================================
// 建立任務
// ============================================================================

// Create 建立一個新的 pending 任務並分配 UUID 與提交序號
func (jm *JobManager) Create(domain types.Domain, params map[string]any, timeout time.Duration) (types.Job, error) {
	return jm.Insert(types.Job{
		ID:      types.JobID(uuid.NewString()),
		Domain:  domain,
		Params:  params,
		Timeout: timeout,
	})
}

// Insert 以指定的 ID 建立 pending 任務
//
// 錯誤處理：
//   - ErrDuplicateJob: 任務 ID 已存在
//   - ErrUnknownDomain: domain 不合法
func (jm *JobManager) Insert(job types.Job) (types.Job, error) {
	if !job.Domain.Valid() {
		return types.Job{}, fmt.Errorf("%w: %q", ErrUnknownDomain, job.Domain)
	}
	if job.ID == "" {
		job.ID = types.JobID(uuid.NewString())
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID]; exists {
		return types.Job{}, fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}

	now := time.Now().UnixMilli()
	record := job.Clone()
	record.Status = types.StatusPending
	record.Seq = jm.nextSeq
	record.Progress = types.Progress{}
	record.CreatedAt = now
	record.UpdatedAt = now
	record.StartedAt, record.CompletedAt, record.CleanedAt = nil, nil, nil
	record.Artifact, record.Error = "", ""

	if err := jm.appendLocked(wal.EventSubmit, record, true); err != nil {
		return types.Job{}, err
	}

	jm.nextSeq++
	jm.jobs[record.ID] = record
	return *record.Clone(), nil
}

// ============================================================================
// 狀態轉換
// ============================================================================

// Transition moves job id to status to. mutate, when non-nil, may set
// additional fields on the new record before it is journaled.
//
// An illegal edge returns an error wrapping ErrInvalidTransition and the
// stored record is left untouched.
func (jm *JobManager) Transition(id types.JobID, to types.JobStatus, mutate func(*types.Job)) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return types.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if !types.CanTransition(job.Status, to) {
		return *job.Clone(), fmt.Errorf("%w: %s -> %s (job %s)", ErrInvalidTransition, job.Status, to, id)
	}

	now := time.Now().UnixMilli()
	next := job.Clone()
	next.Status = to
	next.UpdatedAt = now
	switch to {
	case types.StatusRunning:
		next.StartedAt = &now
	case types.StatusCleanedUp:
		next.CleanedAt = &now
	case types.StatusCompleted, types.StatusFailed, types.StatusCancelled:
		next.CompletedAt = &now
	}
	if mutate != nil {
		mutate(next)
	}

	if err := jm.appendLocked(eventFor(to), next, true); err != nil {
		return *job.Clone(), err
	}
	jm.jobs[id] = next
	return *next.Clone(), nil
}

// MarkRunning pending -> running
func (jm *JobManager) MarkRunning(id types.JobID) (types.Job, error) {
	return jm.Transition(id, types.StatusRunning, nil)
}

// MarkCompleted running -> completed, recording the imported artifact.
// Percent becomes 100; other terminal transitions keep the last progress.
func (jm *JobManager) MarkCompleted(id types.JobID, artifact string) (types.Job, error) {
	return jm.Transition(id, types.StatusCompleted, func(j *types.Job) {
		j.Artifact = artifact
		j.Error = ""
		j.Progress.Percent = 100
	})
}

// MarkFailed running -> failed with a human readable reason.
func (jm *JobManager) MarkFailed(id types.JobID, msg string) (types.Job, error) {
	return jm.Transition(id, types.StatusFailed, func(j *types.Job) {
		j.Error = msg
	})
}

// MarkCancelled pending|running -> cancelled
func (jm *JobManager) MarkCancelled(id types.JobID) (types.Job, error) {
	return jm.Transition(id, types.StatusCancelled, nil)
}

// MarkCleanedUp terminal -> cleaned_up. The record is kept for audit.
func (jm *JobManager) MarkCleanedUp(id types.JobID) (types.Job, error) {
	return jm.Transition(id, types.StatusCleanedUp, nil)
}

// UpdateProgress merges p into the running job's progress.
//
// Percent is clamped to [previous, 100] so it never moves backwards. An empty
// stage or message keeps the previous value; counters are merged key by key.
func (jm *JobManager) UpdateProgress(id types.JobID, p types.Progress) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return types.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.Status != types.StatusRunning {
		return *job.Clone(), fmt.Errorf("%w: %s is %s", ErrNotRunning, id, job.Status)
	}

	next := job.Clone()
	next.Progress.Percent = clampPercent(p.Percent, job.Progress.Percent)
	if p.Stage != "" {
		next.Progress.Stage = p.Stage
	}
	if p.Message != "" {
		next.Progress.Message = p.Message
	}
	if len(p.Counters) > 0 {
		if next.Progress.Counters == nil {
			next.Progress.Counters = make(map[string]int, len(p.Counters))
		}
		for k, v := range p.Counters {
			next.Progress.Counters[k] = v
		}
	}
	next.UpdatedAt = time.Now().UnixMilli()

	// 進度事件不強制 flush，崩潰時最多遺失最後幾筆進度
	if err := jm.appendLocked(wal.EventProgress, next, false); err != nil {
		return *job.Clone(), err
	}
	jm.jobs[id] = next
	return *next.Clone(), nil
}

func clampPercent(p, prev float64) float64 {
	if p < prev {
		p = prev
	}
	if p > 100 {
		p = 100
	}
	if p < 0 {
		p = 0
	}
	return p
}

// Delete removes a record entirely (history eviction). Artifacts on disk are
// not touched.
func (jm *JobManager) Delete(id types.JobID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err := jm.appendLocked(wal.EventEvict, job, true); err != nil {
		return err
	}
	delete(jm.jobs, id)
	return nil
}

// FailInterrupted marks every running record as failed with msg and returns
// the affected ids. Used during recovery: a process that was running when the
// service stopped cannot be reattached.
func (jm *JobManager) FailInterrupted(msg string) []types.JobID {
	var ids []types.JobID
	for _, job := range jm.List("", types.StatusRunning) {
		if _, err := jm.MarkFailed(job.ID, msg); err != nil {
			log.Warn("jobmanager: could not fail interrupted job", "job_id", job.ID, "error", err)
			continue
		}
		ids = append(ids, job.ID)
	}
	return ids
}

// ============================================================================
// 查詢方法
// ============================================================================

// Get returns a copy of the record.
func (jm *JobManager) Get(id types.JobID) (types.Job, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	if !exists {
		return types.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return *job.Clone(), nil
}

// List returns copies of the records in domain (all domains when empty) whose
// status is one of statuses (any status when none given), ordered by Seq.
func (jm *JobManager) List(domain types.Domain, statuses ...types.JobStatus) []types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]types.Job, 0)
	for _, job := range jm.jobs {
		if domain != "" && job.Domain != domain {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, job.Status) {
			continue
		}
		out = append(out, *job.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Running returns the running job of domain, derived from the records.
func (jm *JobManager) Running(domain types.Domain) (types.Job, bool) {
	running := jm.List(domain, types.StatusRunning)
	if len(running) == 0 {
		return types.Job{}, false
	}
	return running[0], true
}

// Stats 取得各狀態任務的統計資訊
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := map[string]int{
		string(types.StatusPending):   0,
		string(types.StatusRunning):   0,
		string(types.StatusCompleted): 0,
		string(types.StatusFailed):    0,
		string(types.StatusCancelled): 0,
		string(types.StatusCleanedUp): 0,
	}
	for _, job := range jm.jobs {
		stats[string(job.Status)]++
	}
	stats["total"] = len(jm.jobs)
	return stats
}

func containsStatus(statuses []types.JobStatus, s types.JobStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

// ============================================================================
// 快照與恢復相關方法
// ============================================================================

// Snapshot 生成快照資料（深拷貝）
func (jm *JobManager) Snapshot() types.SnapshotData {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.snapshotLocked()
}

func (jm *JobManager) snapshotLocked() types.SnapshotData {
	jobsCopy := make(map[types.JobID]*types.Job, len(jm.jobs))
	for id, job := range jm.jobs {
		jobsCopy[id] = job.Clone()
	}
	return types.SnapshotData{
		Jobs:      jobsCopy,
		NextSeq:   jm.nextSeq,
		SchemaVer: SchemaVersion,
	}
}

// Checkpoint runs fn with a snapshot while holding the write lock, so no
// mutation can be journaled between taking the snapshot and fn returning.
// The controller persists the snapshot and rotates the WAL inside fn.
func (jm *JobManager) Checkpoint(fn func(types.SnapshotData) error) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return fn(jm.snapshotLocked())
}

// Restore 從快照恢復狀態，取代目前所有記錄
func (jm *JobManager) Restore(data types.SnapshotData) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.jobs = make(map[types.JobID]*types.Job, len(data.Jobs))
	jm.nextSeq = 1
	for id, job := range data.Jobs {
		if job == nil {
			continue
		}
		if job.ID != id {
			return fmt.Errorf("jobmanager: snapshot key %s does not match record id %s", id, job.ID)
		}
		jm.jobs[id] = job.Clone()
		if job.Seq >= jm.nextSeq {
			jm.nextSeq = job.Seq + 1
		}
	}
	if data.NextSeq > jm.nextSeq {
		jm.nextSeq = data.NextSeq
	}
	return nil
}

// Apply replays one WAL event: EVICT deletes the record, every other event
// upserts the carried post-mutation record. Apply never writes to the journal.
func (jm *JobManager) Apply(event wal.Event) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if event.Type == wal.EventEvict {
		delete(jm.jobs, event.JobID)
		return nil
	}
	if event.Job == nil {
		return fmt.Errorf("jobmanager: event seq=%d type=%s carries no record", event.Seq, event.Type)
	}
	jm.jobs[event.JobID] = event.Job.Clone()
	if event.Job.Seq >= jm.nextSeq {
		jm.nextSeq = event.Job.Seq + 1
	}
	return nil
}

// appendLocked writes job to the journal. Caller holds jm.mu.
func (jm *JobManager) appendLocked(eventType wal.EventType, job *types.Job, force bool) error {
	if jm.journal == nil {
		return nil
	}
	if err := jm.journal.Append(eventType, *job, force); err != nil {
		return fmt.Errorf("jobmanager: journal %s %s: %w", eventType, job.ID, err)
	}
	return nil
}

func eventFor(to types.JobStatus) wal.EventType {
	switch to {
	case types.StatusRunning:
		return wal.EventStart
	case types.StatusCompleted:
		return wal.EventComplete
	case types.StatusFailed:
		return wal.EventFail
	case types.StatusCancelled:
		return wal.EventCancel
	case types.StatusCleanedUp:
		return wal.EventCleanup
	}
	return wal.EventProgress
}
