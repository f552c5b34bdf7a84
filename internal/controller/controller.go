// ============================================================================
// studio-jobs Controller - 協調者
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 組裝 JobManager / WAL / Snapshot / History / Queue / Worker Group，
//       並提供 Submit / GetStatus / ListQueue / Cancel / Cleanup / History /
//       Stats 等操作給 gRPC 與 CLI 使用
//
// 恢復流程 (Start):
//
//   loadSnapshot → replayWAL → failInterrupted → restoreHistory → requeue
//
//   1. 載入快照，還原記錄與 history 清單
//   2. 重放 seq > snapshot.LastSeq 的 WAL 事件
//   3. 掛上 journal；仍為 running 的任務無法接回程序，標記為 failed
//   4. 重建 history 清單（容量在此重新套用）
//   5. pending 任務依 Seq 重新排入各 domain 佇列
//
// 之後啟動 worker group 與 snapshot 迴圈。
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/studio-jobs/internal/adapter"
	"github.com/ChuLiYu/studio-jobs/internal/catalog"
	"github.com/ChuLiYu/studio-jobs/internal/config"
	"github.com/ChuLiYu/studio-jobs/internal/history"
	"github.com/ChuLiYu/studio-jobs/internal/jobmanager"
	"github.com/ChuLiYu/studio-jobs/internal/metrics"
	"github.com/ChuLiYu/studio-jobs/internal/queue"
	"github.com/ChuLiYu/studio-jobs/internal/resource"
	"github.com/ChuLiYu/studio-jobs/internal/snapshot"
	"github.com/ChuLiYu/studio-jobs/internal/storage/wal"
	"github.com/ChuLiYu/studio-jobs/internal/worker"
	"github.com/ChuLiYu/studio-jobs/pkg/types"
)

var log = slog.Default()

// MsgRestart is the error recorded on jobs that were running when the
// previous process died.
const MsgRestart = "interrupted by restart"

var (
	ErrNotStarted     = errors.New("controller not started")
	ErrAlreadyStarted = errors.New("controller already started")
	ErrStopped        = errors.New("controller stopped")
)

// ============================================================================
// 選項
// ============================================================================

// Option configures a Controller.
type Option func(*Controller)

// WithMetrics attaches a collector. Without it metrics are not recorded.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithCatalog uses an already opened catalog instead of opening
// cfg.Catalog.Path. The caller keeps ownership of it.
func WithCatalog(cat *catalog.Catalog) Option {
	return func(c *Controller) { c.catalog, c.ownCatalog = cat, false }
}

// ============================================================================
// Controller
// ============================================================================

// Controller owns every component of the service.
type Controller struct {
	cfg     config.Config
	metrics *metrics.Collector

	catalog    *catalog.Catalog
	ownCatalog bool

	adapters map[types.Domain]adapter.Adapter
	order    []types.Domain

	jobs     *jobmanager.JobManager
	wal      *wal.WAL
	snapshot *snapshot.Manager
	history  *history.Store
	gpu      *resource.Lock

	mu        sync.Mutex
	queues    *queue.Set
	group     *worker.Group
	cancel    context.CancelFunc
	loopWg    sync.WaitGroup
	started   bool
	stopped   bool
	startTime time.Time
}

// New builds a controller. When adapters is empty the four standard adapters
// are built from cfg.Adapters over cfg.WorkspaceRoot and the catalog.
func New(cfg config.Config, adapters []adapter.Adapter, opts ...Option) (*Controller, error) {
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:        cfg,
		ownCatalog: true,
		adapters:   make(map[types.Domain]adapter.Adapter),
		jobs:       jobmanager.NewJobManager(),
		snapshot:   snapshot.NewManager(cfg.Snapshot.Path),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.catalog == nil {
		cat, err := catalog.Open(cfg.Catalog.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open catalog: %w", err)
		}
		c.catalog = cat
	}

	if len(adapters) == 0 {
		adapters = adapter.All(cfg.Adapters, adapter.Workspace{Root: cfg.WorkspaceRoot}, c.catalog)
	}

	histOpts := []history.Option{
		history.WithCapacity(cfg.History.Capacity),
		history.WithEvictHook(func(job types.Job) { c.metrics.RecordEviction(job.Domain) }),
	}
	for _, a := range adapters {
		d := a.Domain()
		if _, dup := c.adapters[d]; dup {
			c.closeCatalog()
			return nil, fmt.Errorf("duplicate adapter for domain %s", d)
		}
		c.adapters[d] = a
		c.order = append(c.order, d)
		histOpts = append(histOpts, history.WithCleaner(d, a))
	}
	c.history = history.New(c.jobs, histOpts...)
	c.gpu = resource.NewGPULock(func(held bool) { c.metrics.SetGPUHeld(held) })

	w, err := wal.NewWAL(cfg.WAL.Path, wal.Options{
		BufferSize:    cfg.WAL.BufferSize,
		FlushInterval: cfg.WAL.FlushInterval,
	})
	if err != nil {
		c.closeCatalog()
		return nil, fmt.Errorf("failed to create WAL: %w", err)
	}
	c.wal = w

	return c, nil
}

// Start recovers the previous state and starts the worker loops and the
// snapshot loop. The loops stop when ctx is done or Stop is called.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.startTime = time.Now()

	// 1. 恢復狀態
	log.Info("Starting recovery...")
	data, err := c.loadSnapshot()
	if err != nil {
		return fmt.Errorf("loadSnapshot failed: %w", err)
	}
	replayed, err := c.replayWAL(data.LastSeq)
	if err != nil {
		return fmt.Errorf("replayWAL failed: %w", err)
	}
	c.jobs.SetJournal(c.wal)

	interrupted := c.jobs.FailInterrupted(MsgRestart)
	for _, id := range interrupted {
		if job, err := c.jobs.Get(id); err == nil {
			c.metrics.RecordFinish(job.Domain, types.StatusFailed, 0)
		}
	}
	c.history.Restore(data.History, c.jobs.List(""))

	// 2. 開啟佇列並重新排入 pending 任務
	queues, err := queue.Open(ctx, c.cfg.Queue, c.order)
	if err != nil {
		return err
	}
	requeued, err := c.requeue(ctx, queues)
	if err != nil {
		_ = queues.Close()
		return err
	}

	recovery := time.Since(c.startTime)
	c.metrics.SetRecoveryTime(recovery)
	log.Info("Recovery completed",
		"duration", recovery,
		"replayed_events", replayed,
		"interrupted_jobs", len(interrupted),
		"requeued_jobs", requeued)

	// 3. 啟動 worker group
	loops := make([]*worker.Loop, 0, len(c.order))
	for _, d := range c.order {
		loops = append(loops, worker.NewLoop(worker.Config{
			Adapter: c.adapters[d],
			Queue:   queues.Get(d),
			Jobs:    c.jobs,
			History: c.history,
			GPU:     c.gpu,
			Metrics: c.metrics,
		}))
	}
	group, err := worker.NewGroup(loops...)
	if err != nil {
		_ = queues.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.queues, c.group, c.cancel = queues, group, cancel
	c.started = true

	c.loopWg.Add(2)
	go func() {
		defer c.loopWg.Done()
		if err := group.Run(runCtx); err != nil {
			log.Error("worker group stopped", "error", err)
		}
	}()
	go c.snapshotLoop(runCtx)

	log.Info("Controller started", "domains", c.order)
	return nil
}

// loadSnapshot 從快照恢復記錄
func (c *Controller) loadSnapshot() (types.SnapshotData, error) {
	start := time.Now()

	data, err := c.snapshot.Load()
	if err != nil {
		return data, err
	}
	if err := c.jobs.Restore(data); err != nil {
		return data, fmt.Errorf("failed to restore state: %w", err)
	}

	log.Info("Snapshot loaded",
		"duration", time.Since(start),
		"jobs", len(data.Jobs),
		"last_seq", data.LastSeq)
	return data, nil
}

// replayWAL 重放快照之後的事件
//
// seq <= lastSeq 的事件已包含在快照中，直接略過；其餘事件攜帶完整記錄，
// 重複套用結果相同。
func (c *Controller) replayWAL(lastSeq uint64) (int, error) {
	applied := 0
	err := c.wal.Replay(func(event wal.Event) error {
		if event.Seq <= lastSeq {
			return nil
		}
		if err := c.jobs.Apply(event); err != nil {
			return err
		}
		applied++
		return nil
	})
	return applied, err
}

// requeue puts pending records back in their domain queue in Seq order.
// Ids a previous process dequeued but never finished are released first.
func (c *Controller) requeue(ctx context.Context, queues *queue.Set) (int, error) {
	for _, d := range c.order {
		if err := queues.Get(d).Reconcile(ctx); err != nil {
			return 0, fmt.Errorf("failed to reconcile %s queue: %w", d, err)
		}
	}
	n := 0
	for _, job := range c.jobs.List("", types.StatusPending) {
		q := queues.Get(job.Domain)
		if q == nil {
			log.Warn("pending job has no worker, left untouched", "job_id", job.ID, "domain", job.Domain)
			continue
		}
		added, err := q.Enqueue(ctx, job.ID)
		if err != nil {
			return n, fmt.Errorf("failed to requeue %s: %w", job.ID, err)
		}
		if added {
			n++
		}
	}
	for _, d := range c.order {
		c.updateDepth(ctx, queues.Get(d), d)
	}
	return n, nil
}

// ============================================================================
// Snapshot 迴圈
// ============================================================================

func (c *Controller) snapshotLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.Snapshot.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := c.takeSnapshot(); err != nil {
				log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// takeSnapshot 寫入快照並旋轉 WAL
//
// 在 JobManager 的寫鎖內完成，快照與 WAL 位置之間不會有遺漏的事件。
func (c *Controller) takeSnapshot() error {
	start := time.Now()
	jobs := 0

	err := c.jobs.Checkpoint(func(data types.SnapshotData) error {
		data.History = c.history.Snapshot()
		data.LastSeq = c.wal.GetLastSeq()
		if err := c.snapshot.Write(data); err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
		if err := c.wal.Rotate(); err != nil {
			return fmt.Errorf("failed to rotate WAL: %w", err)
		}
		jobs = len(data.Jobs)
		return nil
	})
	if err != nil {
		return err
	}
	if err := c.wal.PruneBackups(c.cfg.WAL.KeepBackups); err != nil {
		log.Warn("Failed to prune WAL backups", "error", err)
	}

	log.Info("Snapshot taken",
		"duration", time.Since(start),
		"jobs", jobs)
	return nil
}

// ============================================================================
// 公開方法
// ============================================================================

// Submit validates params with the domain adapter, creates a pending record
// and appends it to the domain queue.
func (c *Controller) Submit(ctx context.Context, domain types.Domain, params map[string]any, timeout time.Duration) (types.JobID, error) {
	q, err := c.queue(domain)
	if err != nil {
		return "", err
	}
	if timeout < 0 {
		return "", fmt.Errorf("%w: negative timeout %s", adapter.ErrInvalidParams, timeout)
	}
	if err := c.adapters[domain].Validate(params); err != nil {
		return "", err
	}

	job, err := c.jobs.Create(domain, params, timeout)
	if err != nil {
		return "", err
	}
	if _, err := q.Enqueue(ctx, job.ID); err != nil {
		// 沒有進入佇列的記錄不能一直停在 pending
		if cancelled, cerr := c.jobs.MarkCancelled(job.ID); cerr == nil {
			_ = c.history.Record(cancelled)
		}
		return "", fmt.Errorf("failed to enqueue %s: %w", job.ID, err)
	}

	c.metrics.RecordSubmit(domain)
	c.updateDepth(ctx, q, domain)
	log.Info("job submitted", "job_id", job.ID, "domain", domain, "seq", job.Seq)
	return job.ID, nil
}

// GetStatus returns the record of id.
func (c *Controller) GetStatus(id types.JobID) (types.Job, error) {
	return c.jobs.Get(id)
}

// ListQueue returns the jobs of domain still waiting to run, in queue order.
func (c *Controller) ListQueue(ctx context.Context, domain types.Domain) ([]types.Job, error) {
	q, err := c.queue(domain)
	if err != nil {
		return nil, err
	}
	ids, err := q.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.Job, 0, len(ids))
	for _, id := range ids {
		job, err := c.jobs.Get(id)
		if err != nil || job.Status != types.StatusPending {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// Cancel cancels a pending or running job and returns its record. A pending
// job becomes cancelled immediately; a running job is cancelled by its
// worker loop once the process is stopped. Cancelling a finished job is a
// no-op.
func (c *Controller) Cancel(id types.JobID) (types.Job, error) {
	job, err := c.jobs.Get(id)
	if err != nil {
		return types.Job{}, err
	}

	if job.Status == types.StatusPending {
		cancelled, err := c.jobs.MarkCancelled(id)
		if err == nil {
			c.metrics.RecordFinish(cancelled.Domain, types.StatusCancelled, 0)
			if err := c.history.Record(cancelled); err != nil {
				log.Warn("history record failed", "job_id", id, "error", err)
			}
			log.Info("pending job cancelled", "job_id", id, "domain", cancelled.Domain)
			return cancelled, nil
		}
		if !errors.Is(err, jobmanager.ErrInvalidTransition) {
			return job, err
		}
		// started in the meantime
		log.Info("cancel raced with start", "job_id", id, "error", err)
		if job, err = c.jobs.Get(id); err != nil {
			return types.Job{}, err
		}
	}

	if job.Status == types.StatusRunning {
		group := c.workerGroup()
		if group != nil && group.Cancel(id) {
			log.Info("cancel requested", "job_id", id, "domain", job.Domain)
		} else {
			log.Info("cancel found no active process", "job_id", id, "domain", job.Domain)
		}
		return c.jobs.Get(id)
	}

	log.Debug("cancel ignored", "job_id", id, "status", job.Status)
	return job, nil
}

// Cleanup removes the artifacts of a finished job and marks it cleaned_up.
func (c *Controller) Cleanup(ctx context.Context, id types.JobID) (types.Job, error) {
	before, err := c.jobs.Get(id)
	if err != nil {
		return types.Job{}, err
	}
	job, err := c.history.Cleanup(ctx, id)
	if err != nil {
		return job, err
	}
	if before.Status != types.StatusCleanedUp {
		c.metrics.RecordCleanup(job.Domain)
		log.Info("job cleaned up", "job_id", id, "domain", job.Domain)
	}
	return job, nil
}

// History returns the finished jobs of domain, newest first.
func (c *Controller) History(domain types.Domain) ([]types.Job, error) {
	if _, ok := c.adapters[domain]; !ok {
		return nil, fmt.Errorf("%w: %q", jobmanager.ErrUnknownDomain, domain)
	}
	return c.history.Jobs(domain), nil
}

// Artifacts lists the catalog rows of job id.
func (c *Controller) Artifacts(ctx context.Context, id types.JobID) ([]catalog.Artifact, error) {
	if _, err := c.jobs.Get(id); err != nil {
		return nil, err
	}
	return c.catalog.ListByJob(ctx, id)
}

// Stats is a point-in-time view of the service.
type Stats struct {
	Uptime   time.Duration
	Jobs     map[string]int
	Queued   map[types.Domain]int
	Phases   map[types.Domain]worker.Phase
	GPU      types.Domain // domain holding the GPU lock, empty when free
	GPUJob   types.JobID
	Recorded map[types.Domain]int // history entries per domain
}

// Stats 取得系統狀態
func (c *Controller) Stats(ctx context.Context) Stats {
	s := Stats{
		Jobs:     c.jobs.Stats(),
		Queued:   make(map[types.Domain]int, len(c.order)),
		Phases:   make(map[types.Domain]worker.Phase, len(c.order)),
		Recorded: make(map[types.Domain]int, len(c.order)),
	}

	c.mu.Lock()
	queues, group := c.queues, c.group
	if c.started {
		s.Uptime = time.Since(c.startTime)
	}
	c.mu.Unlock()

	for _, d := range c.order {
		s.Recorded[d] = len(c.history.List(d))
		if queues != nil {
			if n, err := queues.Get(d).Len(ctx); err == nil {
				s.Queued[d] = n
			}
		}
	}
	if group != nil {
		s.Phases = group.Phases()
	}
	s.GPU, s.GPUJob, _ = c.gpu.Holder()
	return s
}

// Domains returns the domains served, in adapter order.
func (c *Controller) Domains() []types.Domain {
	return append([]types.Domain(nil), c.order...)
}

// ============================================================================
// 關閉
// ============================================================================

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. cancel() → worker loop 停止，執行中的任務被終止並標記 failed
//  2. loopWg.Wait() → 等待 worker group 與 snapshot 迴圈退出
//  3. 最後一次快照
//  4. 關閉 WAL、佇列、catalog
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	started, cancel, queues := c.started, c.cancel, c.queues
	c.mu.Unlock()

	log.Info("Stopping controller...")

	if cancel != nil {
		cancel()
	}
	c.loopWg.Wait()

	if started {
		if err := c.takeSnapshot(); err != nil {
			log.Error("Failed to take final snapshot", "error", err)
		}
	}
	if err := c.wal.Close(); err != nil {
		log.Error("Failed to close WAL", "error", err)
	}
	if queues != nil {
		if err := queues.Close(); err != nil {
			log.Error("Failed to close queues", "error", err)
		}
	}
	c.closeCatalog()

	log.Info("Controller stopped")
}

// ============================================================================
// 內部工具
// ============================================================================

func (c *Controller) queue(domain types.Domain) (queue.Queue, error) {
	if _, ok := c.adapters[domain]; !ok {
		return nil, fmt.Errorf("%w: %q", jobmanager.ErrUnknownDomain, domain)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil, ErrStopped
	}
	if !c.started {
		return nil, ErrNotStarted
	}
	return c.queues.Get(domain), nil
}

func (c *Controller) workerGroup() *worker.Group {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.group
}

func (c *Controller) updateDepth(ctx context.Context, q queue.Queue, d types.Domain) {
	if c.metrics == nil || q == nil {
		return
	}
	if n, err := q.Len(ctx); err == nil {
		c.metrics.SetQueueDepth(d, n)
	}
}

func (c *Controller) closeCatalog() {
	if !c.ownCatalog || c.catalog == nil {
		return
	}
	if err := c.catalog.Close(); err != nil {
		log.Error("Failed to close catalog", "error", err)
	}
}
