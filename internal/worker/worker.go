// ============================================================================
// studio-jobs Worker Loop - 單一 domain 的順序執行單元
// ============================================================================
//
// Package: internal/worker
// 文件: worker.go
// 功能: 每個 domain 一個 Loop，一次只執行一個任務
//
// 狀態機:
//
//   idle → dequeuing → executing → finalizing → idle
//
//   dequeuing   等待佇列（GPU domain 先 Wait 再取得 GPU lock，最後 Dequeue，
//               被阻塞的任務保留在佇列中的位置）
//   executing   MarkRunning → BuildCommand → runner.Start，輸出逐行交給
//               progress.Parser，再寫回 JobManager.UpdateProgress
//   finalizing  依結果標記 completed / failed / cancelled，寫入 History，
//               釋放 GPU lock，queue.Done
//
// 取消:
//   pending 任務由 controller 直接轉為 cancelled，Loop 取出後發現不是
//   pending 便跳過。running 任務透過 Loop.Cancel，在程序啟動前或執行中
//   都會生效。
//
// 錯誤處理:
//   任務失敗只會改變任務記錄，不會讓 Loop 停下；只有 queue.ErrClosed
//   或 ctx 結束會讓 Run 返回。ctx 結束後不再啟動新任務，佇列中的任務
//   保持 pending。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/studio-jobs/internal/adapter"
	"github.com/ChuLiYu/studio-jobs/internal/history"
	"github.com/ChuLiYu/studio-jobs/internal/jobmanager"
	"github.com/ChuLiYu/studio-jobs/internal/metrics"
	"github.com/ChuLiYu/studio-jobs/internal/progress"
	"github.com/ChuLiYu/studio-jobs/internal/queue"
	"github.com/ChuLiYu/studio-jobs/internal/resource"
	"github.com/ChuLiYu/studio-jobs/internal/runner"
	"github.com/ChuLiYu/studio-jobs/pkg/types"
)

var log = slog.Default()

// Phase is the externally visible state of a Loop.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseDequeuing  Phase = "dequeuing"
	PhaseExecuting  Phase = "executing"
	PhaseFinalizing Phase = "finalizing"
)

// MsgShutdown is the error recorded on a job killed because the service stopped.
const MsgShutdown = "interrupted by shutdown"

// Config wires a Loop to the shared components.
type Config struct {
	Adapter adapter.Adapter
	Queue   queue.Queue
	Jobs    *jobmanager.JobManager
	History *history.Store
	GPU     *resource.Lock     // required when the adapter is resource exclusive
	Metrics *metrics.Collector // optional

	// RetryDelay is the pause after an unexpected queue error.
	RetryDelay time.Duration
}

// Loop consumes one domain queue.
type Loop struct {
	cfg    Config
	domain types.Domain

	mu        sync.Mutex
	phase     Phase
	current   types.JobID
	handle    *runner.Handle
	cancelReq bool
}

// NewLoop 建立 Loop
func NewLoop(cfg Config) *Loop {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Loop{
		cfg:    cfg,
		domain: cfg.Adapter.Domain(),
		phase:  PhaseIdle,
	}
}

// Domain served by the loop.
func (l *Loop) Domain() types.Domain {
	return l.domain
}

// Phase returns the current phase.
func (l *Loop) Phase() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// Current returns the job being executed, if any.
func (l *Loop) Current() (types.JobID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current, l.current != ""
}

// Cancel asks the loop to stop job id. It reports false when id is not the
// job the loop is executing. A request that arrives before the process is
// spawned prevents the spawn.
func (l *Loop) Cancel(id types.JobID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != id || id == "" {
		return false
	}
	l.cancelReq = true
	if l.handle != nil {
		l.handle.Cancel()
	}
	return true
}

// Run processes jobs until ctx is done or the queue is closed.
func (l *Loop) Run(ctx context.Context) error {
	log.Info("worker loop started", "domain", l.domain, "exclusive", l.exclusive())
	defer log.Info("worker loop stopped", "domain", l.domain)
	defer l.setPhase(PhaseIdle)

	for {
		err := l.runOnce(ctx)
		switch {
		case ctx.Err() != nil, errors.Is(err, queue.ErrClosed):
			return nil
		case err == nil:
		default:
			log.Error("worker loop error", "domain", l.domain, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(l.cfg.RetryDelay):
			}
		}
	}
}

func (l *Loop) exclusive() bool {
	return l.cfg.Adapter.ResourceExclusive() && l.cfg.GPU != nil
}

// runOnce takes one id off the queue and handles it.
func (l *Loop) runOnce(ctx context.Context) error {
	l.setPhase(PhaseDequeuing)

	exclusive := l.exclusive()
	if exclusive {
		// 先確認有任務再搶 GPU，避免空佇列長時間佔用
		if err := l.cfg.Queue.Wait(ctx); err != nil {
			return err
		}
		if err := l.cfg.GPU.Acquire(ctx, l.domain, ""); err != nil {
			return err
		}
		defer l.cfg.GPU.Release()
	}

	id, err := l.cfg.Queue.Dequeue(ctx)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		// 停機中取出的任務維持 pending，重啟時依 Seq 重新排入
		if derr := l.cfg.Queue.Done(context.WithoutCancel(ctx), id); derr != nil {
			log.Warn("queue done failed", "domain", l.domain, "job_id", id, "error", derr)
		}
		return err
	}
	if exclusive {
		l.cfg.GPU.SetOwner(id)
	}
	defer func() {
		if err := l.cfg.Queue.Done(context.WithoutCancel(ctx), id); err != nil {
			log.Warn("queue done failed", "domain", l.domain, "job_id", id, "error", err)
		}
		l.updateDepth(ctx)
	}()
	l.updateDepth(ctx)

	l.execute(ctx, id)
	return nil
}

func (l *Loop) updateDepth(ctx context.Context) {
	if l.cfg.Metrics == nil {
		return
	}
	if n, err := l.cfg.Queue.Len(context.WithoutCancel(ctx)); err == nil {
		l.cfg.Metrics.SetQueueDepth(l.domain, n)
	}
}

// execute runs one dequeued job through executing and finalizing.
func (l *Loop) execute(ctx context.Context, id types.JobID) {
	job, err := l.cfg.Jobs.Get(id)
	if err != nil {
		log.Warn("dequeued unknown job, skipping", "domain", l.domain, "job_id", id, "error", err)
		return
	}
	if job.Status != types.StatusPending {
		log.Info("dequeued job is no longer pending, skipping", "domain", l.domain, "job_id", id, "status", job.Status)
		return
	}

	l.begin(id)
	defer l.end()

	job, err = l.cfg.Jobs.MarkRunning(id)
	if err != nil {
		// cancelled between dequeue and start
		log.Info("job not started", "domain", l.domain, "job_id", id, "error", err)
		return
	}
	l.setPhase(PhaseExecuting)
	l.cfg.Metrics.RecordStart(l.domain)
	l.cfg.Metrics.SetRunning(l.domain, true)
	defer l.cfg.Metrics.SetRunning(l.domain, false)
	log.Info("job started", "domain", l.domain, "job_id", id)

	cmd, err := l.cfg.Adapter.BuildCommand(job)
	if err != nil {
		l.finish(job, types.StatusFailed, "", fmt.Sprintf("build command: %v", err), 0)
		return
	}

	parser := l.cfg.Adapter.Parser(job)
	state := progress.FromProgress(job.Progress)
	onLine := func(stream runner.Stream, line string) {
		log.Debug("job output", "domain", l.domain, "job_id", id, "stream", stream, "line", line)
		state = parser.ParseLine(line, state)
		if _, err := l.cfg.Jobs.UpdateProgress(id, state.Progress()); err != nil {
			log.Debug("progress update dropped", "job_id", id, "error", err)
		}
	}

	h, err := l.start(ctx, cmd, onLine)
	if err != nil {
		if errors.Is(err, runner.ErrCancelled) {
			l.finish(job, types.StatusCancelled, "", "", 0)
			return
		}
		l.finish(job, types.StatusFailed, "", err.Error(), 0)
		return
	}

	res := h.Wait()
	l.setPhase(PhaseFinalizing)
	if res.Cancelled || res.TimedOut || ctx.Err() != nil {
		l.stopJob(ctx, job)
	}

	switch {
	case res.Cancelled:
		l.finish(job, types.StatusCancelled, "", "", res.Duration)
	case res.TimedOut:
		l.finish(job, types.StatusFailed, "", res.Err.Error(), res.Duration)
	case ctx.Err() != nil:
		l.finish(job, types.StatusFailed, "", MsgShutdown, res.Duration)
	case !res.Success():
		msg := fmt.Sprintf("process exited with code %d", res.ExitCode)
		if last := lastMessage(l.cfg.Jobs, id); last != "" {
			msg += ": " + last
		}
		l.finish(job, types.StatusFailed, "", msg, res.Duration)
	default:
		ref, err := l.cfg.Adapter.ImportArtifacts(ctx, job)
		if err != nil {
			l.finish(job, types.StatusFailed, "", err.Error(), res.Duration)
			return
		}
		l.finish(job, types.StatusCompleted, ref, "", res.Duration)
	}
}

// stopJob lets the adapter tear down what outlives the killed process.
func (l *Loop) stopJob(ctx context.Context, job types.Job) {
	s, ok := l.cfg.Adapter.(adapter.Stopper)
	if !ok {
		return
	}
	if err := s.StopJob(context.WithoutCancel(ctx), job); err != nil {
		log.Warn("stop job failed", "domain", l.domain, "job_id", job.ID, "error", err)
	}
}

// start spawns the process unless a cancel request is already pending.
// The handle is published under l.mu so Cancel never misses it.
func (l *Loop) start(ctx context.Context, cmd runner.Command, onLine runner.LineFunc) (*runner.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancelReq {
		return nil, runner.ErrCancelled
	}
	h, err := runner.Start(ctx, cmd, onLine)
	if err != nil {
		return nil, err
	}
	l.handle = h
	return h, nil
}

// finish moves the job to its terminal status and records it into history.
func (l *Loop) finish(job types.Job, status types.JobStatus, artifact, msg string, d time.Duration) {
	var (
		final types.Job
		err   error
	)
	switch status {
	case types.StatusCompleted:
		final, err = l.cfg.Jobs.MarkCompleted(job.ID, artifact)
	case types.StatusCancelled:
		final, err = l.cfg.Jobs.MarkCancelled(job.ID)
	default:
		final, err = l.cfg.Jobs.MarkFailed(job.ID, msg)
	}
	if err != nil {
		log.Error("finalize failed", "domain", l.domain, "job_id", job.ID, "status", status, "error", err)
		return
	}

	l.cfg.Metrics.RecordFinish(l.domain, final.Status, d)
	log.Info("job finished", "domain", l.domain, "job_id", job.ID, "status", final.Status,
		"duration", d, "artifact", final.Artifact, "error", final.Error)

	if l.cfg.History != nil {
		if err := l.cfg.History.Record(final); err != nil {
			log.Warn("history record failed", "job_id", job.ID, "error", err)
		}
	}
}

func lastMessage(jobs *jobmanager.JobManager, id types.JobID) string {
	job, err := jobs.Get(id)
	if err != nil {
		return ""
	}
	return job.Progress.Message
}

func (l *Loop) setPhase(p Phase) {
	l.mu.Lock()
	l.phase = p
	l.mu.Unlock()
}

func (l *Loop) begin(id types.JobID) {
	l.mu.Lock()
	l.current, l.handle, l.cancelReq = id, nil, false
	l.mu.Unlock()
}

func (l *Loop) end() {
	l.mu.Lock()
	l.current, l.handle, l.cancelReq = "", nil, false
	l.phase = PhaseIdle
	l.mu.Unlock()
}
