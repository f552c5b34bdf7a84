// ============================================================================
// studio-jobs Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集並暴露每個 domain 的任務指標
//
// 指標分類:
//
//   1. 計數器 (Counter, label: domain)
//      - studiojobs_jobs_submitted_total
//      - studiojobs_jobs_started_total
//      - studiojobs_jobs_finished_total  (label: status = completed|failed|cancelled)
//      - studiojobs_jobs_cleaned_up_total
//      - studiojobs_history_evictions_total
//
//   2. 分佈 (Histogram, label: domain, status)
//      - studiojobs_job_duration_seconds  從 running 到終態的時間
//
//   3. 瞬時值 (Gauge)
//      - studiojobs_queue_depth{domain}
//      - studiojobs_jobs_running{domain}   0 或 1
//      - studiojobs_gpu_lock_held          0 或 1
//      - studiojobs_recovery_time_seconds
//
// Prometheus 查詢示例:
//
//   # 每個 domain 的失敗率
//   rate(studiojobs_jobs_finished_total{status="failed"}[15m])
//     / rate(studiojobs_jobs_started_total[15m])
//
//   # 訓練任務 95 分位執行時間
//   histogram_quantile(0.95, rate(studiojobs_job_duration_seconds_bucket{domain="training"}[1h]))
//
// 所有方法在 nil *Collector 上都是 no-op，測試與 CLI 可以不帶指標運行。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/studio-jobs/pkg/types"
)

var log = slog.Default()

const namespace = "studiojobs"

// Collector Prometheus 指標收集器
type Collector struct {
	submitted  *prometheus.CounterVec
	started    *prometheus.CounterVec
	finished   *prometheus.CounterVec
	cleanedUp  *prometheus.CounterVec
	evictions  *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	queueDepth *prometheus.GaugeVec
	running    *prometheus.GaugeVec

	gpuHeld      prometheus.Gauge
	recoveryTime prometheus.Gauge
}

// NewCollector 創建並註冊指標。reg 為 nil 時使用 prometheus.DefaultRegisterer。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs accepted by submit",
		}, []string{"domain"}),
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Total number of jobs moved to running",
		}, []string{"domain"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs reaching a terminal state",
		}, []string{"domain", "status"}),
		cleanedUp: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_cleaned_up_total",
			Help:      "Total number of jobs whose artifacts were removed",
		}, []string{"domain"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_evictions_total",
			Help:      "Total number of records evicted from history",
		}, []string{"domain"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall-clock time from running to a terminal state",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 3 * 3600, 6 * 3600},
		}, []string{"domain", "status"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of queued jobs per domain",
		}, []string{"domain"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "1 while the domain worker executes a job",
		}, []string{"domain"}),
		gpuHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gpu_lock_held",
			Help:      "1 while a job holds the GPU lock",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken by the last startup recovery",
		}),
	}

	reg.MustRegister(
		c.submitted, c.started, c.finished, c.cleanedUp, c.evictions,
		c.duration, c.queueDepth, c.running, c.gpuHeld, c.recoveryTime,
	)

	// 預先建立每個 domain 的 series，讓儀表板從 0 開始
	for _, d := range types.Domains {
		c.queueDepth.WithLabelValues(string(d))
		c.running.WithLabelValues(string(d))
		c.submitted.WithLabelValues(string(d))
	}
	return c
}

// RecordSubmit 記錄提交
func (c *Collector) RecordSubmit(domain types.Domain) {
	if c == nil {
		return
	}
	c.submitted.WithLabelValues(string(domain)).Inc()
}

// RecordStart 記錄任務開始執行
func (c *Collector) RecordStart(domain types.Domain) {
	if c == nil {
		return
	}
	c.started.WithLabelValues(string(domain)).Inc()
}

// RecordFinish 記錄任務進入終態；d 為執行時間，未啟動的任務傳 0 不計入分佈
func (c *Collector) RecordFinish(domain types.Domain, status types.JobStatus, d time.Duration) {
	if c == nil {
		return
	}
	c.finished.WithLabelValues(string(domain), string(status)).Inc()
	if d > 0 {
		c.duration.WithLabelValues(string(domain), string(status)).Observe(d.Seconds())
	}
}

// RecordCleanup 記錄 artifact 清理
func (c *Collector) RecordCleanup(domain types.Domain) {
	if c == nil {
		return
	}
	c.cleanedUp.WithLabelValues(string(domain)).Inc()
}

// RecordEviction 記錄歷史淘汰
func (c *Collector) RecordEviction(domain types.Domain) {
	if c == nil {
		return
	}
	c.evictions.WithLabelValues(string(domain)).Inc()
}

// SetQueueDepth 更新佇列長度
func (c *Collector) SetQueueDepth(domain types.Domain, n int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(string(domain)).Set(float64(n))
}

// SetRunning 更新 domain 是否正在執行
func (c *Collector) SetRunning(domain types.Domain, running bool) {
	if c == nil {
		return
	}
	c.running.WithLabelValues(string(domain)).Set(boolFloat(running))
}

// SetGPUHeld 可直接作為 resource.NewGPULock 的 onHeld 回呼
func (c *Collector) SetGPUHeld(held bool) {
	if c == nil {
		return
	}
	c.gpuHeld.Set(boolFloat(held))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Serve 在 addr 上暴露 /metrics，直到 ctx 結束
//
// 參數：
//   - addr: 監聽位址，例如 ":9090"
//   - g: 指標來源，nil 時使用 prometheus.DefaultGatherer
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("metrics server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
