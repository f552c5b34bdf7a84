// ============================================================================
// studio-jobs 恢復測試套件
// ============================================================================
//
// Package: test/integration
// 文件: recovery_test.go
// 功能: 端到端恢復與 GPU 互斥測試
//
// TestEndToEndRecovery:
//   - 三個 domain 共提交 30 個任務
//   - 執行途中停止服務，再以同一個資料目錄重新啟動
//   - 驗證無丟失: 完成 + 失敗 = 總數
//   - 失敗任務只能是停機時正在執行的任務 (每個 GPU 群組最多一個)
//
// TestGPUExclusiveAcrossDomains:
//   generation 與 training 的腳本寫入同一個檔案，start/end 不可交錯
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/studio-jobs/internal/controller"
	"github.com/ChuLiYu/studio-jobs/internal/worker"
	"github.com/ChuLiYu/studio-jobs/pkg/types"
)

func TestEndToEndRecovery(t *testing.T) {
	adapters := shellAdapters(t)
	cfg := testConfig(t.TempDir())
	ctx := context.Background()

	first, err := controller.New(cfg, adapters)
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))

	var ids []types.JobID
	for i := 0; i < 10; i++ {
		for _, d := range []types.Domain{types.DomainScraping, types.DomainGeneration, types.DomainTraining} {
			id, err := first.Submit(ctx, d, map[string]any{"script": "sleep 0.05"}, 10*time.Second)
			require.NoError(t, err)
			ids = append(ids, id)
		}
	}

	require.Eventually(t, func() bool {
		return first.Stats(ctx).Jobs[string(types.StatusCompleted)] >= 5
	}, 10*time.Second, 10*time.Millisecond)
	first.Stop()

	second, err := controller.New(cfg, adapters)
	require.NoError(t, err)
	t.Cleanup(second.Stop)
	require.NoError(t, second.Start(ctx))

	require.Eventually(t, func() bool {
		jobs := second.Stats(ctx).Jobs
		return jobs[string(types.StatusPending)] == 0 && jobs[string(types.StatusRunning)] == 0
	}, 20*time.Second, 20*time.Millisecond)

	var completed, failed int
	for _, id := range ids {
		job, err := second.GetStatus(id)
		require.NoError(t, err, "job %s lost across restart", id)
		switch job.Status {
		case types.StatusCompleted:
			completed++
			assert.Equal(t, "out:"+string(id), job.Artifact)
		case types.StatusFailed:
			failed++
			assert.Contains(t, []string{worker.MsgShutdown, controller.MsgRestart}, job.Error)
		default:
			t.Errorf("job %s ended as %s", id, job.Status)
		}
	}

	t.Logf("completed=%d failed=%d total=%d", completed, failed, len(ids))
	assert.Equal(t, len(ids), completed+failed, "no job may be lost")
	assert.LessOrEqual(t, failed, 2, "only jobs running at shutdown may fail")
}

func TestGPUExclusiveAcrossDomains(t *testing.T) {
	dir := t.TempDir()
	trace := filepath.Join(dir, "trace")
	cfg := testConfig(dir)
	ctx := context.Background()

	c, err := controller.New(cfg, shellAdapters(t))
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	require.NoError(t, c.Start(ctx))

	script := fmt.Sprintf("echo start >> %[1]s; sleep 0.05; echo end >> %[1]s", trace)
	var ids []types.JobID
	for i := 0; i < 4; i++ {
		for _, d := range []types.Domain{types.DomainGeneration, types.DomainTraining} {
			id, err := c.Submit(ctx, d, map[string]any{"script": script}, 10*time.Second)
			require.NoError(t, err)
			ids = append(ids, id)
		}
	}

	for _, id := range ids {
		require.Eventually(t, func() bool {
			job, err := c.GetStatus(id)
			return err == nil && job.Status == types.StatusCompleted
		}, 10*time.Second, 10*time.Millisecond)
	}

	data, err := os.ReadFile(trace)
	require.NoError(t, err)
	lines := strings.Fields(string(data))
	require.Len(t, lines, 2*len(ids))
	for i, line := range lines {
		want := "start"
		if i%2 == 1 {
			want = "end"
		}
		assert.Equal(t, want, line, "GPU jobs overlapped at line %d", i)
	}
}

func TestGenerationWaitsForTrainingGPU(t *testing.T) {
	dir := t.TempDir()
	release := filepath.Join(dir, "release")
	cfg := testConfig(dir)
	ctx := context.Background()

	c, err := controller.New(cfg, shellAdapters(t))
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	require.NoError(t, c.Start(ctx))

	wait := fmt.Sprintf("while [ ! -f %s ]; do sleep 0.02; done", release)
	train, err := c.Submit(ctx, types.DomainTraining, map[string]any{"script": wait}, 10*time.Second)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		job, err := c.GetStatus(train)
		return err == nil && job.Status == types.StatusRunning
	}, 10*time.Second, 10*time.Millisecond)

	gen, err := c.Submit(ctx, types.DomainGeneration, map[string]any{"script": "true"}, 10*time.Second)
	require.NoError(t, err)

	// training holds the GPU lock: generation stays first in line
	time.Sleep(200 * time.Millisecond)
	job, err := c.GetStatus(gen)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, job.Status)
	queued, err := c.ListQueue(ctx, types.DomainGeneration)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, gen, queued[0].ID)
	assert.Equal(t, types.DomainTraining, c.Stats(ctx).GPU)

	require.NoError(t, os.WriteFile(release, nil, 0o644))

	require.Eventually(t, func() bool {
		job, err := c.GetStatus(gen)
		return err == nil && job.Status == types.StatusCompleted
	}, 10*time.Second, 10*time.Millisecond)

	trained, err := c.GetStatus(train)
	require.NoError(t, err)
	generated, err := c.GetStatus(gen)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, trained.Status)
	require.NotNil(t, trained.CompletedAt)
	require.NotNil(t, generated.StartedAt)
	assert.GreaterOrEqual(t, *generated.StartedAt, *trained.CompletedAt, "generation starts after training releases the GPU")
}
