package integration

import (
	"context"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/ChuLiYu/studio-jobs/internal/adapter"
	"github.com/ChuLiYu/studio-jobs/internal/config"
	"github.com/ChuLiYu/studio-jobs/internal/progress"
	"github.com/ChuLiYu/studio-jobs/internal/runner"
	"github.com/ChuLiYu/studio-jobs/pkg/types"
)

// shellAdapter runs params["script"] with sh. It imports nothing.
type shellAdapter struct {
	domain    types.Domain
	exclusive bool
	sh        string
}

func (a shellAdapter) Domain() types.Domain    { return a.domain }
func (a shellAdapter) ResourceExclusive() bool { return a.exclusive }

func (a shellAdapter) Validate(params map[string]any) error {
	if s, _ := params["script"].(string); s == "" {
		return fmt.Errorf("%w: script is required", adapter.ErrInvalidParams)
	}
	return nil
}

func (a shellAdapter) BuildCommand(job types.Job) (runner.Command, error) {
	return runner.Command{
		Path:        a.sh,
		Args:        []string{"-c", job.StringParam("script", "true")},
		Timeout:     job.Timeout,
		GracePeriod: 200 * time.Millisecond,
	}, nil
}

func (a shellAdapter) Parser(types.Job) *progress.Parser { return progress.New() }

func (a shellAdapter) ImportArtifacts(_ context.Context, job types.Job) (string, error) {
	return "out:" + string(job.ID), nil
}

func (a shellAdapter) CleanupArtifacts(context.Context, types.Job) error { return nil }

// shellAdapters returns one adapter per domain; generation and training share the GPU lock.
func shellAdapters(t *testing.T) []adapter.Adapter {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return []adapter.Adapter{
		shellAdapter{domain: types.DomainGeneration, exclusive: true, sh: sh},
		shellAdapter{domain: types.DomainScraping, sh: sh},
		shellAdapter{domain: types.DomainTraining, exclusive: true, sh: sh},
		shellAdapter{domain: types.DomainRemediation, sh: sh},
	}
}

func testConfig(dir string) config.Config {
	cfg := config.Config{DataDir: dir}
	cfg.Snapshot.Interval = 200 * time.Millisecond
	cfg.History.Capacity = 10_000
	cfg.Sanitize()
	return cfg
}
