// Package adapter supplies the per-domain knowledge the generic worker loop
// needs: how to build the external command, how to read its output, how to
// make its results durable and whether it needs the GPU lock.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/studio-jobs/internal/catalog"
	"github.com/ChuLiYu/studio-jobs/internal/progress"
	"github.com/ChuLiYu/studio-jobs/internal/runner"
	"github.com/ChuLiYu/studio-jobs/pkg/types"
)

var log = slog.Default()

var (
	// ErrInvalidParams is returned by Validate and BuildCommand for unusable job parameters.
	ErrInvalidParams = errors.New("invalid params")
	// ErrArtifactImport wraps every failure to make process output durable.
	ErrArtifactImport = errors.New("artifact import error")
)

// Adapter is implemented once per domain.
type Adapter interface {
	Domain() types.Domain
	// ResourceExclusive reports whether jobs must hold the GPU lock.
	ResourceExclusive() bool
	// Validate checks submitted parameters before a record is created.
	Validate(params map[string]any) error
	// BuildCommand prepares the job workspace and returns the command to run.
	BuildCommand(job types.Job) (runner.Command, error)
	// Parser returns the progress rules for job; they may depend on its params.
	Parser(job types.Job) *progress.Parser
	// ImportArtifacts makes the output durable and returns the artifact reference.
	ImportArtifacts(ctx context.Context, job types.Job) (string, error)
	// CleanupArtifacts removes everything ImportArtifacts produced.
	CleanupArtifacts(ctx context.Context, job types.Job) error
}

// Stopper is implemented by adapters whose job outlives the process the
// runner kills, such as a container driven by a client binary. The worker
// calls StopJob after a cancel, timeout or shutdown and before it takes the
// next job.
type Stopper interface {
	StopJob(ctx context.Context, job types.Job) error
}

// Registry receives imported artifacts. *catalog.Catalog implements it.
type Registry interface {
	Register(ctx context.Context, artifacts ...catalog.Artifact) error
	DeleteByJob(ctx context.Context, id types.JobID) (int64, error)
}

// Config holds the settings of all adapters.
type Config struct {
	Python      string        `yaml:"python" env:"PYTHON"`
	GracePeriod time.Duration `yaml:"grace_period" env:"GRACE_PERIOD"`

	Generation  GenerationConfig  `yaml:"generation" envPrefix:"GENERATION_"`
	Scraping    ScrapingConfig    `yaml:"scraping" envPrefix:"SCRAPING_"`
	Training    TrainingConfig    `yaml:"training" envPrefix:"TRAINING_"`
	Remediation RemediationConfig `yaml:"remediation" envPrefix:"REMEDIATION_"`
}

// Sanitize fills defaults.
func (c *Config) Sanitize() {
	if c.Python == "" {
		c.Python = "python3"
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = runner.DefaultGracePeriod
	}
	c.Generation.sanitize()
	c.Scraping.sanitize()
	c.Training.sanitize()
	c.Remediation.sanitize()
}

// All builds the four adapters.
func All(cfg Config, ws Workspace, reg Registry) []Adapter {
	cfg.Sanitize()
	return []Adapter{
		NewGeneration(cfg, ws, reg),
		NewScraping(cfg, ws, reg),
		NewTraining(cfg, ws, reg),
		NewRemediation(cfg, ws, reg),
	}
}

// base carries what every adapter shares.
type base struct {
	domain    types.Domain
	exclusive bool
	timeout   time.Duration
	grace     time.Duration
	ws        Workspace
	reg       Registry
}

func (b *base) Domain() types.Domain    { return b.domain }
func (b *base) ResourceExclusive() bool { return b.exclusive }

// command fills the fields common to every adapter.
func (b *base) command(job types.Job, dir, path string, args []string, env ...string) runner.Command {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = b.timeout
	}
	return runner.Command{
		Path:        path,
		Args:        args,
		Dir:         dir,
		Env:         env,
		Timeout:     timeout,
		GracePeriod: b.grace,
	}
}

func (b *base) register(ctx context.Context, artifacts ...catalog.Artifact) error {
	if b.reg == nil {
		return nil
	}
	if err := b.reg.Register(ctx, artifacts...); err != nil {
		return importErr("register artifacts: %w", err)
	}
	return nil
}

// CleanupArtifacts removes the stored files, the workspace and catalog rows.
func (b *base) CleanupArtifacts(ctx context.Context, job types.Job) error {
	if err := b.ws.Remove(job); err != nil {
		return err
	}
	if b.reg != nil {
		if _, err := b.reg.DeleteByJob(ctx, job.ID); err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
	}
	log.Info("artifacts removed", "domain", job.Domain, "job_id", job.ID)
	return nil
}

func importErr(format string, args ...any) error {
	return fmt.Errorf("%w: %w", ErrArtifactImport, fmt.Errorf(format, args...))
}

func paramErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParams, fmt.Sprintf(format, args...))
}
