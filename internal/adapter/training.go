package adapter

import (
	"context"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/ChuLiYu/studio-jobs/internal/catalog"
	"github.com/ChuLiYu/studio-jobs/internal/progress"
	"github.com/ChuLiYu/studio-jobs/internal/runner"
	"github.com/ChuLiYu/studio-jobs/pkg/types"
)

// TrainingConfig configures the LoRA trainer script.
type TrainingConfig struct {
	Script    string        `yaml:"script" env:"SCRIPT"`
	BaseModel string        `yaml:"base_model" env:"BASE_MODEL"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

func (c *TrainingConfig) sanitize() {
	if c.Script == "" {
		c.Script = "scripts/train_lora.py"
	}
	if c.BaseModel == "" {
		c.BaseModel = "stabilityai/stable-diffusion-xl-base-1.0"
	}
	if c.Timeout <= 0 {
		c.Timeout = 6 * time.Hour
	}
}

var (
	trnStep  = regexp.MustCompile(`(?i)\bstep (\d+)/(\d+)`)
	trnEpoch = regexp.MustCompile(`(?i)\bepoch (\d+)/(\d+)`)
	trnSave  = regexp.MustCompile(`(?i)saving checkpoint`)
)

// Training fine-tunes a model on a dataset. It needs the GPU.
type Training struct {
	base
	python string
	cfg    TrainingConfig
}

func NewTraining(cfg Config, ws Workspace, reg Registry) *Training {
	cfg.Sanitize()
	return &Training{
		base: base{
			domain:    types.DomainTraining,
			exclusive: true,
			timeout:   cfg.Training.Timeout,
			grace:     cfg.GracePeriod,
			ws:        ws,
			reg:       reg,
		},
		python: cfg.Python,
		cfg:    cfg.Training,
	}
}

func (t *Training) Validate(params map[string]any) error {
	job := types.Job{Params: params}
	if job.StringParam("dataset", "") == "" {
		return paramErr("dataset is required")
	}
	if steps := job.IntParam("steps", 1); steps <= 0 {
		return paramErr("steps must be positive, got %d", steps)
	}
	if lr := job.FloatParam("learning_rate", 1e-4); lr <= 0 {
		return paramErr("learning_rate must be positive, got %g", lr)
	}
	return nil
}

func (t *Training) BuildCommand(job types.Job) (runner.Command, error) {
	if err := t.Validate(job.Params); err != nil {
		return runner.Command{}, err
	}
	dir, err := t.ws.Prepare(job)
	if err != nil {
		return runner.Command{}, err
	}

	args := []string{
		t.cfg.Script,
		"--dataset", job.StringParam("dataset", ""),
		"--base-model", job.StringParam("base_model", t.cfg.BaseModel),
		"--steps", strconv.Itoa(job.IntParam("steps", 1000)),
		"--learning-rate", strconv.FormatFloat(job.FloatParam("learning_rate", 1e-4), 'g', -1, 64),
		"--rank", strconv.Itoa(job.IntParam("rank", 16)),
		"--output", dir,
	}
	return t.command(job, dir, t.python, args, "PYTHONUNBUFFERED=1"), nil
}

func (t *Training) Parser(types.Job) *progress.Parser {
	return progress.New(
		progress.Fraction(trnStep, "training", 0, 100).Counting("step", "steps"),
		progress.Regexp(trnEpoch, func(m []string, s progress.State) (progress.State, bool) {
			epoch, err1 := strconv.Atoi(m[1])
			epochs, err2 := strconv.Atoi(m[2])
			if err1 != nil || err2 != nil {
				return s, false
			}
			s = s.WithCounter("epoch", epoch).WithCounter("epochs", epochs)
			s.Stage = "training"
			return s, true
		}),
		progress.Stage(trnSave, "saving"),
	)
}

// ImportArtifacts stores every safetensors file. The most recently written
// one is the final weights, the others are intermediate checkpoints.
func (t *Training) ImportArtifacts(ctx context.Context, job types.Job) (string, error) {
	files, err := t.ws.Glob(job, ".safetensors")
	if err != nil {
		return "", importErr("scan workspace: %w", err)
	}
	if len(files) == 0 {
		return "", importErr("no weights produced")
	}

	newest, newestMod := 0, time.Time{}
	for i, f := range files {
		st, err := os.Stat(f)
		if err != nil {
			return "", importErr("stat %s: %w", f, err)
		}
		if st.ModTime().After(newestMod) {
			newest, newestMod = i, st.ModTime()
		}
	}

	stored, err := t.ws.MoveIntoStore(job, files)
	if err != nil {
		return "", importErr("%w", err)
	}

	artifacts := make([]catalog.Artifact, 0, len(stored))
	for i, p := range stored {
		kind := catalog.KindCheckpoint
		if i == newest {
			kind = catalog.KindWeights
		}
		artifacts = append(artifacts, catalog.Artifact{
			JobID:  job.ID,
			Domain: job.Domain,
			Kind:   kind,
			Path:   p,
			Size:   fileSize(p),
		})
	}
	if err := t.register(ctx, artifacts...); err != nil {
		return "", err
	}
	return stored[newest], nil
}
