package adapter

import (
	"context"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/ChuLiYu/studio-jobs/internal/catalog"
	"github.com/ChuLiYu/studio-jobs/internal/progress"
	"github.com/ChuLiYu/studio-jobs/internal/runner"
	"github.com/ChuLiYu/studio-jobs/pkg/types"
)

// GenerationConfig configures the image generation script.
type GenerationConfig struct {
	Script  string        `yaml:"script" env:"SCRIPT"`
	Model   string        `yaml:"model" env:"MODEL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

func (c *GenerationConfig) sanitize() {
	if c.Script == "" {
		c.Script = "scripts/generate.py"
	}
	if c.Model == "" {
		c.Model = "stabilityai/stable-diffusion-xl-base-1.0"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Minute
	}
}

var (
	genLoading = regexp.MustCompile(`(?i)^loading (model|pipeline)`)
	genTqdm    = regexp.MustCompile(`(\d{1,3})%\|`)
	genStep    = regexp.MustCompile(`(?i)\bstep (\d+)/(\d+)`)
	genSaved   = regexp.MustCompile(`(?i)^saved image\b`)
)

// Generation runs the diffusion script. It needs the GPU.
type Generation struct {
	base
	python string
	cfg    GenerationConfig
}

func NewGeneration(cfg Config, ws Workspace, reg Registry) *Generation {
	cfg.Sanitize()
	return &Generation{
		base: base{
			domain:    types.DomainGeneration,
			exclusive: true,
			timeout:   cfg.Generation.Timeout,
			grace:     cfg.GracePeriod,
			ws:        ws,
			reg:       reg,
		},
		python: cfg.Python,
		cfg:    cfg.Generation,
	}
}

func (g *Generation) Validate(params map[string]any) error {
	job := types.Job{Params: params}
	if job.StringParam("prompt", "") == "" {
		return paramErr("prompt is required")
	}
	for _, key := range []string{"steps", "width", "height"} {
		if v := job.IntParam(key, 1); v <= 0 {
			return paramErr("%s must be positive, got %d", key, v)
		}
	}
	return nil
}

func (g *Generation) BuildCommand(job types.Job) (runner.Command, error) {
	if err := g.Validate(job.Params); err != nil {
		return runner.Command{}, err
	}
	dir, err := g.ws.Prepare(job)
	if err != nil {
		return runner.Command{}, err
	}

	args := []string{
		g.cfg.Script,
		"--prompt", job.StringParam("prompt", ""),
		"--model", job.StringParam("model", g.cfg.Model),
		"--steps", strconv.Itoa(job.IntParam("steps", 30)),
		"--width", strconv.Itoa(job.IntParam("width", 1024)),
		"--height", strconv.Itoa(job.IntParam("height", 1024)),
		"--output", dir,
	}
	if neg := job.StringParam("negative_prompt", ""); neg != "" {
		args = append(args, "--negative-prompt", neg)
	}
	if seed := job.IntParam("seed", -1); seed >= 0 {
		args = append(args, "--seed", strconv.Itoa(seed))
	}
	return g.command(job, dir, g.python, args, "PYTHONUNBUFFERED=1"), nil
}

func (g *Generation) Parser(types.Job) *progress.Parser {
	return progress.New(
		progress.RuleFunc(func(line string, s progress.State) (progress.State, bool) {
			if !genLoading.MatchString(line) {
				return s, false
			}
			s.Stage = "loading"
			return s, true
		}),
		progress.Fraction(genTqdm, "generating", 0, 95),
		progress.Fraction(genStep, "generating", 0, 95),
		progress.RuleFunc(func(line string, s progress.State) (progress.State, bool) {
			if !genSaved.MatchString(line) {
				return s, false
			}
			s = s.WithCounter("images", s.Counter("images")+1)
			s.Stage = "saving"
			return s, true
		}),
	)
}

// ImportArtifacts moves the produced PNG files into the store.
func (g *Generation) ImportArtifacts(ctx context.Context, job types.Job) (string, error) {
	files, err := g.ws.Glob(job, ".png")
	if err != nil {
		return "", importErr("scan workspace: %w", err)
	}
	if len(files) == 0 {
		return "", importErr("no images produced")
	}
	stored, err := g.ws.MoveIntoStore(job, files)
	if err != nil {
		return "", importErr("%w", err)
	}

	artifacts := make([]catalog.Artifact, 0, len(stored))
	for _, p := range stored {
		artifacts = append(artifacts, catalog.Artifact{
			JobID:  job.ID,
			Domain: job.Domain,
			Kind:   catalog.KindImage,
			Path:   p,
			Size:   fileSize(p),
		})
	}
	if err := g.register(ctx, artifacts...); err != nil {
		return "", err
	}

	if len(stored) == 1 {
		return stored[0], nil
	}
	return filepath.Dir(stored[0]), nil
}
