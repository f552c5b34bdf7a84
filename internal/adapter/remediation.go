package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ChuLiYu/studio-jobs/internal/catalog"
	"github.com/ChuLiYu/studio-jobs/internal/progress"
	"github.com/ChuLiYu/studio-jobs/internal/runner"
	"github.com/ChuLiYu/studio-jobs/pkg/types"
)

// RemediationConfig configures the sandboxed remediation agent.
type RemediationConfig struct {
	DockerBin string        `yaml:"docker_bin" env:"DOCKER_BIN"`
	Image     string        `yaml:"image" env:"IMAGE"`
	Memory    string        `yaml:"memory" env:"MEMORY"`
	CPUs      string        `yaml:"cpus" env:"CPUS"`
	Network   string        `yaml:"network" env:"NETWORK"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

func (c *RemediationConfig) sanitize() {
	if c.DockerBin == "" {
		c.DockerBin = "docker"
	}
	if c.Image == "" {
		c.Image = "studio-remediator:latest"
	}
	if c.Memory == "" {
		c.Memory = "4g"
	}
	if c.CPUs == "" {
		c.CPUs = "2"
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Hour
	}
}

// stopTimeout bounds the docker rm -f issued by StopJob.
const stopTimeout = 30 * time.Second

// ResultFile is written by the agent into the workspace root.
const ResultFile = "result.json"

var remStage = regexp.MustCompile(`^\[(clone|analyze|patch|test|commit)\]`)

// stage markers and the percent reached when they appear
var remStages = map[string]float64{
	"clone":   10,
	"analyze": 30,
	"patch":   60,
	"test":    80,
	"commit":  95,
}

type remediationResult struct {
	Commit  string `json:"commit"`
	Summary string `json:"summary,omitempty"`
}

// Remediation runs the coding agent inside a throwaway container.
type Remediation struct {
	base
	cfg RemediationConfig
}

func NewRemediation(cfg Config, ws Workspace, reg Registry) *Remediation {
	cfg.Sanitize()
	return &Remediation{
		base: base{
			domain:  types.DomainRemediation,
			timeout: cfg.Remediation.Timeout,
			grace:   cfg.GracePeriod,
			ws:      ws,
			reg:     reg,
		},
		cfg: cfg.Remediation,
	}
}

func (r *Remediation) Validate(params map[string]any) error {
	job := types.Job{Params: params}
	if strings.TrimSpace(job.StringParam("bug_report", "")) == "" {
		return paramErr("bug_report is required")
	}
	return nil
}

// BuildCommand passes the bug report through the environment so it never
// appears on the docker command line.
func (r *Remediation) BuildCommand(job types.Job) (runner.Command, error) {
	if err := r.Validate(job.Params); err != nil {
		return runner.Command{}, err
	}
	dir, err := r.ws.Prepare(job)
	if err != nil {
		return runner.Command{}, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return runner.Command{}, err
	}

	args := []string{
		"run", "--rm",
		"--name", ContainerName(job.ID),
		"--memory", r.cfg.Memory,
		"--cpus", r.cfg.CPUs,
		"-v", abs + ":/workspace",
		"-e", "BUG_REPORT",
		"-e", "REPO",
		"-e", "BRANCH",
	}
	if r.cfg.Network != "" {
		args = append(args, "--network", r.cfg.Network)
	}
	args = append(args, r.cfg.Image)

	return r.command(job, dir, r.cfg.DockerBin, args,
		"BUG_REPORT="+job.StringParam("bug_report", ""),
		"REPO="+job.StringParam("repo", ""),
		"BRANCH="+job.StringParam("branch", "main"),
	), nil
}

// ContainerName is the docker name of the container running job id.
func ContainerName(id types.JobID) string {
	return "studiojobs-" + string(id)
}

var _ Stopper = (*Remediation)(nil)

// StopJob force-removes the job's container. Killing the docker client does
// not stop the container it started.
func (r *Remediation) StopJob(ctx context.Context, job types.Job) error {
	res, err := runner.Run(ctx, runner.Command{
		Path:    r.cfg.DockerBin,
		Args:    []string{"rm", "-f", ContainerName(job.ID)},
		Timeout: stopTimeout,
	}, nil)
	if err != nil {
		return fmt.Errorf("docker rm %s: %w", ContainerName(job.ID), err)
	}
	if !res.Success() {
		// --rm already removed it, or it never started
		log.Debug("container not removed", "job_id", job.ID, "exit_code", res.ExitCode)
		return nil
	}
	log.Info("container removed", "job_id", job.ID, "container", ContainerName(job.ID))
	return nil
}

func (r *Remediation) Parser(types.Job) *progress.Parser {
	return progress.New(
		progress.Regexp(remStage, func(m []string, s progress.State) (progress.State, bool) {
			s.Stage = m[1]
			s.Percent = remStages[m[1]]
			return s, true
		}),
	)
}

// ImportArtifacts reads the commit the agent produced.
func (r *Remediation) ImportArtifacts(ctx context.Context, job types.Job) (string, error) {
	data, err := os.ReadFile(filepath.Join(r.ws.WorkDir(job), ResultFile))
	if err != nil {
		return "", importErr("read %s: %w", ResultFile, err)
	}
	var res remediationResult
	if err := json.Unmarshal(data, &res); err != nil {
		return "", importErr("decode %s: %w", ResultFile, err)
	}
	sha := strings.TrimSpace(res.Commit)
	if sha == "" {
		return "", importErr("%s has no commit", ResultFile)
	}

	ref := "commit:" + sha
	if err := r.register(ctx, catalog.Artifact{
		JobID:  job.ID,
		Domain: job.Domain,
		Kind:   catalog.KindCommit,
		Path:   ref,
	}); err != nil {
		return "", err
	}
	if res.Summary != "" {
		log.Info("remediation committed", "job_id", job.ID, "commit", sha, "summary", res.Summary)
	}
	return ref, nil
}
