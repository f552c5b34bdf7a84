package adapter

import (
	"context"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/studio-jobs/internal/catalog"
	"github.com/ChuLiYu/studio-jobs/internal/progress"
	"github.com/ChuLiYu/studio-jobs/internal/runner"
	"github.com/ChuLiYu/studio-jobs/pkg/types"
)

// ScrapingConfig configures the scraper binary.
type ScrapingConfig struct {
	Bin       string        `yaml:"bin" env:"BIN"`
	MaxImages int           `yaml:"max_images" env:"MAX_IMAGES"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

func (c *ScrapingConfig) sanitize() {
	if c.Bin == "" {
		c.Bin = "studio-scraper"
	}
	if c.MaxImages <= 0 {
		c.MaxImages = 500
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Hour
	}
}

var (
	scrDiscovered = regexp.MustCompile(`(?i)discovered (\d+) images?`)
	scrDownloaded = regexp.MustCompile(`(?i)downloaded (\d+)/(\d+) images?`)
	scrCaptioned  = regexp.MustCompile(`(?i)captioned (\d+)/(\d+) images?`)

	imageExts   = []string{".jpg", ".jpeg", ".png", ".webp"}
	captionExts = []string{".txt"}
)

// Scraping crawls a site for images and optionally captions them.
type Scraping struct {
	base
	cfg ScrapingConfig
}

func NewScraping(cfg Config, ws Workspace, reg Registry) *Scraping {
	cfg.Sanitize()
	return &Scraping{
		base: base{
			domain:  types.DomainScraping,
			timeout: cfg.Scraping.Timeout,
			grace:   cfg.GracePeriod,
			ws:      ws,
			reg:     reg,
		},
		cfg: cfg.Scraping,
	}
}

func (s *Scraping) Validate(params map[string]any) error {
	job := types.Job{Params: params}
	raw := job.StringParam("url", "")
	if raw == "" {
		return paramErr("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return paramErr("url must be an absolute http(s) URL, got %q", raw)
	}
	if d := job.IntParam("depth", 1); d < 0 {
		return paramErr("depth must not be negative, got %d", d)
	}
	return nil
}

func (s *Scraping) BuildCommand(job types.Job) (runner.Command, error) {
	if err := s.Validate(job.Params); err != nil {
		return runner.Command{}, err
	}
	dir, err := s.ws.Prepare(job)
	if err != nil {
		return runner.Command{}, err
	}

	args := []string{
		"--url", job.StringParam("url", ""),
		"--depth", strconv.Itoa(job.IntParam("depth", 1)),
		"--max-images", strconv.Itoa(job.IntParam("max_images", s.cfg.MaxImages)),
		"--out", dir,
	}
	if job.BoolParam("caption", false) {
		args = append(args, "--caption")
	}
	return s.command(job, dir, s.cfg.Bin, args), nil
}

// Parser maps downloads onto the whole range, or onto 0..70 when captions
// follow in 70..100.
func (s *Scraping) Parser(job types.Job) *progress.Parser {
	downloadHi := 100.0
	if job.BoolParam("caption", false) {
		downloadHi = 70
	}
	return progress.New(
		progress.Count(scrDiscovered, "discovered", "discovering"),
		progress.Fraction(scrDownloaded, "downloading", 0, downloadHi).Counting("downloaded", "total"),
		progress.Fraction(scrCaptioned, "captioning", 70, 100).Counting("captioned", "total"),
	)
}

// ImportArtifacts stores the scraped images with their captions as a dataset.
func (s *Scraping) ImportArtifacts(ctx context.Context, job types.Job) (string, error) {
	files, err := s.ws.Glob(job, append(append([]string{}, imageExts...), captionExts...)...)
	if err != nil {
		return "", importErr("scan workspace: %w", err)
	}
	images := 0
	for _, f := range files {
		if !isCaption(f) {
			images++
		}
	}
	if images == 0 {
		return "", importErr("no images scraped")
	}

	stored, err := s.ws.MoveIntoStore(job, files)
	if err != nil {
		return "", importErr("%w", err)
	}

	dataset := s.ws.StoreDir(job)
	artifacts := []catalog.Artifact{{
		JobID:  job.ID,
		Domain: job.Domain,
		Kind:   catalog.KindDataset,
		Path:   dataset,
	}}
	for _, p := range stored {
		if isCaption(p) {
			continue
		}
		artifacts = append(artifacts, catalog.Artifact{
			JobID:  job.ID,
			Domain: job.Domain,
			Kind:   catalog.KindImage,
			Path:   p,
			Size:   fileSize(p),
		})
	}
	if err := s.register(ctx, artifacts...); err != nil {
		return "", err
	}
	log.Info("dataset imported", "job_id", job.ID, "images", images, "files", len(stored))
	return dataset, nil
}

func isCaption(path string) bool {
	for _, ext := range captionExts {
		if strings.HasSuffix(strings.ToLower(path), ext) {
			return true
		}
	}
	return false
}
