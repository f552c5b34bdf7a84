package adapter

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/studio-jobs/internal/catalog"
	"github.com/ChuLiYu/studio-jobs/internal/progress"
	"github.com/ChuLiYu/studio-jobs/pkg/types"
)

func setup(t *testing.T) (Workspace, *catalog.Catalog) {
	t.Helper()
	cat, err := catalog.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	return Workspace{Root: t.TempDir()}, cat
}

func testJob(domain types.Domain, params map[string]any) types.Job {
	return types.Job{ID: types.JobID("job-" + string(domain)), Domain: domain, Status: types.StatusRunning, Params: params}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func feed(p *progress.Parser, lines ...string) progress.State {
	var s progress.State
	for _, l := range lines {
		s = p.ParseLine(l, s)
	}
	return s
}

func TestAllDomainsAndExclusivity(t *testing.T) {
	ws, cat := setup(t)
	got := map[types.Domain]bool{}
	for _, a := range All(Config{}, ws, cat) {
		got[a.Domain()] = a.ResourceExclusive()
	}
	assert.Equal(t, map[types.Domain]bool{
		types.DomainGeneration:  true,
		types.DomainScraping:    false,
		types.DomainTraining:    true,
		types.DomainRemediation: false,
	}, got)
}

func TestValidate(t *testing.T) {
	ws, cat := setup(t)
	cfg := Config{}
	tests := []struct {
		name    string
		adapter Adapter
		params  map[string]any
		ok      bool
	}{
		{"generation ok", NewGeneration(cfg, ws, cat), map[string]any{"prompt": "a cat", "steps": 20}, true},
		{"generation no prompt", NewGeneration(cfg, ws, cat), map[string]any{"steps": 20}, false},
		{"generation bad width", NewGeneration(cfg, ws, cat), map[string]any{"prompt": "a cat", "width": float64(0)}, false},
		{"scraping ok", NewScraping(cfg, ws, cat), map[string]any{"url": "https://example.com/gallery"}, true},
		{"scraping no url", NewScraping(cfg, ws, cat), map[string]any{}, false},
		{"scraping relative url", NewScraping(cfg, ws, cat), map[string]any{"url": "/gallery"}, false},
		{"scraping ftp", NewScraping(cfg, ws, cat), map[string]any{"url": "ftp://example.com"}, false},
		{"training ok", NewTraining(cfg, ws, cat), map[string]any{"dataset": "/store/scraping/x"}, true},
		{"training no dataset", NewTraining(cfg, ws, cat), nil, false},
		{"training bad lr", NewTraining(cfg, ws, cat), map[string]any{"dataset": "d", "learning_rate": -1.0}, false},
		{"remediation ok", NewRemediation(cfg, ws, cat), map[string]any{"bug_report": "login fails"}, true},
		{"remediation blank", NewRemediation(cfg, ws, cat), map[string]any{"bug_report": "   "}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.adapter.Validate(tt.params)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidParams)
			}
		})
	}
}

func TestGenerationBuildCommand(t *testing.T) {
	ws, cat := setup(t)
	g := NewGeneration(Config{Python: "/usr/bin/python3", GracePeriod: 2 * time.Second}, ws, cat)
	job := testJob(types.DomainGeneration, map[string]any{"prompt": "a red fox", "steps": float64(12), "seed": 7})

	cmd, err := g.BuildCommand(job)
	require.NoError(t, err)

	assert.Equal(t, "/usr/bin/python3", cmd.Path)
	assert.Equal(t, ws.WorkDir(job), cmd.Dir)
	assert.DirExists(t, cmd.Dir)
	assert.Equal(t, 30*time.Minute, cmd.Timeout, "default timeout")
	assert.Equal(t, 2*time.Second, cmd.GracePeriod)

	args := strings.Join(cmd.Args, " ")
	assert.Contains(t, args, "--prompt a red fox")
	assert.Contains(t, args, "--steps 12")
	assert.Contains(t, args, "--seed 7")
	assert.NotContains(t, args, "--negative-prompt")

	job.Timeout = time.Minute
	cmd, err = g.BuildCommand(job)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cmd.Timeout, "job timeout wins")
}

func TestBuildCommandRejectsInvalidParams(t *testing.T) {
	ws, cat := setup(t)
	g := NewGeneration(Config{}, ws, cat)
	_, err := g.BuildCommand(testJob(types.DomainGeneration, nil))
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestRemediationBuildCommand(t *testing.T) {
	ws, cat := setup(t)
	r := NewRemediation(Config{Remediation: RemediationConfig{Memory: "2g", CPUs: "1"}}, ws, cat)
	job := testJob(types.DomainRemediation, map[string]any{"bug_report": "secret stack trace", "repo": "git@example.com:app.git"})

	cmd, err := r.BuildCommand(job)
	require.NoError(t, err)

	assert.Equal(t, "docker", cmd.Path)
	assert.Equal(t, []string{"run", "--rm", "--name", "studiojobs-" + string(job.ID)}, cmd.Args[:4])
	assert.Contains(t, cmd.Args, "2g")
	assert.Contains(t, cmd.Args, "studio-remediator:latest")
	for _, a := range cmd.Args {
		assert.NotContains(t, a, "secret stack trace")
	}
	assert.Contains(t, cmd.Env, "BUG_REPORT=secret stack trace")
	assert.Contains(t, cmd.Env, "BRANCH=main")
}

// fakeDocker writes a docker stand-in that appends its arguments to a log
// file and exits with code.
func fakeDocker(t *testing.T, code int) (bin, calls string) {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	dir := t.TempDir()
	bin = filepath.Join(dir, "docker")
	calls = filepath.Join(dir, "calls")
	script := fmt.Sprintf("#!%s\necho \"$@\" >> %s\nexit %d\n", sh, calls, code)
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return bin, calls
}

func TestRemediationStopJob(t *testing.T) {
	ws, cat := setup(t)
	job := testJob(types.DomainRemediation, map[string]any{"bug_report": "x"})
	ctx := context.Background()

	t.Run("removes container", func(t *testing.T) {
		bin, calls := fakeDocker(t, 0)
		r := NewRemediation(Config{Remediation: RemediationConfig{DockerBin: bin}}, ws, cat)

		require.NoError(t, r.StopJob(ctx, job))
		data, err := os.ReadFile(calls)
		require.NoError(t, err)
		assert.Equal(t, "rm -f "+ContainerName(job.ID)+"\n", string(data))
	})

	t.Run("container already gone", func(t *testing.T) {
		bin, _ := fakeDocker(t, 1)
		r := NewRemediation(Config{Remediation: RemediationConfig{DockerBin: bin}}, ws, cat)
		assert.NoError(t, r.StopJob(ctx, job))
	})

	t.Run("docker missing", func(t *testing.T) {
		r := NewRemediation(Config{Remediation: RemediationConfig{DockerBin: filepath.Join(t.TempDir(), "nope")}}, ws, cat)
		assert.Error(t, r.StopJob(ctx, job))
	})
}

func TestGenerationParser(t *testing.T) {
	ws, cat := setup(t)
	p := NewGeneration(Config{}, ws, cat).Parser(types.Job{})

	s := feed(p, "Loading model stabilityai/sdxl")
	assert.Equal(t, "loading", s.Stage)
	assert.Zero(t, s.Percent)

	s = p.ParseLine(" 40%|████      | 12/30 [00:04<00:06]", s)
	assert.Equal(t, "generating", s.Stage)
	assert.InDelta(t, 38.0, s.Percent, 0.001)

	s = p.ParseLine("step 30/30", s)
	assert.InDelta(t, 95.0, s.Percent, 0.001)

	s = p.ParseLine("Saved image out/0001.png", s)
	assert.Equal(t, "saving", s.Stage)
	assert.Equal(t, 1, s.Counter("images"))
	assert.InDelta(t, 95.0, s.Percent, 0.001)
}

func TestScrapingParser(t *testing.T) {
	ws, cat := setup(t)
	sc := NewScraping(Config{}, ws, cat)

	s := feed(sc.Parser(types.Job{}), "Discovered 12 images", "Downloaded 12/12 images")
	assert.Equal(t, 12, s.Counter("discovered"))
	assert.InDelta(t, 100.0, s.Percent, 0.001)

	captioned := sc.Parser(types.Job{Params: map[string]any{"caption": true}})
	s = feed(captioned, "Discovered 10 images", "Downloaded 10/10 images")
	assert.InDelta(t, 70.0, s.Percent, 0.001)
	s = captioned.ParseLine("Captioned 5/10 images", s)
	assert.Equal(t, "captioning", s.Stage)
	assert.InDelta(t, 85.0, s.Percent, 0.001)
	assert.Equal(t, 5, s.Counter("captioned"))
}

func TestTrainingParser(t *testing.T) {
	ws, cat := setup(t)
	p := NewTraining(Config{}, ws, cat).Parser(types.Job{})

	s := feed(p, "epoch 1/4", "step 250/1000 loss=0.12")
	assert.Equal(t, 1, s.Counter("epoch"))
	assert.Equal(t, 4, s.Counter("epochs"))
	assert.Equal(t, 250, s.Counter("step"))
	assert.InDelta(t, 25.0, s.Percent, 0.001)

	s = p.ParseLine("Saving checkpoint to out/step-250.safetensors", s)
	assert.Equal(t, "saving", s.Stage)
	assert.InDelta(t, 25.0, s.Percent, 0.001)
}

func TestRemediationParser(t *testing.T) {
	ws, cat := setup(t)
	p := NewRemediation(Config{}, ws, cat).Parser(types.Job{})

	s := feed(p, "[clone] cloning repo", "[analyze] reading stack trace", "[patch] editing auth.go")
	assert.Equal(t, "patch", s.Stage)
	assert.InDelta(t, 60.0, s.Percent, 0.001)

	s = p.ParseLine("running go test ./...", s)
	assert.Equal(t, "patch", s.Stage)
	assert.Equal(t, "running go test ./...", s.Message)
}

func TestGenerationImport(t *testing.T) {
	ws, cat := setup(t)
	g := NewGeneration(Config{}, ws, cat)
	job := testJob(types.DomainGeneration, map[string]any{"prompt": "x"})
	ctx := context.Background()

	_, err := ws.Prepare(job)
	require.NoError(t, err)
	writeFile(t, filepath.Join(ws.WorkDir(job), "0001.png"), "png1")
	writeFile(t, filepath.Join(ws.WorkDir(job), "0002.PNG"), "png2")
	writeFile(t, filepath.Join(ws.WorkDir(job), "log.txt"), "ignored")

	ref, err := g.ImportArtifacts(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, ws.StoreDir(job), ref)
	assert.FileExists(t, filepath.Join(ws.StoreDir(job), "0001.png"))
	assert.NoFileExists(t, filepath.Join(ws.WorkDir(job), "0001.png"))

	rows, err := cat.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, catalog.KindImage, rows[0].Kind)
	assert.Equal(t, int64(4), rows[0].Size)
}

func TestImportFailsWithoutOutput(t *testing.T) {
	ws, cat := setup(t)
	ctx := context.Background()

	for _, a := range All(Config{}, ws, cat) {
		t.Run(string(a.Domain()), func(t *testing.T) {
			job := testJob(a.Domain(), nil)
			_, err := ws.Prepare(job)
			require.NoError(t, err)

			_, err = a.ImportArtifacts(ctx, job)
			assert.ErrorIs(t, err, ErrArtifactImport)
		})
	}
}

func TestScrapingImport(t *testing.T) {
	ws, cat := setup(t)
	sc := NewScraping(Config{}, ws, cat)
	job := testJob(types.DomainScraping, map[string]any{"url": "https://example.com"})
	ctx := context.Background()

	_, err := ws.Prepare(job)
	require.NoError(t, err)
	work := ws.WorkDir(job)
	writeFile(t, filepath.Join(work, "images", "a.jpg"), "a")
	writeFile(t, filepath.Join(work, "images", "a.txt"), "a caption")
	writeFile(t, filepath.Join(work, "images", "b.webp"), "b")

	ref, err := sc.ImportArtifacts(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, ws.StoreDir(job), ref)
	assert.FileExists(t, filepath.Join(ref, "images", "a.txt"))

	rows, err := cat.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, catalog.KindDataset, rows[0].Kind)
}

func TestScrapingImportCaptionsOnly(t *testing.T) {
	ws, cat := setup(t)
	sc := NewScraping(Config{}, ws, cat)
	job := testJob(types.DomainScraping, nil)

	_, err := ws.Prepare(job)
	require.NoError(t, err)
	writeFile(t, filepath.Join(ws.WorkDir(job), "a.txt"), "orphan caption")

	_, err = sc.ImportArtifacts(context.Background(), job)
	assert.ErrorIs(t, err, ErrArtifactImport)
}

func TestTrainingImportPicksNewest(t *testing.T) {
	ws, cat := setup(t)
	tr := NewTraining(Config{}, ws, cat)
	job := testJob(types.DomainTraining, map[string]any{"dataset": "d"})
	ctx := context.Background()

	_, err := ws.Prepare(job)
	require.NoError(t, err)
	work := ws.WorkDir(job)
	old := filepath.Join(work, "step-500.safetensors")
	final := filepath.Join(work, "lora.safetensors")
	writeFile(t, old, "old")
	writeFile(t, final, "final")
	now := time.Now()
	require.NoError(t, os.Chtimes(old, now.Add(-time.Hour), now.Add(-time.Hour)))
	require.NoError(t, os.Chtimes(final, now, now))

	ref, err := tr.ImportArtifacts(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.StoreDir(job), "lora.safetensors"), ref)

	rows, err := cat.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	kinds := map[string]string{}
	for _, r := range rows {
		kinds[filepath.Base(r.Path)] = r.Kind
	}
	assert.Equal(t, map[string]string{
		"lora.safetensors":     catalog.KindWeights,
		"step-500.safetensors": catalog.KindCheckpoint,
	}, kinds)
}

func TestRemediationImport(t *testing.T) {
	ws, cat := setup(t)
	r := NewRemediation(Config{}, ws, cat)
	ctx := context.Background()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"commit", `{"commit":"4f2a9c1","summary":"fix nil map"}`, "commit:4f2a9c1"},
		{"no commit", `{"summary":"gave up"}`, ""},
		{"garbage", `not json`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := testJob(types.DomainRemediation, nil)
			job.ID = types.JobID("rem-" + strings.ReplaceAll(tt.name, " ", "-"))
			_, err := ws.Prepare(job)
			require.NoError(t, err)
			writeFile(t, filepath.Join(ws.WorkDir(job), ResultFile), tt.content)

			ref, err := r.ImportArtifacts(ctx, job)
			if tt.want == "" {
				assert.ErrorIs(t, err, ErrArtifactImport)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ref)
		})
	}
}

func TestCleanupArtifacts(t *testing.T) {
	ws, cat := setup(t)
	g := NewGeneration(Config{}, ws, cat)
	job := testJob(types.DomainGeneration, map[string]any{"prompt": "x"})
	ctx := context.Background()

	_, err := ws.Prepare(job)
	require.NoError(t, err)
	writeFile(t, filepath.Join(ws.WorkDir(job), "a.png"), "a")
	_, err = g.ImportArtifacts(ctx, job)
	require.NoError(t, err)

	require.NoError(t, g.CleanupArtifacts(ctx, job))
	assert.NoDirExists(t, ws.StoreDir(job))
	assert.NoDirExists(t, ws.WorkDir(job))
	rows, err := cat.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)

	assert.NoError(t, g.CleanupArtifacts(ctx, job), "second cleanup finds nothing to remove")
}

func TestMoveIntoStoreRejectsOutsideFiles(t *testing.T) {
	ws := Workspace{Root: t.TempDir()}
	job := testJob(types.DomainScraping, nil)
	_, err := ws.MoveIntoStore(job, []string{filepath.Join(ws.Root, "elsewhere.jpg")})
	assert.Error(t, err)
}
