package adapter

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/ChuLiYu/studio-jobs/pkg/types"
)

// Workspace lays out job directories under Root:
//
//	<root>/work/<domain>/<job>   scratch space the process writes into
//	<root>/store/<domain>/<job>  permanent home of imported artifacts
type Workspace struct {
	Root string
}

// WorkDir is the scratch directory of job.
func (w Workspace) WorkDir(job types.Job) string {
	return filepath.Join(w.Root, "work", string(job.Domain), string(job.ID))
}

// StoreDir is the permanent directory of job.
func (w Workspace) StoreDir(job types.Job) string {
	return filepath.Join(w.Root, "store", string(job.Domain), string(job.ID))
}

// Prepare creates an empty scratch directory for job.
func (w Workspace) Prepare(job types.Job) (string, error) {
	dir := w.WorkDir(job)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("workspace: reset %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("workspace: create %s: %w", dir, err)
	}
	return dir, nil
}

// Glob returns files in the scratch directory (recursively) whose lower-cased
// extension is one of exts, sorted by path.
func (w Workspace) Glob(job types.Job, exts ...string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(w.WorkDir(job), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		for _, e := range exts {
			if ext == e {
				out = append(out, path)
				break
			}
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

// MoveIntoStore moves files from the scratch directory into the store,
// keeping their path relative to the scratch directory. It returns the new
// paths in the same order.
func (w Workspace) MoveIntoStore(job types.Job, files []string) ([]string, error) {
	work, store := w.WorkDir(job), w.StoreDir(job)
	moved := make([]string, 0, len(files))
	for _, src := range files {
		rel, err := filepath.Rel(work, src)
		if err != nil || strings.HasPrefix(rel, "..") {
			return moved, fmt.Errorf("workspace: %s is outside %s", src, work)
		}
		dst := filepath.Join(store, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return moved, err
		}
		if err := moveFile(src, dst); err != nil {
			return moved, fmt.Errorf("workspace: move %s: %w", rel, err)
		}
		moved = append(moved, dst)
	}
	return moved, nil
}

// Remove deletes the scratch and store directories of job.
func (w Workspace) Remove(job types.Job) error {
	return errors.Join(
		os.RemoveAll(w.StoreDir(job)),
		os.RemoveAll(w.WorkDir(job)),
	)
}

// moveFile renames src to dst, copying when they are on different devices.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func fileSize(path string) int64 {
	if st, err := os.Stat(path); err == nil {
		return st.Size()
	}
	return 0
}
