// Package catalog records imported artifacts in a sqlite database so the
// rest of the studio can find generated images, scraped datasets, trained
// weights and remediation commits by job.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ChuLiYu/studio-jobs/pkg/types"
)

// Artifact kinds
const (
	KindImage      = "image"
	KindDataset    = "dataset"
	KindWeights    = "weights"
	KindCommit     = "commit"
	KindCheckpoint = "checkpoint"
)

// Artifact is one durable output of a job.
type Artifact struct {
	ID        int64
	JobID     types.JobID
	Domain    types.Domain
	Kind      string
	Path      string // file path, or "commit:<sha>"
	Size      int64
	CreatedAt time.Time
}

// Catalog is the sqlite artifact table.
type Catalog struct {
	db *sql.DB
}

// Open opens (and creates) the catalog at path. ":memory:" is accepted for tests.
func Open(path string) (*Catalog, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("catalog: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
			db.Close()
			return nil, err
		}
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, err
	}

	c := &Catalog{db: db}
	if err := c.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS artifacts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		domain TEXT NOT NULL CHECK (domain IN ('generation','scraping','training','remediation')),
		kind TEXT NOT NULL,
		path TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		UNIQUE (job_id, path)
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_job_id ON artifacts(job_id);
	CREATE INDEX IF NOT EXISTS idx_artifacts_domain_created_at ON artifacts(domain, created_at);
	`
	_, err := c.db.ExecContext(ctx, schema)
	return err
}

// Register stores artifacts of one job atomically. Re-registering the same
// (job, path) pair updates it.
func (c *Catalog) Register(ctx context.Context, artifacts ...Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO artifacts (job_id, domain, kind, path, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id, path) DO UPDATE SET kind = excluded.kind, size = excluded.size`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, a := range artifacts {
		if _, err := stmt.ExecContext(ctx, string(a.JobID), string(a.Domain), a.Kind, a.Path, a.Size, now); err != nil {
			return fmt.Errorf("catalog: register %s: %w", a.Path, err)
		}
	}
	return tx.Commit()
}

// ListByJob returns the artifacts of a job in registration order.
func (c *Catalog) ListByJob(ctx context.Context, id types.JobID) ([]Artifact, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, job_id, domain, kind, path, size, created_at
		FROM artifacts WHERE job_id = ? ORDER BY id`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var (
			a         Artifact
			jobID     string
			domain    string
			createdAt int64
		)
		if err := rows.Scan(&a.ID, &jobID, &domain, &a.Kind, &a.Path, &a.Size, &createdAt); err != nil {
			return nil, err
		}
		a.JobID = types.JobID(jobID)
		a.Domain = types.Domain(domain)
		a.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteByJob removes the rows of a job and reports how many were deleted.
func (c *Catalog) DeleteByJob(ctx context.Context, id types.JobID) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM artifacts WHERE job_id = ?`, string(id))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountByDomain returns the number of artifacts per domain.
func (c *Catalog) CountByDomain(ctx context.Context) (map[types.Domain]int, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT domain, COUNT(*) FROM artifacts GROUP BY domain`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[types.Domain]int)
	for rows.Next() {
		var d string
		var n int
		if err := rows.Scan(&d, &n); err != nil {
			return nil, err
		}
		out[types.Domain(d)] = n
	}
	return out, rows.Err()
}
