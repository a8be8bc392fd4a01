package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/templatehive/scraper/internal/gallery"
)

// RunCheckpoint is the persisted snapshot of a scrape run. Saving it after
// every batch fan-in bounds the loss on a crash to the in-flight batch.
type RunCheckpoint struct {
	ID         uuid.UUID
	Status     gallery.RunStatus
	Total      int
	Processed  int
	Successful int
	Failed     int
	Skipped    int
	Remaining  []string
	Paused     []string
	StartedAt  time.Time
	UpdatedAt  time.Time
}

const upsertRunSQL = `
INSERT INTO scrape_runs (
	id, status, total, processed, successful, failed, skipped,
	remaining, paused, started_at, updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	total = EXCLUDED.total,
	processed = EXCLUDED.processed,
	successful = EXCLUDED.successful,
	failed = EXCLUDED.failed,
	skipped = EXCLUDED.skipped,
	remaining = EXCLUDED.remaining,
	paused = EXCLUDED.paused,
	updated_at = EXCLUDED.updated_at`

const selectRunSQL = `
SELECT id, status, total, processed, successful, failed, skipped,
	remaining, paused, started_at, updated_at
FROM scrape_runs`

// SaveRun upserts a checkpoint row.
func (c *Catalog) SaveRun(ctx context.Context, cp RunCheckpoint) error {
	if cp.ID == uuid.Nil {
		return fmt.Errorf("run id is required")
	}
	remaining, err := json.Marshal(emptyIfNil(cp.Remaining))
	if err != nil {
		return fmt.Errorf("marshal remaining: %w", err)
	}
	paused, err := json.Marshal(emptyIfNil(cp.Paused))
	if err != nil {
		return fmt.Errorf("marshal paused: %w", err)
	}
	_, err = c.pool.Exec(ctx, upsertRunSQL,
		cp.ID,
		string(cp.Status),
		cp.Total,
		cp.Processed,
		cp.Successful,
		cp.Failed,
		cp.Skipped,
		remaining,
		paused,
		cp.StartedAt,
		cp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert scrape run: %w", err)
	}
	return nil
}

// GetRun loads one checkpoint by id.
func (c *Catalog) GetRun(ctx context.Context, id uuid.UUID) (RunCheckpoint, error) {
	row := c.pool.QueryRow(ctx, selectRunSQL+" WHERE id = $1", id)
	cp, err := scanRun(row)
	if err != nil {
		return RunCheckpoint{}, fmt.Errorf("get scrape run: %w", err)
	}
	return cp, nil
}

// ListInterrupted returns runs left in the running state by a previous
// process, ordered oldest first. They are candidates for resume.
func (c *Catalog) ListInterrupted(ctx context.Context) ([]RunCheckpoint, error) {
	rows, err := c.pool.Query(ctx, selectRunSQL+" WHERE status = $1 ORDER BY updated_at", string(gallery.RunRunning))
	if err != nil {
		return nil, fmt.Errorf("list interrupted runs: %w", err)
	}
	defer rows.Close()

	var out []RunCheckpoint
	for rows.Next() {
		cp, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan interrupted run: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interrupted runs: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (RunCheckpoint, error) {
	var (
		cp        RunCheckpoint
		status    string
		remaining []byte
		paused    []byte
	)
	err := row.Scan(
		&cp.ID,
		&status,
		&cp.Total,
		&cp.Processed,
		&cp.Successful,
		&cp.Failed,
		&cp.Skipped,
		&remaining,
		&paused,
		&cp.StartedAt,
		&cp.UpdatedAt,
	)
	if err != nil {
		return RunCheckpoint{}, err
	}
	cp.Status = gallery.RunStatus(status)
	if err := json.Unmarshal(remaining, &cp.Remaining); err != nil {
		return RunCheckpoint{}, fmt.Errorf("unmarshal remaining: %w", err)
	}
	if err := json.Unmarshal(paused, &cp.Paused); err != nil {
		return RunCheckpoint{}, fmt.Errorf("unmarshal paused: %w", err)
	}
	return cp, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
