package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/templatehive/scraper/internal/gallery"
)

const insertTemplateSQL = `
INSERT INTO templates (
	id,
	run_id,
	slug,
	source_url,
	name,
	author,
	categories,
	price_cents,
	description,
	screenshot_url,
	used_fallback_url,
	blank_screenshot,
	created_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)`

// SaveTemplates writes one batch of records inside a single transaction.
// Each record runs under its own savepoint: a per-record failure rolls back
// only that record and is reported in the returned slice (indexed like
// records), while the rest of the batch still commits. A busy-class error
// or a transaction-level failure aborts the whole batch and is returned as
// the second value so the caller can retry.
func (c *Catalog) SaveTemplates(ctx context.Context, records []gallery.Template) ([]error, error) {
	if len(records) == 0 {
		return nil, nil
	}
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin template batch: %w", err)
	}

	perRecord := make([]error, len(records))
	for i, rec := range records {
		savepoint := fmt.Sprintf("template_%d", i)
		if _, err := tx.Exec(ctx, "SAVEPOINT "+savepoint); err != nil {
			_ = tx.Rollback(ctx)
			return nil, fmt.Errorf("savepoint: %w", err)
		}
		if err := insertTemplate(ctx, tx, rec); err != nil {
			if IsBusy(err) {
				_ = tx.Rollback(ctx)
				return nil, fmt.Errorf("insert template %s: %w", rec.Slug, err)
			}
			if _, rbErr := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); rbErr != nil {
				_ = tx.Rollback(ctx)
				return nil, fmt.Errorf("rollback savepoint after %v: %w", err, rbErr)
			}
			perRecord[i] = fmt.Errorf("insert template %s: %w", rec.Slug, err)
			continue
		}
		if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT "+savepoint); err != nil {
			_ = tx.Rollback(ctx)
			return nil, fmt.Errorf("release savepoint: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit template batch: %w", err)
	}
	return perRecord, nil
}

func insertTemplate(ctx context.Context, tx executor, rec gallery.Template) error {
	categories, err := json.Marshal(rec.Categories)
	if err != nil {
		return fmt.Errorf("marshal categories: %w", err)
	}
	_, err = tx.Exec(ctx, insertTemplateSQL,
		rec.ID,
		rec.RunID,
		rec.Slug,
		rec.SourceURL,
		rec.Name,
		rec.Author,
		categories,
		rec.PriceCents,
		rec.Description,
		rec.ScreenshotURL,
		rec.UsedFallbackURL,
		rec.BlankScreenshot,
		rec.CreatedAt,
	)
	return err
}

type executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}
