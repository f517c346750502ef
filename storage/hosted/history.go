package hosted

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/mhpenta/pagegen"
)

// SaveRecord upserts the record row and replaces its image rows.
func (b *Backend) SaveRecord(ctx context.Context, rec *pagegen.HistoryRecord) error {
	ctx, span := tracer.Start(ctx, "postgres.HistoryStore.SaveRecord")
	defer span.End()

	outline := rec.Outline
	if outline == nil {
		outline = pagegen.Outline{}
	}
	failures := rec.Failures
	if failures == nil {
		failures = []pagegen.PageFailureEntry{}
	}

	err := b.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO history_records
				(id, title, outline, batch_id, status, thumbnail, failures, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				title = EXCLUDED.title,
				outline = EXCLUDED.outline,
				batch_id = EXCLUDED.batch_id,
				status = EXCLUDED.status,
				thumbnail = EXCLUDED.thumbnail,
				failures = EXCLUDED.failures,
				updated_at = EXCLUDED.updated_at`,
			rec.ID, rec.Title, outline, rec.BatchID, string(rec.Status), rec.Thumbnail, failures,
			rec.CreatedAt, rec.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to save record %s: %w", rec.ID, err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM generated_images WHERE record_id = $1`, rec.ID); err != nil {
			return fmt.Errorf("failed to clear images of record %s: %w", rec.ID, err)
		}
		for _, img := range rec.Images {
			_, err := tx.Exec(ctx,
				`INSERT INTO generated_images (record_id, page_index, ref) VALUES ($1, $2, $3)`,
				rec.ID, img.PageIndex, img.Ref)
			if err != nil {
				return fmt.Errorf("failed to save image of page %d: %w", img.PageIndex, err)
			}
		}
		return nil
	})
	if err != nil {
		return fail(span, err)
	}
	return nil
}

func (b *Backend) LoadRecord(ctx context.Context, id string) (*pagegen.HistoryRecord, error) {
	ctx, span := tracer.Start(ctx, "postgres.HistoryStore.LoadRecord")
	defer span.End()

	var rec pagegen.HistoryRecord
	var status string
	err := b.pool.QueryRow(ctx, `
		SELECT id, title, outline, batch_id, status, thumbnail, failures, created_at, updated_at
		FROM history_records WHERE id = $1`, id,
	).Scan(&rec.ID, &rec.Title, &rec.Outline, &rec.BatchID, &status, &rec.Thumbnail, &rec.Failures,
		&rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &pagegen.NotFoundError{Kind: "record", ID: id}
	}
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to load record %s: %w", id, err))
	}
	rec.Status = pagegen.Status(status)

	rows, err := b.pool.Query(ctx,
		`SELECT page_index, ref FROM generated_images WHERE record_id = $1 ORDER BY page_index`, id)
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to load images of record %s: %w", id, err))
	}
	images, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (pagegen.GeneratedImage, error) {
		img := pagegen.GeneratedImage{RecordID: id}
		err := row.Scan(&img.PageIndex, &img.Ref)
		return img, err
	})
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to scan images of record %s: %w", id, err))
	}
	rec.Images = images
	return &rec, nil
}

// ListRecords filters in SQL, newest first.
func (b *Backend) ListRecords(ctx context.Context, filter pagegen.ListFilter, p pagegen.Pagination) (*pagegen.PagedResult[pagegen.RecordSummary], error) {
	ctx, span := tracer.Start(ctx, "postgres.HistoryStore.ListRecords")
	defer span.End()

	var where []string
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	if filter.TitleContains != "" {
		args = append(args, "%"+escapeLike(filter.TitleContains)+"%")
		where = append(where, "title ILIKE $"+strconv.Itoa(len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := b.pool.QueryRow(ctx, `SELECT count(*) FROM history_records`+clause, args...).Scan(&total); err != nil {
		return nil, fail(span, fmt.Errorf("failed to count records: %w", err))
	}

	args = append(args, p.Limit(), p.Offset())
	query := `
		SELECT id, title, status, thumbnail, jsonb_array_length(outline), batch_id, created_at, updated_at
		FROM history_records` + clause + `
		ORDER BY created_at DESC, id ASC
		LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to list records: %w", err))
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (pagegen.RecordSummary, error) {
		var s pagegen.RecordSummary
		var status string
		err := row.Scan(&s.ID, &s.Title, &status, &s.Thumbnail, &s.PageCount, &s.BatchID, &s.CreatedAt, &s.UpdatedAt)
		s.Status = pagegen.Status(status)
		return s, err
	})
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to scan records: %w", err))
	}
	return pagegen.NewPagedResult(items, total, p), nil
}

// DeleteRecord removes the record; generated_images rows cascade.
func (b *Backend) DeleteRecord(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "postgres.HistoryStore.DeleteRecord")
	defer span.End()

	tag, err := b.pool.Exec(ctx, `DELETE FROM history_records WHERE id = $1`, id)
	if err != nil {
		return fail(span, fmt.Errorf("failed to delete record %s: %w", id, err))
	}
	if tag.RowsAffected() == 0 {
		return &pagegen.NotFoundError{Kind: "record", ID: id}
	}
	return nil
}

func (b *Backend) Statistics(ctx context.Context) (*pagegen.Statistics, error) {
	ctx, span := tracer.Start(ctx, "postgres.HistoryStore.Statistics")
	defer span.End()

	rows, err := b.pool.Query(ctx, `SELECT status, count(*) FROM history_records GROUP BY status`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to count records by status: %w", err))
	}
	defer rows.Close()

	stats := &pagegen.Statistics{ByStatus: make(map[pagegen.Status]int)}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fail(span, fmt.Errorf("failed to scan statistics: %w", err))
		}
		stats.ByStatus[pagegen.Status(status)] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("failed to read statistics: %w", err))
	}
	return stats, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
