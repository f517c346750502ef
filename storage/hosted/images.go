package hosted

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mhpenta/pagegen"
)

// PutImage uploads image bytes into image_objects, replacing any earlier
// image of the same page.
func (b *Backend) PutImage(ctx context.Context, batchID string, pageIndex int, data []byte, mimeType string) (string, error) {
	ctx, span := tracer.Start(ctx, "postgres.ObjectStore.PutImage")
	defer span.End()

	if !pagegen.SafeID(batchID) {
		return "", &pagegen.ValidationError{Field: "batch_id", Reason: fmt.Sprintf("invalid batch id %q", batchID)}
	}
	ref := pagegen.ImageRef(batchID, pageIndex, mimeType)
	_, err := b.pool.Exec(ctx, `
		INSERT INTO image_objects (batch_id, page_index, ref, mime_type, data, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (batch_id, page_index) DO UPDATE SET
			ref = EXCLUDED.ref,
			mime_type = EXCLUDED.mime_type,
			data = EXCLUDED.data,
			created_at = EXCLUDED.created_at`,
		batchID, pageIndex, ref, mimeType, data)
	if err != nil {
		return "", fail(span, fmt.Errorf("failed to upload page %d image: %w", pageIndex, err))
	}
	return ref, nil
}

func (b *Backend) GetImage(ctx context.Context, ref string) ([]byte, string, error) {
	ctx, span := tracer.Start(ctx, "postgres.ObjectStore.GetImage")
	defer span.End()

	var data []byte
	var mime string
	err := b.pool.QueryRow(ctx, `SELECT data, mime_type FROM image_objects WHERE ref = $1`, ref).Scan(&data, &mime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", &pagegen.NotFoundError{Kind: "image", ID: ref}
	}
	if err != nil {
		return nil, "", fail(span, fmt.Errorf("failed to read image %s: %w", ref, err))
	}
	return data, mime, nil
}

func (b *Backend) ListImages(ctx context.Context, batchID string) (map[int]string, error) {
	ctx, span := tracer.Start(ctx, "postgres.ObjectStore.ListImages")
	defer span.End()

	rows, err := b.pool.Query(ctx, `SELECT page_index, ref FROM image_objects WHERE batch_id = $1`, batchID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to list batch %s: %w", batchID, err))
	}
	defer rows.Close()

	refs := make(map[int]string)
	for rows.Next() {
		var page int
		var ref string
		if err := rows.Scan(&page, &ref); err != nil {
			return nil, fail(span, fmt.Errorf("failed to scan batch %s: %w", batchID, err))
		}
		refs[page] = ref
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("failed to read batch %s: %w", batchID, err))
	}
	return refs, nil
}

func (b *Backend) DeleteBatch(ctx context.Context, batchID string) error {
	ctx, span := tracer.Start(ctx, "postgres.ObjectStore.DeleteBatch")
	defer span.End()

	if _, err := b.pool.Exec(ctx, `DELETE FROM image_objects WHERE batch_id = $1`, batchID); err != nil {
		return fail(span, fmt.Errorf("failed to delete batch %s: %w", batchID, err))
	}
	return nil
}
