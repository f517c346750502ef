package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mhpenta/pagegen"
)

// PutImage writes history/images/<batch_id>/<page>.<ext>, replacing any
// earlier image of the page regardless of its extension.
func (b *Backend) PutImage(_ context.Context, batchID string, pageIndex int, data []byte, mimeType string) (string, error) {
	if !pagegen.SafeID(batchID) {
		return "", &pagegen.ValidationError{Field: "batch_id", Reason: fmt.Sprintf("invalid batch id %q", batchID)}
	}
	dir := b.batchDir(batchID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create batch dir: %w", err)
	}

	name := pagegen.PageFileName(pageIndex, mimeType)
	if err := writeFileAtomic(filepath.Join(dir, name), data); err != nil {
		return "", fmt.Errorf("write page %d image: %w", pageIndex, err)
	}

	stale, _ := filepath.Glob(filepath.Join(dir, fmt.Sprintf("%d.*", pageIndex)))
	for _, path := range stale {
		if filepath.Base(path) != name {
			_ = os.Remove(path)
		}
	}

	return pagegen.ImageRef(batchID, pageIndex, mimeType), nil
}

func (b *Backend) GetImage(_ context.Context, ref string) ([]byte, string, error) {
	batchID, _, ok := pagegen.ParseImageRef(ref)
	if !ok {
		return nil, "", &pagegen.NotFoundError{Kind: "image", ID: ref}
	}
	path := filepath.Join(b.batchDir(batchID), filepath.Base(ref))
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", &pagegen.NotFoundError{Kind: "image", ID: ref}
	}
	if err != nil {
		return nil, "", fmt.Errorf("read image %s: %w", ref, err)
	}
	return data, pagegen.GetMIMEType(path), nil
}

// ListImages scans the batch directory. A missing directory is an empty batch.
func (b *Backend) ListImages(_ context.Context, batchID string) (map[int]string, error) {
	refs := make(map[int]string)
	if !pagegen.SafeID(batchID) {
		return refs, nil
	}
	entries, err := os.ReadDir(b.batchDir(batchID))
	if errors.Is(err, fs.ErrNotExist) {
		return refs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list batch %s: %w", batchID, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if page, ok := pagegen.ParsePageFileName(e.Name()); ok {
			refs[page] = batchID + "/" + e.Name()
		}
	}
	return refs, nil
}

func (b *Backend) DeleteBatch(_ context.Context, batchID string) error {
	if !pagegen.SafeID(batchID) {
		return nil
	}
	if err := os.RemoveAll(b.batchDir(batchID)); err != nil {
		return fmt.Errorf("delete batch %s: %w", batchID, err)
	}
	return nil
}
