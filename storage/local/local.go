// Package local stores configuration, history and images in a directory
// tree:
//
//	<root>/config/<capability>.yaml
//	<root>/history/index.json
//	<root>/history/records/<id>.json
//	<root>/history/images/<batch_id>/<page>.<ext>
//
// Every file write goes through a temp file in the same directory, fsync
// and rename, so readers see either the old or the new content.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mhpenta/pagegen"
)

const (
	configDir  = "config"
	historyDir = "history"
	recordsDir = "records"
	imagesDir  = "images"
	indexFile  = "index.json"
)

// Backend is the local file-tree pagegen.Backend.
type Backend struct {
	root   string
	logger *slog.Logger
	index  *index
}

var _ pagegen.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = l
	}
}

// Open creates the directory layout under root if needed.
func Open(root string, opts ...Option) (*Backend, error) {
	if root == "" {
		return nil, errors.New("local backend: empty data dir")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("local backend: %w", err)
	}

	b := &Backend{root: abs, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}

	for _, dir := range []string{
		filepath.Join(abs, configDir),
		filepath.Join(abs, historyDir, recordsDir),
		filepath.Join(abs, historyDir, imagesDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("local backend: create %s: %w", dir, err)
		}
	}

	b.index = &index{path: filepath.Join(abs, historyDir, indexFile)}
	b.logger.Debug("local backend opened", "root", abs)
	return b, nil
}

// Root returns the data directory.
func (b *Backend) Root() string {
	return b.root
}

func (b *Backend) Kind() pagegen.BackendKind {
	return pagegen.BackendLocal
}

// Ping checks that the tree is present and readable.
func (b *Backend) Ping(_ context.Context) error {
	for _, dir := range []string{configDir, filepath.Join(historyDir, recordsDir), filepath.Join(historyDir, imagesDir)} {
		if _, err := os.ReadDir(filepath.Join(b.root, dir)); err != nil {
			return fmt.Errorf("local backend: %w", err)
		}
	}
	return nil
}

func (b *Backend) Close() error {
	return nil
}

func (b *Backend) recordPath(id string) string {
	return filepath.Join(b.root, historyDir, recordsDir, id+".json")
}

func (b *Backend) batchDir(batchID string) string {
	return filepath.Join(b.root, historyDir, imagesDir, batchID)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}
