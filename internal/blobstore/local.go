package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mlsecarena/evalrunner/internal/common"
)

// ErrNotFound is returned by LocalStore when a key has no blob.
var ErrNotFound = fmt.Errorf("blobstore: not found")

// LocalStore implements interfaces.BlobStore on the local filesystem,
// adapted from an earlier file-based blob store, for single-node
// development and test environments where running MinIO/S3 is
// unnecessary overhead.
type LocalStore struct {
	basePath string
	logger   *common.Logger
}

// NewLocalStore creates a filesystem-backed blob store rooted at basePath.
func NewLocalStore(basePath string, logger *common.Logger) (*LocalStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("blobstore: local store base path is required")
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("blobstore: create base directory %s: %w", basePath, err)
	}
	logger.Debug().Str("path", basePath).Msg("local blob store initialized")
	return &LocalStore{basePath: basePath, logger: logger}, nil
}

// sanitizeKey maps an object key to a safe relative path, rejecting
// traversal attempts while allowing "/" to express subdirectories.
func (l *LocalStore) sanitizeKey(key string) string {
	clean := filepath.Clean(key)
	clean = strings.TrimPrefix(clean, "/")
	clean = strings.ReplaceAll(clean, "..", "__")
	return clean
}

func (l *LocalStore) keyToPath(key string) string {
	return filepath.Join(l.basePath, l.sanitizeKey(key))
}

// Get retrieves a blob by key.
func (l *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(l.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blobstore: read %s: %w", key, err)
	}
	return data, nil
}

// GetReader returns a reader for streaming a blob. Caller must close it.
func (l *LocalStore) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(l.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blobstore: open %s: %w", key, err)
	}
	return f, nil
}

// Put stores a blob atomically via temp file + rename.
func (l *LocalStore) Put(ctx context.Context, key string, data []byte) error {
	path := l.keyToPath(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("blobstore: create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("blobstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("blobstore: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("blobstore: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("blobstore: rename temp file: %w", err)
	}
	return nil
}
