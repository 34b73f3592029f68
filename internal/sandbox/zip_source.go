package sandbox

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/client"

	"github.com/mlsecarena/evalrunner/internal/common"
	"github.com/mlsecarena/evalrunner/internal/interfaces"
	"github.com/mlsecarena/evalrunner/internal/models"
)

// ZipSource resolves models.SourceKindZipArchive by downloading the
// archive from the blob store, extracting it with path-traversal and
// size/file-count guards, and building it.
type ZipSource struct {
	docker *client.Client
	blobs  interfaces.BlobStore
	limits BuildLimits
	logger *common.Logger
	tag    func() string
}

// NewZipSource constructs a ZipSource.
func NewZipSource(docker *client.Client, blobs interfaces.BlobStore, limits BuildLimits, tag func() string, logger *common.Logger) *ZipSource {
	return &ZipSource{docker: docker, blobs: blobs, limits: limits, tag: tag, logger: logger}
}

// Resolve downloads source.ObjectKey, extracts it safely, and builds it.
func (z *ZipSource) Resolve(ctx context.Context, source models.DefenseSource) (string, func(), error) {
	raw, err := z.blobs.Get(ctx, source.ObjectKey)
	if err != nil {
		return "", nil, fmt.Errorf("sandbox: download %s: %w", source.ObjectKey, err)
	}

	dir, err := os.MkdirTemp("", "defense-zip-")
	if err != nil {
		return "", nil, fmt.Errorf("sandbox: create extract dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	if err := extractZipSafely(raw, dir, z.limits); err != nil {
		cleanup()
		return "", nil, err
	}

	imageName := z.tag()
	if err := buildImage(ctx, z.docker, dir, imageName, z.limits); err != nil {
		cleanup()
		return "", nil, err
	}

	return imageName, cleanup, nil
}

// extractZipSafely guards against zip bombs, excessive file counts, and
// path traversal before extracting anything to disk: normalize every
// entry's path and check it against the limits before writing any bytes.
func extractZipSafely(raw []byte, dest string, limits BuildLimits) error {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return fmt.Errorf("sandbox: invalid zip: %w", err)
	}

	if limits.MaxFileCount > 0 && len(zr.File) > limits.MaxFileCount {
		return fmt.Errorf("sandbox: zip contains too many files: %d (max %d)", len(zr.File), limits.MaxFileCount)
	}

	var totalSize int64
	for _, f := range zr.File {
		normalized := filepath.Clean(f.Name)
		if strings.HasPrefix(normalized, "..") || filepath.IsAbs(normalized) {
			return fmt.Errorf("sandbox: malicious path in zip: %q (path traversal detected)", f.Name)
		}
		totalSize += int64(f.UncompressedSize64)
	}
	if limits.MaxUncompressedSizeBytes > 0 && totalSize > limits.MaxUncompressedSizeBytes {
		return fmt.Errorf("sandbox: zip uncompressed size too large: %d bytes (max %d)", totalSize, limits.MaxUncompressedSizeBytes)
	}

	for _, f := range zr.File {
		target := filepath.Join(dest, filepath.Clean(f.Name))
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("sandbox: mkdir %s: %w", target, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("sandbox: mkdir %s: %w", filepath.Dir(target), err)
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("sandbox: open zip entry %s: %w", f.Name, err)
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			rc.Close()
			return fmt.Errorf("sandbox: create %s: %w", target, err)
		}
		_, copyErr := io.Copy(out, rc)
		rc.Close()
		out.Close()
		if copyErr != nil {
			return fmt.Errorf("sandbox: extract %s: %w", f.Name, copyErr)
		}
	}
	return nil
}
