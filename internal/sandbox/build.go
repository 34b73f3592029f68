package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/client"
)

// BuildLimits bounds the resources a context-based build (GitRepo,
// ZipArchive) may consume.
type BuildLimits struct {
	MaxUncompressedSizeBytes int64
	MaxFileCount             int
	BuildTimeout             time.Duration
}

// validateBuildContext walks root and rejects it if it exceeds
// limits.MaxFileCount or limits.MaxUncompressedSizeBytes, mirroring
// validate_build_context's zip-bomb-style guard applied post-extraction.
func validateBuildContext(root string, limits BuildLimits) error {
	var total int64
	var count int
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		count++
		total += info.Size()
		if limits.MaxFileCount > 0 && count > limits.MaxFileCount {
			return fmt.Errorf("build context contains too many files: > %d", limits.MaxFileCount)
		}
		if limits.MaxUncompressedSizeBytes > 0 && total > limits.MaxUncompressedSizeBytes {
			return fmt.Errorf("build context too large: %d bytes exceeds %d", total, limits.MaxUncompressedSizeBytes)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sandbox: validate build context: %w", err)
	}
	return nil
}

// requireDockerfile rejects a context missing a Dockerfile at its root.
func requireDockerfile(root string) error {
	path := filepath.Join(root, "Dockerfile")
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("sandbox: no Dockerfile found at build context root: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("sandbox: Dockerfile at build context root is a directory")
	}
	return nil
}

// tarContext packages root as an uncompressed tar stream suitable for the
// Docker build API.
func tarContext(root string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: tar build context: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("sandbox: close tar writer: %w", err)
	}
	return &buf, nil
}

// buildImage builds imageName from the context at root, with caching,
// base-image pulls, and build-time networking all disabled, bounded by
// limits.BuildTimeout — mirroring the original handlers' nocache=True,
// pull=False, extra_hosts={} (network_disabled) build call.
func buildImage(ctx context.Context, docker *client.Client, root, imageName string, limits BuildLimits) error {
	if err := requireDockerfile(root); err != nil {
		return err
	}
	if err := validateBuildContext(root, limits); err != nil {
		return err
	}

	buildCtx, err := tarContext(root)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, limits.BuildTimeout)
	defer cancel()

	resp, err := docker.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        []string{imageName},
		Dockerfile:  "Dockerfile",
		NoCache:     true,
		Remove:      true,
		ForceRemove: true,
		PullParent:  false,
		NetworkMode: "none",
	})
	if err != nil {
		return fmt.Errorf("sandbox: build %s: %w", imageName, err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("sandbox: drain build log for %s: %w", imageName, err)
	}
	return nil
}
