package sandbox

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func TestRequireDockerfileMissingFails(t *testing.T) {
	dir := t.TempDir()
	err := requireDockerfile(dir)
	require.Error(t, err)
}

func TestRequireDockerfilePresentSucceeds(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Dockerfile"), []byte("FROM scratch"))
	require.NoError(t, requireDockerfile(dir))
}

func TestRequireDockerfileRejectsDirectoryNamedDockerfile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "Dockerfile"), 0755))
	err := requireDockerfile(dir)
	require.Error(t, err)
}

func TestValidateBuildContextRejectsTooManyFiles(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		writeFile(t, filepath.Join(dir, string(rune('a'+i))), []byte("x"))
	}
	err := validateBuildContext(dir, BuildLimits{MaxFileCount: 3})
	require.Error(t, err)
}

func TestValidateBuildContextRejectsTooLarge(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "big"), make([]byte, 1024))
	err := validateBuildContext(dir, BuildLimits{MaxUncompressedSizeBytes: 100})
	require.Error(t, err)
}

func TestValidateBuildContextAcceptsWithinLimits(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Dockerfile"), []byte("FROM scratch"))
	err := validateBuildContext(dir, BuildLimits{MaxFileCount: 10, MaxUncompressedSizeBytes: 1 << 20})
	require.NoError(t, err)
}

func TestTarContextProducesReadableArchive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Dockerfile"), []byte("FROM scratch"))
	writeFile(t, filepath.Join(dir, "sub", "file.txt"), []byte("payload"))

	r, err := tarContext(dir)
	require.NoError(t, err)

	tr := tar.NewReader(r)
	seen := map[string]bool{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		seen[hdr.Name] = true
	}
	require.True(t, seen["Dockerfile"])
	require.True(t, seen["sub/file.txt"])
}
