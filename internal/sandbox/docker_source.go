// Package sandbox resolves a models.DefenseSource to a local Docker image
// and owns the hardened container/network lifecycle around running a
// defense. Source resolution mirrors a docker-image / git-clone / zip-build
// three-way dispatch; the container lifecycle follows a constructor-takes-a-
// client, one-method-per-lifecycle-step runtime package shape, built on the
// docker/docker client already in use here.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/mlsecarena/evalrunner/internal/common"
	"github.com/mlsecarena/evalrunner/internal/models"
)

var hubRepoRe = regexp.MustCompile(`^r/([^/]+/[^/]+)`)
var hubOfficialRe = regexp.MustCompile(`^_/([^/]+)`)

// resolveImageReference mirrors resolve_image_name: passthrough for plain
// image names, and a best-effort parse of hub.docker.com URLs into
// "user/repo" or the official single-segment name.
func resolveImageReference(reference string) string {
	if !strings.HasPrefix(reference, "http") {
		return reference
	}
	u, err := url.Parse(reference)
	if err != nil {
		return reference
	}
	path := strings.Trim(u.Path, "/")
	if u.Host == "hub.docker.com" {
		if m := hubRepoRe.FindStringSubmatch(path); m != nil {
			return m[1]
		}
		if m := hubOfficialRe.FindStringSubmatch(path); m != nil {
			return m[1]
		}
	}
	return path
}

// DockerSource resolves models.SourceKindDockerImage by pulling the
// canonicalised reference and failing if it is not present afterward.
type DockerSource struct {
	docker *client.Client
	logger *common.Logger
}

// NewDockerSource wraps an already-connected Docker client.
func NewDockerSource(docker *client.Client, logger *common.Logger) *DockerSource {
	return &DockerSource{docker: docker, logger: logger}
}

// Resolve pulls source.Reference and returns the canonicalised image name.
// There is nothing to clean up for a pulled (not built) image, so cleanup
// is a no-op.
func (d *DockerSource) Resolve(ctx context.Context, source models.DefenseSource) (string, func(), error) {
	imageName := resolveImageReference(source.Reference)
	d.logger.Info().Str("reference", source.Reference).Str("resolved", imageName).Msg("pulling defense image")

	rc, err := d.docker.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return "", nil, fmt.Errorf("sandbox: pull %s: %w", imageName, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return "", nil, fmt.Errorf("sandbox: drain pull stream for %s: %w", imageName, err)
	}

	if _, _, err := d.docker.ImageInspectWithRaw(ctx, imageName); err != nil {
		return "", nil, fmt.Errorf("sandbox: image %s not present after pull: %w", imageName, err)
	}

	return imageName, func() {}, nil
}
