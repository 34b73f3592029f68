package sandbox

import (
	"context"
	"fmt"
	"os"

	"github.com/docker/docker/client"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/mlsecarena/evalrunner/internal/common"
	"github.com/mlsecarena/evalrunner/internal/models"
)

// GitSource resolves models.SourceKindGitRepo by shallow-cloning the repo
// and building its Dockerfile.
type GitSource struct {
	docker *client.Client
	limits BuildLimits
	logger *common.Logger
	tag    func() string
}

// NewGitSource constructs a GitSource; tag generates the per-build image
// tag (evalworker derives it from the current time in nanoseconds).
func NewGitSource(docker *client.Client, limits BuildLimits, tag func() string, logger *common.Logger) *GitSource {
	return &GitSource{docker: docker, limits: limits, tag: tag, logger: logger}
}

// Resolve clones source.URL with depth=1 on a single branch, validates the
// context, and builds it.
func (g *GitSource) Resolve(ctx context.Context, source models.DefenseSource) (string, func(), error) {
	dir, err := os.MkdirTemp("", "defense-clone-")
	if err != nil {
		return "", nil, fmt.Errorf("sandbox: create clone dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	g.logger.Info().Str("url", source.URL).Str("dir", dir).Msg("cloning defense repository")
	_, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           source.URL,
		Depth:         1,
		SingleBranch:  true,
		ReferenceName: plumbing.HEAD,
	})
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("sandbox: clone %s: %w", source.URL, err)
	}

	imageName := g.tag()
	if err := buildImage(ctx, g.docker, dir, imageName, g.limits); err != nil {
		cleanup()
		return "", nil, err
	}

	return imageName, cleanup, nil
}
