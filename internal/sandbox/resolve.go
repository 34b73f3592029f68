package sandbox

import (
	"context"
	"fmt"

	"github.com/mlsecarena/evalrunner/internal/metrics"
	"github.com/mlsecarena/evalrunner/internal/models"
)

// Resolver dispatches a models.DefenseSource to the matching source
// resolver: Docker image pull, git-repo build, or zip-archive build.
type Resolver struct {
	Docker *DockerSource
	Git    *GitSource
	Zip    *ZipSource
}

// Resolve implements interfaces.SourceResolver.
func (r *Resolver) Resolve(ctx context.Context, source models.DefenseSource) (string, func(), error) {
	if err := source.Validate(); err != nil {
		return "", nil, fmt.Errorf("sandbox: %w", err)
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ContainerBuildDuration, string(source.Kind))

	switch source.Kind {
	case models.SourceKindDockerImage:
		return r.Docker.Resolve(ctx, source)
	case models.SourceKindGitRepo:
		return r.Git.Resolve(ctx, source)
	case models.SourceKindZipArchive:
		return r.Zip.Resolve(ctx, source)
	default:
		return "", nil, fmt.Errorf("sandbox: unhandled source kind %q", source.Kind)
	}
}
