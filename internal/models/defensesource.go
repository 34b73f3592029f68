package models

import "fmt"

// SourceKind identifies which variant of DefenseSource is populated.
type SourceKind string

const (
	SourceKindDockerImage SourceKind = "docker_image"
	SourceKindGitRepo     SourceKind = "git_repo"
	SourceKindZipArchive  SourceKind = "zip_archive"
)

// DefenseSource is a tagged union carrying the provenance of a defense's
// container image. Exactly one of the payload fields is populated,
// matching Kind.
type DefenseSource struct {
	Kind SourceKind

	// DockerImage variant.
	Reference string

	// GitRepo variant.
	URL string

	// ZipArchive variant.
	ObjectKey string
}

// Validate checks the tagged-union invariant: exactly one payload field
// populated, consistent with Kind.
func (s DefenseSource) Validate() error {
	switch s.Kind {
	case SourceKindDockerImage:
		if s.Reference == "" {
			return fmt.Errorf("defense source: docker_image requires a reference")
		}
		if s.URL != "" || s.ObjectKey != "" {
			return fmt.Errorf("defense source: docker_image carries extraneous fields")
		}
	case SourceKindGitRepo:
		if s.URL == "" {
			return fmt.Errorf("defense source: git_repo requires a url")
		}
		if s.Reference != "" || s.ObjectKey != "" {
			return fmt.Errorf("defense source: git_repo carries extraneous fields")
		}
	case SourceKindZipArchive:
		if s.ObjectKey == "" {
			return fmt.Errorf("defense source: zip_archive requires an object_key")
		}
		if s.Reference != "" || s.URL != "" {
			return fmt.Errorf("defense source: zip_archive carries extraneous fields")
		}
	default:
		return fmt.Errorf("defense source: unknown kind %q", s.Kind)
	}
	return nil
}
