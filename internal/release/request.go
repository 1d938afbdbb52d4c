package release

import (
	"stevedore/internal/bundle"
	"stevedore/internal/image"
	"stevedore/internal/stage"
)

// Request is everything one release needs. Credentials stay in memory only.
type Request struct {
	Trigger     Trigger
	Host        string
	Builds      []image.BuildRequest
	Bundle      bundle.Bundle
	Credentials image.Credentials

	// SkipBuild reuses images already in the local engine.
	SkipBuild bool
	// SkipPush assumes the tags are already in the registry.
	SkipPush bool
}

// Artifacts lists the images this release ships, in build order.
func (r Request) Artifacts() []image.Artifact {
	out := make([]image.Artifact, len(r.Builds))
	for i, b := range r.Builds {
		out[i] = b.Artifact
	}
	return out
}

// Validate checks the request before any stage runs. Image problems are
// classified as stage.ErrConfig and a missing compose file as
// stage.ErrBundle.
func (r Request) Validate() error {
	if len(r.Builds) == 0 {
		return stage.Errorf(stage.ErrConfig, "release needs at least one image")
	}
	seen := make(map[image.Role]bool, len(r.Builds))
	for _, b := range r.Builds {
		if err := b.Artifact.Validate(); err != nil {
			return stage.New(stage.ErrConfig, "validate image", err)
		}
		if seen[b.Artifact.Role] {
			return stage.Errorf(stage.ErrConfig, "duplicate %s image", b.Artifact.Role)
		}
		seen[b.Artifact.Role] = true
	}
	if len(r.Bundle.Compose.Data) == 0 {
		return stage.Errorf(stage.ErrBundle, "release needs a compose file")
	}
	return nil
}
