// Package image describes the container images a release builds and
// publishes, and the ports the pipeline uses to produce them.
package image

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

// DefaultRegistry is where artifacts go when no registry server is set.
const DefaultRegistry = name.DefaultRegistry

// Role tells frontend and backend artifacts apart.
type Role string

const (
	RoleFrontend Role = "frontend"
	RoleBackend  Role = "backend"
)

// Artifact is an immutable, tagged image. Once pushed it is never mutated;
// a later release supersedes it with another tag.
type Artifact struct {
	Role      Role   `json:"role"`
	Registry  string `json:"registry,omitempty"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Tag       string `json:"tag"`
}

// Repository returns "namespace/name", prefixed with the registry when it is
// not Docker Hub.
func (a Artifact) Repository() string {
	repo := a.Name
	if ns := strings.TrimSpace(a.Namespace); ns != "" {
		repo = ns + "/" + repo
	}
	if reg := strings.TrimSpace(a.Registry); reg != "" && reg != DefaultRegistry && reg != "docker.io" {
		repo = reg + "/" + repo
	}
	return repo
}

// Reference returns the short reference docker expects, e.g.
// "user/foodgram_backend:v1".
func (a Artifact) Reference() string {
	return a.Repository() + ":" + a.Tag
}

func (a Artifact) String() string { return a.Reference() }

// Validate parses the reference so typos fail before any build.
func (a Artifact) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("image name is required")
	}
	if strings.TrimSpace(a.Tag) == "" {
		return fmt.Errorf("image %q: tag is required", a.Name)
	}
	if _, err := name.NewTag(a.Reference()); err != nil {
		return fmt.Errorf("image %q: %w", a.Reference(), err)
	}
	return nil
}

// SameRepository reports whether ref (as written in a compose file) names
// the same repository as a, ignoring tag and registry defaults.
func (a Artifact) SameRepository(ref string) bool {
	other, err := name.ParseReference(strings.TrimSpace(ref), name.WeakValidation)
	if err != nil {
		return false
	}
	mine, err := name.NewRepository(a.Repository(), name.WeakValidation)
	if err != nil {
		return false
	}
	return other.Context().Name() == mine.Name()
}

// BuildRequest asks a Builder to produce Artifact from ContextDir.
type BuildRequest struct {
	Artifact   Artifact
	ContextDir string
	Dockerfile string
	BuildArgs  map[string]string
	Labels     map[string]string
}

// Credentials authenticate against a registry. They are injected per
// release and never persisted.
type Credentials struct {
	Server   string
	Username string
	Password string
}

func (c Credentials) IsZero() bool {
	return strings.TrimSpace(c.Username) == "" && c.Password == ""
}

// Builder produces an image in the local build cache.
type Builder interface {
	Build(ctx context.Context, req BuildRequest) error
}

// Publisher uploads a built artifact to its registry. Pushing the same tag
// twice must leave the registry as one push would.
type Publisher interface {
	Push(ctx context.Context, a Artifact, creds Credentials) error
}
