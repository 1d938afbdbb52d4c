package fake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"sync"

	"stevedore/internal/adapter/fake/fault"
	"stevedore/internal/image"
	"stevedore/internal/stage"
)

var (
	_ image.Builder   = (*Images)(nil)
	_ image.Publisher = (*Images)(nil)
)

// Images is an in-memory build cache plus registry.
type Images struct {
	CallRecorder
	mu       sync.Mutex
	local    map[string]string
	registry map[string]string
	// Username and Password, when set, are the only credentials the
	// registry accepts.
	Username string
	Password string

	// Faults is consulted at fault.BuildImage and fault.PushImage with the
	// artifact reference.
	Faults *fault.Injector

	BuildErr func(ctx context.Context, req image.BuildRequest) error
	PushErr  func(ctx context.Context, a image.Artifact) error
}

func NewImages() *Images {
	return &Images{local: make(map[string]string), registry: make(map[string]string)}
}

func (i *Images) Build(ctx context.Context, req image.BuildRequest) error {
	i.record("Build", req)
	if err := i.Faults.Eval(fault.BuildImage, req.Artifact.Reference()); err != nil {
		return stage.New(stage.ErrBuild, "build "+req.Artifact.Reference(), err)
	}
	if i.BuildErr != nil {
		if err := i.BuildErr(ctx, req); err != nil {
			return err
		}
	}
	ref := req.Artifact.Reference()
	sum := sha256.Sum256([]byte(ref + "\x00" + req.ContextDir))

	i.mu.Lock()
	i.local[ref] = "sha256:" + hex.EncodeToString(sum[:])
	i.mu.Unlock()
	return nil
}

func (i *Images) Push(ctx context.Context, a image.Artifact, creds image.Credentials) error {
	i.record("Push", a)
	if i.Username != "" && (creds.Username != i.Username || creds.Password != i.Password) {
		return stage.Errorf(stage.ErrAuth, "unauthorized: incorrect username or password")
	}
	if err := i.Faults.Eval(fault.PushImage, a.Reference()); err != nil {
		return stage.New(stage.ErrPush, "push "+a.Reference(), err)
	}
	if i.PushErr != nil {
		if err := i.PushErr(ctx, a); err != nil {
			return err
		}
	}

	ref := a.Reference()
	i.mu.Lock()
	defer i.mu.Unlock()
	id, ok := i.local[ref]
	if !ok {
		return stage.Errorf(stage.ErrPush, "tag %s does not exist locally", ref)
	}
	i.registry[ref] = id
	return nil
}

// SeedLocal marks ref as already built.
func (i *Images) SeedLocal(ref, id string) {
	i.mu.Lock()
	i.local[ref] = id
	i.mu.Unlock()
}

// Registry returns a snapshot of reference to image id.
func (i *Images) Registry() map[string]string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return maps.Clone(i.registry)
}

// Pulled reports the image id a host would pull for ref.
func (i *Images) Pulled(ref string) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	id, ok := i.registry[ref]
	if !ok {
		return "", fmt.Errorf("manifest for %s not found", ref)
	}
	return id, nil
}
