// Package docker builds and pushes release images through the Docker Engine
// API.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"stevedore/internal/image"
	"stevedore/internal/stage"

	"github.com/cenkalti/backoff/v4"
	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/build"
	dockerimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/moby/go-archive"
	"github.com/moby/patternmatcher/ignorefile"
)

const (
	defaultDockerfile = "Dockerfile"
	dockerHubServer   = "https://index.docker.io/v1/"
	readyTimeout      = 30 * time.Second
)

var (
	_ image.Builder   = (*Engine)(nil)
	_ image.Publisher = (*Engine)(nil)
)

// ImageAPI is the subset of the Docker client the engine needs.
type ImageAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
	ImagePush(ctx context.Context, ref string, options dockerimage.PushOptions) (io.ReadCloser, error)
	RegistryLogin(ctx context.Context, auth registry.AuthConfig) (registry.AuthenticateOKBody, error)
}

// Engine implements image.Builder and image.Publisher.
type Engine struct {
	api  ImageAPI
	ping Pinger
	cli  *client.Client
	out  io.Writer

	readyOnce   sync.Once
	readyErr    error
	readyPolicy func() backoff.BackOff
}

// NewEngine creates an Engine with a Docker client from the environment.
func NewEngine() (*Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Engine{api: cli, ping: cli, cli: cli, out: io.Discard, readyPolicy: readyBackoff}, nil
}

// NewEngineFromAPI wraps an existing API implementation. When api also
// implements Pinger, the first build or push waits for it to answer.
func NewEngineFromAPI(api ImageAPI) *Engine {
	e := &Engine{api: api, out: io.Discard, readyPolicy: readyBackoff}
	e.ping, _ = api.(Pinger)
	return e
}

// SetOutput sends build and push progress to w.
func (e *Engine) SetOutput(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	e.out = w
}

func (e *Engine) Close() error {
	if e == nil || e.cli == nil {
		return nil
	}
	return e.cli.Close()
}

func (e *Engine) ensureReady(ctx context.Context) error {
	if e.ping == nil {
		return nil
	}
	e.readyOnce.Do(func() {
		e.readyErr = waitReady(ctx, e.ping, e.readyPolicy())
	})
	return e.readyErr
}

// Build packs req.ContextDir and builds it under the artifact reference.
func (e *Engine) Build(ctx context.Context, req image.BuildRequest) error {
	ref := req.Artifact.Reference()
	op := "build " + ref
	log := slog.With("component", "docker", "image", ref)

	info, err := os.Stat(req.ContextDir)
	if err != nil {
		return stage.New(stage.ErrBuild, op, fmt.Errorf("build context: %w", err))
	}
	if !info.IsDir() {
		return stage.Errorf(stage.ErrBuild, "%s: build context %q is not a directory", op, req.ContextDir)
	}
	dockerfile := strings.TrimSpace(req.Dockerfile)
	if dockerfile == "" {
		dockerfile = defaultDockerfile
	}
	if _, err := os.Stat(filepath.Join(req.ContextDir, dockerfile)); err != nil {
		return stage.New(stage.ErrBuild, op, fmt.Errorf("dockerfile: %w", err))
	}

	if err := e.ensureReady(ctx); err != nil {
		return stage.New(stage.ErrBuild, op, err)
	}

	excludes, err := readDockerignore(req.ContextDir)
	if err != nil {
		return stage.New(stage.ErrBuild, op, err)
	}
	buildCtx, err := archive.TarWithOptions(req.ContextDir, &archive.TarOptions{ExcludePatterns: excludes})
	if err != nil {
		return stage.New(stage.ErrBuild, op, fmt.Errorf("pack build context: %w", err))
	}
	defer buildCtx.Close()

	log.Info("Building image.", "context", req.ContextDir)
	resp, err := e.api.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        []string{ref},
		Dockerfile:  dockerfile,
		Remove:      true,
		ForceRemove: true,
		PullParent:  true,
		BuildArgs:   buildArgs(req.BuildArgs),
		Labels:      req.Labels,
	})
	if err != nil {
		return stage.New(stage.ErrBuild, op, err)
	}
	defer resp.Body.Close()

	if _, err := drainStream(resp.Body, e.out); err != nil {
		return stage.New(stage.ErrBuild, op, err)
	}
	log.Info("Image built.")
	return nil
}

// Push uploads a to its registry. Credentials are checked with a login
// first so bad credentials surface as auth errors before any upload.
func (e *Engine) Push(ctx context.Context, a image.Artifact, creds image.Credentials) error {
	ref := a.Reference()
	op := "push " + ref
	log := slog.With("component", "docker", "image", ref)

	if err := e.ensureReady(ctx); err != nil {
		return stage.New(stage.ErrPush, op, err)
	}

	auth := registry.AuthConfig{
		Username:      creds.Username,
		Password:      creds.Password,
		ServerAddress: serverAddress(a, creds),
	}
	if !creds.IsZero() {
		if _, err := e.api.RegistryLogin(ctx, auth); err != nil {
			return stage.New(stage.ErrAuth, op, fmt.Errorf("registry login as %q: %w", creds.Username, err))
		}
	}
	encoded, err := registry.EncodeAuthConfig(auth)
	if err != nil {
		return stage.New(stage.ErrPush, op, fmt.Errorf("encode registry auth: %w", err))
	}

	log.Info("Pushing image.")
	rc, err := e.api.ImagePush(ctx, ref, dockerimage.PushOptions{RegistryAuth: encoded})
	if err != nil {
		return classifyPushError(op, err)
	}
	defer rc.Close()

	digest, err := drainStream(rc, e.out)
	if err != nil {
		return classifyPushError(op, err)
	}
	log.Info("Image pushed.", "digest", digest)
	return nil
}

func classifyPushError(op string, err error) error {
	if errdefs.IsUnauthorized(err) || errdefs.IsPermissionDenied(err) || isAuthMessage(err.Error()) {
		return stage.New(stage.ErrAuth, op, err)
	}
	return stage.New(stage.ErrPush, op, err)
}

func isAuthMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, needle := range []string{"unauthorized", "denied", "authentication required", "authentication is required"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func serverAddress(a image.Artifact, creds image.Credentials) string {
	if s := strings.TrimSpace(creds.Server); s != "" {
		return s
	}
	reg := strings.TrimSpace(a.Registry)
	if reg == "" || reg == image.DefaultRegistry || reg == "docker.io" {
		return dockerHubServer
	}
	return reg
}

func readDockerignore(dir string) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, ".dockerignore"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open .dockerignore: %w", err)
	}
	defer f.Close()

	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read .dockerignore: %w", err)
	}
	return patterns, nil
}

func buildArgs(in map[string]string) map[string]*string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]*string, len(in))
	for k, v := range in {
		out[k] = &v
	}
	return out
}
