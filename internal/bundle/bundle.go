// Package bundle loads and validates the deployment bundle: the compose
// descriptor, the environment file and the edge proxy descriptor that are
// copied to the host on every release.
package bundle

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/compose-spec/compose-go/v2/dotenv"
	"github.com/compose-spec/compose-go/v2/loader"
	compose "github.com/compose-spec/compose-go/v2/types"

	"stevedore/internal/stage"
)

const (
	// EnvFileName is fixed because compose reads .env from the project
	// directory.
	EnvFileName = ".env"

	composeMode fs.FileMode = 0o644
	envMode     fs.FileMode = 0o600
	proxyMode   fs.FileMode = 0o644
)

// File is one bundle member, named as it will be on the host.
type File struct {
	Name string
	Data []byte
	Mode fs.FileMode
}

// Bundle is the validated set of files a release ships to the host.
type Bundle struct {
	Project        string
	BackendService string
	Compose        File
	Env            File
	Proxy          File
}

// Paths locates the bundle sources on the local filesystem.
type Paths struct {
	Compose string
	Env     string
	Proxy   string
}

// Load reads and validates the bundle. The env file is optional. Failures
// are classified as stage.ErrBundle.
func Load(ctx context.Context, project, backendService string, paths Paths) (Bundle, error) {
	b, err := load(ctx, project, backendService, paths)
	if err != nil {
		return Bundle{}, stage.New(stage.ErrBundle, "load bundle", err)
	}
	return b, nil
}

func load(ctx context.Context, project, backendService string, paths Paths) (Bundle, error) {
	project = strings.TrimSpace(project)
	if project == "" {
		return Bundle{}, fmt.Errorf("project name is required")
	}
	if strings.TrimSpace(paths.Compose) == "" {
		return Bundle{}, fmt.Errorf("compose file path is required")
	}
	if strings.TrimSpace(paths.Proxy) == "" {
		return Bundle{}, fmt.Errorf("proxy config path is required")
	}

	composeData, err := os.ReadFile(paths.Compose)
	if err != nil {
		return Bundle{}, fmt.Errorf("read compose file: %w", err)
	}
	proxyData, err := os.ReadFile(paths.Proxy)
	if err != nil {
		return Bundle{}, fmt.Errorf("read proxy config: %w", err)
	}
	var envData []byte
	if strings.TrimSpace(paths.Env) != "" {
		envData, err = os.ReadFile(paths.Env)
		if err != nil {
			return Bundle{}, fmt.Errorf("read env file: %w", err)
		}
	}

	b := Bundle{
		Project:        project,
		BackendService: strings.TrimSpace(backendService),
		Compose:        File{Name: filepath.Base(paths.Compose), Data: composeData, Mode: composeMode},
		Env:            File{Name: EnvFileName, Data: envData, Mode: envMode},
		Proxy:          File{Name: filepath.Base(paths.Proxy), Data: proxyData, Mode: proxyMode},
	}
	if err := b.Validate(ctx, filepath.Dir(paths.Compose)); err != nil {
		return Bundle{}, err
	}
	return b, nil
}

// Validate parses the compose descriptor with the env file applied and
// checks that the backend service exists.
func (b Bundle) Validate(ctx context.Context, workingDir string) error {
	env, err := parseEnv(b.Env.Data)
	if err != nil {
		return err
	}
	project, err := parseCompose(ctx, b.Compose.Data, workingDir, b.Project, env)
	if err != nil {
		return err
	}
	if b.BackendService == "" {
		return fmt.Errorf("backend service name is required")
	}
	if _, ok := project.Services[b.BackendService]; !ok {
		return fmt.Errorf("compose file has no service %q (have %s)", b.BackendService, strings.Join(project.ServiceNames(), ", "))
	}
	if len(bytes.TrimSpace(b.Proxy.Data)) == 0 {
		return fmt.Errorf("proxy config %q is empty", b.Proxy.Name)
	}
	return nil
}

// Files lists the members to transfer, compose first. An absent env file is
// skipped.
func (b Bundle) Files() []File {
	files := []File{b.Compose}
	if len(b.Env.Data) > 0 {
		files = append(files, b.Env)
	}
	return append(files, b.Proxy)
}

// Digest identifies the bundle content.
func (b Bundle) Digest() string {
	h := sha256.New()
	for _, f := range b.Files() {
		fmt.Fprintf(h, "%s\x00%o\x00%d\x00", f.Name, f.Mode, len(f.Data))
		h.Write(f.Data)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

func parseEnv(data []byte) (map[string]string, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]string{}, nil
	}
	env, err := dotenv.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse env file: %w", err)
	}
	return env, nil
}

func parseCompose(ctx context.Context, data []byte, workingDir, project string, env map[string]string) (*compose.Project, error) {
	details := compose.ConfigDetails{
		WorkingDir:  workingDir,
		ConfigFiles: []compose.ConfigFile{{Filename: "compose.yaml", Content: data}},
		Environment: compose.Mapping(env),
	}
	p, err := loader.LoadWithContext(ctx, details, func(o *loader.Options) {
		o.SetProjectName(project, true)
		o.SkipResolveEnvironment = true
	})
	if err != nil {
		return nil, fmt.Errorf("parse compose file: %w", err)
	}
	if len(p.Services) == 0 {
		return nil, fmt.Errorf("compose file has no services")
	}
	return p, nil
}
