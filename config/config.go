// Package config loads the release configuration.
//
// The file is stevedore.yaml in the working directory, or the path in
// STEVEDORE_CONFIG. It describes what to build and where to deploy; secrets
// never live in it and come from the environment instead (see Secrets).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"stevedore/internal/bundle"
	"stevedore/internal/controller"
	"stevedore/internal/image"
	"stevedore/internal/provision"
	"stevedore/internal/remote"
)

const (
	envConfig   = "STEVEDORE_CONFIG"
	DefaultName = "stevedore.yaml"

	DefaultProject        = "foodgram"
	DefaultBranch         = "main"
	DefaultBackendService = "backend"
	DefaultCompose        = "docker-compose.production.yml"
	DefaultProxy          = "nginx.conf"
	DefaultSSHTimeout     = 30 * time.Second
)

// Image is one image the release builds.
type Image struct {
	Role       image.Role        `yaml:"role"`
	Name       string            `yaml:"name"`
	Context    string            `yaml:"context"`
	Dockerfile string            `yaml:"dockerfile,omitempty"`
	BuildArgs  map[string]string `yaml:"build_args,omitempty"`
}

type Registry struct {
	// Server is empty for Docker Hub.
	Server string `yaml:"server,omitempty"`
	// Namespace defaults to the registry username.
	Namespace string `yaml:"namespace,omitempty"`
}

type Bundle struct {
	Compose        string `yaml:"compose"`
	Env            string `yaml:"env,omitempty"`
	Proxy          string `yaml:"proxy"`
	BackendService string `yaml:"backend_service,omitempty"`
}

type Host struct {
	Dir            string        `yaml:"dir,omitempty"`
	KnownHosts     string        `yaml:"known_hosts,omitempty"`
	Fingerprint    string        `yaml:"fingerprint,omitempty"`
	InstallTooling *bool         `yaml:"install_tooling,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty"`
}

type Tasks struct {
	Wait          *bool    `yaml:"wait,omitempty"`
	Migrate       []string `yaml:"migrate,omitempty"`
	CollectStatic []string `yaml:"collect_static,omitempty"`
	ExportStatic  []string `yaml:"export_static,omitempty"`
	ProxyInclude  string   `yaml:"proxy_include,omitempty"`
	ProxyTest     []string `yaml:"proxy_test,omitempty"`
	ProxyReload   []string `yaml:"proxy_reload,omitempty"`
}

// Config is the parsed stevedore.yaml.
type Config struct {
	Project  string   `yaml:"project"`
	Branch   string   `yaml:"branch,omitempty"`
	Registry Registry `yaml:"registry,omitempty"`
	Images   []Image  `yaml:"images"`
	Bundle   Bundle   `yaml:"bundle"`
	Host     Host     `yaml:"host,omitempty"`
	Tasks    Tasks    `yaml:"tasks,omitempty"`
	// State is the release history database.
	State string `yaml:"state,omitempty"`

	path string
}

// DefaultPath returns STEVEDORE_CONFIG, or stevedore.yaml in the working
// directory.
func DefaultPath() string {
	if fromEnv := strings.TrimSpace(os.Getenv(envConfig)); fromEnv != "" {
		return fromEnv
	}
	return DefaultName
}

// Default returns the Foodgram layout: backend/ and frontend/ build
// contexts next to the compose file and the proxy descriptor.
func Default() *Config {
	cfg := &Config{
		Images: []Image{
			{Role: image.RoleBackend, Name: "foodgram_backend", Context: "backend"},
			{Role: image.RoleFrontend, Name: "foodgram_frontend", Context: "frontend"},
		},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads, defaults and validates the file.
func Load(file string) (*Config, error) {
	if strings.TrimSpace(file) == "" {
		file = DefaultPath()
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", file, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %q: %w", file, err)
	}
	cfg.path = file
	return cfg, nil
}

// Parse decodes a config document. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Project) == "" {
		c.Project = DefaultProject
	}
	if strings.TrimSpace(c.Branch) == "" {
		c.Branch = DefaultBranch
	}
	if c.Bundle.Compose == "" {
		c.Bundle.Compose = DefaultCompose
	}
	if c.Bundle.Proxy == "" {
		c.Bundle.Proxy = DefaultProxy
	}
	if c.Bundle.BackendService == "" {
		c.Bundle.BackendService = DefaultBackendService
	}
	if c.Host.Dir == "" {
		c.Host.Dir = provision.DefaultDir
	}
	if c.Host.Timeout == 0 {
		c.Host.Timeout = DefaultSSHTimeout
	}
	for i := range c.Images {
		if c.Images[i].Dockerfile == "" {
			c.Images[i].Dockerfile = "Dockerfile"
		}
	}
}

func (c *Config) Validate() error {
	if len(c.Images) == 0 {
		return errors.New("at least one image is required")
	}
	seen := make(map[image.Role]bool, len(c.Images))
	for i, img := range c.Images {
		switch img.Role {
		case image.RoleBackend, image.RoleFrontend:
		default:
			return fmt.Errorf("images[%d]: unknown role %q", i, img.Role)
		}
		if seen[img.Role] {
			return fmt.Errorf("images[%d]: duplicate %s image", i, img.Role)
		}
		seen[img.Role] = true
		if strings.TrimSpace(img.Name) == "" {
			return fmt.Errorf("images[%d]: name is required", i)
		}
		if strings.TrimSpace(img.Context) == "" {
			return fmt.Errorf("images[%d]: context is required", i)
		}
	}
	if !path.IsAbs(c.Host.Dir) {
		return fmt.Errorf("host.dir %q must be absolute", c.Host.Dir)
	}
	if c.Host.Timeout < 0 {
		return errors.New("host.timeout must not be negative")
	}
	return nil
}

// Path is the file the config was loaded from, if any.
func (c *Config) Path() string { return c.path }

// Resolve makes p relative to the config file's directory.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.path == "" {
		return p
	}
	return filepath.Join(filepath.Dir(c.path), p)
}

// Save writes the config back to its path atomically.
func (c *Config) Save(file string) error {
	if strings.TrimSpace(file) == "" {
		file = c.path
	}
	if strings.TrimSpace(file) == "" {
		file = DefaultPath()
	}
	if dir := filepath.Dir(file); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory %q: %w", dir, err)
		}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write temp config file %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, file); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace config file %q: %w", file, err)
	}
	c.path = file
	return nil
}

// StatePath returns the release history database location. It respects
// XDG_STATE_HOME, falling back to ~/.local/state.
func (c *Config) StatePath() string {
	if c.State != "" {
		return c.Resolve(c.State)
	}
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".stevedore", "releases.db")
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "stevedore", "releases.db")
}

// Namespace is the registry namespace images are tagged under.
func (c *Config) Namespace(s Secrets) string {
	if ns := strings.TrimSpace(c.Registry.Namespace); ns != "" {
		return ns
	}
	return strings.TrimSpace(s.RegistryUsername)
}

// BuildRequests turns the image list into build requests for tag.
func (c *Config) BuildRequests(namespace, tag string, labels map[string]string) []image.BuildRequest {
	out := make([]image.BuildRequest, 0, len(c.Images))
	for _, img := range c.Images {
		out = append(out, image.BuildRequest{
			Artifact: image.Artifact{
				Role:      img.Role,
				Registry:  c.Registry.Server,
				Namespace: namespace,
				Name:      img.Name,
				Tag:       tag,
			},
			ContextDir: c.Resolve(img.Context),
			Dockerfile: img.Dockerfile,
			BuildArgs:  img.BuildArgs,
			Labels:     labels,
		})
	}
	return out
}

// BundlePaths returns the local bundle files, resolved against the config
// directory.
func (c *Config) BundlePaths() bundle.Paths {
	return bundle.Paths{
		Compose: c.Resolve(c.Bundle.Compose),
		Env:     c.Resolve(c.Bundle.Env),
		Proxy:   c.Resolve(c.Bundle.Proxy),
	}
}

func (c *Config) Controller() controller.Config {
	wait := true
	if c.Tasks.Wait != nil {
		wait = *c.Tasks.Wait
	}
	return controller.Config{
		Wait:          wait,
		Migrate:       c.Tasks.Migrate,
		CollectStatic: c.Tasks.CollectStatic,
		ExportStatic:  c.Tasks.ExportStatic,
		ProxyInclude:  c.Tasks.ProxyInclude,
		ProxyTest:     c.Tasks.ProxyTest,
		ProxyReload:   c.Tasks.ProxyReload,
	}
}

// Remote combines the host settings with the SSH secrets.
func (c *Config) Remote(s Secrets) remote.Config {
	return remote.Config{
		Address:            s.Host,
		User:               s.User,
		PrivateKey:         []byte(s.SSHKey),
		Passphrase:         []byte(s.SSHPassphrase),
		KnownHostsFile:     c.Resolve(c.Host.KnownHosts),
		HostKeyFingerprint: c.Host.Fingerprint,
		Timeout:            c.Host.Timeout,
	}
}

func (c *Config) ProvisionOptions() []provision.Option {
	install := true
	if c.Host.InstallTooling != nil {
		install = *c.Host.InstallTooling
	}
	return []provision.Option{
		provision.WithDir(c.Host.Dir),
		provision.WithInstall(install),
	}
}
