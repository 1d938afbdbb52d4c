// Package controller turns a transferred bundle into running state: it
// applies the compose project, runs the backend release tasks and activates
// the proxy configuration.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strings"

	"stevedore/internal/bundle"
	"stevedore/internal/remote"
	"stevedore/internal/stage"
)

// Config holds every host-side command. Zero fields take Foodgram defaults.
type Config struct {
	// Wait makes compose block until new containers are healthy.
	Wait          bool
	Migrate       []string
	CollectStatic []string
	ExportStatic  []string

	// ProxyInclude is where the active proxy descriptor is installed.
	ProxyInclude string
	ProxyTest    []string
	ProxyReload  []string
}

// Defaults for the Foodgram stack.
var (
	DefaultMigrate       = []string{"python", "manage.py", "migrate", "--noinput"}
	DefaultCollectStatic = []string{"python", "manage.py", "collectstatic", "--noinput"}
	DefaultExportStatic  = []string{"cp", "-r", "/app/collected_static/.", "/backend_static/static/"}
	DefaultProxyInclude  = "/etc/nginx/sites-enabled/foodgram.conf"
	DefaultProxyTest     = []string{"nginx", "-t"}
	DefaultProxyReload   = []string{"systemctl", "reload", "nginx"}
)

func (c Config) withDefaults() Config {
	if len(c.Migrate) == 0 {
		c.Migrate = DefaultMigrate
	}
	if len(c.CollectStatic) == 0 {
		c.CollectStatic = DefaultCollectStatic
	}
	if len(c.ExportStatic) == 0 {
		c.ExportStatic = DefaultExportStatic
	}
	if strings.TrimSpace(c.ProxyInclude) == "" {
		c.ProxyInclude = DefaultProxyInclude
	}
	if len(c.ProxyTest) == 0 {
		c.ProxyTest = DefaultProxyTest
	}
	if len(c.ProxyReload) == 0 {
		c.ProxyReload = DefaultProxyReload
	}
	return c
}

// Task is one ordered release step run on the host.
type Task struct {
	ID    string
	Title string
	Run   func(ctx context.Context, host remote.Host) error
}

// Task identifiers, in execution order.
const (
	TaskComposeUp     = "compose-up"
	TaskMigrate       = "migrate"
	TaskCollectStatic = "collect-static"
	TaskExportStatic  = "export-static"
	TaskProxyCheck    = "proxy-check"
	TaskProxyReload   = "proxy-reload"
)

type Controller struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) *Controller {
	return &Controller{cfg: cfg.withDefaults(), log: slog.With("component", "controller")}
}

// Tasks returns the release steps for a bundle transferred to dir.
func (c *Controller) Tasks(dir string, b bundle.Bundle) []Task {
	p := project{
		name:    b.Project,
		dir:     dir,
		file:    path.Join(dir, b.Compose.Name),
		backend: b.BackendService,
	}
	staged := path.Join(dir, b.Proxy.Name)

	return []Task{
		{ID: TaskComposeUp, Title: "apply compose project", Run: func(ctx context.Context, h remote.Host) error {
			return c.composeUp(ctx, h, p)
		}},
		{ID: TaskMigrate, Title: "run database migrations", Run: func(ctx context.Context, h remote.Host) error {
			return c.backendTask(ctx, h, p, stage.ErrMigration, "migrate", c.cfg.Migrate)
		}},
		{ID: TaskCollectStatic, Title: "collect static assets", Run: func(ctx context.Context, h remote.Host) error {
			return c.backendTask(ctx, h, p, stage.ErrAsset, "collect static", c.cfg.CollectStatic)
		}},
		{ID: TaskExportStatic, Title: "export static assets", Run: func(ctx context.Context, h remote.Host) error {
			return c.backendTask(ctx, h, p, stage.ErrAsset, "export static", c.cfg.ExportStatic)
		}},
		{ID: TaskProxyCheck, Title: "check proxy configuration", Run: func(ctx context.Context, h remote.Host) error {
			return c.installProxy(ctx, h, staged)
		}},
		{ID: TaskProxyReload, Title: "reload proxy", Run: func(ctx context.Context, h remote.Host) error {
			return c.reloadProxy(ctx, h)
		}},
	}
}

type project struct {
	name    string
	dir     string
	file    string
	backend string
}

func (p project) compose(args ...string) []string {
	argv := []string{"docker", "compose", "-f", p.file, "--project-directory", p.dir}
	if p.name != "" {
		argv = append(argv, "-p", p.name)
	}
	return append(argv, args...)
}

func (c *Controller) composeUp(ctx context.Context, h remote.Host, p project) error {
	if _, err := h.Exec(ctx, p.compose("pull")...); err != nil {
		return stage.New(stage.ErrCompose, "pull images", err)
	}
	args := []string{"up", "-d"}
	if c.cfg.Wait {
		args = append(args, "--wait")
	}
	args = append(args, "--remove-orphans")
	if _, err := h.Exec(ctx, p.compose(args...)...); err != nil {
		return stage.New(stage.ErrCompose, "compose up", err)
	}
	c.log.Info("Compose project applied.", "project", p.name)
	return nil
}

func (c *Controller) backendTask(ctx context.Context, h remote.Host, p project, kind *stage.Kind, op string, cmd []string) error {
	argv := p.compose(append([]string{"exec", "-T", p.backend}, cmd...)...)
	res, err := h.Exec(ctx, argv...)
	if err != nil {
		return stage.New(kind, op, err)
	}
	c.log.Debug("Backend task finished.", "task", op, "output", tail(res.Stdout))
	return nil
}

// installProxy puts the staged descriptor in place and runs the proxy's own
// syntax check. On failure the previous descriptor is restored, or removed
// when there was none, so the file the proxy would load next always passes
// the check.
func (c *Controller) installProxy(ctx context.Context, h remote.Host, staged string) error {
	include := c.cfg.ProxyInclude

	next, err := h.ReadFile(ctx, staged)
	if err != nil {
		return stage.New(stage.ErrProxyConfig, "read staged proxy config", err)
	}
	previous, err := h.ReadFile(ctx, include)
	hadPrevious := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return stage.New(stage.ErrProxyConfig, "read active proxy config", err)
	}

	if err := h.MkdirAll(ctx, path.Dir(include)); err != nil {
		return stage.New(stage.ErrProxyConfig, "install proxy config", err)
	}
	if err := h.WriteFile(ctx, include, next, 0o644); err != nil {
		return stage.New(stage.ErrProxyConfig, "install proxy config", err)
	}

	_, testErr := h.Exec(ctx, c.cfg.ProxyTest...)
	if testErr == nil {
		c.log.Info("Proxy configuration passed its check.", "path", include)
		return nil
	}

	// The restore must run even if ctx was cancelled mid-check.
	restoreCtx := context.WithoutCancel(ctx)
	var restoreErr error
	if hadPrevious {
		restoreErr = h.WriteFile(restoreCtx, include, previous, 0o644)
	} else {
		restoreErr = h.RemoveAll(restoreCtx, include)
	}
	if restoreErr != nil {
		c.log.Error("Failed to restore proxy configuration.", "path", include, "err", restoreErr)
		return stage.New(stage.ErrProxyConfig, "check proxy config",
			fmt.Errorf("%w; restore failed: %v", testErr, restoreErr))
	}
	c.log.Warn("Proxy configuration rejected; previous configuration restored.", "path", include)
	return stage.New(stage.ErrProxyConfig, "check proxy config", testErr)
}

func (c *Controller) reloadProxy(ctx context.Context, h remote.Host) error {
	if _, err := h.Exec(ctx, c.cfg.ProxyReload...); err != nil {
		return stage.New(stage.ErrProxyReload, "reload proxy", err)
	}
	c.log.Info("Proxy reloaded.")
	return nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
