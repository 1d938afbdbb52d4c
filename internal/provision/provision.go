// Package provision prepares the target host for a release: it connects,
// takes the host lock, makes sure the runtime tooling is present and
// transfers the deployment bundle.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strings"
	"time"

	"stevedore/internal/check"
	"stevedore/internal/remote"
	"stevedore/internal/stage"
)

const (
	// DefaultDir is where the bundle lives on the host.
	DefaultDir = "/opt/foodgram"

	lockName    = ".stevedore.lock"
	ownerName   = "owner.json"
	stagePrefix = ".incoming-"
	previousDir = ".previous"
)

// DialFunc opens the channel to the host.
type DialFunc func(ctx context.Context, cfg remote.Config) (remote.Host, error)

// Lock describes the release holding the host.
type Lock struct {
	ReleaseID  string    `json:"release_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// LockedError is returned when another release holds the host.
type LockedError struct {
	Path   string
	Holder Lock
}

func (e *LockedError) Error() string {
	if e.Holder.ReleaseID == "" {
		return fmt.Sprintf("host is locked by %s", e.Path)
	}
	return fmt.Sprintf("host is locked by release %s since %s",
		e.Holder.ReleaseID, e.Holder.AcquiredAt.Format(time.RFC3339))
}

// Provisioner connects to one configured host.
type Provisioner struct {
	host    remote.Config
	dir     string
	dial    DialFunc
	tools   []Tool
	install bool
	now     func() time.Time
	log     *slog.Logger
}

type Option func(*Provisioner)

// WithDir sets the bundle directory on the host.
func WithDir(dir string) Option {
	return func(p *Provisioner) {
		check.Assert(path.IsAbs(dir), "WithDir: bundle directory must be absolute")
		p.dir = path.Clean(dir)
	}
}

// WithDial replaces the SSH dialer.
func WithDial(dial DialFunc) Option {
	return func(p *Provisioner) {
		check.Assert(dial != nil, "WithDial: dial must not be nil")
		p.dial = dial
	}
}

// WithTools sets the prerequisites checked on the host.
func WithTools(tools ...Tool) Option {
	return func(p *Provisioner) { p.tools = tools }
}

// WithInstall controls whether missing tools are installed or reported.
func WithInstall(install bool) Option {
	return func(p *Provisioner) { p.install = install }
}

// WithNow sets the clock used for lock timestamps.
func WithNow(now func() time.Time) Option {
	return func(p *Provisioner) {
		check.Assert(now != nil, "WithNow: now must not be nil")
		p.now = now
	}
}

func New(host remote.Config, opts ...Option) *Provisioner {
	p := &Provisioner{
		host:    host,
		dir:     DefaultDir,
		dial:    dialSSH,
		tools:   DefaultTools,
		install: true,
		now:     time.Now,
		log:     slog.With("component", "provision"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect opens the channel and takes the host lock for releaseID.
func (p *Provisioner) Connect(ctx context.Context, releaseID string) (*Target, error) {
	check.Assert(releaseID != "", "Connect: release id must not be empty")

	host, err := p.dial(ctx, p.host)
	if err != nil {
		return nil, stage.New(stage.ErrConnection, "connect to "+p.host.Address, err)
	}
	log := p.log.With("host", host.Address())

	if err := host.MkdirAll(ctx, p.dir); err != nil {
		_ = host.Close()
		return nil, stage.New(stage.ErrConnection, "prepare "+p.dir, err)
	}
	if err := p.lock(ctx, host, releaseID); err != nil {
		_ = host.Close()
		return nil, err
	}
	log.Info("Host locked.", "release", releaseID)

	return &Target{
		host:      host,
		dir:       p.dir,
		releaseID: releaseID,
		tools:     p.tools,
		install:   p.install,
		log:       log,
	}, nil
}

// Unlock removes the host lock regardless of its holder and returns the
// holder it replaced, zero when none was recorded. It is the recovery path
// for a release that died without releasing the lock.
func (p *Provisioner) Unlock(ctx context.Context) (Lock, error) {
	host, err := p.dial(ctx, p.host)
	if err != nil {
		return Lock{}, stage.New(stage.ErrConnection, "connect to "+p.host.Address, err)
	}
	defer host.Close()

	lockDir := path.Join(p.dir, lockName)
	holder, err := readLock(ctx, host, lockDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Lock{}, fmt.Errorf("read lock: %w", err)
	}
	if err := host.RemoveAll(ctx, lockDir); err != nil {
		return Lock{}, fmt.Errorf("remove lock: %w", err)
	}
	p.log.Warn("Host lock removed.", "host", host.Address(), "holder", holder.ReleaseID)
	return holder, nil
}

func (p *Provisioner) lock(ctx context.Context, host remote.Host, releaseID string) error {
	lockDir := path.Join(p.dir, lockName)
	if err := host.Mkdir(ctx, lockDir); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return stage.New(stage.ErrConnection, "lock host", err)
		}
		holder, _ := readLock(ctx, host, lockDir)
		return stage.New(stage.ErrLocked, "lock host", &LockedError{Path: lockDir, Holder: holder})
	}

	data, err := json.Marshal(Lock{ReleaseID: releaseID, AcquiredAt: p.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	if err := host.WriteFile(ctx, path.Join(lockDir, ownerName), data, 0o644); err != nil {
		_ = host.RemoveAll(ctx, lockDir)
		return stage.New(stage.ErrConnection, "lock host", err)
	}
	return nil
}

// readLock returns the recorded holder. A lock without an owner file, or
// with an unreadable one, yields a zero Lock.
func readLock(ctx context.Context, host remote.Host, lockDir string) (Lock, error) {
	data, err := host.ReadFile(ctx, path.Join(lockDir, ownerName))
	if err != nil {
		return Lock{}, err
	}
	var l Lock
	if err := json.Unmarshal(data, &l); err != nil {
		return Lock{}, nil
	}
	return l, nil
}

func dialSSH(ctx context.Context, cfg remote.Config) (remote.Host, error) {
	h, err := remote.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func stagingDir(dir, releaseID string) string {
	return path.Join(dir, stagePrefix+strings.ReplaceAll(releaseID, "/", "_"))
}
