// Package cmdutil wires configuration, secrets and adapters into the
// release pipeline for the stevedore commands.
package cmdutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"stevedore/config"
	"stevedore/internal/adapter/sqlite"
	"stevedore/internal/bundle"
	"stevedore/internal/controller"
	"stevedore/internal/image"
	"stevedore/internal/notify"
	"stevedore/internal/provision"
	"stevedore/internal/release"
)

// EnvTelegramAPI overrides the Bot API server, e.g. a local Bot API proxy.
const EnvTelegramAPI = "TELEGRAM_API_URL"

// Session is the loaded configuration plus what the environment injects.
type Session struct {
	Config  *config.Config
	Secrets config.Secrets
	Trigger release.Trigger
}

// SessionFromEnv reads the secrets and the CI trigger. Config stays nil
// until LoadConfig succeeds.
func SessionFromEnv() *Session {
	return &Session{
		Secrets: config.SecretsFromEnv(os.Getenv),
		Trigger: release.TriggerFromEnv(os.Getenv),
	}
}

// LoadConfig reads the config file into the session.
func (s *Session) LoadConfig(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	s.Config = cfg
	slog.Debug("Session loaded.", "config", cfg.Path(), "trigger", s.Trigger.String(), "secrets", s.Secrets)
	return nil
}

// LoadSession reads the config file and the CI environment.
func LoadSession(configPath string) (*Session, error) {
	s := SessionFromEnv()
	if err := s.LoadConfig(configPath); err != nil {
		return nil, err
	}
	return s, nil
}

// RequestFlags are the per-run overrides of the release command.
type RequestFlags struct {
	Tag       string
	SkipBuild bool
	SkipPush  bool
}

// Request loads and validates the bundle and assembles the release request.
func (s *Session) Request(ctx context.Context, flags RequestFlags, now time.Time) (release.Request, error) {
	paths := s.Config.BundlePaths()
	b, err := bundle.Load(ctx, s.Config.Project, s.Config.Bundle.BackendService, paths)
	if err != nil {
		return release.Request{}, err
	}

	namespace := s.Config.Namespace(s.Secrets)
	if namespace == "" {
		return release.Request{}, fmt.Errorf("registry namespace is unknown: set registry.namespace or %s", config.EnvDockerUsername)
	}
	tag := ResolveTag(flags.Tag, s.Trigger, now)
	return release.Request{
		Trigger:     s.Trigger,
		Host:        s.Secrets.Host,
		Builds:      s.Config.BuildRequests(namespace, tag, Labels(s.Trigger)),
		Bundle:      b,
		Credentials: s.Secrets.Credentials(s.Config.Registry.Server),
		SkipBuild:   flags.SkipBuild,
		SkipPush:    flags.SkipPush,
	}, nil
}

// ValidateSecrets checks the secrets a run with these flags needs.
func (s *Session) ValidateSecrets(flags RequestFlags) error {
	if err := s.Secrets.ValidateHost(); err != nil {
		return fmt.Errorf("missing host secrets: %w", err)
	}
	if !flags.SkipPush {
		if err := s.Secrets.ValidateRegistry(); err != nil {
			return fmt.Errorf("missing registry secrets: %w", err)
		}
	}
	return nil
}

func (s *Session) Provisioner() *provision.Provisioner {
	return provision.New(s.Config.Remote(s.Secrets), s.Config.ProvisionOptions()...)
}

func (s *Session) Controller() *controller.Controller {
	return controller.New(s.Config.Controller())
}

// Notifier always logs and also posts to Telegram when it is configured.
func (s *Session) Notifier() release.Notifier {
	notifiers := notify.Multi{notify.NewLog(slog.Default())}
	if !s.Secrets.HasTelegram() {
		return notifiers
	}
	var opts []notify.TelegramOption
	if u := strings.TrimSpace(os.Getenv(EnvTelegramAPI)); u != "" {
		opts = append(opts, notify.WithBaseURL(u))
	}
	tg, err := notify.NewTelegram(s.Secrets.TelegramToken, s.Secrets.TelegramTo, opts...)
	if err != nil {
		slog.Warn("Telegram notifications disabled.", "err", err)
		return notifiers
	}
	return append(notifiers, tg)
}

// Reject records and announces a release that failed before the pipeline
// started, then returns err. store may be nil when history is unavailable.
func (s *Session) Reject(ctx context.Context, store release.Store, started time.Time, err error) error {
	rel := release.Rejected(uuid.NewString(), s.Trigger, s.Secrets.Host, started, time.Now(), err)
	final := context.WithoutCancel(ctx)
	if store != nil {
		if saveErr := store.SaveRelease(final, rel); saveErr != nil {
			slog.Warn("Failed to record rejected release.", "release", rel.ID, "err", saveErr)
		}
	}
	if notifyErr := s.Notifier().Notify(final, rel); notifyErr != nil {
		slog.Warn("Failed to send release notification.", "release", rel.ID, "err", notifyErr)
	}
	return err
}

// OpenStore opens the release history database.
func OpenStore(cfg *config.Config) (*sqlite.Store, error) {
	store, err := sqlite.Open(cfg.StatePath())
	if err != nil {
		return nil, fmt.Errorf("open release history: %w", err)
	}
	return store, nil
}

// ResolveTag picks the image tag: the flag, else the short commit, else a
// UTC timestamp. Tags are never reused, so "latest" is never chosen.
func ResolveTag(flag string, t release.Trigger, now time.Time) string {
	if tag := strings.TrimSpace(flag); tag != "" {
		return tag
	}
	if c := t.ShortCommit(); c != "" {
		return c
	}
	return now.UTC().Format("20060102-150405")
}

// Labels are the OCI annotations stamped on every built image.
func Labels(t release.Trigger) map[string]string {
	labels := map[string]string{"org.opencontainers.image.vendor": "stevedore"}
	if t.Commit != "" {
		labels["org.opencontainers.image.revision"] = t.Commit
	}
	if t.Repository != "" {
		labels["org.opencontainers.image.source"] = "https://github.com/" + t.Repository
	}
	return labels
}

// ShortID abbreviates a release id for display.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// References joins the artifact references for display.
func References(artifacts []image.Artifact) string {
	refs := make([]string, len(artifacts))
	for i, a := range artifacts {
		refs[i] = a.Reference()
	}
	return strings.Join(refs, ", ")
}
