package config

import (
	"errors"
	"log/slog"
	"strings"

	"stevedore/internal/image"
)

// Environment variables of the CI secret contract.
const (
	EnvDockerUsername = "DOCKER_USERNAME"
	EnvDockerPassword = "DOCKER_PASSWORD"
	EnvHost           = "HOST"
	EnvUser           = "USER"
	EnvSSHKey         = "SSH_KEY"
	EnvSSHPassphrase  = "SSH_PASSPHRASE"
	EnvTelegramTo     = "TELEGRAM_TO"
	EnvTelegramToken  = "TELEGRAM_TOKEN"
)

// Secrets is injected at release time and never persisted.
type Secrets struct {
	RegistryUsername string
	RegistryPassword string
	Host             string
	User             string
	SSHKey           string
	SSHPassphrase    string
	TelegramTo       string
	TelegramToken    string
}

// SecretsFromEnv reads the secret set from getenv.
func SecretsFromEnv(getenv func(string) string) Secrets {
	return Secrets{
		RegistryUsername: strings.TrimSpace(getenv(EnvDockerUsername)),
		RegistryPassword: getenv(EnvDockerPassword),
		Host:             strings.TrimSpace(getenv(EnvHost)),
		User:             strings.TrimSpace(getenv(EnvUser)),
		SSHKey:           normalizeKey(getenv(EnvSSHKey)),
		SSHPassphrase:    getenv(EnvSSHPassphrase),
		TelegramTo:       strings.TrimSpace(getenv(EnvTelegramTo)),
		TelegramToken:    strings.TrimSpace(getenv(EnvTelegramToken)),
	}
}

// normalizeKey accepts keys pasted into CI secrets with literal "\n"
// sequences or CRLF line endings.
func normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if !strings.Contains(key, "\n") {
		key = strings.ReplaceAll(key, `\n`, "\n")
	}
	key = strings.ReplaceAll(key, "\r\n", "\n")
	if key != "" && !strings.HasSuffix(key, "\n") {
		key += "\n"
	}
	return key
}

func (s Secrets) Credentials(server string) image.Credentials {
	return image.Credentials{
		Server:   server,
		Username: s.RegistryUsername,
		Password: s.RegistryPassword,
	}
}

// HasTelegram reports whether chat notifications are configured.
func (s Secrets) HasTelegram() bool {
	return s.TelegramTo != "" && s.TelegramToken != ""
}

// ValidateHost checks the secrets needed to reach the host.
func (s Secrets) ValidateHost() error {
	var errs []error
	if s.Host == "" {
		errs = append(errs, errors.New(EnvHost+" is not set"))
	}
	if s.User == "" {
		errs = append(errs, errors.New(EnvUser+" is not set"))
	}
	if s.SSHKey == "" {
		errs = append(errs, errors.New(EnvSSHKey+" is not set"))
	}
	return errors.Join(errs...)
}

// ValidateRegistry checks the secrets needed to push.
func (s Secrets) ValidateRegistry() error {
	var errs []error
	if s.RegistryUsername == "" {
		errs = append(errs, errors.New(EnvDockerUsername+" is not set"))
	}
	if s.RegistryPassword == "" {
		errs = append(errs, errors.New(EnvDockerPassword+" is not set"))
	}
	return errors.Join(errs...)
}

// LogValue keeps secret values out of logs.
func (s Secrets) LogValue() slog.Value {
	set := func(v string) bool { return v != "" }
	return slog.GroupValue(
		slog.String("registry_user", s.RegistryUsername),
		slog.Bool("registry_password", set(s.RegistryPassword)),
		slog.String("host", s.Host),
		slog.String("user", s.User),
		slog.Bool("ssh_key", set(s.SSHKey)),
		slog.Bool("telegram", s.HasTelegram()),
	)
}
