package ui

import (
	"os"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const (
	envNoInteraction = "STEVEDORE_NO_INTERACTION"
	envCI            = "CI"
	envGitHubActions = "GITHUB_ACTIONS"
	envTerm          = "TERM"
)

// interactive is nil until ConfigureInteraction runs.
var interactive atomic.Pointer[bool]

// ConfigureInteraction decides whether progress is redrawn live on stderr
// and which colours lipgloss may use. CI runs get plain, colourless lines;
// a terminal gets whatever NO_COLOR and CLICOLOR allow.
func ConfigureInteraction(noInteraction bool) {
	live := detectInteractiveMode(noInteraction)
	interactive.Store(&live)

	profile := termenv.Ascii
	if live {
		profile = termenv.NewOutput(os.Stderr).EnvColorProfile()
	}
	lipgloss.SetColorProfile(profile)
}

func IsInteractive() bool {
	if live := interactive.Load(); live != nil {
		return *live
	}
	ConfigureInteraction(false)
	return *interactive.Load()
}

func detectInteractiveMode(noInteraction bool) bool {
	switch {
	case noInteraction, envTruthy(envNoInteraction), envTruthy(envCI), envTruthy(envGitHubActions):
		return false
	case strings.EqualFold(strings.TrimSpace(os.Getenv(envTerm)), "dumb"):
		return false
	}
	info, err := os.Stderr.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

func envTruthy(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
