package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	configcmd "stevedore/cmd/stevedore/configure"
	historycmd "stevedore/cmd/stevedore/history"
	hostcmd "stevedore/cmd/stevedore/host"
	releasecmd "stevedore/cmd/stevedore/release"
	"stevedore/cmd/stevedore/ui"
	"stevedore/config"
	"stevedore/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var (
		debug         bool
		logFormat     string
		noInteraction bool
		configPath    string
	)
	if err := logging.Configure(logging.LevelInfo, logging.FormatText); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "stevedore",
		Short:         "Release the Foodgram stack from CI to a single host",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			if err := logging.Configure(level, logFormat); err != nil {
				return err
			}
			ui.ConfigureInteraction(noInteraction)
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&logFormat, "log-format", logging.FormatText, "Log format: text or json")
	root.PersistentFlags().BoolVar(&noInteraction, "no-interaction", false, "Plain progress output, no colours or redraws")
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to stevedore.yaml (env STEVEDORE_CONFIG)")

	root.AddCommand(configcmd.InitCmd(&configPath))
	root.AddCommand(releasecmd.Cmd(&configPath))
	root.AddCommand(releasecmd.PlanCmd(&configPath))
	root.AddCommand(historycmd.Cmd(&configPath))
	root.AddCommand(historycmd.ShowCmd(&configPath))
	root.AddCommand(hostcmd.UnlockCmd(&configPath))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, releasecmd.ErrReleaseFailed) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}
