package releasecmd

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"stevedore/cmd/stevedore/cmdutil"
	"stevedore/cmd/stevedore/ui"
	"stevedore/config"
	"stevedore/internal/adapter/docker"
	"stevedore/internal/release"
	"stevedore/internal/stage"
)

// ErrReleaseFailed is returned once the failure has already been reported,
// so main only sets the exit status.
var ErrReleaseFailed = errors.New("release failed")

// Cmd returns "stevedore release". configPath points at the root
// persistent flag value.
func Cmd(configPath *string) *cobra.Command {
	var (
		flags cmdutil.RequestFlags
		force bool
	)
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Build, publish, provision and release the stack",
		Long: "Build the frontend and backend images, push them, prepare the host over SSH " +
			"and apply the compose bundle. Secrets are read from the environment.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			started := time.Now()
			session := cmdutil.SessionFromEnv()
			if err := session.LoadConfig(*configPath); err != nil {
				if force || session.Trigger.Deploys(config.DefaultBranch) {
					return session.Reject(ctx, nil, started, err)
				}
				return err
			}
			if !force && !session.Trigger.Deploys(session.Config.Branch) {
				fmt.Fprintln(cmd.ErrOrStderr(), ui.InfoMsg("Skipping release: %s does not deploy (deploy branch is %s).",
					session.Trigger, session.Config.Branch))
				return nil
			}

			store, err := cmdutil.OpenStore(session.Config)
			if err != nil {
				return session.Reject(ctx, nil, started, err)
			}
			defer store.Close()

			if err := session.ValidateSecrets(flags); err != nil {
				return session.Reject(ctx, store, started, err)
			}
			req, err := session.Request(ctx, flags, started)
			if err != nil {
				return session.Reject(ctx, store, started, err)
			}
			engine, err := docker.NewEngine()
			if err != nil {
				return session.Reject(ctx, store, started, err)
			}
			defer engine.Close()
			if !ui.IsInteractive() {
				engine.SetOutput(cmd.ErrOrStderr())
			}

			out := ui.NewTelemetryOutput(cmd.ErrOrStderr())
			pipeline := release.New(engine, engine, session.Provisioner(), session.Controller(),
				release.WithNotifier(session.Notifier()),
				release.WithStore(store),
				release.WithTracer(out.Tracer("stevedore/release")),
			)
			rel, err := pipeline.Run(ctx, req)
			out.Close()

			if rel.Phase.IsTerminal() {
				printSummary(cmd, rel)
			}
			if err != nil {
				slog.Debug("Release error.", "err", err)
				if rel.Phase == release.PhaseFailed {
					return ErrReleaseFailed
				}
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.Tag, "tag", "", "Image tag (default: short commit, else a timestamp)")
	cmd.Flags().BoolVar(&flags.SkipBuild, "skip-build", false, "Reuse images already in the local engine")
	cmd.Flags().BoolVar(&flags.SkipPush, "skip-push", false, "Assume the tags are already in the registry")
	cmd.Flags().BoolVar(&force, "force", false, "Release even when the trigger is not the deploy branch")
	return cmd
}

func printSummary(cmd *cobra.Command, rel release.Release) {
	w := cmd.ErrOrStderr()
	fmt.Fprintln(w)
	if rel.Succeeded() {
		fmt.Fprintln(w, ui.SuccessMsg("Release %s succeeded in %s.", cmdutil.ShortID(rel.ID), rel.Duration().Round(time.Second)))
	} else {
		fmt.Fprintln(w, ui.ErrorMsg("Release %s failed at stage %s.", cmdutil.ShortID(rel.ID), rel.FailedStage))
	}
	fmt.Fprint(w, ui.KeyValues("  ",
		ui.KV("Images", cmdutil.References(rel.Artifacts)),
		ui.KV("Host", rel.Host),
		ui.KV("Error", rel.Error),
	))
	if rel.FailedStage == stage.ErrLocked.Name() {
		fmt.Fprintln(w, ui.WarnMsg("If no other release is running, clear the lock with %s.", ui.Bold("stevedore unlock")))
	}
}
