package historycmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"stevedore/cmd/stevedore/cmdutil"
	"stevedore/cmd/stevedore/ui"
	"stevedore/config"
	"stevedore/internal/adapter/sqlite"
	"stevedore/internal/release"
)

// ShowCmd returns "stevedore show <id>". A unique id prefix is enough.
func ShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one release",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			store, err := cmdutil.OpenStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			rel, ok, err := store.GetRelease(cmd.Context(), args[0])
			if errors.Is(err, sqlite.ErrAmbiguous) {
				return fmt.Errorf("release id %q is ambiguous, use more characters", args[0])
			}
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("release %q not found", args[0])
			}
			fmt.Fprint(cmd.OutOrStdout(), details(rel, time.Now()))
			return nil
		},
	}
}

func details(r release.Release, now time.Time) string {
	started := r.StartedAt.Local().Format(time.DateTime) + " (" + humanize.RelTime(r.StartedAt, now, "ago", "from now") + ")"
	var finished, duration string
	if !r.FinishedAt.IsZero() {
		finished = r.FinishedAt.Local().Format(time.DateTime)
		duration = r.Duration().Round(time.Second).String()
	}
	return ui.KeyValues("",
		ui.KV("ID", r.ID),
		ui.KV("Phase", ui.Phase(r.Phase)),
		ui.KV("Failed stage", r.FailedStage),
		ui.KV("Trigger", r.Trigger.String()),
		ui.KV("Repository", r.Trigger.Repository),
		ui.KV("Run", r.Trigger.RunID),
		ui.KV("Images", cmdutil.References(r.Artifacts)),
		ui.KV("Host", r.Host),
		ui.KV("Started", started),
		ui.KV("Finished", finished),
		ui.KV("Duration", duration),
		ui.KV("Error", r.Error),
	)
}
