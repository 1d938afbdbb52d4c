package historycmd

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"stevedore/cmd/stevedore/cmdutil"
	"stevedore/cmd/stevedore/ui"
	"stevedore/config"
	"stevedore/internal/release"
)

// Cmd returns "stevedore history".
func Cmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past releases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			store, err := cmdutil.OpenStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			releases, err := store.ListReleases(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(releases) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), ui.InfoMsg("No releases yet."))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.Table(
				[]string{"ID", "Started", "Trigger", "Phase", "Stage", "Duration"},
				historyRows(releases, time.Now()),
			))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of releases to show (0 for all)")
	return cmd
}

func historyRows(releases []release.Release, now time.Time) [][]string {
	rows := make([][]string, 0, len(releases))
	for _, r := range releases {
		duration := "-"
		if d := r.Duration(); d > 0 {
			duration = d.Round(time.Second).String()
		}
		stage := r.FailedStage
		if stage == "" {
			stage = "-"
		}
		rows = append(rows, []string{
			cmdutil.ShortID(r.ID),
			humanize.RelTime(r.StartedAt, now, "ago", "from now"),
			r.Trigger.String(),
			ui.Phase(r.Phase),
			stage,
			duration,
		})
	}
	return rows
}
