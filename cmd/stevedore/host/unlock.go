package hostcmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"stevedore/cmd/stevedore/cmdutil"
	"stevedore/cmd/stevedore/ui"
)

// UnlockCmd returns "stevedore unlock", which clears a host lock left by a
// release that died before finishing.
func UnlockCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Remove a stale release lock from the host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			session, err := cmdutil.LoadSession(*configPath)
			if err != nil {
				return err
			}
			if err := session.Secrets.ValidateHost(); err != nil {
				return fmt.Errorf("missing host secrets: %w", err)
			}

			holder, err := session.Provisioner().Unlock(cmd.Context())
			if err != nil {
				return err
			}
			if holder.ReleaseID == "" {
				fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("Host %s is unlocked.", session.Secrets.Host))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("Removed lock held by release %s, taken %s.",
				cmdutil.ShortID(holder.ReleaseID), humanize.Time(holder.AcquiredAt)))
			return nil
		},
	}
}
