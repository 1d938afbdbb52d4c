package releasecmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"stevedore/cmd/stevedore/cmdutil"
	"stevedore/cmd/stevedore/ui"
	"stevedore/internal/adapter/docker"
	"stevedore/internal/release"
)

const namespacePlaceholder = "<namespace>"

// PlanCmd returns "stevedore plan", which prints the steps a release would
// run without touching the engine, the registry or the host.
func PlanCmd(configPath *string) *cobra.Command {
	var flags cmdutil.RequestFlags
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the steps a release would run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			session, err := cmdutil.LoadSession(*configPath)
			if err != nil {
				return err
			}
			if session.Config.Namespace(session.Secrets) == "" {
				session.Secrets.RegistryUsername = namespacePlaceholder
			}
			req, err := session.Request(cmd.Context(), flags, time.Now())
			if err != nil {
				return err
			}

			engine, err := docker.NewEngine()
			if err != nil {
				return err
			}
			defer engine.Close()
			pipeline := release.New(engine, engine, session.Provisioner(), session.Controller())

			out := cmd.OutOrStdout()
			fmt.Fprint(out, ui.KeyValues("",
				ui.KV("Trigger", session.Trigger.String()),
				ui.KV("Deploys", deploysLabel(session.Trigger, session.Config.Branch)),
				ui.KV("Host", session.Secrets.Host),
				ui.KV("Directory", session.Config.Host.Dir),
				ui.KV("Images", cmdutil.References(req.Artifacts())),
			))
			fmt.Fprintln(out)
			fmt.Fprint(out, ui.RenderPlan(pipeline.Steps(req)))
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.Tag, "tag", "", "Image tag (default: short commit, else a timestamp)")
	cmd.Flags().BoolVar(&flags.SkipBuild, "skip-build", false, "Plan without the build stage")
	cmd.Flags().BoolVar(&flags.SkipPush, "skip-push", false, "Plan without the publish stage")
	return cmd
}

func deploysLabel(t release.Trigger, branch string) string {
	if t.Deploys(branch) {
		return "yes"
	}
	return fmt.Sprintf("no (deploy branch is %s)", branch)
}
