package configcmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"stevedore/cmd/stevedore/ui"
	"stevedore/config"
)

// InitCmd returns "stevedore init", which writes the default Foodgram
// configuration to the --config path.
func InitCmd(configPath *string) *cobra.Command {
	var (
		namespace string
		branch    string
		force     bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default stevedore.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			file := *configPath
			if !force {
				if _, err := os.Stat(file); err == nil {
					return fmt.Errorf("%s already exists, use --force to overwrite", file)
				} else if !errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("check %s: %w", file, err)
				}
			}

			cfg := config.Default()
			cfg.Registry.Namespace = strings.TrimSpace(namespace)
			if b := strings.TrimSpace(branch); b != "" {
				cfg.Branch = b
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.Save(file); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("Wrote %s.", file))
			if cfg.Registry.Namespace == "" {
				fmt.Fprintln(cmd.OutOrStdout(), ui.InfoMsg("Images will be tagged under %s.", ui.Bold("$"+config.EnvDockerUsername)))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "", "Registry namespace (default: the registry username)")
	cmd.Flags().StringVar(&branch, "branch", config.DefaultBranch, "Branch whose pushes release")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	return cmd
}
