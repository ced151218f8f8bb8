package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Prepare the site repository",
	Long: `Create site_dir if needed and make it a git repository with an initial
commit on the main branch. Running it again is harmless.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := ctxOrBackground(cmd.Context())
		dir := viper.GetString("site_dir")
		if dryRun {
			ui.DryRunMsg("Would initialise %s", dir)
			return nil
		}
		created, err := newGitManager().InitRepo(ctx)
		if err != nil {
			return err
		}
		if created {
			ui.Success("Initialised site repository at %s", dir)
		} else {
			ui.Info("Site repository already initialised at %s", dir)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
