package cmd

import (
	"github.com/spf13/cobra"

	"github.com/armadaproject/simflow/internal/common"
	"github.com/armadaproject/simflow/internal/simflowctl"
)

const (
	defaultConfigPath = "./config/simflow"
	configFlag        = "config"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	app := simflowctl.New()
	cmd := &cobra.Command{
		Use:           "simflow",
		Short:         "simflow tracks and submits the stages of simulation realisations on an HPC cluster.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := cmd.Flags().GetStringSlice(configFlag)
			if err != nil {
				return err
			}
			return common.LoadConfig(&app.Params.Config, defaultConfigPath, overrides)
		},
	}
	cmd.PersistentFlags().StringSlice(configFlag, []string{}, "Config files merged over "+defaultConfigPath+"/config.yaml, in order")

	cmd.AddCommand(
		runCmd(app),
		consolidateCmd(app),
		registerCmd(app),
		enqueueCmd(app),
		statusCmd(app),
		updateTimeCmd(app),
		errorsCmd(app),
		cancelCmd(app),
		migrateDatabaseCmd(app),
	)

	return cmd
}
