package cmd

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/armadaproject/simflow/internal/common/flowerrors"
	"github.com/armadaproject/simflow/internal/simflowctl"
	"github.com/armadaproject/simflow/internal/workflow"
)

var defaultRegisterStages = []string{
	string(workflow.EMOD3D),
	string(workflow.HF),
	string(workflow.BB),
	string(workflow.IMCalculation),
}

func enqueueCmd(app *simflowctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "enqueue <queue_folder> <run_name> <proc_type> <status> [job_id]",
		Aliases: []string{"enqueue-update"},
		Short:   "Queue a status update for a task",
		Long: `Queue a status update for a task. Job scripts call this to report progress.

The update is written to queue_folder and reaches the database on the next consolidation pass.`,
		Args: cobra.RangeArgs(4, 5),
		RunE: func(cmd *cobra.Command, args []string) error {
			errorText, err := cmd.Flags().GetString("error")
			if err != nil {
				return err
			}
			var jobID *int64
			if len(args) == 5 {
				id, err := strconv.ParseInt(args[4], 10, 64)
				if err != nil {
					return errors.WithStack(&flowerrors.ErrInvalidArgument{Name: "job_id", Value: args[4], Message: "must be an integer"})
				}
				jobID = &id
			}
			return app.Enqueue(args[0], args[1], args[2], args[3], jobID, errorText)
		},
	}
	cmd.Flags().String("error", "", "Reason for a failure")
	return cmd
}

func statusCmd(app *simflowctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "status <run_folder> [run_name_pattern]",
		Aliases: []string{"query-status"},
		Short:   "Show the status of tasks",
		Long:    "Show the status of tasks. run_name_pattern may use % and _ wildcards; by default every task is shown.",
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, err := cmd.Flags().GetBool("verbose")
			if err != nil {
				return err
			}
			pattern := ""
			if len(args) == 2 {
				pattern = args[1]
			}
			return app.Status(args[0], pattern, verbose)
		},
	}
	cmd.Flags().BoolP("verbose", "v", false, "Also show job ids, retry counts and the last error")
	return cmd
}

func updateTimeCmd(app *simflowctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "update-time <run_folder> <run_name> <process> <status>",
		Short: "Record the current time for a task's transition, unless one is already recorded",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.UpdateTime(args[0], args[1], args[2], args[3])
		},
	}
}

func registerCmd(app *simflowctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <run_folder> <run_name>...",
		Short: "Add tasks for one or more realisations",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stages, err := cmd.Flags().GetStringSlice("stages")
			if err != nil {
				return err
			}
			withDependencies, err := cmd.Flags().GetBool("with-dependencies")
			if err != nil {
				return err
			}
			return app.Register(args[0], args[1:], stages, withDependencies)
		},
	}
	cmd.Flags().StringSlice("stages", defaultRegisterStages, "Process types to register")
	cmd.Flags().Bool("with-dependencies", false, "Also register every stage the selected ones depend on")
	return cmd
}

func consolidateCmd(app *simflowctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "consolidate <run_folder>",
		Short: "Apply every queued update to the database once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Consolidate(args[0])
		},
	}
}

func errorsCmd(app *simflowctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "errors <run_folder>",
		Short: "List recorded task and scheduler errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Errors(args[0])
		},
	}
}

func cancelCmd(app *simflowctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run_folder> <run_name> <proc_type>",
		Short: "Cancel the scheduler job attached to a task",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Cancel(args[0], args[1], args[2])
		},
	}
}

func migrateDatabaseCmd(app *simflowctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "migrateDatabase <run_folder>",
		Short: "Create the database or bring it up to the current schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.MigrateDatabase(args[0])
		},
	}
}
