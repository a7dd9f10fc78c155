package simflowctl

import (
	"fmt"

	"github.com/armadaproject/simflow/internal/common/flowcontext"
	"github.com/armadaproject/simflow/internal/taskdb"
	"github.com/armadaproject/simflow/internal/workflow"
)

// Register adds tasks for the given stages of each realisation. With withDependencies, every stage the named ones
// depend on is registered as well.
func (a *App) Register(runFolder string, runNames []string, procTypes []string, withDependencies bool) error {
	stages, err := workflow.ParseProcessTypes(procTypes)
	if err != nil {
		return err
	}
	if withDependencies {
		stages = workflow.WithDependencies(stages)
	}
	return a.withStore(runFolder, func(ctx *flowcontext.Context, store *taskdb.Store) error {
		total := 0
		for _, runName := range runNames {
			created, err := store.Register(ctx, runName, stages)
			if err != nil {
				return err
			}
			total += created
		}
		fmt.Fprintf(a.Out, "Registered %d new tasks across %d realisations\n", total, len(runNames))
		return nil
	})
}
