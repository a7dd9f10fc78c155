package simflowctl

import (
	"fmt"

	"github.com/armadaproject/simflow/internal/common/flowcontext"
	"github.com/armadaproject/simflow/internal/taskdb"
	"github.com/armadaproject/simflow/internal/workflow"
)

// UpdateTime stamps the current time against a task's transition to status, unless that transition already has a
// time. Existing times are never changed.
func (a *App) UpdateTime(runFolder, runName, procType, status string) error {
	p, err := workflow.ParseProcessType(procType)
	if err != nil {
		return err
	}
	s, err := workflow.ParseStatus(status)
	if err != nil {
		return err
	}
	key := taskdb.TaskKey{RunName: runName, ProcType: p}
	return a.withStore(runFolder, func(ctx *flowcontext.Context, store *taskdb.Store) error {
		inserted, err := store.RecordTime(ctx, key, s, a.Clock.Now())
		if err != nil {
			return err
		}
		if inserted {
			fmt.Fprintf(a.Out, "Recorded %s time for %s\n", s, key)
		} else {
			fmt.Fprintf(a.Out, "%s already has a %s time; left unchanged\n", key, s)
		}
		return nil
	})
}
