package simflowctl

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/armadaproject/simflow/internal/common/flowcontext"
	"github.com/armadaproject/simflow/internal/common/flowerrors"
	"github.com/armadaproject/simflow/internal/hpcscheduler"
	"github.com/armadaproject/simflow/internal/taskdb"
	"github.com/armadaproject/simflow/internal/workflow"
)

// Cancel asks the scheduler to cancel the job currently attached to a task. The task's status is not changed here;
// it follows from the job script or from reconciliation.
func (a *App) Cancel(runFolder, runName, procType string) error {
	p, err := workflow.ParseProcessType(procType)
	if err != nil {
		return err
	}
	key := taskdb.TaskKey{RunName: runName, ProcType: p}
	config, err := a.config(runFolder)
	if err != nil {
		return err
	}

	var task *taskdb.Task
	err = a.withStore(runFolder, func(ctx *flowcontext.Context, store *taskdb.Store) error {
		task, err = store.GetTask(ctx, key)
		return err
	})
	if err != nil {
		return err
	}
	if task == nil {
		return errors.WithStack(&flowerrors.ErrNotFound{Type: "task", Value: key.String()})
	}
	if !task.HasJob() {
		return errors.WithStack(&flowerrors.ErrInvalidArgument{
			Name:    "task",
			Value:   key.String(),
			Message: fmt.Sprintf("has no scheduler job (status %s)", task.Status),
		})
	}

	scheduler := hpcscheduler.New(config.Scheduler, a.Runner, a.Clock)
	machine := config.Controller.Machine(p)
	fmt.Fprintf(a.Out, "Requesting cancellation of job %d for %s\n", *task.JobID, key)
	result, err := scheduler.CancelJob(flowcontext.Background(), *task.JobID, machine)
	if err != nil {
		return errors.WithMessagef(err, "error cancelling job %d for %s", *task.JobID, key)
	}
	if output := strings.TrimSpace(result.Stdout + result.Stderr); output != "" {
		fmt.Fprintln(a.Out, output)
	}
	if result.Failed() {
		return errors.Errorf("scheduler reported a problem cancelling job %d", *task.JobID)
	}
	fmt.Fprintf(a.Out, "Cancelled job %d\n", *task.JobID)
	return nil
}
