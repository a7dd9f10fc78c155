package simflowctl

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/armadaproject/simflow/internal/common/flowcontext"
	"github.com/armadaproject/simflow/internal/inbox"
	"github.com/armadaproject/simflow/internal/taskdb"
	"github.com/armadaproject/simflow/internal/workflow"
)

// Enqueue writes a status update for one task into queueFolder. Job scripts call this to report progress; the
// update reaches the database on the consolidator's next pass.
func (a *App) Enqueue(queueFolder, runName, procType, status string, jobID *int64, errorText string) error {
	p, err := workflow.ParseProcessType(procType)
	if err != nil {
		return err
	}
	s, err := workflow.ParseStatus(status)
	if err != nil {
		return err
	}
	update := taskdb.Update{
		RunName:  runName,
		ProcType: p,
		Status:   s,
		JobID:    jobID,
		Error:    errorText,
	}
	path, err := inbox.NewWriter(queueFolder, a.Clock).Enqueue(flowcontext.Background(), update)
	if err != nil {
		return errors.WithMessagef(err, "error enqueueing %s update for %s", s, update.Key())
	}
	fmt.Fprintf(a.Out, "Enqueued %s update for %s as %s\n", s, update.Key(), path)
	return nil
}
