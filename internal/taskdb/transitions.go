package taskdb

import (
	"golang.org/x/exp/slices"

	"github.com/armadaproject/simflow/internal/workflow"
)

// validTransitions lists every status change the store accepts. A failed task is moved on to created by the store
// itself while it has retries left; a created update for a failed task is only accepted under the same condition.
var validTransitions = map[workflow.Status][]workflow.Status{
	workflow.Created: {workflow.Queued},
	workflow.Queued:  {workflow.Running, workflow.Failed, workflow.Unknown},
	workflow.Running: {workflow.Completed, workflow.Failed, workflow.Unknown},
	workflow.Failed:  {workflow.Created},
	workflow.Unknown: {workflow.Completed, workflow.Failed, workflow.Running},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to workflow.Status) bool {
	return slices.Contains(validTransitions[from], to)
}
