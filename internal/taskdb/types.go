package taskdb

import (
	"fmt"
	"time"

	"github.com/armadaproject/simflow/internal/workflow"
)

// TaskKey identifies a task: one stage of one realisation.
type TaskKey struct {
	RunName  string
	ProcType workflow.ProcessType
}

func (k TaskKey) String() string {
	return fmt.Sprintf("%s/%s", k.RunName, k.ProcType)
}

// Task is the stored state of one stage of one realisation. A retried task keeps its row; only Status, JobID,
// RetryCount and LastError change.
type Task struct {
	// Row id, assigned by the repository.
	ID       int64
	RunName  string
	ProcType workflow.ProcessType
	Status   workflow.Status
	// Scheduler job id. Nil until the task has been submitted, and cleared again when it is recycled for a retry.
	JobID      *int64
	RetryCount int
	// Most recent error text reported for the task.
	LastError string
	// Time of the most recent accepted transition.
	LastModified time.Time
}

func (t *Task) Key() TaskKey {
	return TaskKey{RunName: t.RunName, ProcType: t.ProcType}
}

// HasJob returns true if the task carries a scheduler job id.
func (t *Task) HasJob() bool {
	return t.JobID != nil
}

// DeepCopy is needed because tasks handed to the in-memory repository must not be modified in place.
func (t *Task) DeepCopy() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.JobID != nil {
		jobID := *t.JobID
		c.JobID = &jobID
	}
	return &c
}

// TimeLogEntry records one accepted transition.
type TimeLogEntry struct {
	ID     int64
	TaskID int64
	Status workflow.Status
	Time   time.Time
}

// ErrorRecord is a recurring error, keyed by the task or subsystem it concerns and the reason.
type ErrorRecord struct {
	Name           string
	Reason         string
	LastUpdateTime time.Time
}

// Update asks the store to move a task to a new status.
type Update struct {
	RunName  string
	ProcType workflow.ProcessType
	Status   workflow.Status
	JobID    *int64
	Error    string
}

func (u Update) Key() TaskKey {
	return TaskKey{RunName: u.RunName, ProcType: u.ProcType}
}

// Outcome describes what ApplyTransition did with an update.
type Outcome int

const (
	// The transition was accepted and recorded.
	Applied Outcome = iota
	// The task failed and was put back to created for another attempt.
	Recycled
	// The update repeated the current status; only a changed job id, if any, was stored.
	Ignored
	// The update didn't name a registered task or wasn't a valid transition. Nothing was stored.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Recycled:
		return "recycled"
	case Ignored:
		return "ignored"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result is returned by ApplyTransition.
type Result struct {
	Outcome Outcome
	// The task after the update. Nil if the task doesn't exist.
	Task *Task
	// Why the update was rejected.
	Reason string
}

// Filter selects tasks. Empty fields match everything.
type Filter struct {
	// SQL LIKE pattern matched against the run name.
	RunNamePattern string
	RunNames       []string
	ProcTypes      []workflow.ProcessType
	Statuses       []workflow.Status
	ExcludeIDs     []int64
}
