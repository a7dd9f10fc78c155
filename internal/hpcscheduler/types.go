package hpcscheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/armadaproject/simflow/internal/common/flowcontext"
)

// Kind names a scheduler family.
type Kind string

const (
	Slurm  Kind = "slurm"
	PBS    Kind = "pbs"
	Direct Kind = "direct"
)

// ParseKind maps a configuration value to a Kind. Anything unrecognised, including the empty string, selects Direct
// so that a machine without a batch scheduler still runs jobs.
func ParseKind(s string) Kind {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case Slurm:
		return Slurm
	case PBS:
		return PBS
	default:
		return Direct
	}
}

// Argument is one script argument. Order matters for schedulers that pass arguments positionally.
type Argument struct {
	Key   string
	Value string
}

type Resources struct {
	Cores     int
	WallClock time.Duration
}

// SubmitRequest describes a prepared job script to submit.
type SubmitRequest struct {
	// Realisation directory; the job runs here and its stdout/stderr files are written here.
	SimDir string
	// Script to submit, absolute or relative to SimDir.
	ScriptPath string
	Arguments  []Argument
	// Cluster to submit to. Empty means the scheduler's default.
	Machine   string
	JobName   string
	Resources Resources
}

// CancelResult is what the cancel command printed. Schedulers often report a failed cancellation only in this text.
type CancelResult struct {
	Stdout string
	Stderr string
}

var cancelErrorMarkers = []string{"error", "invalid job id", "unknown job id", "does not exist"}

// Failed reports whether the output contains a known error marker.
func (r CancelResult) Failed() bool {
	text := strings.ToLower(r.Stdout + "\n" + r.Stderr)
	for _, marker := range cancelErrorMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// JobState is a scheduler state reduced to what reconciliation needs.
type JobState int

const (
	JobPending JobState = iota
	JobRunning
	JobFinished
	JobOther
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobRunning:
		return "running"
	case JobFinished:
		return "finished"
	default:
		return "other"
	}
}

// JobMetadata is the resource usage the scheduler recorded for a job.
type JobMetadata struct {
	JobID   int64         `json:"job_id"`
	Elapsed time.Duration `json:"-"`
	Cores   int           `json:"cores"`
	State   string        `json:"state"`
	// True when the scheduler recorded the job as having finished successfully.
	Completed bool `json:"completed"`
}

func (m JobMetadata) String() string {
	return fmt.Sprintf("job %d: %s on %d cores, state %s", m.JobID, m.Elapsed, m.Cores, m.State)
}

// Scheduler is the capability surface shared by every batch scheduler backend.
type Scheduler interface {
	Kind() Kind
	// SubmitJob submits a job script and returns its job id. A SchedulerError means the submission command itself
	// failed; the job was not submitted.
	SubmitJob(ctx *flowcontext.Context, req SubmitRequest) (int64, error)
	// CancelJob asks the scheduler to cancel a job. The returned text should be checked with CancelResult.Failed.
	CancelJob(ctx *flowcontext.Context, jobID int64, machine string) (CancelResult, error)
	// CheckQueues lists the jobs the scheduler currently knows about, one "<job_id> <state>" line each.
	CheckQueues(ctx *flowcontext.Context, user string, machine string) ([]string, error)
	// ProcessArguments renders a script and its arguments into the command line tail the scheduler expects.
	ProcessArguments(scriptPath string, args []Argument) []string
	// GetMetadata returns the scheduler's accounting record for a job.
	GetMetadata(ctx *flowcontext.Context, jobID int64, machine string) (*JobMetadata, error)
	// StateOf classifies a state token as printed by CheckQueues.
	StateOf(raw string) JobState
}
