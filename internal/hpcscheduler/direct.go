package hpcscheduler

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/armadaproject/simflow/internal/common/flowcontext"
	"github.com/armadaproject/simflow/internal/common/flowerrors"
)

const (
	directRunning  = "R"
	directFinished = "F"
)

type directJob struct {
	process  Process
	started  time.Time
	finished time.Time
	done     bool
	err      error
	cores    int
}

// DirectScheduler runs job scripts as local background processes, for machines without a batch scheduler. The
// process id is the job id. Jobs are only known to the scheduler instance that started them.
type DirectScheduler struct {
	runner CommandRunner
	shell  string
	clock  clock.PassiveClock
	mu     sync.Mutex
	jobs   map[int64]*directJob
}

func NewDirectScheduler(config Config, runner CommandRunner, clock clock.PassiveClock) *DirectScheduler {
	shell := config.Shell
	if shell == "" {
		shell = "bash"
	}
	return &DirectScheduler{
		runner: runner,
		shell:  shell,
		clock:  clock,
		jobs:   map[int64]*directJob{},
	}
}

func (s *DirectScheduler) Kind() Kind {
	return Direct
}

func (s *DirectScheduler) SubmitJob(ctx *flowcontext.Context, req SubmitRequest) (int64, error) {
	stdoutPath, stderrPath := outputPaths(req, "direct")
	spec := ProcessSpec{
		Name:       s.shell,
		Args:       s.ProcessArguments(scriptPath(req), req.Arguments),
		Dir:        req.SimDir,
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
	}
	process, err := s.runner.Start(spec)
	ctx.Log.WithField("args", spec.Args).WithError(err).Debugf("Started %s", s.shell)
	if err != nil {
		return 0, errors.WithStack(&flowerrors.SchedulerError{Command: s.shell + " " + scriptPath(req), Err: err})
	}

	jobID := int64(process.Pid())
	job := &directJob{process: process, started: s.clock.Now(), cores: req.Resources.Cores}
	s.mu.Lock()
	s.jobs[jobID] = job
	s.mu.Unlock()

	go func() {
		err := process.Wait()
		s.mu.Lock()
		defer s.mu.Unlock()
		job.done = true
		job.err = err
		job.finished = s.clock.Now()
	}()
	ctx.Log.Infof("Started %s as local process %d", req.ScriptPath, jobID)
	return jobID, nil
}

func (s *DirectScheduler) CancelJob(ctx *flowcontext.Context, jobID int64, _ string) (CancelResult, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	done := ok && job.done
	s.mu.Unlock()

	switch {
	case !ok:
		return CancelResult{Stderr: fmt.Sprintf("error: invalid job id %d", jobID)}, nil
	case done:
		return CancelResult{Stdout: fmt.Sprintf("process %d has already exited", jobID)}, nil
	}
	if err := job.process.Kill(); err != nil {
		ctx.Log.WithError(err).Debugf("Failed to kill process %d", jobID)
		return CancelResult{Stderr: fmt.Sprintf("error: killing process %d: %s", jobID, err)}, nil
	}
	ctx.Log.Debugf("Killed process %d", jobID)
	return CancelResult{Stdout: fmt.Sprintf("killed process %d", jobID)}, nil
}

// CheckQueues lists the processes this scheduler started that are still running.
func (s *DirectScheduler) CheckQueues(ctx *flowcontext.Context, _ string, _ string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := maps.Keys(s.jobs)
	slices.Sort(ids)
	var lines []string
	for _, id := range ids {
		if !s.jobs[id].done {
			lines = append(lines, fmt.Sprintf("%d %s", id, directRunning))
		}
	}
	ctx.Log.Debugf("%d local processes running", len(lines))
	return lines, nil
}

// ProcessArguments passes argument values positionally, as for Slurm.
func (s *DirectScheduler) ProcessArguments(scriptPath string, args []Argument) []string {
	out := []string{scriptPath}
	for _, arg := range args {
		out = append(out, arg.Value)
	}
	return out
}

func (s *DirectScheduler) GetMetadata(ctx *flowcontext.Context, jobID int64, _ string) (*JobMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, errors.WithStack(&flowerrors.ErrNotFound{Type: "local process", Value: strconv.FormatInt(jobID, 10)})
	}
	meta := &JobMetadata{JobID: jobID, Cores: job.cores, State: directRunning}
	end := s.clock.Now()
	if job.done {
		end = job.finished
		meta.State = directFinished
		meta.Completed = job.err == nil
	}
	meta.Elapsed = end.Sub(job.started)
	ctx.Log.Debugf("Metadata for process %d: %s", jobID, meta)
	return meta, nil
}

func (s *DirectScheduler) StateOf(raw string) JobState {
	switch raw {
	case directRunning:
		return JobRunning
	case directFinished:
		return JobFinished
	default:
		return JobOther
	}
}
