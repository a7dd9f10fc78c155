package hpcscheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/armadaproject/simflow/internal/common/flowcontext"
	"github.com/armadaproject/simflow/internal/common/flowerrors"
)

var pbsSubmitted = regexp.MustCompile(`^\s*(\d+)(\.\S*)?\s*$`)

// PBSScheduler drives qsub, qdel and qstat. Script arguments are passed as environment variables with -v.
type PBSScheduler struct {
	cmd     command
	account string
}

func NewPBSScheduler(config Config, runner CommandRunner) *PBSScheduler {
	return &PBSScheduler{
		cmd:     command{runner: runner, timeout: config.CommandTimeout},
		account: config.Account,
	}
}

func (s *PBSScheduler) Kind() Kind {
	return PBS
}

func (s *PBSScheduler) SubmitJob(ctx *flowcontext.Context, req SubmitRequest) (int64, error) {
	// PBS has no job id substitution in -o/-e, so the job name alone identifies the output files.
	stdoutPath, stderrPath := outputPaths(req, "pbs")
	args := []string{"-o", stdoutPath, "-e", stderrPath}
	if req.JobName != "" {
		args = append(args, "-N", req.JobName)
	}
	if req.Resources.Cores > 0 {
		args = append(args, "-l", fmt.Sprintf("ncpus=%d", req.Resources.Cores))
	}
	if req.Resources.WallClock > 0 {
		args = append(args, "-l", "walltime="+formatWallClock(req.Resources.WallClock))
	}
	if s.account != "" {
		args = append(args, "-P", s.account)
	}
	if req.Machine != "" {
		args = append(args, "-q", req.Machine)
	}
	args = append(args, s.ProcessArguments(scriptPath(req), req.Arguments)...)

	stdout, stderr, err := s.cmd.run(ctx, "qsub", args...)
	if err != nil {
		return 0, err
	}
	match := pbsSubmitted.FindStringSubmatch(stdout)
	if match == nil {
		return 0, errors.WithStack(&flowerrors.SchedulerError{
			Command: "qsub",
			Stdout:  stdout,
			Stderr:  stderr,
			Err:     errors.New("no job id in qsub output"),
		})
	}
	jobID, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	ctx.Log.Infof("Submitted %s as pbs job %d", req.ScriptPath, jobID)
	return jobID, nil
}

func (s *PBSScheduler) CancelJob(ctx *flowcontext.Context, jobID int64, machine string) (CancelResult, error) {
	id := strconv.FormatInt(jobID, 10)
	if machine != "" {
		id += "@" + machine
	}
	stdout, stderr, err := s.cmd.run(ctx, "qdel", id)
	return CancelResult{Stdout: stdout, Stderr: stderr}, err
}

// CheckQueues parses the default "qstat -u" table, where the state is the second to last column.
func (s *PBSScheduler) CheckQueues(ctx *flowcontext.Context, user string, machine string) ([]string, error) {
	var args []string
	if user != "" {
		args = append(args, "-u", user)
	}
	if machine != "" {
		args = append(args, "@"+machine)
	}
	stdout, _, err := s.cmd.run(ctx, "qstat", args...)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		match := pbsSubmitted.FindStringSubmatch(fields[0])
		if match == nil {
			continue
		}
		lines = append(lines, match[1]+" "+fields[len(fields)-2])
	}
	return lines, nil
}

// ProcessArguments passes arguments as "-v KEY=VALUE,..." ahead of the script.
func (s *PBSScheduler) ProcessArguments(scriptPath string, args []Argument) []string {
	if len(args) == 0 {
		return []string{scriptPath}
	}
	vars := make([]string, 0, len(args))
	for _, arg := range args {
		vars = append(vars, arg.Key+"="+arg.Value)
	}
	return []string{"-V", "-v", strings.Join(vars, ","), scriptPath}
}

func (s *PBSScheduler) GetMetadata(ctx *flowcontext.Context, jobID int64, machine string) (*JobMetadata, error) {
	id := strconv.FormatInt(jobID, 10)
	if machine != "" {
		id += "@" + machine
	}
	stdout, _, err := s.cmd.run(ctx, "qstat", "-fx", id)
	if err != nil {
		return nil, err
	}
	attrs := map[string]string{}
	for _, line := range strings.Split(stdout, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		attrs[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	state, ok := attrs["job_state"]
	if !ok {
		return nil, errors.WithStack(&flowerrors.ErrNotFound{Type: "pbs job", Value: id})
	}
	meta := &JobMetadata{JobID: jobID, State: state}
	if walltime, ok := attrs["resources_used.walltime"]; ok {
		if meta.Elapsed, err = parseElapsed(walltime); err != nil {
			return nil, err
		}
	}
	if ncpus, ok := attrs["resources_used.ncpus"]; ok {
		if meta.Cores, err = strconv.Atoi(ncpus); err != nil {
			return nil, errors.Wrapf(err, "parsing ncpus %q", ncpus)
		}
	}
	meta.Completed = state == "F" && attrs["Exit_status"] == "0"
	return meta, nil
}

func (s *PBSScheduler) StateOf(raw string) JobState {
	switch raw {
	case "Q", "H", "W", "T", "S", "U", "B":
		return JobPending
	case "R", "E":
		return JobRunning
	case "F", "X":
		return JobFinished
	default:
		return JobOther
	}
}
