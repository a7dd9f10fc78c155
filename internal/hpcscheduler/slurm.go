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

var slurmSubmitted = regexp.MustCompile(`Submitted batch job (\d+)`)

// SlurmScheduler drives sbatch, scancel, squeue and sacct. Script arguments are passed positionally.
type SlurmScheduler struct {
	cmd     command
	account string
}

func NewSlurmScheduler(config Config, runner CommandRunner) *SlurmScheduler {
	return &SlurmScheduler{
		cmd:     command{runner: runner, timeout: config.CommandTimeout},
		account: config.Account,
	}
}

func (s *SlurmScheduler) Kind() Kind {
	return Slurm
}

func (s *SlurmScheduler) SubmitJob(ctx *flowcontext.Context, req SubmitRequest) (int64, error) {
	stdoutPath, stderrPath := outputPaths(req, "%j")
	args := []string{
		"--output=" + stdoutPath,
		"--error=" + stderrPath,
	}
	if req.JobName != "" {
		args = append(args, "--job-name="+req.JobName)
	}
	if req.Resources.Cores > 0 {
		args = append(args, fmt.Sprintf("--ntasks=%d", req.Resources.Cores))
	}
	if req.Resources.WallClock > 0 {
		args = append(args, "--time="+formatWallClock(req.Resources.WallClock))
	}
	if s.account != "" {
		args = append(args, "--account="+s.account)
	}
	if req.Machine != "" {
		args = append(args, "--clusters="+req.Machine)
	}
	args = append(args, s.ProcessArguments(scriptPath(req), req.Arguments)...)

	stdout, stderr, err := s.cmd.run(ctx, "sbatch", args...)
	if err != nil {
		return 0, err
	}
	match := slurmSubmitted.FindStringSubmatch(stdout)
	if match == nil {
		return 0, errors.WithStack(&flowerrors.SchedulerError{
			Command: "sbatch",
			Stdout:  stdout,
			Stderr:  stderr,
			Err:     errors.New("no job id in sbatch output"),
		})
	}
	jobID, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	ctx.Log.Infof("Submitted %s as slurm job %d", req.ScriptPath, jobID)
	return jobID, nil
}

func (s *SlurmScheduler) CancelJob(ctx *flowcontext.Context, jobID int64, machine string) (CancelResult, error) {
	args := []string{"-v"}
	if machine != "" {
		args = append(args, "--clusters="+machine)
	}
	args = append(args, strconv.FormatInt(jobID, 10))
	stdout, stderr, err := s.cmd.run(ctx, "scancel", args...)
	return CancelResult{Stdout: stdout, Stderr: stderr}, err
}

func (s *SlurmScheduler) CheckQueues(ctx *flowcontext.Context, user string, machine string) ([]string, error) {
	args := []string{"-h", "-o", "%A %t"}
	if s.account != "" {
		args = append(args, "-A", s.account)
	}
	if user != "" {
		args = append(args, "-u", user)
	}
	if machine != "" {
		args = append(args, "-M", machine)
	}
	stdout, _, err := s.cmd.run(ctx, "squeue", args...)
	if err != nil {
		return nil, err
	}
	// With -M squeue prints a "CLUSTER: name" header first.
	var lines []string
	for _, line := range strings.Split(stdout, "\n") {
		if id, state, ok := parseQueueLine(line); ok {
			lines = append(lines, fmt.Sprintf("%d %s", id, state))
		}
	}
	return lines, nil
}

// ProcessArguments appends argument values after the script, in order.
func (s *SlurmScheduler) ProcessArguments(scriptPath string, args []Argument) []string {
	out := []string{scriptPath}
	for _, arg := range args {
		out = append(out, arg.Value)
	}
	return out
}

func (s *SlurmScheduler) GetMetadata(ctx *flowcontext.Context, jobID int64, machine string) (*JobMetadata, error) {
	args := []string{"-j", strconv.FormatInt(jobID, 10), "-o", "JobID,Elapsed,NCPUS,State", "-n", "-P"}
	if machine != "" {
		args = append(args, "-M", machine)
	}
	stdout, _, err := s.cmd.run(ctx, "sacct", args...)
	if err != nil {
		return nil, err
	}
	want := strconv.FormatInt(jobID, 10)
	for _, line := range strings.Split(stdout, "\n") {
		fields := strings.Split(strings.TrimSpace(line), "|")
		if len(fields) < 4 || fields[0] != want {
			continue
		}
		elapsed, err := parseElapsed(fields[1])
		if err != nil {
			return nil, err
		}
		cores, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, errors.Wrapf(err, "parsing NCPUS %q", fields[2])
		}
		// sacct appends the cancelling user to CANCELLED states.
		state := fields[3]
		if words := strings.Fields(state); len(words) > 0 {
			state = words[0]
		}
		return &JobMetadata{
			JobID:     jobID,
			Elapsed:   elapsed,
			Cores:     cores,
			State:     state,
			Completed: state == "COMPLETED",
		}, nil
	}
	return nil, errors.WithStack(&flowerrors.ErrNotFound{Type: "slurm job", Value: want})
}

func (s *SlurmScheduler) StateOf(raw string) JobState {
	switch raw {
	case "PD", "CF", "RQ", "RF", "RH", "S":
		return JobPending
	case "R", "CG", "SO":
		return JobRunning
	case "CD", "F", "CA", "TO", "NF", "OOM", "BF", "DL", "PR":
		return JobFinished
	default:
		return JobOther
	}
}
