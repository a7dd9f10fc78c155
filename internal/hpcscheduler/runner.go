package hpcscheduler

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/armadaproject/simflow/internal/common/flowcontext"
	"github.com/armadaproject/simflow/internal/common/flowerrors"
)

// CommandRunner runs scheduler commands. Tests substitute a fake.
type CommandRunner interface {
	// Run executes name with args and waits for it to exit.
	Run(ctx context.Context, name string, args ...string) (stdout string, stderr string, err error)
	// Start launches a long-running process without waiting for it.
	Start(spec ProcessSpec) (Process, error)
}

// ProcessSpec describes a process launched by the direct backend.
type ProcessSpec struct {
	Name       string
	Args       []string
	Dir        string
	StdoutPath string
	StderrPath string
}

type Process interface {
	Pid() int
	// Wait blocks until the process exits and returns its error, if any.
	Wait() error
	Kill() error
}

type ExecRunner struct{}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	return stdout.String(), stderr.String(), err
}

func (r *ExecRunner) Start(spec ProcessSpec) (Process, error) {
	stdout, err := os.OpenFile(spec.StdoutPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o664)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	stderr, err := os.OpenFile(spec.StderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o664)
	if err != nil {
		_ = stdout.Close()
		return nil, errors.WithStack(err)
	}
	cmd := exec.Command(spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, errors.WithStack(err)
	}
	return &execProcess{cmd: cmd, files: []*os.File{stdout, stderr}}, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	files []*os.File
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	for _, f := range p.files {
		_ = f.Close()
	}
	return err
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

// command runs one scheduler command with a timeout, logging what was run and what it printed. A failure is returned
// as a SchedulerError carrying the output.
type command struct {
	runner  CommandRunner
	timeout time.Duration
}

func (c command) run(ctx *flowcontext.Context, name string, args ...string) (string, string, error) {
	runCtx := ctx.Context
	if c.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := time.Now()
	stdout, stderr, err := c.runner.Run(runCtx, name, args...)
	ctx.Log.WithFields(logrus.Fields{
		"command":  name,
		"args":     strings.Join(args, " "),
		"stdout":   strings.TrimSpace(stdout),
		"stderr":   strings.TrimSpace(stderr),
		"duration": time.Since(start),
	}).Debug("Ran scheduler command")
	if err != nil {
		return stdout, stderr, errors.WithStack(&flowerrors.SchedulerError{
			Command: name + " " + strings.Join(args, " "),
			Stdout:  stdout,
			Stderr:  stderr,
			Err:     err,
		})
	}
	return stdout, stderr, nil
}
