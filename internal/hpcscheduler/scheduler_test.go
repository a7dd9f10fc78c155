package hpcscheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/armadaproject/simflow/internal/common/flowcontext"
	"github.com/armadaproject/simflow/internal/common/flowerrors"
)

type response struct {
	stdout string
	stderr string
	err    error
}

type fakeRunner struct {
	mu        sync.Mutex
	responses map[string]response
	calls     [][]string
	processes []*fakeProcess
	nextPid   int
}

func newFakeRunner(responses map[string]response) *fakeRunner {
	return &fakeRunner{responses: responses, nextPid: 4000}
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{name}, args...))
	resp := r.responses[name]
	return resp.stdout, resp.stderr, resp.err
}

func (r *fakeRunner) Start(spec ProcessSpec) (Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{spec.Name}, spec.Args...))
	if resp, ok := r.responses[spec.Name]; ok && resp.err != nil {
		return nil, resp.err
	}
	r.nextPid++
	p := &fakeProcess{pid: r.nextPid, exit: make(chan error, 1)}
	r.processes = append(r.processes, p)
	return p, nil
}

func (r *fakeRunner) lastCall() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fakeProcess struct {
	pid  int
	exit chan error
}

func (p *fakeProcess) Pid() int    { return p.pid }
func (p *fakeProcess) Wait() error { return <-p.exit }

func (p *fakeProcess) Kill() error {
	p.exit <- errors.New("signal: killed")
	return nil
}

var submitRequest = SubmitRequest{
	SimDir:     "/runs/Runs/Fault/Fault_REL01",
	ScriptPath: "run_emod3d.sl",
	Arguments: []Argument{
		{Key: "REL_NAME", Value: "Fault_REL01"},
		{Key: "MGMT_DB_LOC", Value: "/runs"},
	},
	Machine: "maui",
	JobName: "emod3d.Fault_REL01",
	Resources: Resources{
		Cores:     80,
		WallClock: 90*time.Minute + 20*time.Second,
	},
}

func TestParseKind(t *testing.T) {
	assert.Equal(t, Slurm, ParseKind("slurm"))
	assert.Equal(t, PBS, ParseKind(" PBS "))
	assert.Equal(t, Direct, ParseKind("direct"))
	assert.Equal(t, Direct, ParseKind(""))
	assert.Equal(t, Direct, ParseKind("lsf"))
}

func TestNew_SelectsBackend(t *testing.T) {
	clock := clocktesting.NewFakeClock(time.Now())
	runner := newFakeRunner(nil)
	assert.IsType(t, &SlurmScheduler{}, New(Config{Kind: Slurm}, runner, clock))
	assert.IsType(t, &PBSScheduler{}, New(Config{Kind: PBS}, runner, clock))
	assert.IsType(t, &DirectScheduler{}, New(Config{Kind: "unknown"}, runner, clock))

	cached := New(Config{Kind: Slurm, QueueCacheTTL: time.Minute}, runner, clock)
	require.IsType(t, &CachingScheduler{}, cached)
	assert.Equal(t, Slurm, cached.Kind())
}

func TestSlurm_SubmitJob(t *testing.T) {
	runner := newFakeRunner(map[string]response{"sbatch": {stdout: "Submitted batch job 1234567 on cluster maui\n"}})
	s := NewSlurmScheduler(Config{Account: "nesi00213"}, runner)

	jobID, err := s.SubmitJob(flowcontext.Background(), submitRequest)
	require.NoError(t, err)
	assert.Equal(t, int64(1234567), jobID)
	assert.Equal(t, []string{
		"sbatch",
		"--output=/runs/Runs/Fault/Fault_REL01/emod3d.Fault_REL01_%j.out",
		"--error=/runs/Runs/Fault/Fault_REL01/emod3d.Fault_REL01_%j.err",
		"--job-name=emod3d.Fault_REL01",
		"--ntasks=80",
		"--time=01:31:00",
		"--account=nesi00213",
		"--clusters=maui",
		"/runs/Runs/Fault/Fault_REL01/run_emod3d.sl",
		"Fault_REL01",
		"/runs",
	}, runner.lastCall())
}

func TestSlurm_SubmitJobFailures(t *testing.T) {
	tests := map[string]response{
		"command fails":  {stderr: "sbatch: error: Batch job submission failed: Invalid account", err: errors.New("exit status 1")},
		"no id reported": {stdout: "something unexpected"},
	}
	for name, resp := range tests {
		t.Run(name, func(t *testing.T) {
			s := NewSlurmScheduler(Config{}, newFakeRunner(map[string]response{"sbatch": resp}))
			_, err := s.SubmitJob(flowcontext.Background(), submitRequest)
			assert.True(t, flowerrors.IsSchedulerError(err), "expected scheduler error, got %v", err)
		})
	}
}

func TestSlurm_CheckQueues(t *testing.T) {
	out := "CLUSTER: maui\n1234 R\n1235 PD\n\n"
	runner := newFakeRunner(map[string]response{"squeue": {stdout: out}})
	s := NewSlurmScheduler(Config{Account: "nesi00213"}, runner)

	lines, err := s.CheckQueues(flowcontext.Background(), "jdoe", "maui")
	require.NoError(t, err)
	assert.Equal(t, []string{"1234 R", "1235 PD"}, lines)
	assert.Equal(t, []string{"squeue", "-h", "-o", "%A %t", "-A", "nesi00213", "-u", "jdoe", "-M", "maui"}, runner.lastCall())
	assert.Equal(t, map[int64]string{1234: "R", 1235: "PD"}, ParseQueue(lines))
	assert.Equal(t, JobRunning, s.StateOf("R"))
	assert.Equal(t, JobPending, s.StateOf("PD"))
}

func TestSlurm_GetMetadata(t *testing.T) {
	out := "1234|01:02:03|80|COMPLETED\n1234.batch|01:02:03|40|COMPLETED\n"
	s := NewSlurmScheduler(Config{}, newFakeRunner(map[string]response{"sacct": {stdout: out}}))

	meta, err := s.GetMetadata(flowcontext.Background(), 1234, "")
	require.NoError(t, err)
	assert.Equal(t, &JobMetadata{JobID: 1234, Elapsed: time.Hour + 2*time.Minute + 3*time.Second, Cores: 80, State: "COMPLETED", Completed: true}, meta)

	s = NewSlurmScheduler(Config{}, newFakeRunner(map[string]response{"sacct": {stdout: "1234|00:00:10|1|CANCELLED by 5000\n"}}))
	meta, err = s.GetMetadata(flowcontext.Background(), 1234, "")
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", meta.State)
	assert.False(t, meta.Completed)

	s = NewSlurmScheduler(Config{}, newFakeRunner(map[string]response{"sacct": {}}))
	_, err = s.GetMetadata(flowcontext.Background(), 99, "")
	assert.True(t, flowerrors.IsNotFound(err))
}

func TestSlurm_CancelJob(t *testing.T) {
	runner := newFakeRunner(map[string]response{"scancel": {stderr: "scancel: error: Kill job error on job id 1234: Invalid job id specified"}})
	s := NewSlurmScheduler(Config{}, runner)
	result, err := s.CancelJob(flowcontext.Background(), 1234, "maui")
	require.NoError(t, err)
	assert.True(t, result.Failed())
	assert.Equal(t, []string{"scancel", "-v", "--clusters=maui", "1234"}, runner.lastCall())
}

func TestProcessArguments(t *testing.T) {
	args := []Argument{{Key: "A", Value: "1"}, {Key: "B", Value: "two"}}
	slurm := NewSlurmScheduler(Config{}, nil)
	pbs := NewPBSScheduler(Config{}, nil)
	direct := NewDirectScheduler(Config{}, nil, clocktesting.NewFakeClock(time.Now()))

	assert.Equal(t, []string{"job.sl", "1", "two"}, slurm.ProcessArguments("job.sl", args))
	assert.Equal(t, []string{"-V", "-v", "A=1,B=two", "job.pbs"}, pbs.ProcessArguments("job.pbs", args))
	assert.Equal(t, []string{"job.pbs"}, pbs.ProcessArguments("job.pbs", nil))
	assert.Equal(t, []string{"job.sh", "1", "two"}, direct.ProcessArguments("job.sh", args))
}

func TestPBS_SubmitJob(t *testing.T) {
	runner := newFakeRunner(map[string]response{"qsub": {stdout: "4321.pbsserver\n"}})
	s := NewPBSScheduler(Config{Account: "proj1"}, runner)

	jobID, err := s.SubmitJob(flowcontext.Background(), submitRequest)
	require.NoError(t, err)
	assert.Equal(t, int64(4321), jobID)
	assert.Equal(t, []string{
		"qsub",
		"-o", "/runs/Runs/Fault/Fault_REL01/emod3d.Fault_REL01_pbs.out",
		"-e", "/runs/Runs/Fault/Fault_REL01/emod3d.Fault_REL01_pbs.err",
		"-N", "emod3d.Fault_REL01",
		"-l", "ncpus=80",
		"-l", "walltime=01:31:00",
		"-P", "proj1",
		"-q", "maui",
		"-V", "-v", "REL_NAME=Fault_REL01,MGMT_DB_LOC=/runs",
		"/runs/Runs/Fault/Fault_REL01/run_emod3d.sl",
	}, runner.lastCall())
}

func TestPBS_CheckQueues(t *testing.T) {
	out := strings.Join([]string{
		"",
		"pbsserver:",
		"                                                            Req'd  Req'd   Elap",
		"Job ID          Username Queue    Jobname    SessID NDS TSK Memory Time  S Time",
		"--------------- -------- -------- ---------- ------ --- --- ------ ----- - -----",
		"4321.pbsserver  jdoe     workq    emod3d      12345   2  80    --  01:31 R 00:10",
		"4322.pbsserver  jdoe     workq    hf             --   1  40    --  00:30 Q   --",
	}, "\n")
	runner := newFakeRunner(map[string]response{"qstat": {stdout: out}})
	s := NewPBSScheduler(Config{}, runner)

	lines, err := s.CheckQueues(flowcontext.Background(), "jdoe", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"4321 R", "4322 Q"}, lines)
	assert.Equal(t, []string{"qstat", "-u", "jdoe"}, runner.lastCall())
	assert.Equal(t, JobRunning, s.StateOf("R"))
	assert.Equal(t, JobPending, s.StateOf("Q"))
}

func TestPBS_GetMetadata(t *testing.T) {
	out := strings.Join([]string{
		"Job Id: 4321.pbsserver",
		"    Job_Name = emod3d",
		"    job_state = F",
		"    resources_used.ncpus = 80",
		"    resources_used.walltime = 00:45:10",
		"    Exit_status = 0",
	}, "\n")
	runner := newFakeRunner(map[string]response{"qstat": {stdout: out}})
	s := NewPBSScheduler(Config{}, runner)

	meta, err := s.GetMetadata(flowcontext.Background(), 4321, "")
	require.NoError(t, err)
	assert.Equal(t, &JobMetadata{JobID: 4321, Elapsed: 45*time.Minute + 10*time.Second, Cores: 80, State: "F", Completed: true}, meta)
	assert.Equal(t, []string{"qstat", "-fx", "4321"}, runner.lastCall())
}

func TestDirect_Lifecycle(t *testing.T) {
	ctx := flowcontext.Background()
	clock := clocktesting.NewFakeClock(time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC))
	runner := newFakeRunner(nil)
	s := NewDirectScheduler(Config{}, runner, clock)

	first, err := s.SubmitJob(ctx, submitRequest)
	require.NoError(t, err)
	second, err := s.SubmitJob(ctx, submitRequest)
	require.NoError(t, err)
	assert.Equal(t, []string{"bash", "/runs/Runs/Fault/Fault_REL01/run_emod3d.sl", "Fault_REL01", "/runs"}, runner.lastCall())

	lines, err := s.CheckQueues(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"4001 R", "4002 R"}, lines)

	clock.Step(10 * time.Minute)
	runner.processes[0].exit <- nil
	require.Eventually(t, func() bool {
		lines, _ := s.CheckQueues(ctx, "", "")
		return len(lines) == 1
	}, time.Second, 10*time.Millisecond)

	meta, err := s.GetMetadata(ctx, first, "")
	require.NoError(t, err)
	assert.True(t, meta.Completed)
	assert.Equal(t, 10*time.Minute, meta.Elapsed)
	assert.Equal(t, 80, meta.Cores)

	result, err := s.CancelJob(ctx, second, "")
	require.NoError(t, err)
	assert.False(t, result.Failed())
	require.Eventually(t, func() bool {
		lines, _ := s.CheckQueues(ctx, "", "")
		return len(lines) == 0
	}, time.Second, 10*time.Millisecond)
	meta, err = s.GetMetadata(ctx, second, "")
	require.NoError(t, err)
	assert.False(t, meta.Completed)

	result, err = s.CancelJob(ctx, 1, "")
	require.NoError(t, err)
	assert.True(t, result.Failed())
	_, err = s.GetMetadata(ctx, 1, "")
	assert.True(t, flowerrors.IsNotFound(err))
}

func TestCachingScheduler(t *testing.T) {
	ctx := flowcontext.Background()
	runner := newFakeRunner(map[string]response{
		"squeue": {stdout: "1 R\n"},
		"sbatch": {stdout: "Submitted batch job 2\n"},
	})
	s := NewCachingScheduler(NewSlurmScheduler(Config{}, runner), time.Minute)

	for i := 0; i < 3; i++ {
		lines, err := s.CheckQueues(ctx, "jdoe", "maui")
		require.NoError(t, err)
		assert.Equal(t, []string{"1 R"}, lines)
	}
	assert.Equal(t, 1, runner.callCount())

	_, err := s.CheckQueues(ctx, "jdoe", "mahuika")
	require.NoError(t, err)
	assert.Equal(t, 2, runner.callCount())

	_, err = s.SubmitJob(ctx, submitRequest)
	require.NoError(t, err)
	_, err = s.CheckQueues(ctx, "jdoe", "maui")
	require.NoError(t, err)
	assert.Equal(t, 4, runner.callCount())
}

func TestCancelResult_Failed(t *testing.T) {
	assert.False(t, CancelResult{Stdout: "scancel: Terminating job 1234"}.Failed())
	assert.True(t, CancelResult{Stderr: "qdel: Unknown Job Id 1234.pbsserver"}.Failed())
	assert.True(t, CancelResult{Stderr: "scancel: error: Invalid job id specified"}.Failed())
}

func TestFormatWallClock(t *testing.T) {
	assert.Equal(t, "00:15:00", formatWallClock(15*time.Minute))
	assert.Equal(t, "01:31:00", formatWallClock(90*time.Minute+1*time.Second))
	assert.Equal(t, "26:00:00", formatWallClock(26*time.Hour))
	assert.Equal(t, "00:01:00", formatWallClock(0))
}

func TestParseElapsed(t *testing.T) {
	tests := map[string]time.Duration{
		"01:02:03":   time.Hour + 2*time.Minute + 3*time.Second,
		"1-00:00:10": 24*time.Hour + 10*time.Second,
		"05:30":      5*time.Minute + 30*time.Second,
		"12:34.567":  12*time.Minute + 34*time.Second,
	}
	for in, expected := range tests {
		actual, err := parseElapsed(in)
		require.NoError(t, err, in)
		assert.Equal(t, expected, actual, in)
	}
	_, err := parseElapsed("abc")
	assert.Error(t, err)
	_, err = parseElapsed("")
	assert.Error(t, err)
}
