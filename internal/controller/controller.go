package controller

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/armadaproject/simflow/internal/common/flowcontext"
	"github.com/armadaproject/simflow/internal/common/flowerrors"
	"github.com/armadaproject/simflow/internal/common/logging"
	"github.com/armadaproject/simflow/internal/common/metrics"
	"github.com/armadaproject/simflow/internal/estimation"
	"github.com/armadaproject/simflow/internal/hpcscheduler"
	"github.com/armadaproject/simflow/internal/metadata"
	"github.com/armadaproject/simflow/internal/taskdb"
	"github.com/armadaproject/simflow/internal/workflow"
)

// SchedulerErrorName is the error table entry under which failing scheduler commands are recorded.
const SchedulerErrorName = "scheduler"

// Number of realisations whose workload parameters are kept in memory.
const paramsCacheSize = 4096

// TaskStore is the read side of the task store, plus error recording.
type TaskStore interface {
	Query(ctx *flowcontext.Context, filter taskdb.Filter) ([]*taskdb.Task, error)
	RunnableTasks(ctx *flowcontext.Context, excludeIDs []int64) ([]*taskdb.Task, error)
	RecordError(ctx *flowcontext.Context, name, reason string) error
}

// UpdateQueue is where the controller sends status changes. They reach the store through the consolidator, like
// updates from job scripts. PendingKeys lists tasks with updates the store hasn't seen yet.
type UpdateQueue interface {
	Enqueue(ctx *flowcontext.Context, update taskdb.Update) (string, error)
	PendingKeys() (map[taskdb.TaskKey]bool, error)
}

// submission remembers a task the controller has acted on whose update hasn't reached the store yet.
type submission struct {
	retryCount int
	jobID      *int64
}

// Controller submits runnable tasks and reconciles active ones against the scheduler. It never writes to the store
// directly.
type Controller struct {
	config    Config
	runFolder string
	user      string
	store     TaskStore
	updates   UpdateQueue
	scheduler hpcscheduler.Scheduler
	estimator *estimation.Estimator
	metadata  *metadata.Writer
	metrics   *metrics.Metrics
	clock     clock.PassiveClock
	// Called after a cycle that enqueued updates.
	onEnqueued func()

	// Tasks submitted but not yet seen out of created, keyed by task id.
	pending map[int64]submission
	// Status of every task at the end of the previous cycle.
	lastSeen map[int64]workflow.Status
	// Workload parameters by realisation directory. Only parameters that were found are cached.
	params *lru.Cache
}

func NewController(
	config Config,
	runFolder string,
	user string,
	store TaskStore,
	updates UpdateQueue,
	scheduler hpcscheduler.Scheduler,
	estimator *estimation.Estimator,
	metadataWriter *metadata.Writer,
	m *metrics.Metrics,
	clock clock.PassiveClock,
) *Controller {
	params, err := lru.New(paramsCacheSize)
	if err != nil {
		panic(err)
	}
	return &Controller{
		config:    config,
		runFolder: runFolder,
		user:      user,
		store:     store,
		updates:   updates,
		scheduler: scheduler,
		estimator: estimator,
		metadata:  metadataWriter,
		metrics:   m,
		clock:     clock,
		pending:   map[int64]submission{},
		lastSeen:  map[int64]workflow.Status{},
		params:    params,
	}
}

// OnEnqueued registers a function called after any cycle that enqueued updates, e.g. to trigger a consolidation pass.
func (c *Controller) OnEnqueued(f func()) {
	c.onEnqueued = f
}

// Run performs one cycle and logs any error. It is intended to be registered as a background task.
func (c *Controller) Run(ctx *flowcontext.Context) {
	if err := c.Cycle(ctx); err != nil {
		logging.WithStacktrace(ctx.Log, err).Error("Controller cycle failed")
	}
}

// Cycle submits what is runnable, then reconciles active tasks with the scheduler. Tasks with updates still in the
// inbox are left alone until those updates are consolidated, so a restarted controller never resubmits a job whose
// queued update it wrote before stopping. Scheduler failures are recorded and do not stop the cycle; an error is only
// returned if the store or the inbox can't be read or updates can't be enqueued.
func (c *Controller) Cycle(ctx *flowcontext.Context) error {
	tasks, err := c.store.Query(ctx, taskdb.Filter{})
	if err != nil {
		c.metrics.RecordDBError(metrics.DBOperationQuery)
		return err
	}
	inflight, err := c.updates.PendingKeys()
	if err != nil {
		return errors.WithMessage(err, "listing unconsolidated updates")
	}
	c.forgetSettled(tasks)
	c.recordTaskCounts(tasks)

	enqueued := 0
	var result *multierror.Error
	n, err := c.submitRunnable(ctx, tasks, inflight)
	enqueued += n
	result = multierror.Append(result, err)

	n, err = c.reconcile(ctx, tasks, inflight)
	enqueued += n
	result = multierror.Append(result, err)

	for _, task := range tasks {
		c.lastSeen[task.ID] = task.Status
	}
	if enqueued > 0 && c.onEnqueued != nil {
		c.onEnqueued()
	}
	return result.ErrorOrNil()
}

// forgetSettled drops pending submissions whose update has reached the store: the task has left created, or it has
// been recycled for another attempt.
func (c *Controller) forgetSettled(tasks []*taskdb.Task) {
	byID := make(map[int64]*taskdb.Task, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
	}
	for id, sub := range c.pending {
		task, ok := byID[id]
		if !ok || task.Status != workflow.Created || task.RetryCount != sub.retryCount {
			delete(c.pending, id)
		}
	}
}

func (c *Controller) recordTaskCounts(tasks []*taskdb.Task) {
	counts := make(map[string]int, len(workflow.AllStatuses()))
	for _, status := range workflow.AllStatuses() {
		counts[string(status)] = 0
	}
	for _, task := range tasks {
		counts[string(task.Status)]++
	}
	c.metrics.SetTaskCounts(counts)
}

func (c *Controller) submitRunnable(ctx *flowcontext.Context, tasks []*taskdb.Task, inflight map[taskdb.TaskKey]bool) (int, error) {
	exclude := maps.Keys(c.pending)
	slices.Sort(exclude)
	runnable, err := c.store.RunnableTasks(ctx, exclude)
	if err != nil {
		c.metrics.RecordDBError(metrics.DBOperationQuery)
		return 0, err
	}

	active := len(c.pending)
	for _, task := range tasks {
		if task.Status.Active() {
			active++
		}
	}

	enqueued := 0
	for _, task := range runnable {
		if c.config.MaxConcurrentJobs > 0 && active >= c.config.MaxConcurrentJobs {
			ctx.Log.Debugf("%d jobs active; deferring %d runnable tasks", active, len(runnable)-enqueued)
			break
		}
		if inflight[task.Key()] {
			ctx.Log.WithField("task", task.Key().String()).Debug("Update in the inbox; not submitting until it is consolidated")
			continue
		}
		n, err := c.submit(ctx, task)
		enqueued += n
		if err != nil {
			return enqueued, err
		}
		active++
	}
	return enqueued, nil
}

// submit sizes and submits one task and enqueues the outcome. A submission that the scheduler refuses is enqueued as
// queued then failed, so that it goes through the store's usual retry accounting.
func (c *Controller) submit(ctx *flowcontext.Context, task *taskdb.Task) (int, error) {
	ctx = flowcontext.WithLogFields(ctx, logrus.Fields{"run": task.RunName, "stage": task.ProcType})
	simDir := workflow.SimDir(c.runFolder, task.RunName)
	estimate := c.estimate(ctx, task.ProcType, simDir)

	req := hpcscheduler.SubmitRequest{
		SimDir:     simDir,
		ScriptPath: c.config.Script(task.ProcType),
		Arguments: []hpcscheduler.Argument{
			{Key: "REL_NAME", Value: task.RunName},
			{Key: "PROC_TYPE", Value: string(task.ProcType)},
			{Key: "MGMT_DB_QUEUE", Value: workflow.InboxPath(c.runFolder)},
			{Key: "SIM_DIR", Value: simDir},
		},
		Machine: c.config.Machine(task.ProcType),
		JobName: fmt.Sprintf("%s.%s", strings.ToLower(string(task.ProcType)), task.RunName),
		Resources: hpcscheduler.Resources{
			Cores:     estimate.Cores,
			WallClock: estimate.WallClock,
		},
	}
	c.pending[task.ID] = submission{retryCount: task.RetryCount}

	jobID, err := c.scheduler.SubmitJob(ctx, req)
	if err != nil {
		c.metrics.RecordSubmission(string(task.ProcType), false)
		c.metrics.RecordSchedulerError(metrics.SchedulerOperationSubmit)
		logging.WithStacktrace(ctx.Log, err).Warn("Submission failed")
		c.recordError(ctx, SchedulerErrorName, err)
		updates := []taskdb.Update{
			{RunName: task.RunName, ProcType: task.ProcType, Status: workflow.Queued},
			{RunName: task.RunName, ProcType: task.ProcType, Status: workflow.Failed, Error: err.Error()},
		}
		for i, update := range updates {
			if err := c.enqueue(ctx, update); err != nil {
				return i, err
			}
		}
		return len(updates), nil
	}

	c.metrics.RecordSubmission(string(task.ProcType), true)
	c.pending[task.ID] = submission{retryCount: task.RetryCount, jobID: &jobID}
	ctx.Log.WithFields(logrus.Fields{
		"job":       jobID,
		"cores":     estimate.Cores,
		"wallClock": estimate.WallClock,
	}).Infof("Submitted attempt %d", task.RetryCount+1)
	if err := c.enqueue(ctx, taskdb.Update{RunName: task.RunName, ProcType: task.ProcType, Status: workflow.Queued, JobID: &jobID}); err != nil {
		return 0, err
	}
	return 1, nil
}

func (c *Controller) estimate(ctx *flowcontext.Context, p workflow.ProcessType, simDir string) estimation.Estimate {
	params := c.realisationParams(ctx, simDir)
	if c.config.AutoScaleCores {
		return c.estimator.EstimateScaled(p, params)
	}
	return c.estimator.Estimate(p, params, 0)
}

// realisationParams returns the workload parameters in simDir, or nil if there are none.
func (c *Controller) realisationParams(ctx *flowcontext.Context, simDir string) *workflow.RealisationParams {
	if cached, ok := c.params.Get(simDir); ok {
		return cached.(*workflow.RealisationParams)
	}
	loaded, found, err := workflow.LoadRealisationParams(simDir)
	switch {
	case err != nil:
		ctx.Log.WithError(err).Warn("Unreadable workload parameters; using default resources")
		return nil
	case !found:
		ctx.Log.Debug("No workload parameters; using default resources")
		return nil
	}
	c.params.Add(simDir, &loaded)
	return &loaded
}

// reconcile compares active tasks with each machine's queue. A queued or running task whose job is missing and which
// has been quiet for longer than the watchdog becomes unknown. An unknown task follows the scheduler: running if it is
// listed as running, otherwise completed or failed according to the scheduler's accounting record. A queued task with
// no job id has nothing to check against, so it fails once quiet for longer than the watchdog.
func (c *Controller) reconcile(ctx *flowcontext.Context, tasks []*taskdb.Task, inflight map[taskdb.TaskKey]bool) (int, error) {
	enqueued := 0
	var result *multierror.Error

	byMachine := map[string][]*taskdb.Task{}
	for _, task := range tasks {
		if !task.Status.Active() || inflight[task.Key()] {
			continue
		}
		if task.HasJob() {
			machine := c.config.Machine(task.ProcType)
			byMachine[machine] = append(byMachine[machine], task)
			continue
		}
		update, ok := c.expireJobless(ctx, task)
		if !ok {
			continue
		}
		if err := c.enqueue(ctx, update); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		c.metrics.RecordReconciliation(string(update.Status))
		enqueued++
	}
	machines := maps.Keys(byMachine)
	slices.Sort(machines)

	for _, machine := range machines {
		lines, err := c.scheduler.CheckQueues(ctx, c.user, machine)
		if err != nil {
			c.metrics.RecordSchedulerError(metrics.SchedulerOperationQueue)
			logging.WithStacktrace(ctx.Log, err).Warnf("Could not check queue on %q; skipping reconciliation there", machine)
			c.recordError(ctx, SchedulerErrorName, err)
			continue
		}
		queue := hpcscheduler.ParseQueue(lines)
		for _, task := range byMachine[machine] {
			update, ok := c.reconcileTask(ctx, task, machine, queue)
			if !ok {
				continue
			}
			if err := c.enqueue(ctx, update); err != nil {
				result = multierror.Append(result, err)
				continue
			}
			c.metrics.RecordReconciliation(string(update.Status))
			enqueued++
		}
	}

	for _, task := range tasks {
		previous, seen := c.lastSeen[task.ID]
		if task.Status == workflow.Completed && seen && previous != workflow.Completed && task.HasJob() {
			c.recordMetadata(ctx, task)
		}
	}
	return enqueued, result.ErrorOrNil()
}

func (c *Controller) reconcileTask(ctx *flowcontext.Context, task *taskdb.Task, machine string, queue map[int64]string) (taskdb.Update, bool) {
	ctx = flowcontext.WithLogFields(ctx, logrus.Fields{"run": task.RunName, "stage": task.ProcType, "job": *task.JobID})
	update := taskdb.Update{RunName: task.RunName, ProcType: task.ProcType}
	raw, listed := queue[*task.JobID]
	state := hpcscheduler.JobOther
	if listed {
		state = c.scheduler.StateOf(raw)
	}

	switch task.Status {
	case workflow.Queued, workflow.Running:
		if listed && state != hpcscheduler.JobFinished {
			return update, false
		}
		quiet := c.clock.Since(task.LastModified)
		if quiet <= c.config.Watchdog {
			return update, false
		}
		ctx.Log.Warnf("Job not in the scheduler queue and no update for %s; marking unknown", quiet.Round(time.Second))
		update.Status = workflow.Unknown
		return update, true

	case workflow.Unknown:
		switch state {
		case hpcscheduler.JobRunning:
			ctx.Log.Info("Scheduler lists the job as running")
			update.Status = workflow.Running
			return update, true
		case hpcscheduler.JobPending:
			return update, false
		}
		meta, err := c.scheduler.GetMetadata(ctx, *task.JobID, machine)
		switch {
		case err != nil && !flowerrors.IsNotFound(err):
			c.metrics.RecordSchedulerError(metrics.SchedulerOperationMetadata)
			logging.WithStacktrace(ctx.Log, err).Warn("Could not fetch job record; will retry")
			c.recordError(ctx, SchedulerErrorName, err)
			return update, false
		case err != nil:
			update.Status = workflow.Failed
			update.Error = fmt.Sprintf("job %d is no longer known to the scheduler", *task.JobID)
		case meta.Completed:
			update.Status = workflow.Completed
		default:
			update.Status = workflow.Failed
			update.Error = fmt.Sprintf("job %d ended in scheduler state %s", *task.JobID, meta.State)
		}
		ctx.Log.Infof("Resolved unknown task as %s", update.Status)
		return update, true
	}
	return update, false
}

func (c *Controller) expireJobless(ctx *flowcontext.Context, task *taskdb.Task) (taskdb.Update, bool) {
	update := taskdb.Update{RunName: task.RunName, ProcType: task.ProcType}
	if task.Status != workflow.Queued {
		return update, false
	}
	quiet := c.clock.Since(task.LastModified)
	if quiet <= c.config.Watchdog {
		return update, false
	}
	ctx.Log.WithFields(logrus.Fields{"run": task.RunName, "stage": task.ProcType}).
		Warnf("Queued without a job id and no update for %s; marking failed", quiet.Round(time.Second))
	update.Status = workflow.Failed
	update.Error = "queued without a job id and no update within the watchdog"
	return update, true
}

func (c *Controller) recordMetadata(ctx *flowcontext.Context, task *taskdb.Task) {
	if c.metadata == nil {
		return
	}
	ctx = flowcontext.WithLogFields(ctx, logrus.Fields{"run": task.RunName, "stage": task.ProcType, "job": *task.JobID})
	meta, err := c.scheduler.GetMetadata(ctx, *task.JobID, c.config.Machine(task.ProcType))
	if err != nil {
		c.metrics.RecordSchedulerError(metrics.SchedulerOperationMetadata)
		ctx.Log.WithError(err).Warn("Could not fetch job record for metadata log")
		return
	}
	simDir := workflow.SimDir(c.runFolder, task.RunName)
	if err := c.metadata.Record(ctx, simDir, task.ProcType, task.RetryCount, meta); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warn("Could not update metadata log")
	}
}

func (c *Controller) enqueue(ctx *flowcontext.Context, update taskdb.Update) error {
	if _, err := c.updates.Enqueue(ctx, update); err != nil {
		return errors.WithMessagef(err, "enqueueing %s update for %s", update.Status, update.Key())
	}
	return nil
}

func (c *Controller) recordError(ctx *flowcontext.Context, name string, err error) {
	if err := c.store.RecordError(ctx, name, err.Error()); err != nil {
		c.metrics.RecordDBError(metrics.DBOperationRecord)
		ctx.Log.WithError(err).Error("Could not record error")
	}
}
