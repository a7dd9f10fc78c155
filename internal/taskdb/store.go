package taskdb

import (
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/armadaproject/simflow/internal/common/flowcontext"
	"github.com/armadaproject/simflow/internal/common/flowerrors"
	"github.com/armadaproject/simflow/internal/workflow"
)

const unspecifiedReason = "no error message given"

type Config struct {
	// A failed task is put back to created while its retry count is below this threshold.
	RetryThreshold int `validate:"gte=0"`
	// Attempts made when SQLite reports lock contention.
	BusyRetries uint `validate:"gte=1"`
	// Delay before the first busy retry; it doubles on each attempt.
	BusyRetryDelay time.Duration
}

// Store is the authoritative record of every task. It owns the state machine: every status change goes through
// ApplyTransition, which validates it, records it in the time log and applies retry bookkeeping in one transaction.
type Store struct {
	repo   Repository
	config Config
	clock  clock.PassiveClock
}

func NewStore(repo Repository, config Config, clock clock.PassiveClock) *Store {
	if config.BusyRetries == 0 {
		config.BusyRetries = 1
	}
	return &Store{repo: repo, config: config, clock: clock}
}

func (s *Store) RetryThreshold() int {
	return s.config.RetryThreshold
}

// Register seeds a created task for each process type of the realisation. Tasks that already exist are left
// alone, so registering a realisation twice is harmless. It returns the number of tasks created.
func (s *Store) Register(ctx *flowcontext.Context, runName string, procTypes []workflow.ProcessType) (int, error) {
	if runName == "" {
		return 0, errors.WithStack(&flowerrors.ErrInvalidArgument{Name: "run_name", Value: runName, Message: "must not be empty"})
	}
	for _, p := range procTypes {
		if !p.Valid() {
			return 0, errors.WithStack(&flowerrors.ErrInvalidArgument{Name: "proc_type", Value: string(p)})
		}
	}

	created := 0
	err := s.update(ctx, func(txn WriteTxn) error {
		created = 0
		now := s.clock.Now()
		for _, p := range procTypes {
			key := TaskKey{RunName: runName, ProcType: p}
			existing, err := txn.GetTask(key)
			if err != nil {
				return err
			}
			if existing != nil {
				continue
			}
			task := &Task{RunName: runName, ProcType: p, Status: workflow.Created, LastModified: now}
			id, err := txn.InsertTask(task)
			if err != nil {
				return err
			}
			if err := txn.AppendTimeLog(TimeLogEntry{TaskID: id, Status: workflow.Created, Time: now}); err != nil {
				return err
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	ctx.Log.WithField("run", runName).Infof("Registered %d new tasks", created)
	return created, nil
}

// ApplyTransition moves a task to update.Status if the state machine allows it. Invalid transitions and updates
// for unregistered tasks are logged and reported as Rejected, not returned as errors; an error means the store
// itself failed and the update should be retried later.
//
// Repeating the task's current status is a no-op, so delivering the same update twice is harmless. A failed task
// with retries left is immediately put back to created with its retry count incremented, and the failure reason
// is added to the error table.
func (s *Store) ApplyTransition(ctx *flowcontext.Context, update Update) (Result, error) {
	ctx = flowcontext.WithLogFields(ctx, logrus.Fields{"run": update.RunName, "stage": update.ProcType, "status": update.Status})
	if !update.ProcType.Valid() || !update.Status.Valid() {
		return Result{}, errors.WithStack(&flowerrors.ErrInvalidArgument{
			Name:  "update",
			Value: update.Key().String() + ":" + string(update.Status),
		})
	}

	var result Result
	err := s.update(ctx, func(txn WriteTxn) error {
		var err error
		result, err = s.applyTransition(txn, update)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	switch result.Outcome {
	case Rejected:
		ctx.Log.Warnf("Rejected update: %s", result.Reason)
	case Recycled:
		ctx.Log.Infof("Task failed, requeued for attempt %d of %d", result.Task.RetryCount+1, s.config.RetryThreshold+1)
	case Applied:
		if result.Task.Status == workflow.Failed {
			ctx.Log.Warnf("Task failed after %d retries; not retrying", result.Task.RetryCount)
		} else {
			ctx.Log.Debug("Applied update")
		}
	case Ignored:
		ctx.Log.Debug("Ignored repeated update")
	}
	return result, nil
}

func (s *Store) applyTransition(txn WriteTxn, update Update) (Result, error) {
	task, err := txn.GetTask(update.Key())
	if err != nil {
		return Result{}, err
	}
	if task == nil {
		return Result{Outcome: Rejected, Reason: "task is not registered"}, nil
	}

	if task.Status == update.Status {
		if update.JobID == nil || (task.JobID != nil && *task.JobID == *update.JobID) {
			return Result{Outcome: Ignored, Task: task}, nil
		}
		task.JobID = update.JobID
		if err := txn.UpdateTask(task); err != nil {
			return Result{}, err
		}
		return Result{Outcome: Ignored, Task: task}, nil
	}

	if !CanTransition(task.Status, update.Status) {
		invalid := &flowerrors.ErrInvalidTransition{Task: task.Key().String(), From: string(task.Status), To: string(update.Status)}
		return Result{Outcome: Rejected, Task: task, Reason: invalid.Error()}, nil
	}
	// A failed task that has used its retries is final. One left failed with retries in hand, by a threshold raised
	// since it failed, may be requeued and the attempt is counted.
	requeue := update.Status == workflow.Created
	if requeue && task.RetryCount >= s.config.RetryThreshold {
		return Result{Outcome: Rejected, Task: task, Reason: fmt.Sprintf(
			"%s has failed after %d of %d retries and is not requeued", task.Key(), task.RetryCount, s.config.RetryThreshold)}, nil
	}

	now := s.clock.Now()
	task.Status = update.Status
	task.LastModified = now
	if update.JobID != nil {
		task.JobID = update.JobID
	}
	if update.Error != "" {
		task.LastError = update.Error
	}
	if requeue {
		task.JobID = nil
		task.RetryCount++
	}
	if err := txn.AppendTimeLog(TimeLogEntry{TaskID: task.ID, Status: task.Status, Time: now}); err != nil {
		return Result{}, err
	}

	outcome := Applied
	if task.Status == workflow.Failed && task.RetryCount < s.config.RetryThreshold {
		reason := update.Error
		if reason == "" {
			reason = unspecifiedReason
		}
		if err := txn.UpsertError(ErrorRecord{Name: task.Key().String(), Reason: reason, LastUpdateTime: now}); err != nil {
			return Result{}, err
		}
		task.Status = workflow.Created
		task.RetryCount++
		task.JobID = nil
		if err := txn.AppendTimeLog(TimeLogEntry{TaskID: task.ID, Status: workflow.Created, Time: now}); err != nil {
			return Result{}, err
		}
		outcome = Recycled
	}

	if err := txn.UpdateTask(task); err != nil {
		return Result{}, err
	}
	return Result{Outcome: outcome, Task: task}, nil
}

// GetTask returns the task with the given key, or an ErrNotFound.
func (s *Store) GetTask(ctx *flowcontext.Context, key TaskKey) (*Task, error) {
	var task *Task
	err := s.repo.View(ctx, func(txn ReadTxn) error {
		var err error
		task, err = txn.GetTask(key)
		return err
	})
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, errors.WithStack(&flowerrors.ErrNotFound{Type: "task", Value: key.String()})
	}
	return task, nil
}

// Query returns matching tasks ordered by run name, then process type ordinal.
func (s *Store) Query(ctx *flowcontext.Context, filter Filter) ([]*Task, error) {
	var tasks []*Task
	err := s.repo.View(ctx, func(txn ReadTxn) error {
		var err error
		tasks, err = txn.QueryTasks(filter)
		return err
	})
	return tasks, err
}

// Runnable returns true iff every registered predecessor of the task is completed and the task is created or failed
// with retries left.
func (s *Store) Runnable(ctx *flowcontext.Context, key TaskKey) (bool, error) {
	runnable := false
	err := s.repo.View(ctx, func(txn ReadTxn) error {
		siblings, err := txn.QueryTasks(Filter{RunNames: []string{key.RunName}})
		if err != nil {
			return err
		}
		for _, task := range siblings {
			if task.ProcType == key.ProcType {
				runnable = s.isRunnable(task, siblings)
				return nil
			}
		}
		return nil
	})
	return runnable, err
}

// RunnableTasks returns every runnable task except those in excludeIDs, in query order.
func (s *Store) RunnableTasks(ctx *flowcontext.Context, excludeIDs []int64) ([]*Task, error) {
	var runnable []*Task
	err := s.repo.View(ctx, func(txn ReadTxn) error {
		candidates, err := txn.QueryTasks(Filter{
			Statuses:   []workflow.Status{workflow.Created, workflow.Failed},
			ExcludeIDs: excludeIDs,
		})
		if err != nil || len(candidates) == 0 {
			return err
		}
		var runNames []string
		for _, task := range candidates {
			if !slices.Contains(runNames, task.RunName) {
				runNames = append(runNames, task.RunName)
			}
		}
		all, err := txn.QueryTasks(Filter{RunNames: runNames})
		if err != nil {
			return err
		}
		byRun := make(map[string][]*Task, len(runNames))
		for _, task := range all {
			byRun[task.RunName] = append(byRun[task.RunName], task)
		}
		for _, task := range candidates {
			if s.isRunnable(task, byRun[task.RunName]) {
				runnable = append(runnable, task)
			}
		}
		return nil
	})
	return runnable, err
}

func (s *Store) isRunnable(task *Task, siblings []*Task) bool {
	eligible := task.Status == workflow.Created ||
		(task.Status == workflow.Failed && task.RetryCount < s.config.RetryThreshold)
	if !eligible {
		return false
	}
	statuses := make(map[workflow.ProcessType]workflow.Status, len(siblings))
	for _, sibling := range siblings {
		statuses[sibling.ProcType] = sibling.Status
	}
	return len(workflow.UnmetDependencies(task.ProcType, statuses)) == 0
}

// RecordTime adds a time log entry for status unless the task already has one. It never overwrites an existing
// timestamp. It returns true if an entry was added.
func (s *Store) RecordTime(ctx *flowcontext.Context, key TaskKey, status workflow.Status, at time.Time) (bool, error) {
	inserted := false
	err := s.update(ctx, func(txn WriteTxn) error {
		inserted = false
		task, err := txn.GetTask(key)
		if err != nil {
			return err
		}
		if task == nil {
			return errors.WithStack(&flowerrors.ErrNotFound{Type: "task", Value: key.String()})
		}
		exists, err := txn.HasTimeLog(task.ID, status)
		if err != nil || exists {
			return err
		}
		inserted = true
		return txn.AppendTimeLog(TimeLogEntry{TaskID: task.ID, Status: status, Time: at})
	})
	return inserted, err
}

// TimeLog returns every transition recorded for the task, oldest first.
func (s *Store) TimeLog(ctx *flowcontext.Context, key TaskKey) ([]TimeLogEntry, error) {
	var entries []TimeLogEntry
	err := s.repo.View(ctx, func(txn ReadTxn) error {
		task, err := txn.GetTask(key)
		if err != nil {
			return err
		}
		if task == nil {
			return errors.WithStack(&flowerrors.ErrNotFound{Type: "task", Value: key.String()})
		}
		entries, err = txn.TimeLog(task.ID)
		return err
	})
	return entries, err
}

// RecordError notes an infrastructure error against a task or subsystem name.
func (s *Store) RecordError(ctx *flowcontext.Context, name, reason string) error {
	if reason == "" {
		reason = unspecifiedReason
	}
	return s.update(ctx, func(txn WriteTxn) error {
		return txn.UpsertError(ErrorRecord{Name: name, Reason: reason, LastUpdateTime: s.clock.Now()})
	})
}

// Errors returns the error table, most recent first.
func (s *Store) Errors(ctx *flowcontext.Context) ([]ErrorRecord, error) {
	var records []ErrorRecord
	err := s.repo.View(ctx, func(txn ReadTxn) error {
		var err error
		records, err = txn.Errors()
		return err
	})
	return records, err
}

func (s *Store) HealthCheck(ctx *flowcontext.Context) error {
	return s.repo.HealthCheck(ctx)
}

// update runs fn in a write transaction, retrying while SQLite reports lock contention from another process.
func (s *Store) update(ctx *flowcontext.Context, fn func(txn WriteTxn) error) error {
	return retry.Do(
		func() error {
			return s.repo.Update(ctx, fn)
		},
		retry.Attempts(s.config.BusyRetries),
		retry.Delay(s.config.BusyRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(flowerrors.IsRetryableStorageError),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			ctx.Log.WithError(err).Warnf("Database busy, retrying write (attempt %d)", n+1)
		}),
	)
}
