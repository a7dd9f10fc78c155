package taskdb

import (
	"github.com/armadaproject/simflow/internal/common/flowcontext"
	"github.com/armadaproject/simflow/internal/workflow"
)

// Repository persists tasks, their time log and the error table. Implementations must make each Update atomic
// and must allow only one Update to run at a time. Views may run concurrently.
type Repository interface {
	View(ctx *flowcontext.Context, fn func(txn ReadTxn) error) error
	Update(ctx *flowcontext.Context, fn func(txn WriteTxn) error) error
	HealthCheck(ctx *flowcontext.Context) error
	Close() error
}

type ReadTxn interface {
	// GetTask returns nil if no task has the key.
	GetTask(key TaskKey) (*Task, error)
	// QueryTasks returns matching tasks ordered by run name, then process type ordinal.
	QueryTasks(filter Filter) ([]*Task, error)
	// TimeLog returns the task's entries in the order they were written.
	TimeLog(taskID int64) ([]TimeLogEntry, error)
	// Errors returns every error record, most recent first.
	Errors() ([]ErrorRecord, error)
}

type WriteTxn interface {
	ReadTxn
	// InsertTask stores a new task and returns its id.
	InsertTask(task *Task) (int64, error)
	UpdateTask(task *Task) error
	AppendTimeLog(entry TimeLogEntry) error
	// HasTimeLog returns true if the task already has an entry for status.
	HasTimeLog(taskID int64, status workflow.Status) (bool, error)
	// UpsertError inserts the record or refreshes the time of an existing (name, reason) record.
	UpsertError(record ErrorRecord) error
}
