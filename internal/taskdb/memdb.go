package taskdb

import (
	"sort"
	"strings"
	"sync/atomic"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/simflow/internal/common/flowcontext"
	"github.com/armadaproject/simflow/internal/workflow"
)

const (
	tasksTable    = "state"
	timeLogsTable = "time_log"
	errorTable    = "errors"
	idIndex       = "id"   // lookup by primary key
	keyIndex      = "key"  // lookup tasks by (run name, process type)
	taskIndex     = "task" // lookup time log entries by task id
)

// MemRepository keeps everything in memory. It is used by tests and by dry runs that shouldn't touch the
// real database. MemRepository is built on https://github.com/hashicorp/go-memdb, which already allows only a
// single write transaction at a time.
type MemRepository struct {
	db          *memdb.MemDB
	nextTaskID  int64
	nextEntryID int64
}

func NewMemRepository() (*MemRepository, error) {
	db, err := memdb.NewMemDB(memRepositorySchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MemRepository{db: db}, nil
}

func (r *MemRepository) View(_ *flowcontext.Context, fn func(txn ReadTxn) error) error {
	txn := r.db.Txn(false)
	defer txn.Abort()
	return fn(&memTxn{txn: txn, repo: r})
}

func (r *MemRepository) Update(_ *flowcontext.Context, fn func(txn WriteTxn) error) error {
	txn := r.db.Txn(true)
	if err := fn(&memTxn{txn: txn, repo: r}); err != nil {
		txn.Abort()
		return err
	}
	txn.Commit()
	return nil
}

func (r *MemRepository) HealthCheck(_ *flowcontext.Context) error {
	return nil
}

func (r *MemRepository) Close() error {
	return nil
}

type memTxn struct {
	txn  *memdb.Txn
	repo *MemRepository
}

func (t *memTxn) GetTask(key TaskKey) (*Task, error) {
	obj, err := t.txn.First(tasksTable, keyIndex, key.RunName, string(key.ProcType))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*Task).DeepCopy(), nil
}

func (t *memTxn) QueryTasks(filter Filter) ([]*Task, error) {
	iter, err := t.txn.Get(tasksTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var matcher func(string) bool
	if filter.RunNamePattern != "" {
		matcher = likeMatcher(filter.RunNamePattern)
	}
	var tasks []*Task
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		task := obj.(*Task)
		if matcher != nil && !matcher(task.RunName) {
			continue
		}
		if len(filter.RunNames) > 0 && !slices.Contains(filter.RunNames, task.RunName) {
			continue
		}
		if len(filter.ProcTypes) > 0 && !slices.Contains(filter.ProcTypes, task.ProcType) {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, task.Status) {
			continue
		}
		if slices.Contains(filter.ExcludeIDs, task.ID) {
			continue
		}
		tasks = append(tasks, task.DeepCopy())
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].RunName != tasks[j].RunName {
			return tasks[i].RunName < tasks[j].RunName
		}
		return tasks[i].ProcType.Ordinal() < tasks[j].ProcType.Ordinal()
	})
	return tasks, nil
}

func (t *memTxn) TimeLog(taskID int64) ([]TimeLogEntry, error) {
	iter, err := t.txn.Get(timeLogsTable, taskIndex, taskID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var entries []TimeLogEntry
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		entries = append(entries, *obj.(*TimeLogEntry))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

func (t *memTxn) Errors() ([]ErrorRecord, error) {
	iter, err := t.txn.Get(errorTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var records []ErrorRecord
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		records = append(records, *obj.(*ErrorRecord))
	}
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.LastUpdateTime.Equal(b.LastUpdateTime) {
			return a.LastUpdateTime.After(b.LastUpdateTime)
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Reason < b.Reason
	})
	return records, nil
}

func (t *memTxn) InsertTask(task *Task) (int64, error) {
	existing, err := t.GetTask(task.Key())
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return 0, errors.Errorf("UNIQUE constraint failed: task %s already exists", task.Key())
	}
	stored := task.DeepCopy()
	stored.ID = atomic.AddInt64(&t.repo.nextTaskID, 1)
	if err := t.txn.Insert(tasksTable, stored); err != nil {
		return 0, errors.WithStack(err)
	}
	return stored.ID, nil
}

func (t *memTxn) UpdateTask(task *Task) error {
	existing, err := t.txn.First(tasksTable, idIndex, task.ID)
	if err != nil {
		return errors.WithStack(err)
	}
	if existing == nil {
		return errors.Errorf("expected to update 1 row for %s, updated 0", task.Key())
	}
	return errors.WithStack(t.txn.Insert(tasksTable, task.DeepCopy()))
}

func (t *memTxn) AppendTimeLog(entry TimeLogEntry) error {
	entry.ID = atomic.AddInt64(&t.repo.nextEntryID, 1)
	return errors.WithStack(t.txn.Insert(timeLogsTable, &entry))
}

func (t *memTxn) HasTimeLog(taskID int64, status workflow.Status) (bool, error) {
	entries, err := t.TimeLog(taskID)
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		if entry.Status == status {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTxn) UpsertError(record ErrorRecord) error {
	return errors.WithStack(t.txn.Insert(errorTable, &record))
}

// likeMatcher implements SQL LIKE matching: % matches any run of characters, _ matches exactly one.
// Like SQLite, matching is case-insensitive for ASCII.
func likeMatcher(pattern string) func(string) bool {
	pattern = strings.ToLower(pattern)
	return func(s string) bool {
		return likeMatch([]rune(pattern), []rune(strings.ToLower(s)))
	}
}

func likeMatch(pattern, s []rune) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '%':
			for i := 0; i <= len(s); i++ {
				if likeMatch(pattern[1:], s[i:]) {
					return true
				}
			}
			return false
		case '_':
			if len(s) == 0 {
				return false
			}
		default:
			if len(s) == 0 || s[0] != pattern[0] {
				return false
			}
		}
		pattern, s = pattern[1:], s[1:]
	}
	return len(s) == 0
}

func memRepositorySchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tasksTable: {
				Name: tasksTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "ID"},
					},
					keyIndex: {
						Name:   keyIndex,
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "RunName"},
								&memdb.StringFieldIndex{Field: "ProcType"},
							},
						},
					},
				},
			},
			timeLogsTable: {
				Name: timeLogsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "ID"},
					},
					taskIndex: {
						Name:    taskIndex,
						Indexer: &memdb.IntFieldIndex{Field: "TaskID"},
					},
				},
			},
			errorTable: {
				Name: errorTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:   idIndex,
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "Name"},
								&memdb.StringFieldIndex{Field: "Reason"},
							},
						},
					},
				},
			},
		},
	}
}
