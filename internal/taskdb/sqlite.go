package taskdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/armadaproject/simflow/internal/common/flowcontext"
	"github.com/armadaproject/simflow/internal/workflow"
)

var (
	stateTable        = goqu.T("state")
	timeLogTable      = goqu.T("time_log")
	errorsTable       = goqu.T("errors")
	procTypeEnumTable = goqu.T("proc_type_enum")
	statusEnumTable   = goqu.T("status_enum")
)

var validJournalModes = map[string]bool{
	"DELETE":   true,
	"TRUNCATE": true,
	"PERSIST":  true,
	"MEMORY":   true,
	"WAL":      true,
	"OFF":      true,
}

type SQLiteConfig struct {
	// Path of the database file. Missing parent directories are created.
	Path string `validate:"required"`
	// SQLite journal mode. WAL doesn't work on network filesystems; use DELETE there.
	JournalMode string
	// How long a connection waits on a lock held by another process before failing with SQLITE_BUSY.
	BusyTimeout time.Duration
}

// SQLiteRepository stores tasks in an embedded SQLite database.
type SQLiteRepository struct {
	db   *sql.DB
	goqu *goqu.Database
	// SQLite only allows one write at a time. Therefore we must serialize
	// writes in order to avoid SQLITE_BUSY errors.
	writeLock sync.Mutex
}

// NewSQLiteRepository opens the database and brings its schema up to date.
func NewSQLiteRepository(ctx *flowcontext.Context, config SQLiteConfig) (*SQLiteRepository, error) {
	journalMode := strings.ToUpper(config.JournalMode)
	if journalMode == "" {
		journalMode = "DELETE"
	}
	if !validJournalModes[journalMode] {
		return nil, errors.Errorf("unknown sqlite journal mode %q", config.JournalMode)
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "could not make directory for sqlite db %s", config.Path)
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(%s)&_pragma=foreign_keys(1)",
		config.Path, config.BusyTimeout.Milliseconds(), journalMode)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening sqlite db %s", config.Path)
	}

	r := &SQLiteRepository{db: db, goqu: goqu.New("sqlite3", db)}
	if err := r.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// Migrate creates any missing tables and makes sure the enum tables list every process type and status.
func (r *SQLiteRepository) Migrate(ctx *flowcontext.Context) error {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	migrations, err := getMigrations()
	if err != nil {
		return err
	}
	if err := updateDatabase(ctx, r.db, migrations); err != nil {
		return err
	}

	tx, err := r.goqu.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	return tx.Wrap(func() error {
		if err := seedEnum(ctx, tx, procTypeEnumTable, "proc_type", enumRows(workflow.ProcessTypeMap)); err != nil {
			return err
		}
		return seedEnum(ctx, tx, statusEnumTable, "state", enumRows(workflow.StatusMap))
	})
}

func enumRows[T ~string](m map[int]T) map[int]string {
	rows := make(map[int]string, len(m))
	for id, v := range m {
		rows[id] = string(v)
	}
	return rows
}

func seedEnum(ctx *flowcontext.Context, tx *goqu.TxDatabase, table exp.IdentifierExpression, column string, values map[int]string) error {
	var existing []int
	if err := tx.From(table).Select(goqu.C("id")).Prepared(true).ScanValsContext(ctx, &existing); err != nil {
		return errors.WithStack(err)
	}
	present := make(map[int]bool, len(existing))
	for _, id := range existing {
		present[id] = true
	}
	for id, value := range values {
		if present[id] {
			continue
		}
		_, err := tx.Insert(table).
			Rows(goqu.Record{"id": id, column: value}).
			Prepared(true).
			Executor().
			ExecContext(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (r *SQLiteRepository) View(ctx *flowcontext.Context, fn func(txn ReadTxn) error) error {
	tx, err := r.goqu.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	return tx.Wrap(func() error {
		return fn(&sqliteTxn{ctx: ctx, tx: tx})
	})
}

func (r *SQLiteRepository) Update(ctx *flowcontext.Context, fn func(txn WriteTxn) error) error {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	tx, err := r.goqu.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	return tx.Wrap(func() error {
		return fn(&sqliteTxn{ctx: ctx, tx: tx})
	})
}

func (r *SQLiteRepository) HealthCheck(ctx *flowcontext.Context) error {
	var col int
	if err := r.db.QueryRowContext(ctx, "SELECT 1").Scan(&col); err != nil {
		return errors.Wrap(err, "sql health check failed")
	}
	return nil
}

func (r *SQLiteRepository) Close() error {
	return errors.WithStack(r.db.Close())
}

type stateRow struct {
	ID           int64         `db:"id"`
	RunName      string        `db:"run_name"`
	ProcType     int           `db:"proc_type"`
	Status       int           `db:"status"`
	JobID        sql.NullInt64 `db:"job_id"`
	RetryCount   int           `db:"retry_count"`
	LastError    string        `db:"last_error"`
	LastModified int64         `db:"last_modified"`
}

func (row stateRow) toTask() *Task {
	task := &Task{
		ID:           row.ID,
		RunName:      row.RunName,
		ProcType:     workflow.ProcessTypeMap[row.ProcType],
		Status:       workflow.StatusMap[row.Status],
		RetryCount:   row.RetryCount,
		LastError:    row.LastError,
		LastModified: time.Unix(row.LastModified, 0),
	}
	if row.JobID.Valid {
		jobID := row.JobID.Int64
		task.JobID = &jobID
	}
	return task
}

func taskRecord(task *Task) goqu.Record {
	var jobID interface{}
	if task.JobID != nil {
		jobID = *task.JobID
	}
	return goqu.Record{
		"run_name":      task.RunName,
		"proc_type":     task.ProcType.Ordinal(),
		"status":        task.Status.Ordinal(),
		"job_id":        jobID,
		"retry_count":   task.RetryCount,
		"last_error":    task.LastError,
		"last_modified": task.LastModified.Unix(),
	}
}

var stateColumns = []interface{}{
	goqu.C("id"),
	goqu.C("run_name"),
	goqu.C("proc_type"),
	goqu.C("status"),
	goqu.C("job_id"),
	goqu.C("retry_count"),
	goqu.C("last_error"),
	goqu.C("last_modified"),
}

type sqliteTxn struct {
	ctx *flowcontext.Context
	tx  *goqu.TxDatabase
}

func (t *sqliteTxn) GetTask(key TaskKey) (*Task, error) {
	var row stateRow
	found, err := t.tx.From(stateTable).
		Select(stateColumns...).
		Where(goqu.C("run_name").Eq(key.RunName), goqu.C("proc_type").Eq(key.ProcType.Ordinal())).
		Prepared(true).
		ScanStructContext(t.ctx, &row)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if !found {
		return nil, nil
	}
	return row.toTask(), nil
}

func (t *sqliteTxn) QueryTasks(filter Filter) ([]*Task, error) {
	ds := t.tx.From(stateTable).
		Select(stateColumns...).
		Order(goqu.C("run_name").Asc(), goqu.C("proc_type").Asc())
	if filter.RunNamePattern != "" {
		ds = ds.Where(goqu.C("run_name").Like(filter.RunNamePattern))
	}
	if len(filter.RunNames) > 0 {
		ds = ds.Where(goqu.C("run_name").In(filter.RunNames))
	}
	if len(filter.ProcTypes) > 0 {
		ordinals := make([]int, len(filter.ProcTypes))
		for i, p := range filter.ProcTypes {
			ordinals[i] = p.Ordinal()
		}
		ds = ds.Where(goqu.C("proc_type").In(ordinals))
	}
	if len(filter.Statuses) > 0 {
		ordinals := make([]int, len(filter.Statuses))
		for i, s := range filter.Statuses {
			ordinals[i] = s.Ordinal()
		}
		ds = ds.Where(goqu.C("status").In(ordinals))
	}
	if len(filter.ExcludeIDs) > 0 {
		ds = ds.Where(goqu.C("id").NotIn(filter.ExcludeIDs))
	}

	var rows []stateRow
	if err := ds.Prepared(true).ScanStructsContext(t.ctx, &rows); err != nil {
		return nil, errors.WithStack(err)
	}
	tasks := make([]*Task, len(rows))
	for i, row := range rows {
		tasks[i] = row.toTask()
	}
	return tasks, nil
}

type timeLogRow struct {
	ID      int64 `db:"id"`
	StateID int64 `db:"state_id"`
	Status  int   `db:"status"`
	Time    int64 `db:"time"`
}

func (t *sqliteTxn) TimeLog(taskID int64) ([]TimeLogEntry, error) {
	var rows []timeLogRow
	err := t.tx.From(timeLogTable).
		Select(goqu.C("id"), goqu.C("state_id"), goqu.C("status"), goqu.C("time")).
		Where(goqu.C("state_id").Eq(taskID)).
		Order(goqu.C("id").Asc()).
		Prepared(true).
		ScanStructsContext(t.ctx, &rows)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	entries := make([]TimeLogEntry, len(rows))
	for i, row := range rows {
		entries[i] = TimeLogEntry{
			ID:     row.ID,
			TaskID: row.StateID,
			Status: workflow.StatusMap[row.Status],
			Time:   time.Unix(row.Time, 0),
		}
	}
	return entries, nil
}

type errorRow struct {
	Name           string `db:"name"`
	Reason         string `db:"reason"`
	LastUpdateTime int64  `db:"last_update_time"`
}

func (t *sqliteTxn) Errors() ([]ErrorRecord, error) {
	var rows []errorRow
	err := t.tx.From(errorsTable).
		Select(goqu.C("name"), goqu.C("reason"), goqu.C("last_update_time")).
		Order(goqu.C("last_update_time").Desc(), goqu.C("name").Asc(), goqu.C("reason").Asc()).
		Prepared(true).
		ScanStructsContext(t.ctx, &rows)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	records := make([]ErrorRecord, len(rows))
	for i, row := range rows {
		records[i] = ErrorRecord{Name: row.Name, Reason: row.Reason, LastUpdateTime: time.Unix(row.LastUpdateTime, 0)}
	}
	return records, nil
}

func (t *sqliteTxn) InsertTask(task *Task) (int64, error) {
	res, err := t.tx.Insert(stateTable).
		Rows(taskRecord(task)).
		Prepared(true).
		Executor().
		ExecContext(t.ctx)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	id, err := res.LastInsertId()
	return id, errors.WithStack(err)
}

func (t *sqliteTxn) UpdateTask(task *Task) error {
	res, err := t.tx.Update(stateTable).
		Set(taskRecord(task)).
		Where(goqu.C("id").Eq(task.ID)).
		Prepared(true).
		Executor().
		ExecContext(t.ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	return expectOneRow(res, task.Key().String())
}

func (t *sqliteTxn) AppendTimeLog(entry TimeLogEntry) error {
	_, err := t.tx.Insert(timeLogTable).
		Rows(goqu.Record{
			"state_id": entry.TaskID,
			"status":   entry.Status.Ordinal(),
			"time":     entry.Time.Unix(),
		}).
		Prepared(true).
		Executor().
		ExecContext(t.ctx)
	return errors.WithStack(err)
}

func (t *sqliteTxn) HasTimeLog(taskID int64, status workflow.Status) (bool, error) {
	count, err := t.tx.From(timeLogTable).
		Where(goqu.C("state_id").Eq(taskID), goqu.C("status").Eq(status.Ordinal())).
		Prepared(true).
		CountContext(t.ctx)
	if err != nil {
		return false, errors.WithStack(err)
	}
	return count > 0, nil
}

func (t *sqliteTxn) UpsertError(record ErrorRecord) error {
	res, err := t.tx.Update(errorsTable).
		Set(goqu.Record{"last_update_time": record.LastUpdateTime.Unix()}).
		Where(goqu.C("name").Eq(record.Name), goqu.C("reason").Eq(record.Reason)).
		Prepared(true).
		Executor().
		ExecContext(t.ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return errors.WithStack(err)
	} else if n > 0 {
		return nil
	}
	_, err = t.tx.Insert(errorsTable).
		Rows(goqu.Record{
			"name":             record.Name,
			"reason":           record.Reason,
			"last_update_time": record.LastUpdateTime.Unix(),
		}).
		Prepared(true).
		Executor().
		ExecContext(t.ctx)
	return errors.WithStack(err)
}

func expectOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if n != 1 {
		return errors.Errorf("expected to update 1 row for %s, updated %d", what, n)
	}
	return nil
}
