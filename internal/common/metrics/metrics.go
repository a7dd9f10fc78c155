package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type (
	DBOperation        string
	SchedulerOperation string
)

const (
	DBOperationApply  DBOperation = "apply"
	DBOperationQuery  DBOperation = "query"
	DBOperationRecord DBOperation = "record"

	SchedulerOperationSubmit   SchedulerOperation = "submit"
	SchedulerOperationCancel   SchedulerOperation = "cancel"
	SchedulerOperationQueue    SchedulerOperation = "check_queues"
	SchedulerOperationMetadata SchedulerOperation = "metadata"
)

const SimflowMetricsPrefix = "simflow_"

type Metrics struct {
	inboxMessages      *prometheus.CounterVec
	inboxPending       prometheus.Gauge
	dbErrors           *prometheus.CounterVec
	schedulerErrors    *prometheus.CounterVec
	submissions        *prometheus.CounterVec
	reconciliations    *prometheus.CounterVec
	tasksByStatus      *prometheus.GaugeVec
	metadataLockMisses prometheus.Counter
}

func NewMetrics(prefix string, registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		inboxMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "inbox_messages",
			Help: "Number of inbox update files processed grouped by outcome",
		}, []string{"outcome"}),
		inboxPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "inbox_pending_files",
			Help: "Number of update files found in the inbox at the start of the last pass",
		}),
		dbErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "db_errors",
			Help: "Number of database errors grouped by database operation",
		}, []string{"operation"}),
		schedulerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "scheduler_errors",
			Help: "Number of failed scheduler commands grouped by operation",
		}, []string{"operation"}),
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "submissions",
			Help: "Number of job submissions grouped by process type and result",
		}, []string{"proc_type", "result"}),
		reconciliations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "reconciliations",
			Help: "Number of status changes requested by queue reconciliation grouped by target status",
		}, []string{"status"}),
		tasksByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "tasks",
			Help: "Number of tasks grouped by status, as of the last controller cycle",
		}, []string{"status"}),
		metadataLockMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "metadata_lock_timeouts",
			Help: "Number of metadata log updates dropped because the lock could not be acquired",
		}),
	}
}

func (m *Metrics) RecordInboxMessage(outcome string) {
	m.inboxMessages.With(map[string]string{"outcome": outcome}).Inc()
}

func (m *Metrics) SetInboxPending(n int) {
	m.inboxPending.Set(float64(n))
}

func (m *Metrics) RecordDBError(operation DBOperation) {
	m.dbErrors.With(map[string]string{"operation": string(operation)}).Inc()
}

func (m *Metrics) RecordSchedulerError(operation SchedulerOperation) {
	m.schedulerErrors.With(map[string]string{"operation": string(operation)}).Inc()
}

func (m *Metrics) RecordSubmission(procType string, succeeded bool) {
	result := "succeeded"
	if !succeeded {
		result = "failed"
	}
	m.submissions.With(map[string]string{"proc_type": procType, "result": result}).Inc()
}

func (m *Metrics) RecordReconciliation(status string) {
	m.reconciliations.With(map[string]string{"status": status}).Inc()
}

func (m *Metrics) SetTaskCounts(counts map[string]int) {
	m.tasksByStatus.Reset()
	for status, n := range counts {
		m.tasksByStatus.With(map[string]string{"status": status}).Set(float64(n))
	}
}

func (m *Metrics) RecordMetadataLockTimeout() {
	m.metadataLockMisses.Inc()
}
