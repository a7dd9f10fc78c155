package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics("test_", prometheus.NewRegistry())

	m.RecordInboxMessage("applied")
	m.RecordInboxMessage("applied")
	m.RecordSubmission("EMOD3D", false)
	m.RecordSchedulerError(SchedulerOperationSubmit)
	m.SetTaskCounts(map[string]int{"created": 3, "running": 1})
	m.SetTaskCounts(map[string]int{"completed": 4})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.inboxMessages.WithLabelValues("applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.submissions.WithLabelValues("EMOD3D", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.schedulerErrors.WithLabelValues("submit")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.tasksByStatus))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.tasksByStatus.WithLabelValues("completed")))
}
