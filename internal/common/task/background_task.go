package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/armadaproject/simflow/internal/common/flowcontext"
)

type task struct {
	function    func(ctx *flowcontext.Context)
	interval    time.Duration
	metricName  string
	trigger     chan struct{}
	stopChannel chan struct{}
}

// BackgroundTaskManager runs functions on a fixed interval until stopped. All methods are safe to call from any
// goroutine, including from inside a running task.
type BackgroundTaskManager struct {
	mu            sync.RWMutex
	tasks         map[string]*task
	metricsPrefix string
	factory       promauto.Factory
	wg            *sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string, registerer prometheus.Registerer) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		tasks:         map[string]*task{},
		metricsPrefix: metricsPrefix,
		factory:       promauto.With(registerer),
		wg:            &sync.WaitGroup{},
	}
}

// Register starts running backgroundTask immediately and then every interval. ctx is passed to each invocation
// with a log field naming the task.
func (m *BackgroundTaskManager) Register(ctx *flowcontext.Context, backgroundTask func(ctx *flowcontext.Context), interval time.Duration, metricName string) {
	task := &task{
		function:    backgroundTask,
		interval:    interval,
		metricName:  metricName,
		trigger:     make(chan struct{}, 1),
		stopChannel: make(chan struct{}),
	}
	m.mu.Lock()
	m.tasks[metricName] = task
	m.mu.Unlock()
	m.startBackgroundTask(flowcontext.WithLogField(ctx, "task", metricName), task)
}

// Trigger asks the named task to run as soon as its current invocation finishes, without waiting for the interval.
// Triggers arriving while one is already pending are merged.
func (m *BackgroundTaskManager) Trigger(metricName string) {
	m.mu.RLock()
	task, ok := m.tasks[metricName]
	m.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case task.trigger <- struct{}{}:
	default:
	}
}

// StopAll stops every task and waits up to timeout for in-flight invocations. It returns true if it timed out.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.stopTasks()
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(ctx *flowcontext.Context, task *task) {
	taskDurationHistogram := m.factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    m.metricsPrefix + task.metricName + "_latency_seconds",
			Help:    "Background loop " + task.metricName + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		})

	run := func() {
		start := time.Now()
		task.function(ctx)
		taskDurationHistogram.Observe(time.Since(start).Seconds())
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		run()
		for {
			select {
			case <-time.After(task.interval):
			case <-task.trigger:
			case <-task.stopChannel:
				return
			}
			run()
		}
	}()
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false
	case <-time.After(timeout):
		return true
	}
}

func (m *BackgroundTaskManager) stopTasks() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, task := range m.tasks {
		close(task.stopChannel)
	}
}
