package simflow

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/armadaproject/simflow/internal/common"
	"github.com/armadaproject/simflow/internal/common/flowcontext"
	"github.com/armadaproject/simflow/internal/common/flowerrors"
	"github.com/armadaproject/simflow/internal/common/logging"
	"github.com/armadaproject/simflow/internal/common/metrics"
	"github.com/armadaproject/simflow/internal/common/task"
	"github.com/armadaproject/simflow/internal/controller"
	"github.com/armadaproject/simflow/internal/estimation"
	"github.com/armadaproject/simflow/internal/hpcscheduler"
	"github.com/armadaproject/simflow/internal/inbox"
	"github.com/armadaproject/simflow/internal/metadata"
	"github.com/armadaproject/simflow/internal/taskdb"
)

const (
	consolidatorTaskName = "consolidator"
	controllerTaskName   = "controller"

	defaultShutdownTimeout = 30 * time.Second
)

// App runs the consolidator and the submission controller for one run folder.
type App struct {
	Clock clock.Clock
	// Executes scheduler commands and directly started jobs.
	Runner hpcscheduler.CommandRunner
	// Registers every metric, including background task latencies.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

func New() *App {
	return &App{
		Clock:      clock.RealClock{},
		Runner:     hpcscheduler.NewExecRunner(),
		Registerer: prometheus.DefaultRegisterer,
		Gatherer:   prometheus.DefaultGatherer,
	}
}

// OpenStore opens the task store selected by config, creating or migrating the database as needed. The returned
// function closes it.
func OpenStore(ctx *flowcontext.Context, config Configuration, clock clock.PassiveClock) (*taskdb.Store, func(), error) {
	var repo taskdb.Repository
	if config.Store.InMemory {
		ctx.Log.Warn("Using an in-memory task store; nothing will survive a restart")
		memRepo, err := taskdb.NewMemRepository()
		if err != nil {
			return nil, nil, err
		}
		repo = memRepo
	} else {
		sqliteRepo, err := taskdb.NewSQLiteRepository(ctx, config.SQLiteConfig())
		if err != nil {
			return nil, nil, err
		}
		repo = sqliteRepo
	}
	closeFn := func() {
		if err := repo.Close(); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warn("Error closing task store")
		}
	}
	return taskdb.NewStore(repo, config.Store.Config, clock), closeFn, nil
}

// StartUp wires every component together and blocks until ctx is cancelled or a component fails.
func (a *App) StartUp(parent context.Context, config Configuration) error {
	if config.RunFolder == "" {
		return errors.WithStack(&flowerrors.ErrInvalidArgument{Name: "runFolder", Message: "must be set"})
	}
	if err := config.ExpandPaths(); err != nil {
		return err
	}
	ctx := flowcontext.New(parent, log.WithField("service", "simflow"))
	ctx.Log.Infof("Starting simflow for run folder %s", config.RunFolder)

	store, closeStore, err := OpenStore(ctx, config, a.Clock)
	if err != nil {
		return err
	}
	defer closeStore()

	inboxDir := config.InboxDir()
	if err := os.MkdirAll(inboxDir, 0o775); err != nil {
		return errors.Wrapf(err, "creating inbox %s", inboxDir)
	}

	m := metrics.NewMetrics(metrics.SimflowMetricsPrefix, a.Registerer)
	scheduler := hpcscheduler.New(config.Scheduler, a.Runner, a.Clock)
	writer := inbox.NewWriter(inboxDir, a.Clock)
	consolidator := inbox.NewConsolidator(inboxDir, config.Inbox.QuarantineDir, store, m)
	ctrl := controller.NewController(
		config.Controller,
		config.RunFolder,
		config.Scheduler.User,
		store,
		writer,
		scheduler,
		estimation.NewEstimator(config.Estimation),
		metadata.NewWriter(config.Metadata.LockTimeout, a.Clock, m),
		m,
		a.Clock,
	)

	if config.MetricsPort > 0 {
		shutdownMetricServer := common.ServeMetricsFor(config.MetricsPort, a.Gatherer)
		defer shutdownMetricServer()
	}

	// Updates written before a restart reach the store before the controller first reads it.
	if summary, err := consolidator.Drain(ctx); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warnf("Initial inbox pass left %d updates", summary.Remaining)
	}

	g, ctx := flowcontext.ErrGroup(ctx)

	taskManager := task.NewBackgroundTaskManager(metrics.SimflowMetricsPrefix, a.Registerer)
	taskManager.Register(ctx, consolidator.Run, config.Inbox.Interval, consolidatorTaskName)
	ctrl.OnEnqueued(func() { taskManager.Trigger(consolidatorTaskName) })
	taskManager.Register(ctx, ctrl.Run, config.Controller.Interval, controllerTaskName)

	if config.Inbox.Watch {
		g.Go(func() error {
			return inbox.Watch(ctx, inboxDir, func() { taskManager.Trigger(consolidatorTaskName) })
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownTimeout := config.ShutdownTimeout
		if shutdownTimeout <= 0 {
			shutdownTimeout = defaultShutdownTimeout
		}
		ctx.Log.Info("Stopping background tasks")
		if timedOut := taskManager.StopAll(shutdownTimeout); timedOut {
			ctx.Log.Warnf("Background tasks did not stop within %s", shutdownTimeout)
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
