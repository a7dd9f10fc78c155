package simflowctl

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/armadaproject/simflow/internal/common/flowcontext"
	"github.com/armadaproject/simflow/internal/common/metrics"
	"github.com/armadaproject/simflow/internal/inbox"
	"github.com/armadaproject/simflow/internal/taskdb"
)

// Consolidate applies every update currently waiting in the run folder's inbox. It must not run alongside a
// running simflow instance for the same run folder.
func (a *App) Consolidate(runFolder string) error {
	config, err := a.config(runFolder)
	if err != nil {
		return err
	}
	return a.withStore(runFolder, func(ctx *flowcontext.Context, store *taskdb.Store) error {
		m := metrics.NewMetrics(metrics.SimflowMetricsPrefix, prometheus.NewRegistry())
		consolidator := inbox.NewConsolidator(config.InboxDir(), config.Inbox.QuarantineDir, store, m)
		summary, err := consolidator.Drain(ctx)
		fmt.Fprintf(a.Out, "Applied %d, recycled %d, ignored %d, rejected %d, quarantined %d, remaining %d\n",
			summary.Applied, summary.Recycled, summary.Ignored, summary.Rejected, summary.Quarantined, summary.Remaining)
		return err
	})
}

// MigrateDatabase creates the run folder's database, or brings an existing one up to the current schema.
func (a *App) MigrateDatabase(runFolder string) error {
	config, err := a.config(runFolder)
	if err != nil {
		return err
	}
	repo, err := taskdb.NewSQLiteRepository(flowcontext.Background(), config.SQLiteConfig())
	if err != nil {
		return err
	}
	if err := repo.Close(); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Database %s is up to date\n", config.DatabasePath())
	return nil
}
