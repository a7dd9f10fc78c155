package simflow

import (
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"

	"github.com/armadaproject/simflow/internal/common/logging"
	"github.com/armadaproject/simflow/internal/controller"
	"github.com/armadaproject/simflow/internal/estimation"
	"github.com/armadaproject/simflow/internal/hpcscheduler"
	"github.com/armadaproject/simflow/internal/taskdb"
	"github.com/armadaproject/simflow/internal/workflow"
)

type Configuration struct {
	// Directory holding the database, the inbox and the Runs tree.
	RunFolder string
	// Port the prometheus endpoint listens on. Zero disables it.
	MetricsPort uint16
	// How long shutdown waits for in-flight cycles.
	ShutdownTimeout time.Duration
	Store           StoreConfig
	Inbox           InboxConfig
	Scheduler       hpcscheduler.Config
	Estimation      estimation.Config
	Controller      controller.Config
	Metadata        MetadataConfig
	Logging         logging.Config
}

type StoreConfig struct {
	taskdb.Config `mapstructure:",squash"`
	// Database file. Defaults to slurm_mgmt.db in the run folder.
	Path        string
	JournalMode string
	BusyTimeout time.Duration
	// Keep tasks in memory only. Nothing survives a restart; intended for dry runs.
	InMemory bool
}

type InboxConfig struct {
	// Defaults to mgmt_db_queue in the run folder.
	Dir string
	// Defaults to .quarantine inside Dir.
	QuarantineDir string
	// Time between consolidation passes.
	Interval time.Duration `validate:"gt=0"`
	// Trigger a pass as soon as a file lands in the inbox.
	Watch bool
}

type MetadataConfig struct {
	LockTimeout time.Duration `validate:"gt=0"`
}

// ExpandPaths replaces a leading ~ in every configured path with the user's home directory.
func (c *Configuration) ExpandPaths() error {
	for _, path := range []*string{
		&c.RunFolder,
		&c.Store.Path,
		&c.Inbox.Dir,
		&c.Inbox.QuarantineDir,
		&c.Logging.File.LogFile,
	} {
		expanded, err := homedir.Expand(*path)
		if err != nil {
			return errors.Wrapf(err, "expanding %s", *path)
		}
		*path = expanded
	}
	return nil
}

func (c Configuration) DatabasePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return workflow.DatabasePath(c.RunFolder)
}

func (c Configuration) InboxDir() string {
	if c.Inbox.Dir != "" {
		return c.Inbox.Dir
	}
	return workflow.InboxPath(c.RunFolder)
}

func (c Configuration) SQLiteConfig() taskdb.SQLiteConfig {
	return taskdb.SQLiteConfig{
		Path:        c.DatabasePath(),
		JournalMode: c.Store.JournalMode,
		BusyTimeout: c.Store.BusyTimeout,
	}
}

// DefaultConfiguration is the configuration used for anything config.yaml doesn't set.
func DefaultConfiguration() Configuration {
	config := Configuration{
		ShutdownTimeout: 30 * time.Second,
		Inbox:           InboxConfig{Interval: 10 * time.Second},
		Scheduler: hpcscheduler.Config{
			Kind:           hpcscheduler.Direct,
			CommandTimeout: time.Minute,
			QueueCacheTTL:  5 * time.Second,
		},
		Estimation: estimation.Config{
			CoresPerNode:       40,
			HyperThreading:     true,
			NodeTimeThreshold:  24 * time.Hour,
			MaxNodes:           4,
			HardMaxNodes:       16,
			MaxJobDuration:     24 * time.Hour,
			MinWallClock:       15 * time.Minute,
			OverestimateFactor: 0.1,
			Fallback:           estimation.Default{Cores: 40, WallClock: time.Hour},
		},
		Controller: controller.Config{
			Interval: 30 * time.Second,
			Watchdog: 30 * time.Minute,
		},
		Metadata: MetadataConfig{LockTimeout: 10 * time.Second},
		Logging:  logging.DefaultConfig(),
	}
	config.Store.RetryThreshold = 2
	config.Store.BusyRetries = 10
	config.Store.BusyRetryDelay = 50 * time.Millisecond
	config.Store.BusyTimeout = 5 * time.Second
	return config
}
