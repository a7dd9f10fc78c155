package controller

import (
	"strings"
	"time"

	"github.com/armadaproject/simflow/internal/workflow"
)

type Config struct {
	// Time between cycles.
	Interval time.Duration `validate:"gt=0"`
	// A queued or running task whose job the scheduler no longer lists is marked unknown once it has gone this long
	// without an update.
	Watchdog time.Duration `validate:"gt=0"`
	// Upper bound on tasks holding a scheduler job at once. Zero means no limit.
	MaxConcurrentJobs int `validate:"gte=0"`
	// Let the estimator choose the node count rather than using one node per job.
	AutoScaleCores bool
	// Cluster each process type is submitted to. Process types not listed use DefaultMachine.
	Machines       map[workflow.ProcessType]string
	DefaultMachine string
	// Job script for each process type, relative to the realisation directory. Process types not listed use
	// run_<proc_type>.sl.
	Scripts map[workflow.ProcessType]string
}

// Machine returns the cluster jobs of process type p are submitted to.
func (c Config) Machine(p workflow.ProcessType) string {
	if m, ok := c.Machines[p]; ok {
		return m
	}
	return c.DefaultMachine
}

func (c Config) Script(p workflow.ProcessType) string {
	if s, ok := c.Scripts[p]; ok && s != "" {
		return s
	}
	return "run_" + strings.ToLower(string(p)) + ".sl"
}
