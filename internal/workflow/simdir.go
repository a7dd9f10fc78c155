package workflow

import (
	"path/filepath"
	"strings"
)

const (
	DatabaseFileName = "slurm_mgmt.db"
	InboxDirName     = "mgmt_db_queue"
	RunsDirName      = "Runs"
	ParamsFileName   = "sim_params.yaml"
	MetadataLogName  = "metadata_log.json"

	realisationSeparator = "_REL"
)

// FaultName returns the fault a realisation belongs to: everything before "_REL". Run names without a realisation
// suffix are their own fault.
func FaultName(runName string) string {
	if i := strings.Index(runName, realisationSeparator); i > 0 {
		return runName[:i]
	}
	return runName
}

// SimDir is where a realisation's inputs, scripts and outputs live.
func SimDir(runFolder, runName string) string {
	return filepath.Join(runFolder, RunsDirName, FaultName(runName), runName)
}

func DatabasePath(runFolder string) string {
	return filepath.Join(runFolder, DatabaseFileName)
}

func InboxPath(runFolder string) string {
	return filepath.Join(runFolder, InboxDirName)
}
