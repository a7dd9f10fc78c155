package metadata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/armadaproject/simflow/internal/common/filelock"
	"github.com/armadaproject/simflow/internal/common/flowcontext"
	"github.com/armadaproject/simflow/internal/common/flowerrors"
	"github.com/armadaproject/simflow/internal/common/metrics"
	"github.com/armadaproject/simflow/internal/hpcscheduler"
	"github.com/armadaproject/simflow/internal/workflow"
)

// Entry is the record of one job kept in a realisation's metadata log.
type Entry struct {
	JobID          int64     `json:"job_id"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	Cores          int       `json:"cores"`
	State          string    `json:"state"`
	Completed      bool      `json:"completed"`
	Attempt        int       `json:"attempt"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// Log is the per-realisation metadata file: job records grouped by process type.
type Log map[workflow.ProcessType][]Entry

// Writer merges job metadata into metadata_log.json. Job scripts update the same file, so every update holds an
// exclusive lock on it. An update that can't get the lock in time is dropped.
type Writer struct {
	lockTimeout time.Duration
	clock       clock.PassiveClock
	metrics     *metrics.Metrics
}

func NewWriter(lockTimeout time.Duration, clock clock.PassiveClock, m *metrics.Metrics) *Writer {
	return &Writer{lockTimeout: lockTimeout, clock: clock, metrics: m}
}

// Record adds the scheduler's record of a job to the log in simDir. A record for the same job id replaces the old one.
func (w *Writer) Record(ctx *flowcontext.Context, simDir string, procType workflow.ProcessType, attempt int, meta *hpcscheduler.JobMetadata) error {
	entry := Entry{
		JobID:          meta.JobID,
		ElapsedSeconds: meta.Elapsed.Seconds(),
		Cores:          meta.Cores,
		State:          meta.State,
		Completed:      meta.Completed,
		Attempt:        attempt,
		RecordedAt:     w.clock.Now().UTC(),
	}
	path := filepath.Join(simDir, workflow.MetadataLogName)

	err := filelock.WithLock(ctx, path, w.lockTimeout, func() error {
		log, err := Read(simDir)
		if err != nil {
			return err
		}
		entries := log[procType]
		if i := slices.IndexFunc(entries, func(e Entry) bool { return e.JobID == entry.JobID }); i >= 0 {
			entries[i] = entry
		} else {
			entries = append(entries, entry)
		}
		log[procType] = entries
		return write(path, log)
	})
	if flowerrors.IsLockTimeout(err) {
		w.metrics.RecordMetadataLockTimeout()
		ctx.Log.WithError(err).Errorf(
			"Dropped metadata for %s job %d; the metadata log lock is being held too long and should be investigated",
			procType, meta.JobID)
		return nil
	}
	return err
}

// Read returns the metadata log in simDir, or an empty log if there isn't one yet.
func Read(simDir string) (Log, error) {
	path := filepath.Join(simDir, workflow.MetadataLogName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Log{}, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	log := Log{}
	if len(data) == 0 {
		return log, nil
	}
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return log, nil
}

func write(path string, log Log) error {
	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o664); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp, path))
}
