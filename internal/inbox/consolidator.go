package inbox

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/simflow/internal/common/flowcontext"
	"github.com/armadaproject/simflow/internal/common/logging"
	"github.com/armadaproject/simflow/internal/common/metrics"
	"github.com/armadaproject/simflow/internal/taskdb"
)

// TransitionApplier is the part of the task store the consolidator writes to.
type TransitionApplier interface {
	ApplyTransition(ctx *flowcontext.Context, update taskdb.Update) (taskdb.Result, error)
}

// Summary counts what one pass over the inbox did.
type Summary struct {
	Applied     int
	Recycled    int
	Ignored     int
	Rejected    int
	Quarantined int
	// Files left in place because they could not be read or the store failed.
	Remaining int
}

func (s Summary) Processed() int {
	return s.Applied + s.Recycled + s.Ignored + s.Rejected + s.Quarantined
}

func (s *Summary) add(outcome taskdb.Outcome) {
	switch outcome {
	case taskdb.Applied:
		s.Applied++
	case taskdb.Recycled:
		s.Recycled++
	case taskdb.Ignored:
		s.Ignored++
	case taskdb.Rejected:
		s.Rejected++
	}
}

// Consolidator is the single consumer of an inbox directory. Each pass applies every pending file to the store in
// ulid order and deletes it once the store has accepted or rejected it. A file is only removed after the store has
// committed, so a pass that dies part way through is completed by the next one.
type Consolidator struct {
	dir           string
	quarantineDir string
	store         TransitionApplier
	metrics       *metrics.Metrics
}

func NewConsolidator(dir string, quarantineDir string, store TransitionApplier, m *metrics.Metrics) *Consolidator {
	if quarantineDir == "" {
		quarantineDir = filepath.Join(dir, QuarantineName)
	}
	return &Consolidator{
		dir:           dir,
		quarantineDir: quarantineDir,
		store:         store,
		metrics:       m,
	}
}

// Run performs one pass and logs the result. It is intended to be registered as a background task.
func (c *Consolidator) Run(ctx *flowcontext.Context) {
	summary, err := c.Drain(ctx)
	if err != nil {
		logging.WithStacktrace(ctx.Log, err).Error("Inbox pass did not complete")
	}
	if summary.Processed() > 0 {
		ctx.Log.WithFields(logrus.Fields{
			"applied":     summary.Applied,
			"recycled":    summary.Recycled,
			"ignored":     summary.Ignored,
			"rejected":    summary.Rejected,
			"quarantined": summary.Quarantined,
			"remaining":   summary.Remaining,
		}).Info("Consolidated inbox")
	}
}

// Drain processes every file currently in the inbox. Files that can't be read are skipped and reported; a store
// error stops the pass, leaving that file and all later ones for the next pass.
func (c *Consolidator) Drain(ctx *flowcontext.Context) (Summary, error) {
	summary := Summary{}
	names, err := c.pending()
	if err != nil {
		return summary, err
	}
	c.metrics.SetInboxPending(len(names))

	var result *multierror.Error
	for i, name := range names {
		if ctx.Err() != nil {
			summary.Remaining += len(names) - i
			return summary, multierror.Append(result, errors.WithStack(ctx.Err())).ErrorOrNil()
		}
		fileCtx := flowcontext.WithLogField(ctx, "file", name)
		path := filepath.Join(c.dir, name)

		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			summary.Remaining++
			result = multierror.Append(result, errors.Wrapf(err, "reading %s", path))
			continue
		}

		update, err := ParseMessage(name, data)
		if err != nil {
			fileCtx.Log.WithError(err).Error("Quarantining malformed update")
			if qerr := c.quarantine(name); qerr != nil {
				summary.Remaining++
				result = multierror.Append(result, qerr)
				continue
			}
			summary.Quarantined++
			c.metrics.RecordInboxMessage("quarantined")
			continue
		}

		res, err := c.store.ApplyTransition(fileCtx, update)
		if err != nil {
			summary.Remaining += len(names) - i
			c.metrics.RecordDBError(metrics.DBOperationApply)
			return summary, multierror.Append(result, errors.WithMessagef(err, "applying %s", name)).ErrorOrNil()
		}
		summary.add(res.Outcome)
		c.metrics.RecordInboxMessage(res.Outcome.String())

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, errors.Wrapf(err, "removing %s", path))
		}
	}
	return summary, result.ErrorOrNil()
}

func (c *Consolidator) pending() ([]string, error) {
	return listPending(c.dir)
}

// listPending lists an inbox in processing order: files named with a ulid first, in ulid order, then anything else by
// name. Hidden files, which include writers' temp files and the quarantine directory, are skipped.
func listPending(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "listing inbox %s", dir)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	slices.SortFunc(names, func(a, b string) bool {
		aKey, aOK := orderKey(a)
		bKey, bOK := orderKey(b)
		switch {
		case aOK && bOK && aKey != bKey:
			return aKey < bKey
		case aOK != bOK:
			return aOK
		default:
			return a < b
		}
	})
	return names, nil
}

func (c *Consolidator) quarantine(name string) error {
	if err := os.MkdirAll(c.quarantineDir, 0o775); err != nil {
		return errors.Wrapf(err, "creating quarantine directory %s", c.quarantineDir)
	}
	if err := os.Rename(filepath.Join(c.dir, name), filepath.Join(c.quarantineDir, name)); err != nil {
		return errors.Wrapf(err, "quarantining %s", name)
	}
	return nil
}
