package inbox

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/armadaproject/simflow/internal/common/flowcontext"
	"github.com/armadaproject/simflow/internal/common/util"
	"github.com/armadaproject/simflow/internal/taskdb"
)

// Writer puts update messages into an inbox directory. Any number of writers, in any number of processes, may share
// a directory: each file gets a unique name and appears under it only once fully written.
type Writer struct {
	dir   string
	clock clock.PassiveClock
}

func NewWriter(dir string, clock clock.PassiveClock) *Writer {
	return &Writer{dir: dir, clock: clock}
}

func (w *Writer) Dir() string {
	return w.dir
}

// Enqueue writes update to the inbox and returns the path of the new file.
func (w *Writer) Enqueue(ctx *flowcontext.Context, update taskdb.Update) (string, error) {
	if _, err := NewMessage(update).ToUpdate(""); err != nil {
		return "", err
	}
	data, err := json.Marshal(NewMessage(update))
	if err != nil {
		return "", errors.WithStack(err)
	}
	if err := os.MkdirAll(w.dir, 0o775); err != nil {
		return "", errors.Wrapf(err, "creating inbox %s", w.dir)
	}

	path := filepath.Join(w.dir, fileName(update, util.NewULIDAt(w.clock.Now())))
	if err := writeAtomic(w.dir, path, data); err != nil {
		return "", err
	}
	ctx.Log.WithField("file", filepath.Base(path)).Debugf("Enqueued %s update for %s", update.Status, update.Key())
	return path, nil
}

// PendingKeys returns the tasks that have an update in the inbox which hasn't been consolidated yet. Malformed files
// are left for the consolidator to quarantine.
func (w *Writer) PendingKeys() (map[taskdb.TaskKey]bool, error) {
	names, err := listPending(w.dir)
	if err != nil {
		return nil, err
	}
	keys := make(map[taskdb.TaskKey]bool, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(w.dir, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", name)
		}
		update, err := ParseMessage(name, data)
		if err != nil {
			continue
		}
		keys[update.Key()] = true
	}
	return keys, nil
}

// writeAtomic stages data in a hidden temp file in the same directory, syncs it and renames it into place, so readers
// never observe a partial file, even over NFS.
func writeAtomic(dir, path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return errors.Wrapf(err, "creating temp file in %s", dir)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		return errors.Wrapf(err, "writing %s", tmp.Name())
	}
	if err = tmp.Sync(); err != nil {
		return errors.Wrapf(err, "syncing %s", tmp.Name())
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", tmp.Name())
	}
	if err = os.Chmod(tmp.Name(), 0o664); err != nil {
		return errors.Wrapf(err, "setting permissions on %s", tmp.Name())
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "renaming %s to %s", tmp.Name(), path)
	}
	return nil
}
