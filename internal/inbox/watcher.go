package inbox

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/armadaproject/simflow/internal/common/flowcontext"
)

// Watch calls onArrival whenever an update file appears in dir, until ctx is cancelled. Notifications are not
// delivered for writers on other hosts of a network filesystem, so this only shortens the wait between periodic
// passes; it never replaces them.
func Watch(ctx *flowcontext.Context, dir string, onArrival func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.WithStack(err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "watching %s", dir)
	}
	ctx.Log.Infof("Watching %s for updates", dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if strings.HasPrefix(filepath.Base(event.Name), ".") {
				continue
			}
			onArrival()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			ctx.Log.WithError(err).Warn("Inbox watcher error")
		}
	}
}
