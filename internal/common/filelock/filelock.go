// Package filelock provides advisory whole-file locks with a bounded wait.
package filelock

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/armadaproject/simflow/internal/common/flowcontext"
	"github.com/armadaproject/simflow/internal/common/flowerrors"
)

const defaultPollInterval = 50 * time.Millisecond

// Lock is a held advisory lock. The kernel drops it if the process dies, so a crashed holder never wedges other
// processes.
type Lock struct {
	path string
	file *os.File
}

// Acquire takes an exclusive lock on path+".lock", polling until timeout elapses or ctx is cancelled. On timeout
// the returned error is a *flowerrors.ErrLockTimeout.
func Acquire(ctx *flowcontext.Context, path string, timeout time.Duration) (*Lock, error) {
	lockPath := path + ".lock"
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &Lock{path: lockPath, file: file}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			_ = file.Close()
			return nil, errors.Wrapf(err, "locking %s", lockPath)
		}
		if !time.Now().Before(deadline) {
			_ = file.Close()
			return nil, errors.WithStack(&flowerrors.ErrLockTimeout{Path: lockPath, Timeout: timeout})
		}
		select {
		case <-ctx.Done():
			_ = file.Close()
			return nil, errors.WithStack(ctx.Err())
		case <-time.After(defaultPollInterval):
		}
	}
}

// Release unlocks and closes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	defer func() { l.file = nil }()
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		_ = l.file.Close()
		return errors.Wrapf(err, "unlocking %s", l.path)
	}
	return errors.WithStack(l.file.Close())
}

// WithLock runs fn while holding the lock on path, releasing it on every exit path.
func WithLock(ctx *flowcontext.Context, path string, timeout time.Duration, fn func() error) (err error) {
	lock, err := Acquire(ctx, path, timeout)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := lock.Release(); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()
	return fn()
}
