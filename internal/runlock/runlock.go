// Package runlock keeps two invocations of the same entry point from
// overlapping, across processes, with an advisory file lock.
package runlock

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrHeld is returned when another invocation holds the lock.
var ErrHeld = eris.New("runlock: lock held by another invocation")

// Lock is a named file lock.
type Lock struct {
	fl *flock.Flock
}

// New returns a lock backed by path. The parent directory is created if
// missing.
func New(path string) (*Lock, error) {
	if path == "" {
		return nil, eris.New("runlock: empty lock path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "runlock: create dir %s", dir)
		}
	}
	return &Lock{fl: flock.New(path)}, nil
}

// TryAcquire takes the lock without waiting. It returns ErrHeld when the lock
// is taken.
func (l *Lock) TryAcquire() error {
	ok, err := l.fl.TryLock()
	if err != nil {
		return eris.Wrapf(err, "runlock: lock %s", l.fl.Path())
	}
	if !ok {
		return ErrHeld
	}
	return nil
}

// Release drops the lock.
func (l *Lock) Release() {
	if err := l.fl.Unlock(); err != nil {
		zap.L().Warn("runlock: unlock failed", zap.String("path", l.fl.Path()), zap.Error(err))
	}
}

// Do runs fn while holding the lock at path. It returns ErrHeld without
// calling fn when another invocation holds it.
func Do(path string, fn func() error) error {
	l, err := New(path)
	if err != nil {
		return err
	}
	if err := l.TryAcquire(); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
