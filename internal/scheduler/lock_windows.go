//go:build windows

package scheduler

import (
	"errors"
	"fmt"
	"os"
)

// FileLock serialises scheduler ticks across synapse processes by
// exclusively creating the lock file. The holder's pid is written into it.
type FileLock struct {
	path   string
	locked bool
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock takes the lock without blocking. It reports false when another
// process holds it.
func (l *FileLock) TryLock() (bool, error) {
	if l.locked {
		return true, nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create scheduler lock: %w", err)
	}
	werr := writePID(f)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(l.path)
		return false, werr
	}
	l.locked = true
	return true, nil
}

// Unlock releases the lock and removes the file.
func (l *FileLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Holder returns the pid recorded by the current lock holder, or 0.
func (l *FileLock) Holder() int {
	return readPID(l.path)
}
