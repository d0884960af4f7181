//go:build !windows

package scheduler

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// FileLock serialises scheduler ticks across synapse processes sharing one
// data directory. The holder's pid is written into the file.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock takes the lock without blocking. It reports false when another
// process holds it.
func (l *FileLock) TryLock() (bool, error) {
	if l.file != nil {
		return true, nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return false, fmt.Errorf("open scheduler lock: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("flock scheduler lock: %w", err)
	}
	if err := writePID(f); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return false, err
	}
	l.file = f
	return true, nil
}

// Unlock releases the lock and removes the file.
func (l *FileLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	// Remove before unlocking so a waiter never locks a file that is about
	// to disappear.
	os.Remove(f.Name())
	err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	f.Close()
	return err
}

// Holder returns the pid recorded by the current lock holder, or 0.
func (l *FileLock) Holder() int {
	return readPID(l.path)
}
