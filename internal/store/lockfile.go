package store

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// fileLock is an advisory flock on a companion file.
type fileLock struct {
	f *os.File
}

func openLockFile(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) flock(how int) error {
	for {
		err := unix.Flock(int(l.f.Fd()), how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// Exclusive blocks until the exclusive lock is held.
func (l *fileLock) Exclusive() error { return l.flock(unix.LOCK_EX) }

// Shared blocks until a shared lock is held.
func (l *fileLock) Shared() error { return l.flock(unix.LOCK_SH) }

// TryExclusive takes the exclusive lock without blocking. It returns false
// if another holder has the file locked.
func (l *fileLock) TryExclusive() (bool, error) {
	err := l.flock(unix.LOCK_EX | unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return false, nil
	}
	return err == nil, err
}

// Unlock releases whatever lock is held.
func (l *fileLock) Unlock() error { return l.flock(unix.LOCK_UN) }

// Close closes the file, releasing any lock.
func (l *fileLock) Close() error { return l.f.Close() }
