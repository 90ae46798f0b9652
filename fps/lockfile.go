//go:build linux

package fps

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned by AcquireLockfile when another process
// already holds the exclusive lock (spec.md §6, §7: "AlreadyRunning").
var ErrAlreadyRunning = errors.New("fps: another instance already holds the lockfile")

// Lockfile is the single-instance OS lock a controller process holds for
// the lifetime of one FPS (spec.md §5: "Only one process instance is
// permitted to operate a given FPS").
type Lockfile struct {
	fd   int
	path string
}

// AcquireLockfile opens (creating if necessary) path and takes a
// non-blocking exclusive flock on it. The lock is released by Close, or
// automatically when the process exits.
func AcquireLockfile(path string) (*Lockfile, error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("fps: opening lockfile %s: %w", path, err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("fps: locking %s: %w", path, err)
	}
	return &Lockfile{fd: fd, path: path}, nil
}

// Close releases the lock and closes the underlying file descriptor. It is
// safe to call more than once (spec.md §8 property 9: "idempotent
// shutdown").
func (l *Lockfile) Close() error {
	if l.fd < 0 {
		return nil
	}
	unix.Flock(l.fd, unix.LOCK_UN)
	err := unix.Close(l.fd)
	l.fd = -1
	return err
}
