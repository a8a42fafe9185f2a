// Package filelock provides a bounded-timeout OS-level exclusive lock used
// to coordinate the runners map and the daily task directories across
// worker processes. No dedicated flock library ships with the rest of the
// stack, so this wraps golang.org/x/sys/unix.Flock directly, the same
// syscall primitive the broader dependency graph already carries.
package filelock

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrTimeout is returned when the lock could not be acquired within the
// requested deadline. It surfaces as a distinct error rather than being
// silently retried by the caller.
var ErrTimeout = errors.New("filelock: timed out acquiring lock")

// Lock is a held advisory lock on a path. Release unlocks and closes the
// underlying file descriptor.
type Lock struct {
	file *os.File
}

// Acquire opens (creating if necessary) the lock file at path and attempts
// an exclusive, non-blocking flock in a retry loop bounded by timeout.
func Acquire(path string, timeout time.Duration) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filelock: open %s: %w", path, err)
	}

	deadline := time.Now().Add(timeout)
	backoff := 5 * time.Millisecond
	const maxBackoff = 100 * time.Millisecond

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &Lock{file: f}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			f.Close()
			return nil, fmt.Errorf("filelock: flock %s: %w", path, err)
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, ErrTimeout
		}
		time.Sleep(backoff)
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// Release unlocks and closes the lock file. Safe to call once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	return l.file.Close()
}
