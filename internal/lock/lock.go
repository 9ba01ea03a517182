// Package lock provides the boot-time advisory lock that keeps two server
// processes from sharing one database file. Grounded on the writer
// package's open-lock-defer-unlock discipline around CSV file access,
// narrowed here to a single lock taken once at startup rather than around
// every write.
package lock

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileLock holds an exclusive, advisory flock on a sidecar lock file next
// to the database. It is released by Close, or implicitly by process
// exit.
type FileLock struct {
	f *os.File
}

// Acquire takes an exclusive non-blocking lock on dbPath+".lock". It fails
// immediately (rather than blocking) if another process already holds it,
// since a second server contending for the same database indicates a
// misconfiguration the operator should see right away.
func Acquire(dbPath string) (*FileLock, error) {
	path := dbPath + ".lock"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("lock: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock: %s is held by another process: %w", path, err)
	}
	return &FileLock{f: f}, nil
}

// Close releases the lock and closes the underlying file.
func (l *FileLock) Close() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return fmt.Errorf("lock: unlock: %w", err)
	}
	return l.f.Close()
}
