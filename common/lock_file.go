// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package common

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const (
	// LockFileName is the name of the lock file placed in locked directories.
	LockFileName = "LOCK"

	ErrDirectoryLocked = ConstError("directory is locked by another process")
	ErrLockReleased    = ConstError("lock has already been released")
)

// DirectoryLock grants exclusive use of a directory to one owner. The lock
// is represented by a file holding the owner's process ID. Locks left behind
// by terminated processes are taken over.
type DirectoryLock struct {
	path           string
	fileDescriptor int
}

// LockDirectory acquires the lock of the given directory, which must exist.
func LockDirectory(dir string) (*DirectoryLock, error) {
	path := filepath.Join(dir, LockFileName)
	lock, err := createLockFile(path)
	if errors.Is(err, os.ErrExist) && isStale(path) {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale lock %s: %w", path, err)
		}
		lock, err = createLockFile(path)
	}
	if errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("%w: %s", ErrDirectoryLocked, dir)
	}
	return lock, err
}

func createLockFile(path string) (*DirectoryLock, error) {
	fd, err := syscall.Open(path, syscall.O_CREAT|syscall.O_EXCL|syscall.O_RDWR|syscall.O_CLOEXEC, 0600)
	if err != nil {
		return nil, &os.PathError{Op: "lock", Path: path, Err: err}
	}
	if _, err := syscall.Write(fd, []byte(strconv.Itoa(os.Getpid()))); err != nil {
		return nil, errors.Join(err, syscall.Close(fd), syscall.Unlink(path))
	}
	return &DirectoryLock{path: path, fileDescriptor: fd}, nil
}

// isStale checks whether the lock file names a process that is gone.
func isStale(path string) bool {
	content, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(content)))
	if err != nil || pid <= 0 {
		return false
	}
	return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
}

// Valid checks whether this lock still owns the directory.
func (l *DirectoryLock) Valid() bool {
	return l.fileDescriptor != 0
}

// Release gives up the lock by deleting the lock file. Each lock may only be
// released once.
func (l *DirectoryLock) Release() error {
	if l.fileDescriptor == 0 {
		return ErrLockReleased
	}
	if err := syscall.Close(l.fileDescriptor); err != nil {
		return fmt.Errorf("failed to release directory lock: %w", err)
	}
	l.fileDescriptor = 0
	if err := syscall.Unlink(l.path); err != nil {
		return fmt.Errorf("failed to release directory lock: %w", err)
	}
	return nil
}
