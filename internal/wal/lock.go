package wal

import (
	"fmt"
	"os"
	"strconv"

	"github.com/morphic-labs/imagewal/internal/domain"
)

// lockPath returns the lock file guarding the log at path.
func lockPath(path string) string { return path + ".lock" }

// acquireLock creates the lock file with O_EXCL so exactly one writer per
// log can exist per machine. The file records the owning pid for
// diagnostics. The returned release function removes the lock.
func acquireLock(path string) (func() error, error) {
	lp := lockPath(path)
	f, err := os.OpenFile(lp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s exists", domain.ErrLogLocked, lp)
		}
		return nil, fmt.Errorf("create lock file %s: %w", lp, err)
	}
	_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(lp)
		if werr != nil {
			return nil, fmt.Errorf("write lock file %s: %w", lp, werr)
		}
		return nil, fmt.Errorf("close lock file %s: %w", lp, cerr)
	}
	return func() error { return os.Remove(lp) }, nil
}

// Locked reports whether a writer lock currently exists for the log at path.
func Locked(path string) bool {
	_, err := os.Stat(lockPath(path))
	return err == nil
}
