// Package lockfile manages the daemon single-instance lock.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const daemonLockName = "daemon.lock"

// DaemonLockPath returns the lock file path for a state directory.
func DaemonLockPath(stateDir string) string {
	return filepath.Join(stateDir, daemonLockName)
}

// TryDaemonLock probes whether a daemon currently holds the lock for
// stateDir. Returns true when the lock is held by a running daemon.
// The probe itself never keeps the lock.
func TryDaemonLock(stateDir string) (bool, error) {
	lockPath := DaemonLockPath(stateDir)
	if _, err := os.Stat(lockPath); os.IsNotExist(err) {
		return false, nil
	}
	lock := flock.New(lockPath)
	acquired, err := lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("probing daemon lock: %w", err)
	}
	if acquired {
		// We got it, so no daemon holds it. Release immediately.
		_ = lock.Unlock()
		return false, nil
	}
	return true, nil
}

// AcquireDaemonLock takes the daemon lock for stateDir, failing fast
// when another daemon already holds it. The caller must Unlock the
// returned flock on shutdown.
func AcquireDaemonLock(stateDir string) (*flock.Flock, error) {
	if err := os.MkdirAll(stateDir, 0750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	lock := flock.New(DaemonLockPath(stateDir))
	acquired, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring daemon lock: %w", err)
	}
	if !acquired {
		return nil, fmt.Errorf("another daemon already holds %s", lock.Path())
	}
	return lock, nil
}
