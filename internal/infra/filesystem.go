// Package infra implements infrastructure concerns (record stores, firewall queue, notifiers).
package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}

// trimFolder strips trailing slashes, keeping "/" intact.
func trimFolder(folder string) string {
	trimmed := strings.TrimRight(folder, "/")
	if trimmed == "" && strings.HasPrefix(folder, "/") {
		return "/"
	}
	return trimmed
}

// checkWritableDir returns ErrQueueUnavailable unless dir is an existing
// directory the current process may write to.
func checkWritableDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrQueueUnavailable, dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrQueueUnavailable, dir)
	}
	if err := unix.Access(dir, unix.W_OK); err != nil {
		return fmt.Errorf("%w: %s is not writable: %v", ErrQueueUnavailable, dir, err)
	}
	return nil
}

// withFileLock holds an exclusive flock on f while fn runs.
func withFileLock(f *os.File, fn func() error) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = unix.Flock(int(f.Fd()), unix.LOCK_UN) }()
	return fn()
}
