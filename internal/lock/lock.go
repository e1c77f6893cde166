package lock

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrHeld reports that another live process owns the lock.
var ErrHeld = errors.New("lock held")

// FileLock is a pidfile guarding a single scheduler instance per queue.
// The file records the holder's pid. Acquisition succeeds when the file
// is absent or names a dead process; a live holder is refused. The
// check-then-write section is serialized with flock so two racing
// invocations cannot both reclaim a stale file.
type FileLock struct {
	path string
	held bool
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock claims the pidfile for the current process. A stale file left
// by a dead holder is reclaimed silently.
func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("serialize lock acquisition: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	if pid, ok := readPID(f); ok && pid != os.Getpid() && Alive(pid) {
		return fmt.Errorf("%w by pid %d (%s)", ErrHeld, pid, fl.path)
	}

	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write pid to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}

	fl.held = true
	return nil
}

// Unlock removes the pidfile when it still names this process. Calling
// Unlock without holding the lock is a no-op.
func (fl *FileLock) Unlock() error {
	if !fl.held {
		return nil
	}
	fl.held = false

	f, err := os.OpenFile(fl.path, os.O_RDWR, 0600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open lock file: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("serialize lock release: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	if pid, ok := readPID(f); ok && pid == os.Getpid() {
		os.Remove(fl.path)
	}
	return nil
}

// Holder reports the pid recorded in the lock file at path and whether
// that process is alive. ok is false when the file is absent or holds
// no parseable pid.
func Holder(path string) (pid int, alive bool, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false, false
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false, false
	}
	return pid, Alive(pid), true
}

// Alive reports whether a process with the given pid exists. EPERM
// counts as alive: the process exists but belongs to another user.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func readPID(f *os.File) (int, bool) {
	data, err := io.ReadAll(f)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
