// Package proc manages launched tasks as POSIX process groups so that a
// task and every helper it spawned can be signaled as one unit.
package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Group is a handle on a process group rooted at a leader pid. Groups
// come from two places: Start (a child of this daemon, reaped via Wait)
// and Adopt (a leader found in the running slot at daemon startup,
// observable only via signal 0).
type Group struct {
	pid    int
	cmd    *exec.Cmd
	waitCh chan error
	log    *logrus.Entry
}

// Command describes a task to start as a new process group.
type Command struct {
	// Line is passed to "sh -c" verbatim.
	Line string
	// Dir is the working directory; empty means inherit.
	Dir string
	// Env entries are appended to the parent environment ("K=V").
	Env []string
	// Output receives combined stdout and stderr.
	Output *os.File
}

// Start spawns the command as the leader of a fresh process group. The
// child's pid equals its pgid, so signaling -pid reaches the whole tree.
func Start(c Command, log *logrus.Entry) (*Group, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	cmd := exec.Command("sh", "-c", c.Line)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if c.Output != nil {
		cmd.Stdout = c.Output
		cmd.Stderr = c.Output
	} else {
		cmd.Stdout = io.Discard
		cmd.Stderr = io.Discard
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", c.Line, err)
	}

	g := &Group{
		pid:    cmd.Process.Pid,
		cmd:    cmd,
		waitCh: make(chan error, 1),
		log:    log.WithField("pid", cmd.Process.Pid),
	}
	// The waiter reaps the child as soon as it exits, so Alive never
	// reports a zombie as running.
	go func() {
		g.waitCh <- cmd.Wait()
		close(g.waitCh)
	}()
	return g, nil
}

// Adopt wraps an existing process group leader that this process did not
// spawn (a running slot survivor from a previous daemon).
func Adopt(pid int, log *logrus.Entry) *Group {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Group{pid: pid, log: log.WithField("pid", pid)}
}

func (g *Group) PID() int { return g.pid }

// Alive reports whether the leader still exists. EPERM means the pid
// exists but belongs to another user, which still counts as alive.
func (g *Group) Alive() bool {
	if g.cmd != nil {
		select {
		case <-g.waitCh:
			return false
		default:
			return true
		}
	}
	err := unix.Kill(g.pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Signal delivers sig to the entire group. A group that is already gone
// is not an error: termination is idempotent.
func (g *Group) Signal(sig syscall.Signal) error {
	err := unix.Kill(-g.pid, sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return fmt.Errorf("signal %s to pgid %d: %w", sig, g.pid, err)
}

// Terminate implements the graceful-stop protocol: SIGTERM to the whole
// group, poll liveness at pollInterval, and escalate to SIGKILL once
// grace has elapsed. It returns once the leader is gone (and, for
// launched groups, reaped). ctx cancellation abandons the wait without
// killing the group.
func (g *Group) Terminate(ctx context.Context, grace time.Duration, pollInterval time.Duration) error {
	if !g.Alive() {
		return nil
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}

	g.log.WithField("grace_seconds", grace.Seconds()).Info("sending SIGTERM to process group")
	if err := g.Signal(syscall.SIGTERM); err != nil {
		return err
	}

	deadline := time.Now().Add(grace)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if !g.Alive() {
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	g.log.Warn("grace period expired, escalating to SIGKILL")
	if err := g.Signal(syscall.SIGKILL); err != nil {
		return err
	}

	// SIGKILL cannot be ignored; the residual wait covers kernel reaping.
	for g.Alive() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Escalated reports whether Terminate had to fall back to SIGKILL. It is
// derived from the exit state for launched groups; adopted groups report
// false because their exit status is unobservable.
func (g *Group) Escalated() bool {
	if g.cmd == nil || g.cmd.ProcessState == nil {
		return false
	}
	ws, ok := g.cmd.ProcessState.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled() && ws.Signal() == syscall.SIGKILL
}

// WaitDone exposes the waiter channel for launched groups; it is closed
// once the child has been reaped. Adopted groups return nil.
func (g *Group) WaitDone() <-chan error {
	return g.waitCh
}
