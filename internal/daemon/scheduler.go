// Package daemon runs the per-queue scheduling loop: a polling state
// machine over the queue store, the running slot, and the device
// monitor, with fixed transition precedence Yield > Preempt > Start >
// Idle.
package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/msageha/tq/internal/events"
	"github.com/msageha/tq/internal/model"
	"github.com/msageha/tq/internal/proc"
	"github.com/msageha/tq/internal/store"
)

// Monitor reports foreign device occupancy. Nil for generic queues.
type Monitor interface {
	FirstForeign(ctx context.Context, managedPID int) (pid int, found bool)
}

// Proc is the handle on a running (or adopted) task process group.
// *proc.Group implements it.
type Proc interface {
	PID() int
	Alive() bool
	Terminate(ctx context.Context, grace, pollInterval time.Duration) error
	Escalated() bool
}

// Launcher starts a popped record. *launch.Launcher implements it via
// the adapter in daemon.go.
type Launcher interface {
	Launch(rec model.TaskRecord) (Proc, string, error)
}

// Scheduler owns all scheduling state for one queue. Every mutation of
// the running slot and every pop/requeue goes through its single
// decision goroutine; submitters only ever append.
type Scheduler struct {
	queue    model.QueueName
	cfg      model.Config
	store    *store.Store
	monitor  Monitor
	launcher Launcher
	journal  *events.Journal
	log      *logrus.Entry

	// current mirrors the running slot within this process. It is the
	// live signal/wait handle; the slot row is the durable truth.
	current Proc

	// lastTransition is read by the status handler off-loop.
	mu             sync.Mutex
	lastTransition string
}

// NewScheduler wires a scheduler for one queue. monitor must be nil for
// generic-mode queues; journal may be nil (transitions then go
// unjournaled but still logged).
func NewScheduler(queue model.QueueName, cfg model.Config, st *store.Store, monitor Monitor, launcher Launcher, journal *events.Journal, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{
		queue:    queue,
		cfg:      cfg,
		store:    st,
		monitor:  monitor,
		launcher: launcher,
		journal:  journal,
		log:      log,
	}
}

// LastTransition names the most recent state-machine transition, for
// the status surface.
func (s *Scheduler) LastTransition() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTransition
}

func (s *Scheduler) setTransition(name string) {
	s.mu.Lock()
	s.lastTransition = name
	s.mu.Unlock()
}

// Tick evaluates the state machine once and returns how long to sleep
// before the next evaluation. A zero delay requests an immediate
// re-evaluation (after a preemption, so the freed device is picked up
// without waiting a full tick). interruptible reports whether an early
// wake (fsnotify, control socket) may shorten the sleep: the idle tick
// may be shortened, the yield cooldown may not.
func (s *Scheduler) Tick(ctx context.Context) (delay time.Duration, interruptible bool) {
	slot, running, err := s.store.ReadRunning(s.queue.String())
	if err != nil {
		// Malformed slot state: degrade to idle rather than crash. The
		// referenced process, if any, keeps the device until an
		// operator intervenes.
		s.log.WithField("error", err).Warn("cannot read running slot, idling this tick")
		return s.cfg.PollInterval(), true
	}

	if running {
		s.reconcileHandle(slot)

		// Reap: the pid is gone, so the task completed naturally.
		if !s.current.Alive() {
			s.log.WithFields(logrus.Fields{
				"pid": slot.PID,
				"tag": slot.Tag,
			}).Info("task exited, reaping")
			s.journalEvent(events.Event{
				Type: events.TaskCompleted, PID: slot.PID,
				Tag: slot.Tag, Priority: slot.Priority, LogPath: slot.LogPath,
			})
			if err := s.store.ClearRunning(s.queue.String()); err != nil {
				s.log.WithField("error", err).Warn("clear running slot failed")
				return s.cfg.PollInterval(), true
			}
			s.current = nil
			s.setTransition("reap")
			running = false
		}
	}

	// Yield: a foreign process owns the device. Highest precedence, and
	// always followed by the long cooldown so we do not thrash while the
	// intruder warms up.
	if s.monitor != nil {
		managedPID := 0
		if running {
			managedPID = slot.PID
		}
		if foreign, found := s.monitor.FirstForeign(ctx, managedPID); found {
			if running {
				s.yield(ctx, slot, foreign)
			} else {
				s.log.WithField("foreign_pid", foreign).Debug("device busy with foreign process, waiting")
			}
			return s.cfg.YieldCooldown(), false
		}
	}

	// Preempt: strictly lower queued priority displaces the runner.
	if running {
		min, ok, err := s.store.PeekMinPriority(s.queue.String())
		if err != nil {
			s.log.WithField("error", err).Warn("peek failed, idling this tick")
			return s.cfg.PollInterval(), true
		}
		if ok && min < slot.Priority {
			if s.preempt(ctx, slot, min) {
				return 0, true
			}
		}
		return s.cfg.PollInterval(), true
	}

	// Start: device free, queue non-empty.
	rec, ok, quarantined, err := s.store.PopMin(s.queue.String())
	for i := 0; i < quarantined; i++ {
		s.journalEvent(events.Event{Type: events.RecordQuarantined})
	}
	if err != nil {
		s.log.WithField("error", err).Warn("pop failed, idling this tick")
		return s.cfg.PollInterval(), true
	}
	if ok {
		s.start(rec)
		return s.cfg.PollInterval(), true
	}

	// Idle.
	return s.cfg.PollInterval(), true
}

// reconcileHandle makes the in-memory handle agree with the slot row. A
// populated slot with no matching handle is a survivor from a previous
// daemon instance and is adopted rather than disturbed.
func (s *Scheduler) reconcileHandle(slot store.RunningTask) {
	if s.current != nil && s.current.PID() == slot.PID {
		return
	}
	s.log.WithFields(logrus.Fields{
		"pid": slot.PID,
		"tag": slot.Tag,
	}).Info("adopting running task from existing slot")
	s.journalEvent(events.Event{
		Type: events.TaskAdopted, PID: slot.PID,
		Tag: slot.Tag, Priority: slot.Priority, LogPath: slot.LogPath,
	})
	s.current = proc.Adopt(slot.PID, s.log)
	s.setTransition("adopt")
}

// yield vacates the device for a foreign process: terminate our own
// task with its grace allowance, then requeue it verbatim so it resumes
// into the same log.
func (s *Scheduler) yield(ctx context.Context, slot store.RunningTask, foreignPID int) {
	s.log.WithFields(logrus.Fields{
		"pid":         slot.PID,
		"foreign_pid": foreignPID,
		"tag":         slot.Tag,
	}).Warn("unmanaged process on device, yielding")

	if !s.terminate(ctx, slot) {
		return
	}

	if err := s.store.RequeueRunning(s.queue.String(), slot.LogPath); err != nil {
		s.log.WithField("error", err).Error("requeue after yield failed")
		return
	}
	s.current = nil
	s.setTransition("yield")
	s.journalEvent(events.Event{
		Type: events.TaskYielded, PID: slot.PID, ForeignPID: foreignPID,
		Tag: slot.Tag, Priority: slot.Priority, LogPath: slot.LogPath,
	})
}

// preempt displaces the runner for a strictly higher-priority queued
// task. Returns true when the device was freed.
func (s *Scheduler) preempt(ctx context.Context, slot store.RunningTask, queuedMin int) bool {
	s.log.WithFields(logrus.Fields{
		"pid":             slot.PID,
		"running_prio":    slot.Priority,
		"queued_min_prio": queuedMin,
		"tag":             slot.Tag,
	}).Info("higher-priority task queued, preempting")

	if !s.terminate(ctx, slot) {
		return false
	}

	if err := s.store.RequeueRunning(s.queue.String(), slot.LogPath); err != nil {
		s.log.WithField("error", err).Error("requeue after preemption failed")
		return false
	}
	s.current = nil
	s.setTransition("preempt")
	s.journalEvent(events.Event{
		Type: events.TaskPreempted, PID: slot.PID,
		Tag: slot.Tag, Priority: slot.Priority, LogPath: slot.LogPath,
	})
	return true
}

// terminate runs the graceful-stop protocol against the current handle
// using the task's own grace allowance. Returns false when the wait was
// abandoned (context cancelled), in which case the slot is left alone.
func (s *Scheduler) terminate(ctx context.Context, slot store.RunningTask) bool {
	grace := time.Duration(slot.GraceSeconds) * time.Second
	if err := s.current.Terminate(ctx, grace, s.cfg.TermPollInterval()); err != nil {
		s.log.WithFields(logrus.Fields{
			"pid":   slot.PID,
			"error": err,
		}).Error("termination interrupted")
		return false
	}
	if s.current.Escalated() {
		s.log.WithField("pid", slot.PID).Warn("task ignored SIGTERM past its grace period, SIGKILLed")
		s.journalEvent(events.Event{
			Type: events.TaskKillEscalated, PID: slot.PID,
			Tag: slot.Tag, Priority: slot.Priority,
		})
	}
	return true
}

// start launches a popped record and persists the new slot before the
// tick ends, so the next Reap cannot misread a fast-exiting task. A
// launch failure consumes the record: retrying a command that cannot
// start would loop forever.
func (s *Scheduler) start(rec model.TaskRecord) {
	resumed := rec.LogPath != ""

	group, logPath, err := s.launcher.Launch(rec)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"command": rec.Command,
			"error":   err,
		}).Error("task launch failed, record dropped")
		s.journalEvent(events.Event{
			Type: events.TaskLaunchFailed,
			Tag:  rec.Tag, Priority: rec.Priority, Detail: err.Error(),
		})
		s.setTransition("launch_failed")
		return
	}

	err = s.store.WriteRunning(s.queue.String(), store.RunningTask{
		PID:          group.PID(),
		Priority:     rec.Priority,
		GraceSeconds: rec.GraceSeconds,
		Tag:          rec.Tag,
		LogPath:      logPath,
		Record:       rec,
		StartedAt:    time.Now(),
	})
	if err != nil {
		// The process is up but untracked; kill it rather than leak an
		// invisible device user.
		s.log.WithField("error", err).Error("persist running slot failed, stopping task")
		_ = group.Terminate(context.Background(), 0, s.cfg.TermPollInterval())
		return
	}

	s.current = group
	eventType := events.TaskStarted
	s.setTransition("start")
	if resumed {
		eventType = events.TaskResumed
		s.setTransition("resume")
	}
	s.log.WithFields(logrus.Fields{
		"pid":      group.PID(),
		"tag":      rec.Tag,
		"priority": rec.Priority,
		"resumed":  resumed,
		"log":      logPath,
	}).Info("task started")
	s.journalEvent(events.Event{
		Type: eventType, PID: group.PID(),
		Tag: rec.Tag, Priority: rec.Priority, LogPath: logPath,
	})
}

func (s *Scheduler) journalEvent(ev events.Event) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(ev); err != nil {
		s.log.WithField("error", err).Warn("journal write failed")
	}
}
