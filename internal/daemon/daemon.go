package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/tq/internal/device"
	"github.com/msageha/tq/internal/events"
	"github.com/msageha/tq/internal/launch"
	"github.com/msageha/tq/internal/lock"
	"github.com/msageha/tq/internal/model"
	"github.com/msageha/tq/internal/proc"
	"github.com/msageha/tq/internal/store"
	"github.com/msageha/tq/internal/uds"
)

// Daemon hosts one scheduler loop for one queue: the singleton lock,
// the store, the control socket, the fsnotify wake, and signal
// handling. All scheduling decisions stay on the loop goroutine;
// everything else only pokes it through the wake channel.
type Daemon struct {
	baseDir string
	queue   model.QueueName
	cfg     model.Config
	log     *logrus.Entry
	logFile io.Closer

	fileLock *lock.FileLock
	st       *store.Store
	journal  *events.Journal
	sched    *Scheduler
	server   *uds.Server
	watcher  *fsnotify.Watcher

	startedAt time.Time
	wake      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	shutdown  sync.Once
}

// launcherAdapter narrows *launch.Launcher to the Launcher seam.
type launcherAdapter struct {
	l *launch.Launcher
}

func (a launcherAdapter) Launch(rec model.TaskRecord) (Proc, string, error) {
	g, logPath, err := a.l.Launch(rec)
	if err != nil {
		return nil, "", err
	}
	return g, logPath, nil
}

// New builds a daemon for the queue under baseDir. The scheduler log
// goes to logs/scheduler_<queue>.log and stderr.
func New(baseDir string, queue model.QueueName, cfg model.Config) (*Daemon, error) {
	logPath := model.SchedulerLogPath(baseDir, queue.String())
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open scheduler log: %w", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(io.MultiWriter(logFile, os.Stderr))
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	entry := logger.WithField("queue", queue.String())

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		baseDir:  baseDir,
		queue:    queue,
		cfg:      cfg,
		log:      entry,
		logFile:  logFile,
		fileLock: lock.NewFileLock(model.LockPath(baseDir, queue.String())),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Run acquires the singleton lock and drives the scheduling loop until
// a termination signal or a shutdown request arrives. A running task is
// never touched on the way out: it stays on the device, to be adopted
// by the next daemon instance or reaped as a natural completion.
func (d *Daemon) Run() error {
	if err := os.MkdirAll(filepath.Dir(model.LockPath(d.baseDir, d.queue.String())), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("scheduler for queue %s: %w", d.queue, err)
	}
	defer d.cleanup()

	d.log.WithFields(logrus.Fields{
		"pid":  os.Getpid(),
		"mode": d.queue.Mode().String(),
	}).Info("scheduler starting")

	st, err := store.Open(model.StorePath(d.baseDir), d.log)
	if err != nil {
		return err
	}
	d.st = st

	journal, err := events.Open(model.EventLogPath(d.baseDir, d.queue.String()), d.queue.String(), d.cfg.Events.MaxFileBytes)
	if err != nil {
		return err
	}
	d.journal = journal

	var monitor Monitor
	if d.queue.Mode() == model.ModeDevice {
		monitor = device.New(d.queue.DeviceIndices(), d.cfg.Device.SMIPath, d.cfg.DeviceQueryTimeout(), d.log)
	}
	launcher := launcherAdapter{launch.New(d.queue, model.TaskLogDir(d.baseDir), d.log)}
	d.sched = NewScheduler(d.queue, d.cfg, st, monitor, launcher, journal, d.log)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	if err := watcher.Add(d.baseDir); err != nil {
		return fmt.Errorf("watch %s: %w", d.baseDir, err)
	}

	d.server = uds.NewServer(model.SocketPath(d.baseDir, d.queue.String()), d.log)
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		return fmt.Errorf("start control socket: %w", err)
	}

	d.startedAt = time.Now()
	d.journalEvent(events.Event{Type: events.DaemonStarted, PID: os.Getpid()})

	g, ctx := errgroup.WithContext(d.ctx)
	g.Go(func() error { return d.watchLoop(ctx) })
	g.Go(func() error { return d.signalLoop(ctx) })

	d.log.Info("scheduler ready")
	d.tickLoop(ctx)

	_ = g.Wait()
	d.journalEvent(events.Event{Type: events.DaemonStopped, PID: os.Getpid()})
	d.log.Info("scheduler stopped")
	return nil
}

// tickLoop is the decision loop. Non-interruptible sleeps (the yield
// cooldown) ignore wake pokes; the idle tick honors them.
func (d *Daemon) tickLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		delay, interruptible := d.sched.Tick(ctx)
		if delay <= 0 {
			continue
		}

		timer := time.NewTimer(delay)
		if interruptible {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			case <-d.wake:
				timer.Stop()
			}
		} else {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

// watchLoop wakes the decision loop when the store's files change (a
// submitter pushed a record). WAL mode means changes surface in the
// queue.db side files too, so match on the prefix.
func (d *Daemon) watchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-d.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !strings.HasPrefix(filepath.Base(event.Name), model.StoreFileName) {
				continue
			}
			d.poke()
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return nil
			}
			d.log.WithField("error", err).Warn("fsnotify error")
		}
	}
}

func (d *Daemon) signalLoop(ctx context.Context) error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		return nil
	case sig := <-sigCh:
		d.log.WithField("signal", sig.String()).Info("termination signal, shutting down")
		d.Shutdown()
		return nil
	}
}

// poke wakes the loop without blocking; a pending wake is enough.
func (d *Daemon) poke() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Shutdown stops the loop. Idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.cancel()
	})
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{
			"status":  "ok",
			"version": uds.ProtocolVersion,
			"pid":     os.Getpid(),
		})
	})

	d.server.Handle(uds.CmdScan, func(req *uds.Request) *uds.Response {
		d.poke()
		return uds.SuccessResponse(map[string]string{"status": "scanned"})
	})

	d.server.Handle(uds.CmdStatus, func(req *uds.Request) *uds.Response {
		return d.handleStatus()
	})

	d.server.Handle(uds.CmdShutdown, func(req *uds.Request) *uds.Response {
		d.log.Info("shutdown requested via control socket")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) handleStatus() *uds.Response {
	data := uds.StatusData{
		Queue:          d.queue.String(),
		Mode:           d.queue.Mode().String(),
		PID:            os.Getpid(),
		UptimeSec:      int64(time.Since(d.startedAt).Seconds()),
		LastTransition: d.sched.LastTransition(),
	}

	tasks, err := d.st.List(d.queue.String())
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	data.Waiting = len(tasks)

	slot, running, err := d.st.ReadRunning(d.queue.String())
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	if running {
		data.Running = &uds.RunningData{
			PID:      slot.PID,
			Priority: slot.Priority,
			Tag:      slot.Tag,
			LogPath:  slot.LogPath,
		}
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return &uds.Response{Success: true, Data: raw}
}

func (d *Daemon) journalEvent(ev events.Event) {
	if d.journal == nil {
		return
	}
	if err := d.journal.Record(ev); err != nil {
		d.log.WithField("error", err).Warn("journal write failed")
	}
}

func (d *Daemon) cleanup() {
	if d.server != nil {
		_ = d.server.Stop()
	}
	if d.watcher != nil {
		_ = d.watcher.Close()
	}
	if d.journal != nil {
		_ = d.journal.Close()
	}
	if d.st != nil {
		_ = d.st.Close()
	}
	_ = d.fileLock.Unlock()
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}

// KillRunning sends SIGTERM to the running task's process group from
// outside the daemon (the `tq kill` path). The daemon then reaps the
// exit as a natural completion and moves on with the queue.
func KillRunning(st *store.Store, queue string) (int, error) {
	slot, running, err := st.ReadRunning(queue)
	if err != nil {
		return 0, err
	}
	if !running {
		return 0, fmt.Errorf("queue %s: no task running", queue)
	}
	if err := proc.Adopt(slot.PID, nil).Signal(syscall.SIGTERM); err != nil {
		return 0, err
	}
	return slot.PID, nil
}
