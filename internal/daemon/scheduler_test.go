package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/tq/internal/model"
	"github.com/msageha/tq/internal/store"
)

type fakeProc struct {
	pid        int
	alive      bool
	terminated bool
	escalated  bool
	lastGrace  time.Duration
	termErr    error
}

func (p *fakeProc) PID() int    { return p.pid }
func (p *fakeProc) Alive() bool { return p.alive }
func (p *fakeProc) Terminate(_ context.Context, grace, _ time.Duration) error {
	p.lastGrace = grace
	if p.termErr != nil {
		return p.termErr
	}
	p.terminated = true
	p.alive = false
	return nil
}
func (p *fakeProc) Escalated() bool { return p.escalated }

type fakeLauncher struct {
	nextPID  int
	launched []model.TaskRecord
	procs    []*fakeProc
	err      error
}

func (l *fakeLauncher) Launch(rec model.TaskRecord) (Proc, string, error) {
	if l.err != nil {
		return nil, "", l.err
	}
	l.nextPID++
	p := &fakeProc{pid: l.nextPID, alive: true}
	l.launched = append(l.launched, rec)
	l.procs = append(l.procs, p)
	logPath := rec.LogPath
	if logPath == "" {
		logPath = fmt.Sprintf("/logs/tasks/fake_%d.log", l.nextPID)
	}
	return p, logPath, nil
}

func (l *fakeLauncher) last() *fakeProc {
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

type fakeMonitor struct {
	foreignPID int
	lastManaged int
}

func (m *fakeMonitor) FirstForeign(_ context.Context, managedPID int) (int, bool) {
	m.lastManaged = managedPID
	return m.foreignPID, m.foreignPID != 0
}

type schedFixture struct {
	sched    *Scheduler
	st       *store.Store
	launcher *fakeLauncher
	monitor  *fakeMonitor
	queue    string
}

func newFixture(t *testing.T, queueName string) *schedFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "queue.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q, err := model.ParseQueueName(queueName)
	require.NoError(t, err)

	launcher := &fakeLauncher{}
	var monitor *fakeMonitor
	var monitorSeam Monitor
	if q.Mode() == model.ModeDevice {
		monitor = &fakeMonitor{}
		monitorSeam = monitor
	}

	cfg := model.DefaultConfig()
	return &schedFixture{
		sched:    NewScheduler(q, cfg, st, monitorSeam, launcher, nil, nil),
		st:       st,
		launcher: launcher,
		monitor:  monitor,
		queue:    queueName,
	}
}

func (f *schedFixture) push(t *testing.T, prio int, cmd string) {
	t.Helper()
	rec := model.NewTaskRecord(cmd)
	rec.Priority = prio
	require.NoError(t, f.st.Push(f.queue, rec))
}

func TestTickStartsQueuedTask(t *testing.T) {
	f := newFixture(t, "0")
	f.push(t, 100, "python train.py")

	delay, interruptible := f.sched.Tick(context.Background())

	require.Len(t, f.launcher.launched, 1)
	assert.Equal(t, "python train.py", f.launcher.launched[0].Command)
	assert.Equal(t, "start", f.sched.LastTransition())
	assert.Positive(t, delay)
	assert.True(t, interruptible)

	slot, running, err := f.st.ReadRunning("0")
	require.NoError(t, err)
	require.True(t, running)
	assert.Equal(t, f.launcher.last().pid, slot.PID)
}

func TestTickIdleOnEmptyQueue(t *testing.T) {
	f := newFixture(t, "0")

	delay, interruptible := f.sched.Tick(context.Background())

	assert.Empty(t, f.launcher.launched)
	assert.Equal(t, f.sched.cfg.PollInterval(), delay)
	assert.True(t, interruptible)
}

func TestTickReapsExitedTaskAndStartsNext(t *testing.T) {
	f := newFixture(t, "0")
	f.push(t, 100, "first")
	f.push(t, 100, "second")

	f.sched.Tick(context.Background())
	require.Len(t, f.launcher.launched, 1)

	// Natural exit: reap clears the slot and the same tick proceeds to
	// start the next task.
	f.launcher.procs[0].alive = false
	f.sched.Tick(context.Background())

	require.Len(t, f.launcher.launched, 2)
	assert.Equal(t, "second", f.launcher.launched[1].Command)

	slot, running, err := f.st.ReadRunning("0")
	require.NoError(t, err)
	require.True(t, running)
	assert.Equal(t, f.launcher.procs[1].pid, slot.PID)
}

func TestTickPreemptsOnStrictlyHigherPriority(t *testing.T) {
	f := newFixture(t, "0")
	f.push(t, 100, "low")
	f.sched.Tick(context.Background())
	require.Len(t, f.launcher.launched, 1)

	f.push(t, 50, "high")

	delay, _ := f.sched.Tick(context.Background())
	assert.Zero(t, delay, "preemption re-evaluates immediately")
	assert.True(t, f.launcher.procs[0].terminated)
	assert.Equal(t, 180*time.Second, f.launcher.procs[0].lastGrace,
		"preemption uses the running task's own grace period")
	assert.Equal(t, "preempt", f.sched.LastTransition())

	// Immediate re-evaluation starts the high-priority task.
	f.sched.Tick(context.Background())
	require.Len(t, f.launcher.launched, 2)
	assert.Equal(t, "high", f.launcher.launched[1].Command)

	// The displaced record is back in the queue with its log path.
	tasks, err := f.st.List("0")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "low", tasks[0].Record.Command)
	assert.NotEmpty(t, tasks[0].Record.LogPath, "requeue preserves the log for resume")
}

func TestTickNoPreemptOnEqualPriority(t *testing.T) {
	f := newFixture(t, "0")
	f.push(t, 100, "running task")
	f.sched.Tick(context.Background())

	f.push(t, 100, "equal priority")
	f.sched.Tick(context.Background())

	assert.False(t, f.launcher.procs[0].terminated, "equal priority never preempts")
	require.Len(t, f.launcher.launched, 1)
}

func TestTickYieldsToForeignProcess(t *testing.T) {
	f := newFixture(t, "0")
	rec := model.NewTaskRecord("victim")
	rec.GraceSeconds = 60
	rec.Tag = "x"
	rec.RestoreHandle = "abc123"
	require.NoError(t, f.st.Push("0", rec))
	f.sched.Tick(context.Background())
	require.Len(t, f.launcher.launched, 1)

	f.monitor.foreignPID = 99999
	delay, interruptible := f.sched.Tick(context.Background())

	assert.True(t, f.launcher.procs[0].terminated)
	assert.Equal(t, 60*time.Second, f.launcher.procs[0].lastGrace)
	assert.Equal(t, "yield", f.sched.LastTransition())
	assert.Equal(t, f.sched.cfg.YieldCooldown(), delay)
	assert.False(t, interruptible, "the yield cooldown is never shortened by wakes")

	// No task loss: the record is requeued verbatim plus the log path.
	tasks, err := f.st.List("0")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	got := tasks[0].Record
	assert.Equal(t, "victim", got.Command)
	assert.Equal(t, "x", got.Tag)
	assert.Equal(t, 60, got.GraceSeconds)
	assert.Equal(t, "abc123", got.RestoreHandle)
	assert.NotEmpty(t, got.LogPath)

	_, running, err := f.st.ReadRunning("0")
	require.NoError(t, err)
	assert.False(t, running)
}

func TestTickForeignProcessWithNothingRunningJustWaits(t *testing.T) {
	f := newFixture(t, "0")
	f.push(t, 10, "waiting task")
	f.monitor.foreignPID = 4242

	delay, interruptible := f.sched.Tick(context.Background())

	assert.Empty(t, f.launcher.launched, "must not start onto a busy device")
	assert.Equal(t, f.sched.cfg.YieldCooldown(), delay)
	assert.False(t, interruptible)
	assert.Equal(t, 0, f.monitor.lastManaged)
}

func TestTickGenericQueueIgnoresDevice(t *testing.T) {
	f := newFixture(t, "cpu")
	require.Nil(t, f.monitor, "generic queues have no monitor")
	f.push(t, 100, "cpu task")

	f.sched.Tick(context.Background())
	require.Len(t, f.launcher.launched, 1)

	// Only internal priority preempts a generic queue.
	f.push(t, 10, "urgent cpu task")
	delay, _ := f.sched.Tick(context.Background())
	assert.Zero(t, delay)
	assert.True(t, f.launcher.procs[0].terminated)
}

func TestTickAdoptsSurvivingSlot(t *testing.T) {
	f := newFixture(t, "0")

	// A previous daemon left a populated slot naming a live pid (use
	// our own, which is certainly alive).
	rec := model.NewTaskRecord("survivor")
	require.NoError(t, f.st.WriteRunning("0", store.RunningTask{
		PID: os.Getpid(), Priority: 100, GraceSeconds: 180, Tag: "default",
		Record: rec,
	}))

	f.sched.Tick(context.Background())

	assert.Equal(t, "adopt", f.sched.LastTransition())
	_, running, err := f.st.ReadRunning("0")
	require.NoError(t, err)
	assert.True(t, running, "an adopted live task keeps its slot")
	assert.Empty(t, f.launcher.launched)
}

func TestTickReapsDeadSlotFromPreviousDaemon(t *testing.T) {
	f := newFixture(t, "0")

	rec := model.NewTaskRecord("long gone")
	require.NoError(t, f.st.WriteRunning("0", store.RunningTask{
		// A pid from the far end of the default pid space; nothing to
		// signal there.
		PID: 1<<22 - 3, Priority: 100, GraceSeconds: 180, Tag: "default",
		Record: rec,
	}))

	f.sched.Tick(context.Background())

	_, running, err := f.st.ReadRunning("0")
	require.NoError(t, err)
	assert.False(t, running, "a dead slot is reaped as natural completion")
}

func TestTickLaunchFailureConsumesRecord(t *testing.T) {
	f := newFixture(t, "0")
	f.launcher.err = fmt.Errorf("sh: not found")
	f.push(t, 100, "doomed")

	f.sched.Tick(context.Background())

	assert.Equal(t, "launch_failed", f.sched.LastTransition())
	_, running, err := f.st.ReadRunning("0")
	require.NoError(t, err)
	assert.False(t, running, "no slot after a failed launch")

	tasks, err := f.st.List("0")
	require.NoError(t, err)
	assert.Empty(t, tasks, "a record that failed to launch is consumed, not retried")
}

func TestPreemptionThresholdBoundary(t *testing.T) {
	// Running priority 100 is preempted iff the queued minimum is
	// strictly below 100.
	for _, tt := range []struct {
		queued      int
		wantPreempt bool
	}{
		{99, true},
		{100, false},
		{101, false},
	} {
		t.Run(fmt.Sprintf("queued_%d", tt.queued), func(t *testing.T) {
			f := newFixture(t, "0")
			f.push(t, 100, "running")
			f.sched.Tick(context.Background())

			f.push(t, tt.queued, "challenger")
			f.sched.Tick(context.Background())

			assert.Equal(t, tt.wantPreempt, f.launcher.procs[0].terminated)
		})
	}
}

func TestYieldResumeRoundTrip(t *testing.T) {
	// Full preserve-and-resume cycle through the store: yield, then a
	// later tick resumes the same record into the same log.
	f := newFixture(t, "0")
	f.push(t, 100, "resumable")
	f.sched.Tick(context.Background())
	firstLog := "/logs/tasks/fake_1.log"

	f.monitor.foreignPID = 777
	f.sched.Tick(context.Background())

	f.monitor.foreignPID = 0
	f.sched.Tick(context.Background())

	require.Len(t, f.launcher.launched, 2)
	resumed := f.launcher.launched[1]
	assert.Equal(t, "resumable", resumed.Command)
	assert.Equal(t, firstLog, resumed.LogPath, "resume must reuse the original log file")
	assert.Equal(t, "resume", f.sched.LastTransition())
}

func TestTerminationFailureLeavesSlotIntact(t *testing.T) {
	f := newFixture(t, "0")
	f.push(t, 100, "stubborn")
	f.sched.Tick(context.Background())

	f.launcher.procs[0].termErr = context.Canceled
	f.push(t, 10, "urgent")
	f.sched.Tick(context.Background())

	// The requeue never happened, so the running slot still holds the
	// task: nothing was lost.
	slot, running, err := f.st.ReadRunning("0")
	require.NoError(t, err)
	require.True(t, running)
	assert.Equal(t, f.launcher.procs[0].pid, slot.PID)
}
