package launch

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/tq/internal/model"
	"github.com/msageha/tq/internal/proc"
)

func newTestLauncher(t *testing.T, queueName string) (*Launcher, string) {
	t.Helper()
	q, err := model.ParseQueueName(queueName)
	require.NoError(t, err)
	dir := t.TempDir()
	return New(q, dir, nil), dir
}

func launchAndWait(t *testing.T, l *Launcher, rec model.TaskRecord) (*proc.Group, string) {
	t.Helper()
	g, logPath, err := l.Launch(rec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Signal(syscall.SIGKILL) })
	select {
	case <-g.WaitDone():
	case <-time.After(10 * time.Second):
		t.Fatal("task did not exit")
	}
	return g, logPath
}

func TestLaunchWritesMetadataHeader(t *testing.T) {
	l, dir := newTestLauncher(t, "0")

	rec := model.TaskRecord{
		Priority:      42,
		GraceSeconds:  60,
		Tag:           "exp/v1",
		Command:       "echo task output",
		WorkDir:       dir,
		EnvOverride:   "torch21",
		RestoreHandle: "a1b2c3",
	}
	_, logPath := launchAndWait(t, l, rec)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "Task Metadata Log (V2)")
	assert.Contains(t, content, "Queue      : 0")
	assert.Contains(t, content, "Tag        : exp/v1")
	assert.Contains(t, content, "Priority   : 42")
	assert.Contains(t, content, "Grace      : 60s")
	assert.Contains(t, content, "WorkDir    : "+dir)
	assert.Contains(t, content, "Env        : torch21")
	assert.Contains(t, content, "Restore    : a1b2c3")
	assert.Contains(t, content, "Command    : echo task output")
	assert.Contains(t, content, "Task Started")
	assert.Contains(t, content, "task output")
}

func TestLaunchOmitsAbsentHeaderFields(t *testing.T) {
	l, _ := newTestLauncher(t, "cpu")

	_, logPath := launchAndWait(t, l, model.TaskRecord{
		Priority: 100, GraceSeconds: 180, Tag: "default", Command: "true",
	})

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	content := string(data)
	assert.NotContains(t, content, "WorkDir")
	assert.NotContains(t, content, "Env ")
	assert.NotContains(t, content, "Restore")
}

func TestLaunchLogNameUsesSanitizedTag(t *testing.T) {
	l, _ := newTestLauncher(t, "0")

	_, logPath := launchAndWait(t, l, model.TaskRecord{
		Priority: 100, GraceSeconds: 180, Tag: "exp/v1", Command: "true",
	})

	base := filepath.Base(logPath)
	assert.True(t, strings.HasPrefix(base, "0_"), "log name starts with queue: %s", base)
	assert.Contains(t, base, "exp_v1")
	assert.NotContains(t, base, "/v1")
}

func TestLaunchResumeAppendsToSameLog(t *testing.T) {
	l, _ := newTestLauncher(t, "0")

	rec := model.TaskRecord{
		Priority: 100, GraceSeconds: 180, Tag: "x", Command: "echo first epoch",
	}
	_, logPath := launchAndWait(t, l, rec)

	// Requeue assigns the log path; the resumed run must append, not
	// create a second file.
	rec.Command = "echo second epoch"
	rec.LogPath = logPath
	_, resumedPath := launchAndWait(t, l, rec)
	assert.Equal(t, logPath, resumedPath)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "first epoch")
	assert.Contains(t, content, ResumeMarker)
	assert.Contains(t, content, "second epoch")
	assert.Less(t,
		strings.Index(content, "first epoch"),
		strings.Index(content, ResumeMarker),
		"resume marker must separate the two epochs")
	assert.Less(t,
		strings.Index(content, ResumeMarker),
		strings.Index(content, "second epoch"),
		"resume marker must separate the two epochs")
}

func TestLaunchResumeWithMissingLogStartsFresh(t *testing.T) {
	l, dir := newTestLauncher(t, "0")

	rec := model.TaskRecord{
		Priority: 100, GraceSeconds: 180, Tag: "x",
		Command: "echo ok",
		LogPath: filepath.Join(dir, "vanished.log"),
	}
	_, logPath := launchAndWait(t, l, rec)

	assert.NotEqual(t, rec.LogPath, logPath)
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Task Metadata Log (V2)")
}

func TestLaunchSetsDeviceBindingInDeviceMode(t *testing.T) {
	l, _ := newTestLauncher(t, "0,1")
	_, logPath := launchAndWait(t, l, model.TaskRecord{
		Priority: 100, GraceSeconds: 180, Tag: "default",
		Command: `echo "dev=[$CUDA_VISIBLE_DEVICES]"`,
	})
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "dev=[0,1]")
}

func TestTaskEnv(t *testing.T) {
	device, _ := newTestLauncher(t, "0,1")
	generic, _ := newTestLauncher(t, "cpu")

	rec := model.TaskRecord{Command: "true", EnvOverride: "torch21"}
	assert.Equal(t,
		[]string{"CUDA_VISIBLE_DEVICES=0,1", "TQ_TASK_ENV=torch21"},
		device.taskEnv(rec))
	assert.Equal(t, []string{"TQ_TASK_ENV=torch21"}, generic.taskEnv(rec))

	rec.EnvOverride = ""
	assert.Nil(t, generic.taskEnv(rec), "generic mode without override adds nothing")
}

func TestLaunchFailureReturnsError(t *testing.T) {
	l, _ := newTestLauncher(t, "0")

	// A work_dir that does not exist fails the spawn itself.
	_, _, err := l.Launch(model.TaskRecord{
		Priority: 100, GraceSeconds: 180, Tag: "default",
		Command: "true", WorkDir: "/nonexistent/dir/for/tq/test",
	})
	assert.Error(t, err)
}
