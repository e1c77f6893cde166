// Package launch turns a popped task record into a running process
// group with its output wired to a task log.
package launch

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/msageha/tq/internal/model"
	"github.com/msageha/tq/internal/proc"
)

// ResumeMarker is the literal separator appended to an existing log when
// a preempted task starts again. Log viewers tail across it.
const ResumeMarker = "RESUMED BY TQ SCHEDULER"

const headerRule = "=================================================="

// Launcher spawns task records for one queue.
type Launcher struct {
	queue   model.QueueName
	logDir  string
	log     *logrus.Entry
	timeNow func() time.Time
}

// New builds a launcher writing task logs under logDir.
func New(queue model.QueueName, logDir string, log *logrus.Entry) *Launcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Launcher{queue: queue, logDir: logDir, log: log, timeNow: time.Now}
}

// Launch starts the record as a new process group. For a fresh task it
// creates a log file with the metadata header; for a resumed task
// (LogPath set) it appends the resume separator to the existing file so
// the log stays one continuous history. The returned group is already
// running and its pid equals its process-group id.
func (l *Launcher) Launch(rec model.TaskRecord) (*proc.Group, string, error) {
	logPath, resumed := l.resolveLogPath(rec)

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, "", fmt.Errorf("create task log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, "", fmt.Errorf("open task log %s: %w", logPath, err)
	}
	defer logFile.Close()

	if resumed {
		err = l.writeResumeSeparator(logFile)
	} else {
		err = l.writeHeader(logFile, rec)
	}
	if err != nil {
		return nil, "", fmt.Errorf("write task log %s: %w", logPath, err)
	}

	group, err := proc.Start(proc.Command{
		Line:   rec.Command,
		Dir:    rec.WorkDir,
		Env:    l.taskEnv(rec),
		Output: logFile,
	}, l.log)
	if err != nil {
		return nil, "", fmt.Errorf("launch task: %w", err)
	}

	// The child inherited its own handle; this write goes through ours,
	// both in append mode.
	fmt.Fprintf(logFile, "[%d] Task Started\n", group.PID())

	return group, logPath, nil
}

// resolveLogPath reuses the record's log for a resume and synthesizes a
// fresh queue_timestamp_tag path otherwise. A resume whose old log has
// vanished falls back to a fresh file rather than failing the start.
func (l *Launcher) resolveLogPath(rec model.TaskRecord) (string, bool) {
	if rec.LogPath != "" {
		if _, err := os.Stat(rec.LogPath); err == nil {
			return rec.LogPath, true
		}
		l.log.WithField("log_path", rec.LogPath).Warn("resume log missing, starting a fresh one")
	}
	name := fmt.Sprintf("%s_%s_%s.log",
		l.queue.String(),
		l.timeNow().Format("20060102_150405"),
		model.SanitizeTag(rec.Tag),
	)
	return filepath.Join(l.logDir, name), false
}

// taskEnv builds the environment additions for the child: the device
// binding in device mode, and the opaque environment override when the
// submitter supplied one.
func (l *Launcher) taskEnv(rec model.TaskRecord) []string {
	var env []string
	if l.queue.Mode() == model.ModeDevice {
		env = append(env, "CUDA_VISIBLE_DEVICES="+l.queue.DeviceList())
	}
	if rec.EnvOverride != "" {
		env = append(env, "TQ_TASK_ENV="+rec.EnvOverride)
	}
	return env
}

func (l *Launcher) writeHeader(f *os.File, rec model.TaskRecord) error {
	lines := []struct{ name, value string }{
		{"Started", l.timeNow().Format("2006-01-02 15:04:05")},
		{"Queue", l.queue.String()},
		{"Tag", rec.Tag},
		{"Priority", fmt.Sprintf("%d", rec.Priority)},
		{"Grace", fmt.Sprintf("%ds", rec.GraceSeconds)},
	}
	if rec.WorkDir != "" {
		lines = append(lines, struct{ name, value string }{"WorkDir", rec.WorkDir})
	}
	if rec.EnvOverride != "" {
		lines = append(lines, struct{ name, value string }{"Env", rec.EnvOverride})
	}
	if rec.RestoreHandle != "" {
		lines = append(lines, struct{ name, value string }{"Restore", rec.RestoreHandle})
	}
	lines = append(lines, struct{ name, value string }{"Command", rec.Command})

	if _, err := fmt.Fprintf(f, "%s\n Task Metadata Log (V2)\n%s\n", headerRule, headerRule); err != nil {
		return err
	}
	for _, ln := range lines {
		if _, err := fmt.Fprintf(f, " %-11s: %s\n", ln.name, ln.value); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(f, "%s\n", headerRule)
	return err
}

func (l *Launcher) writeResumeSeparator(f *os.File) error {
	_, err := fmt.Fprintf(f, "\n%s\n %s : %s\n%s\n",
		headerRule, ResumeMarker, l.timeNow().Format("2006-01-02 15:04:05"), headerRule)
	return err
}
