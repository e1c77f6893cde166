// Package events records scheduler transitions as an append-only JSONL
// journal with size-based rotation, for after-the-fact audit of why a
// task started, yielded, or was killed.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxFileBytes caps the journal at 100MB before rotation.
	DefaultMaxFileBytes = 100 * 1024 * 1024
	fileExtension       = ".jsonl"
	archiveDirName      = "archive"
)

// Event types emitted by the scheduler.
const (
	DaemonStarted     = "daemon_started"
	DaemonStopped     = "daemon_stopped"
	TaskStarted       = "task_started"
	TaskResumed       = "task_resumed"
	TaskCompleted     = "task_completed"
	TaskPreempted     = "task_preempted"
	TaskYielded       = "task_yielded"
	TaskKillEscalated = "task_kill_escalated"
	TaskLaunchFailed  = "task_launch_failed"
	TaskAdopted       = "task_adopted"
	RecordQuarantined = "record_quarantined"
)

// Event is one journal line.
type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	Type       string    `json:"event_type"`
	Queue      string    `json:"queue"`
	PID        int       `json:"pid,omitempty"`
	ForeignPID int       `json:"foreign_pid,omitempty"`
	Tag        string    `json:"tag,omitempty"`
	Priority   int       `json:"priority,omitempty"`
	LogPath    string    `json:"log_path,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Journal appends events to one JSONL file, rotating it into an archive
// directory when it outgrows maxBytes. Safe for concurrent use within a
// process; the daemon is the only writer across processes.
type Journal struct {
	mu       sync.Mutex
	file     *os.File
	size     int64
	maxBytes int64
	path     string
	queue    string
	rotation int
}

// Open creates or appends to the journal at path.
func Open(path, queue string, maxBytes int64) (*Journal, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	j := &Journal{path: path, queue: queue, maxBytes: maxBytes}
	if err := j.openFile(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) openFile() error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat journal: %w", err)
	}
	j.file = f
	j.size = stat.Size()
	return nil
}

// Record appends one event. The queue name and timestamp are filled in;
// write failures are returned but the scheduler treats them as
// non-fatal (an unjournaled transition is better than a stuck one).
func (j *Journal) Record(ev Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	ev.Timestamp = time.Now().UTC()
	if ev.Queue == "" {
		ev.Queue = j.queue
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	if j.size+int64(len(data)) > j.maxBytes {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}

	n, err := j.file.Write(data)
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	j.size += int64(n)
	return nil
}

func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(j.path), archiveDirName)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	// The counter keeps archive names unique when rotations land in the
	// same second.
	j.rotation++
	base := filepath.Base(j.path)
	stem := base[:len(base)-len(fileExtension)]
	archived := fmt.Sprintf("%s.%s.%d%s", stem, time.Now().Format("20060102_150405"), j.rotation, fileExtension)
	if err := os.Rename(j.path, filepath.Join(archiveDir, archived)); err != nil {
		return fmt.Errorf("archive journal: %w", err)
	}

	return j.openFile()
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
