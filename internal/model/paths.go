package model

import (
	"fmt"
	"os"
	"path/filepath"
)

// File layout under the base directory. Everything the scheduler touches
// lives here: store, config, daemon locks and sockets, task and scheduler
// logs, and the event journal.
const (
	ConfigFileName = "config.yaml"
	StoreFileName  = "queue.db"
	LockDirName    = "locks"
	LogDirName     = "logs"
	TaskLogDirName = "tasks"
)

// DefaultBaseDir resolves the base directory: $TQ_DIR when set, otherwise
// ~/task_queue (falling back to a relative path when the home directory
// cannot be determined).
func DefaultBaseDir() string {
	if dir := os.Getenv("TQ_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "task_queue"
	}
	return filepath.Join(home, "task_queue")
}

func StorePath(baseDir string) string {
	return filepath.Join(baseDir, StoreFileName)
}

func LockPath(baseDir, queue string) string {
	return filepath.Join(baseDir, LockDirName, fmt.Sprintf("scheduler_%s.lock", queue))
}

func SocketPath(baseDir, queue string) string {
	return filepath.Join(baseDir, fmt.Sprintf("scheduler_%s.sock", queue))
}

func SchedulerLogPath(baseDir, queue string) string {
	return filepath.Join(baseDir, LogDirName, fmt.Sprintf("scheduler_%s.log", queue))
}

func EventLogPath(baseDir, queue string) string {
	return filepath.Join(baseDir, LogDirName, fmt.Sprintf("events_%s.jsonl", queue))
}

func TaskLogDir(baseDir string) string {
	return filepath.Join(baseDir, LogDirName, TaskLogDirName)
}
