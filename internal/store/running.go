package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/msageha/tq/internal/model"
)

// RunningTask is the single running slot row for a queue: the process
// group occupying the device plus the original record, kept verbatim so
// a preemption can requeue it without loss. The pid column is readable
// without decoding the payload.
type RunningTask struct {
	PID          int
	Priority     int
	GraceSeconds int
	Tag          string
	LogPath      string
	Record       model.TaskRecord
	StartedAt    time.Time
}

// WriteRunning upserts the running slot for a queue. The primary key on
// queue enforces the single-runner invariant in schema.
func (s *Store) WriteRunning(queue string, rt RunningTask) error {
	data, err := rt.Record.Encode()
	if err != nil {
		return fmt.Errorf("encode running record: %w", err)
	}
	if rt.StartedAt.IsZero() {
		rt.StartedAt = time.Now()
	}
	_, err = s.db.Exec(
		`INSERT INTO running (queue, pid, priority, grace_seconds, tag, log_path, record, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(queue) DO UPDATE SET
		   pid = excluded.pid,
		   priority = excluded.priority,
		   grace_seconds = excluded.grace_seconds,
		   tag = excluded.tag,
		   log_path = excluded.log_path,
		   record = excluded.record,
		   started_at = excluded.started_at`,
		queue, rt.PID, rt.Priority, rt.GraceSeconds, rt.Tag, rt.LogPath,
		string(data), rt.StartedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("write running slot for %s: %w", queue, err)
	}
	return nil
}

// ReadRunning returns the running slot for a queue; ok is false when the
// queue is idle. A slot whose payload no longer decodes is returned as
// an error distinct from absence so the caller can decide what to do
// with the live process it still references.
func (s *Store) ReadRunning(queue string) (RunningTask, bool, error) {
	var rt RunningTask
	var raw, startedAt string
	err := s.db.QueryRow(
		`SELECT pid, priority, grace_seconds, tag, log_path, record, started_at
		 FROM running WHERE queue = ?`, queue,
	).Scan(&rt.PID, &rt.Priority, &rt.GraceSeconds, &rt.Tag, &rt.LogPath, &raw, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RunningTask{}, false, nil
	}
	if err != nil {
		return RunningTask{}, false, fmt.Errorf("read running slot for %s: %w", queue, err)
	}

	rec, err := model.DecodeTaskRecord([]byte(raw))
	if err != nil {
		return RunningTask{}, false, fmt.Errorf("running slot for %s: %w", queue, err)
	}
	rt.Record = rec
	if ts, err := time.Parse(time.RFC3339, startedAt); err == nil {
		rt.StartedAt = ts
	}
	return rt, true, nil
}

// ClearRunning removes the running slot. Clearing an already-empty slot
// is a no-op, so natural-exit and kill paths need no coordination.
func (s *Store) ClearRunning(queue string) error {
	if _, err := s.db.Exec(`DELETE FROM running WHERE queue = ?`, queue); err != nil {
		return fmt.Errorf("clear running slot for %s: %w", queue, err)
	}
	return nil
}

// RequeueRunning moves the running slot back into the queue as one
// transaction: the original record is re-inserted with its log path set
// to logPath (so a resume appends to the same file) and the slot row is
// deleted. Requeue-then-clear can therefore never be observed half-done,
// and a crash cannot lose the task.
func (s *Store) RequeueRunning(queue, logPath string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin requeue: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRow(`SELECT record FROM running WHERE queue = ?`, queue).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("requeue for %s: %w", queue, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read running slot for %s: %w", queue, err)
	}

	rec, err := model.DecodeTaskRecord([]byte(raw))
	if err != nil {
		return fmt.Errorf("requeue for %s: %w", queue, err)
	}
	rec.LogPath = logPath

	data, err := rec.Encode()
	if err != nil {
		return fmt.Errorf("encode requeued record: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO tasks (queue, priority, record) VALUES (?, ?, ?)`,
		queue, rec.Priority, string(data),
	); err != nil {
		return fmt.Errorf("requeue into %s: %w", queue, err)
	}
	if _, err := tx.Exec(`DELETE FROM running WHERE queue = ?`, queue); err != nil {
		return fmt.Errorf("clear running slot for %s: %w", queue, err)
	}
	return tx.Commit()
}
