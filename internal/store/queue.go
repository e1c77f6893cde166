package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/msageha/tq/internal/model"
)

// QueuedTask is a queued record together with its store identity. The id
// is the arrival order: ties at equal priority pop smallest-id first.
type QueuedTask struct {
	ID     int64
	Record model.TaskRecord
}

// Push appends a record to the queue. The insert is a single transaction,
// so concurrent pushers never interleave partial writes.
func (s *Store) Push(queue string, rec model.TaskRecord) error {
	data, err := rec.Encode()
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO tasks (queue, priority, record) VALUES (?, ?, ?)`,
		queue, rec.Priority, string(data),
	)
	if err != nil {
		return fmt.Errorf("push to queue %s: %w", queue, err)
	}
	return nil
}

// PeekMinPriority returns the lowest priority value currently queued
// without removing anything. ok is false when the queue is empty. It is
// used only to decide whether to preempt, never to select the record.
func (s *Store) PeekMinPriority(queue string) (int, bool, error) {
	// MIN over an empty set yields NULL, hence the nullable scan target.
	var prio sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MIN(priority) FROM tasks WHERE queue = ?`, queue,
	).Scan(&prio)
	if err != nil {
		return 0, false, fmt.Errorf("peek queue %s: %w", queue, err)
	}
	if !prio.Valid {
		return 0, false, nil
	}
	return int(prio.Int64), true, nil
}

// PopMin atomically removes and returns the highest-priority record
// (lowest priority value, ties broken by earliest arrival). ok is false
// when the queue is empty. A row whose payload no longer decodes is
// moved to dead_letters inside the same transaction and the scan
// continues with the next candidate, so corruption never wedges the
// queue; quarantined reports how many rows that happened to.
func (s *Store) PopMin(queue string) (model.TaskRecord, bool, int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return model.TaskRecord{}, false, 0, fmt.Errorf("begin pop: %w", err)
	}
	defer tx.Rollback()

	quarantined := 0
	for {
		var id int64
		var raw string
		err := tx.QueryRow(
			`SELECT id, record FROM tasks WHERE queue = ?
			 ORDER BY priority ASC, id ASC LIMIT 1`, queue,
		).Scan(&id, &raw)
		if errors.Is(err, sql.ErrNoRows) {
			return model.TaskRecord{}, false, quarantined, tx.Commit()
		}
		if err != nil {
			return model.TaskRecord{}, false, quarantined, fmt.Errorf("select min from queue %s: %w", queue, err)
		}

		if _, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return model.TaskRecord{}, false, quarantined, fmt.Errorf("delete popped row %d: %w", id, err)
		}

		rec, decodeErr := model.DecodeTaskRecord([]byte(raw))
		if decodeErr == nil {
			return rec, true, quarantined, tx.Commit()
		}

		if err := quarantine(tx, queue, raw, decodeErr); err != nil {
			return model.TaskRecord{}, false, quarantined, err
		}
		quarantined++
		s.log.WithFields(map[string]any{
			"queue": queue,
			"row":   id,
			"error": decodeErr,
		}).Warn("quarantined malformed queue record")
	}
}

func quarantine(tx *sql.Tx, queue, raw string, reason error) error {
	_, err := tx.Exec(
		`INSERT INTO dead_letters (queue, record, reason, quarantined_at) VALUES (?, ?, ?, ?)`,
		queue, raw, reason.Error(), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("quarantine record: %w", err)
	}
	return nil
}

// List returns a snapshot of the queue in pop order. Undecodable rows are
// included with a zero record so operators can see (and remove) them.
func (s *Store) List(queue string) ([]QueuedTask, error) {
	rows, err := s.db.Query(
		`SELECT id, record FROM tasks WHERE queue = ?
		 ORDER BY priority ASC, id ASC`, queue,
	)
	if err != nil {
		return nil, fmt.Errorf("list queue %s: %w", queue, err)
	}
	defer rows.Close()

	var out []QueuedTask
	for rows.Next() {
		var qt QueuedTask
		var raw string
		if err := rows.Scan(&qt.ID, &raw); err != nil {
			return nil, fmt.Errorf("scan queue row: %w", err)
		}
		if rec, err := model.DecodeTaskRecord([]byte(raw)); err == nil {
			qt.Record = rec
		}
		out = append(out, qt)
	}
	return out, rows.Err()
}

// Remove deletes a single queued record by id.
func (s *Store) Remove(queue string, id int64) error {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE queue = ? AND id = ?`, queue, id)
	if err != nil {
		return fmt.Errorf("remove %d from queue %s: %w", id, queue, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove %d from queue %s: %w", id, queue, err)
	}
	if n == 0 {
		return fmt.Errorf("queue %s id %d: %w", queue, id, ErrNotFound)
	}
	return nil
}

// Purge deletes all queued records for the queue and returns the count.
func (s *Store) Purge(queue string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE queue = ?`, queue)
	if err != nil {
		return 0, fmt.Errorf("purge queue %s: %w", queue, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge queue %s: %w", queue, err)
	}
	return n, nil
}

// Queues returns the distinct queue names with queued or running tasks.
func (s *Store) Queues() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT queue FROM tasks UNION SELECT queue FROM running ORDER BY queue`,
	)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, fmt.Errorf("scan queue name: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// DeadLetterCount reports the number of quarantined records for a queue.
func (s *Store) DeadLetterCount(queue string) (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM dead_letters WHERE queue = ?`, queue).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dead letters for %s: %w", queue, err)
	}
	return n, nil
}
