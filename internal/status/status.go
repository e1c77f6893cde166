// Package status assembles the operator-facing view of every queue in a
// base directory: daemon liveness, the running task, and queue depth.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/msageha/tq/internal/lock"
	"github.com/msageha/tq/internal/model"
	"github.com/msageha/tq/internal/store"
	"github.com/msageha/tq/internal/uds"
)

// Report is the full status document; it is also the --json output.
type Report struct {
	BaseDir string        `json:"base_dir"`
	Queues  []QueueStatus `json:"queues"`
}

type QueueStatus struct {
	Queue          string       `json:"queue"`
	Mode           string       `json:"mode"`
	DaemonAlive    bool         `json:"daemon_alive"`
	DaemonPID      int          `json:"daemon_pid,omitempty"`
	UptimeSec      int64        `json:"uptime_sec,omitempty"`
	Waiting        int          `json:"waiting"`
	DeadLetters    int64        `json:"dead_letters,omitempty"`
	LastTransition string       `json:"last_transition,omitempty"`
	Running        *RunningTask `json:"running,omitempty"`
}

type RunningTask struct {
	PID      int    `json:"pid"`
	Priority int    `json:"priority"`
	Tag      string `json:"tag"`
	LogPath  string `json:"log_path,omitempty"`
}

// Collect builds the report from the store, the lock files, and a
// best-effort socket ping per queue. A daemon that answers the socket
// supplies its own view; otherwise the store is read directly.
func Collect(baseDir string) (Report, error) {
	st, err := store.Open(model.StorePath(baseDir), nil)
	if err != nil {
		return Report{}, fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	names, err := knownQueues(baseDir, st)
	if err != nil {
		return Report{}, err
	}

	report := Report{BaseDir: baseDir}
	for _, name := range names {
		report.Queues = append(report.Queues, collectQueue(baseDir, st, name))
	}
	return report, nil
}

// knownQueues unions the queues present in the store with those that
// have a scheduler lock file, so an idle daemon on an empty queue still
// shows up.
func knownQueues(baseDir string, st *store.Store) ([]string, error) {
	seen := map[string]bool{}
	names, err := st.Queues()
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	for _, n := range names {
		seen[n] = true
	}

	entries, err := os.ReadDir(filepath.Join(baseDir, model.LockDirName))
	if err == nil {
		for _, e := range entries {
			name := e.Name()
			if q, ok := strings.CutPrefix(name, "scheduler_"); ok {
				if q, ok := strings.CutSuffix(q, ".lock"); ok {
					seen[q] = true
				}
			}
		}
	}

	all := make([]string, 0, len(seen))
	for n := range seen {
		all = append(all, n)
	}
	sort.Strings(all)
	return all, nil
}

func collectQueue(baseDir string, st *store.Store, name string) QueueStatus {
	qs := QueueStatus{Queue: name, Mode: model.ModeGeneric.String()}
	if q, err := model.ParseQueueName(name); err == nil {
		qs.Mode = q.Mode().String()
	}

	pid, alive, ok := lock.Holder(model.LockPath(baseDir, name))
	if ok && alive {
		qs.DaemonAlive = true
		qs.DaemonPID = pid
	}

	if qs.DaemonAlive && fillFromSocket(&qs, model.SocketPath(baseDir, name)) {
		return qs
	}

	// No daemon (or an unresponsive one): read the store directly.
	tasks, err := st.List(name)
	if err == nil {
		qs.Waiting = len(tasks)
	}
	if n, err := st.DeadLetterCount(name); err == nil {
		qs.DeadLetters = n
	}
	if slot, running, err := st.ReadRunning(name); err == nil && running {
		qs.Running = &RunningTask{
			PID:      slot.PID,
			Priority: slot.Priority,
			Tag:      slot.Tag,
			LogPath:  slot.LogPath,
		}
	}
	return qs
}

func fillFromSocket(qs *QueueStatus, socketPath string) bool {
	client := uds.NewClient(socketPath)
	client.SetTimeout(2 * time.Second)

	resp, err := client.SendCommand(uds.CmdStatus, nil)
	if err != nil || !resp.Success {
		return false
	}

	var data uds.StatusData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return false
	}

	qs.Waiting = data.Waiting
	qs.UptimeSec = data.UptimeSec
	qs.LastTransition = data.LastTransition
	if data.Running != nil {
		qs.Running = &RunningTask{
			PID:      data.Running.PID,
			Priority: data.Running.Priority,
			Tag:      data.Running.Tag,
			LogPath:  data.Running.LogPath,
		}
	}
	return true
}

// Run prints the report for baseDir, as a table or as JSON.
func Run(baseDir string, jsonOutput bool) error {
	report, err := Collect(baseDir)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	printReport(report)
	return nil
}

func printReport(r Report) {
	fmt.Printf("Base: %s\n", r.BaseDir)
	if len(r.Queues) == 0 {
		fmt.Println("No queues.")
		return
	}
	for _, q := range r.Queues {
		fmt.Println()
		daemon := "stopped"
		if q.DaemonAlive {
			daemon = fmt.Sprintf("running (pid %d, up %s)", q.DaemonPID,
				(time.Duration(q.UptimeSec) * time.Second).String())
		}
		fmt.Printf("Queue %s [%s]\n", q.Queue, q.Mode)
		fmt.Printf("  daemon : %s\n", daemon)
		fmt.Printf("  waiting: %d\n", q.Waiting)
		if q.DeadLetters > 0 {
			fmt.Printf("  dead   : %d\n", q.DeadLetters)
		}
		if q.Running != nil {
			fmt.Printf("  running: pid %d prio %d tag %s\n",
				q.Running.PID, q.Running.Priority, q.Running.Tag)
			if q.Running.LogPath != "" {
				fmt.Printf("  log    : %s\n", q.Running.LogPath)
			}
		}
		if q.LastTransition != "" {
			fmt.Printf("  last   : %s\n", q.LastTransition)
		}
	}
}
