// Package device watches compute-process occupancy on the bound GPU
// indices and tells the scheduler's own task tree apart from foreign
// users.
package device

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// QueryFunc returns the pids currently running compute work on one
// device index. Monitor treats it as a black box that may be empty,
// partial, or transiently failing.
type QueryFunc func(ctx context.Context, index int) ([]int, error)

// Monitor polls the device driver for the set of active compute pids on
// a fixed set of device indices.
type Monitor struct {
	indices []int
	query   QueryFunc
	log     *logrus.Entry
}

// New builds a monitor over the given device indices that shells out to
// nvidia-smi (at smiPath) with a per-query timeout.
func New(indices []int, smiPath string, timeout time.Duration, log *logrus.Entry) *Monitor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Monitor{
		indices: indices,
		query:   smiQuery(smiPath, timeout),
		log:     log,
	}
}

// NewWithQuery builds a monitor with a custom query, for tests and for
// drivers other than nvidia-smi.
func NewWithQuery(indices []int, query QueryFunc, log *logrus.Entry) *Monitor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Monitor{indices: indices, query: query, log: log}
}

func smiQuery(smiPath string, timeout time.Duration) QueryFunc {
	return func(ctx context.Context, index int) ([]int, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		out, err := exec.CommandContext(ctx, smiPath,
			"--query-compute-apps=pid",
			"--format=csv,noheader,nounits",
			"-i", strconv.Itoa(index),
		).Output()
		if err != nil {
			return nil, err
		}
		return parsePIDs(string(out)), nil
	}
}

func parsePIDs(out string) []int {
	var pids []int
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

// ActivePIDs unions the compute pids across all bound indices. A failed
// query contributes nothing: a blind tick must read as "no foreign pid",
// not as an intrusion and not as an error.
func (m *Monitor) ActivePIDs(ctx context.Context) []int {
	seen := make(map[int]bool)
	var pids []int
	for _, idx := range m.indices {
		reported, err := m.query(ctx, idx)
		if err != nil {
			m.log.WithFields(logrus.Fields{
				"device": idx,
				"error":  err,
			}).Debug("device query failed, treating as empty")
			continue
		}
		for _, pid := range reported {
			if !seen[pid] {
				seen[pid] = true
				pids = append(pids, pid)
			}
		}
	}
	return pids
}

// FirstForeign returns the first device pid that does not belong to the
// managed task: not the managed pid itself and not in its process group
// (a task's own data-loader workers share the group and are never
// intrusions). With managedPID <= 0, every reported pid is foreign.
func (m *Monitor) FirstForeign(ctx context.Context, managedPID int) (int, bool) {
	managedPGID := -1
	if managedPID > 0 {
		if pgid, err := unix.Getpgid(managedPID); err == nil {
			managedPGID = pgid
		}
	}

	for _, pid := range m.ActivePIDs(ctx) {
		if pid == managedPID {
			continue
		}
		if managedPGID > 0 {
			if pgid, err := unix.Getpgid(pid); err == nil && pgid == managedPGID {
				continue
			}
		}
		return pid, true
	}
	return 0, false
}
