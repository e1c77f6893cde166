package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// QueueMode distinguishes device-bound queues from generic lanes.
type QueueMode int

const (
	// ModeDevice queues are bound to physical device indices and yield to
	// foreign compute processes.
	ModeDevice QueueMode = iota
	// ModeGeneric queues have no device binding; only internal priority
	// preemption applies.
	ModeGeneric
)

func (m QueueMode) String() string {
	if m == ModeDevice {
		return "device"
	}
	return "generic"
}

// Queue names appear in lock, socket, and log file names, so they are
// restricted to a filesystem-safe alphabet.
var validQueueName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._,-]*$`)

// QueueName is a validated queue identifier with its derived mode. The
// mode is fixed for the queue's lifetime: a name that parses as
// comma-separated device indices ("0", "0,1") is device mode, anything
// else ("cpu") is generic.
type QueueName struct {
	name    string
	mode    QueueMode
	devices []int
}

// ParseQueueName validates a raw name and derives its mode once.
func ParseQueueName(name string) (QueueName, error) {
	if !validQueueName.MatchString(name) {
		return QueueName{}, fmt.Errorf("invalid queue name %q", name)
	}

	indices, ok := parseDeviceIndices(name)
	if ok {
		return QueueName{name: name, mode: ModeDevice, devices: indices}, nil
	}
	return QueueName{name: name, mode: ModeGeneric}, nil
}

func parseDeviceIndices(name string) ([]int, bool) {
	parts := strings.Split(name, ",")
	indices := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, false
		}
		indices = append(indices, n)
	}
	return indices, true
}

func (q QueueName) String() string { return q.name }

func (q QueueName) Mode() QueueMode { return q.mode }

// DeviceIndices returns the bound device indices; empty in generic mode.
func (q QueueName) DeviceIndices() []int { return q.devices }

// DeviceList renders the indices in CUDA_VISIBLE_DEVICES form ("0,1").
// In generic mode it returns the empty string.
func (q QueueName) DeviceList() string {
	if q.mode != ModeDevice {
		return ""
	}
	return q.name
}
