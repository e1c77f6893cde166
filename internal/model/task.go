// Package model defines the data structures for tq's task records,
// queue naming, and configuration.
package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// RecordSchemaVersion is written into every encoded record envelope.
const RecordSchemaVersion = 1

const (
	DefaultPriority     = 100
	DefaultGraceSeconds = 180
	DefaultTag          = "default"
)

// TaskRecord is the unit of schedulable work. The JSON envelope uses the
// short keys of the existing on-disk dialect; unknown keys are ignored on
// decode and absent optional keys are defaulted, so old and new record
// shapes can coexist in one store.
type TaskRecord struct {
	SchemaVersion int    `json:"v"`
	Priority      int    `json:"p"`
	GraceSeconds  int    `json:"g"`
	Tag           string `json:"t"`
	Command       string `json:"c"`
	WorkDir       string `json:"wd,omitempty"`
	EnvOverride   string `json:"env,omitempty"`
	RestoreHandle string `json:"git,omitempty"`
	LogPath       string `json:"lp,omitempty"`
}

// taskRecordWire distinguishes absent fields from zero values so that
// defaults apply only when a key is genuinely missing (priority 0 is a
// legal, highest-priority value).
type taskRecordWire struct {
	SchemaVersion *int    `json:"v"`
	Priority      *int    `json:"p"`
	GraceSeconds  *int    `json:"g"`
	Tag           *string `json:"t"`
	Command       string  `json:"c"`
	WorkDir       string  `json:"wd"`
	EnvOverride   string  `json:"env"`
	RestoreHandle string  `json:"git"`
	LogPath       string  `json:"lp"`
}

func (r *TaskRecord) UnmarshalJSON(data []byte) error {
	var w taskRecordWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	r.SchemaVersion = RecordSchemaVersion
	if w.SchemaVersion != nil {
		r.SchemaVersion = *w.SchemaVersion
	}
	r.Priority = DefaultPriority
	if w.Priority != nil {
		r.Priority = *w.Priority
	}
	r.GraceSeconds = DefaultGraceSeconds
	if w.GraceSeconds != nil {
		r.GraceSeconds = *w.GraceSeconds
	}
	r.Tag = DefaultTag
	if w.Tag != nil && *w.Tag != "" {
		r.Tag = *w.Tag
	}
	r.Command = w.Command
	r.WorkDir = w.WorkDir
	r.EnvOverride = w.EnvOverride
	r.RestoreHandle = w.RestoreHandle
	r.LogPath = w.LogPath
	return nil
}

// NewTaskRecord builds a record with defaults applied for a raw command line.
func NewTaskRecord(command string) TaskRecord {
	return TaskRecord{
		SchemaVersion: RecordSchemaVersion,
		Priority:      DefaultPriority,
		GraceSeconds:  DefaultGraceSeconds,
		Tag:           DefaultTag,
		Command:       command,
	}
}

// Normalize fills defaulted fields on records constructed literally
// (tests, CLI paths) so encode/decode round-trips are stable.
func (r *TaskRecord) Normalize() {
	if r.SchemaVersion == 0 {
		r.SchemaVersion = RecordSchemaVersion
	}
	if r.Tag == "" {
		r.Tag = DefaultTag
	}
}

// Validate reports whether the record is schedulable at all. It is called
// on the submission path; the store-side decode path instead quarantines
// bad records without failing the caller.
func (r TaskRecord) Validate() error {
	if strings.TrimSpace(r.Command) == "" {
		return fmt.Errorf("task record: empty command")
	}
	if r.GraceSeconds < 0 {
		return fmt.Errorf("task record: negative grace_seconds %d", r.GraceSeconds)
	}
	return nil
}

// Encode renders the one-line JSON envelope stored in the queue and slot.
func (r TaskRecord) Encode() ([]byte, error) {
	r.Normalize()
	return json.Marshal(r)
}

// DecodeTaskRecord parses a stored envelope, applying defaults for absent
// optional fields. A record without a command is rejected here so the
// caller can quarantine it.
func DecodeTaskRecord(data []byte) (TaskRecord, error) {
	var r TaskRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return TaskRecord{}, fmt.Errorf("decode task record: %w", err)
	}
	if err := r.Validate(); err != nil {
		return TaskRecord{}, err
	}
	return r, nil
}

var unsafeTagChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeTag maps a tag onto the filesystem-safe subset used in log file
// names ("experiment/v1" becomes "experiment_v1"). The record itself keeps
// the raw tag.
func SanitizeTag(tag string) string {
	if tag == "" {
		return DefaultTag
	}
	return unsafeTagChars.ReplaceAllString(tag, "_")
}
