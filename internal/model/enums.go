package model

import (
	"database/sql/driver"
	"fmt"
)

// Scope selects what a backup job covers.
type Scope uint8

const (
	ScopeState Scope = iota + 1
	ScopeFiles
)

var scopeNames = map[Scope]string{
	ScopeState: "state",
	ScopeFiles: "files",
}

func (s Scope) String() string {
	if name, ok := scopeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("scope(%d)", uint8(s))
}

func (s Scope) Valid() bool {
	_, ok := scopeNames[s]
	return ok
}

// ParseScope maps the text form back to a Scope.
func ParseScope(v string) (Scope, error) {
	for s, name := range scopeNames {
		if name == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown scope %q", v)
}

func (s Scope) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid scope %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Scope) UnmarshalText(b []byte) error {
	parsed, err := ParseScope(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s Scope) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid scope %d", uint8(s))
	}
	return s.String(), nil
}

func (s *Scope) Scan(src any) error {
	return scanText(src, s.UnmarshalText)
}

// JobStatus is the lifecycle state of a BackupJob.
type JobStatus uint8

const (
	JobPending JobStatus = iota + 1
	JobRunning
	JobCompleted
	JobFailed
)

var jobStatusNames = map[JobStatus]string{
	JobPending:   "pending",
	JobRunning:   "running",
	JobCompleted: "completed",
	JobFailed:    "failed",
}

func (s JobStatus) String() string {
	if name, ok := jobStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("job_status(%d)", uint8(s))
}

func (s JobStatus) Valid() bool {
	_, ok := jobStatusNames[s]
	return ok
}

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

func ParseJobStatus(v string) (JobStatus, error) {
	for s, name := range jobStatusNames {
		if name == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown job status %q", v)
}

func (s JobStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid job status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *JobStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseJobStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s JobStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid job status %d", uint8(s))
	}
	return s.String(), nil
}

func (s *JobStatus) Scan(src any) error {
	return scanText(src, s.UnmarshalText)
}

// RestoreStatus is the state machine position of a RestoreJob.
type RestoreStatus uint8

const (
	RestorePending RestoreStatus = iota + 1
	RestoreValidatingArchive
	RestoreSnapshotCreated
	RestoreRestoring
	RestoreCompleted
	RestoreFailed
)

var restoreStatusNames = map[RestoreStatus]string{
	RestorePending:           "pending",
	RestoreValidatingArchive: "validating_archive",
	RestoreSnapshotCreated:   "snapshot_created",
	RestoreRestoring:         "restoring",
	RestoreCompleted:         "completed",
	RestoreFailed:            "failed",
}

func (s RestoreStatus) String() string {
	if name, ok := restoreStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("restore_status(%d)", uint8(s))
}

func (s RestoreStatus) Valid() bool {
	_, ok := restoreStatusNames[s]
	return ok
}

func (s RestoreStatus) Terminal() bool {
	return s == RestoreCompleted || s == RestoreFailed
}

func ParseRestoreStatus(v string) (RestoreStatus, error) {
	for s, name := range restoreStatusNames {
		if name == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown restore status %q", v)
}

func (s RestoreStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid restore status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *RestoreStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseRestoreStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s RestoreStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid restore status %d", uint8(s))
	}
	return s.String(), nil
}

func (s *RestoreStatus) Scan(src any) error {
	return scanText(src, s.UnmarshalText)
}

// Trigger records what asked for a backup.
type Trigger uint8

const (
	TriggerManual Trigger = iota + 1
	TriggerScheduled
	TriggerPreRestore
)

var triggerNames = map[Trigger]string{
	TriggerManual:     "manual",
	TriggerScheduled:  "scheduled",
	TriggerPreRestore: "pre_restore",
}

func (t Trigger) String() string {
	if name, ok := triggerNames[t]; ok {
		return name
	}
	return fmt.Sprintf("trigger(%d)", uint8(t))
}

func (t Trigger) Valid() bool {
	_, ok := triggerNames[t]
	return ok
}

func ParseTrigger(v string) (Trigger, error) {
	for t, name := range triggerNames {
		if name == v {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown trigger %q", v)
}

func (t Trigger) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid trigger %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *Trigger) UnmarshalText(b []byte) error {
	parsed, err := ParseTrigger(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Trigger) Value() (driver.Value, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid trigger %d", uint8(t))
	}
	return t.String(), nil
}

func (t *Trigger) Scan(src any) error {
	return scanText(src, t.UnmarshalText)
}

func scanText(src any, fn func([]byte) error) error {
	switch v := src.(type) {
	case string:
		return fn([]byte(v))
	case []byte:
		return fn(v)
	default:
		return fmt.Errorf("cannot scan %T into enum", src)
	}
}
