package model

import "time"

// BackupJob is one backup attempt. ChainID and IncrementalNumber never
// change once the row exists.
type BackupJob struct {
	ID                string     `json:"id"`
	StoreID           string     `json:"store_id"`
	Scope             Scope      `json:"scope"`
	Status            JobStatus  `json:"status"`
	Trigger           Trigger    `json:"trigger"`
	ChainID           string     `json:"chain_id"`
	IncrementalNumber int        `json:"incremental_number"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	SizeBytes         int64      `json:"size_bytes"`
	ArchivePath       string     `json:"archive_path"`
	ArchiveChecksum   string     `json:"archive_checksum"`
	Compression       string     `json:"compression"`
	ErrorMessage      string     `json:"error_message,omitempty"`
}

// IsBase reports whether the job starts its chain.
func (j BackupJob) IsBase() bool { return j.IncrementalNumber == 0 }

func (j BackupJob) Terminal() bool { return j.Status.Terminal() }

// RetentionTier is an age bucket keeping RetainChains whole chains.
// A zero MaxAge means the tier has no upper age bound.
type RetentionTier struct {
	Name         string        `json:"name"`
	MaxAge       time.Duration `json:"max_age"`
	RetainChains int           `json:"retain_chains"`
}

// Covers reports whether an item of the given age falls in the tier.
func (t RetentionTier) Covers(age time.Duration) bool {
	return t.MaxAge <= 0 || age <= t.MaxAge
}

// RestoreJob is one restore attempt, owned by the restore engine.
type RestoreJob struct {
	ID                   string        `json:"id"`
	StoreID              string        `json:"store_id"`
	Scope                Scope         `json:"scope"`
	TargetBackupID       string        `json:"target_backup_id"`
	Status               RestoreStatus `json:"status"`
	PreRestoreSnapshotID string        `json:"pre_restore_snapshot_id,omitempty"`
	StrictDelete         bool          `json:"strict_delete"`
	ErrorMessage         string        `json:"error_message,omitempty"`
	NextStep             string        `json:"next_step,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
	CompletedAt          *time.Time    `json:"completed_at,omitempty"`
}

func (r RestoreJob) Terminal() bool { return r.Status.Terminal() }
