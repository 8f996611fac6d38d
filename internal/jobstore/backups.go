package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rowjay/posvault/internal/model"
)

// Queries runs catalog statements against a DBTX.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// Filter narrows ListBackups. Zero fields match everything.
type Filter struct {
	StoreID string
	Scope   model.Scope
	Status  model.JobStatus
	ChainID string
}

const backupColumns = `id, store_id, scope, status, trigger_kind, chain_id, incremental_number,
	created_at, completed_at, size_bytes, archive_path, archive_checksum, compression, error_message`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBackup(row rowScanner) (model.BackupJob, error) {
	var (
		j           model.BackupJob
		createdAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(&j.ID, &j.StoreID, &j.Scope, &j.Status, &j.Trigger, &j.ChainID, &j.IncrementalNumber,
		&createdAt, &completedAt, &j.SizeBytes, &j.ArchivePath, &j.ArchiveChecksum, &j.Compression, &j.ErrorMessage)
	if err != nil {
		return model.BackupJob{}, err
	}
	j.CreatedAt = fromNanos(createdAt)
	j.CompletedAt = nullTime(completedAt)
	return j, nil
}

// InsertBackup stores a new job row. The (chain_id, incremental_number)
// pair must be unused.
func (q *Queries) InsertBackup(ctx context.Context, j *model.BackupJob) error {
	query := `INSERT INTO backup_jobs (` + backupColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.db.ExecContext(ctx, query,
		j.ID, j.StoreID, j.Scope, j.Status, j.Trigger, j.ChainID, j.IncrementalNumber,
		toNanos(j.CreatedAt), nanosOrNil(j.CompletedAt), j.SizeBytes, j.ArchivePath, j.ArchiveChecksum, j.Compression, j.ErrorMessage)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: backup_jobs.chain_id") {
			return model.Errorf(model.KindChainIntegrity, "insert backup", "incremental number %d already used", j.IncrementalNumber).WithJob(j.ID, j.ChainID)
		}
		return fmt.Errorf("failed to insert backup job: %w", err)
	}
	return nil
}

func (q *Queries) GetBackup(ctx context.Context, id string) (*model.BackupJob, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+backupColumns+` FROM backup_jobs WHERE id = ?`, id)
	j, err := scanBackup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.Errorf(model.KindNotFound, "get backup", "backup job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select backup job: %w", err)
	}
	return &j, nil
}

// CompleteBackup seals a Running job with its archive facts.
func (q *Queries) CompleteBackup(ctx context.Context, id string, sizeBytes int64, checksum string, at time.Time) error {
	query := `UPDATE backup_jobs SET status = ?, size_bytes = ?, archive_checksum = ?, completed_at = ?
		WHERE id = ? AND status = ?`
	res, err := q.db.ExecContext(ctx, query, model.JobCompleted, sizeBytes, checksum, toNanos(at), id, model.JobRunning)
	if err != nil {
		return fmt.Errorf("failed to complete backup job: %w", err)
	}
	return expectOne(res, "complete backup", id)
}

// FailBackup moves a Pending or Running job to Failed.
func (q *Queries) FailBackup(ctx context.Context, id, message string, at time.Time) error {
	query := `UPDATE backup_jobs SET status = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`
	res, err := q.db.ExecContext(ctx, query, model.JobFailed, message, toNanos(at), id, model.JobPending, model.JobRunning)
	if err != nil {
		return fmt.Errorf("failed to fail backup job: %w", err)
	}
	return expectOne(res, "fail backup", id)
}

// LatestCompleted returns the most recently created Completed job for the
// store and scope.
func (q *Queries) LatestCompleted(ctx context.Context, storeID string, scope model.Scope) (*model.BackupJob, error) {
	query := `SELECT ` + backupColumns + ` FROM backup_jobs
		WHERE store_id = ? AND scope = ? AND status = ?
		ORDER BY created_at DESC, incremental_number DESC LIMIT 1`
	j, err := scanBackup(q.db.QueryRowContext(ctx, query, storeID, scope, model.JobCompleted))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.Errorf(model.KindNotFound, "latest completed", "no completed %s backup for store %s", scope, storeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select latest backup: %w", err)
	}
	return &j, nil
}

// MaxIncrementalNumber returns the highest number used in the chain by any
// job regardless of status, or -1 for an unknown chain.
func (q *Queries) MaxIncrementalNumber(ctx context.Context, chainID string) (int, error) {
	var n sql.NullInt64
	err := q.db.QueryRowContext(ctx, `SELECT MAX(incremental_number) FROM backup_jobs WHERE chain_id = ?`, chainID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to select max incremental number: %w", err)
	}
	if !n.Valid {
		return -1, nil
	}
	return int(n.Int64), nil
}

// ChainMembers returns every job of the chain ordered by incremental number.
func (q *Queries) ChainMembers(ctx context.Context, chainID string) ([]model.BackupJob, error) {
	return q.listBackups(ctx, `SELECT `+backupColumns+` FROM backup_jobs
		WHERE chain_id = ? ORDER BY incremental_number ASC`, chainID)
}

// ListBackups returns jobs matching f, newest first.
func (q *Queries) ListBackups(ctx context.Context, f Filter) ([]model.BackupJob, error) {
	var (
		where []string
		args  []any
	)
	if f.StoreID != "" {
		where = append(where, "store_id = ?")
		args = append(args, f.StoreID)
	}
	if f.Scope != 0 {
		where = append(where, "scope = ?")
		args = append(args, f.Scope)
	}
	if f.Status != 0 {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.ChainID != "" {
		where = append(where, "chain_id = ?")
		args = append(args, f.ChainID)
	}
	query := `SELECT ` + backupColumns + ` FROM backup_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	return q.listBackups(ctx, query, args...)
}

// ActiveBackups returns Pending and Running jobs. An empty storeID matches
// every store.
func (q *Queries) ActiveBackups(ctx context.Context, storeID string) ([]model.BackupJob, error) {
	query := `SELECT ` + backupColumns + ` FROM backup_jobs WHERE status IN (?, ?)`
	args := []any{model.JobPending, model.JobRunning}
	if storeID != "" {
		query += ` AND store_id = ?`
		args = append(args, storeID)
	}
	query += ` ORDER BY created_at ASC`
	return q.listBackups(ctx, query, args...)
}

// CountActiveBackups counts Pending and Running jobs for the store and scope.
func (q *Queries) CountActiveBackups(ctx context.Context, storeID string, scope model.Scope) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM backup_jobs
		WHERE store_id = ? AND scope = ? AND status IN (?, ?)`,
		storeID, scope, model.JobPending, model.JobRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active backups: %w", err)
	}
	return n, nil
}

// DeleteBackup removes the job row and its manifest.
func (q *Queries) DeleteBackup(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM manifests WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete manifest: %w", err)
	}
	res, err := q.db.ExecContext(ctx, `DELETE FROM backup_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete backup job: %w", err)
	}
	return expectOne(res, "delete backup", id)
}

func (q *Queries) listBackups(ctx context.Context, query string, args ...any) ([]model.BackupJob, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select backup jobs: %w", err)
	}
	defer rows.Close()

	var result []model.BackupJob
	for rows.Next() {
		j, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func expectOne(res sql.Result, op, id string) error {
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra != 1 {
		return model.Errorf(model.KindNotFound, op, "job %s not found in expected state", id)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nanosOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
