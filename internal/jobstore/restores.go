package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rowjay/posvault/internal/model"
)

const restoreColumns = `id, store_id, scope, target_backup_id, status, pre_restore_snapshot_id,
	strict_delete, error_message, next_step, created_at, updated_at, completed_at`

func scanRestore(row rowScanner) (model.RestoreJob, error) {
	var (
		r           model.RestoreJob
		createdAt   int64
		updatedAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.StoreID, &r.Scope, &r.TargetBackupID, &r.Status, &r.PreRestoreSnapshotID,
		&r.StrictDelete, &r.ErrorMessage, &r.NextStep, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return model.RestoreJob{}, err
	}
	r.CreatedAt = fromNanos(createdAt)
	r.UpdatedAt = fromNanos(updatedAt)
	r.CompletedAt = nullTime(completedAt)
	return r, nil
}

func (q *Queries) InsertRestore(ctx context.Context, r *model.RestoreJob) error {
	query := `INSERT INTO restore_jobs (` + restoreColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.db.ExecContext(ctx, query,
		r.ID, r.StoreID, r.Scope, r.TargetBackupID, r.Status, r.PreRestoreSnapshotID,
		r.StrictDelete, r.ErrorMessage, r.NextStep, toNanos(r.CreatedAt), toNanos(r.UpdatedAt), nanosOrNil(r.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to insert restore job: %w", err)
	}
	return nil
}

// UpdateRestore writes the mutable fields of r.
func (q *Queries) UpdateRestore(ctx context.Context, r *model.RestoreJob) error {
	query := `UPDATE restore_jobs SET status = ?, pre_restore_snapshot_id = ?, error_message = ?,
		next_step = ?, updated_at = ?, completed_at = ? WHERE id = ?`
	res, err := q.db.ExecContext(ctx, query,
		r.Status, r.PreRestoreSnapshotID, r.ErrorMessage, r.NextStep, toNanos(r.UpdatedAt), nanosOrNil(r.CompletedAt), r.ID)
	if err != nil {
		return fmt.Errorf("failed to update restore job: %w", err)
	}
	return expectOne(res, "update restore", r.ID)
}

func (q *Queries) GetRestore(ctx context.Context, id string) (*model.RestoreJob, error) {
	r, err := scanRestore(q.db.QueryRowContext(ctx, `SELECT `+restoreColumns+` FROM restore_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.Errorf(model.KindNotFound, "get restore", "restore job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select restore job: %w", err)
	}
	return &r, nil
}

// ActiveRestores returns restores not yet Completed or Failed. An empty
// storeID matches every store.
func (q *Queries) ActiveRestores(ctx context.Context, storeID string) ([]model.RestoreJob, error) {
	query := `SELECT ` + restoreColumns + ` FROM restore_jobs WHERE status NOT IN (?, ?)`
	args := []any{model.RestoreCompleted, model.RestoreFailed}
	if storeID != "" {
		query += ` AND store_id = ?`
		args = append(args, storeID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select restore jobs: %w", err)
	}
	defer rows.Close()

	var result []model.RestoreJob
	for rows.Next() {
		r, err := scanRestore(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// CountActiveRestores counts in-flight restores for the store and scope.
func (q *Queries) CountActiveRestores(ctx context.Context, storeID string, scope model.Scope) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM restore_jobs
		WHERE store_id = ? AND scope = ? AND status NOT IN (?, ?)`,
		storeID, scope, model.RestoreCompleted, model.RestoreFailed).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active restores: %w", err)
	}
	return n, nil
}

// ProtectedBackupIDs returns the backup jobs in-flight restores depend on:
// their targets and their pre-restore snapshots.
func (q *Queries) ProtectedBackupIDs(ctx context.Context, storeID string) (map[string]bool, error) {
	active, err := q.ActiveRestores(ctx, storeID)
	if err != nil {
		return nil, err
	}
	ids := map[string]bool{}
	for _, r := range active {
		ids[r.TargetBackupID] = true
		if r.PreRestoreSnapshotID != "" {
			ids[r.PreRestoreSnapshotID] = true
		}
	}
	return ids, nil
}
