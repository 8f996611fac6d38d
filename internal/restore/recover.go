package restore

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"go.uber.org/multierr"

	"github.com/rowjay/posvault/internal/lock"
	"github.com/rowjay/posvault/internal/model"
)

const interruptedMessage = "interrupted: the process stopped before the restore reached a terminal state"

// Recover fails restores left in flight by a crash. A restore that had
// reached Restoring may have modified live state, so its next step points at
// the pre-restore snapshot.
func (e *Engine) Recover(ctx context.Context) error {
	active, err := e.store.ActiveRestores(ctx, "")
	if err != nil {
		return err
	}

	var errs error
	for _, job := range active {
		held, err := e.locks.Acquire(job.StoreID, job.Scope.String())
		if err != nil {
			var busy *lock.ErrBusy
			if errors.As(err, &busy) {
				e.log.Info().Str("restore_id", job.ID).Msg("restore still owned by a running process, skipping recovery")
				continue
			}
			errs = multierr.Append(errs, err)
			continue
		}
		errs = multierr.Append(errs, e.recoverJob(ctx, job))
		errs = multierr.Append(errs, held.Release())
	}
	return errs
}

func (e *Engine) recoverJob(ctx context.Context, job model.RestoreJob) error {
	mutated := job.Status == model.RestoreRestoring
	if err := os.RemoveAll(filepath.Join(e.opts.StagingDir, job.ID)); err != nil {
		e.log.Warn().Err(err).Str("restore_id", job.ID).Msg("failed to remove staging dir")
	}
	now := e.Now()
	job.Status = model.RestoreFailed
	job.ErrorMessage = interruptedMessage
	job.NextStep = nextStep(job, mutated)
	job.UpdatedAt = now
	job.CompletedAt = &now
	if err := e.store.UpdateRestore(ctx, &job); err != nil {
		return err
	}
	e.log.Warn().Str("restore_id", job.ID).Str("store", job.StoreID).Str("next_step", job.NextStep).Msg("recovered interrupted restore")

	e.finish(ctx, job, job.CreatedAt, model.Errorf(model.KindArchiveIO, "recover", interruptedMessage).WithJob(job.TargetBackupID, ""))
	return nil
}
