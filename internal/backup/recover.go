package backup

import (
	"context"
	"errors"

	"go.uber.org/multierr"

	"github.com/rowjay/posvault/internal/lock"
	"github.com/rowjay/posvault/internal/model"
)

const interruptedMessage = "interrupted: the process stopped before the job reached a terminal state"

// Recover fails every Pending or Running backup job left behind by a crash
// and removes its partial archive. Jobs whose lock is held by a live process
// are left alone.
func (o *Orchestrator) Recover(ctx context.Context) error {
	active, err := o.store.ActiveBackups(ctx, "")
	if err != nil {
		return err
	}

	var errs error
	for _, job := range active {
		held, err := o.locks.Acquire(job.StoreID, job.Scope.String())
		if err != nil {
			var busy *lock.ErrBusy
			if errors.As(err, &busy) {
				o.log.Info().Str("job_id", job.ID).Msg("backup still owned by a running process, skipping recovery")
				continue
			}
			errs = multierr.Append(errs, err)
			continue
		}
		errs = multierr.Append(errs, o.recoverJob(ctx, job))
		errs = multierr.Append(errs, held.Release())
	}
	return errs
}

func (o *Orchestrator) recoverJob(ctx context.Context, job model.BackupJob) error {
	if err := o.archives.Delete(ctx, job.ArchivePath); err != nil {
		return err
	}
	now := o.Now()
	if err := o.store.FailBackup(ctx, job.ID, interruptedMessage, now); err != nil {
		return err
	}
	job.Status = model.JobFailed
	job.ErrorMessage = interruptedMessage
	job.CompletedAt = &now
	o.log.Warn().Str("job_id", job.ID).Str("store", job.StoreID).Str("scope", job.Scope.String()).Msg("recovered interrupted backup")

	o.finish(ctx, job, job.CreatedAt, model.Errorf(model.KindArchiveIO, "recover", interruptedMessage).WithJob(job.ID, job.ChainID))
	return nil
}
