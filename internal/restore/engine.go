// Package restore brings a store's live database or content tree back to the
// point captured by a completed backup job.
package restore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rowjay/posvault/internal/backup"
	"github.com/rowjay/posvault/internal/chain"
	"github.com/rowjay/posvault/internal/config"
	"github.com/rowjay/posvault/internal/jobstore"
	"github.com/rowjay/posvault/internal/lock"
	"github.com/rowjay/posvault/internal/logging"
	"github.com/rowjay/posvault/internal/metrics"
	"github.com/rowjay/posvault/internal/model"
	"github.com/rowjay/posvault/internal/notify"
	"github.com/rowjay/posvault/internal/storage"
)

type Request struct {
	StoreID  string
	TargetID string
	// StrictDelete removes live paths that a replayed manifest marks deleted.
	StrictDelete bool
}

type Options struct {
	Stores []config.StoreConfig
	// StagingDir receives replayed file trees before they touch the live tree.
	StagingDir string
}

type Engine struct {
	store    *jobstore.Store
	archives storage.Storage
	locks    *lock.Manager
	backups  *backup.Orchestrator
	stores   map[string]config.StoreConfig
	opts     Options
	log      zerolog.Logger

	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

func New(store *jobstore.Store, archives storage.Storage, locks *lock.Manager, backups *backup.Orchestrator, opts Options, log zerolog.Logger) *Engine {
	stores := make(map[string]config.StoreConfig, len(opts.Stores))
	for _, s := range opts.Stores {
		stores[s.ID] = s
	}
	if opts.StagingDir == "" {
		opts.StagingDir = filepath.Join(os.TempDir(), "posvault-staging")
	}
	return &Engine{
		store:    store,
		archives: archives,
		locks:    locks,
		backups:  backups,
		stores:   stores,
		opts:     opts,
		log:      logging.Component(log, "restore"),
		Now:      time.Now,
	}
}

// Status returns the restore job with the given id.
func (e *Engine) Status(ctx context.Context, id string) (*model.RestoreJob, error) {
	return e.store.GetRestore(ctx, id)
}

// run carries one restore through its phases. mutated records whether the
// live state has been touched, which decides the recovery advice on failure.
type run struct {
	job     model.RestoreJob
	target  model.BackupJob
	plan    []model.BackupJob
	store   config.StoreConfig
	start   time.Time
	mutated bool
	log     zerolog.Logger
}

// Restore replaces the live state of the target's scope with the state
// captured by req.TargetID. The returned job is always non-nil once the
// restore row exists, including on failure.
func (e *Engine) Restore(ctx context.Context, req Request) (*model.RestoreJob, error) {
	sc, ok := e.stores[req.StoreID]
	if !ok {
		return nil, model.Errorf(model.KindUnknownStore, "restore", "unknown store %q", req.StoreID)
	}
	target, err := e.resolveTarget(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	held, err := e.locks.Acquire(req.StoreID, target.Scope.String())
	if err != nil {
		return nil, backup.LockError(err)
	}
	defer held.Release()

	if err := e.ensureIdle(ctx, req.StoreID, target.Scope); err != nil {
		return nil, err
	}

	now := e.Now()
	r := &run{
		job: model.RestoreJob{
			ID:             uuid.NewString(),
			StoreID:        req.StoreID,
			Scope:          target.Scope,
			TargetBackupID: target.ID,
			Status:         model.RestorePending,
			StrictDelete:   req.StrictDelete,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		target: *target,
		store:  sc,
		start:  now,
	}
	if err := e.store.InsertRestore(ctx, &r.job); err != nil {
		return nil, fmt.Errorf("register restore job: %w", err)
	}

	// The live state must never be left between phases by a cancelled ctx.
	ctx = context.WithoutCancel(ctx)
	r.log = e.log.With().
		Str("restore_id", r.job.ID).
		Str("store", r.job.StoreID).
		Str("scope", r.job.Scope.String()).
		Str("target_id", target.ID).
		Str("chain_id", target.ChainID).
		Logger()
	r.log.Info().Bool("strict_delete", req.StrictDelete).Msg("restore started")

	if err := e.validate(ctx, r); err != nil {
		return e.fail(ctx, r, err)
	}
	if err := e.snapshot(ctx, r); err != nil {
		return e.fail(ctx, r, err)
	}
	if err := e.advance(ctx, r, model.RestoreRestoring); err != nil {
		return e.fail(ctx, r, err)
	}
	switch r.job.Scope {
	case model.ScopeState:
		err = e.restoreState(ctx, r)
	case model.ScopeFiles:
		err = e.restoreFiles(ctx, r)
	}
	if err != nil {
		return e.fail(ctx, r, err)
	}

	done := e.Now()
	r.job.CompletedAt = &done
	if err := e.advance(ctx, r, model.RestoreCompleted); err != nil {
		return e.fail(ctx, r, err)
	}
	r.log.Info().Str("pre_restore_snapshot_id", r.job.PreRestoreSnapshotID).Dur("elapsed", done.Sub(r.start)).Msg("restore completed")
	e.finish(ctx, r.job, r.start, nil)
	return &r.job, nil
}

func (e *Engine) resolveTarget(ctx context.Context, req Request) (*model.BackupJob, error) {
	invalid := func(format string, args ...any) error {
		return model.Errorf(model.KindInvalidRestoreTarget, "restore", format, args...).WithJob(req.TargetID, "")
	}
	target, err := e.store.GetBackup(ctx, req.TargetID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, invalid("backup job %s does not exist", req.TargetID)
	}
	if err != nil {
		return nil, err
	}
	if target.StoreID != req.StoreID {
		return nil, invalid("backup job %s belongs to store %s", target.ID, target.StoreID)
	}
	if target.Status != model.JobCompleted {
		return nil, invalid("backup job %s is %s, not completed", target.ID, target.Status)
	}
	return target, nil
}

func (e *Engine) ensureIdle(ctx context.Context, storeID string, scope model.Scope) error {
	n, err := e.store.CountActiveRestores(ctx, storeID, scope)
	if err != nil {
		return err
	}
	if n > 0 {
		return model.Errorf(model.KindConcurrentOperation, "restore", "%s restore already in progress for store %s", scope, storeID)
	}
	n, err = e.store.CountActiveBackups(ctx, storeID, scope)
	if err != nil {
		return err
	}
	if n > 0 {
		return model.Errorf(model.KindConcurrentOperation, "restore", "%s backup running for store %s", scope, storeID)
	}
	return nil
}

// validate resolves the replay plan and recomputes the checksum of every
// archive in it.
func (e *Engine) validate(ctx context.Context, r *run) error {
	if err := e.advance(ctx, r, model.RestoreValidatingArchive); err != nil {
		return err
	}
	r.plan = []model.BackupJob{r.target}
	if r.target.Scope == model.ScopeFiles {
		members, err := e.store.ChainMembers(ctx, r.target.ChainID)
		if err != nil {
			return err
		}
		if r.plan, err = chain.ReplayPlan(members, r.target); err != nil {
			return err
		}
	}
	for _, j := range r.plan {
		if err := backup.VerifyArchive(ctx, e.archives, j); err != nil {
			return err
		}
	}
	r.log.Debug().Int("archives", len(r.plan)).Msg("replay plan verified")
	return nil
}

// snapshot backs up the current live state before anything is replaced.
func (e *Engine) snapshot(ctx context.Context, r *run) error {
	snap, err := e.backups.CreateHeld(ctx, backup.Request{
		StoreID: r.job.StoreID,
		Scope:   r.job.Scope,
		Trigger: model.TriggerPreRestore,
	})
	if errors.Is(err, backup.ErrNoLiveState) {
		r.job.NextStep = fmt.Sprintf("no live %s data existed before this restore; no pre-restore snapshot was taken", r.job.Scope)
		r.log.Warn().Msg("live state absent, restoring without pre-restore snapshot")
		return e.advance(ctx, r, model.RestoreSnapshotCreated)
	}
	if err != nil {
		return fmt.Errorf("pre-restore snapshot: %w", err)
	}
	r.job.PreRestoreSnapshotID = snap.ID
	r.log = r.log.With().Str("pre_restore_snapshot_id", snap.ID).Logger()
	return e.advance(ctx, r, model.RestoreSnapshotCreated)
}

func (e *Engine) advance(ctx context.Context, r *run, status model.RestoreStatus) error {
	r.job.Status = status
	r.job.UpdatedAt = e.Now()
	if err := e.store.UpdateRestore(ctx, &r.job); err != nil {
		return err
	}
	r.log.Debug().Str("status", status.String()).Msg("restore advanced")
	return nil
}

func (e *Engine) fail(ctx context.Context, r *run, cause error) (*model.RestoreJob, error) {
	now := e.Now()
	r.job.Status = model.RestoreFailed
	r.job.ErrorMessage = cause.Error()
	r.job.NextStep = nextStep(r.job, r.mutated)
	r.job.UpdatedAt = now
	r.job.CompletedAt = &now
	if err := e.store.UpdateRestore(ctx, &r.job); err != nil {
		r.log.Error().Err(err).Msg("failed to record restore failure")
	}

	err := model.Wrap(model.KindArchiveIO, "restore", cause)
	var typed *model.Error
	if errors.As(err, &typed) && typed.JobID == "" {
		err = typed.WithJob(r.target.ID, r.target.ChainID)
	}
	r.log.Error().Err(err).Bool("live_state_modified", r.mutated).Str("next_step", r.job.NextStep).Msg("restore failed")

	e.finish(ctx, r.job, r.start, err)
	return &r.job, err
}

// nextStep tells the operator how to recover from a failed restore.
func nextStep(job model.RestoreJob, mutated bool) string {
	switch {
	case mutated && job.PreRestoreSnapshotID != "":
		return fmt.Sprintf("live %s state may be partially restored; restore backup %s (pre-restore snapshot) to return to the state before this restore",
			job.Scope, job.PreRestoreSnapshotID)
	case mutated:
		return fmt.Sprintf("live %s state may be partially restored; there is no pre-restore snapshot because no live data existed before this restore",
			job.Scope)
	case job.PreRestoreSnapshotID != "":
		return fmt.Sprintf("live %s state was not modified; pre-restore snapshot %s remains available and may be discarded",
			job.Scope, job.PreRestoreSnapshotID)
	default:
		return fmt.Sprintf("live %s state was not modified", job.Scope)
	}
}

func (e *Engine) finish(ctx context.Context, job model.RestoreJob, start time.Time, opErr error) {
	end := e.Now()
	e.Metrics.ObserveRestore(job, end.Sub(start))
	if e.Notifier == nil {
		return
	}
	event := notify.Event{
		Kind:                 notify.KindRestore,
		Message:              fmt.Sprintf("%s restore of store %s to backup %s", job.Scope, job.StoreID, job.TargetBackupID),
		Outcome:              notify.OutcomeFromErr(opErr),
		StoreID:              job.StoreID,
		Scope:                job.Scope.String(),
		JobID:                job.ID,
		PreRestoreSnapshotID: job.PreRestoreSnapshotID,
		StartedAt:            start,
		EndedAt:              end,
		Duration:             end.Sub(start).String(),
	}
	if opErr != nil {
		event.Error = opErr.Error()
	}
	if err := e.Notifier.Notify(ctx, event); err != nil {
		e.log.Warn().Err(err).Str("restore_id", job.ID).Msg("audit notification failed")
	}
}
