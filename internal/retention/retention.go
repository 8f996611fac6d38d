package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/rowjay/posvault/internal/config"
	"github.com/rowjay/posvault/internal/jobstore"
	"github.com/rowjay/posvault/internal/logging"
	"github.com/rowjay/posvault/internal/metrics"
	"github.com/rowjay/posvault/internal/model"
	"github.com/rowjay/posvault/internal/notify"
	"github.com/rowjay/posvault/internal/storage"
	"github.com/rowjay/posvault/internal/util"
)

// Result summarises one Enforce run. Errors holds per-job deletion
// failures; jobs that failed to delete stay in the catalog for the next run.
type Result struct {
	StoreID string
	Deleted []string
	Kept    int
	// Orphans are sealed archives no catalog row referenced; they were removed.
	Orphans []string
	Errors  []error
}

// Err combines Errors into one error, or nil.
func (r *Result) Err() error {
	return multierr.Combine(r.Errors...)
}

// TiersFromConfig converts configured tiers, in order.
func TiersFromConfig(cfg config.RetentionConfig) []model.RetentionTier {
	tiers := make([]model.RetentionTier, 0, len(cfg.Tiers))
	for _, t := range cfg.Tiers {
		tiers = append(tiers, model.RetentionTier{Name: t.Name, MaxAge: t.MaxAge, RetainChains: t.RetainChains})
	}
	return tiers
}

type Engine struct {
	store    *jobstore.Store
	archives storage.Storage
	tiers    []model.RetentionTier
	log      zerolog.Logger

	// Prefix is the archive key prefix the orchestrator writes under.
	Prefix   string
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

func New(store *jobstore.Store, archives storage.Storage, tiers []model.RetentionTier, log zerolog.Logger) *Engine {
	return &Engine{
		store:    store,
		archives: archives,
		tiers:    tiers,
		log:      logging.Component(log, "retention"),
		Now:      time.Now,
	}
}

// Plan computes what Enforce would do for storeID without changing anything.
func (e *Engine) Plan(ctx context.Context, storeID string) (*Plan, error) {
	var plan *Plan
	err := e.store.InTx(ctx, func(ctx context.Context, q *jobstore.Queries) error {
		jobs, err := q.ListBackups(ctx, jobstore.Filter{StoreID: storeID})
		if err != nil {
			return err
		}
		protected, err := q.ProtectedBackupIDs(ctx, storeID)
		if err != nil {
			return err
		}
		plan, err = BuildPlan(jobs, protected, e.tiers, e.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// Enforce deletes every job of storeID outside the keep set. Members of an
// expiring chain go newest first, archive before catalog row, so a partial
// run never leaves an incremental without its base. A failure stops that
// chain and is reported in the result; other chains continue.
func (e *Engine) Enforce(ctx context.Context, storeID string) (*Result, error) {
	start := e.Now()
	plan, err := e.Plan(ctx, storeID)
	if err != nil {
		e.log.Error().Err(err).Str("store", storeID).Msg("retention plan rejected")
		e.finish(ctx, &Result{StoreID: storeID}, start, err)
		return nil, err
	}

	res := &Result{StoreID: storeID, Kept: len(plan.Keep)}
	broken := map[string]bool{}
	for _, job := range plan.Delete {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, err)
			break
		}
		if job.Status == model.JobCompleted && broken[job.ChainID] {
			continue
		}
		if err := e.deleteJob(ctx, job); err != nil {
			if job.Status == model.JobCompleted {
				broken[job.ChainID] = true
			}
			res.Errors = append(res.Errors, err)
			e.log.Warn().Err(err).Str("job_id", job.ID).Str("chain_id", job.ChainID).Msg("retention delete failed")
			continue
		}
		res.Deleted = append(res.Deleted, job.ID)
		e.log.Debug().Str("job_id", job.ID).Str("chain_id", job.ChainID).Str("status", job.Status.String()).Msg("backup pruned")
	}

	if ctx.Err() == nil {
		orphans, err := e.sweepOrphans(ctx, storeID)
		res.Orphans = orphans
		if err != nil {
			res.Errors = append(res.Errors, err)
		}
	}

	e.log.Info().Str("store", storeID).Int("deleted", len(res.Deleted)).Int("kept", res.Kept).Int("orphans", len(res.Orphans)).Int("errors", len(res.Errors)).Msg("retention enforced")
	e.finish(ctx, res, start, res.Err())
	return res, nil
}

func (e *Engine) deleteJob(ctx context.Context, job model.BackupJob) error {
	if job.ArchivePath != "" {
		if err := e.archives.Delete(ctx, job.ArchivePath); err != nil {
			return &model.Error{Kind: model.KindArchiveIO, Op: "delete archive", JobID: job.ID, ChainID: job.ChainID, Err: err}
		}
	}
	return e.store.InTx(ctx, func(ctx context.Context, q *jobstore.Queries) error {
		return q.DeleteBackup(ctx, job.ID)
	})
}

// sweepOrphans removes archives under the store's prefixes that no job row
// references. Objects are listed before rows are loaded: a job row is
// inserted before its archive is sealed, so any listed archive of a live
// job is already visible to the query.
func (e *Engine) sweepOrphans(ctx context.Context, storeID string) ([]string, error) {
	var objects []storage.ObjectInfo
	for _, scope := range []model.Scope{model.ScopeState, model.ScopeFiles} {
		found, err := e.archives.List(ctx, util.BuildPrefix(e.Prefix, storeID, scope.String()))
		if err != nil {
			return nil, model.Wrap(model.KindArchiveIO, "list archives", err)
		}
		objects = append(objects, found...)
	}
	if len(objects) == 0 {
		return nil, nil
	}

	jobs, err := e.store.ListBackups(ctx, jobstore.Filter{StoreID: storeID})
	if err != nil {
		return nil, err
	}
	referenced := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		referenced[j.ArchivePath] = true
	}

	var removed []string
	var errs error
	for _, obj := range objects {
		if referenced[obj.Key] {
			continue
		}
		if err := e.archives.Delete(ctx, obj.Key); err != nil {
			errs = multierr.Append(errs, model.Wrap(model.KindArchiveIO, "delete orphan "+obj.Key, err))
			continue
		}
		removed = append(removed, obj.Key)
		e.log.Warn().Str("store", storeID).Str("key", obj.Key).Msg("orphaned archive removed")
	}
	return removed, errs
}

func (e *Engine) finish(ctx context.Context, res *Result, start time.Time, opErr error) {
	e.Metrics.ObserveRetention(res.StoreID, len(res.Deleted), len(res.Errors))
	if e.Notifier == nil {
		return
	}
	end := e.Now()
	event := notify.Event{
		Kind:      notify.KindRetention,
		Message:   fmt.Sprintf("retention for store %s deleted %d jobs, kept %d", res.StoreID, len(res.Deleted), res.Kept),
		Outcome:   notify.OutcomeFromErr(opErr),
		StoreID:   res.StoreID,
		StartedAt: start,
		EndedAt:   end,
		Duration:  end.Sub(start).String(),
	}
	if opErr != nil {
		event.Error = opErr.Error()
	}
	if err := e.Notifier.Notify(ctx, event); err != nil {
		e.log.Warn().Err(err).Str("store", res.StoreID).Msg("audit notification failed")
	}
}
