// Package backup runs backup jobs end to end: chain placement, capture,
// archive sealing and catalog bookkeeping.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rowjay/posvault/internal/archive"
	"github.com/rowjay/posvault/internal/chain"
	"github.com/rowjay/posvault/internal/changes"
	"github.com/rowjay/posvault/internal/compress"
	"github.com/rowjay/posvault/internal/config"
	"github.com/rowjay/posvault/internal/jobstore"
	"github.com/rowjay/posvault/internal/lock"
	"github.com/rowjay/posvault/internal/logging"
	"github.com/rowjay/posvault/internal/metrics"
	"github.com/rowjay/posvault/internal/model"
	"github.com/rowjay/posvault/internal/notify"
	"github.com/rowjay/posvault/internal/offsite"
	"github.com/rowjay/posvault/internal/statedb"
	"github.com/rowjay/posvault/internal/storage"
	"github.com/rowjay/posvault/internal/util"
	"github.com/rowjay/posvault/internal/version"
)

type Request struct {
	StoreID string
	Scope   model.Scope
	Trigger model.Trigger
}

type Options struct {
	Stores []config.StoreConfig
	Backup config.BackupConfig
	// Prefix is prepended to archive keys.
	Prefix string
	// WorkDir holds database snapshots while they are archived.
	WorkDir string
}

type Orchestrator struct {
	store    *jobstore.Store
	archives *storage.Local
	locks    *lock.Manager
	chains   *chain.Manager
	stores   map[string]config.StoreConfig
	opts     Options
	log      zerolog.Logger

	Notifier notify.Notifier
	Uploader offsite.Uploader
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

func New(store *jobstore.Store, archives *storage.Local, locks *lock.Manager, opts Options, log zerolog.Logger) *Orchestrator {
	stores := make(map[string]config.StoreConfig, len(opts.Stores))
	for _, s := range opts.Stores {
		stores[s.ID] = s
	}
	maxInc := opts.Backup.MaxIncrementalsPerChain
	if maxInc <= 0 {
		maxInc = config.DefaultMaxIncrementalsPerChain
	}
	if opts.WorkDir == "" {
		opts.WorkDir = filepath.Join(os.TempDir(), "posvault-work")
	}
	return &Orchestrator{
		store:    store,
		archives: archives,
		locks:    locks,
		chains:   chain.NewManager(maxInc),
		stores:   stores,
		opts:     opts,
		log:      logging.Component(log, "backup"),
		Now:      time.Now,
	}
}

// Create runs one backup job for req. It fails fast with
// ConcurrentOperationInProgress when another backup or a restore holds the
// store and scope. Once the job row exists the job runs to a terminal state
// even if ctx is cancelled.
func (o *Orchestrator) Create(ctx context.Context, req Request) (*model.BackupJob, error) {
	sc, err := o.resolve(req)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	held, err := o.locks.Acquire(req.StoreID, req.Scope.String())
	if err != nil {
		return nil, LockError(err)
	}
	defer held.Release()

	if err := o.ensureIdle(ctx, req.StoreID, req.Scope, true); err != nil {
		return nil, err
	}
	return o.run(ctx, sc, req)
}

// ErrNoLiveState is returned by CreateHeld for a pre-restore state snapshot
// when the live database does not exist. No job is created.
var ErrNoLiveState = errors.New("live database does not exist")

// CreateHeld is Create for callers already holding the (store, scope) lock,
// namely the restore engine taking its pre-restore snapshot.
func (o *Orchestrator) CreateHeld(ctx context.Context, req Request) (*model.BackupJob, error) {
	sc, err := o.resolve(req)
	if err != nil {
		return nil, err
	}
	if req.Scope == model.ScopeState && req.Trigger == model.TriggerPreRestore {
		if _, err := os.Stat(sc.StatePath); errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoLiveState
		}
	}
	if err := o.ensureIdle(ctx, req.StoreID, req.Scope, false); err != nil {
		return nil, err
	}
	return o.run(ctx, sc, req)
}

// LockError maps a lock acquisition failure to the engine error taxonomy.
func LockError(err error) error {
	var busy *lock.ErrBusy
	if errors.As(err, &busy) {
		return model.Wrap(model.KindConcurrentOperation, "acquire lock", err)
	}
	return err
}

func (o *Orchestrator) resolve(req Request) (config.StoreConfig, error) {
	sc, ok := o.stores[req.StoreID]
	if !ok {
		return config.StoreConfig{}, model.Errorf(model.KindUnknownStore, "backup", "unknown store %q", req.StoreID)
	}
	if !req.Scope.Valid() {
		return config.StoreConfig{}, fmt.Errorf("invalid scope %d", req.Scope)
	}
	return sc, nil
}

func (o *Orchestrator) ensureIdle(ctx context.Context, storeID string, scope model.Scope, checkRestores bool) error {
	n, err := o.store.CountActiveBackups(ctx, storeID, scope)
	if err != nil {
		return err
	}
	if n > 0 {
		return model.Errorf(model.KindConcurrentOperation, "backup", "%s backup already running for store %s", scope, storeID)
	}
	if !checkRestores {
		return nil
	}
	n, err = o.store.CountActiveRestores(ctx, storeID, scope)
	if err != nil {
		return err
	}
	if n > 0 {
		return model.Errorf(model.KindConcurrentOperation, "backup", "%s restore in progress for store %s", scope, storeID)
	}
	return nil
}

func (o *Orchestrator) compression() string {
	if o.opts.Backup.Compression == "" {
		return compress.TypeZstd
	}
	return o.opts.Backup.Compression
}

func (o *Orchestrator) run(ctx context.Context, sc config.StoreConfig, req Request) (*model.BackupJob, error) {
	trigger := req.Trigger
	if !trigger.Valid() {
		trigger = model.TriggerManual
	}
	start := o.Now()
	comp := o.compression()

	var (
		job   model.BackupJob
		prior []model.BackupJob
	)
	err := o.store.InTx(ctx, func(ctx context.Context, q *jobstore.Queries) error {
		p, err := o.chains.Place(ctx, q, req.StoreID, req.Scope)
		if err != nil {
			return err
		}
		id := uuid.NewString()
		job = model.BackupJob{
			ID:                id,
			StoreID:           req.StoreID,
			Scope:             req.Scope,
			Status:            model.JobRunning,
			Trigger:           trigger,
			ChainID:           p.ChainID,
			IncrementalNumber: p.IncrementalNumber,
			CreatedAt:         start,
			ArchivePath:       util.BuildArchiveKey(o.opts.Prefix, req.StoreID, req.Scope.String(), id, compress.Extension(comp)),
			Compression:       comp,
		}
		prior = p.Prior
		return q.InsertBackup(ctx, &job)
	})
	if err != nil {
		return nil, fmt.Errorf("register backup job: %w", err)
	}

	// From here on the job must reach a terminal state.
	ctx = context.WithoutCancel(ctx)
	log := o.log.With().
		Str("store", job.StoreID).
		Str("scope", job.Scope.String()).
		Str("job_id", job.ID).
		Str("chain_id", job.ChainID).
		Int("incremental_number", job.IncrementalNumber).
		Logger()
	log.Info().Str("trigger", trigger.String()).Msg("backup started")

	var manifest *model.Manifest
	switch job.Scope {
	case model.ScopeFiles:
		manifest, err = o.captureFiles(ctx, sc, job, prior)
	case model.ScopeState:
		err = o.captureState(ctx, sc, job)
	}
	if err != nil {
		return o.fail(ctx, &job, start, err, log)
	}

	checksum, size, err := o.sealedChecksum(ctx, job.ArchivePath)
	if err != nil {
		return o.fail(ctx, &job, start, err, log)
	}

	done := o.Now()
	err = o.store.InTx(ctx, func(ctx context.Context, q *jobstore.Queries) error {
		if manifest != nil {
			if err := q.PutManifest(ctx, *manifest); err != nil {
				return err
			}
		}
		return q.CompleteBackup(ctx, job.ID, size, checksum, done)
	})
	if err != nil {
		return o.fail(ctx, &job, start, err, log)
	}

	job.Status = model.JobCompleted
	job.SizeBytes = size
	job.ArchiveChecksum = checksum
	job.CompletedAt = &done
	log.Info().Int64("size_bytes", size).Str("checksum", checksum).Dur("elapsed", done.Sub(start)).Msg("backup completed")

	o.finish(ctx, job, start, nil)
	return &job, nil
}

func (o *Orchestrator) captureFiles(ctx context.Context, sc config.StoreConfig, job model.BackupJob, prior []model.BackupJob) (*model.Manifest, error) {
	tree, err := changes.Scan(ctx, sc.FilesRoot, changes.Options{Exclude: sc.Exclude, Workers: o.opts.Backup.HashWorkers})
	if err != nil {
		return nil, err
	}

	var view model.Snapshot
	if len(prior) > 0 {
		manifests, err := o.store.ChainManifests(ctx, prior)
		if err != nil {
			return nil, model.Wrap(model.KindChainIntegrity, "load prior manifests", err)
		}
		view = model.Fold(manifests...)
	}
	cs := changes.Diff(view, tree)
	manifest := cs.Manifest(job.ID, tree)

	err = o.writeArchive(ctx, job, func(aw *archive.Writer) error {
		for _, p := range cs.Captured() {
			f := tree[p]
			src, err := util.SafeJoin(sc.FilesRoot, p)
			if err != nil {
				return model.Wrap(model.KindSourceCorrupted, "archive file", err)
			}
			sum, err := aw.AddFile(archive.FilesPrefix+p, src, f.Size, f.Mode)
			if err != nil {
				return err
			}
			manifest.Entries[p] = sum
		}
		meta := o.meta(job)
		meta.Entries = manifest.Entries
		meta.Deleted = manifest.Deleted
		return aw.AddMeta(meta)
	})
	if err != nil {
		return nil, err
	}

	o.log.Debug().Str("job_id", job.ID).
		Int("added", len(cs.Added)).Int("modified", len(cs.Modified)).
		Int("deleted", len(cs.Deleted)).Int("unchanged", len(cs.Unchanged)).
		Msg("change set archived")
	return &manifest, nil
}

// captureState archives a consistent copy of the live database. A
// pre-restore snapshot of a file SQLite cannot read keeps its raw bytes
// instead, since the restore is about to replace it.
func (o *Orchestrator) captureState(ctx context.Context, sc config.StoreConfig, job model.BackupJob) error {
	snap := filepath.Join(o.opts.WorkDir, job.ID+".db")
	raw := false
	if err := statedb.Snapshot(ctx, sc.StatePath, snap); err != nil {
		if job.Trigger != model.TriggerPreRestore || !errors.Is(err, model.ErrSourceCorrupted) {
			return err
		}
		o.log.Warn().Err(err).Str("job_id", job.ID).Str("store", job.StoreID).Msg("live database unreadable, keeping raw copy")
		if err := os.MkdirAll(filepath.Dir(snap), 0o750); err != nil {
			return err
		}
		_ = os.Remove(snap)
		if err := util.CopyFile(sc.StatePath, snap, 0o600); err != nil {
			return model.Wrap(model.KindArchiveIO, "raw state copy", err)
		}
		raw = true
	}
	defer os.Remove(snap)

	info, err := os.Stat(snap)
	if err != nil {
		return err
	}
	return o.writeArchive(ctx, job, func(aw *archive.Writer) error {
		if _, err := aw.AddFile(archive.StateEntry, snap, info.Size(), 0o600); err != nil {
			return err
		}
		meta := o.meta(job)
		meta.RawCopy = raw
		return aw.AddMeta(meta)
	})
}

func (o *Orchestrator) meta(job model.BackupJob) archive.JobMeta {
	return archive.JobMeta{
		JobID:             job.ID,
		StoreID:           job.StoreID,
		Scope:             job.Scope.String(),
		ChainID:           job.ChainID,
		IncrementalNumber: job.IncrementalNumber,
		Trigger:           job.Trigger.String(),
		CreatedAt:         job.CreatedAt,
		Compression:       job.Compression,
		ToolVersion:       version.Version,
	}
}

// writeArchive streams the archive built by fill into local storage. The
// object only appears under its key once it is complete.
func (o *Orchestrator) writeArchive(ctx context.Context, job model.BackupJob, fill func(*archive.Writer) error) error {
	pipeReader, pipeWriter := io.Pipe()
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		defer pipeReader.Close()
		if err := o.archives.Put(egCtx, job.ArchivePath, pipeReader, -1, nil); err != nil {
			return model.Wrap(model.KindArchiveIO, "write archive", err)
		}
		return nil
	})

	eg.Go(func() error {
		aw, err := archive.NewWriter(pipeWriter, job.Compression)
		if err != nil {
			_ = pipeWriter.CloseWithError(err)
			return err
		}
		if err := fill(aw); err != nil {
			_ = aw.Close()
			_ = pipeWriter.CloseWithError(err)
			return err
		}
		if err := aw.Close(); err != nil {
			_ = pipeWriter.CloseWithError(err)
			return err
		}
		return pipeWriter.Close()
	})

	return eg.Wait()
}

func (o *Orchestrator) sealedChecksum(ctx context.Context, key string) (string, int64, error) {
	rc, err := o.archives.Get(ctx, key)
	if err != nil {
		return "", 0, model.Wrap(model.KindArchiveIO, "read sealed archive", err)
	}
	defer rc.Close()
	sum, n, err := archive.Checksum(rc)
	if err != nil {
		return "", 0, model.Wrap(model.KindArchiveIO, "checksum sealed archive", err)
	}
	return sum, n, nil
}

func (o *Orchestrator) fail(ctx context.Context, job *model.BackupJob, start time.Time, cause error, log zerolog.Logger) (*model.BackupJob, error) {
	if err := o.archives.Delete(ctx, job.ArchivePath); err != nil {
		log.Warn().Err(err).Msg("failed to remove partial archive")
	}
	now := o.Now()
	if err := o.store.FailBackup(ctx, job.ID, cause.Error(), now); err != nil {
		log.Error().Err(err).Msg("failed to record backup failure")
	}
	job.Status = model.JobFailed
	job.ErrorMessage = cause.Error()
	job.CompletedAt = &now

	err := model.Wrap(model.KindArchiveIO, "backup", cause)
	var typed *model.Error
	if errors.As(err, &typed) {
		err = typed.WithJob(job.ID, job.ChainID)
	}
	log.Error().Err(err).Msg("backup failed")

	o.finish(ctx, *job, start, err)
	return job, err
}

func (o *Orchestrator) finish(ctx context.Context, job model.BackupJob, start time.Time, opErr error) {
	end := o.Now()
	o.Metrics.ObserveBackup(job, end.Sub(start))

	if o.Notifier != nil {
		event := notify.Event{
			Kind:        notify.KindBackup,
			Message:     fmt.Sprintf("%s backup of store %s", job.Scope, job.StoreID),
			Outcome:     notify.OutcomeFromErr(opErr),
			StoreID:     job.StoreID,
			Scope:       job.Scope.String(),
			JobID:       job.ID,
			ChainID:     job.ChainID,
			ArchivePath: job.ArchivePath,
			SizeBytes:   job.SizeBytes,
			StartedAt:   start,
			EndedAt:     end,
			Duration:    end.Sub(start).String(),
		}
		if opErr != nil {
			event.Error = opErr.Error()
		}
		if err := o.Notifier.Notify(ctx, event); err != nil {
			o.log.Warn().Err(err).Str("job_id", job.ID).Msg("audit notification failed")
		}
	}

	if job.Status == model.JobCompleted && o.Uploader != nil {
		err := o.Uploader.Upload(ctx, job)
		o.Metrics.ObserveUpload(err)
		if err != nil {
			o.log.Warn().Err(err).Str("job_id", job.ID).Msg("off-site upload failed")
		}
	}
}

// VerifyArchive recomputes job's archive checksum and compares it with the
// catalog. A missing or altered archive is SourceCorrupted.
func VerifyArchive(ctx context.Context, archives storage.Storage, job model.BackupJob) error {
	rc, err := archives.Get(ctx, job.ArchivePath)
	if err != nil {
		return &model.Error{Kind: model.KindSourceCorrupted, Op: "verify archive", JobID: job.ID, ChainID: job.ChainID, Err: err}
	}
	defer rc.Close()
	sum, _, err := archive.Checksum(rc)
	if err != nil {
		return model.Wrap(model.KindArchiveIO, "verify archive", err)
	}
	if sum != job.ArchiveChecksum {
		return model.Errorf(model.KindSourceCorrupted, "verify archive", "checksum %s does not match recorded %s", sum, job.ArchiveChecksum).WithJob(job.ID, job.ChainID)
	}
	return nil
}
