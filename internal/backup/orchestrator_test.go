package backup

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowjay/posvault/internal/archive"
	"github.com/rowjay/posvault/internal/config"
	"github.com/rowjay/posvault/internal/jobstore"
	"github.com/rowjay/posvault/internal/lock"
	"github.com/rowjay/posvault/internal/model"
	"github.com/rowjay/posvault/internal/notify"
	"github.com/rowjay/posvault/internal/storage"
)

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
	jobs   []model.BackupJob
	err    error
}

func (r *recorder) Notify(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) Upload(_ context.Context, job model.BackupJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return r.err
}

type fixture struct {
	orch     *Orchestrator
	store    *jobstore.Store
	archives *storage.Local
	locks    *lock.Manager
	files    string
	state    string
	rec      *recorder
}

func newFixture(t *testing.T, maxInc int) *fixture {
	t.Helper()
	root := t.TempDir()
	ctx := context.Background()

	store, err := jobstore.Open(ctx, filepath.Join(root, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	files := filepath.Join(root, "content")
	require.NoError(t, os.MkdirAll(files, 0o755))
	state := filepath.Join(root, "store.db")
	db, err := sql.Open("sqlite", "file:"+state)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE orders (id INTEGER PRIMARY KEY, total INTEGER)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	archives := storage.NewLocal(filepath.Join(root, "archives"))
	locks := lock.NewManager(filepath.Join(root, "locks"))
	orch := New(store, archives, locks, Options{
		Stores:  []config.StoreConfig{{ID: "store-01", StatePath: state, FilesRoot: files}},
		Backup:  config.BackupConfig{Compression: "zstd", MaxIncrementalsPerChain: maxInc, HashWorkers: 2},
		WorkDir: filepath.Join(root, "work"),
	}, zerolog.Nop())
	rec := &recorder{}
	orch.Notifier = rec
	orch.Uploader = rec

	return &fixture{orch: orch, store: store, archives: archives, locks: locks, files: files, state: state, rec: rec}
}

func (f *fixture) write(t *testing.T, rel, body string) {
	t.Helper()
	p := filepath.Join(f.files, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
}

func filesReq() Request {
	return Request{StoreID: "store-01", Scope: model.ScopeFiles, Trigger: model.TriggerScheduled}
}

func TestFilesChainCapturesOnlyChanges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 6)
	f.write(t, "a.txt", "a1")
	f.write(t, "menu/b.json", "b1")

	base, err := f.orch.Create(ctx, filesReq())
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, base.Status)
	assert.Equal(t, 0, base.IncrementalNumber)
	require.NoError(t, VerifyArchive(ctx, f.archives, *base))

	m, err := f.store.GetManifest(ctx, base.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "menu/b.json"}, m.Paths())
	assert.Empty(t, m.Deleted)

	f.write(t, "a.txt", "a2")
	f.write(t, "c.txt", "c1")
	require.NoError(t, os.Remove(filepath.Join(f.files, "menu", "b.json")))

	inc, err := f.orch.Create(ctx, filesReq())
	require.NoError(t, err)
	assert.Equal(t, base.ChainID, inc.ChainID)
	assert.Equal(t, 1, inc.IncrementalNumber)

	m, err = f.store.GetManifest(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "c.txt"}, m.Paths())
	assert.Equal(t, []string{"menu/b.json"}, m.Deleted)

	// Unchanged tree: an empty incremental is still a valid chain member.
	empty, err := f.orch.Create(ctx, filesReq())
	require.NoError(t, err)
	assert.Equal(t, 2, empty.IncrementalNumber)
	m, err = f.store.GetManifest(ctx, empty.ID)
	require.NoError(t, err)
	assert.Empty(t, m.Entries)
	assert.Empty(t, m.Deleted)

	// The archive carries its own description.
	rc, err := f.archives.Get(ctx, inc.ArchivePath)
	require.NoError(t, err)
	defer rc.Close()
	contents, err := archive.Extract(rc, inc.Compression, t.TempDir())
	require.NoError(t, err)
	require.True(t, contents.HasMeta)
	assert.Equal(t, inc.ID, contents.Meta.JobID)
	assert.Equal(t, []string{"menu/b.json"}, contents.Meta.Deleted)
	assert.Len(t, contents.Files, 2)
}

func TestChainRollsOverAtLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.write(t, "a.txt", "a")

	first, err := f.orch.Create(ctx, filesReq())
	require.NoError(t, err)
	second, err := f.orch.Create(ctx, filesReq())
	require.NoError(t, err)
	third, err := f.orch.Create(ctx, filesReq())
	require.NoError(t, err)

	assert.Equal(t, first.ChainID, second.ChainID)
	assert.NotEqual(t, first.ChainID, third.ChainID)
	assert.Equal(t, 0, third.IncrementalNumber)

	// A new chain's base captures the whole tree again.
	m, err := f.store.GetManifest(ctx, third.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, m.Paths())
}

func TestStateBackupIsFullCopy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 6)
	req := Request{StoreID: "store-01", Scope: model.ScopeState}

	first, err := f.orch.Create(ctx, req)
	require.NoError(t, err)
	second, err := f.orch.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ChainID, second.ChainID)
	assert.Equal(t, 1, second.IncrementalNumber)
	assert.Equal(t, model.TriggerManual, second.Trigger)

	rc, err := f.archives.Get(ctx, second.ArchivePath)
	require.NoError(t, err)
	defer rc.Close()
	contents, err := archive.Extract(rc, second.Compression, t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, contents.Files, archive.StateEntry)

	_, err = f.store.GetManifest(ctx, second.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCreateRejectsConcurrentOperation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 6)

	held, err := f.locks.Acquire("store-01", "files")
	require.NoError(t, err)
	_, err = f.orch.Create(ctx, filesReq())
	assert.ErrorIs(t, err, model.ErrConcurrentOperation)
	require.NoError(t, held.Release())

	now := time.Now()
	require.NoError(t, f.store.InsertRestore(ctx, &model.RestoreJob{
		ID: "r1", StoreID: "store-01", Scope: model.ScopeFiles, TargetBackupID: "x",
		Status: model.RestoreRestoring, CreatedAt: now, UpdatedAt: now,
	}))
	_, err = f.orch.Create(ctx, filesReq())
	assert.ErrorIs(t, err, model.ErrConcurrentOperation)

	// The other scope is unaffected.
	_, err = f.orch.Create(ctx, Request{StoreID: "store-01", Scope: model.ScopeState})
	assert.NoError(t, err)

	jobs, err := f.store.ListBackups(ctx, jobstore.Filter{StoreID: "store-01", Scope: model.ScopeFiles})
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected requests never create jobs")
}

func TestCreateUnknownStoreAndCancelledContext(t *testing.T) {
	f := newFixture(t, 6)
	_, err := f.orch.Create(context.Background(), Request{StoreID: "nope", Scope: model.ScopeFiles})
	assert.ErrorIs(t, err, model.ErrUnknownStore)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.orch.Create(ctx, filesReq())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFailedBackupIsRecordedAndCleanedUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 6)
	require.NoError(t, os.RemoveAll(f.files))
	require.NoError(t, os.WriteFile(f.files, []byte("not a dir"), 0o644))

	job, err := f.orch.Create(ctx, filesReq())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrSourceCorrupted)
	require.NotNil(t, job)
	assert.Equal(t, model.JobFailed, job.Status)

	stored, err := f.store.GetBackup(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, stored.Status)
	assert.NotEmpty(t, stored.ErrorMessage)

	exists, err := f.archives.Exists(ctx, job.ArchivePath)
	require.NoError(t, err)
	assert.False(t, exists)

	require.Len(t, f.rec.events, 1)
	assert.Equal(t, notify.OutcomeFailed, f.rec.events[0].Outcome)
	assert.Empty(t, f.rec.jobs, "failed jobs are never uploaded")
}

func TestCompletedBackupIsAuditedAndUploaded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 6)
	f.write(t, "a.txt", "a")
	f.rec.err = errors.New("remote down")

	job, err := f.orch.Create(ctx, filesReq())
	require.NoError(t, err, "upload failures do not fail the backup")

	require.Len(t, f.rec.events, 1)
	ev := f.rec.events[0]
	assert.Equal(t, notify.KindBackup, ev.Kind)
	assert.Equal(t, notify.OutcomeSuccess, ev.Outcome)
	assert.Equal(t, job.ID, ev.JobID)
	assert.Equal(t, job.ChainID, ev.ChainID)

	require.Len(t, f.rec.jobs, 1)
	assert.Equal(t, job.ArchiveChecksum, f.rec.jobs[0].ArchiveChecksum)
}

func TestVerifyArchiveDetectsTampering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 6)
	f.write(t, "a.txt", "a")
	job, err := f.orch.Create(ctx, filesReq())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(f.archives.Path(job.ArchivePath), []byte("tampered"), 0o600))
	assert.ErrorIs(t, VerifyArchive(ctx, f.archives, *job), model.ErrSourceCorrupted)

	require.NoError(t, os.Remove(f.archives.Path(job.ArchivePath)))
	assert.ErrorIs(t, VerifyArchive(ctx, f.archives, *job), model.ErrSourceCorrupted)
}

func TestRecoverFailsInterruptedJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 6)

	stale := &model.BackupJob{
		ID: "stale", StoreID: "store-01", Scope: model.ScopeFiles, Status: model.JobRunning,
		Trigger: model.TriggerScheduled, ChainID: "c1", CreatedAt: time.Now().Add(-time.Hour),
		ArchivePath: "store-01/files/stale.tar.zst", Compression: "zstd",
	}
	require.NoError(t, f.store.InsertBackup(ctx, stale))
	partial := f.archives.Path(stale.ArchivePath) + ".partial"
	require.NoError(t, os.MkdirAll(filepath.Dir(partial), 0o755))
	require.NoError(t, os.WriteFile(partial, []byte("half"), 0o600))

	require.NoError(t, f.orch.Recover(ctx))

	got, err := f.store.GetBackup(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "interrupted")
	_, err = os.Stat(partial)
	assert.True(t, os.IsNotExist(err))

	// The failed job keeps its number; the next backup starts a fresh chain.
	f.write(t, "a.txt", "a")
	job, err := f.orch.Create(ctx, filesReq())
	require.NoError(t, err)
	assert.Equal(t, 0, job.IncrementalNumber)
	assert.NotEqual(t, "c1", job.ChainID)
}

func TestRecoverSkipsJobsOwnedByLiveProcess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 6)
	require.NoError(t, f.store.InsertBackup(ctx, &model.BackupJob{
		ID: "live", StoreID: "store-01", Scope: model.ScopeFiles, Status: model.JobRunning,
		Trigger: model.TriggerManual, ChainID: "c1", CreatedAt: time.Now(), ArchivePath: "store-01/files/live.tar",
	}))

	other := lock.NewManager(filepath.Dir(f.archives.BasePath) + "/locks")
	held, err := other.Acquire("store-01", "files")
	require.NoError(t, err)
	defer held.Release()

	require.NoError(t, f.orch.Recover(ctx))
	got, err := f.store.GetBackup(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, model.JobRunning, got.Status)
}
