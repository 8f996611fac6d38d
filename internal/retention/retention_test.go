package retention

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowjay/posvault/internal/jobstore"
	"github.com/rowjay/posvault/internal/model"
	"github.com/rowjay/posvault/internal/notify"
	"github.com/rowjay/posvault/internal/storage"
)

type events struct{ got []notify.Event }

func (e *events) Notify(_ context.Context, ev notify.Event) error {
	e.got = append(e.got, ev)
	return nil
}

// flakyStorage fails Delete for one key.
type flakyStorage struct {
	storage.Storage
	failKey string
}

func (f flakyStorage) Delete(ctx context.Context, key string) error {
	if key == f.failKey {
		return errors.New("permission denied")
	}
	return f.Storage.Delete(ctx, key)
}

type env struct {
	store    *jobstore.Store
	archives *storage.Local
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	store, err := jobstore.Open(context.Background(), filepath.Join(root, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return &env{store: store, archives: storage.NewLocal(filepath.Join(root, "archives"))}
}

func (e *env) add(t *testing.T, jobs ...model.BackupJob) {
	t.Helper()
	ctx := context.Background()
	for i := range jobs {
		require.NoError(t, e.store.InsertBackup(ctx, &jobs[i]))
		require.NoError(t, e.archives.Put(ctx, jobs[i].ArchivePath, strings.NewReader("archive "+jobs[i].ID), -1, nil))
	}
}

func (e *env) exists(t *testing.T, id string) bool {
	t.Helper()
	_, err := e.store.GetBackup(context.Background(), id)
	if errors.Is(err, model.ErrNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}

func (e *env) engine(s storage.Storage) (*Engine, *events) {
	eng := New(e.store, s, tiers, zerolog.Nop())
	eng.Now = func() time.Time { return now }
	ev := &events{}
	eng.Notifier = ev
	return eng, ev
}

func twoChains() []model.BackupJob {
	day := 24 * time.Hour
	return []model.BackupJob{
		completed("a0", "A", 0, 6*day),
		completed("a1", "A", 1, 5*day),
		completed("a2", "A", 2, 4*day),
		completed("b0", "B", 0, 2*day),
		completed("b1", "B", 1, 1*day),
		job("x", "B", 2, model.ScopeFiles, model.JobFailed, 12*time.Hour),
	}
}

func TestEnforceDeletesExpiredChainAndFailedJobs(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.add(t, twoChains()...)
	eng, ev := e.engine(e.archives)

	res, err := eng.Enforce(ctx, "store-01")
	require.NoError(t, err)
	require.NoError(t, res.Err())
	assert.Equal(t, []string{"a2", "a1", "a0", "x"}, res.Deleted)
	assert.Equal(t, 2, res.Kept)

	for _, id := range []string{"a0", "a1", "a2", "x"} {
		assert.False(t, e.exists(t, id), id)
		ok, err := e.archives.Exists(ctx, "store-01/files/"+id+".tar.zst")
		require.NoError(t, err)
		assert.False(t, ok, id)
	}
	assert.True(t, e.exists(t, "b0"))
	assert.True(t, e.exists(t, "b1"))

	require.Len(t, ev.got, 1)
	assert.Equal(t, notify.KindRetention, ev.got[0].Kind)
	assert.Equal(t, notify.OutcomeSuccess, ev.got[0].Outcome)

	again, err := eng.Enforce(ctx, "store-01")
	require.NoError(t, err)
	assert.Empty(t, again.Deleted)
	assert.Empty(t, again.Errors)
}

func TestEnforceStopsChainOnDeleteFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.add(t, twoChains()...)
	eng, ev := e.engine(flakyStorage{Storage: e.archives, failKey: "store-01/files/a1.tar.zst"})

	res, err := eng.Enforce(ctx, "store-01")
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Err(), model.ErrArchiveIO)
	assert.Equal(t, []string{"a2", "x"}, res.Deleted)

	// The base stays so the surviving incremental still has a chain.
	assert.True(t, e.exists(t, "a0"))
	assert.True(t, e.exists(t, "a1"))
	assert.False(t, e.exists(t, "a2"))

	require.Len(t, ev.got, 1)
	assert.Equal(t, notify.OutcomeFailed, ev.got[0].Outcome)
}

func TestEnforceKeepsPreRestoreSnapshot(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.add(t, twoChains()...)
	require.NoError(t, e.store.InsertRestore(ctx, &model.RestoreJob{
		ID:                   "r1",
		StoreID:              "store-01",
		Scope:                model.ScopeFiles,
		TargetBackupID:       "b1",
		Status:               model.RestoreRestoring,
		PreRestoreSnapshotID: "a2",
		CreatedAt:            now,
		UpdatedAt:            now,
	}))
	eng, _ := e.engine(e.archives)

	plan, err := eng.Plan(ctx, "store-01")
	require.NoError(t, err)
	assert.Equal(t, ReasonProtected, decision(t, plan, "A").Reason)

	res, err := eng.Enforce(ctx, "store-01")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, res.Deleted)
	assert.True(t, e.exists(t, "a0"))
}

func TestPlanDoesNotDelete(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.add(t, twoChains()...)
	eng, ev := e.engine(e.archives)

	plan, err := eng.Plan(ctx, "store-01")
	require.NoError(t, err)
	assert.Len(t, plan.Delete, 4)
	assert.True(t, e.exists(t, "a0"))
	assert.Empty(t, ev.got)
}

func TestEnforceSweepsOrphanedArchives(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.add(t, twoChains()...)
	require.NoError(t, e.archives.Put(ctx, "store-01/files/ghost.tar.zst", strings.NewReader("left behind"), -1, nil))
	require.NoError(t, e.archives.Put(ctx, "store-02/files/other.tar.zst", strings.NewReader("another store"), -1, nil))
	eng, _ := e.engine(e.archives)

	res, err := eng.Enforce(ctx, "store-01")
	require.NoError(t, err)
	require.NoError(t, res.Err())
	assert.Equal(t, []string{"store-01/files/ghost.tar.zst"}, res.Orphans)

	for key, want := range map[string]bool{
		"store-01/files/ghost.tar.zst": false,
		"store-02/files/other.tar.zst": true,
		"store-01/files/b1.tar.zst":    true,
	} {
		ok, err := e.archives.Exists(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, ok, key)
	}
}
