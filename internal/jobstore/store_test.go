package jobstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowjay/posvault/internal/model"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newJob(id, chain string, n int, status model.JobStatus, created time.Time) *model.BackupJob {
	return &model.BackupJob{
		ID:                id,
		StoreID:           "store-01",
		Scope:             model.ScopeFiles,
		Status:            status,
		Trigger:           model.TriggerScheduled,
		ChainID:           chain,
		IncrementalNumber: n,
		CreatedAt:         created,
		ArchivePath:       "store-01/files/" + id + ".tar",
	}
}

func TestBackupLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	job := newJob("j1", "c1", 0, model.JobRunning, now)
	require.NoError(t, s.InsertBackup(ctx, job))

	require.NoError(t, s.CompleteBackup(ctx, "j1", 42, "abc", now.Add(time.Minute)))
	got, err := s.GetBackup(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
	assert.Equal(t, model.TriggerScheduled, got.Trigger)
	assert.Equal(t, int64(42), got.SizeBytes)
	assert.Equal(t, "abc", got.ArchiveChecksum)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, now.Add(time.Minute).Equal(*got.CompletedAt))
	assert.True(t, now.Equal(got.CreatedAt))

	// A completed job cannot be completed or failed again.
	assert.ErrorIs(t, s.CompleteBackup(ctx, "j1", 1, "x", now), model.ErrNotFound)
	assert.ErrorIs(t, s.FailBackup(ctx, "j1", "late", now), model.ErrNotFound)

	_, err = s.GetBackup(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestIncrementalNumberUniquePerChain(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	now := time.Now()

	require.NoError(t, s.InsertBackup(ctx, newJob("j1", "c1", 0, model.JobCompleted, now)))
	err := s.InsertBackup(ctx, newJob("j2", "c1", 0, model.JobRunning, now))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrChainIntegrity))
}

func TestChainQueries(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.InsertBackup(ctx, newJob("b0", "c1", 0, model.JobCompleted, base)))
	require.NoError(t, s.InsertBackup(ctx, newJob("b2", "c1", 2, model.JobCompleted, base.Add(2*time.Hour))))
	require.NoError(t, s.InsertBackup(ctx, newJob("b1", "c1", 1, model.JobFailed, base.Add(time.Hour))))

	n, err := s.MaxIncrementalNumber(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.MaxIncrementalNumber(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, -1, n)

	members, err := s.ChainMembers(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, members, 3)
	for i, m := range members {
		assert.Equal(t, i, m.IncrementalNumber)
	}

	latest, err := s.LatestCompleted(ctx, "store-01", model.ScopeFiles)
	require.NoError(t, err)
	assert.Equal(t, "b2", latest.ID)

	_, err = s.LatestCompleted(ctx, "store-01", model.ScopeState)
	assert.ErrorIs(t, err, model.ErrNotFound)

	failed, err := s.ListBackups(ctx, Filter{StoreID: "store-01", Status: model.JobFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "b1", failed[0].ID)

	all, err := s.ListBackups(ctx, Filter{StoreID: "store-01"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "b2", all[0].ID, "newest first")
}

func TestActiveBackups(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	now := time.Now()

	require.NoError(t, s.InsertBackup(ctx, newJob("r", "c1", 0, model.JobRunning, now)))
	require.NoError(t, s.InsertBackup(ctx, newJob("d", "c2", 0, model.JobCompleted, now)))

	n, err := s.CountActiveBackups(ctx, "store-01", model.ScopeFiles)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	active, err := s.ActiveBackups(ctx, "")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "r", active[0].ID)

	require.NoError(t, s.FailBackup(ctx, "r", "interrupted", now))
	n, err = s.CountActiveBackups(ctx, "store-01", model.ScopeFiles)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestManifestRoundTripAndDelete(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.InsertBackup(ctx, newJob("j1", "c1", 0, model.JobCompleted, time.Now())))

	m := model.NewManifest("j1")
	m.Entries["menu/a.json"] = "sum-a"
	m.Deleted = append(m.Deleted, "menu/old.json")
	require.NoError(t, s.PutManifest(ctx, m))

	got, err := s.GetManifest(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, m, got)

	err = s.InTx(ctx, func(ctx context.Context, q *Queries) error {
		return q.DeleteBackup(ctx, "j1")
	})
	require.NoError(t, err)

	_, err = s.GetManifest(ctx, "j1")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.GetBackup(ctx, "j1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	err := s.InTx(ctx, func(ctx context.Context, q *Queries) error {
		if err := q.InsertBackup(ctx, newJob("j1", "c1", 0, model.JobRunning, time.Now())); err != nil {
			return err
		}
		return errors.New("boom")
	})
	require.Error(t, err)

	_, err = s.GetBackup(ctx, "j1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRestoreJobs(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	r := &model.RestoreJob{
		ID:             "r1",
		StoreID:        "store-01",
		Scope:          model.ScopeState,
		TargetBackupID: "b1",
		Status:         model.RestorePending,
		StrictDelete:   true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, s.InsertRestore(ctx, r))

	r.Status = model.RestoreSnapshotCreated
	r.PreRestoreSnapshotID = "snap"
	r.UpdatedAt = now.Add(time.Second)
	require.NoError(t, s.UpdateRestore(ctx, r))

	got, err := s.GetRestore(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.RestoreSnapshotCreated, got.Status)
	assert.True(t, got.StrictDelete)
	assert.Nil(t, got.CompletedAt)

	n, err := s.CountActiveRestores(ctx, "store-01", model.ScopeState)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	protected, err := s.ProtectedBackupIDs(ctx, "store-01")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"b1": true, "snap": true}, protected)

	done := now.Add(time.Minute)
	r.Status = model.RestoreCompleted
	r.CompletedAt = &done
	require.NoError(t, s.UpdateRestore(ctx, r))

	protected, err = s.ProtectedBackupIDs(ctx, "store-01")
	require.NoError(t, err)
	assert.Empty(t, protected)

	_, err = s.GetRestore(ctx, "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
