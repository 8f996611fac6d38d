package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeTextRoundTrip(t *testing.T) {
	for _, s := range []Scope{ScopeState, ScopeFiles} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var got Scope
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, s, got)
	}

	var zero Scope
	_, err := zero.MarshalText()
	assert.Error(t, err)

	_, err = ParseScope("database")
	assert.Error(t, err)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, JobRunning.Terminal())
	assert.True(t, JobFailed.Terminal())
	assert.False(t, RestoreSnapshotCreated.Terminal())
	assert.True(t, RestoreCompleted.Terminal())
}

func TestStatusScan(t *testing.T) {
	var s RestoreStatus
	require.NoError(t, s.Scan("validating_archive"))
	assert.Equal(t, RestoreValidatingArchive, s)
	require.NoError(t, s.Scan([]byte("failed")))
	assert.Equal(t, RestoreFailed, s)
	assert.Error(t, s.Scan(int64(3)))
}

func TestFoldAppliesDeletesAndReadds(t *testing.T) {
	base := Manifest{Entries: map[string]string{"a": "a1", "b": "b1"}}
	inc1 := Manifest{Entries: map[string]string{"a": "a2", "c": "c1"}}
	inc2 := Manifest{Entries: map[string]string{}, Deleted: []string{"b"}}
	inc3 := Manifest{Entries: map[string]string{"b": "b3"}}

	assert.Equal(t, Snapshot{"a": "a2", "c": "c1"}, Fold(base, inc1, inc2))
	assert.Equal(t, Snapshot{"a": "a2", "b": "b3", "c": "c1"}, Fold(base, inc1, inc2, inc3))
	assert.Empty(t, Fold())
}

func TestRetentionTierCovers(t *testing.T) {
	week := RetentionTier{Name: "recent", MaxAge: 7 * 24 * time.Hour}
	assert.True(t, week.Covers(24*time.Hour))
	assert.False(t, week.Covers(8*24*time.Hour))
	assert.True(t, RetentionTier{Name: "long"}.Covers(1000*24*time.Hour))
}

func TestErrorMatchesSentinelByKind(t *testing.T) {
	err := fmt.Errorf("restore: %w", Errorf(KindSourceCorrupted, "validate", "checksum mismatch").WithJob("j1", "c1"))

	assert.True(t, errors.Is(err, ErrSourceCorrupted))
	assert.False(t, errors.Is(err, ErrArchiveIO))
	assert.Equal(t, KindSourceCorrupted, KindOf(err))
	assert.Contains(t, err.Error(), "job=j1")
	assert.Contains(t, err.Error(), "chain=c1")
}

func TestWrapKeepsExistingKind(t *testing.T) {
	inner := Errorf(KindDatabaseValidation, "validate", "not a database")
	assert.Same(t, inner, Wrap(KindArchiveIO, "restore", inner))
	assert.Nil(t, Wrap(KindArchiveIO, "restore", nil))

	wrapped := Wrap(KindArchiveIO, "write", errors.New("disk full"))
	var e *Error
	require.True(t, errors.As(wrapped, &e))
	assert.True(t, e.Retryable())
	assert.False(t, e.Fatal())
	assert.True(t, ErrChainIntegrity.Fatal())
}
