// Package offsite mirrors sealed archives to remote storage after a backup
// completes. Upload failures never affect the job's status.
package offsite

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"github.com/rowjay/posvault/internal/config"
	"github.com/rowjay/posvault/internal/cryptoutil"
	"github.com/rowjay/posvault/internal/model"
	"github.com/rowjay/posvault/internal/storage"
	"github.com/rowjay/posvault/internal/version"
)

// EncryptedSuffix is appended to remote keys of encrypted archives.
const EncryptedSuffix = ".sio"

// Uploader receives every Completed backup job.
type Uploader interface {
	Upload(ctx context.Context, job model.BackupJob) error
}

// Mirror copies archives from the local archive store to a remote store,
// optionally DARE-encrypted, behind a circuit breaker.
type Mirror struct {
	source  storage.Storage
	remote  storage.Storage
	key     []byte
	breaker *gobreaker.CircuitBreaker[struct{}]
	log     zerolog.Logger
}

func NewMirror(source, remote storage.Storage, cfg config.OffsiteConfig, log zerolog.Logger) (*Mirror, error) {
	m := &Mirror{source: source, remote: remote, log: log}
	if cfg.EncryptionKey != "" {
		key, err := cryptoutil.ParseKey(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("offsite encryption key: %w", err)
		}
		m.key = key
	}

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 3
	}
	timeout := cfg.BreakerTimeout
	if timeout == 0 {
		timeout = time.Minute
	}
	m.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "offsite",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("offsite breaker state changed")
		},
	})
	return m, nil
}

// RemoteKey is where job's archive lands on the remote store.
func (m *Mirror) RemoteKey(job model.BackupJob) string {
	if m.key != nil {
		return job.ArchivePath + EncryptedSuffix
	}
	return job.ArchivePath
}

// Upload mirrors job's archive and its sidecar. While the breaker is open
// it fails immediately with gobreaker.ErrOpenState.
func (m *Mirror) Upload(ctx context.Context, job model.BackupJob) error {
	_, err := m.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, m.upload(ctx, job)
	})
	return err
}

func (m *Mirror) upload(ctx context.Context, job model.BackupJob) error {
	src, err := m.source.Get(ctx, job.ArchivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer src.Close()

	key := m.RemoteKey(job)
	hasher := sha256.New()
	payload := io.TeeReader(src, hasher)

	pr, pw := io.Pipe()
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer pr.Close()
		return m.remote.Put(egCtx, key, pr, -1, map[string]string{"posvault-job": job.ID})
	})
	eg.Go(func() error {
		var w io.WriteCloser = pw
		if m.key != nil {
			enc, err := cryptoutil.EncryptWriter(pw, m.key)
			if err != nil {
				_ = pw.CloseWithError(err)
				return err
			}
			w = enc
		}
		if _, err := io.Copy(w, payload); err != nil {
			_ = pw.CloseWithError(err)
			return err
		}
		if m.key != nil {
			if err := w.Close(); err != nil {
				_ = pw.CloseWithError(err)
				return err
			}
		}
		return pw.Close()
	})
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	if sum := hex.EncodeToString(hasher.Sum(nil)); sum != job.ArchiveChecksum {
		_ = m.remote.Delete(ctx, key)
		return model.Errorf(model.KindSourceCorrupted, "offsite upload", "archive checksum %s does not match catalog %s", sum, job.ArchiveChecksum).WithJob(job.ID, job.ChainID)
	}

	meta := storage.ArchiveMeta{
		JobID:             job.ID,
		StoreID:           job.StoreID,
		Scope:             job.Scope.String(),
		ChainID:           job.ChainID,
		IncrementalNumber: job.IncrementalNumber,
		Key:               key,
		Checksum:          job.ArchiveChecksum,
		SizeBytes:         job.SizeBytes,
		Compression:       job.Compression,
		Encrypted:         m.key != nil,
		CreatedAt:         job.CreatedAt,
		ToolVersion:       version.Version,
	}
	body, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := m.remote.Put(ctx, storage.SidecarKey(key), bytes.NewReader(body), int64(len(body)), nil); err != nil {
		return fmt.Errorf("upload sidecar: %w", err)
	}

	m.log.Info().Str("job_id", job.ID).Str("key", key).Bool("encrypted", m.key != nil).Msg("archive mirrored off-site")
	return nil
}

// ReadMeta fetches the sidecar describing a mirrored archive.
func (m *Mirror) ReadMeta(ctx context.Context, job model.BackupJob) (storage.ArchiveMeta, error) {
	rc, err := m.remote.Get(ctx, storage.SidecarKey(m.RemoteKey(job)))
	if err != nil {
		return storage.ArchiveMeta{}, err
	}
	defer rc.Close()
	var meta storage.ArchiveMeta
	if err := json.NewDecoder(rc).Decode(&meta); err != nil {
		return storage.ArchiveMeta{}, err
	}
	return meta, nil
}
