package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/rowjay/posvault/internal/model"
)

// PutManifest stores m for its job, replacing any earlier value.
func (q *Queries) PutManifest(ctx context.Context, m model.Manifest) error {
	entries := m.Entries
	if entries == nil {
		entries = map[string]string{}
	}
	deleted := m.Deleted
	if deleted == nil {
		deleted = []string{}
	}
	entriesJSON, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode manifest entries: %w", err)
	}
	deletedJSON, err := json.Marshal(deleted)
	if err != nil {
		return fmt.Errorf("encode manifest deletions: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `INSERT INTO manifests (job_id, entries, deleted) VALUES (?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET entries = excluded.entries, deleted = excluded.deleted`,
		m.JobID, string(entriesJSON), string(deletedJSON))
	if err != nil {
		return fmt.Errorf("failed to upsert manifest: %w", err)
	}
	return nil
}

func (q *Queries) GetManifest(ctx context.Context, jobID string) (model.Manifest, error) {
	var entriesJSON, deletedJSON string
	err := q.db.QueryRowContext(ctx, `SELECT entries, deleted FROM manifests WHERE job_id = ?`, jobID).
		Scan(&entriesJSON, &deletedJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Manifest{}, model.Errorf(model.KindNotFound, "get manifest", "manifest for %s not found", jobID)
	}
	if err != nil {
		return model.Manifest{}, fmt.Errorf("failed to select manifest: %w", err)
	}

	m := model.NewManifest(jobID)
	if err := json.Unmarshal([]byte(entriesJSON), &m.Entries); err != nil {
		return model.Manifest{}, fmt.Errorf("decode manifest entries: %w", err)
	}
	if err := json.Unmarshal([]byte(deletedJSON), &m.Deleted); err != nil {
		return model.Manifest{}, fmt.Errorf("decode manifest deletions: %w", err)
	}
	return m, nil
}

// ChainManifests returns the manifests of the given jobs in the order given.
func (q *Queries) ChainManifests(ctx context.Context, jobs []model.BackupJob) ([]model.Manifest, error) {
	out := make([]model.Manifest, 0, len(jobs))
	for _, j := range jobs {
		m, err := q.GetManifest(ctx, j.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
