// Package chain decides where a new backup job sits: a fresh chain or the
// next incremental of the current one.
package chain

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/rowjay/posvault/internal/jobstore"
	"github.com/rowjay/posvault/internal/model"
)

// Placement is the chain position assigned to a new job. Prior holds the
// chain's Completed members in incremental order and is empty for a base.
type Placement struct {
	ChainID           string
	IncrementalNumber int
	Prior             []model.BackupJob
}

func (p Placement) IsBase() bool { return p.IncrementalNumber == 0 }

type Manager struct {
	MaxIncrementals int
}

func NewManager(maxIncrementals int) *Manager {
	return &Manager{MaxIncrementals: maxIncrementals}
}

// Place derives the placement for a new job of storeID/scope from the
// catalog. Call it inside the transaction that inserts the job.
func (m *Manager) Place(ctx context.Context, q *jobstore.Queries, storeID string, scope model.Scope) (Placement, error) {
	latest, err := q.LatestCompleted(ctx, storeID, scope)
	if errors.Is(err, model.ErrNotFound) {
		return newChain(), nil
	}
	if err != nil {
		return Placement{}, err
	}

	maxN, err := q.MaxIncrementalNumber(ctx, latest.ChainID)
	if err != nil {
		return Placement{}, err
	}
	if maxN >= m.MaxIncrementals {
		return newChain(), nil
	}

	members, err := q.ChainMembers(ctx, latest.ChainID)
	if err != nil {
		return Placement{}, err
	}
	prior := make([]model.BackupJob, 0, len(members))
	for _, j := range members {
		if j.Status == model.JobCompleted {
			prior = append(prior, j)
		}
	}
	if err := Verify(prior); err != nil {
		return Placement{}, err
	}

	return Placement{ChainID: latest.ChainID, IncrementalNumber: maxN + 1, Prior: prior}, nil
}

func newChain() Placement {
	return Placement{ChainID: uuid.NewString(), IncrementalNumber: 0}
}

// Verify checks that jobs, sorted by incremental number, form a usable chain
// prefix: one base at number 0 and strictly increasing numbers, all in the
// same chain.
func Verify(jobs []model.BackupJob) error {
	if len(jobs) == 0 {
		return nil
	}
	chainID := jobs[0].ChainID
	if !jobs[0].IsBase() {
		return model.Errorf(model.KindChainIntegrity, "verify chain", "chain has no completed base").WithJob(jobs[0].ID, chainID)
	}
	for i := 1; i < len(jobs); i++ {
		if jobs[i].ChainID != chainID {
			return model.Errorf(model.KindChainIntegrity, "verify chain", "job belongs to chain %s", jobs[i].ChainID).WithJob(jobs[i].ID, chainID)
		}
		if jobs[i].IncrementalNumber <= jobs[i-1].IncrementalNumber {
			return model.Errorf(model.KindChainIntegrity, "verify chain", "incremental numbers out of order").WithJob(jobs[i].ID, chainID)
		}
	}
	return nil
}

// ReplayPlan returns the Completed members of the chain from the base up to
// and including target, in incremental order.
func ReplayPlan(members []model.BackupJob, target model.BackupJob) ([]model.BackupJob, error) {
	var plan []model.BackupJob
	for _, j := range members {
		if j.Status != model.JobCompleted || j.IncrementalNumber > target.IncrementalNumber {
			continue
		}
		plan = append(plan, j)
	}
	if err := Verify(plan); err != nil {
		return nil, err
	}
	if len(plan) == 0 || plan[len(plan)-1].ID != target.ID {
		return nil, model.Errorf(model.KindChainIntegrity, "replay plan", "target missing from its chain").WithJob(target.ID, target.ChainID)
	}
	return plan, nil
}
