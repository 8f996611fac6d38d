// Package retention prunes backup jobs by age tier at whole-chain
// granularity.
package retention

import (
	"sort"
	"time"

	"github.com/rowjay/posvault/internal/model"
)

// ChainDecision explains what happens to one chain.
type ChainDecision struct {
	ChainID string
	Scope   model.Scope
	Tier    string
	Newest  time.Time
	Members []model.BackupJob
	Keep    bool
	Reason  string
}

// Plan is the outcome of BuildPlan. Delete lists jobs in deletion order:
// per chain from the highest incremental number down, then failed jobs.
type Plan struct {
	Chains []ChainDecision
	Keep   map[string]bool
	Delete []model.BackupJob
}

const (
	ReasonActive    = "active"
	ReasonProtected = "protected"
	ReasonCurrent   = "current"
	ReasonRetained  = "retained"
	ReasonExpired   = "expired"
	ReasonOverflow  = "over_tier_limit"
)

// BuildPlan decides which jobs survive. jobs are every job of one store,
// protected holds ids referenced by in-flight restores. It has no side
// effects.
func BuildPlan(jobs []model.BackupJob, protected map[string]bool, tiers []model.RetentionTier, now time.Time) (*Plan, error) {
	type chainKey struct {
		scope model.Scope
		id    string
	}
	chains := map[chainKey]*ChainDecision{}
	activeChains := map[string]bool{}
	var failed []model.BackupJob

	for _, j := range jobs {
		switch j.Status {
		case model.JobFailed:
			failed = append(failed, j)
			continue
		case model.JobPending, model.JobRunning:
			activeChains[j.ChainID] = true
			continue
		}
		k := chainKey{j.Scope, j.ChainID}
		c, ok := chains[k]
		if !ok {
			c = &ChainDecision{ChainID: j.ChainID, Scope: j.Scope}
			chains[k] = c
		}
		c.Members = append(c.Members, j)
		if j.CreatedAt.After(c.Newest) {
			c.Newest = j.CreatedAt
		}
	}

	// The newest chain of each scope is the one new backups extend.
	current := map[model.Scope]*ChainDecision{}
	for _, c := range chains {
		sort.Slice(c.Members, func(a, b int) bool { return c.Members[a].IncrementalNumber < c.Members[b].IncrementalNumber })
		if cur, ok := current[c.Scope]; !ok || newer(c, cur) {
			current[c.Scope] = c
		}
	}

	type bucketKey struct {
		scope model.Scope
		tier  int
	}
	buckets := map[bucketKey][]*ChainDecision{}
	for _, c := range chains {
		tierIdx := tierFor(tiers, now.Sub(c.Newest))
		if tierIdx >= 0 {
			c.Tier = tiers[tierIdx].Name
		}
		switch {
		case activeChains[c.ChainID]:
			c.Keep, c.Reason = true, ReasonActive
		case containsProtected(c.Members, protected):
			c.Keep, c.Reason = true, ReasonProtected
		case current[c.Scope] == c:
			c.Keep, c.Reason = true, ReasonCurrent
		case tierIdx < 0:
			c.Keep, c.Reason = false, ReasonExpired
		default:
			k := bucketKey{c.Scope, tierIdx}
			buckets[k] = append(buckets[k], c)
		}
	}

	for k, list := range buckets {
		sort.Slice(list, func(a, b int) bool { return newer(list[a], list[b]) })
		retain := tiers[k.tier].RetainChains
		// Chains kept for other reasons still occupy their tier's slots.
		for _, c := range chains {
			if c.Keep && c.Scope == k.scope && c.Tier == tiers[k.tier].Name {
				retain--
			}
		}
		for i, c := range list {
			if i < retain {
				c.Keep, c.Reason = true, ReasonRetained
			} else {
				c.Keep, c.Reason = false, ReasonOverflow
			}
		}
	}

	plan := &Plan{Keep: map[string]bool{}}
	for _, c := range chains {
		plan.Chains = append(plan.Chains, *c)
	}
	sort.Slice(plan.Chains, func(a, b int) bool {
		if plan.Chains[a].Scope != plan.Chains[b].Scope {
			return plan.Chains[a].Scope < plan.Chains[b].Scope
		}
		return newer(&plan.Chains[a], &plan.Chains[b])
	})

	for _, c := range plan.Chains {
		if c.Keep {
			for _, j := range c.Members {
				plan.Keep[j.ID] = true
			}
			continue
		}
		for i := len(c.Members) - 1; i >= 0; i-- {
			plan.Delete = append(plan.Delete, c.Members[i])
		}
	}
	sort.Slice(failed, func(a, b int) bool { return failed[a].CreatedAt.Before(failed[b].CreatedAt) })
	plan.Delete = append(plan.Delete, failed...)

	if err := plan.verify(); err != nil {
		return nil, err
	}
	return plan, nil
}

// verify checks that no chain is split between Keep and Delete.
func (p *Plan) verify() error {
	deleting := map[string]bool{}
	for _, j := range p.Delete {
		if j.Status == model.JobCompleted {
			deleting[j.ID] = true
		}
	}
	for _, c := range p.Chains {
		kept, dropped := 0, 0
		for _, j := range c.Members {
			if p.Keep[j.ID] {
				kept++
			}
			if deleting[j.ID] {
				dropped++
			}
			if p.Keep[j.ID] && deleting[j.ID] {
				return model.Errorf(model.KindChainIntegrity, "retention plan", "job both kept and deleted").WithJob(j.ID, c.ChainID)
			}
		}
		if kept > 0 && dropped > 0 {
			return model.Errorf(model.KindChainIntegrity, "retention plan", "chain would be split: %d kept, %d deleted", kept, dropped).WithJob("", c.ChainID)
		}
	}
	return nil
}

// tierFor returns the index of the first tier covering age, or -1.
func tierFor(tiers []model.RetentionTier, age time.Duration) int {
	for i, t := range tiers {
		if t.Covers(age) {
			return i
		}
	}
	return -1
}

func containsProtected(members []model.BackupJob, protected map[string]bool) bool {
	for _, j := range members {
		if protected[j.ID] {
			return true
		}
	}
	return false
}

// newer orders chains by latest member, ties broken by chain id.
func newer(a, b *ChainDecision) bool {
	if !a.Newest.Equal(b.Newest) {
		return a.Newest.After(b.Newest)
	}
	return a.ChainID < b.ChainID
}
