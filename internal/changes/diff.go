package changes

import (
	"sort"

	"github.com/rowjay/posvault/internal/model"
)

// ChangeSet partitions the union of prior and current paths. Every path
// lands in exactly one of the four lists, each sorted.
type ChangeSet struct {
	Added     []string
	Modified  []string
	Deleted   []string
	Unchanged []string
}

// Empty reports whether nothing changed.
func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Deleted) == 0
}

// Diff compares the current tree against the prior chain view. A nil or
// empty prior classifies every current path as added.
func Diff(prior model.Snapshot, current Tree) ChangeSet {
	var cs ChangeSet
	for p, f := range current {
		old, ok := prior[p]
		switch {
		case !ok:
			cs.Added = append(cs.Added, p)
		case old != f.Checksum:
			cs.Modified = append(cs.Modified, p)
		default:
			cs.Unchanged = append(cs.Unchanged, p)
		}
	}
	for p := range prior {
		if _, ok := current[p]; !ok {
			cs.Deleted = append(cs.Deleted, p)
		}
	}
	sort.Strings(cs.Added)
	sort.Strings(cs.Modified)
	sort.Strings(cs.Deleted)
	sort.Strings(cs.Unchanged)
	return cs
}

// Captured returns the paths a job must archive: added and modified.
func (c ChangeSet) Captured() []string {
	out := make([]string, 0, len(c.Added)+len(c.Modified))
	out = append(out, c.Added...)
	out = append(out, c.Modified...)
	sort.Strings(out)
	return out
}

// Manifest builds the manifest for jobID from the change set.
func (c ChangeSet) Manifest(jobID string, current Tree) model.Manifest {
	m := model.NewManifest(jobID)
	for _, p := range c.Captured() {
		m.Entries[p] = current[p].Checksum
	}
	m.Deleted = append(m.Deleted, c.Deleted...)
	return m
}
