package model

import "sort"

// Manifest records what a Files-scope job captured relative to the
// previous member of its chain. A base lists every tracked file.
type Manifest struct {
	JobID   string            `json:"job_id"`
	Entries map[string]string `json:"entries"`
	Deleted []string          `json:"deleted"`
}

// NewManifest returns an empty manifest for jobID.
func NewManifest(jobID string) Manifest {
	return Manifest{JobID: jobID, Entries: map[string]string{}, Deleted: []string{}}
}

// Paths returns the entry paths in sorted order.
func (m Manifest) Paths() []string {
	paths := make([]string, 0, len(m.Entries))
	for p := range m.Entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Snapshot is the effective path -> checksum view of a tree at one job.
type Snapshot map[string]string

// Fold replays manifests in chain order into the tree view at the last one.
// A path listed as deleted disappears until a later manifest lists it again.
func Fold(manifests ...Manifest) Snapshot {
	view := Snapshot{}
	for _, m := range manifests {
		for _, p := range m.Deleted {
			delete(view, p)
		}
		for p, sum := range m.Entries {
			view[p] = sum
		}
	}
	return view
}

func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
