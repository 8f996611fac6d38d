package restore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/rowjay/posvault/internal/archive"
	"github.com/rowjay/posvault/internal/changes"
	"github.com/rowjay/posvault/internal/model"
	"github.com/rowjay/posvault/internal/statedb"
	"github.com/rowjay/posvault/internal/util"
)

// DisplacedPath is where the live database is kept after being replaced by
// restore restoreID.
func DisplacedPath(livePath, restoreID string) string {
	return livePath + ".displaced-" + restoreID
}

// extract unpacks job's archive below dest.
func (e *Engine) extract(ctx context.Context, job model.BackupJob, dest string) (*archive.Contents, error) {
	rc, err := e.archives.Get(ctx, job.ArchivePath)
	if err != nil {
		return nil, model.Wrap(model.KindArchiveIO, "open archive", err)
	}
	defer rc.Close()
	contents, err := archive.Extract(rc, job.Compression, dest)
	if err != nil {
		return nil, model.Wrap(model.KindArchiveIO, "extract archive", err)
	}
	return contents, nil
}

// restoreState swaps the archived database in for the live file. The copy
// is extracted next to the live path and validated first, so a bad copy
// never reaches the live path.
func (e *Engine) restoreState(ctx context.Context, r *run) error {
	live := r.store.StatePath
	dir := filepath.Dir(live)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return model.Wrap(model.KindArchiveIO, "create database dir", err)
	}
	tmp, err := os.MkdirTemp(dir, ".posvault-restore-")
	if err != nil {
		return model.Wrap(model.KindArchiveIO, "create restore dir", err)
	}
	defer os.RemoveAll(tmp)

	contents, err := e.extract(ctx, r.target, tmp)
	if err != nil {
		return err
	}
	if _, ok := contents.Files[archive.StateEntry]; !ok {
		return model.Errorf(model.KindSourceCorrupted, "restore state", "archive has no %s entry", archive.StateEntry)
	}
	restored := filepath.Join(tmp, filepath.FromSlash(archive.StateEntry))
	if err := statedb.Validate(ctx, restored); err != nil {
		return err
	}

	displaced := DisplacedPath(live, r.job.ID)
	if err := keepDisplaced(live, displaced); err != nil {
		return model.Wrap(model.KindArchiveIO, "keep displaced database", err)
	}

	moved, err := moveSidecars(live, displaced)
	if err != nil {
		restoreSidecars(moved, live, displaced)
		return model.Wrap(model.KindArchiveIO, "move database sidecars", err)
	}
	if err := os.Rename(restored, live); err != nil {
		restoreSidecars(moved, live, displaced)
		return model.Wrap(model.KindArchiveIO, "replace live database", err)
	}
	r.mutated = true
	if err := syncDir(dir); err != nil {
		return model.Wrap(model.KindArchiveIO, "sync database dir", err)
	}
	r.log.Info().Str("displaced", displaced).Msg("live database replaced")
	return nil
}

// keepDisplaced links the live file to displaced, copying when the
// filesystem refuses hard links.
func keepDisplaced(live, displaced string) error {
	if _, err := os.Stat(live); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := os.Link(live, displaced); err == nil {
		return nil
	}
	return util.CopyFile(live, displaced, 0o600)
}

func moveSidecars(live, displaced string) ([]string, error) {
	var moved []string
	for _, suffix := range statedb.Sidecars {
		err := os.Rename(live+suffix, displaced+suffix)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return moved, err
		}
		moved = append(moved, suffix)
	}
	return moved, nil
}

func restoreSidecars(moved []string, live, displaced string) {
	for _, suffix := range moved {
		_ = os.Rename(displaced+suffix, live+suffix)
	}
}

// stagedFile is one path of the replayed tree: where its bytes sit in
// staging, their checksum and the plan step that last wrote or deleted it.
type stagedFile struct {
	src  string
	sum  string
	step int
}

// restoreFiles replays the plan into a staging tree, checks the result
// against the folded manifests and only then writes into the live tree.
func (e *Engine) restoreFiles(ctx context.Context, r *run) error {
	staging := filepath.Join(e.opts.StagingDir, r.job.ID)
	if err := os.MkdirAll(staging, 0o750); err != nil {
		return model.Wrap(model.KindArchiveIO, "create staging dir", err)
	}
	defer os.RemoveAll(staging)

	manifests, err := e.store.ChainManifests(ctx, r.plan)
	if err != nil {
		return model.Wrap(model.KindChainIntegrity, "load manifests", err)
	}
	stagedRoot := filepath.Join(staging, strings.TrimSuffix(archive.FilesPrefix, "/"))

	// Paths a step deletes leave the staged tree before that step's archive
	// is extracted, so a path may change between file and directory along
	// the chain. Their bytes move to an attic for non-strict restores.
	present := map[string]stagedFile{}
	gone := map[string]stagedFile{}
	for i, j := range r.plan {
		for _, p := range manifests[i].Deleted {
			f, ok := present[p]
			if !ok {
				continue
			}
			attic, err := util.SafeJoin(filepath.Join(staging, "attic", strconv.Itoa(i)), p)
			if err != nil {
				return model.Wrap(model.KindSourceCorrupted, "replay", err)
			}
			if err := os.MkdirAll(filepath.Dir(attic), 0o750); err != nil {
				return model.Wrap(model.KindArchiveIO, "replay", err)
			}
			if err := os.Rename(f.src, attic); err != nil {
				return model.Wrap(model.KindArchiveIO, "replay", fmt.Errorf("set aside %s: %w", p, err))
			}
			pruneEmptyDirs(stagedRoot, filepath.Dir(f.src))
			delete(present, p)
			gone[p] = stagedFile{src: attic, sum: f.sum, step: i}
		}

		contents, err := e.extract(ctx, j, staging)
		if err != nil {
			return err
		}
		for name, sum := range contents.Files {
			p, ok := strings.CutPrefix(name, archive.FilesPrefix)
			if !ok {
				continue
			}
			src, err := util.SafeJoin(stagedRoot, p)
			if err != nil {
				return model.Wrap(model.KindSourceCorrupted, "replay", err)
			}
			present[p] = stagedFile{src: src, sum: sum, step: i}
			delete(gone, p)
		}
		r.log.Debug().Str("job_id", j.ID).Int("incremental_number", j.IncrementalNumber).Int("files", len(contents.Files)).Msg("archive replayed")
	}

	view := model.Fold(manifests...)
	for p, want := range view {
		got, ok := present[p]
		if !ok {
			return model.Errorf(model.KindChainIntegrity, "replay", "%s missing from replayed archives", p).WithJob(r.target.ID, r.target.ChainID)
		}
		if got.sum != want {
			return model.Errorf(model.KindSourceCorrupted, "replay", "%s replayed with checksum %s, manifest has %s", p, got.sum, want).WithJob(r.target.ID, r.target.ChainID)
		}
	}
	for p := range present {
		if _, ok := view[p]; !ok {
			return model.Errorf(model.KindChainIntegrity, "replay", "replayed archives hold %s which no manifest lists", p).WithJob(r.target.ID, r.target.ChainID)
		}
	}

	targets := make(map[string]stagedFile, len(present))
	for p, f := range present {
		targets[p] = f
	}
	if !r.job.StrictDelete {
		revived := restorable(gone, targets)
		r.log.Debug().Int("deleted", len(gone)).Int("revived", revived).Msg("deleted paths kept")
	}

	root := r.store.FilesRoot
	var written, skipped, removed int
	for _, p := range sortedKeys(targets) {
		f := targets[p]
		dst, err := util.SafeJoin(root, p)
		if err != nil {
			return model.Wrap(model.KindSourceCorrupted, "apply", err)
		}
		if sum, _, err := changes.HashFile(dst); err == nil && sum == f.sum {
			skipped++
			continue
		}
		info, err := os.Stat(f.src)
		if err != nil {
			return model.Wrap(model.KindArchiveIO, "apply", err)
		}
		r.mutated = true
		cleared, err := clearPath(root, dst)
		if err != nil {
			return model.Wrap(model.KindArchiveIO, "apply", fmt.Errorf("make room for %s: %w", p, err))
		}
		removed += cleared
		if err := util.ReplaceFile(f.src, dst, info.Mode().Perm()); err != nil {
			return model.Wrap(model.KindArchiveIO, "apply", fmt.Errorf("replace %s: %w", p, err))
		}
		written++
	}

	if r.job.StrictDelete {
		for _, p := range sortedKeys(deletedPaths(manifests)) {
			dst, err := util.SafeJoin(root, p)
			if err != nil {
				return model.Wrap(model.KindSourceCorrupted, "apply", err)
			}
			info, err := os.Lstat(dst)
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
				continue
			}
			if err != nil {
				return model.Wrap(model.KindArchiveIO, "apply", err)
			}
			// The restored tree uses the path as a directory now.
			if info.IsDir() {
				continue
			}
			r.mutated = true
			if err := os.Remove(dst); err != nil {
				return model.Wrap(model.KindArchiveIO, "apply", fmt.Errorf("remove %s: %w", p, err))
			}
			pruneEmptyDirs(root, filepath.Dir(dst))
			removed++
		}
	}

	r.log.Info().Int("written", written).Int("unchanged", skipped).Int("removed", removed).Msg("file tree restored")
	return nil
}

// restorable adds deleted paths to targets, most recently deleted first,
// unless the restored tree already uses the path, one of its parents or a
// path below it. It returns how many were added.
func restorable(gone, targets map[string]stagedFile) int {
	order := make([]string, 0, len(gone))
	for p := range gone {
		order = append(order, p)
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := gone[order[i]], gone[order[j]]
		if a.step != b.step {
			return a.step > b.step
		}
		return order[i] < order[j]
	})

	dirs := map[string]bool{}
	markDirs := func(p string) {
		for d := path.Dir(p); d != "."; d = path.Dir(d) {
			dirs[d] = true
		}
	}
	for p := range targets {
		markDirs(p)
	}

	added := 0
	for _, p := range order {
		if _, ok := targets[p]; ok || dirs[p] {
			continue
		}
		blocked := false
		for d := path.Dir(p); d != "."; d = path.Dir(d) {
			if _, ok := targets[d]; ok {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}
		targets[p] = gone[p]
		markDirs(p)
		added++
	}
	return added
}

// clearPath makes room for a regular file at dst: a non-directory standing
// where dst needs a parent directory is removed, as is a directory at dst.
// It returns the number of entries removed.
func clearPath(root, dst string) (int, error) {
	rel, err := filepath.Rel(root, dst)
	if err != nil {
		return 0, err
	}
	parts := strings.Split(rel, string(os.PathSeparator))
	cur := root
	for _, part := range parts[:len(parts)-1] {
		cur = filepath.Join(cur, part)
		info, err := os.Stat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		if !info.IsDir() {
			return 1, os.Remove(cur)
		}
	}
	info, err := os.Lstat(dst)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 1, os.RemoveAll(dst)
	}
	return 0, nil
}

// pruneEmptyDirs removes dir and its empty parents up to, not including, stop.
func pruneEmptyDirs(stop, dir string) {
	stop = filepath.Clean(stop)
	for dir = filepath.Clean(dir); dir != stop && strings.HasPrefix(dir, stop+string(os.PathSeparator)); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			return
		}
	}
}

// deletedPaths collects paths marked deleted by any manifest and not listed
// again by a later one.
func deletedPaths(manifests []model.Manifest) map[string]bool {
	deleted := map[string]bool{}
	for _, m := range manifests {
		for _, p := range m.Deleted {
			deleted[p] = true
		}
		for p := range m.Entries {
			delete(deleted, p)
		}
	}
	return deleted
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
