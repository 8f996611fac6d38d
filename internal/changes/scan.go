// Package changes walks a store's file tree and works out what differs from
// the chain's previous state.
package changes

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/rowjay/posvault/internal/model"
)

// File is one regular file found by Scan. Path is slash-separated and
// relative to the scanned root.
type File struct {
	Path     string
	Size     int64
	Mode     fs.FileMode
	Checksum string
}

// Tree maps relative paths to scanned files.
type Tree map[string]File

// Paths returns the tree's paths in sorted order.
func (t Tree) Paths() []string {
	paths := make([]string, 0, len(t))
	for p := range t {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Snapshot returns the path -> checksum view of the tree.
func (t Tree) Snapshot() model.Snapshot {
	s := make(model.Snapshot, len(t))
	for p, f := range t {
		s[p] = f.Checksum
	}
	return s
}

type Options struct {
	// Exclude holds doublestar globs matched against relative paths.
	Exclude []string
	// Workers bounds concurrent hashing. Zero means GOMAXPROCS.
	Workers int
}

func (o Options) excluded(rel string) bool {
	for _, pattern := range o.Exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, filepath.Base(rel)); ok {
			return true
		}
	}
	return false
}

// Scan walks root and checksums every regular file. Symlinks, directories
// and excluded paths are skipped. A missing root yields an empty tree.
func Scan(ctx context.Context, root string, opts Options) (Tree, error) {
	info, err := os.Stat(root)
	if os.IsNotExist(err) {
		return Tree{}, nil
	}
	if err != nil {
		return nil, model.Wrap(model.KindSourceCorrupted, "scan", err)
	}
	if !info.IsDir() {
		return nil, model.Errorf(model.KindSourceCorrupted, "scan", "%s is not a directory", root)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	var (
		mu   sync.Mutex
		tree = Tree{}
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if egCtx.Err() != nil {
			return egCtx.Err()
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && opts.excluded(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || opts.excluded(rel) {
			return nil
		}

		eg.Go(func() error {
			sum, size, err := HashFile(path)
			if err != nil {
				return fmt.Errorf("hash %s: %w", rel, err)
			}
			info, err := os.Lstat(path)
			if err != nil {
				return err
			}
			mu.Lock()
			tree[rel] = File{Path: rel, Size: size, Mode: info.Mode().Perm(), Checksum: sum}
			mu.Unlock()
			return nil
		})
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, model.Wrap(model.KindSourceCorrupted, "scan", err)
	}
	if walkErr != nil {
		return nil, model.Wrap(model.KindSourceCorrupted, "scan", walkErr)
	}
	return tree, nil
}

// HashFile returns the hex SHA-256 of the file at path and its length.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
