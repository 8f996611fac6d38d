package archive

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/rowjay/posvault/internal/compress"
	"github.com/rowjay/posvault/internal/model"
	"github.com/rowjay/posvault/internal/util"
)

// Contents is what Extract found in an archive. Files maps entry names to
// the SHA-256 of the bytes written to disk.
type Contents struct {
	Meta    JobMeta
	HasMeta bool
	Files   map[string]string
}

// Extract unpacks every regular entry of the archive read from r below dest.
// Entry names that would escape dest are rejected as SourceCorrupted.
func Extract(r io.Reader, compression, dest string) (*Contents, error) {
	cr, err := compress.WrapReader(compression, r)
	if err != nil {
		return nil, err
	}
	defer cr.Close()

	out := &Contents{Files: map[string]string{}}
	tr := tar.NewReader(cr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, model.Wrap(model.KindSourceCorrupted, "extract", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		if hdr.Name == MetaEntry {
			if err := json.NewDecoder(tr).Decode(&out.Meta); err != nil {
				return nil, model.Wrap(model.KindSourceCorrupted, "extract", fmt.Errorf("decode job meta: %w", err))
			}
			out.HasMeta = true
			continue
		}

		target, err := util.SafeJoin(dest, hdr.Name)
		if err != nil {
			return nil, model.Wrap(model.KindSourceCorrupted, "extract", err)
		}
		sum, err := extractFile(tr, target, hdr.Size, os.FileMode(hdr.Mode).Perm())
		if err != nil {
			return nil, err
		}
		out.Files[hdr.Name] = sum
	}
}

func extractFile(r io.Reader, target string, size int64, perm os.FileMode) (string, error) {
	if perm == 0 {
		perm = 0o640
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return "", err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	if _, err := io.CopyN(io.MultiWriter(f, h), r, size); err != nil {
		f.Close()
		return "", model.Wrap(model.KindSourceCorrupted, "extract", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
