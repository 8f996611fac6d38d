package archive

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/rowjay/posvault/internal/compress"
	"github.com/rowjay/posvault/internal/model"
)

// Writer builds an archive on top of w. Close must be called to flush the
// tar trailer and the compressor; it does not close w.
type Writer struct {
	tw      *tar.Writer
	closers []io.Closer
	now     func() time.Time
}

func NewWriter(w io.Writer, compression string) (*Writer, error) {
	aw := &Writer{now: time.Now}
	dest := w
	if compression != "" && compression != compress.TypeNone {
		cw, err := compress.WrapWriter(compression, w)
		if err != nil {
			return nil, err
		}
		aw.closers = append(aw.closers, cw)
		dest = cw
	}
	aw.tw = tar.NewWriter(dest)
	aw.closers = append(aw.closers, aw.tw)
	return aw, nil
}

// AddFile copies exactly size bytes of src into the archive under name and
// returns the SHA-256 of the archived bytes. A file whose length no longer
// matches the scan, shorter or longer, fails with SourceCorrupted.
func (w *Writer) AddFile(name, src string, size int64, mode fs.FileMode) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", model.Wrap(model.KindSourceCorrupted, "archive file", err)
	}
	defer f.Close()

	if mode == 0 {
		mode = 0o640
	}
	hdr := &tar.Header{
		Name:     name,
		Size:     size,
		Mode:     int64(mode.Perm()),
		ModTime:  w.now(),
		Typeflag: tar.TypeReg,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return "", fmt.Errorf("write header %s: %w", name, err)
	}

	h := sha256.New()
	if _, err := io.CopyN(io.MultiWriter(w.tw, h), f, size); err != nil {
		if errors.Is(err, io.EOF) {
			return "", model.Errorf(model.KindSourceCorrupted, "archive file", "%s changed during backup", name)
		}
		return "", fmt.Errorf("copy %s: %w", name, err)
	}
	var extra [1]byte
	switch n, err := f.Read(extra[:]); {
	case n > 0:
		return "", model.Errorf(model.KindSourceCorrupted, "archive file", "%s changed during backup", name)
	case err != nil && !errors.Is(err, io.EOF):
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// AddMeta appends the job description entry.
func (w *Writer) AddMeta(meta JobMeta) error {
	payload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job meta: %w", err)
	}
	hdr := &tar.Header{
		Name:     MetaEntry,
		Size:     int64(len(payload)),
		Mode:     0o640,
		ModTime:  w.now(),
		Typeflag: tar.TypeReg,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = w.tw.Write(payload)
	return err
}

// Close closes the tar writer and compressor in reverse order, returning
// the first error.
func (w *Writer) Close() error {
	var firstErr error
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.closers = nil
	return firstErr
}
