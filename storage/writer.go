// Package storage positions verified piece bytes into the correct
// (possibly multi-file) target layout, and owns the resume sidecar that
// remembers which pieces were already complete across runs.
package storage

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cenkalti/leech/metainfo"
	"github.com/cenkalti/leech/xlog"
)

var log = xlog.New("storage")

// Writer maps completed pieces onto the target files described by a
// metainfo.Info. It is the sole writer of those files for the lifetime of
// a download.
type Writer struct {
	info  *metainfo.Info
	files []*os.File
	// preexisting records, per file, whether it already existed with the
	// expected size at Open time, a signal to the caller that resume
	// verification against on-disk bytes is worthwhile.
	preexisting []bool
}

// Open creates (or reuses) every target file under folder, preallocating
// new files to their final size.
func Open(info *metainfo.Info, folder string) (*Writer, error) {
	w := &Writer{info: info}
	for _, f := range info.Files {
		path := filepath.Join(folder, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("storage: creating directory for %s: %w", f.Path, err)
		}

		existed := false
		if st, err := os.Stat(path); err == nil && st.Size() == f.Length {
			existed = true
		}

		file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("storage: opening %s: %w", f.Path, err)
		}
		if !existed {
			if err := preallocate(file, f.Length); err != nil {
				file.Close()
				return nil, fmt.Errorf("storage: preallocating %s: %w", f.Path, err)
			}
		}
		w.files = append(w.files, file)
		w.preexisting = append(w.preexisting, existed)
	}
	return w, nil
}

// PreexistingFiles reports which target files already had the right size
// when Open ran, so a caller doing --resume verification knows which
// pieces are worth re-hashing instead of assuming Absent.
func (w *Writer) PreexistingFiles() []bool { return w.preexisting }

// WritePiece durably persists a verified piece's bytes at their target
// offsets, possibly spanning several files.
func (w *Writer) WritePiece(index int, data []byte) error {
	touched := make(map[int]struct{})
	for _, sec := range w.info.FlattenedPiece(index) {
		f := w.files[sec.FileIndex]
		if _, err := f.WriteAt(data[sec.PieceRange[0]:sec.PieceRange[1]], sec.FileOffset); err != nil {
			return fmt.Errorf("storage: writing piece %d to %s: %w", index, w.info.Files[sec.FileIndex].Path, err)
		}
		touched[sec.FileIndex] = struct{}{}
	}
	for fi := range touched {
		if err := w.files[fi].Sync(); err != nil {
			return fmt.Errorf("storage: syncing %s: %w", w.info.Files[fi].Path, err)
		}
	}
	return nil
}

// VerifyPiece re-reads a piece's bytes from disk and reports whether they
// match the metainfo's recorded SHA-1, used during --resume startup.
func (w *Writer) VerifyPiece(index int) (bool, error) {
	length := w.info.PieceLen(index)
	buf := make([]byte, length)
	for _, sec := range w.info.FlattenedPiece(index) {
		f := w.files[sec.FileIndex]
		if _, err := f.ReadAt(buf[sec.PieceRange[0]:sec.PieceRange[1]], sec.FileOffset); err != nil {
			return false, fmt.Errorf("storage: reading piece %d from %s: %w", index, w.info.Files[sec.FileIndex].Path, err)
		}
	}
	return sha1.Sum(buf) == w.info.Pieces[index], nil
}

// Close closes every target file.
func (w *Writer) Close() error {
	var firstErr error
	for _, f := range w.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
