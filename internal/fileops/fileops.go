// Package fileops implements directory listing and chunked up/download
// bounded by per-device allow-paths, described in spec.md §4.8. Writes
// land via a temp-file-then-rename so a partially uploaded file is never
// observable at its final path, the same atomic-persistence idiom the
// teacher uses for admin settings (cmd/relay-server/admin.go) and this
// repo's own internal/trust store.
package fileops

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DownloadChunkSize bounds the payload of a single download chunk,
	// per spec.md §4.8.
	DownloadChunkSize = 64 * 1024
)

var (
	ErrPathNotAllowed    = errors.New("fileops: path not allowed")
	ErrSizeMismatch      = errors.New("fileops: uploaded size does not match declared size")
	ErrChecksumMismatch  = errors.New("fileops: checksum does not match declared digest")
	ErrOutOfOrderChunk   = errors.New("fileops: chunk sequence out of order")
	ErrUploadAlreadyDone = errors.New("fileops: upload already completed")
)

// EntryKind classifies one directory entry.
type EntryKind string

const (
	KindFile    EntryKind = "file"
	KindDir     EntryKind = "dir"
	KindSymlink EntryKind = "symlink"
	KindOther   EntryKind = "other"
)

// Entry describes one listed filesystem entry, per spec.md §4.8.
type Entry struct {
	Name    string
	Kind    EntryKind
	Size    int64
	Mode    uint32
	ModTime time.Time
}

// AllowSet is the set of canonicalized directories a given device may
// operate under. An empty set permits nothing — callers must configure
// at least one allow-path externally at daemon startup (spec.md §6).
type AllowSet struct {
	roots []string
}

// NewAllowSet canonicalizes each path in paths and returns the resulting
// set. Non-existent roots are kept as-is (canonicalized via Clean) so a
// directory that will be created later can still be named.
func NewAllowSet(paths []string) (*AllowSet, error) {
	roots := make([]string, 0, len(paths))
	for _, p := range paths {
		canon, err := canonicalizeRoot(p)
		if err != nil {
			return nil, err
		}
		roots = append(roots, canon)
	}
	return &AllowSet{roots: roots}, nil
}

func canonicalizeRoot(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("fileops: resolve allow-path %q: %w", p, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return filepath.Clean(abs), nil
}

// Resolve canonicalizes candidate and verifies it falls under one of the
// set's roots, rejecting any symlink that escapes (spec.md §4.8). The
// canonical, absolute path is returned on success.
func (a *AllowSet) Resolve(candidate string) (string, error) {
	abs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("fileops: resolve path %q: %w", candidate, err)
	}

	real := abs
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		real = resolved
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("fileops: resolve symlinks %q: %w", candidate, err)
	}

	for _, root := range a.roots {
		if real == root || strings.HasPrefix(real, root+string(filepath.Separator)) {
			return real, nil
		}
	}
	return "", ErrPathNotAllowed
}

// List returns the entries of path, which must resolve under allow.
func List(allow *AllowSet, path string) ([]Entry, error) {
	real, err := allow.Resolve(path)
	if err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(real)
	if err != nil {
		return nil, fmt.Errorf("fileops: read dir: %w", err)
	}

	out := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Name:    de.Name(),
			Kind:    kindOf(info),
			Size:    info.Size(),
			Mode:    uint32(info.Mode().Perm()),
			ModTime: info.ModTime(),
		})
	}
	return out, nil
}

func kindOf(info os.FileInfo) EntryKind {
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return KindSymlink
	case info.IsDir():
		return KindDir
	case info.Mode().IsRegular():
		return KindFile
	default:
		return KindOther
	}
}

// DownloadChunk is one slice of a streamed download, per spec.md §4.8.
type DownloadChunk struct {
	Seq   uint64
	Bytes []byte
	EOF   bool
}

// Download streams path (optionally starting at offset, optionally
// bounded to length bytes) to emit, one DownloadChunk at a time. If the
// file changes mid-transfer, Download delivers exactly what it read at
// the time without retrying (spec.md §4.8).
func Download(allow *AllowSet, path string, offset, length int64, emit func(DownloadChunk) error) error {
	real, err := allow.Resolve(path)
	if err != nil {
		return err
	}

	f, err := os.Open(real)
	if err != nil {
		return fmt.Errorf("fileops: open: %w", err)
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("fileops: seek: %w", err)
		}
	}

	var reader io.Reader = f
	if length > 0 {
		reader = io.LimitReader(f, length)
	}

	buf := make([]byte, DownloadChunkSize)
	var seq uint64
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := DownloadChunk{Seq: seq, Bytes: append([]byte(nil), buf[:n]...)}
			seq++
			if emitErr := emit(chunk); emitErr != nil {
				return emitErr
			}
		}
		if err == io.EOF {
			return emit(DownloadChunk{Seq: seq, EOF: true})
		}
		if err != nil {
			return fmt.Errorf("fileops: read: %w", err)
		}
	}
}

// Upload tracks an in-progress chunked upload to a temp file, promoted
// to its final path only once the declared size and checksum both
// verify (spec.md §4.8).
type Upload struct {
	finalPath string
	tmpPath   string
	file      *os.File
	hasher    interface{ Write([]byte) (int, error) }
	sum       func() string

	declaredSize int64
	written      int64
	nextSeq      uint64
	done         bool
}

// BeginUpload opens a temp file "<path>.tmp-<nonce>" for an upload of the
// given declared size and mode, after verifying path resolves under
// allow.
func BeginUpload(allow *AllowSet, path string, size int64, mode os.FileMode) (*Upload, error) {
	real, err := allow.Resolve(path)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("fileops: generate nonce: %w", err)
	}
	tmpPath := fmt.Sprintf("%s.tmp-%s", real, hex.EncodeToString(nonce))

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, mode)
	if err != nil {
		return nil, fmt.Errorf("fileops: create temp file: %w", err)
	}

	h := sha256.New()
	return &Upload{
		finalPath:    real,
		tmpPath:      tmpPath,
		file:         f,
		hasher:       h,
		sum:          func() string { return hex.EncodeToString(h.Sum(nil)) },
		declaredSize: size,
	}, nil
}

// WriteChunk appends a chunk, which must carry the next expected
// sequence number (strictly increasing from 0).
func (u *Upload) WriteChunk(seq uint64, data []byte) error {
	if u.done {
		return ErrUploadAlreadyDone
	}
	if seq != u.nextSeq {
		return fmt.Errorf("%w: got %d want %d", ErrOutOfOrderChunk, seq, u.nextSeq)
	}
	if _, err := u.file.Write(data); err != nil {
		return fmt.Errorf("fileops: write chunk: %w", err)
	}
	u.hasher.Write(data)
	u.written += int64(len(data))
	u.nextSeq++
	return nil
}

// Complete verifies the total bytes and sha256 against the declared
// values and, on success, atomically renames the temp file to its final
// path. On any failure the temp file is removed and the final path is
// left untouched.
func (u *Upload) Complete(declaredSHA256 string) error {
	u.done = true
	defer u.file.Close()

	if u.written != u.declaredSize {
		os.Remove(u.tmpPath)
		return fmt.Errorf("%w: wrote %d want %d", ErrSizeMismatch, u.written, u.declaredSize)
	}
	if u.sum() != declaredSHA256 {
		os.Remove(u.tmpPath)
		return ErrChecksumMismatch
	}
	if err := os.Rename(u.tmpPath, u.finalPath); err != nil {
		os.Remove(u.tmpPath)
		return fmt.Errorf("fileops: rename temp file: %w", err)
	}
	return nil
}

// Abort discards the upload and removes its temp file.
func (u *Upload) Abort() {
	u.done = true
	u.file.Close()
	os.Remove(u.tmpPath)
}
