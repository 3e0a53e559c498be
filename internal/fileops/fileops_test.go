package fileops

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestUploadWithCorrectDigestProducesFile(t *testing.T) {
	dir := t.TempDir()
	allow, err := NewAllowSet([]string{dir})
	if err != nil {
		t.Fatalf("new allow set: %v", err)
	}

	target := filepath.Join(dir, "x")
	up, err := BeginUpload(allow, target, 5, 0644)
	if err != nil {
		t.Fatalf("begin upload: %v", err)
	}
	if err := up.WriteChunk(0, []byte("ab")); err != nil {
		t.Fatalf("write chunk 0: %v", err)
	}
	if err := up.WriteChunk(1, []byte("cde")); err != nil {
		t.Fatalf("write chunk 1: %v", err)
	}

	sum := sha256.Sum256([]byte("abcde"))
	if err := up.Complete(hex.EncodeToString(sum[:])); err != nil {
		t.Fatalf("complete: %v", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read uploaded file: %v", err)
	}
	if string(data) != "abcde" {
		t.Fatalf("got %q, want %q", data, "abcde")
	}
}

func TestUploadWithWrongDigestLeavesNoFile(t *testing.T) {
	dir := t.TempDir()
	allow, err := NewAllowSet([]string{dir})
	if err != nil {
		t.Fatalf("new allow set: %v", err)
	}

	target := filepath.Join(dir, "y")
	up, err := BeginUpload(allow, target, 5, 0644)
	if err != nil {
		t.Fatalf("begin upload: %v", err)
	}
	if err := up.WriteChunk(0, []byte("abcde")); err != nil {
		t.Fatalf("write chunk: %v", err)
	}

	err = up.Complete("0000000000000000000000000000000000000000000000000000000000000000")
	if err != ErrChecksumMismatch {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatal("expected target file to not exist after checksum mismatch")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected no leftover files, found %+v", entries)
	}
}

func TestUploadOutOfOrderChunkRejected(t *testing.T) {
	dir := t.TempDir()
	allow, err := NewAllowSet([]string{dir})
	if err != nil {
		t.Fatalf("new allow set: %v", err)
	}
	up, err := BeginUpload(allow, filepath.Join(dir, "z"), 5, 0644)
	if err != nil {
		t.Fatalf("begin upload: %v", err)
	}
	if err := up.WriteChunk(1, []byte("bad")); !errors.Is(err, ErrOutOfOrderChunk) {
		t.Fatalf("expected ErrOutOfOrderChunk, got %v", err)
	}
	up.Abort()
}

func TestResolveRejectsPathOutsideAllowSet(t *testing.T) {
	dir := t.TempDir()
	allow, err := NewAllowSet([]string{filepath.Join(dir, "sandbox")})
	if err != nil {
		t.Fatalf("new allow set: %v", err)
	}
	if _, err := allow.Resolve(filepath.Join(dir, "outside")); err != ErrPathNotAllowed {
		t.Fatalf("expected ErrPathNotAllowed, got %v", err)
	}
}

func TestListReturnsDirectoryEntries(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hi"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	allow, err := NewAllowSet([]string{dir})
	if err != nil {
		t.Fatalf("new allow set: %v", err)
	}

	entries, err := List(allow, dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var found bool
	for _, e := range entries {
		if e.Name == "a.txt" && e.Kind == KindFile && e.Size == 2 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected to find a.txt in listing, got %+v", entries)
	}
}

func TestDownloadStreamsChunksWithEOF(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "dl")
	if err := os.WriteFile(target, []byte("hello world"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	allow, err := NewAllowSet([]string{dir})
	if err != nil {
		t.Fatalf("new allow set: %v", err)
	}

	var collected []byte
	var sawEOF bool
	err = Download(allow, target, 0, 0, func(c DownloadChunk) error {
		if c.EOF {
			sawEOF = true
			return nil
		}
		collected = append(collected, c.Bytes...)
		return nil
	})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(collected) != "hello world" {
		t.Fatalf("got %q, want %q", collected, "hello world")
	}
	if !sawEOF {
		t.Fatal("expected a terminal EOF chunk")
	}
}
