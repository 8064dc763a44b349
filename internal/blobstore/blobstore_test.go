package blobstore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return store
}

func TestWriteThenRead(t *testing.T) {
	store := newStore(t)
	content := []byte("original image bytes")
	if err := store.Write("originals/abc.jpg", bytes.NewReader(content)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := store.Read("originals/abc.jpg")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("content mismatch: got %q", got)
	}
	size, err := store.Stat("originals/abc.jpg")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if size != int64(len(content)) {
		t.Fatalf("expected size %d, got %d", len(content), size)
	}
}

func TestReadMissingReturnsNotFound(t *testing.T) {
	store := newStore(t)
	if _, err := store.Read("originals/missing.jpg"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWriteLeavesNoPartialFileOnFailure(t *testing.T) {
	store := newStore(t)
	// A reader that fails mid-stream simulates a crash between temp write
	// and rename: the final path must never appear.
	failing := &failingReader{data: []byte("partial"), failAfter: 4}
	if err := store.Write("originals/crash.jpg", failing); err == nil {
		t.Fatal("expected write failure")
	}
	if _, err := store.Read("originals/crash.jpg"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no file at final path, got %v", err)
	}
	// The temp sibling is cleaned up as well.
	entries, err := os.ReadDir(filepath.Join(store.Root(), "originals"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".tmp-") {
			t.Fatalf("expected temp file cleanup, found %s", entry.Name())
		}
	}
}

func TestWriteReplacesExistingContentAtomically(t *testing.T) {
	store := newStore(t)
	if err := store.Write("originals/a.jpg", strings.NewReader("old complete content")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := store.Write("originals/a.jpg", strings.NewReader("new complete content")); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}
	got, err := store.Read("originals/a.jpg")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got) != "new complete content" {
		t.Fatalf("expected new content, got %q", got)
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	store := newStore(t)
	for _, path := range []string{"../outside", "originals/../../etc/passwd", "", "   ", "/"} {
		if err := store.Write(path, strings.NewReader("x")); !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("expected ErrInvalidPath for %q, got %v", path, err)
		}
	}
	// Paths that merely contain dots but stay inside the root are fine.
	if err := store.Write("originals/weird..name.jpg", strings.NewReader("x")); err != nil {
		t.Fatalf("expected dotted name to be accepted: %v", err)
	}
}

func TestDeleteIsBestEffort(t *testing.T) {
	store := newStore(t)
	if err := store.Write("originals/a.jpg", strings.NewReader("x")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	store.Delete("originals/a.jpg")
	if _, err := store.Read("originals/a.jpg"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected blob removed, got %v", err)
	}
	// Deleting a missing blob or an invalid path must not panic or error.
	store.Delete("originals/a.jpg")
	store.Delete("../outside")
}

type failingReader struct {
	data      []byte
	failAfter int
	offset    int
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.offset >= r.failAfter {
		return 0, errors.New("simulated stream failure")
	}
	n := copy(p, r.data[r.offset:r.failAfter])
	r.offset += n
	return n, nil
}
