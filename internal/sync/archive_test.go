package sync_test

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"syftsync/internal/sync"
)

func TestPackUnpackMessage_Roundtrip(t *testing.T) {
	m := newTestMessage(t, sync.MessageFileTransfer)
	source := writeSourceFile(t, []byte("round trip payload"))

	if _, err := m.AddFile(source, "docs/payload.txt", 0644); err != nil {
		t.Fatalf("AddFile() error = %v", err)
	}
	if err := m.Finalize(); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	archivePath, err := sync.PackMessage(m, t.TempDir())
	if err != nil {
		t.Fatalf("PackMessage() error = %v", err)
	}
	if filepath.Base(archivePath) != m.ID+sync.ArchiveExt {
		t.Errorf("archive name = %q, want %q", filepath.Base(archivePath), m.ID+sync.ArchiveExt)
	}

	unpacked, err := sync.UnpackMessage(archivePath, filepath.Join(t.TempDir(), "extracted"))
	if err != nil {
		t.Fatalf("UnpackMessage() error = %v", err)
	}
	if unpacked.ID != m.ID {
		t.Errorf("unpacked ID = %q, want %q", unpacked.ID, m.ID)
	}
	if ok, reason := unpacked.Validate(); !ok {
		t.Errorf("unpacked Validate() failed: %s", reason)
	}

	got, err := os.ReadFile(unpacked.ContentPath(unpacked.Files[0]))
	if err != nil {
		t.Fatalf("reading unpacked content: %v", err)
	}
	if string(got) != "round trip payload" {
		t.Errorf("unpacked content = %q", got)
	}
}

func TestPackMessage_Unfinalized(t *testing.T) {
	m := newTestMessage(t, sync.MessageFileTransfer)
	if _, err := sync.PackMessage(m, t.TempDir()); err == nil {
		t.Error("PackMessage() on unfinalized message should fail")
	}
}

func TestUnpackMessage_CorruptArchive(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "msg_x.tar.gz")
	if err := os.WriteFile(archivePath, []byte("not a gzip stream"), 0644); err != nil {
		t.Fatalf("writing bogus archive: %v", err)
	}

	_, err := sync.UnpackMessage(archivePath, filepath.Join(t.TempDir(), "out"))
	var corrupt *sync.CorruptMessageError
	if !errors.As(err, &corrupt) {
		t.Fatalf("UnpackMessage() error = %v, want CorruptMessageError", err)
	}
	if corrupt.MessageID != "msg_x" {
		t.Errorf("corrupt.MessageID = %q, want %q", corrupt.MessageID, "msg_x")
	}
}

func TestUnpackMessage_RejectsEscapingEntries(t *testing.T) {
	// Hand-build an archive with a traversal entry.
	archivePath := filepath.Join(t.TempDir(), "msg_evil.tar.gz")
	f, err := os.Create(archivePath)
	if err != nil {
		t.Fatalf("creating archive: %v", err)
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	content := []byte("evil")
	if err := tw.WriteHeader(&tar.Header{
		Name:     "../escape.txt",
		Mode:     0644,
		Size:     int64(len(content)),
		Typeflag: tar.TypeReg,
	}); err != nil {
		t.Fatalf("writing header: %v", err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatalf("writing entry: %v", err)
	}
	tw.Close()
	gz.Close()
	f.Close()

	parent := t.TempDir()
	_, err = sync.UnpackMessage(archivePath, filepath.Join(parent, "out"))
	var corrupt *sync.CorruptMessageError
	if !errors.As(err, &corrupt) {
		t.Fatalf("UnpackMessage() error = %v, want CorruptMessageError", err)
	}
	if _, statErr := os.Stat(filepath.Join(parent, "escape.txt")); statErr == nil {
		t.Error("escaping entry was written outside the destination")
	}
}
