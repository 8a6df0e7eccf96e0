package nar

import (
	"bytes"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	gonar "github.com/nix-community/go-nix/pkg/nar"
)

func writeTestTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello world\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "empty"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "run.sh"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "sub", "deeper"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "deeper", "data"), bytes.Repeat([]byte{0xab}, 3000), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("hello.txt", filepath.Join(root, "link")); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestDumpPathMatchesReference(t *testing.T) {
	root := writeTestTree(t)

	actual := new(bytes.Buffer)
	if err := DumpPath(actual, root); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := new(bytes.Buffer)
	if err := gonar.DumpPath(expected, root); err != nil {
		t.Fatalf("unexpected error from reference dumper: %v", err)
	}

	if diff := cmp.Diff(expected.Bytes(), actual.Bytes()); diff != "" {
		t.Errorf("archive bytes differ from reference (-want +got):\n%s", diff)
	}
	if actual.Len()%8 != 0 {
		t.Errorf("archive length %d is not 8-aligned", actual.Len())
	}
}

func TestDumpPathDeterministic(t *testing.T) {
	root := writeTestTree(t)

	first := sha256.New()
	if err := DumpPath(first, root); err != nil {
		t.Fatal(err)
	}
	second := sha256.New()
	if err := DumpPath(second, root); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first.Sum(nil), second.Sum(nil)) {
		t.Error("two dumps of the same tree produced different bytes")
	}
}

func TestDumpPathEntryOrder(t *testing.T) {
	root := writeTestTree(t)

	buf := new(bytes.Buffer)
	if err := DumpPath(buf, root); err != nil {
		t.Fatal(err)
	}

	nr, err := gonar.NewReader(buf)
	if err != nil {
		t.Fatal(err)
	}
	var paths []string
	var types []gonar.NodeType
	for {
		hdr, err := nr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		paths = append(paths, hdr.Path)
		types = append(types, hdr.Type)
	}

	expectedPaths := []string{"/", "/empty", "/hello.txt", "/link", "/run.sh", "/sub", "/sub/deeper", "/sub/deeper/data"}
	if diff := cmp.Diff(expectedPaths, paths); diff != "" {
		t.Errorf("unexpected entry order (-want +got):\n%s", diff)
	}
	expectedTypes := []gonar.NodeType{
		gonar.TypeDirectory, gonar.TypeRegular, gonar.TypeRegular, gonar.TypeSymlink,
		gonar.TypeRegular, gonar.TypeDirectory, gonar.TypeDirectory, gonar.TypeRegular,
	}
	if diff := cmp.Diff(expectedTypes, types); diff != "" {
		t.Errorf("unexpected entry types (-want +got):\n%s", diff)
	}
}

func TestDumpSingleFile(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "only")
	if err := os.WriteFile(file, []byte("contents"), 0o644); err != nil {
		t.Fatal(err)
	}

	buf := new(bytes.Buffer)
	if err := DumpPath(buf, file); err != nil {
		t.Fatal(err)
	}

	nr, err := gonar.NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	hdr, err := nr.Next()
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Type != gonar.TypeRegular || hdr.Size != int64(len("contents")) {
		t.Errorf("unexpected header: %+v", hdr)
	}
	contents, err := io.ReadAll(nr)
	if err != nil {
		t.Fatal(err)
	}
	if string(contents) != "contents" {
		t.Errorf("unexpected contents: %q", contents)
	}
}

func TestStreamMatchesDump(t *testing.T) {
	root := writeTestTree(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := NewStream(log, root)
	defer s.Close()
	streamed, err := io.ReadAll(s)
	if err != nil {
		t.Fatal(err)
	}

	direct := new(bytes.Buffer)
	if err := DumpPath(direct, root); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(direct.Bytes(), streamed) {
		t.Errorf("streamed bytes differ from direct dump: %d vs %d bytes", len(streamed), direct.Len())
	}
}

func TestStreamLargeFileSmallReads(t *testing.T) {
	root := t.TempDir()
	// Larger than the in-flight window, so the producer must block and resume.
	if err := os.WriteFile(filepath.Join(root, "big"), bytes.Repeat([]byte("x"), 1<<20), 0o644); err != nil {
		t.Fatal(err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := NewStream(log, root)
	defer s.Close()
	var total int
	buf := make([]byte, 1234)
	for {
		n, err := s.Read(buf)
		total += n
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}

	direct := new(bytes.Buffer)
	if err := DumpPath(direct, root); err != nil {
		t.Fatal(err)
	}
	if total != direct.Len() {
		t.Errorf("expected %d bytes, got %d", direct.Len(), total)
	}
}

func TestStreamMissingPath(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewStream(log, filepath.Join(t.TempDir(), "does-not-exist"))
	defer s.Close()
	// The walk fails immediately; the consumer observes a truncated (empty) stream.
	data, err := io.ReadAll(s)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 0 {
		t.Errorf("expected empty stream, got %d bytes", len(data))
	}
}

func TestStreamEarlyClose(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "big"), bytes.Repeat([]byte("y"), 4<<20), 0o644); err != nil {
		t.Fatal(err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := NewStream(log, root)
	buf := make([]byte, 100)
	if _, err := s.Read(buf); err != nil {
		t.Fatal(err)
	}
	// Closing with most of the archive unread must not deadlock the producer.
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}
