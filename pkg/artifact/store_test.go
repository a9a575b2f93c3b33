package artifact

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type entry struct {
	name     string
	body     string
	linkname string
	typeflag byte
}

func archiveBytes(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Mode:     0o644,
			Size:     int64(len(e.body)),
			Typeflag: tar.TypeReg,
		}
		if e.typeflag != 0 {
			hdr.Typeflag = e.typeflag
			hdr.Size = 0
			hdr.Linkname = e.linkname
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatalf("write body: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestSaveAndExtract(t *testing.T) {
	s := newTestStore(t)
	data := archiveBytes(t, []entry{
		{name: "go.mod", body: "module example.com/hello\n"},
		{name: "main.go", body: "package main\n"},
		{name: "cmd/", typeflag: tar.TypeDir},
		{name: "cmd/extra.go", body: "package main\n"},
	})

	path, err := s.SaveSourceArchive("b1", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if path != s.SourceArchivePath("b1") {
		t.Fatalf("unexpected archive path %s", path)
	}
	before := sha256.Sum256(readFile(t, path))

	ws, err := s.ExtractWorkspace("b1")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if ws != s.WorkspacePath("b1") {
		t.Fatalf("unexpected workspace path %s", ws)
	}
	if got := string(readFile(t, filepath.Join(ws, "go.mod"))); got != "module example.com/hello\n" {
		t.Fatalf("unexpected go.mod contents: %q", got)
	}
	if _, err := os.Stat(filepath.Join(ws, "cmd", "extra.go")); err != nil {
		t.Fatalf("nested file missing: %v", err)
	}

	// Extraction must not touch the immutable archive.
	after := sha256.Sum256(readFile(t, path))
	if before != after {
		t.Fatal("source archive mutated during extraction")
	}

	if err := s.PurgeWorkspace("b1"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := os.Stat(ws); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("workspace still present after purge: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("archive removed by purge: %v", err)
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	cases := []struct {
		name    string
		entries []entry
	}{
		{"dotdot", []entry{{name: "../escape.txt", body: "x"}}},
		{"absolute", []entry{{name: "/etc/passwd", body: "x"}}},
		{"symlink escape", []entry{
			{name: "link", typeflag: tar.TypeSymlink, linkname: "../../outside"},
		}},
		{"absolute symlink", []entry{
			{name: "link", typeflag: tar.TypeSymlink, linkname: "/etc"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestStore(t)
			data := archiveBytes(t, tc.entries)
			if _, err := s.SaveSourceArchive("bad", bytes.NewReader(data)); err != nil {
				t.Fatalf("save: %v", err)
			}
			_, err := s.ExtractWorkspace("bad")
			var archiveErr *ArchiveError
			if !errors.As(err, &archiveErr) {
				t.Fatalf("expected ArchiveError, got %v", err)
			}
		})
	}
}

func TestExtractMissingOrCorruptArchive(t *testing.T) {
	s := newTestStore(t)

	var archiveErr *ArchiveError
	if _, err := s.ExtractWorkspace("nope"); !errors.As(err, &archiveErr) {
		t.Fatalf("expected ArchiveError for missing archive, got %v", err)
	}

	if _, err := s.SaveSourceArchive("junk", bytes.NewReader([]byte("not a gzip stream"))); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.ExtractWorkspace("junk"); !errors.As(err, &archiveErr) {
		t.Fatalf("expected ArchiveError for corrupt archive, got %v", err)
	}
}

func TestSaveIsAtomic(t *testing.T) {
	s := newTestStore(t)

	// Nothing should be visible under the final name until the copy
	// completes; a reader that errors mid-stream must leave no archive.
	if _, err := s.SaveSourceArchive("partial", &failingReader{}); err == nil {
		t.Fatal("expected save to fail")
	}
	if _, err := os.Stat(s.SourceArchivePath("partial")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("partial archive visible at final path: %v", err)
	}
}

func TestWriteLog(t *testing.T) {
	s := newTestStore(t)
	ref, err := s.WriteLog("b1", []byte("step 1\nstep 2\n"))
	if err != nil {
		t.Fatalf("write log: %v", err)
	}
	if got := string(readFile(t, ref)); got != "step 1\nstep 2\n" {
		t.Fatalf("unexpected log contents: %q", got)
	}
}

func TestTmpWipedOnStartup(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stale := filepath.Join(root, "tmp", "leftover")
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := NewStore(root); err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("scratch file survived startup: %v", err)
	}
}

type failingReader struct{}

func (r *failingReader) Read(p []byte) (int, error) {
	return 0, errors.New("connection reset")
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}
