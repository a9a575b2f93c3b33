// Package artifact manages the agent's on-disk layout: immutable source
// archives, ephemeral build workspaces, captured build logs, and a scratch
// area that is safe to wipe on restart.
package artifact

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// ArchiveError indicates a missing, corrupt, or unsafe source archive.
type ArchiveError struct {
	ID  string
	Err error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("source archive for build %s: %v", e.ID, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

// StorageError indicates a disk, permission, or other I/O failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Store lays out artifacts under a single root directory:
//
//	source/<id>.tar.gz   immutable uploaded archives
//	workspace/<id>/      mutable extraction dirs, reclaimed after builds
//	logs/<id>.log        captured build output
//	tmp/                 scratch area, wiped on startup
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	s := &Store{root: root}
	for _, dir := range []string{s.sourceDir(), s.workspaceDir(), s.logDir(), s.TmpDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &StorageError{Op: "create " + dir, Err: err}
		}
	}
	// Scratch contents from a previous run carry no data worth keeping.
	entries, err := os.ReadDir(s.TmpDir())
	if err != nil {
		return nil, &StorageError{Op: "read tmp dir", Err: err}
	}
	for _, entry := range entries {
		_ = os.RemoveAll(filepath.Join(s.TmpDir(), entry.Name()))
	}
	return s, nil
}

func (s *Store) sourceDir() string    { return filepath.Join(s.root, "source") }
func (s *Store) workspaceDir() string { return filepath.Join(s.root, "workspace") }
func (s *Store) logDir() string       { return filepath.Join(s.root, "logs") }

// TmpDir returns the scratch directory. Its contents are wiped on startup.
func (s *Store) TmpDir() string { return filepath.Join(s.root, "tmp") }

// SourceArchivePath returns the path an archive for the given build is
// stored at, whether or not it exists yet.
func (s *Store) SourceArchivePath(id string) string {
	return filepath.Join(s.sourceDir(), id+".tar.gz")
}

// WorkspacePath returns the workspace directory for the given build.
func (s *Store) WorkspacePath(id string) string {
	return filepath.Join(s.workspaceDir(), id)
}

// LogPath returns the captured-output file for the given build.
func (s *Store) LogPath(id string) string {
	return filepath.Join(s.logDir(), id+".log")
}

// SaveSourceArchive persists an uploaded archive atomically: the bytes are
// staged in the scratch area and renamed into place, so a partial upload is
// never visible under the final name.
func (s *Store) SaveSourceArchive(id string, r io.Reader) (string, error) {
	path := s.SourceArchivePath(id)
	pending, err := renameio.TempFile(s.TmpDir(), path)
	if err != nil {
		return "", &StorageError{Op: "stage source archive", Err: err}
	}
	defer pending.Cleanup()

	if _, err := io.Copy(pending, r); err != nil {
		return "", &StorageError{Op: "write source archive", Err: err}
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return "", &StorageError{Op: "persist source archive", Err: err}
	}
	return path, nil
}

// WriteLog persists captured build output and returns its path.
func (s *Store) WriteLog(id string, output []byte) (string, error) {
	path := s.LogPath(id)
	if err := renameio.WriteFile(path, output, 0o644, renameio.WithTempDir(s.TmpDir())); err != nil {
		return "", &StorageError{Op: "write build log", Err: err}
	}
	return path, nil
}

// ExtractWorkspace decompresses the stored archive into a fresh workspace
// directory. The archive is untrusted input: entries that would escape the
// workspace root are rejected.
func (s *Store) ExtractWorkspace(id string) (string, error) {
	archive, err := os.Open(s.SourceArchivePath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", &ArchiveError{ID: id, Err: err}
		}
		return "", &StorageError{Op: "open source archive", Err: err}
	}
	defer archive.Close()

	dest := s.WorkspacePath(id)
	if err := os.RemoveAll(dest); err != nil {
		return "", &StorageError{Op: "clear workspace", Err: err}
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", &StorageError{Op: "create workspace", Err: err}
	}

	gz, err := gzip.NewReader(archive)
	if err != nil {
		return "", &ArchiveError{ID: id, Err: fmt.Errorf("not a gzip archive: %w", err)}
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", &ArchiveError{ID: id, Err: fmt.Errorf("corrupt tar archive: %w", err)}
		}
		if err := s.extractEntry(id, dest, hdr, tr); err != nil {
			return "", err
		}
	}
	return dest, nil
}

func (s *Store) extractEntry(id, dest string, hdr *tar.Header, r io.Reader) error {
	target, err := securePath(dest, hdr.Name)
	if err != nil {
		return &ArchiveError{ID: id, Err: err}
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, 0o755); err != nil {
			return &StorageError{Op: "create workspace dir", Err: err}
		}
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return &StorageError{Op: "create workspace dir", Err: err}
		}
		mode := os.FileMode(hdr.Mode).Perm()
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return &StorageError{Op: "create workspace file", Err: err}
		}
		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			return &ArchiveError{ID: id, Err: fmt.Errorf("extract %s: %w", hdr.Name, err)}
		}
		if err := f.Close(); err != nil {
			return &StorageError{Op: "close workspace file", Err: err}
		}
	case tar.TypeSymlink:
		// The link target must also resolve inside the workspace.
		if filepath.IsAbs(hdr.Linkname) {
			return &ArchiveError{ID: id, Err: fmt.Errorf("symlink %s has absolute target", hdr.Name)}
		}
		resolved := filepath.Join(filepath.Dir(target), hdr.Linkname)
		if resolved != dest && !strings.HasPrefix(resolved, dest+string(os.PathSeparator)) {
			return &ArchiveError{ID: id, Err: fmt.Errorf("symlink %s escapes workspace", hdr.Name)}
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return &StorageError{Op: "create workspace dir", Err: err}
		}
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return &StorageError{Op: "create workspace symlink", Err: err}
		}
	default:
		return &ArchiveError{ID: id, Err: fmt.Errorf("unsupported archive entry type %d for %s", hdr.Typeflag, hdr.Name)}
	}
	return nil
}

// securePath joins an archive entry name onto the workspace root and fails
// if the result would land outside it.
func securePath(dest, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("absolute path %s in archive", name)
	}
	target := filepath.Join(dest, name)
	if target != dest && !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %s escapes workspace", name)
	}
	return target, nil
}

// PurgeWorkspace removes a build's extracted workspace. Safe once the build
// has reached a terminal status; the source archive is left intact.
func (s *Store) PurgeWorkspace(id string) error {
	if err := os.RemoveAll(s.WorkspacePath(id)); err != nil {
		return &StorageError{Op: "purge workspace", Err: err}
	}
	return nil
}
