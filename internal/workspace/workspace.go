package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/beeweed/vibecoder/internal/protocol"
	"github.com/beeweed/vibecoder/internal/vfs"
)

// MaxSnapshotFileSize bounds the files Snapshot uploads as session seeds.
const MaxSnapshotFileSize = 1 << 20

// journalDir holds the operation journal. It is never snapshotted and never
// written through Apply.
const journalDir = ".vibecoder"

// ErrOutsideWorkspace is returned for paths that would resolve outside the
// workspace directory.
var ErrOutsideWorkspace = errors.New("path escapes workspace directory")

// Workspace mirrors a session's files into a local directory.
type Workspace struct {
	dir         string
	journalPath string
}

// New opens dir as a workspace, creating it if needed.
func New(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, journalDir), 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{
		dir:         abs,
		journalPath: filepath.Join(abs, journalDir, "journal.md"),
	}, nil
}

// Dir returns the workspace directory path.
func (w *Workspace) Dir() string {
	return w.dir
}

// Resolve validates a session path and returns its location on disk.
func (w *Workspace) Resolve(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: path is required", vfs.ErrInvalidPath)
	}
	if filepath.IsAbs(p) || path.IsAbs(filepath.ToSlash(p)) || filepath.VolumeName(p) != "" {
		return "", fmt.Errorf("%w: absolute paths are not allowed", ErrOutsideWorkspace)
	}
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrOutsideWorkspace, p)
		}
	}
	rel, err := vfs.NormalizePath(p)
	if err != nil {
		return "", err
	}
	if rel == journalDir || strings.HasPrefix(rel, journalDir+"/") {
		return "", fmt.Errorf("%w: %q is reserved", vfs.ErrInvalidPath, p)
	}

	full := filepath.Join(w.dir, filepath.FromSlash(rel))
	back, err := filepath.Rel(w.dir, full)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideWorkspace, p)
	}
	return full, nil
}

// Apply writes one file operation to disk and journals it. Deleting a file
// that does not exist is not an error.
func (w *Workspace) Apply(op protocol.FileOperation, incomplete bool) error {
	full, err := w.Resolve(op.Path)
	if err != nil {
		return err
	}

	switch op.Kind {
	case protocol.OpCreate, protocol.OpUpdate:
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("create parent directories: %w", err)
		}
		if err := os.WriteFile(full, []byte(op.Content), 0o644); err != nil {
			return fmt.Errorf("write file: %w", err)
		}
	case protocol.OpDelete:
		if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete file: %w", err)
		}
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}

	return w.journal(op, incomplete)
}

func (w *Workspace) journal(op protocol.FileOperation, incomplete bool) error {
	f, err := os.OpenFile(w.journalPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	note := ""
	if incomplete {
		note = " (incomplete)"
	}
	entry := fmt.Sprintf("- %s %s%s\n", time.Now().UTC().Format(time.RFC3339), op, note)
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	return nil
}

// Journal returns the operation journal, or "" if nothing was applied yet.
func (w *Workspace) Journal() string {
	data, err := os.ReadFile(w.journalPath)
	if err != nil {
		return ""
	}
	return string(data)
}

// Snapshot returns the workspace's text files as a flat list, suitable for
// seeding a new session. Hidden directories, binary files and files over
// MaxSnapshotFileSize are skipped.
func (w *Workspace) Snapshot() ([]vfs.File, error) {
	var files []vfs.File
	err := filepath.WalkDir(w.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != w.dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > MaxSnapshotFileSize {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		if !utf8.Valid(data) {
			return nil
		}
		rel, err := filepath.Rel(w.dir, p)
		if err != nil {
			return err
		}
		files = append(files, vfs.File{Path: filepath.ToSlash(rel), Content: string(data)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot workspace: %w", err)
	}
	return files, nil
}
