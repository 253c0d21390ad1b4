package vfs

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/beeweed/vibecoder/internal/protocol"
)

var (
	ErrNotFound    = errors.New("file not found")
	ErrInvalidPath = errors.New("invalid path")
)

// File is one entry of the flat file list.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FileView is an in-memory flat file set owned by one session.
type FileView struct {
	mu    sync.RWMutex
	files map[string]string
	order []string
}

// New creates a view seeded with files. Later duplicates replace earlier ones.
func New(files []File) (*FileView, error) {
	v := &FileView{files: make(map[string]string, len(files))}
	for _, f := range files {
		if err := v.Write(f.Path, f.Content); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// NormalizePath cleans a model-supplied path into the view's canonical form:
// slash separated, relative, no "." or ".." segments.
func NormalizePath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return "", fmt.Errorf("%w: path is required", ErrInvalidPath)
	}
	cleaned := path.Clean("/" + p)
	if cleaned == "/" {
		return "", fmt.Errorf("%w: %q names the root", ErrInvalidPath, p)
	}
	if strings.Contains(p, "..") {
		for _, seg := range strings.Split(p, "/") {
			if seg == ".." {
				return "", fmt.Errorf("%w: %q escapes the project", ErrInvalidPath, p)
			}
		}
	}
	return strings.TrimPrefix(cleaned, "/"), nil
}

// Read returns the content stored at p.
func (v *FileView) Read(p string) (string, error) {
	key, err := NormalizePath(p)
	if err != nil {
		return "", err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	content, ok := v.files[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return content, nil
}

// Write creates or replaces the file at p.
func (v *FileView) Write(p, content string) error {
	key, err := NormalizePath(p)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.files[key]; !ok {
		v.order = append(v.order, key)
	}
	v.files[key] = content
	return nil
}

// Delete removes the file at p.
func (v *FileView) Delete(p string) error {
	key, err := NormalizePath(p)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.files[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(v.files, key)
	for i, k := range v.order {
		if k == key {
			v.order = append(v.order[:i], v.order[i+1:]...)
			break
		}
	}
	return nil
}

// Apply performs a parsed file operation. An update of a missing file
// creates it; a delete of a missing file is reported as ErrNotFound.
func (v *FileView) Apply(op protocol.FileOperation) error {
	switch op.Kind {
	case protocol.OpCreate, protocol.OpUpdate:
		return v.Write(op.Path, op.Content)
	case protocol.OpDelete:
		return v.Delete(op.Path)
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// Files returns a snapshot of the view in insertion order.
func (v *FileView) Files() []File {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]File, 0, len(v.order))
	for _, k := range v.order {
		out = append(out, File{Path: k, Content: v.files[k]})
	}
	return out
}

// Paths returns the stored paths sorted lexically.
func (v *FileView) Paths() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := append([]string(nil), v.order...)
	sort.Strings(out)
	return out
}

// Replace swaps the whole content of the view for files.
func (v *FileView) Replace(files []File) error {
	next, err := New(files)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.files = next.files
	v.order = next.order
	return nil
}

// Len returns the number of files.
func (v *FileView) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.files)
}
