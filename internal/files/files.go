// Package files provides path-scoped file access rooted at a single base
// directory: read, write, substring edit, tree listing, glob, grep, and
// change notification.
package files

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

var (
	// ErrNotFound is returned when the target file does not exist.
	ErrNotFound = errors.New("file not found")
	// ErrStringNotFound is returned by Edit when the text to replace is absent.
	ErrStringNotFound = errors.New("string not found in file")
	// ErrOutsideRoot is returned for paths that resolve outside the base directory.
	ErrOutsideRoot = errors.New("path escapes base directory")
)

// skipDirs are dependency and build caches never listed or searched.
var skipDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
}

// NodeType distinguishes files from directories in a tree listing.
type NodeType string

const (
	NodeFile      NodeType = "file"
	NodeDirectory NodeType = "directory"
)

// Node is one entry of a recursive tree listing.
type Node struct {
	Name     string   `json:"name"`
	Path     string   `json:"path"`
	Type     NodeType `json:"type"`
	Children []*Node  `json:"children,omitempty"`
}

// FS is file access scoped to one base directory.
type FS struct {
	root string

	mu      sync.Mutex
	watcher *watch
}

// New returns an FS rooted at root. The directory need not exist yet.
func New(root string) *FS {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = filepath.Clean(root)
	}
	return &FS{root: abs}
}

// Root returns the absolute base directory.
func (f *FS) Root() string { return f.root }

// Resolve maps a caller-supplied path to an absolute path inside the root.
// Relative paths are joined to the root; absolute paths must already lie
// within it.
func (f *FS) Resolve(p string) (string, error) {
	var abs string
	if filepath.IsAbs(p) {
		abs = filepath.Clean(p)
	} else {
		abs = filepath.Join(f.root, filepath.FromSlash(p))
	}
	rel, err := filepath.Rel(f.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", p, ErrOutsideRoot)
	}
	return abs, nil
}

// Read returns the content of the file at path.
func (f *FS) Read(path string) (string, error) {
	abs, err := f.Resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("read %s: %w", path, ErrNotFound)
		}
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

// Write replaces the file at path with content, creating parent directories.
func (f *FS) Write(path, content string) error {
	abs, err := f.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("write %s: create directory: %w", path, err)
	}
	if err := writeAtomic(abs, []byte(content)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Edit replaces the first occurrence of oldString with newString. All other
// bytes of the file are preserved. Applying the same edit twice generally
// fails the second time with ErrStringNotFound.
func (f *FS) Edit(path, oldString, newString string) error {
	content, err := f.Read(path)
	if err != nil {
		return err
	}
	idx := strings.Index(content, oldString)
	if idx < 0 {
		return fmt.Errorf("edit %s: %w", path, ErrStringNotFound)
	}
	if oldString == newString {
		return nil
	}
	updated := content[:idx] + newString + content[idx+len(oldString):]
	return f.Write(path, updated)
}

// Exists reports whether path exists inside the root.
func (f *FS) Exists(path string) bool {
	abs, err := f.Resolve(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

// ListTree returns the recursive directory tree under the root, skipping
// hidden entries and dependency caches. Directories sort before files.
func (f *FS) ListTree() ([]*Node, error) {
	nodes, err := f.listDir(f.root, "")
	if err != nil {
		return nil, fmt.Errorf("list tree: %w", err)
	}
	return nodes, nil
}

func (f *FS) listDir(abs, rel string) ([]*Node, error) {
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	nodes := []*Node{}
	for _, e := range entries {
		name := e.Name()
		if skipName(name) {
			continue
		}
		childRel := name
		if rel != "" {
			childRel = rel + "/" + name
		}
		n := &Node{Name: name, Path: childRel, Type: NodeFile}
		if e.IsDir() {
			n.Type = NodeDirectory
			children, err := f.listDir(filepath.Join(abs, name), childRel)
			if err != nil {
				return nil, err
			}
			n.Children = children
		}
		nodes = append(nodes, n)
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Type != nodes[j].Type {
			return nodes[i].Type == NodeDirectory
		}
		return nodes[i].Name < nodes[j].Name
	})
	return nodes, nil
}

// Glob returns the relative paths of files matching pattern (doublestar
// syntax, e.g. "**/*.html"). No match yields an empty slice.
func (f *FS) Glob(pattern string) ([]string, error) {
	pattern = strings.TrimPrefix(filepath.ToSlash(pattern), "./")
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("glob %q: %w", pattern, doublestar.ErrBadPattern)
	}
	matches, err := doublestar.Glob(os.DirFS(f.root), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	out := []string{}
	for _, m := range matches {
		if hiddenOrSkipped(m) {
			continue
		}
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func skipName(name string) bool {
	return strings.HasPrefix(name, ".") || skipDirs[name]
}

// hiddenOrSkipped reports whether any segment of a slash-separated relative
// path is hidden or a dependency cache.
func hiddenOrSkipped(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if skipName(seg) {
			return true
		}
	}
	return false
}

// walkFiles visits every regular file under abs, skipping hidden entries and
// dependency caches, in lexical order.
func (f *FS) walkFiles(abs string, fn func(path string, d fs.DirEntry) error) error {
	return filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path != abs && skipName(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		return fn(path, d)
	})
}

func (f *FS) rel(abs string) string {
	rel, err := filepath.Rel(f.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

// writeAtomic writes data to a temp file in the same directory and renames
// it over path so readers never observe a partial write.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".sitedit-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	mode := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
