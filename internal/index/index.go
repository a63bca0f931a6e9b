// Package index discovers slide files under the configured roots and
// resolves stable slide ids back to paths.
package index

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// ErrNotFound means an unknown slide id or a path outside the
// configured roots.
var ErrNotFound = errors.New("not found")

// maxDepth caps tree recursion against pathological mounts.
const maxDepth = 20

// Root is one browsable slide directory.
type Root struct {
	Path  string
	Label string
}

// Node is one directory in the navigable tree. Files are not listed
// here, only counted; the dir endpoint lists them.
type Node struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Path       string  `json:"path"`
	IsDir      bool    `json:"is_dir"`
	Children   []*Node `json:"children"`
	SlideCount int     `json:"slide_count"`
}

// Entry is one slide file in a directory listing.
type Entry struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime"`
}

// StableID derives the deterministic 16-char slide id from an absolute
// path. The id is what makes cache keys stable across restarts.
func StableID(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	sum := sha1.Sum([]byte(abs))
	return hex.EncodeToString(sum[:])[:16]
}

// Index walks the roots and maintains the id→path resolver map. The
// map is a read-through cache populated by tree and dir walks; a miss
// falls back to an exhaustive walk so ids survive process restarts.
type Index struct {
	roots   []Root
	exts    map[string]bool
	exclude []string
	log     *zap.Logger

	mu    sync.RWMutex
	paths map[string]string
}

func New(roots []Root, extensions, exclude []string, log *zap.Logger) *Index {
	exts := make(map[string]bool, len(extensions))
	for _, e := range extensions {
		exts[strings.ToLower(e)] = true
	}
	return &Index{
		roots:   roots,
		exts:    exts,
		exclude: exclude,
		log:     log,
		paths:   make(map[string]string),
	}
}

func (ix *Index) Roots() []Root { return ix.roots }

// IsSlide reports whether the filename has a recognized slide
// extension.
func (ix *Index) IsSlide(name string) bool {
	return ix.exts[strings.ToLower(filepath.Ext(name))]
}

func (ix *Index) skip(name string) bool {
	lname := strings.ToLower(name)
	for _, ex := range ix.exclude {
		exl := strings.ToLower(ex)
		if strings.ContainsAny(exl, "*?[") {
			if ok, err := filepath.Match(exl, lname); err == nil && ok {
				return true
			}
			if strings.Contains(lname, strings.Trim(exl, "*")) {
				return true
			}
		} else if strings.Contains(lname, exl) {
			return true
		}
	}
	return false
}

// Tree builds the directory tree for one root: directories only, each
// annotated with its recursive slide count. Directories holding no
// slides anywhere below them are pruned. Slide ids found along the way
// are recorded in the resolver map.
func (ix *Index) Tree(root Root) (*Node, error) {
	abs, err := filepath.Abs(root.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, root.Path)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, root.Path)
	}

	node := ix.walk(abs, 0)
	if root.Label != "" {
		node.Name = root.Label
	}
	ix.log.Info("indexed root",
		zap.String("root", abs),
		zap.String("slides", humanize.Comma(int64(node.SlideCount))),
	)
	return node, nil
}

func (ix *Index) walk(dir string, depth int) *Node {
	node := &Node{
		ID:       StableID(dir),
		Name:     filepath.Base(dir),
		Path:     dir,
		IsDir:    true,
		Children: []*Node{},
	}
	if depth > maxDepth {
		ix.log.Warn("max tree depth reached", zap.String("dir", dir))
		return node
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		ix.log.Warn("cannot list directory", zap.String("dir", dir), zap.Error(err))
		return node
	}

	for _, entry := range entries {
		name := entry.Name()
		if ix.skip(name) {
			continue
		}
		path := filepath.Join(dir, name)
		if entry.IsDir() {
			child := ix.walk(path, depth+1)
			if len(child.Children) > 0 || child.SlideCount > 0 {
				node.Children = append(node.Children, child)
				node.SlideCount += child.SlideCount
			}
		} else if ix.IsSlide(name) {
			node.SlideCount++
			ix.remember(StableID(path), path)
		}
	}

	sort.Slice(node.Children, func(i, j int) bool {
		a, b := node.Children[i], node.Children[j]
		if (a.SlideCount == 0) != (b.SlideCount == 0) {
			return b.SlideCount == 0
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
	return node
}

// Dir lists the slide files directly inside path. The path must sit
// under one of the configured roots.
func (ix *Index) Dir(path string) ([]Entry, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if !ix.underRoot(abs) {
		return nil, fmt.Errorf("%w: %s is outside the configured roots", ErrNotFound, path)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	dirents, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", abs, err)
	}

	entries := []Entry{}
	for _, d := range dirents {
		if d.IsDir() || ix.skip(d.Name()) || !ix.IsSlide(d.Name()) {
			continue
		}
		fp := filepath.Join(abs, d.Name())
		fi, err := d.Info()
		if err != nil {
			continue
		}
		id := StableID(fp)
		ix.remember(id, fp)
		entries = append(entries, Entry{
			ID:    id,
			Name:  d.Name(),
			Path:  fp,
			Size:  fi.Size(),
			Mtime: fi.ModTime().Unix(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	return entries, nil
}

func (ix *Index) underRoot(abs string) bool {
	for _, r := range ix.roots {
		rabs, err := filepath.Abs(r.Path)
		if err != nil {
			continue
		}
		if abs == rabs || strings.HasPrefix(abs, rabs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Resolve maps a slide id back to its path. A remembered path that no
// longer exists is forgotten (remounts must not be memoized as
// failure), and resolution falls back to walking the roots.
func (ix *Index) Resolve(id string) (string, error) {
	ix.mu.RLock()
	path, ok := ix.paths[id]
	ix.mu.RUnlock()
	if ok {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		ix.forget(id)
	}

	for _, r := range ix.roots {
		rabs, err := filepath.Abs(r.Path)
		if err != nil {
			continue
		}
		var found string
		walkErr := filepath.WalkDir(rabs, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // unreadable subtree, keep going
			}
			if d.IsDir() {
				if ix.skip(d.Name()) && p != rabs {
					return fs.SkipDir
				}
				return nil
			}
			if ix.skip(d.Name()) || !ix.IsSlide(d.Name()) {
				return nil
			}
			fid := StableID(p)
			ix.remember(fid, p)
			if fid == id {
				found = p
				return fs.SkipAll
			}
			return nil
		})
		if walkErr == nil && found != "" {
			return found, nil
		}
	}
	return "", fmt.Errorf("%w: slide id %s", ErrNotFound, id)
}

func (ix *Index) remember(id, path string) {
	ix.mu.Lock()
	ix.paths[id] = path
	ix.mu.Unlock()
}

func (ix *Index) forget(id string) {
	ix.mu.Lock()
	delete(ix.paths, id)
	ix.mu.Unlock()
}
