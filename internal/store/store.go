// Package store answers whether a video can be served from the local
// filesystem.
package store

import (
	"os"
	"path/filepath"
	"strings"
)

// Videos checks video paths against the filesystem. When Root is set,
// relative paths resolve under it and nothing outside it is accepted.
type Videos struct {
	Root string
}

func (v Videos) Exists(path string) bool {
	resolved, ok := v.Resolve(path)
	if !ok {
		return false
	}
	info, err := os.Stat(resolved)
	return err == nil && info.Mode().IsRegular()
}

// Resolve returns the absolute path for path, or false if it escapes Root.
func (v Videos) Resolve(path string) (string, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", false
	}
	root := strings.TrimSpace(v.Root)
	if root == "" {
		abs, err := filepath.Abs(path)
		return abs, err == nil
	}

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(rootAbs, path)
	}
	abs := filepath.Clean(path)
	rel, err := filepath.Rel(rootAbs, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return abs, true
}
