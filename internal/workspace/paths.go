// Package workspace provides workspace-rooted path safety, per-
// workspace command serialization, and the modified-file watcher that
// feeds snapshotting.
package workspace

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrOutsideWorkspace rejects paths escaping the workspace root.
var ErrOutsideWorkspace = errors.New("path resolves outside the workspace")

// ErrAbsolutePath rejects absolute paths where relative ones are required.
var ErrAbsolutePath = errors.New("absolute path not permitted")

// SanitizeRelative normalizes a workspace-relative path: removes "."
// segments, resolves ".." without escaping the root, and rejects
// absolute paths and drive prefixes. The returned path uses forward
// slashes. Sanitization is idempotent: a clean relative path comes
// back unchanged.
func SanitizeRelative(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") {
		return "", ErrAbsolutePath
	}

	parts := strings.Split(filepath.ToSlash(path), "/")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "", ".":
		case "..":
			if len(normalized) == 0 {
				return "", ErrOutsideWorkspace
			}
			normalized = normalized[:len(normalized)-1]
		default:
			normalized = append(normalized, part)
		}
	}
	if len(normalized) == 0 {
		return "", errors.New("path resolves to the workspace root")
	}
	return strings.Join(normalized, "/"), nil
}

// Rel rewrites an absolute path to workspace-relative form. Paths
// outside root return ErrOutsideWorkspace.
func Rel(root, path string) (string, error) {
	if !filepath.IsAbs(path) {
		return SanitizeRelative(path)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideWorkspace
	}
	return filepath.ToSlash(rel), nil
}

// Resolve joins a relative path under root after sanitization and
// confirms the result stays inside.
func Resolve(root, path string) (string, error) {
	var rel string
	var err error
	if filepath.IsAbs(path) {
		rel, err = Rel(root, path)
	} else {
		rel, err = SanitizeRelative(path)
	}
	if err != nil {
		return "", err
	}
	joined := filepath.Join(root, filepath.FromSlash(rel))
	cleanRoot := filepath.Clean(root)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", ErrOutsideWorkspace
	}
	return joined, nil
}

// ContainsDir reports whether dir (after cleaning) lies inside root.
func ContainsDir(root, dir string) bool {
	cleanRoot := filepath.Clean(root)
	cleanDir := filepath.Clean(dir)
	return cleanDir == cleanRoot || strings.HasPrefix(cleanDir, cleanRoot+string(filepath.Separator))
}
