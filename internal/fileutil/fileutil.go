// Package fileutil provides filesystem helpers shared across the codebase,
// including the crash-safe atomic JSON writer used by every on-disk store.
package fileutil

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DirPermissions is the default mode for created directories.
	DirPermissions = 0750
	// FilePermissions is the default mode for created files.
	FilePermissions = 0600
)

// MustGetUserHomeDir returns the current user's home directory.
func MustGetUserHomeDir() string {
	hd, _ := os.UserHomeDir()
	return hd
}

// FileExists reports whether the named file exists.
func FileExists(file string) bool {
	_, err := os.Stat(file)
	return !os.IsNotExist(err)
}

// IsDir reports whether the path exists and is a directory.
func IsDir(path string) bool {
	stat, err := os.Stat(path)
	if err != nil {
		return false
	}
	return stat.IsDir()
}

// TruncString returns val truncated to at most max bytes.
func TruncString(val string, max int) string {
	if len(val) > max {
		return val[:max]
	}
	return val
}

// MustTempDir returns a temporary directory. Used only in tests.
func MustTempDir(pattern string) string {
	t, err := os.MkdirTemp("", pattern)
	if err != nil {
		panic(err)
	}
	return t
}

// WriteFileAtomic writes data to path via a temp file in the same directory
// followed by a rename. Readers see either the previous content or the new
// content, never a partial write. The temp file is removed on failure.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmpPath := fmt.Sprintf("%s.tmp-%06d", path, rand.Intn(1000000))
	if err := os.WriteFile(tmpPath, data, perm); err != nil {
		return fmt.Errorf("fileutil: failed to write temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("fileutil: failed to rename temp file to %s: %w", path, err)
	}
	return nil
}

// WriteJSONAtomic marshals v with indentation and writes it atomically.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("fileutil: failed to marshal %s: %w", path, err)
	}
	return WriteFileAtomic(path, data, FilePermissions)
}

// SanitizeID strips path separators and parent references from an id so it
// is safe to join into a filesystem path. An id that becomes empty after
// sanitization is a programmer error surfaced as an empty string.
func SanitizeID(id string) string {
	id = strings.ReplaceAll(id, "..", "")
	id = strings.ReplaceAll(id, "/", "")
	id = strings.ReplaceAll(id, "\\", "")
	id = strings.ReplaceAll(id, string(filepath.Separator), "")
	return strings.TrimSpace(id)
}

// SafeJoin joins an id onto base after sanitization and verifies the result
// stays within base.
func SafeJoin(base, id string) (string, error) {
	clean := SanitizeID(id)
	if clean == "" {
		return "", fmt.Errorf("fileutil: invalid id %q", id)
	}
	p := filepath.Clean(filepath.Join(base, clean))
	if !strings.HasPrefix(p, filepath.Clean(base)+string(filepath.Separator)) {
		return "", fmt.Errorf("fileutil: path traversal detected for id %q", id)
	}
	return p, nil
}
