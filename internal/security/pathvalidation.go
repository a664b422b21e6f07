package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidatePathWithinDirectory checks that filePath stays inside safeDir once
// "." and ".." components and symlinks are resolved. Neither path has to
// exist yet: missing trailing components are resolved against the nearest
// existing ancestor, so output paths can be checked before they are created.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	canonicalPath, err := canonicalize(filePath)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	canonicalSafeDir, err := canonicalize(safeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory path: %w", err)
	}

	relPath, err := filepath.Rel(canonicalSafeDir, canonicalPath)
	if err != nil {
		return fmt.Errorf("path is outside safe directory: %w", err)
	}
	if relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) || filepath.IsAbs(relPath) {
		return fmt.Errorf("path traversal detected: %s attempts to escape %s", filePath, safeDir)
	}
	return nil
}

// canonicalize returns the absolute path with symlinks resolved on the
// longest existing prefix.
func canonicalize(p string) (string, error) {
	absPath, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		return resolved, nil
	}

	// Walk up until an existing ancestor is found, e.g. /tmp/link/new.csv
	// where link -> /etc must resolve to /etc/new.csv.
	for checkPath := absPath; ; {
		parentDir := filepath.Dir(checkPath)
		if parentDir == checkPath {
			return absPath, nil
		}
		if resolved, err := filepath.EvalSymlinks(parentDir); err == nil {
			rel, err := filepath.Rel(parentDir, absPath)
			if err != nil {
				return "", err
			}
			return filepath.Join(resolved, rel), nil
		}
		checkPath = parentDir
	}
}

// SanitizeFilename makes a safe path component from an arbitrary string such
// as a device identifier or capture name. Characters other than ASCII letters,
// digits, dot, underscore and dash become an underscore, repeated underscores
// collapse, and the result is capped at 128 bytes.
func SanitizeFilename(s string) string {
	if s == "" {
		return "unknown"
	}
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
			lastUnderscore = r == '_'
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
