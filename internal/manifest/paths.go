// Copyright 2025 James Ross

// Package manifest sandboxes job output directories and writes the
// final SHA-256 checksum manifest, grounded on the source's
// security/paths.py and manifest.py.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// UnsafePathError is raised when a user-supplied output_dir escapes the
// sandbox or otherwise fails structural checks.
type UnsafePathError struct {
	Reason string
}

func (e *UnsafePathError) Error() string { return e.Reason }

func unsafe(reason string) error { return &UnsafePathError{Reason: reason} }

func validateRelativePath(requested string) error {
	if strings.HasPrefix(requested, "/") {
		return unsafe("absolute paths are not allowed for output_dir")
	}
	for _, part := range strings.Split(requested, "/") {
		if part == "." || part == ".." {
			return unsafe("path traversal segments are not allowed")
		}
		if strings.ContainsRune(part, 0) {
			return unsafe("NUL byte detected in output_dir")
		}
	}
	return nil
}

// SanitizeOutputDir resolves requested (or fallbackName if requested is
// empty) under baseDir, rejecting anything that would escape it, and
// creates the resulting directory.
func SanitizeOutputDir(baseDir, requested, fallbackName string) (string, error) {
	targetRel := requested
	if targetRel == "" {
		targetRel = fallbackName
	} else if err := validateRelativePath(targetRel); err != nil {
		return "", err
	}

	baseResolved, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("resolve base_dir: %w", err)
	}
	baseResolved = filepath.Clean(baseResolved)

	finalPath := filepath.Clean(filepath.Join(baseResolved, targetRel))

	if finalPath != baseResolved && !strings.HasPrefix(finalPath, baseResolved+string(filepath.Separator)) {
		return "", unsafe("output_dir resolves outside the configured data root")
	}

	if err := os.MkdirAll(finalPath, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return finalPath, nil
}
