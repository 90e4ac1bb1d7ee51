package project

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// FindRoot returns the project root for path.
//
// Starting at path (or its directory when path is a file) FindRoot walks
// up while each directory contains descriptor and returns the highest one.
// Build systems such as Meson keep a descriptor in every subdirectory, so
// the first match from below is usually a subproject, not the root.
func FindRoot(path, descriptor string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", NewPathError("find", path, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", NewPathError("find", abs, ErrNotFound)
		}
		return "", NewPathError("find", abs, err)
	}

	dir := abs
	if !info.IsDir() {
		dir = filepath.Dir(abs)
	}

	// Find the nearest directory with a descriptor.
	for !hasFile(dir, descriptor) {
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", NewPathError("find", abs, ErrRootNotFound)
		}
		dir = parent
	}

	// Climb while the parent keeps the chain.
	for {
		parent := filepath.Dir(dir)
		if parent == dir || !hasFile(parent, descriptor) {
			return dir, nil
		}
		dir = parent
	}
}

// ResolveRoot is FindRoot falling back to path's directory when no
// descriptor exists.
func ResolveRoot(path, descriptor string) (root string, found bool, err error) {
	root, err = FindRoot(path, descriptor)
	if err == nil {
		return root, true, nil
	}
	if !IsRootNotFound(err) {
		return "", false, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(abs); err == nil && !info.IsDir() {
		abs = filepath.Dir(abs)
	}
	return abs, false, nil
}

func hasFile(dir, name string) bool {
	info, err := os.Stat(filepath.Join(dir, name))
	return err == nil && !info.IsDir()
}
