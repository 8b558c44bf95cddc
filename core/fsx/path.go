package fsx

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	errPathRequired = errors.New("path is required")
	errPathNUL      = errors.New("path contains NUL byte")
)

func checkInput(p string) (string, error) {
	p = strings.TrimSpace(p)
	switch {
	case p == "":
		return "", errPathRequired
	case strings.ContainsRune(p, 0):
		return "", errPathNUL
	}
	return p, nil
}

// AbsPath returns p cleaned and made absolute.
func AbsPath(p string) (string, error) {
	p, err := checkInput(p)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("absolute path for %s: %w", p, err)
	}
	return abs, nil
}

// HasTraversalSegment reports whether p has a ".." element under either
// separator.
func HasTraversalSegment(p string) bool {
	return strings.Contains("/"+strings.ReplaceAll(p, `\`, "/")+"/", "/../")
}

// ResolveWithinBase joins rel onto base and returns the absolute result. The
// result must stay under base both as written and with symlinks followed; a
// symlink whose target is missing is refused since its destination is unknown.
func ResolveWithinBase(base, rel string) (string, error) {
	root, err := AbsPath(base)
	if err != nil {
		return "", fmt.Errorf("resolve base dir: %w", err)
	}
	rel, err = checkInput(rel)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(rel) {
		rel = filepath.Join(root, rel)
	}
	target := filepath.Clean(rel)

	realRoot, err := realPath(root)
	if err != nil {
		realRoot = root
	}
	if !IsWithinBase(root, target) && !IsWithinBase(realRoot, target) {
		return "", fmt.Errorf("path escapes base dir: %s", rel)
	}
	realTarget, err := realPath(target)
	if err != nil {
		return "", fmt.Errorf("path escapes base dir: %w", err)
	}
	if !IsWithinBase(realRoot, realTarget) {
		return "", fmt.Errorf("path escapes base dir: %s -> %s", rel, realTarget)
	}
	return target, nil
}

// IsWithinBase reports whether target is base itself or nested under it.
func IsWithinBase(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// realPath follows symlinks through the longest existing prefix of p and
// appends the rest unchanged.
func realPath(p string) (string, error) {
	head, tail := p, ""
	for {
		resolved, err := filepath.EvalSymlinks(head)
		if err == nil {
			return filepath.Join(resolved, tail), nil
		}
		if info, lerr := os.Lstat(head); lerr == nil && info.Mode()&fs.ModeSymlink != 0 {
			return "", fmt.Errorf("unresolvable symlink %s: %w", head, err)
		}
		parent := filepath.Dir(head)
		if parent == head {
			return p, nil
		}
		tail = filepath.Join(filepath.Base(head), tail)
		head = parent
	}
}
