package indexstore

import (
	"path/filepath"
)

// RelativePath computes the relative path from the directory
// containing base to target, via longest-common-prefix of their
// canonicalized absolute forms, emitting one "../" per unshared
// ancestor component of base's directory (spec §4.C). Both inputs are
// resolved with filepath.Abs + EvalSymlinks-free Clean; this package
// never requires the files to already exist (builder appends entries
// before all referenced files may exist on a clean run), so no realpath
// syscall is made here — only at bat.go's load time.
func RelativePath(base, target string) (string, error) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}
	baseDir := filepath.Dir(absBase)
	rel, err := filepath.Rel(baseDir, absTarget)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// ResolveRelative resolves a path stored relative to base's directory
// back to an absolute path.
func ResolveRelative(base, rel string) (string, error) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}
	baseDir := filepath.Dir(absBase)
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel), nil
	}
	return filepath.Clean(filepath.Join(baseDir, filepath.FromSlash(rel))), nil
}

// canonicalPath resolves symlinks and returns an absolute, clean path,
// used wherever the spec calls for "realpath" canonicalization (BAT
// load-time verification).
func canonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Fall back to the non-symlink-resolved absolute path; the
		// caller's existence check will fail loudly if it's wrong.
		return abs, nil
	}
	return real, nil
}
