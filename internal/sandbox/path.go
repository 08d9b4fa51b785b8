package sandbox

import (
	"path"
	"strings"
)

// normalizePath cleans a caller-provided file path and rejects anything
// that would escape the workspace root: empty paths, absolute paths,
// NUL bytes, and any ".." segment surviving path.Clean. Symlink escapes
// inside the container are not checkable from here; the container
// policy (NetworkMode=none, no mount of the host filesystem) is the
// remaining line of defense for those.
func normalizePath(p string) (string, error) {
	if p == "" || strings.ContainsRune(p, 0) {
		return "", ErrInvalidPath
	}
	if path.IsAbs(p) {
		return "", ErrInvalidPath
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrInvalidPath
	}
	for _, seg := range strings.Split(clean, "/") {
		if seg == ".." {
			return "", ErrInvalidPath
		}
	}
	return clean, nil
}
