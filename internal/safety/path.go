package safety

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// LocalName returns the file under dir that a download of remote lands in
// when a tool such as rsync keeps the remote base name. remote is a URL or
// slash-separated path. The base name must be a plain file name.
func LocalName(dir, remote string) (string, error) {
	trimmed := strings.TrimRight(remote, "/")
	if i := strings.Index(trimmed, "://"); i >= 0 && !strings.Contains(trimmed[i+3:], "/") {
		return "", fmt.Errorf("no file name in %q", remote)
	}

	name := path.Base(trimmed)
	switch {
	case trimmed == "", name == ".", name == "..", name == "/":
		return "", fmt.Errorf("no file name in %q", remote)
	case strings.ContainsAny(name, `\`+"\x00"):
		return "", fmt.Errorf("unsafe file name %q", name)
	}
	return EnsureUnderRoot(dir, filepath.Join(dir, name))
}

// EnsureUnderRoot verifies candidate resolves under root and returns it as
// an absolute path.
func EnsureUnderRoot(root, candidate string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	candAbs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve candidate: %w", err)
	}

	rel, err := filepath.Rel(rootAbs, candAbs)
	if err != nil {
		return "", fmt.Errorf("compare paths: %w", err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is not inside %q", candidate, root)
	}
	return candAbs, nil
}
