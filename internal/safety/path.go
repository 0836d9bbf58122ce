package safety

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// PartialSuffix marks a file whose bytes are still being written.
const PartialSuffix = ".partial"

// CleanObjectName normalizes a remote object name into a relative,
// slash-separated path. Blob names are virtual paths: a leading slash is
// dropped, backslashes are treated as separators, and any name that would
// climb out of the destination is rejected.
func CleanObjectName(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("object name is empty")
	}
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("object name contains NUL: %q", name)
	}

	slashed := strings.ReplaceAll(name, `\`, "/")
	if filepath.VolumeName(slashed) != "" {
		return "", fmt.Errorf("object name carries a volume: %q", name)
	}
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", fmt.Errorf("parent traversal is not allowed: %q", name)
		}
	}

	clean := strings.TrimLeft(path.Clean("/"+slashed), "/")
	if clean == "" {
		return "", fmt.Errorf("object name resolves to the destination root: %q", name)
	}
	if strings.HasSuffix(clean, PartialSuffix) {
		return "", fmt.Errorf("object name collides with the partial-file suffix: %q", name)
	}
	return clean, nil
}

// ObjectPath maps a remote object name to its file under root.
func ObjectPath(root, name string) (string, error) {
	rel, err := CleanObjectName(name)
	if err != nil {
		return "", err
	}
	return EnsureUnderRoot(root, filepath.Join(root, filepath.FromSlash(rel)))
}

// EnsureUnderRoot verifies candidate resolves under root and returns
// an absolute normalized path.
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
		return "", fmt.Errorf("path escapes root: %q", candidate)
	}
	return candAbs, nil
}

// SafeFileName reduces an arbitrary string (for example the last segment
// of a download URL) to a single path element usable as a file name.
func SafeFileName(s string) (string, error) {
	base := path.Base(strings.ReplaceAll(s, `\`, "/"))
	if base == "." || base == "/" || base == ".." || base == "" {
		return "", fmt.Errorf("no usable file name in %q", s)
	}
	return base, nil
}
