// Package secrets resolves configuration values that point at a secret
// instead of holding it.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrSecretRef = errors.New("invalid secret reference")

// IsRef reports whether v uses one of the reference schemes env:, file: or
// raw:.
func IsRef(v string) bool {
	v = strings.TrimSpace(v)
	return strings.HasPrefix(v, "env:") || strings.HasPrefix(v, "file:") || strings.HasPrefix(v, "raw:")
}

// Resolve returns the value a reference points at, or v itself when it is
// not a reference. File contents are trimmed.
//
// Supported forms:
// - env:NAME
// - file:/path/to/secret
// - raw:literal-value (tests and dev only)
func Resolve(v string) (string, error) {
	ref := strings.TrimSpace(v)
	switch {
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimSpace(strings.TrimPrefix(ref, "env:"))
		if name == "" {
			return "", fmt.Errorf("%w: env var name is empty", ErrSecretRef)
		}
		val := os.Getenv(name)
		if val == "" {
			return "", fmt.Errorf("%w: env var %q is empty or missing", ErrSecretRef, name)
		}
		return val, nil
	case strings.HasPrefix(ref, "file:"):
		path := strings.TrimSpace(strings.TrimPrefix(ref, "file:"))
		if path == "" {
			return "", fmt.Errorf("%w: file path is empty", ErrSecretRef)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrSecretRef, err)
		}
		val := strings.TrimSpace(string(b))
		if val == "" {
			return "", fmt.Errorf("%w: file %q is empty", ErrSecretRef, path)
		}
		return val, nil
	case strings.HasPrefix(ref, "raw:"):
		val := strings.TrimPrefix(ref, "raw:")
		if val == "" {
			return "", fmt.Errorf("%w: raw value is empty", ErrSecretRef)
		}
		return val, nil
	default:
		return v, nil
	}
}
