// Package fileid derives stable instance IDs from descriptor file paths.
package fileid

import (
	"path/filepath"

	"github.com/google/uuid"
)

const prefix = "inst-"

// pathNamespace scopes path-based instance IDs.
var pathNamespace = uuid.MustParse("a3d5b0e4-2c1f-5e8a-9b7d-4f6e1c0a2b93")

// InstanceID returns a stable instance ID for the given path.
// Equivalent spellings of the same path (trailing slash, "." segments) share an ID.
func InstanceID(path string) string {
	return prefix + uuid.NewSHA1(pathNamespace, []byte(filepath.Clean(path))).String()
}

// IsInstanceID reports whether id was produced by InstanceID.
func IsInstanceID(id string) bool {
	if len(id) <= len(prefix) || id[:len(prefix)] != prefix {
		return false
	}
	_, err := uuid.Parse(id[len(prefix):])
	return err == nil
}
