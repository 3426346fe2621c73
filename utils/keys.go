package utils

import (
	"strconv"
	"strings"
)

// keySep never appears in identifiers accepted by the stores, so composite
// keys built from (tenant, id) pairs cannot collide across tenants.
const keySep = "\x1f"

// Key joins the parts of a composite key. Parts must not contain the unit
// separator; ValidID rejects such identifiers at the write path.
func Key(parts ...string) string {
	return strings.Join(parts, keySep)
}

// VersionedKey is Key with a trailing version component.
func VersionedKey(version uint64, parts ...string) string {
	return Key(parts...) + keySep + strconv.FormatUint(version, 10)
}

// SplitKey reverses Key.
func SplitKey(key string) []string {
	return strings.Split(key, keySep)
}

// ValidID reports whether id is usable as a key component: non-empty, no
// surrounding whitespace and no separator byte.
func ValidID(id string) bool {
	if id == "" || strings.TrimSpace(id) != id {
		return false
	}
	return !strings.Contains(id, keySep)
}
