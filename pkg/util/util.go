package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// UserWritableDirPerms is used for store folders, log directories and config directories (rwxr-xr-x).
	UserWritableDirPerms os.FileMode = 0755
	// UserWritableFilePerms is used for generated config files and lock files (rw-r--r--).
	UserWritableFilePerms os.FileMode = 0644
	// UserGroupWritableFilePerms is used for upload logs and sentinels, which
	// operators in the sequencing group may need to repair by hand (rw-rw-r--).
	UserGroupWritableFilePerms os.FileMode = 0664
)

// ExpandPath expands a leading tilde to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not get user home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}

// InvertMap returns the reverse lookup of m. Used for the string tables of
// the enum types.
func InvertMap[K comparable, V comparable](m map[K]V) map[V]K {
	inv := make(map[V]K, len(m))
	for k, v := range m {
		inv[v] = k
	}
	return inv
}

// SameStringSet reports whether a and b contain the same elements, ignoring
// order and duplicates.
func SameStringSet(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = false
	}
	for _, s := range b {
		if _, ok := set[s]; !ok {
			return false
		}
		set[s] = true
	}
	for _, seen := range set {
		if !seen {
			return false
		}
	}
	return true
}
