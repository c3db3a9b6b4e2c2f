// Package fsutil holds the small path helpers shared by the registry and the
// runtime's model resolution.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandPath expands environment variables and a leading '~' to the user's
// home directory. "~user" forms are returned unchanged.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	path = os.ExpandEnv(path)
	if path != "~" && !strings.HasPrefix(path, "~/") && !strings.HasPrefix(path, `~\`) {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}

// IsFile reports whether path names an existing regular file. Model and
// projector paths must pass this before a load is attempted.
func IsFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// HasExt reports whether name ends in ext, ignoring case.
func HasExt(name, ext string) bool {
	return len(name) >= len(ext) && strings.EqualFold(name[len(name)-len(ext):], ext)
}
