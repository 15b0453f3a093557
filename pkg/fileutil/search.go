package fileutil

import (
	"os"
	"path/filepath"
)

// SystemConfigDir holds the machine-wide cloudship configuration.
const SystemConfigDir = "/etc/cloudship"

// FirstFile returns the first of paths that is an existing regular file, or
// "" when none is.
func FirstFile(paths ...string) string {
	for _, path := range paths {
		if FileExists(path) {
			return path
		}
	}
	return ""
}

// DefaultConfigPaths lists where a config file named filename is looked for,
// in order: the working directory, ./config, then SystemConfigDir.
func DefaultConfigPaths(filename string) []string {
	return []string{
		filepath.Join(".", filename),
		filepath.Join(".", "config", filename),
		filepath.Join(SystemConfigDir, filename),
	}
}

// FileExists reports whether path is an existing regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// DirExists reports whether path is an existing directory.
func DirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
