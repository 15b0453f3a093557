package security

import (
	"errors"
	"fmt"
	"os"
)

// File modes for state written by cloudship. Logs and the database may
// contain deployment URLs and error output, so neither is world-readable.
const (
	PermLogFile   os.FileMode = 0640
	PermDBFile    os.FileMode = 0640
	PermDirectory os.FileMode = 0750
)

// ErrInsecurePermissions marks a secret-bearing file other users can access.
var ErrInsecurePermissions = errors.New("insecure file permissions")

const otherAccess os.FileMode = 0007

// OpenAppendFile opens path for appending, creating it when missing. The mode
// is set explicitly afterwards because OpenFile is subject to the umask and
// leaves existing files alone.
func OpenAppendFile(path string, perm os.FileMode) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, perm)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if err := file.Chmod(perm); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to set permissions on %s: %w", path, err)
	}
	return file, nil
}

// CreateSecureDir creates path and its parents, then pins path itself to perm.
func CreateSecureDir(path string, perm os.FileMode) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", path, err)
	}
	return nil
}

// ValidateSecurePermissions returns an error wrapping ErrInsecurePermissions
// when users outside the owner and group can read, write or execute path.
func ValidateSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if perm := info.Mode().Perm(); perm&otherAccess != 0 {
		return fmt.Errorf("%w: %s has mode %04o, expected at most %04o", ErrInsecurePermissions, path, perm, perm&^otherAccess)
	}
	return nil
}
