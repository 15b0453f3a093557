// Package artifact manages versioned model files for notebooks and keeps
// exactly one version active per notebook.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"cloudship/internal/deployment"
)

// MaxSize is the largest artifact accepted for upload.
const MaxSize = 500 << 20

// signatures lists the accepted leading bytes per file extension.
var signatures = map[string][][]byte{
	".pkl":    {{0x80, 0x03}, {0x80, 0x04}, {0x80, 0x05}},
	".h5":     {{0x89, 'H', 'D', 'F'}},
	".pt":     {{'P', 'K', 0x03, 0x04}},
	".joblib": {{0x80, 0x03}, {0x80, 0x04}},
}

// Version is one uploaded artifact for a notebook.
type Version struct {
	ID          string     `json:"id"`
	NotebookID  string     `json:"notebook_id"`
	Version     int        `json:"version"`
	Location    string     `json:"location"`
	Filename    string     `json:"filename"`
	SizeBytes   int64      `json:"size_bytes"`
	Accuracy    *float64   `json:"accuracy,omitempty"`
	Active      bool       `json:"active"`
	UploadedAt  time.Time  `json:"uploaded_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
}

// Repository persists versions. Implementations must make CreateVersion and
// ActivateVersion atomic so no reader sees two active versions of a notebook.
type Repository interface {
	// CreateVersion assigns the next version number and stores v. When
	// v.Active is set the previous active version is deactivated in the same
	// transaction.
	CreateVersion(ctx context.Context, v *Version) (*Version, error)
	ActivateVersion(ctx context.Context, notebookID string, version int, now time.Time) (*Version, error)
	ActiveVersion(ctx context.Context, notebookID string) (*Version, error)
	GetVersion(ctx context.Context, notebookID string, version int) (*Version, error)
	ListVersions(ctx context.Context, notebookID string) ([]*Version, error)
}

// AllowedExtensions returns the accepted file extensions in sorted order.
func AllowedExtensions() []string {
	exts := make([]string, 0, len(signatures))
	for ext := range signatures {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// ValidateUpload checks name, size and file signature of an upload.
func ValidateUpload(filename string, size int64, head []byte) (string, error) {
	ext := strings.ToLower(path.Ext(filename))
	sigs, ok := signatures[ext]
	if !ok {
		return "", fmt.Errorf("%w: invalid file type %q, allowed: %s",
			deployment.ErrValidation, ext, strings.Join(AllowedExtensions(), ", "))
	}
	if size <= 0 {
		return "", fmt.Errorf("%w: empty file", deployment.ErrValidation)
	}
	if size > MaxSize {
		return "", fmt.Errorf("%w: file too large (%d bytes, max %d)", deployment.ErrValidation, size, MaxSize)
	}
	for _, sig := range sigs {
		if bytes.HasPrefix(head, sig) {
			return ext, nil
		}
	}
	return "", fmt.Errorf("%w: file does not match %s signature", deployment.ErrValidation, ext)
}
